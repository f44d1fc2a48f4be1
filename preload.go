package main

import (
	"sync"
)

// roundPayload is one look-ahead round: fresh images for the pair that is
// already on screen. The reset flags record that a taxon's image pool was
// exhausted while preloading, so the consumer can apply the used-image
// reset when the round actually becomes visible.
type roundPayload struct {
	PairID string
	ImageA string
	ImageB string
	ResetA bool
	ResetB bool
}

// pairPayload is one look-ahead pair: a different pair plus its first
// images, stamped with the FilterSpec it was built under so the consumer
// can detect staleness after a filter change.
type pairPayload struct {
	Pair    TaxonPair
	ImageA  string
	ImageB  string
	Filters FilterSpec
}

// preloadBuffer is a one-slot cache. Fill is a no-op while a payload is
// held or another fill is running, so overlapping preload triggers never
// duplicate network work. Take atomically returns and clears the payload,
// so no payload is ever handed out twice.
type preloadBuffer[T any] struct {
	mu      sync.Mutex
	payload *T
	filling bool
}

func (b *preloadBuffer[T]) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payload != nil
}

func (b *preloadBuffer[T]) Take() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.payload == nil {
		return zero, false
	}
	p := *b.payload
	b.payload = nil
	return p, true
}

func (b *preloadBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payload = nil
}

// Fill runs producer and stores its result. If the buffer is already full
// or a fill is in flight, producer is never invoked. A payload produced
// by a fill that raced with Clear is kept; staleness is the consumer's
// check, at Take time.
func (b *preloadBuffer[T]) Fill(producer func() (T, error)) error {
	b.mu.Lock()
	if b.filling || b.payload != nil {
		b.mu.Unlock()
		return nil
	}
	b.filling = true
	b.mu.Unlock()

	p, err := producer()

	b.mu.Lock()
	b.filling = false
	if err == nil {
		b.payload = &p
	}
	b.mu.Unlock()

	return err
}
