package main

import (
	"math/rand"
	"sync"
	"time"
)

// CollectionRotator hands out pairs from a shuffled working subset of the
// filtered collection, so a session cycles through pairs without repeats.
//
// The subset is sampled uniformly from the collection, capped in size, and
// rebuilt when exhausted or after Refresh. The pair returned most recently
// is excluded from a fresh subset, so two consecutive Next calls never
// yield the same pair across a rebuild boundary (unless it is the only
// pair left under the current filters).
type CollectionRotator struct {
	mu sync.Mutex

	rng        *rand.Rand
	maxSubset  int
	collection []TaxonPair
	subset     []TaxonPair
	lastPairID string
}

func newCollectionRotator(maxSubset int, rng *rand.Rand) *CollectionRotator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &CollectionRotator{
		rng:       rng,
		maxSubset: maxSubset,
	}
}

// Refresh replaces the filtered collection and discards the working subset
// and its bookkeeping, forcing a clean rebuild on the next call to Next.
// The most recently returned pair stays excluded from that rebuild.
func (r *CollectionRotator) Refresh(collection []TaxonPair) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.collection = append([]TaxonPair(nil), collection...)
	r.subset = nil
}

// Exclude records pairID as the pair most recently shown and drops it
// from the working subset, so it cannot come straight back. Used when a
// pair is installed outside the rotation, e.g. by explicit request.
func (r *CollectionRotator) Exclude(pairID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastPairID = pairID

	kept := r.subset[:0]
	for _, p := range r.subset {
		if p.PairID != pairID {
			kept = append(kept, p)
		}
	}
	r.subset = kept
}

// Next pops one pair. It returns nil only when the filtered collection
// itself is empty; the caller must surface that rather than retry.
func (r *CollectionRotator) Next() *TaxonPair {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.subset) == 0 {
		r.rebuildLocked()
	}
	if len(r.subset) == 0 {
		return nil
	}

	pair := r.subset[len(r.subset)-1]
	r.subset = r.subset[:len(r.subset)-1]
	r.lastPairID = pair.PairID

	return &pair
}

// rebuildLocked samples up to maxSubset pairs uniformly from the
// collection, excluding the pair that was just shown, and shuffles them.
func (r *CollectionRotator) rebuildLocked() {
	eligible := make([]TaxonPair, 0, len(r.collection))
	for _, p := range r.collection {
		if p.PairID == r.lastPairID {
			continue
		}
		eligible = append(eligible, p)
	}

	// A single-pair collection has nothing else to offer; repeating it
	// beats starving the session.
	if len(eligible) == 0 {
		eligible = append(eligible, r.collection...)
	}

	r.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	if len(eligible) > r.maxSubset {
		eligible = eligible[:r.maxSubset]
	}

	r.subset = eligible
}
