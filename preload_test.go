package main

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferTakeIsIdempotent(t *testing.T) {
	var b preloadBuffer[roundPayload]

	calls := 0
	require.NoError(t, b.Fill(func() (roundPayload, error) {
		calls++
		return roundPayload{PairID: "p1", ImageA: "a.jpg", ImageB: "b.jpg"}, nil
	}))
	require.True(t, b.IsFull())

	payload, ok := b.Take()
	require.True(t, ok)
	assert.Equal(t, "p1", payload.PairID)

	_, ok = b.Take()
	assert.False(t, ok, "second take must come back empty")
	assert.Equal(t, 1, calls, "no fetch may be triggered between the takes")
}

func TestBufferFillNoOpWhileFull(t *testing.T) {
	var b preloadBuffer[roundPayload]

	require.NoError(t, b.Fill(func() (roundPayload, error) {
		return roundPayload{PairID: "first"}, nil
	}))

	called := false
	require.NoError(t, b.Fill(func() (roundPayload, error) {
		called = true
		return roundPayload{PairID: "second"}, nil
	}))

	assert.False(t, called, "producer must not run while the buffer is full")
	payload, ok := b.Take()
	require.True(t, ok)
	assert.Equal(t, "first", payload.PairID)
}

func TestBufferSingleFillInFlight(t *testing.T) {
	var b preloadBuffer[pairPayload]

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Fill(func() (pairPayload, error) {
			close(started)
			<-release
			return pairPayload{Pair: TaxonPair{PairID: "slow"}}, nil
		})
	}()

	<-started

	// Overlapping fill while the first is in flight: must not run.
	called := false
	require.NoError(t, b.Fill(func() (pairPayload, error) {
		called = true
		return pairPayload{}, nil
	}))
	assert.False(t, called)

	close(release)
	wg.Wait()

	payload, ok := b.Take()
	require.True(t, ok)
	assert.Equal(t, "slow", payload.Pair.PairID)
}

func TestBufferFailedFillLeavesEmpty(t *testing.T) {
	var b preloadBuffer[roundPayload]

	err := b.Fill(func() (roundPayload, error) {
		return roundPayload{}, errors.New("fetch failed")
	})
	assert.Error(t, err)
	assert.False(t, b.IsFull())

	// A later fill may run again.
	require.NoError(t, b.Fill(func() (roundPayload, error) {
		return roundPayload{PairID: "retry"}, nil
	}))
	assert.True(t, b.IsFull())
}

func TestBufferClear(t *testing.T) {
	var b preloadBuffer[roundPayload]

	require.NoError(t, b.Fill(func() (roundPayload, error) {
		return roundPayload{PairID: "p1"}, nil
	}))

	b.Clear()
	_, ok := b.Take()
	assert.False(t, ok)
}
