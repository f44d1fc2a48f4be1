package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubImages is a deterministic imageProvider: picks walk each taxon's
// pool in order, with the same exhaustion-reset contract as ImageSource.
type stubImages struct {
	mu    sync.Mutex
	pools map[string][]string
	fail  map[string]error
	picks int

	// When gate is set, picks block until it closes. A nonzero gateMax
	// narrows that to picks numbered gateMin through gateMax; gateHits
	// receives one signal per pick that reaches the gate.
	gate     chan struct{}
	gateMin  int
	gateMax  int
	gateHits chan struct{}
}

func (f *stubImages) PickUnusedImage(_ context.Context, taxon string, used map[string]bool, exclude string) (string, bool, error) {
	f.mu.Lock()
	f.picks++
	n := f.picks
	gate := f.gate
	gated := gate != nil && (f.gateMax == 0 || (n >= f.gateMin && n <= f.gateMax))
	hits := f.gateHits
	f.mu.Unlock()

	if gated {
		if hits != nil {
			hits <- struct{}{}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fail[taxon]; err != nil {
		return "", false, err
	}
	pool := f.pools[taxon]
	if len(pool) == 0 {
		return "", false, fmt.Errorf("%w: %s", errNoImages, taxon)
	}
	for _, u := range pool {
		if !used[u] && u != exclude {
			return u, false, nil
		}
	}
	for _, u := range pool {
		if u != exclude {
			return u, true, nil
		}
	}
	return exclude, true, nil
}

func (f *stubImages) FetchDisplayName(_ context.Context, taxon string) (string, error) {
	return taxon, nil
}

func (f *stubImages) pickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.picks
}

func newStubImages(pairs []TaxonPair, poolSize int) *stubImages {
	pools := make(map[string][]string)
	for _, p := range pairs {
		for _, taxon := range []string{p.TaxonA, p.TaxonB} {
			urls := make([]string, 0, poolSize)
			for i := 1; i <= poolSize; i++ {
				urls = append(urls, fmt.Sprintf("%s-%d.jpg", taxon, i))
			}
			pools[taxon] = urls
		}
	}
	return &stubImages{pools: pools, fail: make(map[string]error)}
}

// recordListener captures notification-surface events.
type recordListener struct {
	mu      sync.Mutex
	pairs   []TaxonPair
	rounds  []SessionImages
	noPairs int
	errs    []string
}

func (l *recordListener) PairLoaded(pair TaxonPair, _ SessionImages) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs = append(l.pairs, pair)
}

func (l *recordListener) RoundLoaded(images SessionImages) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rounds = append(l.rounds, images)
}

func (l *recordListener) NoPairsAvailable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noPairs++
}

func (l *recordListener) LoadError(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, reason)
}

func (l *recordListener) snapshot() (pairs []TaxonPair, rounds []SessionImages, noPairs int, errs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TaxonPair(nil), l.pairs...), append([]SessionImages(nil), l.rounds...), l.noPairs, append([]string(nil), l.errs...)
}

func makeDataset(t *testing.T, pairs []TaxonPair) *Dataset {
	t.Helper()
	byID := make(map[string]TaxonPair, len(pairs))
	for _, p := range pairs {
		byID[p.PairID] = p
	}
	return &Dataset{
		Pairs:    pairs,
		Taxonomy: testTaxonomy(),
		byID:     byID,
	}
}

func testOrchestrator(t *testing.T, pairs []TaxonPair, poolSize int, seed int64) (*RoundOrchestrator, *stubImages, *recordListener) {
	t.Helper()
	cfg := &Config{subsetSize: 42, imageCount: 12, fetchTimeout: time.Second}
	stub := newStubImages(pairs, poolSize)
	rec := &recordListener{}
	o := newRoundOrchestrator(cfg, makeDataset(t, pairs), stub, rec, rand.New(rand.NewSource(seed)))
	return o, stub, rec
}

func TestLoadNewPairSuccess(t *testing.T) {
	o, _, rec := testOrchestrator(t, testPairs(), 3, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	assert.Equal(t, phasePlaying, o.Phase())

	pairs, _, _, _ := rec.snapshot()
	require.Len(t, pairs, 1)

	state := o.State()
	require.NotNil(t, state.CurrentPair)
	assert.Equal(t, pairs[0].PairID, state.CurrentPair.PairID)
	assert.Equal(t, 0, state.RoundCount)

	// The shown images are seeded into the used sets.
	assert.True(t, state.UsedImages[state.CurrentPair.TaxonA][state.CurrentImages.A])
	assert.True(t, state.UsedImages[state.CurrentPair.TaxonB][state.CurrentImages.B])

	o.WaitPreloads()
	assert.True(t, o.roundBuf.IsFull(), "a next round must be preloaded")
	assert.True(t, o.pairBuf.IsFull(), "a next pair must be preloaded")
}

func TestLoadNewPairExplicitID(t *testing.T) {
	o, _, _ := testOrchestrator(t, testPairs(), 3, 1)

	require.NoError(t, o.LoadNewPair(context.Background(), "c"))
	state := o.State()
	require.NotNil(t, state.CurrentPair)
	assert.Equal(t, "c", state.CurrentPair.PairID)

	err := o.LoadNewPair(context.Background(), "nope")
	assert.ErrorIs(t, err, errLoadFailed)

	// The failed load leaves the previous pair on screen and playable.
	assert.Equal(t, phasePlaying, o.Phase())
	assert.Equal(t, "c", o.State().CurrentPair.PairID)
	o.WaitPreloads()
}

func TestLoadNewPairResolvesBeforePreloadCompletes(t *testing.T) {
	o, stub, _ := testOrchestrator(t, testPairs(), 3, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	o.WaitPreloads()

	// Gate further picks so the background refills stall.
	gate := make(chan struct{})
	stub.mu.Lock()
	stub.gate = gate
	stub.mu.Unlock()

	require.NoError(t, o.LoadNewRound(ctx))
	assert.Equal(t, phasePlaying, o.Phase(), "round must be visible before its preload refill finishes")

	stub.mu.Lock()
	stub.gate = nil
	stub.mu.Unlock()
	close(gate)
	o.WaitPreloads()
}

func TestLoadNewPairNoPairsAvailable(t *testing.T) {
	o, _, rec := testOrchestrator(t, testPairs(), 3, 1)
	o.SetFilters(FilterSpec{SearchTerm: "no such taxon anywhere"})

	err := o.LoadNewPair(context.Background(), "")
	assert.ErrorIs(t, err, errNoPairsAvailable)
	assert.Equal(t, phaseIdle, o.Phase())

	_, _, noPairs, errs := rec.snapshot()
	assert.Equal(t, 1, noPairs)
	assert.Empty(t, errs, "no pairs available is not a load error")

	state := o.State()
	assert.Nil(t, state.CurrentPair, "session state must be untouched")
}

func TestLoadNewPairRetriesWithDifferentPair(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		pairs := testPairs()
		o, stub, _ := testOrchestrator(t, pairs, 3, seed)
		// Pair "b" has no photos for one of its taxa.
		stub.mu.Lock()
		stub.fail["Danaus plexippus"] = fmt.Errorf("%w: Danaus plexippus", errNoImages)
		stub.mu.Unlock()

		require.NoError(t, o.LoadNewPair(context.Background(), ""), "seed %d", seed)
		state := o.State()
		require.NotNil(t, state.CurrentPair)
		assert.NotEqual(t, "b", state.CurrentPair.PairID, "seed %d: the broken pair must be skipped", seed)
		o.WaitPreloads()
	}
}

func TestLoadNewPairFailsAfterRetriesExhausted(t *testing.T) {
	pairs := testPairs()
	o, stub, rec := testOrchestrator(t, pairs, 3, 1)
	stub.mu.Lock()
	for _, p := range pairs {
		stub.fail[p.TaxonA] = fmt.Errorf("%w: %s", errNoImages, p.TaxonA)
	}
	stub.mu.Unlock()

	err := o.LoadNewPair(context.Background(), "")
	assert.ErrorIs(t, err, errLoadFailed)
	assert.Equal(t, phaseIdle, o.Phase())

	_, _, _, errs := rec.snapshot()
	assert.Len(t, errs, 1)
	assert.Nil(t, o.State().CurrentPair)
}

func TestLoadNewRoundNonRepetition(t *testing.T) {
	const poolSize = 3
	o, _, rec := testOrchestrator(t, testPairs()[:1], poolSize, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	o.WaitPreloads()

	state := o.State()
	taxonA := state.CurrentPair.TaxonA
	shown := []string{state.CurrentImages.A}

	// Two more rounds drain the pool without repeats, a third triggers
	// the controlled reset.
	for i := 0; i < poolSize; i++ {
		require.NoError(t, o.LoadNewRound(ctx))
		o.WaitPreloads()
		shown = append(shown, o.State().CurrentImages.A)
	}

	seen := make(map[string]bool)
	for _, img := range shown[:poolSize] {
		assert.False(t, seen[img], "image %s repeated before pool exhaustion", img)
		seen[img] = true
	}

	// After exhaustion only the immediately prior image is excluded.
	assert.NotEqual(t, shown[poolSize-1], shown[poolSize], "no immediate repeat across the reset")

	// The reset also pruned the used-set bookkeeping.
	used := o.State().UsedImages[taxonA]
	assert.Len(t, used, 2, "used set must hold only the pre-reset image and the fresh pick")

	_, rounds, _, _ := rec.snapshot()
	assert.Len(t, rounds, poolSize)
	assert.Equal(t, poolSize, o.State().RoundCount)
}

func TestLoadNewRoundConsumesPreloadWithoutFetching(t *testing.T) {
	o, stub, _ := testOrchestrator(t, testPairs()[:1], 5, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	o.WaitPreloads()
	require.True(t, o.roundBuf.IsFull())

	// Stall all further fetches: consuming the buffer must not need one.
	gate := make(chan struct{})
	stub.mu.Lock()
	stub.gate = gate
	stub.mu.Unlock()

	require.NoError(t, o.LoadNewRound(ctx))
	assert.Equal(t, 1, o.State().RoundCount)

	stub.mu.Lock()
	stub.gate = nil
	stub.mu.Unlock()
	close(gate)
	o.WaitPreloads()
}

func TestLoadNewRoundDiscardsSupersededPreload(t *testing.T) {
	o, stub, _ := testOrchestrator(t, testPairs()[:1], 4, 1)
	ctx := context.Background()

	// Hold the first background round preload (picks 3 and 4) open while
	// the player keeps going.
	gate := make(chan struct{})
	hits := make(chan struct{}, 2)
	stub.mu.Lock()
	stub.gate = gate
	stub.gateMin, stub.gateMax = 3, 4
	stub.gateHits = hits
	stub.mu.Unlock()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	<-hits
	<-hits

	// The round advances while that preload is still in flight, so the
	// fill's used-set snapshot is now a round behind.
	require.NoError(t, o.LoadNewRound(ctx))
	second := o.State().CurrentImages

	// The stalled fill completes and deposits its stale payload.
	close(gate)
	o.WaitPreloads()

	require.NoError(t, o.LoadNewRound(ctx))
	third := o.State().CurrentImages

	assert.NotEqual(t, second.A, third.A, "a superseded preload must not re-show the on-screen image")
	assert.NotEqual(t, second.B, third.B)

	state := o.State()
	assert.Len(t, state.UsedImages[state.CurrentPair.TaxonA], 3, "three rounds, three distinct images")
	assert.Len(t, state.UsedImages[state.CurrentPair.TaxonB], 3)
	o.WaitPreloads()
}

func TestExplicitPairNotImmediatelyRepeated(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		o, _, _ := testOrchestrator(t, testPairs(), 3, seed)
		ctx := context.Background()

		require.NoError(t, o.LoadNewPair(ctx, "b"))
		o.WaitPreloads()

		require.NoError(t, o.LoadNewPair(ctx, ""))
		assert.NotEqual(t, "b", o.State().CurrentPair.PairID, "seed %d: explicit pair came straight back", seed)
		o.WaitPreloads()
	}
}

func TestLoadNewRoundWithoutPair(t *testing.T) {
	o, _, _ := testOrchestrator(t, testPairs(), 3, 1)
	assert.Error(t, o.LoadNewRound(context.Background()))
	assert.Equal(t, phaseIdle, o.Phase())
}

func TestStalePairBufferDiscarded(t *testing.T) {
	pairs := testPairs()
	o, _, _ := testOrchestrator(t, pairs, 3, 1)

	o.SetFilters(FilterSpec{Level: 1})

	// Simulate a fill that raced the filter change: a level-2 pair sits
	// in the buffer while only level-1 pairs qualify.
	stale := pairs[0] // level 2
	require.NoError(t, o.pairBuf.Fill(func() (pairPayload, error) {
		return pairPayload{Pair: stale, ImageA: "x.jpg", ImageB: "y.jpg"}, nil
	}))

	require.NoError(t, o.LoadNewPair(context.Background(), ""))
	state := o.State()
	require.NotNil(t, state.CurrentPair)
	assert.NotEqual(t, stale.PairID, state.CurrentPair.PairID, "stale buffered pair must not be served")
	assert.Equal(t, 1, state.CurrentPair.Level)
	o.WaitPreloads()
}

func TestSetFiltersInvalidatesPairBufferButKeepsCurrentPair(t *testing.T) {
	o, _, _ := testOrchestrator(t, testPairs(), 3, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, "a")) // level 2
	o.WaitPreloads()
	require.True(t, o.pairBuf.IsFull())

	o.SetFilters(FilterSpec{Level: 1})

	assert.False(t, o.pairBuf.IsFull(), "pair buffer was built under the old filters")
	state := o.State()
	require.NotNil(t, state.CurrentPair)
	assert.Equal(t, "a", state.CurrentPair.PairID, "the on-screen pair is never evicted mid-round")

	// But the next load cannot re-select it.
	require.NoError(t, o.LoadNewPair(ctx, ""))
	assert.Equal(t, 1, o.State().CurrentPair.Level)
	o.WaitPreloads()
}

func TestLoadRejectedWhileChecking(t *testing.T) {
	o, _, _ := testOrchestrator(t, testPairs(), 3, 1)
	ctx := context.Background()

	require.NoError(t, o.LoadNewPair(ctx, ""))
	require.True(t, o.BeginCheck())

	assert.ErrorIs(t, o.LoadNewPair(ctx, ""), errLoadInFlight)
	assert.ErrorIs(t, o.LoadNewRound(ctx), errLoadInFlight)

	o.EndCheck()
	assert.NoError(t, o.LoadNewRound(ctx))
	o.WaitPreloads()
}

func TestOverlappingLoadRejected(t *testing.T) {
	o, stub, _ := testOrchestrator(t, testPairs(), 3, 1)
	ctx := context.Background()

	gate := make(chan struct{})
	stub.mu.Lock()
	stub.gate = gate
	stub.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- o.LoadNewPair(ctx, "") }()

	// Wait for the first load to reach its (gated) fetch.
	require.Eventually(t, func() bool {
		return o.Phase() == phaseLoadingPair
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, o.LoadNewPair(ctx, ""), errLoadInFlight)

	stub.mu.Lock()
	stub.gate = nil
	stub.mu.Unlock()
	close(gate)
	require.NoError(t, <-done)
	o.WaitPreloads()
}

func TestBeginCheckRequiresPlaying(t *testing.T) {
	o, _, _ := testOrchestrator(t, testPairs(), 3, 1)
	assert.False(t, o.BeginCheck(), "nothing to check before the first pair")
}

func TestWithRetry(t *testing.T) {
	attempts := 0
	err := withRetry(3, 0, func() error {
		attempts++
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, errLoadFailed)
	assert.Equal(t, 3, attempts)

	attempts = 0
	require.NoError(t, withRetry(3, 0, func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("%w: x", errNoImages)
		}
		return nil
	}))
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = withRetry(3, 0, func() error {
		attempts++
		return errNoPairsAvailable
	})
	assert.ErrorIs(t, err, errNoPairsAvailable)
	assert.Equal(t, 1, attempts, "an empty collection cannot be retried into existence")
}
