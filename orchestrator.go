package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// gamePhase tracks where a session sits in the load/play cycle. The
// checking phase exists only to gate re-entrancy while a client has an
// answer check outstanding; validation itself happens in the UI layer.
type gamePhase int

const (
	phaseIdle gamePhase = iota
	phaseLoadingPair
	phasePlaying
	phaseLoadingRound
	phaseChecking
)

// pairLoadAttempts bounds how many pairs are tried when image fetches
// keep failing, before the load is surfaced as failed.
const pairLoadAttempts = 3

// imageProvider is the slice of ImageSource the orchestrator needs;
// narrow so tests can substitute a canned source.
type imageProvider interface {
	PickUnusedImage(ctx context.Context, taxonName string, used map[string]bool, exclude string) (picked string, resetUsed bool, err error)
	FetchDisplayName(ctx context.Context, taxonName string) (string, error)
}

// SessionImages holds the two image URLs currently (or next) on screen.
type SessionImages struct {
	A string
	B string
}

// PairSessionState is the authoritative record of what is on screen.
// Owned exclusively by the RoundOrchestrator; collaborators read
// snapshots via State and never write.
type PairSessionState struct {
	CurrentPair   *TaxonPair
	CurrentImages SessionImages
	UsedImages    map[string]map[string]bool // taxon name -> shown URLs
	RoundCount    int
}

// QuizListener is the notification surface the presentation layer
// subscribes to. Only the terminal outcomes cross it; every recoverable
// error is handled inside the orchestrator.
type QuizListener interface {
	PairLoaded(pair TaxonPair, images SessionImages)
	RoundLoaded(images SessionImages)
	NoPairsAvailable()
	LoadError(reason string)
}

// RoundOrchestrator coordinates pair/round selection and preloading for
// one game session. Loads are serialized by a busy flag; preload refills
// run fire-and-forget after the player-visible state transition commits,
// tracked in a WaitGroup so in-flight work stays observable.
type RoundOrchestrator struct {
	cfg      *Config
	dataset  *Dataset
	images   imageProvider
	rotator  *CollectionRotator
	listener QuizListener

	mu         sync.Mutex
	phase      gamePhase
	busy       bool
	filters    FilterSpec
	collection []TaxonPair
	state      PairSessionState

	roundBuf preloadBuffer[roundPayload]
	pairBuf  preloadBuffer[pairPayload]

	preloads sync.WaitGroup
}

func newRoundOrchestrator(cfg *Config, dataset *Dataset, images imageProvider, listener QuizListener, rng *rand.Rand) *RoundOrchestrator {
	o := &RoundOrchestrator{
		cfg:      cfg,
		dataset:  dataset,
		images:   images,
		rotator:  newCollectionRotator(cfg.subsetSize, rng),
		listener: listener,
	}
	o.collection = filterPairs(dataset.Pairs, o.filters, dataset.Taxonomy)
	o.rotator.Refresh(o.collection)
	return o
}

func (o *RoundOrchestrator) Phase() gamePhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *RoundOrchestrator) Filters() FilterSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filters.Clone()
}

// State returns a deep-copied snapshot safe to read outside the lock.
func (o *RoundOrchestrator) State() PairSessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.state
	if s.CurrentPair != nil {
		pair := *s.CurrentPair
		s.CurrentPair = &pair
	}
	used := make(map[string]map[string]bool, len(o.state.UsedImages))
	for taxon, urls := range o.state.UsedImages {
		set := make(map[string]bool, len(urls))
		for u := range urls {
			set[u] = true
		}
		used[taxon] = set
	}
	s.UsedImages = used
	return s
}

// SetFilters installs a new FilterSpec, recomputes the filtered
// collection, and resets the rotation. The pair currently on screen is
// never evicted mid-round; it simply cannot be re-selected if it no
// longer qualifies. The pair preload buffer was built under the old
// filters and is dropped outright.
func (o *RoundOrchestrator) SetFilters(spec FilterSpec) {
	spec = spec.Clone()

	o.mu.Lock()
	o.filters = spec
	o.collection = filterPairs(o.dataset.Pairs, spec, o.dataset.Taxonomy)
	collection := o.collection
	o.mu.Unlock()

	o.rotator.Refresh(collection)
	o.pairBuf.Clear()
}

// CollectionSize reports how many pairs match the active filters.
func (o *RoundOrchestrator) CollectionSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.collection)
}

// BeginCheck flags the session as validating an answer, blocking loads
// until EndCheck. Reports whether the transition was legal.
func (o *RoundOrchestrator) BeginCheck() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != phasePlaying {
		return false
	}
	o.phase = phaseChecking
	return true
}

func (o *RoundOrchestrator) EndCheck() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == phaseChecking {
		o.phase = phasePlaying
	}
}

// WaitPreloads blocks until background buffer refills settle.
func (o *RoundOrchestrator) WaitPreloads() {
	o.preloads.Wait()
}

func (o *RoundOrchestrator) beginLoad(p gamePhase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy || o.phase == phaseChecking {
		return errLoadInFlight
	}
	o.busy = true
	o.phase = p
	return nil
}

// finishLoad releases the busy flag after a failed or aborted load and
// restores the resting phase: playing when a pair is still on screen,
// idle otherwise.
func (o *RoundOrchestrator) finishLoad() {
	o.mu.Lock()
	if o.state.CurrentPair != nil {
		o.phase = phasePlaying
	} else {
		o.phase = phaseIdle
	}
	o.busy = false
	o.mu.Unlock()
}

// withRetry runs attempt up to maxAttempts times, sleeping backoff in
// between. It stops early on success and on outcomes retrying cannot
// change. Exhaustion folds the last error into errLoadFailed.
func withRetry(maxAttempts int, backoff time.Duration, attempt func() error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 && backoff > 0 {
			time.Sleep(backoff)
		}
		err = attempt()
		if err == nil || errors.Is(err, errNoPairsAvailable) || errors.Is(err, errLoadFailed) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", errLoadFailed, err)
}

// LoadNewPair resolves and installs a fresh pair: an explicit one when a
// pairID is given, else the preloaded next pair if still valid, else the
// rotation's next pair. State mutates only after both images are in
// hand; on failure the previous pair stays rendered. Both preload
// buffers are refilled in the background after the transition.
func (o *RoundOrchestrator) LoadNewPair(ctx context.Context, explicitID string) error {
	if err := o.beginLoad(phaseLoadingPair); err != nil {
		return err
	}

	var pair TaxonPair
	var images SessionImages

	err := withRetry(pairLoadAttempts, 0, func() error {
		p, imgs, err := o.resolveNextPair(ctx, explicitID)
		if err != nil {
			if !errors.Is(err, errNoImages) && !errors.Is(err, errNoPairsAvailable) && !errors.Is(err, errLoadFailed) {
				logf(o.cfg, "ERROR: pair load: %v", err)
			}
			return err
		}
		pair, images = p, imgs
		return nil
	})
	if err != nil {
		o.finishLoad()
		if errors.Is(err, errNoPairsAvailable) {
			o.listener.NoPairsAvailable()
			return err
		}
		o.listener.LoadError("Could not load a new pair. Please try again.")
		return err
	}

	o.mu.Lock()
	o.state = PairSessionState{
		CurrentPair:   &pair,
		CurrentImages: images,
		UsedImages: map[string]map[string]bool{
			pair.TaxonA: {images.A: true},
			pair.TaxonB: {images.B: true},
		},
	}
	o.roundBuf.Clear() // any buffered round belongs to the previous pair
	o.phase = phasePlaying
	o.busy = false
	o.mu.Unlock()

	// Pairs installed outside the rotation (explicit request, preload
	// buffer) must not come straight back from the next draw.
	o.rotator.Exclude(pair.PairID)

	logf(o.cfg, "GAMES: Loaded pair %s (%s / %s)", pair.PairID, pair.TaxonA, pair.TaxonB)
	o.listener.PairLoaded(pair, images)

	// Refill look-aheads after the visible update, round first, then
	// pair, sequentially, to bound concurrent fetch load.
	bg := context.WithoutCancel(ctx)
	o.preloads.Add(1)
	go func() {
		defer o.preloads.Done()
		o.fillRoundBuffer(bg)
		o.fillPairBuffer(bg)
	}()

	return nil
}

func (o *RoundOrchestrator) resolveNextPair(ctx context.Context, explicitID string) (TaxonPair, SessionImages, error) {
	if explicitID != "" {
		pair, ok := o.dataset.PairByID(explicitID)
		if !ok {
			return TaxonPair{}, SessionImages{}, fmt.Errorf("%w: unknown pair id %q", errLoadFailed, explicitID)
		}
		images, _, _, err := o.fetchImagePair(ctx, pair, nil, nil, "", "")
		return pair, images, err
	}

	if payload, ok := o.pairBuf.Take(); ok {
		filters := o.Filters()
		if payload.Filters.Equal(filters) || filters.Matches(payload.Pair, o.dataset.Taxonomy) {
			return payload.Pair, SessionImages{A: payload.ImageA, B: payload.ImageB}, nil
		}
		// Filters moved on since the buffer was filled; fetch fresh.
		logf(o.cfg, "GAMES: Discarded stale preloaded pair %s", payload.Pair.PairID)
	}

	pair := o.rotator.Next()
	if pair == nil {
		return TaxonPair{}, SessionImages{}, errNoPairsAvailable
	}

	images, _, _, err := o.fetchImagePair(ctx, *pair, nil, nil, "", "")
	return *pair, images, err
}

// LoadNewRound swaps in new images for the current pair, consuming the
// round preload buffer when it holds this pair, else fetching fresh. A
// failed round load leaves the current round rendered and playable.
func (o *RoundOrchestrator) LoadNewRound(ctx context.Context) error {
	if err := o.beginLoad(phaseLoadingRound); err != nil {
		return err
	}

	o.mu.Lock()
	if o.state.CurrentPair == nil {
		o.mu.Unlock()
		o.finishLoad()
		return errors.New("no active pair to load a round for")
	}
	pair := *o.state.CurrentPair
	usedA := copySet(o.state.UsedImages[pair.TaxonA])
	usedB := copySet(o.state.UsedImages[pair.TaxonB])
	exclA := o.state.CurrentImages.A
	exclB := o.state.CurrentImages.B
	o.mu.Unlock()

	payload, ok := o.roundBuf.Take()
	if ok && (payload.PairID != pair.PairID || staleRound(payload, usedA, usedB, exclA, exclB)) {
		logf(o.cfg, "FETCH: Discarded stale preloaded round for %s", pair.PairID)
		ok = false
	}
	if !ok {
		images, resetA, resetB, err := o.fetchImagePair(ctx, pair, usedA, usedB, exclA, exclB)
		if err != nil {
			o.finishLoad()
			if !errors.Is(err, errNoImages) {
				logf(o.cfg, "ERROR: round load: %v", err)
			}
			o.listener.LoadError("Could not load new images. Please try again.")
			return err
		}
		payload = roundPayload{
			PairID: pair.PairID,
			ImageA: images.A,
			ImageB: images.B,
			ResetA: resetA,
			ResetB: resetB,
		}
	}

	o.mu.Lock()
	if payload.ResetA {
		o.state.UsedImages[pair.TaxonA] = map[string]bool{exclA: true}
		logf(o.cfg, "FETCH: Image pool for %s exhausted, used set reset", pair.TaxonA)
	}
	if payload.ResetB {
		o.state.UsedImages[pair.TaxonB] = map[string]bool{exclB: true}
		logf(o.cfg, "FETCH: Image pool for %s exhausted, used set reset", pair.TaxonB)
	}
	o.state.UsedImages[pair.TaxonA][payload.ImageA] = true
	o.state.UsedImages[pair.TaxonB][payload.ImageB] = true
	o.state.CurrentImages = SessionImages{A: payload.ImageA, B: payload.ImageB}
	o.state.RoundCount++
	o.phase = phasePlaying
	o.busy = false
	o.mu.Unlock()

	o.listener.RoundLoaded(SessionImages{A: payload.ImageA, B: payload.ImageB})

	bg := context.WithoutCancel(ctx)
	o.preloads.Add(1)
	go func() {
		defer o.preloads.Done()
		o.fillRoundBuffer(bg)
	}()

	return nil
}

// fetchImagePair fans out one image pick per taxon and joins both; the
// first failure wins.
func (o *RoundOrchestrator) fetchImagePair(ctx context.Context, pair TaxonPair, usedA, usedB map[string]bool, exclA, exclB string) (SessionImages, bool, bool, error) {
	type pickResult struct {
		url   string
		reset bool
		err   error
	}

	chA := make(chan pickResult, 1)
	chB := make(chan pickResult, 1)

	go func() {
		url, reset, err := o.images.PickUnusedImage(ctx, pair.TaxonA, usedA, exclA)
		chA <- pickResult{url, reset, err}
	}()
	go func() {
		url, reset, err := o.images.PickUnusedImage(ctx, pair.TaxonB, usedB, exclB)
		chB <- pickResult{url, reset, err}
	}()

	ra, rb := <-chA, <-chB
	if ra.err != nil {
		return SessionImages{}, false, false, ra.err
	}
	if rb.err != nil {
		return SessionImages{}, false, false, rb.err
	}

	return SessionImages{A: ra.url, B: rb.url}, ra.reset, rb.reset, nil
}

func (o *RoundOrchestrator) fillRoundBuffer(ctx context.Context) {
	o.mu.Lock()
	if o.state.CurrentPair == nil {
		o.mu.Unlock()
		return
	}
	pair := *o.state.CurrentPair
	usedA := copySet(o.state.UsedImages[pair.TaxonA])
	usedB := copySet(o.state.UsedImages[pair.TaxonB])
	exclA := o.state.CurrentImages.A
	exclB := o.state.CurrentImages.B
	o.mu.Unlock()

	err := o.roundBuf.Fill(func() (roundPayload, error) {
		images, resetA, resetB, err := o.fetchImagePair(ctx, pair, usedA, usedB, exclA, exclB)
		if err != nil {
			return roundPayload{}, err
		}
		return roundPayload{
			PairID: pair.PairID,
			ImageA: images.A,
			ImageB: images.B,
			ResetA: resetA,
			ResetB: resetB,
		}, nil
	})
	if err != nil {
		logf(o.cfg, "FETCH: Round preload failed: %v", err)
	}
}

func (o *RoundOrchestrator) fillPairBuffer(ctx context.Context) {
	filters := o.Filters()

	err := o.pairBuf.Fill(func() (pairPayload, error) {
		pair := o.rotator.Next()
		if pair == nil {
			return pairPayload{}, errNoPairsAvailable
		}
		images, _, _, err := o.fetchImagePair(ctx, *pair, nil, nil, "", "")
		if err != nil {
			return pairPayload{}, err
		}
		return pairPayload{
			Pair:    *pair,
			ImageA:  images.A,
			ImageB:  images.B,
			Filters: filters,
		}, nil
	})
	if err != nil && !errors.Is(err, errNoPairsAvailable) {
		logf(o.cfg, "FETCH: Pair preload failed: %v", err)
	}
}

// staleRound reports whether a preloaded round was computed against
// superseded session state. A fill that is in flight while another round
// commits snapshots the used sets too early; its deposit may hold images
// that have since been shown, or the image now on screen.
func staleRound(p roundPayload, usedA, usedB map[string]bool, exclA, exclB string) bool {
	if p.ImageA == exclA || p.ImageB == exclB {
		return true
	}
	if !p.ResetA && usedA[p.ImageA] {
		return true
	}
	if !p.ResetB && usedB[p.ImageB] {
		return true
	}
	return false
}

func copySet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k := range set {
		out[k] = true
	}
	return out
}
