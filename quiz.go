// DuoNat Quiz Game
//
// Players distinguish between two taxa by dragging name labels onto
// photos. Each game session rotates through a filtered collection of
// taxon pairs; new photos of the same pair make a new round, a different
// pair makes a new pair. A look-ahead round and a look-ahead pair are
// preloaded in the background so transitions feel instant.
//
// Features:
// - WebSockets per game ID: /quiz/:gameid and /quiz/:gameid/ws
// - One RoundOrchestrator per session; all clients see the same pair
// - Filters (level, range, tags, search, phylogeny scope) set per session
// - Answer checking broadcast to all connected clients
// - Vernacular names resolved in the background, never blocking play
// - Players identified by cookie (playerID)
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type QuizClientMessage struct {
	Type   string `json:"type"`              // "new_pair", "new_round", "set_filters", "check"
	PairID string `json:"pair_id,omitempty"` // new_pair: request a specific pair

	// set_filters
	Level     int      `json:"level,omitempty"`
	Ranges    []string `json:"ranges,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Search    string   `json:"search,omitempty"`
	Phylogeny int      `json:"phylogeny,omitempty"`

	// check: taxon names the player dropped onto each image
	LabelA string `json:"label_a,omitempty"`
	LabelB string `json:"label_b,omitempty"`
}

// SessionInfoMessage is sent immediately on connect so the client can
// render the current session without waiting for the next transition.
type SessionInfoMessage struct {
	Type        string      `json:"type"` // "session_info"
	GameID      string      `json:"game_id"`
	Filters     FilterView  `json:"filters"`
	PairCount   int         `json:"pair_count"`
	CurrentPair *PairView   `json:"current_pair,omitempty"`
	Images      *ImagesView `json:"images,omitempty"`
	RoundCount  int         `json:"round_count"`
}

// PairLoadedMessage announces a freshly installed pair.
type PairLoadedMessage struct {
	Type       string     `json:"type"` // "pair_loaded"
	Pair       PairView   `json:"pair"`
	Images     ImagesView `json:"images"`
	RoundCount int        `json:"round_count"`
}

// RoundLoadedMessage announces new images for the same pair.
type RoundLoadedMessage struct {
	Type       string     `json:"type"` // "round_loaded"
	Images     ImagesView `json:"images"`
	RoundCount int        `json:"round_count"`
}

// FiltersAppliedMessage reports the effect of a filter change.
type FiltersAppliedMessage struct {
	Type      string     `json:"type"` // "filters_applied"
	Filters   FilterView `json:"filters"`
	PairCount int        `json:"pair_count"`
}

// CheckResultMessage reports a label-placement check to everyone.
type CheckResultMessage struct {
	Type     string `json:"type"` // "check_result"
	Correct  bool   `json:"correct"`
	CorrectA string `json:"correct_a"` // taxon that belongs on image A
	CorrectB string `json:"correct_b"`
}

// VernacularMessage delivers a background-resolved display name.
type VernacularMessage struct {
	Type  string `json:"type"` // "vernacular"
	Taxon string `json:"taxon"`
	Name  string `json:"name"`
}

// SimpleMessage is for generic notifications ("no_pairs", "load_error", ...)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PairView is the client-facing slice of a TaxonPair.
type PairView struct {
	PairID   string `json:"pair_id"`
	PairName string `json:"pair_name"`
	TaxonA   string `json:"taxon_a"`
	TaxonB   string `json:"taxon_b"`
	Level    int    `json:"level"`
}

type ImagesView struct {
	A string `json:"a"`
	B string `json:"b"`
}

type FilterView struct {
	Level     int      `json:"level"`
	Ranges    []string `json:"ranges"`
	Tags      []string `json:"tags"`
	Search    string   `json:"search"`
	Phylogeny int      `json:"phylogeny"`
}

func pairView(p TaxonPair) PairView {
	return PairView{
		PairID:   p.PairID,
		PairName: p.PairName,
		TaxonA:   p.TaxonA,
		TaxonB:   p.TaxonB,
		Level:    p.Level,
	}
}

func filterView(f FilterSpec) FilterView {
	return FilterView{
		Level:     f.Level,
		Ranges:    f.Ranges,
		Tags:      f.Tags,
		Search:    f.SearchTerm,
		Phylogeny: f.PhylogenyID,
	}
}

type QuizClient struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type quizAction struct {
	client *QuizClient
	msg    QuizClientMessage
}

// QuizHub owns one game session: its clients, its orchestrator, and the
// fan-out of orchestrator notifications. The hub is the QuizListener.
type QuizHub struct {
	id     string
	cfg    *Config
	images imageProvider
	orch   *RoundOrchestrator

	clients  map[*QuizClient]bool
	register chan *QuizClient
	unreg    chan *QuizClient
	actions  chan quizAction

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newQuizHub(cfg *Config, gameID string, dataset *Dataset, images imageProvider) *QuizHub {
	now := time.Now()
	h := &QuizHub{
		id:         gameID,
		cfg:        cfg,
		images:     images,
		clients:    make(map[*QuizClient]bool),
		register:   make(chan *QuizClient),
		unreg:      make(chan *QuizClient),
		actions:    make(chan quizAction),
		createdAt:  now,
		lastActive: now,
	}
	h.orch = newRoundOrchestrator(cfg, dataset, images, h, nil)
	return h
}

func (h *QuizHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			h.mu.Unlock()

			c.send <- h.sessionInfo()

			// First connection kicks off the first pair.
			if h.orch.State().CurrentPair == nil {
				go func() { _ = h.orch.LoadNewPair(context.Background(), "") }()
			}

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case a := <-h.actions:
			h.handleAction(a)
		}
	}
}

func (h *QuizHub) sessionInfo() SessionInfoMessage {
	state := h.orch.State()

	info := SessionInfoMessage{
		Type:       "session_info",
		GameID:     h.id,
		Filters:    filterView(h.orch.Filters()),
		PairCount:  h.orch.CollectionSize(),
		RoundCount: state.RoundCount,
	}
	if state.CurrentPair != nil {
		pv := pairView(*state.CurrentPair)
		info.CurrentPair = &pv
		info.Images = &ImagesView{A: state.CurrentImages.A, B: state.CurrentImages.B}
	}
	return info
}

func (h *QuizHub) handleAction(a quizAction) {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()

	msg := a.msg

	switch msg.Type {
	case "new_pair":
		// Loads run off the hub loop; the orchestrator's busy flag
		// swallows spammed requests.
		go func() { _ = h.orch.LoadNewPair(context.Background(), msg.PairID) }()

	case "new_round":
		go func() { _ = h.orch.LoadNewRound(context.Background()) }()

	case "set_filters":
		h.orch.SetFilters(FilterSpec{
			Level:       msg.Level,
			Ranges:      msg.Ranges,
			Tags:        msg.Tags,
			SearchTerm:  msg.Search,
			PhylogenyID: msg.Phylogeny,
		})
		h.broadcast(FiltersAppliedMessage{
			Type:      "filters_applied",
			Filters:   filterView(h.orch.Filters()),
			PairCount: h.orch.CollectionSize(),
		})

	case "check":
		h.handleCheck(a)
	}
}

func (h *QuizHub) handleCheck(a quizAction) {
	if !h.orch.BeginCheck() {
		select {
		case a.client.send <- SimpleMessage{
			Type:    "not_ready",
			Message: "No round is ready to check yet.",
		}:
		default:
		}
		return
	}
	defer h.orch.EndCheck()

	state := h.orch.State()
	pair := state.CurrentPair

	correct := a.msg.LabelA == pair.TaxonA && a.msg.LabelB == pair.TaxonB
	logf(h.cfg, "GAMES: Check in %s: %v (%s / %s)", h.id, correct, a.msg.LabelA, a.msg.LabelB)

	h.broadcast(CheckResultMessage{
		Type:     "check_result",
		Correct:  correct,
		CorrectA: pair.TaxonA,
		CorrectB: pair.TaxonB,
	})
}

// broadcast sends msg to every connected client, dropping clients whose
// send queue is wedged.
func (h *QuizHub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// PairLoaded implements QuizListener.
func (h *QuizHub) PairLoaded(pair TaxonPair, images SessionImages) {
	h.broadcast(PairLoadedMessage{
		Type:   "pair_loaded",
		Pair:   pairView(pair),
		Images: ImagesView{A: images.A, B: images.B},
	})

	go h.resolveVernaculars(pair)
}

// RoundLoaded implements QuizListener.
func (h *QuizHub) RoundLoaded(images SessionImages) {
	h.broadcast(RoundLoadedMessage{
		Type:       "round_loaded",
		Images:     ImagesView{A: images.A, B: images.B},
		RoundCount: h.orch.State().RoundCount,
	})
}

// NoPairsAvailable implements QuizListener.
func (h *QuizHub) NoPairsAvailable() {
	h.broadcast(SimpleMessage{
		Type:    "no_pairs",
		Message: "No pairs match the current filters. Try relaxing them.",
	})
}

// LoadError implements QuizListener.
func (h *QuizHub) LoadError(reason string) {
	h.broadcast(SimpleMessage{
		Type:    "load_error",
		Message: reason,
	})
}

// resolveVernaculars looks up display names for both taxa. Display-only
// polish: failures are dropped, gameplay never waits for this.
func (h *QuizHub) resolveVernaculars(pair TaxonPair) {
	for _, taxon := range []string{pair.TaxonA, pair.TaxonB} {
		name, err := h.images.FetchDisplayName(context.Background(), taxon)
		if err != nil || name == "" || name == taxon {
			continue
		}
		h.broadcast(VernacularMessage{
			Type:  "vernacular",
			Taxon: taxon,
			Name:  name,
		})
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *QuizHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "duonat_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	cfg         *Config
	dataset     *Dataset
	images      *ImageSource
	hubs        map[string]*QuizHub
	idleTimeout time.Duration
}

func newGameManager(cfg *Config, dataset *Dataset, images *ImageSource) *GameManager {
	gm := &GameManager{
		cfg:         cfg,
		dataset:     dataset,
		images:      images,
		hubs:        make(map[string]*QuizHub),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(gameID string) *QuizHub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newQuizHub(gm.cfg, gameID, gm.dataset, gm.images)
	gm.hubs[gameID] = hub
	go hub.run()
	return hub
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := gm.getHub(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &QuizClient{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *QuizClient) readPump(h *QuizHub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg QuizClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "new_pair", "new_round", "set_filters", "check":
			h.actions <- quizAction{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *QuizClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed quiz/index.html
var indexHTML []byte

//go:embed quiz/app.css
var quizCSS []byte

//go:embed quiz/app.js
var quizJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizJS)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerQuizGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router, dataset *Dataset, images *ImageSource) {
	gm := newGameManager(cfg, dataset, images)

	// Root path → redirect to new random game
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, cfg.prefix+path, gm))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/quiz/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", getJsHandler(cfg))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)
}
