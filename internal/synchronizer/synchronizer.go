// Package synchronizer implements the State Synchronizer: the single
// mutator over the Game Tree Engine, Session Manager, and Analysis
// Coordinator. It drains a buffered channel of intents in arrival order,
// applies each to the authoritative state, persists, then broadcasts —
// the linearization point that rules out interleaving bugs across tree
// mutation, persistence, and broadcast. Grounded on the reference Python's
// state_store.py RuntimeState.mutate (lock-guarded closure application)
// and the reference server's EngineQueue/Processor single-goroutine-dispatch
// idiom, narrowed here from a worker pool to a single serializing worker.
package synchronizer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"shogikifu/internal/analysis"
	"shogikifu/internal/codec"
	"shogikifu/internal/engine"
	"shogikifu/internal/session"
	"shogikifu/internal/storage"
	"shogikifu/internal/tree"
)

// Intent is one unit of work submitted by the Router: either a connection
// lifecycle event or an owner-authored message.
type Intent struct {
	ConnID     string
	Type       string
	Payload    map[string]any
	SessionID  string
	OwnerToken string
}

// Outbound is one message the Synchronizer asks the Router to deliver.
type Outbound struct {
	Type    string
	Payload any
}

// Bus is implemented by the Router. SendTo addresses one connection;
// BroadcastAll fans out to every connected channel (observers included);
// KickOwner looks up the connection currently holding ownerToken, sends it
// session:kicked, and closes it — the Router owns the token-to-connection
// map, not the Synchronizer.
type Bus interface {
	SendTo(connID string, msg Outbound)
	BroadcastAll(msg Outbound)
	KickOwner(ownerToken string, reason string)
}

// ServerCapabilities is reported in session:granted so the UI knows what it
// may ask for.
type ServerCapabilities struct {
	Formats      []string `json:"formats"`
	MultiPVRange [2]int   `json:"multipv_range"`
}

// Synchronizer owns the authoritative Game, Session Hub, and Analysis
// Coordinator, and is the only component permitted to mutate them.
type Synchronizer struct {
	intents  chan Intent
	internal chan func()
	store    *storage.Store
	hub      *session.Hub
	coord    *analysis.Coordinator
	bus      Bus
	registry *codec.Registry
	caps     ServerCapabilities
	engCfg   engine.Config

	game *tree.Game

	// currentGameID mirrors game.GameID for readers outside the single
	// apply goroutine (GET /healthz): game itself is only ever touched on
	// that goroutine, so a cross-goroutine read needs its own storage.
	currentGameID atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Synchronizer over an already-loaded initial game.
func New(initial *tree.Game, store *storage.Store, hub *session.Hub, coord *analysis.Coordinator, bus Bus, registry *codec.Registry, engCfg engine.Config) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		intents:  make(chan Intent, 256),
		internal: make(chan func(), 256),
		store:    store,
		hub:      hub,
		coord:    coord,
		bus:      bus,
		registry: registry,
		engCfg:   engCfg,
		game:     initial,
		ctx:      ctx,
		cancel:   cancel,
		caps: ServerCapabilities{
			Formats:      registry.SupportedFormats(),
			MultiPVRange: [2]int{1, 5},
		},
	}
	s.currentGameID.Store(initial.GameID)
	hub.SetKickHandler(func(token string) {
		s.Submit(Intent{Type: "__owner_kicked", OwnerToken: token})
	})
	return s
}

// CurrentGameID returns the id of the game currently held by the
// Synchronizer. Safe to call from any goroutine, unlike reading game
// directly: used by GET /healthz so it reflects game:new/game:load/
// game:import_text switches instead of the id captured at startup.
func (s *Synchronizer) CurrentGameID() string {
	id, _ := s.currentGameID.Load().(string)
	return id
}

// setGame replaces the authoritative game and mirrors its id for
// CurrentGameID. Only ever called from the apply goroutine.
func (s *Synchronizer) setGame(g *tree.Game) {
	s.game = g
	s.currentGameID.Store(g.GameID)
}

// SetBus binds the Router as the outbound delivery target. Construction is
// two-phase because Router.New needs a *Synchronizer to forward intents to,
// while the Synchronizer needs the Router as its Bus to send replies and
// broadcasts: build the Synchronizer with a nil Bus, build the Router from
// it, then call SetBus before starting Run.
func (s *Synchronizer) SetBus(bus Bus) {
	s.bus = bus
}

// SetCoordinator binds the Analysis Coordinator. Construction is two-phase
// for the same reason as SetBus: analysis.New needs the Synchronizer as its
// Sink, while the Synchronizer needs the Coordinator to drive analysis
// start/stop/multipv and to read engine status.
func (s *Synchronizer) SetCoordinator(coord *analysis.Coordinator) {
	s.coord = coord
}

// Submit enqueues an intent for processing. Never blocks indefinitely: the
// channel is large and callers are Router goroutines that must stay
// responsive, so a full channel is treated as backpressure worth waiting a
// bounded moment for rather than silently dropping an owner's own command.
func (s *Synchronizer) Submit(in Intent) {
	select {
	case s.intents <- in:
	case <-time.After(2 * time.Second):
		log.Printf("synchronizer: dropped intent %q after backpressure timeout", in.Type)
	}
}

// Run drains intents until Shutdown cancels the context created by New.
// Call in its own goroutine.
func (s *Synchronizer) Run() {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.internal:
			fn()
		case in := <-s.intents:
			s.apply(in)
		}
	}
}

// Shutdown stops the run loop and waits for it to return. It does not touch
// the engine; the Supervisor is shut down separately.
func (s *Synchronizer) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// OnAnalysisUpdate implements analysis.Sink. Coordinator callbacks run on
// the Coordinator's own pump goroutine; forwarding through the internal
// channel keeps persistence and broadcast on the Synchronizer's single
// goroutine.
func (s *Synchronizer) OnAnalysisUpdate(snap analysis.Snapshot) {
	select {
	case s.internal <- func() { s.handleAnalysisUpdate(snap) }:
	default:
		log.Printf("synchronizer: internal queue full, dropping analysis update for node %s", snap.NodeID)
	}
}

// OnAnalysisStopped implements analysis.Sink.
func (s *Synchronizer) OnAnalysisStopped(ev analysis.StoppedEvent) {
	select {
	case s.internal <- func() { s.handleAnalysisStopped(ev) }:
	default:
	}
}

func (s *Synchronizer) handleAnalysisUpdate(snap analysis.Snapshot) {
	if err := s.store.AppendSnapshot(snap.NodeID, snap.ElapsedMs, snap.MultiPV, snap.Lines); err != nil {
		log.Printf("synchronizer: failed to persist analysis snapshot: %v", err)
	}
	s.bus.BroadcastAll(Outbound{Type: "analysis:update", Payload: map[string]any{
		"node_id":    snap.NodeID,
		"elapsed_ms": snap.ElapsedMs,
		"multipv":    snap.MultiPV,
		"lines":      snap.Lines,
	}})
}

func (s *Synchronizer) handleAnalysisStopped(ev analysis.StoppedEvent) {
	s.bus.BroadcastAll(Outbound{Type: "analysis:stopped", Payload: map[string]any{
		"node_id": ev.NodeID,
		"reason":  ev.Reason,
	}})
	if isEngineFailureReason(ev.Reason) {
		s.bus.BroadcastAll(Outbound{Type: "toast", Payload: map[string]any{
			"level":   "error",
			"message": "analysis engine stopped: " + ev.Reason,
		}})
	}
}

// isEngineFailureReason reports whether reason (one of the Coordinator's or
// Supervisor's free-form stop reasons — "spawn_failed", "engine_error",
// "exited", "disabled", "position_changed", "multipv_changed") indicates an
// actual engine fault worth surfacing as a toast, as opposed to a routine
// cancellation the UI already expects.
func isEngineFailureReason(reason string) bool {
	switch reason {
	case "spawn_failed", "engine_error", "exited":
		return true
	}
	return false
}

// apply dispatches one intent to its handler. Tree-mutation errors never
// partially apply: handlers either fully succeed before persisting and
// broadcasting, or return early having changed nothing.
func (s *Synchronizer) apply(in Intent) {
	switch in.Type {
	case "__owner_kicked":
		s.bus.KickOwner(in.OwnerToken, "takeover")
		return
	case "connection_opened":
		s.handleConnectionOpened(in)
		return
	case "connection_closed":
		s.handleConnectionClosed(in)
		return
	case "session:takeover":
		s.handleTakeover(in)
		return
	}

	if !s.hub.IsOwner(in.SessionID, in.OwnerToken) {
		if in.Type != "session:takeover" {
			s.bus.SendTo(in.ConnID, Outbound{Type: "session:stale", Payload: map[string]any{}})
		}
		return
	}

	switch in.Type {
	case "game:new":
		s.handleGameNew(in)
	case "game:load":
		s.handleGameLoad(in)
	case "game:save":
		s.handleGameSave(in)
	case "game:import_text":
		s.handleImportText(in)
	case "node:play_move":
		s.handlePlayMove(in)
	case "node:jump":
		s.handleJump(in)
	case "node:reorder_children":
		s.handleReorder(in)
	case "node:set_comment":
		s.handleSetComment(in)
	case "analysis:set_enabled":
		s.handleSetEnabled(in)
	case "analysis:set_multipv":
		s.handleSetMultiPV(in)
	case "analysis:start":
		s.coord.SetEnabled(s.ctx, true)
		s.syncAnalysisToCurrentNode()
	case "analysis:stop":
		s.coord.SetEnabled(s.ctx, false)
	default:
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{
			"level": "error", "message": "unknown message type: " + in.Type,
		}})
	}
}

func (s *Synchronizer) handleConnectionOpened(in Intent) {
	slot, granted := s.hub.TryGrant()
	if !granted {
		s.bus.SendTo(in.ConnID, Outbound{Type: "session:busy", Payload: map[string]any{
			"owner_since": s.hub.OwnerSince(),
		}})
		return
	}
	s.sendGranted(in.ConnID, slot)
}

func (s *Synchronizer) handleConnectionClosed(in Intent) {
	if s.hub.ReleaseIfOwner(in.SessionID, in.OwnerToken) {
		s.coord.SetEnabled(s.ctx, false)
	}
}

func (s *Synchronizer) handleTakeover(in Intent) {
	slot := s.hub.Takeover()
	s.sendGranted(in.ConnID, slot)
}

func (s *Synchronizer) sendGranted(connID string, slot session.Slot) {
	wire, err := s.game.ToWire()
	if err != nil {
		log.Printf("synchronizer: failed to build wire state on grant: %v", err)
		return
	}
	s.bus.SendTo(connID, Outbound{Type: "session:granted", Payload: map[string]any{
		"session_id":          slot.SessionID,
		"owner_token":         slot.OwnerToken,
		"state":               wire,
		"server_capabilities": s.caps,
		"engine_status":       s.coord.EngineStatus(),
	}})
}

func (s *Synchronizer) broadcastState() {
	wire, err := s.game.ToWire()
	if err != nil {
		log.Printf("synchronizer: failed to build wire state: %v", err)
		return
	}
	s.bus.BroadcastAll(Outbound{Type: "game:state", Payload: wire})
}

func (s *Synchronizer) persistAndBroadcast(connID string) {
	if err := s.store.PutGame(s.game); err != nil {
		s.bus.SendTo(connID, Outbound{Type: "toast", Payload: map[string]any{
			"level": "error", "message": "failed to persist game: " + err.Error(),
		}})
		return
	}
	s.broadcastState()
}

func (s *Synchronizer) syncAnalysisToCurrentNode() {
	nodeID := s.game.CurrentNodeID
	if _, err := s.game.GetNode(nodeID); err != nil {
		return
	}
	pathMoves, err := s.game.CurrentPathMoves()
	if err != nil {
		return
	}
	s.coord.CurrentNodeChanged(s.ctx, nodeID, s.game.InitialSFEN, pathMoves)
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func strSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		if ss, ok2 := m[key].([]string); ok2 {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOf(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolOf(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func (s *Synchronizer) handleGameNew(in Intent) {
	title := str(in.Payload, "title")
	initialSfen := str(in.Payload, "initial_sfen")
	g, err := tree.New(title, initialSfen)
	if err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.coord.SetEnabled(s.ctx, false)
	s.setGame(g)
	if err := s.store.CreateGame(g); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.broadcastState()
}

func (s *Synchronizer) handleGameLoad(in Intent) {
	gameID := str(in.Payload, "game_id")
	g, err := s.store.GetGameWithTree(gameID)
	if err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.coord.SetEnabled(s.ctx, false)
	s.setGame(g)
	_ = s.store.SetLastGameID(g.GameID)
	s.broadcastState()
}

func (s *Synchronizer) handleGameSave(in Intent) {
	s.game.Title = str(in.Payload, "title")
	if s.game.Title == "" {
		s.game.Title = "Untitled game"
	}
	s.game.Touch()
	s.persistAndBroadcast(in.ConnID)
}

func (s *Synchronizer) handleImportText(in Intent) {
	text := str(in.Payload, "text")
	title := str(in.Payload, "title")
	g, _, _, err := s.registry.Parse(text, title)
	if err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.coord.SetEnabled(s.ctx, false)
	s.setGame(g)
	if err := s.store.CreateGame(g); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.broadcastState()
}

func (s *Synchronizer) handlePlayMove(in Intent) {
	fromNodeID := str(in.Payload, "from_node_id")
	moveUsi := str(in.Payload, "move_usi")
	if fromNodeID == "" {
		fromNodeID = s.game.CurrentNodeID
	}
	if _, err := s.game.PlayMove(fromNodeID, moveUsi); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.game.Touch()
	s.persistAndBroadcast(in.ConnID)
	s.syncAnalysisToCurrentNode()
}

func (s *Synchronizer) handleJump(in Intent) {
	nodeID := str(in.Payload, "node_id")
	if err := s.game.Jump(nodeID); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.broadcastState()
	s.syncAnalysisToCurrentNode()
}

func (s *Synchronizer) handleReorder(in Intent) {
	parentID := str(in.Payload, "parent_id")
	ordered := strSlice(in.Payload, "ordered_child_ids")
	if err := s.game.ReorderChildren(parentID, ordered); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.game.Touch()
	s.persistAndBroadcast(in.ConnID)
}

func (s *Synchronizer) handleSetComment(in Intent) {
	nodeID := str(in.Payload, "node_id")
	comment := str(in.Payload, "comment")
	if err := s.game.SetComment(nodeID, comment); err != nil {
		s.bus.SendTo(in.ConnID, Outbound{Type: "toast", Payload: map[string]any{"level": "error", "message": err.Error()}})
		return
	}
	s.game.Touch()
	s.persistAndBroadcast(in.ConnID)
}

func (s *Synchronizer) handleSetEnabled(in Intent) {
	enabled := boolOf(in.Payload, "enabled")
	s.coord.SetEnabled(s.ctx, enabled)
	if enabled {
		s.syncAnalysisToCurrentNode()
	}
}

func (s *Synchronizer) handleSetMultiPV(in Intent) {
	multipv := intOf(in.Payload, "multipv", 1)
	s.coord.SetMultiPV(s.ctx, multipv)
}
