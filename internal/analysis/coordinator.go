// Package analysis implements the Analysis Coordinator: it binds the
// authoritative "current node" to the USI Engine Supervisor, restarts the
// engine's search on position change, and applies the 500ms/1000ms
// emission-cadence policy. Ported from the reference Python's
// services/analysis_service.py _ticker_loop.
package analysis

import (
	"context"
	"sync"
	"time"

	"shogikifu/internal/engine"
)

// Snapshot is one coalesced flush, ready for broadcast and persistence.
type Snapshot struct {
	NodeID    string
	ElapsedMs int64
	MultiPV   int
	Lines     []engine.PVLine
}

// StoppedEvent is emitted on cancellation or engine failure.
type StoppedEvent struct {
	NodeID string
	Reason string
}

// Sink receives coordinator output. Implemented by the State Synchronizer /
// Message Router in production; tests may supply a fake.
type Sink interface {
	OnAnalysisUpdate(Snapshot)
	OnAnalysisStopped(StoppedEvent)
}

// Coordinator binds engine analysis to the currently active node.
type Coordinator struct {
	sup    *engine.Supervisor
	sink   Sink
	engCfg engine.Config

	mu          sync.Mutex
	enabled     bool
	multipv     int
	initialSfen string
	pathMoves   []string

	activeNodeID string
	cancelFn     context.CancelFunc
	wg           sync.WaitGroup
}

// New builds a Coordinator driving sup and reporting to sink.
func New(sup *engine.Supervisor, sink Sink, engCfg engine.Config) *Coordinator {
	if engCfg.MultiPV < 1 {
		engCfg.MultiPV = 1
	}
	if engCfg.MultiPV > 5 {
		engCfg.MultiPV = 5
	}
	return &Coordinator{sup: sup, sink: sink, engCfg: engCfg, multipv: engCfg.MultiPV}
}

// SetEnabled toggles analysis on/off. Disabling cancels any active search.
func (c *Coordinator) SetEnabled(ctx context.Context, enabled bool) {
	c.mu.Lock()
	was := c.enabled
	c.enabled = enabled
	nodeID := c.activeNodeID
	c.mu.Unlock()

	if !enabled && was {
		c.stopActive(ctx, "disabled", nodeID)
		return
	}
}

// SetMultiPV changes the requested MultiPV count. If analysis is currently
// enabled, the active search is cancelled and restarted (engines are not
// required to accept MultiPV changes mid-search).
func (c *Coordinator) SetMultiPV(ctx context.Context, multipv int) {
	if multipv < 1 {
		multipv = 1
	}
	if multipv > 5 {
		multipv = 5
	}
	c.mu.Lock()
	c.multipv = multipv
	enabled := c.enabled
	nodeID := c.activeNodeID
	initialSfen := c.initialSfen
	pathMoves := c.pathMoves
	c.mu.Unlock()

	if enabled && nodeID != "" {
		c.stopActive(ctx, "multipv_changed", nodeID)
		_ = c.sup.ApplyMultiPV(ctx, multipv)
		c.startFor(ctx, nodeID, initialSfen, pathMoves)
	}
}

// CurrentNodeChanged is called by the State Synchronizer whenever
// current_node_id changes (play_move, jump). If analysis is enabled, the
// previous subscription is cancelled and a fresh search starts at the new
// node.
func (c *Coordinator) CurrentNodeChanged(ctx context.Context, nodeID, initialSfen string, pathMoves []string) {
	c.mu.Lock()
	enabled := c.enabled
	prevNodeID := c.activeNodeID
	c.mu.Unlock()

	if !enabled {
		return
	}
	if prevNodeID != "" {
		c.stopActive(ctx, "position_changed", prevNodeID)
	}
	c.startFor(ctx, nodeID, initialSfen, pathMoves)
}

func (c *Coordinator) startFor(ctx context.Context, nodeID, initialSfen string, pathMoves []string) {
	posCmd, err := positionCommand(initialSfen, pathMoves)
	if err != nil {
		return
	}

	if err := c.sup.Configure(ctx, c.engCfg); err != nil {
		c.sink.OnAnalysisStopped(StoppedEvent{NodeID: nodeID, Reason: "spawn_failed"})
		return
	}

	sub, err := c.sup.Analyze(posCmd)
	if err != nil {
		c.sink.OnAnalysisStopped(StoppedEvent{NodeID: nodeID, Reason: "engine_error"})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.activeNodeID = nodeID
	c.initialSfen = initialSfen
	c.pathMoves = pathMoves
	c.cancelFn = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pump(runCtx, nodeID, sub)
}

func (c *Coordinator) stopActive(ctx context.Context, reason, nodeID string) {
	c.mu.Lock()
	cancel := c.cancelFn
	c.cancelFn = nil
	c.activeNodeID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.sup.Cancel(ctx, reason)
	c.wg.Wait()
	if nodeID != "" {
		c.sink.OnAnalysisStopped(StoppedEvent{NodeID: nodeID, Reason: reason})
	}
}

// pump runs the cadence-gated coalescer: for the first 5000ms of a search
// it flushes at most once per 500ms, thereafter at most once per 1000ms. A
// flush only happens when new info has arrived since the last one.
func (c *Coordinator) pump(ctx context.Context, nodeID string, sub *engine.Subscription) {
	defer c.wg.Done()

	start := time.Now()
	var lastSent time.Time
	lastVersion := -1
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var latest engine.Update
	haveLatest := false

	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-sub.Done:
			if ok {
				c.sink.OnAnalysisStopped(StoppedEvent{NodeID: nodeID, Reason: reason})
			}
			return
		case u, ok := <-sub.Updates:
			if !ok {
				continue
			}
			latest = u
			haveLatest = true
		case <-ticker.C:
			if !haveLatest || latest.InfoVersion == lastVersion {
				continue
			}
			elapsed := time.Since(start)
			interval := 500 * time.Millisecond
			if elapsed >= 5*time.Second {
				interval = 1000 * time.Millisecond
			}
			if !lastSent.IsZero() && time.Since(lastSent) < interval {
				continue
			}

			c.mu.Lock()
			multipv := c.multipv
			c.mu.Unlock()

			lines := filterByMultiPV(latest.Lines, multipv)
			if len(lines) == 0 {
				continue
			}
			lastSent = time.Now()
			lastVersion = latest.InfoVersion
			c.sink.OnAnalysisUpdate(Snapshot{
				NodeID:    nodeID,
				ElapsedMs: elapsed.Milliseconds(),
				MultiPV:   multipv,
				Lines:     lines,
			})
		}
	}
}

// EngineStatus reports the underlying Supervisor's status, used by
// session:granted and GET /healthz.
func (c *Coordinator) EngineStatus() engine.StatusWire {
	return c.sup.StatusWire()
}

func filterByMultiPV(lines []engine.PVLine, multipv int) []engine.PVLine {
	out := make([]engine.PVLine, 0, len(lines))
	for _, l := range lines {
		if l.PVIndex <= multipv {
			out = append(out, l)
		}
	}
	return out
}
