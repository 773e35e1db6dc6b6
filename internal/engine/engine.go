// Package engine implements the USI Engine Supervisor: it owns at most one
// engine child process, drives the usi/usiok/isready/readyok handshake,
// normalizes option names (Hash vs USI_Hash), and parses streaming `info`
// lines into per-multipv PV lines. Adapted from the reference server's
// internal/engine/engine.go (subprocess plumbing: pipes, mutex-guarded
// writes, scanner-based reads, bounded waits via goroutine+channel+select)
// generalized to the USI protocol and the handshake/option logic of the
// reference Python's services/analysis_service.py.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"shogikifu/internal/apperr"
)

// State is the Supervisor's lifecycle state.
type State int

const (
	Idle State = iota
	Handshaking
	Ready
	Configured
	Searching
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Configured:
		return "configured"
	case Searching:
		return "searching"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// handshakeTimeout bounds every individual handshake round-trip (usi/usiok,
// isready/readyok): spec §5 fixes the engine handshake timeout at 5s.
const handshakeTimeout = 5 * time.Second

// Config is the engine configuration requested by the Analysis Coordinator.
type Config struct {
	Command []string // argv; Command[0] is the binary
	Threads int
	HashMB  int
	MultiPV int
}

// PVLine is one principal variation reported by the engine.
type PVLine struct {
	PVIndex    int
	ScoreType  string // "cp", "mate", "unknown"
	ScoreValue int
	Depth      int
	SeldepthOK bool
	Seldepth   int
	NodesOK    bool
	Nodes      int64
	NPSOK      bool
	NPS        int64
	HashfullOK bool
	Hashfull   int
	PVUsi      []string
}

// Update is a coalescable set of PV lines delivered to a subscription.
type Update struct {
	Lines       []PVLine
	InfoVersion int
}

// Subscription is the handle returned by Analyze.
type Subscription struct {
	Updates <-chan Update
	Done    <-chan string // terminal reason: the reason passed to Cancel, or "exited"
}

// Supervisor owns one child USI engine process.
type Supervisor struct {
	mu    sync.Mutex // guards stdin writes and option/handshake bookkeeping
	state State

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	options map[string]bool // lower(option name) -> supported

	usiokCh    chan struct{}
	readyokCh  chan struct{}
	bestmoveCh chan struct{}

	infoVersion int
	pvByIndex   map[int]PVLine

	updatesCh     chan Update
	updatesClosed bool // guards updatesCh against the readerLoop/Cancel double-close race
	doneCh        chan string
	searching     bool

	cfg Config

	readerDone chan struct{}
}

// New creates an idle Supervisor. No process is spawned until Configure.
func New() *Supervisor {
	return &Supervisor{state: Idle, options: map[string]bool{}}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatusWire is the JSON-friendly projection of engine availability and
// configuration, used by GET /healthz and session:granted.
type StatusWire struct {
	State   string `json:"state"`
	Threads int    `json:"threads,omitempty"`
	HashMB  int    `json:"hash_mb,omitempty"`
	MultiPV int    `json:"multipv,omitempty"`
	Running bool   `json:"running"`
}

func (s *Supervisor) StatusWire() StatusWire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusWire{
		State:   s.state.String(),
		Threads: s.cfg.Threads,
		HashMB:  s.cfg.HashMB,
		MultiPV: s.cfg.MultiPV,
		Running: s.searching,
	}
}

func (s *Supervisor) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return apperr.New(apperr.ProtocolError, "engine not running")
	}
	_, err := fmt.Fprintln(s.stdin, line)
	return err
}

// Configure spawns the engine (if no process is running, including after a
// previous one exited) and performs the handshake: usi/usiok, boot options
// (Threads, Hash/USI_Hash), isready/readyok, usinewgame. Configure does not
// send the MultiPV option; only ApplyMultiPV sends it, and cfg.MultiPV is
// just recorded for StatusWire. If the engine is already Configured with an
// identical cfg (the common case: the Coordinator reconfigures on every
// position change), it skips straight to a usinewgame-only reconfigure
// instead of repeating usi/usiok/isready against a process that already
// completed them.
func (s *Supervisor) Configure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if s.cmd != nil && s.state == Configured && configsEqual(s.cfg, cfg) {
		s.mu.Unlock()
		return s.reconfigure()
	}
	if s.cmd != nil && s.readerDone != nil {
		select {
		case <-s.readerDone:
			// The previous process has exited; reap it and spawn a fresh one.
			old := s.cmd
			go old.Wait()
			s.cmd = nil
		default:
		}
	}
	if s.cmd == nil {
		s.mu.Unlock()
		if err := s.spawn(cfg); err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}

	if err := s.handshake(ctx); err != nil {
		s.markFailed()
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if err := s.applyBootOptions(ctx, cfg); err != nil {
		s.markFailed()
		return err
	}
	if err := s.isreadyRoundtrip(ctx); err != nil {
		s.markFailed()
		return err
	}
	if err := s.write("usinewgame"); err != nil {
		s.markFailed()
		return err
	}

	s.mu.Lock()
	s.state = Configured
	s.mu.Unlock()
	return nil
}

// reconfigure re-synchronizes an already-handshaked engine for a fresh
// search without repeating usi/usiok or isready.
func (s *Supervisor) reconfigure() error {
	if err := s.write("usinewgame"); err != nil {
		s.markFailed()
		return apperr.New(apperr.ProtocolError, err.Error())
	}
	s.mu.Lock()
	s.state = Configured
	s.mu.Unlock()
	return nil
}

// configsEqual reports whether a and b would produce the same boot options,
// so Configure can tell a routine reconfigure apart from one that actually
// needs new Threads/Hash/MultiPV applied.
func configsEqual(a, b Config) bool {
	if a.Threads != b.Threads || a.HashMB != b.HashMB || a.MultiPV != b.MultiPV {
		return false
	}
	if len(a.Command) != len(b.Command) {
		return false
	}
	for i := range a.Command {
		if a.Command[i] != b.Command[i] {
			return false
		}
	}
	return true
}

func (s *Supervisor) spawn(cfg Config) error {
	if len(cfg.Command) == 0 {
		return apperr.New(apperr.SpawnFailed, "no engine command configured")
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperr.New(apperr.SpawnFailed, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperr.New(apperr.SpawnFailed, err.Error())
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return apperr.New(apperr.SpawnFailed, err.Error())
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewScanner(stdout)
	s.stdout.Buffer(make([]byte, 64*1024), 1024*1024)
	s.state = Handshaking
	s.usiokCh = make(chan struct{})
	s.readyokCh = make(chan struct{})
	s.bestmoveCh = make(chan struct{})
	s.pvByIndex = map[int]PVLine{}
	s.readerDone = make(chan struct{})
	s.mu.Unlock()

	go s.readerLoop()
	return nil
}

func (s *Supervisor) readerLoop() {
	defer close(s.readerDone)
	for s.stdout.Scan() {
		s.handleLine(s.stdout.Text())
	}
	s.mu.Lock()
	wasSearching := s.searching
	s.searching = false
	s.state = Failed
	doneCh := s.doneCh
	updatesCh := s.closeUpdatesLocked()
	s.mu.Unlock()
	if wasSearching && doneCh != nil {
		select {
		case doneCh <- "exited":
		default:
		}
	}
	if updatesCh != nil {
		close(updatesCh)
	}
}

// closeUpdatesLocked closes s.updatesCh at most once and returns the channel
// that was closed (nil if it was already closed or never set). Must be
// called with s.mu held; both readerLoop (on engine EOF) and Cancel race to
// tear down the same search's updatesCh, so ownership of the actual close()
// is decided here under lock rather than independently in each caller.
func (s *Supervisor) closeUpdatesLocked() chan Update {
	if s.updatesClosed || s.updatesCh == nil {
		return nil
	}
	s.updatesClosed = true
	return s.updatesCh
}

func (s *Supervisor) handleLine(line string) {
	switch {
	case line == "usiok":
		s.mu.Lock()
		ch := s.usiokCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	case line == "readyok":
		s.mu.Lock()
		ch := s.readyokCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	case strings.HasPrefix(line, "bestmove"):
		s.mu.Lock()
		s.searching = false
		ch := s.bestmoveCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	case strings.HasPrefix(line, "option name "):
		name := parseOptionName(line)
		if name != "" {
			s.mu.Lock()
			s.options[strings.ToLower(name)] = true
			s.mu.Unlock()
		}
	case strings.HasPrefix(line, "info "):
		s.handleInfoLine(line)
	}
}

func parseOptionName(line string) string {
	rest := strings.TrimPrefix(line, "option name ")
	if idx := strings.Index(rest, " type "); idx >= 0 {
		return strings.TrimSpace(rest[:idx])
	}
	return strings.TrimSpace(rest)
}

func (s *Supervisor) handleInfoLine(line string) {
	fields := strings.Fields(line)
	pv := PVLine{PVIndex: 1, ScoreType: "unknown"}
	var pvMoves []string
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "multipv":
			if i+1 < len(fields) {
				if n, err := strconv.Atoi(fields[i+1]); err == nil {
					pv.PVIndex = n
				}
				i++
			}
		case "depth":
			if i+1 < len(fields) {
				pv.Depth, _ = strconv.Atoi(fields[i+1])
				i++
			}
		case "seldepth":
			if i+1 < len(fields) {
				pv.Seldepth, _ = strconv.Atoi(fields[i+1])
				pv.SeldepthOK = true
				i++
			}
		case "nodes":
			if i+1 < len(fields) {
				pv.Nodes, _ = strconv.ParseInt(fields[i+1], 10, 64)
				pv.NodesOK = true
				i++
			}
		case "nps":
			if i+1 < len(fields) {
				pv.NPS, _ = strconv.ParseInt(fields[i+1], 10, 64)
				pv.NPSOK = true
				i++
			}
		case "hashfull":
			if i+1 < len(fields) {
				pv.Hashfull, _ = strconv.Atoi(fields[i+1])
				pv.HashfullOK = true
				i++
			}
		case "score":
			if i+2 < len(fields) {
				switch fields[i+1] {
				case "cp":
					pv.ScoreType = "cp"
					pv.ScoreValue, _ = strconv.Atoi(fields[i+2])
				case "mate":
					pv.ScoreType = "mate"
					pv.ScoreValue, _ = strconv.Atoi(fields[i+2])
				}
				i += 2
				// optional trailing upperbound/lowerbound is skipped by the
				// outer loop naturally since it isn't a recognized token.
			}
		case "pv":
			pvMoves = append(pvMoves, fields[i+1:]...)
			i = len(fields) // break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.searching {
		return
	}
	if len(pvMoves) > 0 {
		pv.PVUsi = pvMoves
	} else if existing, ok := s.pvByIndex[pv.PVIndex]; ok {
		// An info line without pv updates counters but keeps stored PV.
		pv.PVUsi = existing.PVUsi
	}
	s.pvByIndex[pv.PVIndex] = pv
	s.infoVersion++

	if s.updatesCh != nil {
		lines := s.consolidatedLinesLocked()
		select {
		case s.updatesCh <- Update{Lines: lines, InfoVersion: s.infoVersion}:
		default:
			// Coordinator's coalescer is expected to drain promptly; if it's
			// behind, drop this raw update — the next one supersedes it.
		}
	}
}

func (s *Supervisor) consolidatedLinesLocked() []PVLine {
	out := make([]PVLine, 0, len(s.pvByIndex))
	for _, pv := range s.pvByIndex {
		out = append(out, pv)
	}
	return out
}

func (s *Supervisor) markFailed() {
	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
}

func waitOrDone(ctx context.Context, ch chan struct{}, readerDone chan struct{}, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ch:
		return nil
	case <-readerDone:
		return apperr.New(apperr.EngineExited, "engine process exited during handshake")
	case <-tctx.Done():
		return apperr.New(apperr.HandshakeTimeout, "timed out waiting for engine response")
	}
}

func (s *Supervisor) handshake(ctx context.Context) error {
	if err := s.write("usi"); err != nil {
		return apperr.New(apperr.ProtocolError, err.Error())
	}
	s.mu.Lock()
	ch, readerDone := s.usiokCh, s.readerDone
	s.mu.Unlock()
	if err := waitOrDone(ctx, ch, readerDone, handshakeTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()
	return nil
}

// supportsOption reports whether the engine advertised optName during the
// usi/usiok handshake (case-insensitive), mirroring analysis_service.py's
// _supports_option.
func (s *Supervisor) supportsOption(optName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[strings.ToLower(optName)]
}

func (s *Supervisor) setOption(name, value string) error {
	return s.write(fmt.Sprintf("setoption name %s value %s", name, value))
}

func (s *Supervisor) applyBootOptions(ctx context.Context, cfg Config) error {
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	if s.supportsOption("Threads") {
		if err := s.setOption("Threads", strconv.Itoa(threads)); err != nil {
			return apperr.New(apperr.ProtocolError, err.Error())
		}
	}

	hashMB := cfg.HashMB
	if hashMB <= 0 {
		hashMB = 512
	}
	hashOpt := "Hash"
	if s.supportsOption("USI_Hash") {
		hashOpt = "USI_Hash"
	}
	if s.supportsOption(hashOpt) {
		if err := s.setOption(hashOpt, strconv.Itoa(hashMB)); err != nil {
			return apperr.New(apperr.ProtocolError, err.Error())
		}
	}
	return nil
}

// ApplyMultiPV sends setoption name MultiPV and re-does the isready
// roundtrip, matching analysis_service.py's _apply_options_locked.
func (s *Supervisor) ApplyMultiPV(ctx context.Context, multipv int) error {
	if multipv < 1 {
		multipv = 1
	}
	if multipv > 5 {
		multipv = 5
	}
	if s.supportsOption("MultiPV") {
		if err := s.setOption("MultiPV", strconv.Itoa(multipv)); err != nil {
			return apperr.New(apperr.ProtocolError, err.Error())
		}
	}
	s.mu.Lock()
	s.cfg.MultiPV = multipv
	s.mu.Unlock()
	return s.isreadyRoundtrip(ctx)
}

func (s *Supervisor) isreadyRoundtrip(ctx context.Context) error {
	s.mu.Lock()
	s.readyokCh = make(chan struct{})
	ch, readerDone := s.readyokCh, s.readerDone
	s.mu.Unlock()
	if err := s.write("isready"); err != nil {
		return apperr.New(apperr.ProtocolError, err.Error())
	}
	if err := waitOrDone(ctx, ch, readerDone, handshakeTimeout); err != nil {
		return err
	}
	return nil
}

// Analyze sends the given USI position command followed by "go infinite"
// and returns a Subscription streaming consolidated PV-line sets.
func (s *Supervisor) Analyze(positionCommand string) (*Subscription, error) {
	s.mu.Lock()
	if s.state != Configured {
		s.mu.Unlock()
		return nil, apperr.New(apperr.ProtocolError, "engine is not configured")
	}
	s.pvByIndex = map[int]PVLine{}
	s.infoVersion = 0
	s.updatesCh = make(chan Update, 64)
	s.updatesClosed = false
	s.doneCh = make(chan string, 1)
	s.bestmoveCh = make(chan struct{})
	s.searching = true
	s.state = Searching
	updatesCh, doneCh := s.updatesCh, s.doneCh
	s.mu.Unlock()

	if err := s.write(positionCommand); err != nil {
		return nil, apperr.New(apperr.ProtocolError, err.Error())
	}
	if err := s.write("go infinite"); err != nil {
		return nil, apperr.New(apperr.ProtocolError, err.Error())
	}
	return &Subscription{Updates: updatesCh, Done: doneCh}, nil
}

// Cancel sends "stop" and waits (bounded) for "bestmove", then emits a
// terminal event on the subscription's Done channel.
func (s *Supervisor) Cancel(ctx context.Context, reason string) {
	s.mu.Lock()
	if !s.searching {
		s.mu.Unlock()
		return
	}
	bestmoveCh, readerDone := s.bestmoveCh, s.readerDone
	doneCh := s.doneCh
	s.mu.Unlock()

	_ = s.write("stop")

	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	select {
	case <-bestmoveCh:
	case <-readerDone:
	case <-tctx.Done():
	}

	s.mu.Lock()
	s.searching = false
	if s.state == Searching {
		s.state = Configured
	}
	updatesCh := s.closeUpdatesLocked()
	s.mu.Unlock()

	if doneCh != nil {
		select {
		case doneCh <- reason:
		default:
		}
	}
	if updatesCh != nil {
		close(updatesCh)
	}
}

// Shutdown sends "quit" and kills the process if it doesn't exit within a
// grace period.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = s.write("quit")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				log.Printf("engine: kill failed: %v", err)
			}
		}
	}

	s.mu.Lock()
	s.state = Idle
	s.cmd = nil
	s.mu.Unlock()
}
