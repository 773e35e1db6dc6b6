package engine

import "testing"

func TestParseOptionName(t *testing.T) {
	cases := map[string]string{
		"option name Threads type spin default 1 min 1 max 512": "Threads",
		"option name USI_Hash type spin default 16":             "USI_Hash",
		"option name USI_Ponder type check default false":       "USI_Ponder",
		"option name Style":                                     "Style",
	}
	for line, want := range cases {
		if got := parseOptionName(line); got != want {
			t.Errorf("parseOptionName(%q) = %q, want %q", line, got, want)
		}
	}
}

func newSearchingSupervisor() *Supervisor {
	s := New()
	s.pvByIndex = map[int]PVLine{}
	s.searching = true
	return s
}

func TestHandleInfoLineParsesScoreAndPV(t *testing.T) {
	s := newSearchingSupervisor()
	s.handleInfoLine("info depth 12 seldepth 18 multipv 1 score cp 35 nodes 120000 nps 800000 hashfull 123 pv 7g7f 3c3d 2g2f")

	pv, ok := s.pvByIndex[1]
	if !ok {
		t.Fatalf("expected pv index 1 to be recorded")
	}
	if pv.Depth != 12 || !pv.SeldepthOK || pv.Seldepth != 18 {
		t.Errorf("depth/seldepth = %d/%v/%d", pv.Depth, pv.SeldepthOK, pv.Seldepth)
	}
	if pv.ScoreType != "cp" || pv.ScoreValue != 35 {
		t.Errorf("score = %s/%d", pv.ScoreType, pv.ScoreValue)
	}
	if !pv.NodesOK || pv.Nodes != 120000 {
		t.Errorf("nodes = %v/%d", pv.NodesOK, pv.Nodes)
	}
	if !pv.NPSOK || pv.NPS != 800000 {
		t.Errorf("nps = %v/%d", pv.NPSOK, pv.NPS)
	}
	if !pv.HashfullOK || pv.Hashfull != 123 {
		t.Errorf("hashfull = %v/%d", pv.HashfullOK, pv.Hashfull)
	}
	want := []string{"7g7f", "3c3d", "2g2f"}
	if len(pv.PVUsi) != len(want) {
		t.Fatalf("pv = %v", pv.PVUsi)
	}
	for i, m := range want {
		if pv.PVUsi[i] != m {
			t.Errorf("pv[%d] = %q, want %q", i, pv.PVUsi[i], m)
		}
	}
	if s.infoVersion != 1 {
		t.Errorf("infoVersion = %d, want 1", s.infoVersion)
	}
}

func TestHandleInfoLineMateScore(t *testing.T) {
	s := newSearchingSupervisor()
	s.handleInfoLine("info depth 20 multipv 2 score mate 5 pv 5g5f")

	pv, ok := s.pvByIndex[2]
	if !ok {
		t.Fatalf("expected pv index 2")
	}
	if pv.ScoreType != "mate" || pv.ScoreValue != 5 {
		t.Errorf("score = %s/%d", pv.ScoreType, pv.ScoreValue)
	}
}

func TestHandleInfoLineWithoutPVKeepsPrevious(t *testing.T) {
	s := newSearchingSupervisor()
	s.handleInfoLine("info depth 10 multipv 1 score cp 10 pv 7g7f")
	s.handleInfoLine("info depth 11 multipv 1 score cp 12")

	pv := s.pvByIndex[1]
	if len(pv.PVUsi) != 1 || pv.PVUsi[0] != "7g7f" {
		t.Errorf("expected stale pv to be retained, got %v", pv.PVUsi)
	}
	if pv.Depth != 11 {
		t.Errorf("depth should update to latest line, got %d", pv.Depth)
	}
}

func TestHandleInfoLineIgnoredWhenNotSearching(t *testing.T) {
	s := New()
	s.pvByIndex = map[int]PVLine{}
	s.handleInfoLine("info depth 5 multipv 1 score cp 1 pv 7g7f")
	if len(s.pvByIndex) != 0 {
		t.Errorf("expected no pv recorded while not searching")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle:        "idle",
		Handshaking: "handshaking",
		Ready:       "ready",
		Configured:  "configured",
		Searching:   "searching",
		Failed:      "failed",
		State(99):   "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestStatusWireReflectsConfig(t *testing.T) {
	s := New()
	s.cfg = Config{Threads: 4, HashMB: 256, MultiPV: 3}
	s.state = Configured
	wire := s.StatusWire()
	if wire.State != "configured" || wire.Threads != 4 || wire.HashMB != 256 || wire.MultiPV != 3 {
		t.Errorf("unexpected wire: %+v", wire)
	}
}
