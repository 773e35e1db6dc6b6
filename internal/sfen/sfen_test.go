package sfen

import "testing"

func TestNormalizeDefaults(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultStart},
		{"startpos", DefaultStart},
		{"  startpos  ", DefaultStart},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSquareRoundTrip(t *testing.T) {
	for _, sq := range []string{"7g", "1a", "9i", "5e"} {
		row, col, err := SquareToRC(sq)
		if err != nil {
			t.Fatalf("SquareToRC(%q) error: %v", sq, err)
		}
		back, err := RCToSquare(row, col)
		if err != nil {
			t.Fatalf("RCToSquare error: %v", err)
		}
		if back != sq {
			t.Errorf("round trip %q -> (%d,%d) -> %q", sq, row, col, back)
		}
	}
}

func TestParseMoveBoard(t *testing.T) {
	mv, err := ParseMove("7g7f")
	if err != nil {
		t.Fatalf("ParseMove error: %v", err)
	}
	if mv.IsDrop || mv.Promote {
		t.Fatalf("unexpected drop/promote flags: %+v", mv)
	}
	mv2, err := ParseMove("2b3c+")
	if err != nil {
		t.Fatalf("ParseMove error: %v", err)
	}
	if !mv2.Promote {
		t.Errorf("expected promotion flag set")
	}
}

func TestParseMoveDrop(t *testing.T) {
	mv, err := ParseMove("P*5e")
	if err != nil {
		t.Fatalf("ParseMove error: %v", err)
	}
	if !mv.IsDrop || mv.DropPiece != 'P' {
		t.Errorf("unexpected parse: %+v", mv)
	}
	kmv, err := ParseMove("K*5e")
	if err != nil || !kmv.IsDrop || kmv.DropPiece != 'K' {
		t.Errorf("expected king-letter drop to parse (rejection happens at apply time, not parse time), got %+v, %v", kmv, err)
	}
}

func TestApplyMoveOpeningAndCapture(t *testing.T) {
	sfen := DefaultStart
	next, err := ApplyMove(sfen, "7g7f")
	if err != nil {
		t.Fatalf("ApplyMove error: %v", err)
	}
	pos, err := Parse(next)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if pos.Side != "w" {
		t.Errorf("side to move = %s, want w", pos.Side)
	}
	if pos.Ply != 2 {
		t.Errorf("ply = %d, want 2", pos.Ply)
	}
}

func TestApplyMoveRejectsKingDrop(t *testing.T) {
	if _, err := ApplyMove(DefaultStart, "K*5e"); err == nil {
		t.Fatalf("expected error for king drop")
	}
}

func TestApplyMoveRejectsEmptySource(t *testing.T) {
	if _, err := ApplyMove(DefaultStart, "5e5d"); err == nil {
		t.Fatalf("expected error for empty source square")
	}
}

func TestApplyMoveCapturesToHand(t *testing.T) {
	// Build a position where black can capture a white pawn at 5e.
	pos, err := Parse(DefaultStart)
	if err != nil {
		t.Fatal(err)
	}
	pos.Board[4][4] = "p"  // white pawn at 5e
	pos.Board[5][4] = "P"  // black pawn at 5f, about to capture forward
	sfenStr, err := Build(pos)
	if err != nil {
		t.Fatal(err)
	}
	next, err := ApplyMove(sfenStr, "5f5e")
	if err != nil {
		t.Fatalf("ApplyMove error: %v", err)
	}
	after, err := Parse(next)
	if err != nil {
		t.Fatal(err)
	}
	if after.Hands["b"]['P'] != 1 {
		t.Errorf("expected captured pawn added to black's hand, got hands=%v", after.Hands["b"])
	}
}

func TestBuildRejectsBadSide(t *testing.T) {
	pos := Position{Side: "x", Hands: emptyHands(), Ply: 1}
	if _, err := Build(pos); err == nil {
		t.Fatalf("expected error for invalid side")
	}
}

func TestToPositionCommand(t *testing.T) {
	cmd, err := ToPositionCommand(DefaultStart, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "position startpos" {
		t.Errorf("cmd = %q", cmd)
	}
	cmd2, err := ToPositionCommand(DefaultStart, []string{"7g7f", "3c3d"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd2 != "position startpos moves 7g7f 3c3d" {
		t.Errorf("cmd2 = %q", cmd2)
	}
}
