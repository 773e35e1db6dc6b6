package tree

import (
	"testing"

	"shogikifu/internal/apperr"
	"shogikifu/internal/sfen"
)

func mustNew(t *testing.T) *Game {
	t.Helper()
	g, err := New("test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestPlayMoveCreatesChildAndAdvancesCursor(t *testing.T) {
	g := mustNew(t)
	childID, err := g.PlayMove(g.RootNodeID, "7g7f")
	if err != nil {
		t.Fatalf("PlayMove: %v", err)
	}
	if g.CurrentNodeID != childID {
		t.Errorf("CurrentNodeID = %s, want %s", g.CurrentNodeID, childID)
	}
	kids := g.ChildrenOf(g.RootNodeID)
	if len(kids) != 1 || kids[0] != childID {
		t.Errorf("children_of(root) = %v", kids)
	}
}

func TestPlayMoveDedupIsIdempotent(t *testing.T) {
	g := mustNew(t)
	first, err := g.PlayMove(g.RootNodeID, "7g7f")
	if err != nil {
		t.Fatalf("PlayMove: %v", err)
	}
	g.Jump(g.RootNodeID)
	second, err := g.PlayMove(g.RootNodeID, "7g7f")
	if err != nil {
		t.Fatalf("PlayMove (dedup): %v", err)
	}
	if first != second {
		t.Errorf("dedup returned different node ids: %s != %s", first, second)
	}
	if len(g.ChildrenOf(g.RootNodeID)) != 1 {
		t.Errorf("expected exactly one child after dedup, got %d", len(g.ChildrenOf(g.RootNodeID)))
	}
}

func TestPlayMoveUnknownParent(t *testing.T) {
	g := mustNew(t)
	if _, err := g.PlayMove("does-not-exist", "7g7f"); apperr.KindOf(err) != apperr.UnknownNode {
		t.Fatalf("expected UnknownNode, got %v", err)
	}
}

func TestPlayMoveInvalidMove(t *testing.T) {
	g := mustNew(t)
	if _, err := g.PlayMove(g.RootNodeID, "5e5d"); apperr.KindOf(err) != apperr.InvalidMove {
		t.Fatalf("expected InvalidMove, got %v", err)
	}
}

func TestReorderChildrenRewritesOrderIndex(t *testing.T) {
	g := mustNew(t)
	c1, _ := g.PlayMove(g.RootNodeID, "7g7f")
	g.Jump(g.RootNodeID)
	c2, _ := g.PlayMove(g.RootNodeID, "2g2f")

	if err := g.ReorderChildren(g.RootNodeID, []string{c2, c1}); err != nil {
		t.Fatalf("ReorderChildren: %v", err)
	}
	if g.nodes[c1].OrderIndex != 1 || g.nodes[c2].OrderIndex != 0 {
		t.Errorf("order_index not rewritten: c1=%d c2=%d", g.nodes[c1].OrderIndex, g.nodes[c2].OrderIndex)
	}
	kids := g.ChildrenOf(g.RootNodeID)
	if kids[0] != c2 || kids[1] != c1 {
		t.Errorf("children_index not rewritten: %v", kids)
	}
}

func TestReorderChildrenRejectsNonPermutation(t *testing.T) {
	g := mustNew(t)
	c1, _ := g.PlayMove(g.RootNodeID, "7g7f")
	if err := g.ReorderChildren(g.RootNodeID, []string{c1, "bogus"}); apperr.KindOf(err) != apperr.BadPermutation {
		t.Fatalf("expected BadPermutation, got %v", err)
	}
}

func TestSiblingOrderGaplessAfterMultiplePlays(t *testing.T) {
	g := mustNew(t)
	moves := []string{"7g7f", "2g2f", "6g6f"}
	for _, m := range moves {
		g.Jump(g.RootNodeID)
		if _, err := g.PlayMove(g.RootNodeID, m); err != nil {
			t.Fatalf("PlayMove(%s): %v", m, err)
		}
	}
	kids := g.ChildrenOf(g.RootNodeID)
	seen := map[int]bool{}
	for _, id := range kids {
		seen[g.nodes[id].OrderIndex] = true
	}
	for i := 0; i < len(kids); i++ {
		if !seen[i] {
			t.Errorf("order_index %d missing from %v", i, seen)
		}
	}
}

func TestSFENCacheCoherence(t *testing.T) {
	g := mustNew(t)
	childID, err := g.PlayMove(g.RootNodeID, "7g7f")
	if err != nil {
		t.Fatalf("PlayMove: %v", err)
	}
	root, _ := g.GetNode(g.RootNodeID)
	child, _ := g.GetNode(childID)
	want, err := sfen.ApplyMove(root.PositionSFEN, child.MoveUSI)
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if child.PositionSFEN != want {
		t.Errorf("cached SFEN = %q, want %q", child.PositionSFEN, want)
	}
}

func TestPathToNoCyclesAndReachesRoot(t *testing.T) {
	g := mustNew(t)
	c1, _ := g.PlayMove(g.RootNodeID, "7g7f")
	c2, _ := g.PlayMove(c1, "3c3d")

	path, err := g.PathTo(c2)
	if err != nil {
		t.Fatalf("PathTo: %v", err)
	}
	if len(path) != 3 || path[0] != g.RootNodeID || path[2] != c2 {
		t.Errorf("path = %v", path)
	}
}

func TestFromRowsRoundTrip(t *testing.T) {
	g := mustNew(t)
	c1, _ := g.PlayMove(g.RootNodeID, "7g7f")
	_, _ = g.PlayMove(c1, "3c3d")

	rec := g.ToGameRecord()
	nodes := g.ToNodeRecords()
	restored := FromRows(rec, nodes)

	wantKids := g.ChildrenOf(g.RootNodeID)
	gotKids := restored.ChildrenOf(g.RootNodeID)
	if len(wantKids) != len(gotKids) || wantKids[0] != gotKids[0] {
		t.Errorf("children mismatch after FromRows: want %v got %v", wantKids, gotKids)
	}
	if restored.CurrentNodeID != g.CurrentNodeID {
		t.Errorf("current node mismatch: want %s got %s", g.CurrentNodeID, restored.CurrentNodeID)
	}
}

func TestSetCommentUnknownNode(t *testing.T) {
	g := mustNew(t)
	if err := g.SetComment("missing", "hi"); apperr.KindOf(err) != apperr.UnknownNode {
		t.Fatalf("expected UnknownNode, got %v", err)
	}
}
