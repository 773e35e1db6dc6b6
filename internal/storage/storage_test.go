package storage

import (
	"path/filepath"
	"testing"

	"shogikifu/internal/tree"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path, false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.InitDB(); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLoadGameRoundTrip(t *testing.T) {
	s := newTestStore(t)

	g, err := tree.New("Test game", "")
	if err != nil {
		t.Fatalf("tree.New: %v", err)
	}
	if _, err := g.PlayMove(g.RootNodeID, "7g7f"); err != nil {
		t.Fatalf("PlayMove: %v", err)
	}

	if err := s.CreateGame(g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	loaded, err := s.GetGameWithTree(g.GameID)
	if err != nil {
		t.Fatalf("GetGameWithTree: %v", err)
	}
	if loaded.Title != "Test game" {
		t.Errorf("Title = %q", loaded.Title)
	}
	if loaded.CurrentNodeID != g.CurrentNodeID {
		t.Errorf("CurrentNodeID = %q, want %q", loaded.CurrentNodeID, g.CurrentNodeID)
	}
	moves, err := loaded.CurrentPathMoves()
	if err != nil {
		t.Fatalf("CurrentPathMoves: %v", err)
	}
	if len(moves) != 1 || moves[0] != "7g7f" {
		t.Errorf("moves = %v", moves)
	}

	last, err := s.GetLastGameID()
	if err != nil {
		t.Fatalf("GetLastGameID: %v", err)
	}
	if last != g.GameID {
		t.Errorf("last game id = %q, want %q", last, g.GameID)
	}
}

func TestPutGameFullyRewritesNodes(t *testing.T) {
	s := newTestStore(t)

	g, _ := tree.New("Rewrite test", "")
	first, _ := g.PlayMove(g.RootNodeID, "7g7f")
	if err := s.CreateGame(g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	if _, err := g.PlayMove(first, "3c3d"); err != nil {
		t.Fatalf("PlayMove: %v", err)
	}
	if err := s.PutGame(g); err != nil {
		t.Fatalf("PutGame: %v", err)
	}

	loaded, err := s.GetGameWithTree(g.GameID)
	if err != nil {
		t.Fatalf("GetGameWithTree: %v", err)
	}
	moves, err := loaded.CurrentPathMoves()
	if err != nil {
		t.Fatalf("CurrentPathMoves: %v", err)
	}
	if len(moves) != 2 {
		t.Fatalf("expected 2 moves after rewrite, got %d: %v", len(moves), moves)
	}
}

func TestListGamesPaginationAndDelete(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		g, _ := tree.New("Game", "")
		if err := s.CreateGame(g); err != nil {
			t.Fatalf("CreateGame: %v", err)
		}
		ids = append(ids, g.GameID)
	}

	page, total, err := s.ListGames(2, 0)
	if err != nil {
		t.Fatalf("ListGames: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(page) != 2 {
		t.Errorf("page length = %d, want 2", len(page))
	}

	deleted, err := s.DeleteGame(ids[0])
	if err != nil {
		t.Fatalf("DeleteGame: %v", err)
	}
	if !deleted {
		t.Errorf("expected deletion to report true")
	}
	if _, err := s.GetGameWithTree(ids[0]); err == nil {
		t.Errorf("expected deleted game to be unloadable")
	}
}

func TestEnsureLastOrCreateFallsBackToFreshGame(t *testing.T) {
	s := newTestStore(t)

	g, err := s.EnsureLastOrCreate()
	if err != nil {
		t.Fatalf("EnsureLastOrCreate: %v", err)
	}
	if g.GameID == "" {
		t.Fatalf("expected a freshly created game")
	}

	again, err := s.EnsureLastOrCreate()
	if err != nil {
		t.Fatalf("EnsureLastOrCreate (second): %v", err)
	}
	if again.GameID != g.GameID {
		t.Errorf("expected second call to resolve the same last game, got %q want %q", again.GameID, g.GameID)
	}
}
