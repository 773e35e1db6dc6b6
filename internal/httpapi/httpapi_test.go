package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"

	"shogikifu/internal/analysis"
	"shogikifu/internal/apperr"
	"shogikifu/internal/codec"
	"shogikifu/internal/engine"
	"shogikifu/internal/router"
	"shogikifu/internal/session"
	"shogikifu/internal/storage"
	"shogikifu/internal/synchronizer"
	"shogikifu/internal/tree"
)

func TestStatusForKind(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.NotFound:    fiber.StatusNotFound,
		apperr.Malformed:   fiber.StatusBadRequest,
		apperr.TooLarge:    fiber.StatusRequestEntityTooLarge,
		apperr.Internal:    fiber.StatusInternalServerError,
		apperr.SpawnFailed: fiber.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestIsValidUUID(t *testing.T) {
	if isValidUUID("not-a-uuid") {
		t.Errorf("expected rejection of malformed id")
	}
	g, err := tree.New("t", "")
	if err != nil {
		t.Fatalf("tree.New: %v", err)
	}
	if !isValidUUID(g.GameID) {
		t.Errorf("expected acceptance of generated game id %q", g.GameID)
	}
}

type noopSink struct{}

func (noopSink) OnAnalysisUpdate(analysis.Snapshot)    {}
func (noopSink) OnAnalysisStopped(analysis.StoppedEvent) {}

func newTestApp(t *testing.T) (*fiber.App, *storage.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewStore(path, false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.InitDB(); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sup := engine.New()
	coord := analysis.New(sup, noopSink{}, engine.Config{})

	g, err := tree.New("Initial", "")
	if err != nil {
		t.Fatalf("tree.New: %v", err)
	}
	if err := store.CreateGame(g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	hub := session.NewHub()
	registry := codec.NewRegistry()
	sync := synchronizer.New(g, store, hub, coord, noopBus{}, registry, engine.Config{})
	rtr := router.New(sync)

	h := New(store, rtr, coord, registry, func() string { return g.GameID })
	return NewFiberApp(h, true), store
}

type noopBus struct{}

func (noopBus) SendTo(string, synchronizer.Outbound)   {}
func (noopBus) BroadcastAll(synchronizer.Outbound)     {}
func (noopBus) KickOwner(string, string)                {}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestHealthzReportsOK(t *testing.T) {
	app, _ := newTestApp(t)
	resp, body := doJSON(t, app, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Errorf("expected ok=true, got %v", body["ok"])
	}
}

func TestCreateAndListGames(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/games", CreateGameRequest{Title: "New game"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	listResp, listBody := doJSON(t, app, http.MethodGet, "/api/games?limit=10&offset=0", nil)
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", listResp.StatusCode)
	}
	total, _ := listBody["total"].(float64)
	if total < 2 {
		t.Errorf("expected at least 2 games (seed + created), got %v", total)
	}
}

func TestGetGameNotFound(t *testing.T) {
	app, _ := newTestApp(t)
	g, _ := tree.New("x", "")
	resp, body := doJSON(t, app, http.MethodGet, "/api/games/"+g.GameID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestImportRequiresText(t *testing.T) {
	app, _ := newTestApp(t)
	resp, _ := doJSON(t, app, http.MethodPost, "/api/import", ImportRequest{Text: ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestImportAndExportRoundTrip(t *testing.T) {
	app, _ := newTestApp(t)
	resp, body := doJSON(t, app, http.MethodPost, "/api/import", ImportRequest{Text: "position startpos moves 7g7f 3c3d"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
	gameID, _ := body["game_id"].(string)
	if gameID == "" {
		t.Fatalf("expected game_id in import response: %v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, "/api/export/"+gameID+"?format=usi", nil)
	exportResp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer exportResp.Body.Close()
	if exportResp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", exportResp.StatusCode)
	}
	raw, _ := io.ReadAll(exportResp.Body)
	if string(raw) == "" {
		t.Errorf("expected non-empty export body")
	}
}
