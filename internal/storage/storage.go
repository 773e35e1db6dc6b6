// Package storage implements the Persistence Store: durable storage for
// games, nodes, analysis snapshots, and app_state. Adapted from the
// reference server's internal/server/storage/storage.go async-write-behind
// Store (buffered channel of func(*sql.Tx) error, single writer goroutine,
// atomic.Bool health flag), split here into a synchronous path for
// tree-mutating writes (atomicity is part of the contract) and an async
// write-behind path for append_snapshot (explicitly allowed to lag by
// spec.md §4.8). Schema ported from the reference Python's db/session.py.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"shogikifu/internal/apperr"
	"shogikifu/internal/engine"
	"shogikifu/internal/tree"
)

// Store handles SQLite operations: synchronous transactional writes for
// games/nodes, async write-behind for analysis snapshots.
type Store struct {
	db           *sql.DB
	path         string
	writeChan    chan func(*sql.Tx) error
	healthStatus atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewStore opens (or creates) the database at dataSourceName and starts the
// async snapshot writer.
func NewStore(dataSourceName string, devMode bool) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if devMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:        db,
		path:      dataSourceName,
		writeChan: make(chan func(*sql.Tx) error, 1000),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.healthStatus.Store(true)

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

// IsHealthy reports whether storage is operational.
func (s *Store) IsHealthy() bool {
	return s.healthStatus.Load()
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			deadline := time.After(2 * time.Second)
			for {
				select {
				case fn := <-s.writeChan:
					if s.healthStatus.Load() {
						s.executeWrite(fn)
					}
				case <-deadline:
					return
				default:
					return
				}
			}
		case fn := <-s.writeChan:
			if !s.healthStatus.Load() {
				continue
			}
			s.executeWrite(fn)
		}
	}
}

func (s *Store) executeWrite(fn func(*sql.Tx) error) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("storage degraded: failed to begin transaction: %v", err)
		s.healthStatus.Store(false)
		return
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		log.Printf("storage degraded: write operation failed: %v", err)
		s.healthStatus.Store(false)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("storage degraded: failed to commit: %v", err)
		s.healthStatus.Store(false)
		return
	}
}

// executeSync runs fn in a transaction synchronously and surfaces its
// error, used for the tree-mutating writes that must be atomic per call.
func (s *Store) executeSync(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.New(apperr.Internal, err.Error())
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.Internal, err.Error())
	}
	return nil
}

// Close gracefully closes the database connection.
func (s *Store) Close() error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Printf("warning: storage writer shutdown timeout, some snapshot writes may be lost")
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InitDB creates the schema.
func (s *Store) InitDB() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return tx.Commit()
}

// DeleteDB removes the database file entirely.
func (s *Store) DeleteDB() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete database file: %w", err)
	}
	return nil
}

func dumpJSON(v map[string]any) string {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func loadJSON(s string) map[string]any {
	out := map[string]any{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// PutGame upserts the game row and fully rewrites its node rows, matching
// the reference Python's save_game: delete-then-bulk-insert rather than an
// incremental diff, keeping the persisted tree trivially consistent with
// the in-memory one.
func (s *Store) PutGame(g *tree.Game) error {
	rec := g.ToGameRecord()
	nodes := g.ToNodeRecords()

	return s.executeSync(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO games (
			  game_id, title, created_at, updated_at, initial_sfen,
			  root_node_id, current_node_id, meta_json, ui_state_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(game_id) DO UPDATE SET
			  title=excluded.title,
			  updated_at=excluded.updated_at,
			  initial_sfen=excluded.initial_sfen,
			  root_node_id=excluded.root_node_id,
			  current_node_id=excluded.current_node_id,
			  meta_json=excluded.meta_json,
			  ui_state_json=excluded.ui_state_json
		`,
			rec.GameID, rec.Title, rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
			rec.InitialSFEN, rec.RootNodeID, rec.CurrentNodeID, dumpJSON(rec.Meta), dumpJSON(rec.UIState),
		)
		if err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}

		if _, err := tx.Exec(`DELETE FROM nodes WHERE game_id = ?`, rec.GameID); err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}

		stmt, err := tx.Prepare(`
			INSERT INTO nodes (
			  node_id, game_id, parent_id, order_index, move_usi, move_label,
			  comment, position_sfen, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}
		defer stmt.Close()

		for _, n := range nodes {
			var parentID any
			if n.ParentID != "" {
				parentID = n.ParentID
			}
			var moveUsi any
			if n.MoveUSI != "" {
				moveUsi = n.MoveUSI
			}
			if _, err := stmt.Exec(
				n.NodeID, n.GameID, parentID, n.OrderIndex, moveUsi, n.MoveLabel,
				n.Comment, n.PositionSFEN, n.CreatedAt.Format(time.RFC3339),
			); err != nil {
				return apperr.New(apperr.Internal, err.Error())
			}
		}
		return nil
	})
}

// GetGameWithTree loads a game and reconstructs its full tree. Returns
// apperr.NotFound if the game does not exist.
func (s *Store) GetGameWithTree(gameID string) (*tree.Game, error) {
	row := s.db.QueryRow(`
		SELECT game_id, title, created_at, updated_at, initial_sfen,
		       root_node_id, current_node_id, meta_json, ui_state_json
		FROM games WHERE game_id = ?
	`, gameID)

	var rec tree.GameRecord
	var createdAt, updatedAt, metaJSON, uiJSON string
	if err := row.Scan(&rec.GameID, &rec.Title, &createdAt, &updatedAt, &rec.InitialSFEN,
		&rec.RootNodeID, &rec.CurrentNodeID, &metaJSON, &uiJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "game not found: "+gameID)
		}
		return nil, apperr.New(apperr.Internal, err.Error())
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	rec.Meta = loadJSON(metaJSON)
	rec.UIState = loadJSON(uiJSON)

	rows, err := s.db.Query(`
		SELECT node_id, game_id, parent_id, order_index, move_usi, move_label,
		       comment, position_sfen, created_at
		FROM nodes
		WHERE game_id = ?
		ORDER BY CASE WHEN parent_id IS NULL THEN 0 ELSE 1 END, parent_id, order_index, created_at, node_id
	`, gameID)
	if err != nil {
		return nil, apperr.New(apperr.Internal, err.Error())
	}
	defer rows.Close()

	var nodes []*tree.Node
	for rows.Next() {
		var n tree.Node
		var parentID sql.NullString
		var moveUsi sql.NullString
		var createdAtStr string
		if err := rows.Scan(&n.NodeID, &n.GameID, &parentID, &n.OrderIndex, &moveUsi, &n.MoveLabel,
			&n.Comment, &n.PositionSFEN, &createdAtStr); err != nil {
			return nil, apperr.New(apperr.Internal, err.Error())
		}
		n.ParentID = parentID.String
		n.MoveUSI = moveUsi.String
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Internal, err.Error())
	}

	return tree.FromRows(rec, nodes), nil
}

// GameSummary is one row of a paginated game listing.
type GameSummary struct {
	GameID        string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InitialSFEN   string
	CurrentNodeID string
}

// ListGames returns a page of game summaries ordered by recency, plus the
// total row count.
func (s *Store) ListGames(limit, offset int) ([]GameSummary, int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM games`).Scan(&total); err != nil {
		return nil, 0, apperr.New(apperr.Internal, err.Error())
	}

	rows, err := s.db.Query(`
		SELECT game_id, title, created_at, updated_at, initial_sfen, current_node_id
		FROM games
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, apperr.New(apperr.Internal, err.Error())
	}
	defer rows.Close()

	var out []GameSummary
	for rows.Next() {
		var g GameSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&g.GameID, &g.Title, &createdAt, &updatedAt, &g.InitialSFEN, &g.CurrentNodeID); err != nil {
			return nil, 0, apperr.New(apperr.Internal, err.Error())
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		g.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, g)
	}
	return out, total, nil
}

// DeleteGame removes a game and its nodes, clearing last_game_id if it
// pointed at this game.
func (s *Store) DeleteGame(gameID string) (bool, error) {
	var deleted bool
	err := s.executeSync(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM nodes WHERE game_id = ?`, gameID); err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}
		res, err := tx.Exec(`DELETE FROM games WHERE game_id = ?`, gameID)
		if err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if last, _ := s.GetLastGameID(); last == gameID {
		_ = s.SetLastGameID("")
	}
	return deleted, nil
}

// GetLastGameID reads app_state["last_game_id"].
func (s *Store) GetLastGameID() (string, error) {
	var valueJSON string
	err := s.db.QueryRow(`SELECT value_json FROM app_state WHERE key = 'last_game_id'`).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.New(apperr.Internal, err.Error())
	}
	var id string
	if err := json.Unmarshal([]byte(valueJSON), &id); err != nil {
		return "", nil
	}
	return id, nil
}

// SetLastGameID upserts app_state["last_game_id"].
func (s *Store) SetLastGameID(gameID string) error {
	b, _ := json.Marshal(gameID)
	return s.executeSync(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO app_state(key, value_json) VALUES ('last_game_id', ?)
			ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json
		`, string(b))
		if err != nil {
			return apperr.New(apperr.Internal, err.Error())
		}
		return nil
	})
}

// AppendSnapshot enqueues an async write-behind insert of an analysis
// snapshot. Write-behind is acceptable here since ordering per node_id is
// preserved by the single writer goroutine and the call site (the State
// Synchronizer, forwarding the Analysis Coordinator's flushes) issues these
// strictly in arrival order.
func (s *Store) AppendSnapshot(nodeID string, elapsedMs int64, multipv int, lines []engine.PVLine) error {
	if !s.healthStatus.Load() {
		return nil
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return apperr.New(apperr.Internal, err.Error())
	}
	snapshotID := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339)

	select {
	case s.writeChan <- func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO analysis_snapshots (
			  snapshot_id, node_id, elapsed_ms, multipv, lines_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?)
		`, snapshotID, nodeID, elapsedMs, multipv, string(linesJSON), createdAt)
		return err
	}:
		return nil
	default:
		log.Printf("storage write queue full, dropping analysis snapshot for node %s", nodeID)
		return nil
	}
}

// CreateGame persists a freshly built Game and records it as the last game.
func (s *Store) CreateGame(g *tree.Game) error {
	if err := s.PutGame(g); err != nil {
		return err
	}
	return s.SetLastGameID(g.GameID)
}

// EnsureLastOrCreate loads app_state's last game, or creates a fresh one if
// none exists or it no longer resolves, matching the reference Python's
// StateStore.ensure_last_or_create.
func (s *Store) EnsureLastOrCreate() (*tree.Game, error) {
	lastID, err := s.GetLastGameID()
	if err == nil && lastID != "" {
		if g, gerr := s.GetGameWithTree(lastID); gerr == nil {
			return g, nil
		}
	}
	g, err := tree.New("Recovered game", "")
	if err != nil {
		return nil, err
	}
	if err := s.CreateGame(g); err != nil {
		return nil, err
	}
	return g, nil
}
