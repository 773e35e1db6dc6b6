package storage

// Schema is the DDL for the four logical tables named in spec.md §6,
// ported from the reference Python's db/session.py (minus the unrelated
// installer_downloads table, which belongs to the out-of-scope installer).
const Schema = `
CREATE TABLE IF NOT EXISTS games (
  game_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  initial_sfen TEXT NOT NULL,
  root_node_id TEXT NOT NULL,
  current_node_id TEXT NOT NULL,
  meta_json TEXT NOT NULL DEFAULT '{}',
  ui_state_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS nodes (
  node_id TEXT PRIMARY KEY,
  game_id TEXT NOT NULL,
  parent_id TEXT NULL,
  order_index INTEGER NOT NULL,
  move_usi TEXT NULL,
  move_label TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  position_sfen TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY (game_id) REFERENCES games(game_id),
  UNIQUE (parent_id, order_index)
);

CREATE INDEX IF NOT EXISTS idx_nodes_game_parent_order
  ON nodes(game_id, parent_id, order_index);

CREATE TABLE IF NOT EXISTS analysis_snapshots (
  snapshot_id TEXT PRIMARY KEY,
  node_id TEXT NOT NULL,
  elapsed_ms INTEGER NOT NULL DEFAULT 0,
  multipv INTEGER NOT NULL DEFAULT 1,
  lines_json TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_state (
  key TEXT PRIMARY KEY,
  value_json TEXT NOT NULL
);
`
