// Package sqlite implements the GraphStore on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calder/mnemo/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Store wraps the SQLite database connection for the memory graph.
type Store struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension in node_vec (0 = not yet determined)
}

// Open opens or creates the memory graph database under statePath.
func Open(statePath string) (*Store, error) {
	dbPath := filepath.Join(statePath, "system", "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTable(); err != nil {
			logging.Info("store", "vec init warning: %v", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Graph nodes: semantic (person/concept/entity), episodic
	-- (source/artifact), and hierarchical (storyline/macro) kinds share one
	-- table; kind-specific columns are zero-valued elsewhere.
	CREATE TABLE IF NOT EXISTS nodes (
		entity_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		canonical_name TEXT DEFAULT '',
		description TEXT DEFAULT '',
		notes TEXT NOT NULL DEFAULT '[]',
		embedding BLOB,
		confidence REAL DEFAULT 0,
		salience REAL DEFAULT 0.5,
		state TEXT NOT NULL DEFAULT 'candidate',
		ttl_policy TEXT NOT NULL DEFAULT 'decay',
		access_count INTEGER DEFAULT 0,
		recall_frequency REAL DEFAULT 0,
		last_recall_interval REAL DEFAULT 0,
		prev_recall_interval REAL DEFAULT 0,
		decay_gradient REAL DEFAULT 1.0,
		last_accessed_at DATETIME,
		last_decay_at DATETIME,
		is_dirty INTEGER DEFAULT 0,
		is_owner INTEGER DEFAULT 0,
		has_meso INTEGER DEFAULT 0,
		has_macro INTEGER DEFAULT 0,
		source_count INTEGER DEFAULT 0,
		distinct_source_days INTEGER DEFAULT 0,
		storyline_count INTEGER DEFAULT 0,
		span_start DATETIME,
		span_end DATETIME,
		anchor_key TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_update_source TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_user ON nodes(user_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind);
	CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state);
	CREATE INDEX IF NOT EXISTS idx_nodes_dirty ON nodes(is_dirty);
	CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(user_id, is_owner);
	-- At most one owner node per user, enforced at the storage layer so a
	-- bootstrap race surfaces as a duplicate-key error for the loser.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_one_owner ON nodes(user_id) WHERE is_owner = 1;
	CREATE INDEX IF NOT EXISTS idx_nodes_anchor ON nodes(anchor_key);
	CREATE INDEX IF NOT EXISTS idx_nodes_canonical ON nodes(user_id, canonical_name);

	-- Relationships, stored in canonical direction only.
	CREATE TABLE IF NOT EXISTS edges (
		from_key TEXT NOT NULL,
		to_key TEXT NOT NULL,
		canonical_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		attitude INTEGER NOT NULL,
		proximity INTEGER NOT NULL,
		reasoning TEXT DEFAULT '',
		description TEXT DEFAULT '',
		notes TEXT NOT NULL DEFAULT '[]',
		confidence REAL DEFAULT 0,
		salience REAL DEFAULT 0.5,
		state TEXT NOT NULL DEFAULT 'candidate',
		ttl_policy TEXT NOT NULL DEFAULT 'decay',
		access_count INTEGER DEFAULT 0,
		recall_frequency REAL DEFAULT 0,
		last_recall_interval REAL DEFAULT 0,
		prev_recall_interval REAL DEFAULT 0,
		decay_gradient REAL DEFAULT 1.0,
		last_accessed_at DATETIME,
		last_decay_at DATETIME,
		is_dirty INTEGER DEFAULT 0,
		relationship_embedding BLOB,
		notes_embedding BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_update_source TEXT DEFAULT '',
		PRIMARY KEY (from_key, to_key, canonical_type),
		FOREIGN KEY (from_key) REFERENCES nodes(entity_key) ON DELETE CASCADE,
		FOREIGN KEY (to_key) REFERENCES nodes(entity_key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_key);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_key);
	CREATE INDEX IF NOT EXISTS idx_edges_dirty ON edges(is_dirty);

	-- Source -> semantic node mentions.
	CREATE TABLE IF NOT EXISTS mentions (
		source_key TEXT NOT NULL,
		target_key TEXT NOT NULL,
		mentioned_on TEXT NOT NULL,
		PRIMARY KEY (source_key, target_key),
		FOREIGN KEY (source_key) REFERENCES nodes(entity_key) ON DELETE CASCADE,
		FOREIGN KEY (target_key) REFERENCES nodes(entity_key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mentions_target ON mentions(target_key);

	-- Storyline -> sources and macro -> storylines membership.
	CREATE TABLE IF NOT EXISTS group_members (
		group_key TEXT NOT NULL,
		member_key TEXT NOT NULL,
		PRIMARY KEY (group_key, member_key),
		FOREIGN KEY (group_key) REFERENCES nodes(entity_key) ON DELETE CASCADE,
		FOREIGN KEY (member_key) REFERENCES nodes(entity_key) ON DELETE CASCADE
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Stats returns record counts per kind plus edge and mention totals.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM nodes GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		stats[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for name, q := range map[string]string{
		"edges":    `SELECT COUNT(*) FROM edges`,
		"mentions": `SELECT COUNT(*) FROM mentions`,
		"archived": `SELECT COUNT(*) FROM nodes WHERE state = 'archived'`,
		"dirty":    `SELECT COUNT(*) FROM nodes WHERE is_dirty = 1`,
	} {
		var n int
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("stats %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}
