package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/memory"
)

const nodeColumns = `entity_key, user_id, kind, name, canonical_name, description, notes,
	embedding, confidence, salience, state, ttl_policy,
	access_count, recall_frequency, last_recall_interval, prev_recall_interval,
	decay_gradient, last_accessed_at, last_decay_at,
	is_dirty, is_owner, has_meso, has_macro,
	source_count, distinct_source_days, storyline_count,
	span_start, span_end, anchor_key,
	created_at, updated_at, last_update_source`

func nodeArgs(r *memory.Record) ([]any, error) {
	notes, err := memory.EncodeNotes(r.Notes)
	if err != nil {
		return nil, err
	}
	var embedding []byte
	if len(r.Embedding) > 0 {
		embedding, _ = json.Marshal(r.Embedding)
	}
	return []any{
		r.EntityKey, r.UserID, string(r.Kind), r.Name, r.CanonicalName, r.Description, notes,
		embedding, r.Confidence, r.Salience, string(r.State), string(r.TTLPolicy),
		r.AccessCount, r.RecallFrequency, r.LastRecallInterval, r.PrevRecallInterval,
		r.DecayGradient, nullTime(r.LastAccessedAt), nullTime(r.LastDecayAt),
		r.IsDirty, r.IsOwner, r.HasMeso, r.HasMacro,
		r.SourceCount, r.DistinctSourceDays, r.StorylineCount,
		nullTime(r.SpanStart), nullTime(r.SpanEnd), r.AnchorKey,
		r.CreatedAt, r.UpdatedAt, r.LastUpdateSource,
	}, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*memory.Record, error) {
	var (
		r                                   memory.Record
		kind, state, ttl, notes             string
		embedding                           []byte
		lastAccessed, lastDecay, spanS, spanE sql.NullTime
	)
	err := row.Scan(
		&r.EntityKey, &r.UserID, &kind, &r.Name, &r.CanonicalName, &r.Description, &notes,
		&embedding, &r.Confidence, &r.Salience, &state, &ttl,
		&r.AccessCount, &r.RecallFrequency, &r.LastRecallInterval, &r.PrevRecallInterval,
		&r.DecayGradient, &lastAccessed, &lastDecay,
		&r.IsDirty, &r.IsOwner, &r.HasMeso, &r.HasMacro,
		&r.SourceCount, &r.DistinctSourceDays, &r.StorylineCount,
		&spanS, &spanE, &r.AnchorKey,
		&r.CreatedAt, &r.UpdatedAt, &r.LastUpdateSource,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = memory.Kind(kind)
	r.State = memory.State(state)
	r.TTLPolicy = memory.TTLPolicy(ttl)
	if r.Notes, err = memory.DecodeNotes(notes); err != nil {
		return nil, fmt.Errorf("node %s: %w", r.EntityKey, err)
	}
	if len(embedding) > 0 {
		json.Unmarshal(embedding, &r.Embedding)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		r.LastAccessedAt = &t
	}
	if lastDecay.Valid {
		t := lastDecay.Time
		r.LastDecayAt = &t
	}
	if spanS.Valid {
		t := spanS.Time
		r.SpanStart = &t
	}
	if spanE.Valid {
		t := spanE.Time
		r.SpanEnd = &t
	}
	return &r, nil
}

func scanNodeRows(rows *sql.Rows) ([]*memory.Record, error) {
	defer rows.Close()
	var out []*memory.Record
	for rows.Next() {
		r, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var nodePlaceholders = "?" + strings.Repeat(", ?", strings.Count(nodeColumns, ","))

// CreateNode inserts a new node; an existing key is ErrDuplicateKey.
func (s *Store) CreateNode(ctx context.Context, r *memory.Record) error {
	args, err := nodeArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (`+nodePlaceholders+`)`, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return memory.ErrDuplicateKey
		}
		return fmt.Errorf("insert node: %w", err)
	}
	s.upsertNodeVec(r.EntityKey, r.Embedding)
	return nil
}

// GetNode retrieves one node by key.
func (s *Store) GetNode(ctx context.Context, key string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE entity_key = ?`, key)
	r, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return r, nil
}

// UpdateNode writes the whole record back in one atomic statement.
func (s *Store) UpdateNode(ctx context.Context, r *memory.Record) error {
	notes, err := memory.EncodeNotes(r.Notes)
	if err != nil {
		return err
	}
	var embedding []byte
	if len(r.Embedding) > 0 {
		embedding, _ = json.Marshal(r.Embedding)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET
			name = ?, canonical_name = ?, description = ?, notes = ?,
			embedding = ?, confidence = ?, salience = ?, state = ?, ttl_policy = ?,
			access_count = ?, recall_frequency = ?, last_recall_interval = ?,
			prev_recall_interval = ?, decay_gradient = ?, last_accessed_at = ?,
			last_decay_at = ?, is_dirty = ?, is_owner = ?, has_meso = ?, has_macro = ?,
			source_count = ?, distinct_source_days = ?, storyline_count = ?,
			span_start = ?, span_end = ?, anchor_key = ?,
			updated_at = ?, last_update_source = ?
		WHERE entity_key = ?`,
		r.Name, r.CanonicalName, r.Description, notes,
		embedding, r.Confidence, r.Salience, string(r.State), string(r.TTLPolicy),
		r.AccessCount, r.RecallFrequency, r.LastRecallInterval,
		r.PrevRecallInterval, r.DecayGradient, nullTime(r.LastAccessedAt),
		nullTime(r.LastDecayAt), r.IsDirty, r.IsOwner, r.HasMeso, r.HasMacro,
		r.SourceCount, r.DistinctSourceDays, r.StorylineCount,
		nullTime(r.SpanStart), nullTime(r.SpanEnd), r.AnchorKey,
		r.UpdatedAt, r.LastUpdateSource,
		r.EntityKey,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return memory.ErrDuplicateKey
		}
		return fmt.Errorf("update node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	s.upsertNodeVec(r.EntityKey, r.Embedding)
	return nil
}

// NodesByKind returns a user's nodes of the given kinds, highest salience
// first.
func (s *Store) NodesByKind(ctx context.Context, userID string, kinds ...memory.Kind) ([]*memory.Record, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(kinds))[1:]
	args := []any{userID}
	for _, k := range kinds {
		args = append(args, string(k))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = ? AND kind IN (`+placeholders+`)
		 ORDER BY salience DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("nodes by kind: %w", err)
	}
	return scanNodeRows(rows)
}

// AllNodes returns every node. Batches filter in memory; the store is
// personal-scale.
func (s *Store) AllNodes(ctx context.Context) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("all nodes: %w", err)
	}
	return scanNodeRows(rows)
}

// DirtyNodes returns nodes flagged for nightly resynthesis.
func (s *Store) DirtyNodes(ctx context.Context) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE is_dirty = 1 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("dirty nodes: %w", err)
	}
	return scanNodeRows(rows)
}

// Owner returns the user's owner Person node.
func (s *Store) Owner(ctx context.Context, userID string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = ? AND kind = 'person' AND is_owner = 1
		 LIMIT 1`, userID)
	r, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	return r, nil
}

// ClearOwnerFlags unsets stray is_owner flags for the user.
func (s *Store) ClearOwnerFlags(ctx context.Context, userID, exceptKey string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET is_owner = 0
		 WHERE user_id = ? AND is_owner = 1 AND entity_key != ?`, userID, exceptKey)
	if err != nil {
		return 0, fmt.Errorf("clear owner flags: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
