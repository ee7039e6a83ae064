package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/calder/mnemo/internal/memory"
)

const edgeColumns = `from_key, to_key, canonical_type, user_id, relationship_type,
	attitude, proximity, reasoning, description, notes, confidence,
	salience, state, ttl_policy,
	access_count, recall_frequency, last_recall_interval, prev_recall_interval,
	decay_gradient, last_accessed_at, last_decay_at, is_dirty,
	relationship_embedding, notes_embedding,
	created_at, updated_at, last_update_source`

func scanEdge(row rowScanner) (*memory.Edge, error) {
	var (
		e                       memory.Edge
		ct, state, ttl, notes   string
		relEmb, notesEmb        []byte
		lastAccessed, lastDecay sql.NullTime
	)
	err := row.Scan(
		&e.FromKey, &e.ToKey, &ct, &e.UserID, &e.RelationshipType,
		&e.Attitude, &e.Proximity, &e.Reasoning, &e.Description, &notes, &e.Confidence,
		&e.Salience, &state, &ttl,
		&e.AccessCount, &e.RecallFrequency, &e.LastRecallInterval, &e.PrevRecallInterval,
		&e.DecayGradient, &lastAccessed, &lastDecay, &e.IsDirty,
		&relEmb, &notesEmb,
		&e.CreatedAt, &e.UpdatedAt, &e.LastUpdateSource,
	)
	if err != nil {
		return nil, err
	}
	e.CanonicalType = memory.CanonType(ct)
	e.State = memory.State(state)
	e.TTLPolicy = memory.TTLPolicy(ttl)
	if e.Notes, err = memory.DecodeNotes(notes); err != nil {
		return nil, fmt.Errorf("edge %s->%s: %w", e.FromKey, e.ToKey, err)
	}
	if len(relEmb) > 0 {
		json.Unmarshal(relEmb, &e.RelationshipEmbedding)
	}
	if len(notesEmb) > 0 {
		json.Unmarshal(notesEmb, &e.NotesEmbedding)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		e.LastAccessedAt = &t
	}
	if lastDecay.Valid {
		t := lastDecay.Time
		e.LastDecayAt = &t
	}
	return &e, nil
}

func scanEdgeRows(rows *sql.Rows) ([]*memory.Edge, error) {
	defer rows.Close()
	var out []*memory.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MergeEdge creates the edge if absent or refreshes its scalar fields on
// match, in one atomic upsert. Notes and memory-management fields are
// preserved on match so concurrent duplicate calls cannot clobber history.
func (s *Store) MergeEdge(ctx context.Context, e *memory.Edge) (bool, error) {
	notes, err := memory.EncodeNotes(e.Notes)
	if err != nil {
		return false, err
	}
	var relEmb, notesEmb []byte
	if len(e.RelationshipEmbedding) > 0 {
		relEmb, _ = json.Marshal(e.RelationshipEmbedding)
	}
	if len(e.NotesEmbedding) > 0 {
		notesEmb, _ = json.Marshal(e.NotesEmbedding)
	}

	var existed bool
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM edges WHERE from_key = ? AND to_key = ? AND canonical_type = ?`,
		e.FromKey, e.ToKey, string(e.CanonicalType)).Scan(new(int))
	switch {
	case err == nil:
		existed = true
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("merge edge precheck: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (`+edgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_key, to_key, canonical_type) DO UPDATE SET
			relationship_type = excluded.relationship_type,
			attitude = excluded.attitude,
			proximity = excluded.proximity,
			reasoning = excluded.reasoning,
			description = excluded.description,
			confidence = excluded.confidence,
			relationship_embedding = excluded.relationship_embedding,
			updated_at = excluded.updated_at,
			last_update_source = excluded.last_update_source`,
		e.FromKey, e.ToKey, string(e.CanonicalType), e.UserID, e.RelationshipType,
		e.Attitude, e.Proximity, e.Reasoning, e.Description, notes, e.Confidence,
		e.Salience, string(e.State), string(e.TTLPolicy),
		e.AccessCount, e.RecallFrequency, e.LastRecallInterval, e.PrevRecallInterval,
		e.DecayGradient, nullTime(e.LastAccessedAt), nullTime(e.LastDecayAt), e.IsDirty,
		relEmb, notesEmb,
		e.CreatedAt, e.UpdatedAt, e.LastUpdateSource,
	)
	if err != nil {
		return false, fmt.Errorf("merge edge: %w", err)
	}
	// SQLite reports the upsert as one changed row either way; create vs
	// match is whether the row predated this call. A concurrent creator
	// sneaking in between precheck and upsert shows up in the readback as a
	// created_at older than ours.
	_ = res
	if existed {
		return false, nil
	}
	var createdAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM edges WHERE from_key = ? AND to_key = ? AND canonical_type = ?`,
		e.FromKey, e.ToKey, string(e.CanonicalType)).Scan(&createdAt)
	if err != nil {
		return false, fmt.Errorf("merge edge readback: %w", err)
	}
	return createdAt.Valid && createdAt.Time.Equal(e.CreatedAt), nil
}

// GetEdge finds an edge in either direction; reversed reports that the match
// was found opposite to the asked order.
func (s *Store) GetEdge(ctx context.Context, fromKey, toKey string, ct memory.CanonType) (*memory.Edge, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE from_key = ? AND to_key = ? AND canonical_type = ?`,
		fromKey, toKey, string(ct))
	e, err := scanEdge(row)
	if err == nil {
		return e, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("get edge: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE from_key = ? AND to_key = ? AND canonical_type = ?`,
		toKey, fromKey, string(ct))
	e, err = scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, false, memory.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get edge: %w", err)
	}
	return e, true, nil
}

// UpdateEdge writes the whole edge back atomically.
func (s *Store) UpdateEdge(ctx context.Context, e *memory.Edge) error {
	notes, err := memory.EncodeNotes(e.Notes)
	if err != nil {
		return err
	}
	var relEmb, notesEmb []byte
	if len(e.RelationshipEmbedding) > 0 {
		relEmb, _ = json.Marshal(e.RelationshipEmbedding)
	}
	if len(e.NotesEmbedding) > 0 {
		notesEmb, _ = json.Marshal(e.NotesEmbedding)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE edges SET
			relationship_type = ?, attitude = ?, proximity = ?, reasoning = ?,
			description = ?, notes = ?, confidence = ?,
			salience = ?, state = ?, ttl_policy = ?,
			access_count = ?, recall_frequency = ?, last_recall_interval = ?,
			prev_recall_interval = ?, decay_gradient = ?, last_accessed_at = ?,
			last_decay_at = ?, is_dirty = ?,
			relationship_embedding = ?, notes_embedding = ?,
			updated_at = ?, last_update_source = ?
		WHERE from_key = ? AND to_key = ? AND canonical_type = ?`,
		e.RelationshipType, e.Attitude, e.Proximity, e.Reasoning,
		e.Description, notes, e.Confidence,
		e.Salience, string(e.State), string(e.TTLPolicy),
		e.AccessCount, e.RecallFrequency, e.LastRecallInterval,
		e.PrevRecallInterval, e.DecayGradient, nullTime(e.LastAccessedAt),
		nullTime(e.LastDecayAt), e.IsDirty,
		relEmb, notesEmb,
		e.UpdatedAt, e.LastUpdateSource,
		e.FromKey, e.ToKey, string(e.CanonicalType),
	)
	if err != nil {
		return fmt.Errorf("update edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// AllEdges returns every relationship.
func (s *Store) AllEdges(ctx context.Context) ([]*memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("all edges: %w", err)
	}
	return scanEdgeRows(rows)
}

// DirtyEdges returns relationships flagged for nightly resynthesis.
func (s *Store) DirtyEdges(ctx context.Context) ([]*memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE is_dirty = 1 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("dirty edges: %w", err)
	}
	return scanEdgeRows(rows)
}
