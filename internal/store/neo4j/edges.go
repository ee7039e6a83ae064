package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/calder/mnemo/internal/memory"
)

// Cypher cannot parameterize relationship types, so queries interpolate the
// canonical type after validating it against the closed set.
func validType(ct memory.CanonType) error {
	for _, t := range canonicalTypes {
		if t == ct {
			return nil
		}
	}
	return fmt.Errorf("unknown canonical type %q", ct)
}

func edgeProps(e *memory.Edge) (map[string]any, error) {
	notes, err := memory.EncodeNotes(e.Notes)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"user_id":              e.UserID,
		"relationship_type":    e.RelationshipType,
		"attitude":             e.Attitude,
		"proximity":            e.Proximity,
		"reasoning":            e.Reasoning,
		"description":          e.Description,
		"notes":                notes,
		"confidence":           e.Confidence,
		"salience":             e.Salience,
		"state":                string(e.State),
		"ttl_policy":           string(e.TTLPolicy),
		"access_count":         e.AccessCount,
		"recall_frequency":     e.RecallFrequency,
		"last_recall_interval": e.LastRecallInterval,
		"prev_recall_interval": e.PrevRecallInterval,
		"decay_gradient":       e.DecayGradient,
		"is_dirty":             e.IsDirty,
		"created_at":           e.CreatedAt,
		"updated_at":           e.UpdatedAt,
		"last_update_source":   e.LastUpdateSource,
	}
	if len(e.RelationshipEmbedding) > 0 {
		props["relationship_embedding"] = floatList(e.RelationshipEmbedding)
	}
	if len(e.NotesEmbedding) > 0 {
		props["notes_embedding"] = floatList(e.NotesEmbedding)
	}
	setOptTime(props, "last_accessed_at", e.LastAccessedAt)
	setOptTime(props, "last_decay_at", e.LastDecayAt)
	return props, nil
}

func edgeFromProps(fromKey, toKey string, ct memory.CanonType, p map[string]any) (*memory.Edge, error) {
	e := &memory.Edge{
		FromKey:            fromKey,
		ToKey:              toKey,
		UserID:             str(p, "user_id"),
		CanonicalType:      ct,
		RelationshipType:   str(p, "relationship_type"),
		Attitude:           int(num(p, "attitude")),
		Proximity:          int(num(p, "proximity")),
		Reasoning:          str(p, "reasoning"),
		Description:        str(p, "description"),
		Confidence:         num(p, "confidence"),
		Salience:           num(p, "salience"),
		State:              memory.State(str(p, "state")),
		TTLPolicy:          memory.TTLPolicy(str(p, "ttl_policy")),
		AccessCount:        int(num(p, "access_count")),
		RecallFrequency:    num(p, "recall_frequency"),
		LastRecallInterval: num(p, "last_recall_interval"),
		PrevRecallInterval: num(p, "prev_recall_interval"),
		DecayGradient:      num(p, "decay_gradient"),
		IsDirty:            boolean(p, "is_dirty"),
		CreatedAt:          ts(p, "created_at"),
		UpdatedAt:          ts(p, "updated_at"),
		LastUpdateSource:   str(p, "last_update_source"),
	}
	var err error
	if e.Notes, err = memory.DecodeNotes(str(p, "notes")); err != nil {
		return nil, fmt.Errorf("edge %s->%s: %w", fromKey, toKey, err)
	}
	e.RelationshipEmbedding = floats(p, "relationship_embedding")
	e.NotesEmbedding = floats(p, "notes_embedding")
	e.LastAccessedAt = optTS(p, "last_accessed_at")
	e.LastDecayAt = optTS(p, "last_decay_at")
	return e, nil
}

// MergeEdge creates the edge if absent or refreshes its scalar fields on
// match. Notes and memory-management fields are preserved on match so
// concurrent duplicate calls cannot clobber history.
func (s *Store) MergeEdge(ctx context.Context, e *memory.Edge) (bool, error) {
	if err := validType(e.CanonicalType); err != nil {
		return false, err
	}
	props, err := edgeProps(e)
	if err != nil {
		return false, err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:Memory {entity_key: $from}), (b:Memory {entity_key: $to})
		OPTIONAL MATCH (a)-[prior:%[1]s]->(b)
		WITH a, b, prior IS NOT NULL AS matched
		MERGE (a)-[r:%[1]s]->(b)
		ON CREATE SET r = $props
		ON MATCH SET
			r.relationship_type = $props.relationship_type,
			r.attitude = $props.attitude,
			r.proximity = $props.proximity,
			r.reasoning = $props.reasoning,
			r.description = $props.description,
			r.confidence = $props.confidence,
			r.relationship_embedding = $props.relationship_embedding,
			r.updated_at = $props.updated_at,
			r.last_update_source = $props.last_update_source
		RETURN matched`, e.CanonicalType)

	result, err := session.Run(ctx, query, map[string]any{
		"from": e.FromKey, "to": e.ToKey, "props": props,
	})
	if err != nil {
		return false, fmt.Errorf("merge edge: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		// MATCH found no endpoints; MERGE never ran.
		return false, memory.ErrNotFound
	}
	matched, _ := record.Get("matched")
	m, ok := matched.(bool)
	return ok && !m, nil
}

// GetEdge finds an edge in either direction; reversed reports that the match
// was found opposite to the asked order.
func (s *Store) GetEdge(ctx context.Context, fromKey, toKey string, ct memory.CanonType) (*memory.Edge, bool, error) {
	if err := validType(ct); err != nil {
		return nil, false, err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:Memory {entity_key: $from})-[r:%s]->(b:Memory {entity_key: $to})
		RETURN properties(r) AS props`, ct)

	for i, pair := range [][2]string{{fromKey, toKey}, {toKey, fromKey}} {
		result, err := session.Run(ctx, query, map[string]any{"from": pair[0], "to": pair[1]})
		if err != nil {
			return nil, false, fmt.Errorf("get edge: %w", err)
		}
		if result.Next(ctx) {
			props, _ := result.Record().Get("props")
			m, ok := props.(map[string]any)
			if !ok {
				return nil, false, fmt.Errorf("get edge: unexpected record shape")
			}
			e, err := edgeFromProps(pair[0], pair[1], ct, m)
			if err != nil {
				return nil, false, err
			}
			return e, i == 1, nil
		}
		if err := result.Err(); err != nil {
			return nil, false, fmt.Errorf("get edge: %w", err)
		}
	}
	return nil, false, memory.ErrNotFound
}

// UpdateEdge writes the whole edge back.
func (s *Store) UpdateEdge(ctx context.Context, e *memory.Edge) error {
	if err := validType(e.CanonicalType); err != nil {
		return err
	}
	props, err := edgeProps(e)
	if err != nil {
		return err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (:Memory {entity_key: $from})-[r:%s]->(:Memory {entity_key: $to})
		SET r = $props
		RETURN count(r) AS n`, e.CanonicalType)

	result, err := session.Run(ctx, query, map[string]any{
		"from": e.FromKey, "to": e.ToKey, "props": props,
	})
	if err != nil {
		return fmt.Errorf("update edge: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("update edge: %w", err)
	}
	n, _ := record.Get("n")
	if c, ok := n.(int64); !ok || c == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// AllEdges returns every canonical relationship.
func (s *Store) AllEdges(ctx context.Context) ([]*memory.Edge, error) {
	return s.queryEdges(ctx, `
		MATCH (a:Memory)-[r]->(b:Memory) WHERE type(r) IN $types
		RETURN a.entity_key AS from_key, b.entity_key AS to_key,
		       type(r) AS canonical_type, properties(r) AS props
		ORDER BY r.created_at`,
		map[string]any{"types": typeNames()})
}

// DirtyEdges returns relationships flagged for nightly resynthesis.
func (s *Store) DirtyEdges(ctx context.Context) ([]*memory.Edge, error) {
	return s.queryEdges(ctx, `
		MATCH (a:Memory)-[r]->(b:Memory) WHERE type(r) IN $types AND r.is_dirty
		RETURN a.entity_key AS from_key, b.entity_key AS to_key,
		       type(r) AS canonical_type, properties(r) AS props
		ORDER BY r.updated_at`,
		map[string]any{"types": typeNames()})
}

func (s *Store) queryEdges(ctx context.Context, query string, params map[string]any) ([]*memory.Edge, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	var out []*memory.Edge
	for result.Next(ctx) {
		rec := result.Record()
		from, _ := rec.Get("from_key")
		to, _ := rec.Get("to_key")
		ct, _ := rec.Get("canonical_type")
		props, _ := rec.Get("props")
		m, ok := props.(map[string]any)
		if !ok {
			continue
		}
		e, err := edgeFromProps(from.(string), to.(string), memory.CanonType(ct.(string)), m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, result.Err()
}
