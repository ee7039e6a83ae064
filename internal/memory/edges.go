package memory

import (
	"context"
	"errors"
	"strings"
)

// CreateEdgeRequest carries the fields for a relationship between two
// existing semantic nodes. Direction is the caller's semantic direction; the
// engine re-orients it to canonical storage direction.
type CreateEdgeRequest struct {
	FromKey          string      `json:"from_key"`
	ToKey            string      `json:"to_key"`
	Direction        Direction   `json:"direction"`
	RelationshipType string      `json:"relationship_type"`
	Attitude         int         `json:"attitude"`
	Proximity        int         `json:"proximity"`
	Reasoning        string      `json:"reasoning,omitempty"`
	Description      string      `json:"description,omitempty"`
	Confidence       float64     `json:"confidence"`
	Notes            []NoteInput `json:"notes,omitempty"`
	LastUpdateSource string      `json:"last_update_source,omitempty"`
}

// EdgeResult reports what CreateEdge did.
type EdgeResult struct {
	Edge    *Edge `json:"edge"`
	Swapped bool  `json:"swapped"` // stored direction differs from the caller's
	Created bool  `json:"created"` // false when an existing edge was merged
}

// CreateEdge resolves the canonical type and direction for the endpoint
// kinds, swaps endpoints when the caller's direction is reversed, and merges
// idempotently: parallel agents connecting the same two nodes end up with
// exactly one edge, even when a same-kind pair is submitted from opposite
// ends. On first creation the memory-management defaults and the relationship
// embedding are initialized; on a repeat call scalar fields are updated, the
// embedding regenerated only if its inputs changed, request notes appended,
// and the stored edge returned.
func (m *Manager) CreateEdge(ctx context.Context, req CreateEdgeRequest) (*EdgeResult, error) {
	if req.FromKey == "" || req.ToKey == "" {
		return nil, &ValidationError{Field: "from_key/to_key", Reason: "both required"}
	}
	if req.FromKey == req.ToKey {
		return nil, &ValidationError{Field: "to_key", Reason: "self-edges are not allowed"}
	}
	if strings.TrimSpace(req.RelationshipType) == "" {
		return nil, &ValidationError{Field: "relationship_type", Reason: "required"}
	}
	switch req.Direction {
	case DirectionOutgoing, DirectionIncoming:
	case "":
		req.Direction = DirectionOutgoing
	default:
		return nil, &ValidationError{Field: "direction", Reason: "must be outgoing or incoming"}
	}

	src, err := m.getNode(ctx, req.FromKey)
	if err != nil {
		return nil, err
	}
	dst, err := m.getNode(ctx, req.ToKey)
	if err != nil {
		return nil, err
	}
	if src.UserID != dst.UserID {
		return nil, &ValidationError{Field: "to_key", Reason: "cross-user edges are not allowed"}
	}

	// Normalize the caller's semantic direction to an ordered pair.
	if req.Direction == DirectionIncoming {
		src, dst = dst, src
	}

	ct, swap, err := CanonicalType(src.Kind, dst.Kind)
	if err != nil {
		return nil, err
	}
	if swap {
		src, dst = dst, src
	}

	// Validates attitude/proximity ranges as a side effect.
	if _, err := WordsFor(ct, req.Attitude, req.Proximity); err != nil {
		return nil, err
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}

	now := m.now()
	edge := &Edge{
		FromKey:          src.EntityKey,
		ToKey:            dst.EntityKey,
		UserID:           src.UserID,
		CanonicalType:    ct,
		RelationshipType: req.RelationshipType,
		Attitude:         req.Attitude,
		Proximity:        req.Proximity,
		Reasoning:        req.Reasoning,
		Description:      req.Description,
		Confidence:       req.Confidence,
		Salience:         0.5,
		State:            StateCandidate,
		TTLPolicy:        TTLDecay,
		DecayGradient:    1.0,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastUpdateSource: req.LastUpdateSource,
	}
	for _, in := range req.Notes {
		note, err := NewNote(in.Content, in.AddedBy, in.SourceEntityKey, in.Lifetime, now)
		if err != nil {
			return nil, err
		}
		edge.Notes = append(edge.Notes, note)
	}

	// Skip the embed call when a matching edge exists with identical
	// embedding inputs.
	existing, reversed, gerr := m.store.GetEdge(ctx, edge.FromKey, edge.ToKey, ct)
	needEmbed := true
	if gerr == nil {
		// Same-kind pairs have no canonical orientation, so a repeat call
		// from the other end finds the edge reversed. Merge onto the stored
		// orientation; otherwise the store would mint a mirror edge.
		if reversed {
			edge.FromKey, edge.ToKey = existing.FromKey, existing.ToKey
		}
		oldText, _ := existing.EmbeddingText()
		newText, _ := edge.EmbeddingText()
		if oldText == newText {
			edge.RelationshipEmbedding = existing.RelationshipEmbedding
			needEmbed = false
		}
	} else if !errors.Is(gerr, ErrNotFound) {
		return nil, &StoreError{Op: "get edge", Err: gerr}
	}
	if needEmbed && m.embedder != nil {
		text, _ := edge.EmbeddingText()
		if vec, err := m.embedder.Embed(ctx, text); err == nil {
			edge.RelationshipEmbedding = vec
		} else {
			edge.IsDirty = true // nightly pass regenerates
		}
	}

	created, err := m.store.MergeEdge(ctx, edge)
	if err != nil {
		return nil, &StoreError{Op: "merge edge", Err: err}
	}
	result := &EdgeResult{Edge: edge, Swapped: swap || reversed, Created: created}
	if !created {
		// The store kept its notes and memory fields on the merge, so the
		// struct built above no longer reflects the row. Return the stored
		// edge, routing any request notes through the additive path so they
		// are not dropped.
		if len(req.Notes) > 0 {
			stored, err := m.UpdateEdge(ctx, edge.FromKey, edge.ToKey, ct, req.Notes)
			if err != nil {
				return nil, err
			}
			result.Edge = stored
		} else {
			stored, _, err := m.store.GetEdge(ctx, edge.FromKey, edge.ToKey, ct)
			if err != nil {
				return nil, &StoreError{Op: "get edge", Err: err}
			}
			result.Edge = stored
		}
	}
	return result, nil
}

// UpdateEdge is the strictly additive agent-facing update path: it appends
// notes and regenerates the notes embedding, nothing else. Attitude and
// proximity are immutable here so merge agents cannot silently overwrite
// sentiment or depth scores set at creation. The edge is located in either
// direction.
func (m *Manager) UpdateEdge(ctx context.Context, fromKey, toKey string, ct CanonType, notes []NoteInput) (*Edge, error) {
	if len(notes) == 0 {
		return nil, &ValidationError{Field: "notes", Reason: "at least one note required"}
	}
	edge, _, err := m.store.GetEdge(ctx, fromKey, toKey, ct)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "edge", Key: fromKey + "->" + toKey}
		}
		return nil, &StoreError{Op: "get edge", Err: err}
	}

	now := m.now()
	for _, in := range notes {
		note, err := NewNote(in.Content, in.AddedBy, in.SourceEntityKey, in.Lifetime, now)
		if err != nil {
			return nil, err
		}
		edge.Notes = append(edge.Notes, note)
	}
	edge.IsDirty = true
	edge.UpdatedAt = now

	if m.embedder != nil {
		if text := NotesText(edge.Notes); text != "" {
			if vec, err := m.embedder.Embed(ctx, text); err == nil {
				edge.NotesEmbedding = vec
			}
		}
	}

	if err := m.store.UpdateEdge(ctx, edge); err != nil {
		return nil, &StoreError{Op: "update edge", Err: err}
	}
	return edge, nil
}
