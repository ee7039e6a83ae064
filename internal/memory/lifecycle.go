package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/logging"
)

// Manager orchestrates creation, update, access tracking, and note handling
// for semantic nodes and relationships. It owns the invariants: key
// derivation per kind, owner uniqueness, canonical edge direction, and the
// memory-management defaults on every new record.
type Manager struct {
	store    GraphStore
	embedder Embedder
	tun      Tunables

	now func() time.Time
}

// NewManager wires a manager. embedder may be nil; embedding fields are then
// left unset and regenerated by the nightly consolidation once one is
// configured.
func NewManager(store GraphStore, embedder Embedder, tun Tunables) *Manager {
	return &Manager{
		store:    store,
		embedder: embedder,
		tun:      tun,
		now:      time.Now,
	}
}

// SetClock overrides the manager's time source (tests only).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// NoteInput is caller input for one journal entry.
type NoteInput struct {
	Content         string   `json:"content"`
	AddedBy         string   `json:"added_by"`
	Lifetime        Lifetime `json:"lifetime"`
	SourceEntityKey string   `json:"source_entity_key,omitempty"`
}

// CreateNodeRequest carries the fields for a new semantic or episodic node.
type CreateNodeRequest struct {
	Kind             Kind        `json:"kind"`
	UserID           string      `json:"user_id"`
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	Confidence       float64     `json:"confidence"`
	TTLPolicy        TTLPolicy   `json:"ttl_policy,omitempty"`
	Notes            []NoteInput `json:"notes,omitempty"`
	LastUpdateSource string      `json:"last_update_source,omitempty"`
	SourceRef        string      `json:"source_ref,omitempty"`
}

// CreateNode validates, derives the entity key for the kind, initializes the
// memory-management defaults, and persists the node. A duplicate derived key
// surfaces as ConflictError: the caller should have routed to UpdateNode.
// When SourceRef is set, a mentions edge from that Source is recorded.
func (m *Manager) CreateNode(ctx context.Context, req CreateNodeRequest) (*Record, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if req.Kind == "" {
		return nil, &ValidationError{Field: "kind", Reason: "required"}
	}
	source := req.LastUpdateSource
	if source == "" {
		source = req.SourceRef
	}
	if source == "" {
		return nil, &ValidationError{Field: "last_update_source", Reason: "required (set it or pass a source_ref)"}
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}

	now := m.now()
	rec := NewRecord(req.Kind, req.UserID, req.Name, now)
	rec.EntityKey = KeyFor(req.Kind, req.UserID, req.Name)
	rec.CanonicalName = CanonicalName(req.Name)
	rec.Description = req.Description
	rec.Confidence = req.Confidence
	rec.LastUpdateSource = source
	if req.TTLPolicy != "" {
		rec.TTLPolicy = req.TTLPolicy
	}

	for _, in := range req.Notes {
		note, err := NewNote(in.Content, in.AddedBy, in.SourceEntityKey, in.Lifetime, now)
		if err != nil {
			return nil, err
		}
		rec.Notes = append(rec.Notes, note)
	}

	if err := m.embedNode(ctx, rec); err != nil {
		logging.Debug("lifecycle", "embedding skipped for %s: %v", rec.EntityKey, err)
		rec.IsDirty = true // nightly pass will regenerate
	}

	if err := m.store.CreateNode(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, &ConflictError{Key: rec.EntityKey, Reason: "node already exists"}
		}
		return nil, &StoreError{Op: "create node", Err: err}
	}

	if req.SourceRef != "" {
		if err := m.RecordMention(ctx, req.SourceRef, rec.EntityKey); err != nil {
			logging.Info("lifecycle", "mention %s -> %s failed: %v", req.SourceRef, rec.EntityKey, err)
		}
	}
	return rec, nil
}

// UpdateNodeRequest is a coalesce-style partial update: nil fields preserve
// the prior value. Identity fields (user_id, kind, entity_key, canonical
// name) are immutable.
type UpdateNodeRequest struct {
	Name             *string    `json:"name,omitempty"`
	Description      *string    `json:"description,omitempty"`
	Confidence       *float64   `json:"confidence,omitempty"`
	TTLPolicy        *TTLPolicy `json:"ttl_policy,omitempty"`
	Notes            []NoteInput `json:"notes,omitempty"`
	LastUpdateSource string     `json:"last_update_source,omitempty"`
	SourceRef        string     `json:"source_ref,omitempty"`
}

// UpdateNode applies a partial update. Renaming a concept/entity would change
// its derived identity, so only Person nodes may change name.
func (m *Manager) UpdateNode(ctx context.Context, entityKey string, req UpdateNodeRequest) (*Record, error) {
	rec, err := m.getNode(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	now := m.now()

	if req.Name != nil && *req.Name != rec.Name {
		if rec.Kind != KindPerson {
			return nil, &ValidationError{Field: "name", Reason: "renaming would change derived identity; create a new node instead"}
		}
		rec.Name = *req.Name
		rec.CanonicalName = CanonicalName(*req.Name)
	}
	dirty := false
	if req.Description != nil && *req.Description != rec.Description {
		rec.Description = *req.Description
		dirty = true
	}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			return nil, &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
		}
		rec.Confidence = *req.Confidence
	}
	if req.TTLPolicy != nil {
		rec.TTLPolicy = *req.TTLPolicy
	}
	for _, in := range req.Notes {
		note, err := NewNote(in.Content, in.AddedBy, in.SourceEntityKey, in.Lifetime, now)
		if err != nil {
			return nil, err
		}
		rec.Notes = append(rec.Notes, note)
		dirty = true
	}
	if dirty {
		rec.IsDirty = true
	}
	if req.LastUpdateSource != "" {
		rec.LastUpdateSource = req.LastUpdateSource
	} else if req.SourceRef != "" {
		rec.LastUpdateSource = req.SourceRef
	}
	rec.UpdatedAt = now

	if err := m.store.UpdateNode(ctx, rec); err != nil {
		return nil, &StoreError{Op: "update node", Err: err}
	}
	if req.SourceRef != "" {
		if err := m.RecordMention(ctx, req.SourceRef, rec.EntityKey); err != nil {
			logging.Info("lifecycle", "mention %s -> %s failed: %v", req.SourceRef, rec.EntityKey, err)
		}
	}
	return rec, nil
}

// AddNote appends one journal entry to a node and marks it dirty for the
// nightly resynthesis. Appends are strictly additive.
func (m *Manager) AddNote(ctx context.Context, entityKey string, in NoteInput) (Note, error) {
	rec, err := m.getNode(ctx, entityKey)
	if err != nil {
		return Note{}, err
	}
	now := m.now()
	note, err := NewNote(in.Content, in.AddedBy, in.SourceEntityKey, in.Lifetime, now)
	if err != nil {
		return Note{}, err
	}
	rec.Notes = append(rec.Notes, note)
	rec.IsDirty = true
	rec.UpdatedAt = now
	if err := m.store.UpdateNode(ctx, rec); err != nil {
		return Note{}, &StoreError{Op: "append note", Err: err}
	}
	return note, nil
}

// ListNotes returns a node's journal, optionally filtered, in append order.
func (m *Manager) ListNotes(ctx context.Context, entityKey string, f NoteFilter) ([]Note, error) {
	rec, err := m.getNode(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	return FilterNotes(rec.Notes, f), nil
}

// IncrementAccess applies one retrieval event to a node.
func (m *Manager) IncrementAccess(ctx context.Context, entityKey string) (*Record, error) {
	rec, err := m.getNode(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec.ApplyFields(m.tun.OnAccess(rec.Fields(), now))
	rec.UpdatedAt = now
	if err := m.store.UpdateNode(ctx, rec); err != nil {
		return nil, &StoreError{Op: "increment access", Err: err}
	}
	return rec, nil
}

// BatchIncrementAccess applies one retrieval event to many nodes. Unknown
// keys are skipped; the first store failure aborts.
func (m *Manager) BatchIncrementAccess(ctx context.Context, entityKeys []string) (int, error) {
	updated := 0
	for _, key := range entityKeys {
		_, err := m.IncrementAccess(ctx, key)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				logging.Debug("lifecycle", "batch access: skipping unknown key %s", key)
				continue
			}
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// FindOrCreateOwner returns the user's owner Person node, creating it if
// absent. Before creating, stray is_owner flags are cleared (self-healing).
// A creation race resolves by re-querying and using the winner.
func (m *Manager) FindOrCreateOwner(ctx context.Context, userID, name string) (*Record, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}

	owner, err := m.store.Owner(ctx, userID)
	if err == nil {
		if owner.Name != name {
			owner.Name = name
			owner.CanonicalName = CanonicalName(name)
			owner.UpdatedAt = m.now()
			if err := m.store.UpdateNode(ctx, owner); err != nil {
				return nil, &StoreError{Op: "update owner", Err: err}
			}
		}
		return owner, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, &StoreError{Op: "find owner", Err: err}
	}

	if cleared, err := m.store.ClearOwnerFlags(ctx, userID, ""); err == nil && cleared > 0 {
		logging.Info("lifecycle", "cleared %d stray owner flags for user %s", cleared, userID)
	}

	now := m.now()
	rec := NewRecord(KindPerson, userID, name, now)
	rec.EntityKey = PersonKey()
	rec.CanonicalName = CanonicalName(name)
	rec.IsOwner = true
	rec.TTLPolicy = TTLKeepForever
	rec.Salience = 1.0
	rec.LastUpdateSource = "owner-bootstrap"

	if err := m.store.CreateNode(ctx, rec); err != nil {
		// Another process may have just created the owner; use theirs.
		if existing, qerr := m.store.Owner(ctx, userID); qerr == nil {
			return existing, nil
		}
		return nil, &ConflictError{Key: rec.EntityKey, Reason: fmt.Sprintf("owner creation failed and recovery found none: %v", err)}
	}
	return rec, nil
}

// RecordMention links a Source node to a semantic node, bumping the anchor's
// incremental promotion counters. Idempotent.
func (m *Manager) RecordMention(ctx context.Context, sourceKey, targetKey string) error {
	if err := m.store.AddMention(ctx, sourceKey, targetKey, m.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Kind: "source", Key: sourceKey}
		}
		return &StoreError{Op: "add mention", Err: err}
	}
	return nil
}

// Recall embeds a query, finds the most similar non-archived nodes for the
// user, and records an access on each hit. Retrieval is what drives the
// access counters.
func (m *Manager) Recall(ctx context.Context, userID, query string, limit int) ([]*Record, error) {
	if m.embedder == nil {
		return nil, &ValidationError{Field: "embedder", Reason: "no embedder configured"}
	}
	if limit <= 0 {
		limit = 10
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "embed query", Err: err}
	}
	hits, err := m.store.FindSimilarNodes(ctx, userID, vec, limit)
	if err != nil {
		return nil, &StoreError{Op: "similarity search", Err: err}
	}
	keys := make([]string, 0, len(hits))
	for _, h := range hits {
		keys = append(keys, h.EntityKey)
	}
	if _, err := m.BatchIncrementAccess(ctx, keys); err != nil {
		logging.Info("lifecycle", "recall access tracking failed: %v", err)
	}
	return hits, nil
}

func (m *Manager) getNode(ctx context.Context, key string) (*Record, error) {
	rec, err := m.store.GetNode(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "node", Key: key}
		}
		return nil, &StoreError{Op: "get node", Err: err}
	}
	return rec, nil
}

func (m *Manager) embedNode(ctx context.Context, rec *Record) error {
	if m.embedder == nil {
		return nil
	}
	text := strings.TrimSpace(rec.Description + "\n" + NotesText(rec.Notes))
	if text == "" {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	rec.Embedding = vec
	return nil
}
