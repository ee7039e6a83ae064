// Package neo4j implements the GraphStore against a Neo4j server. Nodes are
// (:Memory) with the entity_key unique-constrained; relationships use the six
// canonical types as Cypher relationship types, stored in canonical direction
// only. Idempotent writes lean on Cypher MERGE.
package neo4j

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/calder/mnemo/internal/logging"
	"github.com/calder/mnemo/internal/memory"
)

var canonicalTypes = []memory.CanonType{
	memory.RelKnows, memory.RelEngagesWith, memory.RelConnectedTo,
	memory.RelRelatedTo, memory.RelAssociatedWith, memory.RelLinkedTo,
}

// Store wraps a Neo4j driver.
type Store struct {
	driver neo4j.DriverWithContext
}

// Open connects to Neo4j and ensures the uniqueness constraint exists.
func Open(ctx context.Context, uri, user, password string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	s := &Store{driver: driver}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	constraints := []string{
		`CREATE CONSTRAINT memory_entity_key IF NOT EXISTS
		 FOR (m:Memory) REQUIRE m.entity_key IS UNIQUE`,
		// owner_for carries the user_id only on owner nodes, so its
		// uniqueness gives at most one owner per user.
		`CREATE CONSTRAINT memory_owner_for IF NOT EXISTS
		 FOR (m:Memory) REQUIRE m.owner_for IS UNIQUE`,
	}
	for _, c := range constraints {
		if _, err := session.Run(ctx, c, nil); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("neo4j constraint: %w", err)
		}
	}
	logging.Info("store", "neo4j connected: %s", uri)
	return s, nil
}

// Close releases the driver.
func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

// --- Node property conversion ---

func nodeProps(r *memory.Record) (map[string]any, error) {
	notes, err := memory.EncodeNotes(r.Notes)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"entity_key":           r.EntityKey,
		"user_id":              r.UserID,
		"kind":                 string(r.Kind),
		"name":                 r.Name,
		"canonical_name":       r.CanonicalName,
		"description":          r.Description,
		"notes":                notes,
		"confidence":           r.Confidence,
		"salience":             r.Salience,
		"state":                string(r.State),
		"ttl_policy":           string(r.TTLPolicy),
		"access_count":         r.AccessCount,
		"recall_frequency":     r.RecallFrequency,
		"last_recall_interval": r.LastRecallInterval,
		"prev_recall_interval": r.PrevRecallInterval,
		"decay_gradient":       r.DecayGradient,
		"is_dirty":             r.IsDirty,
		"is_owner":             r.IsOwner,
		"has_meso":             r.HasMeso,
		"has_macro":            r.HasMacro,
		"source_count":         r.SourceCount,
		"distinct_source_days": r.DistinctSourceDays,
		"storyline_count":      r.StorylineCount,
		"anchor_key":           r.AnchorKey,
		"created_at":           r.CreatedAt,
		"updated_at":           r.UpdatedAt,
		"last_update_source":   r.LastUpdateSource,
	}
	if r.IsOwner {
		props["owner_for"] = r.UserID
	}
	if len(r.Embedding) > 0 {
		props["embedding"] = floatList(r.Embedding)
	}
	setOptTime(props, "last_accessed_at", r.LastAccessedAt)
	setOptTime(props, "last_decay_at", r.LastDecayAt)
	setOptTime(props, "span_start", r.SpanStart)
	setOptTime(props, "span_end", r.SpanEnd)
	return props, nil
}

func nodeFromProps(p map[string]any) (*memory.Record, error) {
	r := &memory.Record{
		EntityKey:          str(p, "entity_key"),
		UserID:             str(p, "user_id"),
		Kind:               memory.Kind(str(p, "kind")),
		Name:               str(p, "name"),
		CanonicalName:      str(p, "canonical_name"),
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
		IsOwner:            boolean(p, "is_owner"),
		HasMeso:            boolean(p, "has_meso"),
		HasMacro:           boolean(p, "has_macro"),
		SourceCount:        int(num(p, "source_count")),
		DistinctSourceDays: int(num(p, "distinct_source_days")),
		StorylineCount:     int(num(p, "storyline_count")),
		AnchorKey:          str(p, "anchor_key"),
		CreatedAt:          ts(p, "created_at"),
		UpdatedAt:          ts(p, "updated_at"),
		LastUpdateSource:   str(p, "last_update_source"),
	}
	var err error
	if r.Notes, err = memory.DecodeNotes(str(p, "notes")); err != nil {
		return nil, fmt.Errorf("node %s: %w", r.EntityKey, err)
	}
	r.Embedding = floats(p, "embedding")
	r.LastAccessedAt = optTS(p, "last_accessed_at")
	r.LastDecayAt = optTS(p, "last_decay_at")
	r.SpanStart = optTS(p, "span_start")
	r.SpanEnd = optTS(p, "span_end")
	return r, nil
}

// --- GraphStore: nodes ---

// CreateNode inserts a node; the uniqueness constraint turns duplicates into
// ErrDuplicateKey.
func (s *Store) CreateNode(ctx context.Context, r *memory.Record) error {
	props, err := nodeProps(r)
	if err != nil {
		return err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `CREATE (m:Memory) SET m = $props`, map[string]any{"props": props})
	if err == nil {
		// Constraint violations surface when the result is consumed, not
		// when the statement is sent.
		_, err = result.Consume(ctx)
	}
	if err != nil {
		if isConstraintViolation(err) {
			return memory.ErrDuplicateKey
		}
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	return strings.Contains(err.Error(), "already exists") ||
		strings.Contains(err.Error(), "ConstraintValidationFailed")
}

// GetNode retrieves one node by key.
func (s *Store) GetNode(ctx context.Context, key string) (*memory.Record, error) {
	nodes, err := s.queryNodes(ctx,
		`MATCH (m:Memory {entity_key: $key}) RETURN properties(m) AS props`,
		map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, memory.ErrNotFound
	}
	return nodes[0], nil
}

// UpdateNode replaces the node's properties in one write.
func (s *Store) UpdateNode(ctx context.Context, r *memory.Record) error {
	props, err := nodeProps(r)
	if err != nil {
		return err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {entity_key: $key}) SET m = $props RETURN m.entity_key`,
		map[string]any{"key": r.EntityKey, "props": props})
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			if isConstraintViolation(err) {
				return memory.ErrDuplicateKey
			}
			return fmt.Errorf("update node: %w", err)
		}
		return memory.ErrNotFound
	}
	return nil
}

// NodesByKind returns a user's nodes of the given kinds, highest salience first.
func (s *Store) NodesByKind(ctx context.Context, userID string, kinds ...memory.Kind) ([]*memory.Record, error) {
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	return s.queryNodes(ctx,
		`MATCH (m:Memory) WHERE m.user_id = $user AND m.kind IN $kinds
		 RETURN properties(m) AS props ORDER BY m.salience DESC`,
		map[string]any{"user": userID, "kinds": ks})
}

// AllNodes returns every node.
func (s *Store) AllNodes(ctx context.Context) ([]*memory.Record, error) {
	return s.queryNodes(ctx,
		`MATCH (m:Memory) RETURN properties(m) AS props ORDER BY m.created_at`, nil)
}

// DirtyNodes returns nodes flagged for resynthesis.
func (s *Store) DirtyNodes(ctx context.Context) ([]*memory.Record, error) {
	return s.queryNodes(ctx,
		`MATCH (m:Memory) WHERE m.is_dirty RETURN properties(m) AS props ORDER BY m.updated_at`, nil)
}

// Owner returns the user's owner Person node.
func (s *Store) Owner(ctx context.Context, userID string) (*memory.Record, error) {
	nodes, err := s.queryNodes(ctx,
		`MATCH (m:Memory {user_id: $user, kind: 'person', is_owner: true})
		 RETURN properties(m) AS props LIMIT 1`,
		map[string]any{"user": userID})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, memory.ErrNotFound
	}
	return nodes[0], nil
}

// ClearOwnerFlags unsets stray is_owner flags for the user.
func (s *Store) ClearOwnerFlags(ctx context.Context, userID, exceptKey string) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {user_id: $user, kind: 'person', is_owner: true})
		 WHERE m.entity_key <> $except
		 SET m.is_owner = false
		 REMOVE m.owner_for
		 RETURN count(m) AS cleared`,
		map[string]any{"user": userID, "except": exceptKey})
	if err != nil {
		return 0, fmt.Errorf("clear owner flags: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear owner flags: %w", err)
	}
	cleared, _ := record.Get("cleared")
	n, _ := cleared.(int64)
	return int(n), nil
}

func (s *Store) queryNodes(ctx context.Context, query string, params map[string]any) ([]*memory.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	var out []*memory.Record
	for result.Next(ctx) {
		props, _ := result.Record().Get("props")
		m, ok := props.(map[string]any)
		if !ok {
			continue
		}
		r, err := nodeFromProps(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, result.Err()
}

// FindSimilarNodes ranks the user's non-archived embedded nodes by cosine
// similarity. Scored client-side; a GDS-backed server-side version is a
// drop-in swap of this method.
func (s *Store) FindSimilarNodes(ctx context.Context, userID string, vec []float32, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	nodes, err := s.queryNodes(ctx,
		`MATCH (m:Memory) WHERE m.user_id = $user AND m.state <> 'archived' AND m.embedding IS NOT NULL
		 RETURN properties(m) AS props`,
		map[string]any{"user": userID})
	if err != nil {
		return nil, err
	}
	type scored struct {
		rec   *memory.Record
		score float64
	}
	var candidates []scored
	for _, n := range nodes {
		if len(n.Embedding) != len(vec) {
			continue
		}
		candidates = append(candidates, scored{n, cosine(vec, n.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*memory.Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

// Stats returns record counts per kind plus edge and mention totals.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	stats := make(map[string]int)
	result, err := session.Run(ctx,
		`MATCH (m:Memory) RETURN m.kind AS kind, count(m) AS n`, nil)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		kind, _ := rec.Get("kind")
		n, _ := rec.Get("n")
		if k, ok := kind.(string); ok {
			if c, ok := n.(int64); ok {
				stats[k] = int(c)
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	result, err = session.Run(ctx, `MATCH ()-[r]->() WHERE type(r) IN $types RETURN count(r) AS n`,
		map[string]any{"types": typeNames()})
	if err != nil {
		return nil, fmt.Errorf("stats edges: %w", err)
	}
	if result.Next(ctx) {
		n, _ := result.Record().Get("n")
		if c, ok := n.(int64); ok {
			stats["edges"] = int(c)
		}
	}
	return stats, nil
}

// --- helpers ---

func typeNames() []string {
	out := make([]string, len(canonicalTypes))
	for i, t := range canonicalTypes {
		out[i] = string(t)
	}
	return out
}

func floatList(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func str(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func num(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func boolean(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func ts(p map[string]any, key string) time.Time {
	if v, ok := p[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func optTS(p map[string]any, key string) *time.Time {
	if v, ok := p[key].(time.Time); ok {
		return &v
	}
	return nil
}

func setOptTime(props map[string]any, key string, t *time.Time) {
	if t != nil {
		props[key] = *t
	}
}

func floats(p map[string]any, key string) []float32 {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}
