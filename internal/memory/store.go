package memory

import (
	"context"
	"time"
)

// GraphStore is the transactional property-graph substrate the engine runs
// against. Implementations live in internal/store. Every mutation is a
// self-contained atomic write; idempotent merge semantics and deterministic
// key derivation stand in for locking under concurrent callers.
//
// Key-miss lookups return ErrNotFound; CreateNode on an existing key returns
// ErrDuplicateKey.
type GraphStore interface {
	CreateNode(ctx context.Context, r *Record) error
	GetNode(ctx context.Context, key string) (*Record, error)
	UpdateNode(ctx context.Context, r *Record) error
	NodesByKind(ctx context.Context, userID string, kinds ...Kind) ([]*Record, error)
	AllNodes(ctx context.Context) ([]*Record, error)
	DirtyNodes(ctx context.Context) ([]*Record, error)

	// Owner returns the Person node with is_owner set for the user.
	Owner(ctx context.Context, userID string) (*Record, error)
	// ClearOwnerFlags unsets stray is_owner flags on every Person node for
	// the user except the given key ("" means all). Returns flags cleared.
	ClearOwnerFlags(ctx context.Context, userID, exceptKey string) (int, error)

	// MergeEdge creates the edge if absent or updates scalar fields on
	// match, always in canonical direction. Safe under concurrent
	// duplicate calls; reports whether the edge was created.
	MergeEdge(ctx context.Context, e *Edge) (created bool, err error)
	// GetEdge finds an edge in either direction (reversed reports a
	// historical reversal).
	GetEdge(ctx context.Context, fromKey, toKey string, ct CanonType) (e *Edge, reversed bool, err error)
	UpdateEdge(ctx context.Context, e *Edge) error
	AllEdges(ctx context.Context) ([]*Edge, error)
	DirtyEdges(ctx context.Context) ([]*Edge, error)

	// AddMention links a Source to a semantic node and bumps the anchor's
	// promotion counters (source_count, distinct_source_days)
	// incrementally. Idempotent per (source, target) pair.
	AddMention(ctx context.Context, sourceKey, targetKey string, day time.Time) error
	SourcesFor(ctx context.Context, anchorKey string) ([]*Record, error)

	CreateStoryline(ctx context.Context, storyline *Record, sourceKeys []string) error
	CreateMacro(ctx context.Context, macro *Record, storylineKeys []string) error
	StorylinesFor(ctx context.Context, anchorKey string) ([]*Record, error)
	// GroupMembers returns the grouped children of a storyline or macro.
	GroupMembers(ctx context.Context, groupKey string) ([]*Record, error)

	FindSimilarNodes(ctx context.Context, userID string, vec []float32, limit int) ([]*Record, error)
	Stats(ctx context.Context) (map[string]int, error)
	Close() error
}

// Embedder turns text into a vector. Called whenever a description or note
// change feeds an embedding field. Implementations may be nil-safe absent;
// the manager skips embedding work when no embedder is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
