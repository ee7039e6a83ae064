package memory

import (
	"time"
)

// Kind identifies what a graph node represents.
type Kind string

const (
	// Semantic kinds (long-lived, user-scoped knowledge)
	KindPerson  Kind = "person"
	KindConcept Kind = "concept"
	KindEntity  Kind = "entity"

	// Episodic kinds (raw captures, ephemeral by default)
	KindSource   Kind = "source"
	KindArtifact Kind = "artifact"

	// Hierarchical kinds (built by the weekly aggregator)
	KindStoryline Kind = "storyline"
	KindMacro     Kind = "macro"
)

// Semantic reports whether k is one of the three semantic kinds.
func (k Kind) Semantic() bool {
	return k == KindPerson || k == KindConcept || k == KindEntity
}

// Episodic reports whether k is a raw capture kind.
func (k Kind) Episodic() bool {
	return k == KindSource || k == KindArtifact
}

// State is the lifecycle stage of a record. Transitions are monotonic:
// candidate -> active -> core. Archived is reachable from any stage via decay
// or governance, and archived records are never destroyed.
type State string

const (
	StateCandidate State = "candidate"
	StateActive    State = "active"
	StateCore      State = "core"
	StateArchived  State = "archived"
)

// TTLPolicy is the governance override applied after decay.
// Precedence: keep_forever > ephemeral > decay.
type TTLPolicy string

const (
	TTLKeepForever TTLPolicy = "keep_forever"
	TTLDecay       TTLPolicy = "decay"
	TTLEphemeral   TTLPolicy = "ephemeral"
)

// Record is the memory-management base shared by every node kind. Kind-specific
// fields (IsOwner, the hierarchy counters) are zero-valued where they do not
// apply.
type Record struct {
	EntityKey     string `json:"entity_key"`
	UserID        string `json:"user_id"`
	Kind          Kind   `json:"kind"`
	Name          string `json:"name"`
	CanonicalName string `json:"canonical_name,omitempty"`
	Description   string `json:"description,omitempty"`

	Notes     []Note    `json:"notes,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`

	Confidence float64   `json:"confidence"`
	Salience   float64   `json:"salience"`
	State      State     `json:"state"`
	TTLPolicy  TTLPolicy `json:"ttl_policy"`

	AccessCount        int        `json:"access_count"`
	RecallFrequency    float64    `json:"recall_frequency"`
	LastRecallInterval float64    `json:"last_recall_interval"` // days between the two most recent accesses
	PrevRecallInterval float64    `json:"prev_recall_interval"` // baseline for the nightly spacing update
	DecayGradient      float64    `json:"decay_gradient"`
	LastAccessedAt     *time.Time `json:"last_accessed_at,omitempty"`
	LastDecayAt        *time.Time `json:"last_decay_at,omitempty"`

	IsDirty bool `json:"is_dirty"`
	IsOwner bool `json:"is_owner,omitempty"` // exactly one per user, on the owner Person node

	// Hierarchy counters, maintained incrementally at mention time so the
	// weekly promotion check is O(1) per anchor.
	HasMeso            bool `json:"has_meso,omitempty"`
	HasMacro           bool `json:"has_macro,omitempty"`
	SourceCount        int  `json:"source_count,omitempty"`
	DistinctSourceDays int  `json:"distinct_source_days,omitempty"`
	StorylineCount     int  `json:"storyline_count,omitempty"`

	// Time span covered by a storyline/macro's grouped children.
	SpanStart *time.Time `json:"span_start,omitempty"`
	SpanEnd   *time.Time `json:"span_end,omitempty"`

	// Semantic node a storyline/macro is anchored to.
	AnchorKey string `json:"anchor_key,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastUpdateSource string    `json:"last_update_source,omitempty"`
}

// Edge is a typed relationship between two nodes. It carries the same
// memory-management fields as Record plus the relationship-specific ones.
// FromKey/ToKey are always stored in canonical direction.
type Edge struct {
	FromKey       string    `json:"from_key"`
	ToKey         string    `json:"to_key"`
	UserID        string    `json:"user_id"`
	CanonicalType CanonType `json:"canonical_type"`

	// Free-text descriptor, distinct from the canonical storage type.
	RelationshipType string `json:"relationship_type"`
	Attitude         int    `json:"attitude"`  // 1..5
	Proximity        int    `json:"proximity"` // 1..5
	Reasoning        string `json:"reasoning,omitempty"`
	Description      string `json:"description,omitempty"`

	Notes      []Note    `json:"notes,omitempty"`
	Confidence float64   `json:"confidence"`
	Salience   float64   `json:"salience"`
	State      State     `json:"state"`
	TTLPolicy  TTLPolicy `json:"ttl_policy"`

	AccessCount        int        `json:"access_count"`
	RecallFrequency    float64    `json:"recall_frequency"`
	LastRecallInterval float64    `json:"last_recall_interval"`
	PrevRecallInterval float64    `json:"prev_recall_interval"`
	DecayGradient      float64    `json:"decay_gradient"`
	LastAccessedAt     *time.Time `json:"last_accessed_at,omitempty"`
	LastDecayAt        *time.Time `json:"last_decay_at,omitempty"`

	IsDirty bool `json:"is_dirty"`

	RelationshipEmbedding []float32 `json:"relationship_embedding,omitempty"`
	NotesEmbedding        []float32 `json:"notes_embedding,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastUpdateSource string    `json:"last_update_source,omitempty"`
}

// NewRecord returns a record with the documented creation defaults applied.
func NewRecord(kind Kind, userID, name string, now time.Time) *Record {
	r := &Record{
		UserID:        userID,
		Kind:          kind,
		Name:          name,
		State:         StateCandidate,
		Salience:      0.5,
		DecayGradient: 1.0,
		TTLPolicy:     TTLDecay,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if kind.Episodic() {
		r.TTLPolicy = TTLEphemeral
	}
	return r
}

// MemoryFields is the subset of fields the salience engine operates on,
// shared by Record and Edge so the decay math is written once.
type MemoryFields struct {
	Confidence         float64
	Salience           float64
	State              State
	AccessCount        int
	RecallFrequency    float64
	LastRecallInterval float64
	PrevRecallInterval float64
	DecayGradient      float64
	LastAccessedAt     *time.Time
	LastDecayAt        *time.Time
	CreatedAt          time.Time
}

// Fields extracts the salience-relevant fields from a record.
func (r *Record) Fields() MemoryFields {
	return MemoryFields{
		Confidence:         r.Confidence,
		Salience:           r.Salience,
		State:              r.State,
		AccessCount:        r.AccessCount,
		RecallFrequency:    r.RecallFrequency,
		LastRecallInterval: r.LastRecallInterval,
		PrevRecallInterval: r.PrevRecallInterval,
		DecayGradient:      r.DecayGradient,
		LastAccessedAt:     r.LastAccessedAt,
		LastDecayAt:        r.LastDecayAt,
		CreatedAt:          r.CreatedAt,
	}
}

// ApplyFields writes salience-engine output back onto the record.
func (r *Record) ApplyFields(f MemoryFields) {
	r.Confidence = f.Confidence
	r.Salience = f.Salience
	r.State = f.State
	r.AccessCount = f.AccessCount
	r.RecallFrequency = f.RecallFrequency
	r.LastRecallInterval = f.LastRecallInterval
	r.PrevRecallInterval = f.PrevRecallInterval
	r.DecayGradient = f.DecayGradient
	r.LastAccessedAt = f.LastAccessedAt
	r.LastDecayAt = f.LastDecayAt
}

// Fields extracts the salience-relevant fields from an edge.
func (e *Edge) Fields() MemoryFields {
	return MemoryFields{
		Confidence:         e.Confidence,
		Salience:           e.Salience,
		State:              e.State,
		AccessCount:        e.AccessCount,
		RecallFrequency:    e.RecallFrequency,
		LastRecallInterval: e.LastRecallInterval,
		PrevRecallInterval: e.PrevRecallInterval,
		DecayGradient:      e.DecayGradient,
		LastAccessedAt:     e.LastAccessedAt,
		LastDecayAt:        e.LastDecayAt,
		CreatedAt:          e.CreatedAt,
	}
}

// ApplyFields writes salience-engine output back onto the edge.
func (e *Edge) ApplyFields(f MemoryFields) {
	e.Confidence = f.Confidence
	e.Salience = f.Salience
	e.State = f.State
	e.AccessCount = f.AccessCount
	e.RecallFrequency = f.RecallFrequency
	e.LastRecallInterval = f.LastRecallInterval
	e.PrevRecallInterval = f.PrevRecallInterval
	e.DecayGradient = f.DecayGradient
	e.LastAccessedAt = f.LastAccessedAt
	e.LastDecayAt = f.LastDecayAt
}
