package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Note is one entry in a record's append-only journal. Notes live as a
// serialized JSON array property on the owning node or relationship, not as
// graph nodes of their own.
type Note struct {
	Content         string     `json:"content"`
	AddedBy         string     `json:"added_by"`
	DateAdded       time.Time  `json:"date_added"`
	SourceEntityKey string     `json:"source_entity_key,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"` // nil means forever
}

// Lifetime selects how long a note survives before purge.
type Lifetime string

const (
	LifetimeWeek    Lifetime = "week"
	LifetimeMonth   Lifetime = "month"
	LifetimeYear    Lifetime = "year"
	LifetimeForever Lifetime = "forever"
)

// ExpiresAt maps a lifetime onto a concrete deadline from now.
// week -> +7d, month -> +30d, year -> +365d, forever -> nil.
func (l Lifetime) ExpiresAt(now time.Time) (*time.Time, error) {
	var d time.Duration
	switch l {
	case LifetimeWeek:
		d = 7 * 24 * time.Hour
	case LifetimeMonth:
		d = 30 * 24 * time.Hour
	case LifetimeYear:
		d = 365 * 24 * time.Hour
	case LifetimeForever:
		return nil, nil
	default:
		return nil, &ValidationError{Field: "lifetime", Reason: fmt.Sprintf("unknown lifetime %q", l)}
	}
	t := now.Add(d)
	return &t, nil
}

// NewNote builds a note from caller input. Content and addedBy are required.
func NewNote(content, addedBy, sourceEntityKey string, lifetime Lifetime, now time.Time) (Note, error) {
	if strings.TrimSpace(content) == "" {
		return Note{}, &ValidationError{Field: "content", Reason: "required"}
	}
	if addedBy == "" {
		return Note{}, &ValidationError{Field: "added_by", Reason: "required"}
	}
	expires, err := lifetime.ExpiresAt(now)
	if err != nil {
		return Note{}, err
	}
	return Note{
		Content:         content,
		AddedBy:         addedBy,
		DateAdded:       now,
		SourceEntityKey: sourceEntityKey,
		ExpiresAt:       expires,
	}, nil
}

// NoteFilter narrows a List call. Zero values match everything.
type NoteFilter struct {
	AddedBy         string
	Since           time.Time
	SourceEntityKey string
}

// FilterNotes returns the notes matching f, preserving append order.
func FilterNotes(notes []Note, f NoteFilter) []Note {
	var out []Note
	for _, n := range notes {
		if f.AddedBy != "" && n.AddedBy != f.AddedBy {
			continue
		}
		if !f.Since.IsZero() && n.DateAdded.Before(f.Since) {
			continue
		}
		if f.SourceEntityKey != "" && n.SourceEntityKey != f.SourceEntityKey {
			continue
		}
		out = append(out, n)
	}
	return out
}

// PurgeExpired removes notes whose deadline has passed. Notes with a nil
// ExpiresAt are permanent. Returns the surviving notes and the removal count.
func PurgeExpired(notes []Note, now time.Time) ([]Note, int) {
	if len(notes) == 0 {
		return notes, 0
	}
	kept := notes[:0:0]
	removed := 0
	for _, n := range notes {
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	return kept, removed
}

// EncodeNotes serializes the journal for storage as a single property.
// An empty journal encodes as "[]" so round-trips are lossless.
func EncodeNotes(notes []Note) (string, error) {
	if notes == nil {
		notes = []Note{}
	}
	b, err := json.Marshal(notes)
	if err != nil {
		return "", fmt.Errorf("encode notes: %w", err)
	}
	return string(b), nil
}

// DecodeNotes parses a stored journal. Empty input decodes to nil.
func DecodeNotes(s string) ([]Note, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var notes []Note
	if err := json.Unmarshal([]byte(s), &notes); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	return notes, nil
}

// NotesText flattens a journal into one string in date order, used when
// building embeddings and synthesis prompts.
func NotesText(notes []Note) string {
	if len(notes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, n.Content)
	}
	return strings.Join(parts, "\n")
}
