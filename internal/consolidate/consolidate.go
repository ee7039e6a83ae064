// Package consolidate runs the nightly maintenance batch: resynthesizing
// dirty descriptions via the external oracle, refreshing embeddings, purging
// expired notes, and applying the decay pass.
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/logging"
	"github.com/calder/mnemo/internal/memory"
)

// Oracle synthesizes a one-sentence description from a record's current
// description and its notes in date order. Failures are caught and logged
// per record; the batch continues.
type Oracle interface {
	Synthesize(ctx context.Context, kind memory.Kind, current string, notes []string) (string, error)
}

// RunStats summarizes one batch run.
type RunStats struct {
	NodesProcessed int
	NodesUpdated   int
	EdgesProcessed int
	EdgesUpdated   int
	NotesPurged    int
	Decayed        int
	Archived       int
	Errors         int
}

func (st RunStats) String() string {
	return fmt.Sprintf("nodes %d/%d, edges %d/%d, notes purged %d, decayed %d, archived %d, errors %d",
		st.NodesUpdated, st.NodesProcessed, st.EdgesUpdated, st.EdgesProcessed,
		st.NotesPurged, st.Decayed, st.Archived, st.Errors)
}

// Scheduler runs the nightly passes. Each pass is idempotent and safe to
// re-run; each record's update is a single atomic write, so cancellation
// mid-batch leaves processed records valid.
type Scheduler struct {
	store    memory.GraphStore
	oracle   Oracle
	embedder memory.Embedder
	tun      memory.Tunables

	now func() time.Time
}

// NewScheduler wires a scheduler. oracle and embedder may be nil; the
// corresponding resynthesis work is then skipped (dirty flags are left set
// for a later run).
func NewScheduler(store memory.GraphStore, oracle Oracle, embedder memory.Embedder, tun memory.Tunables) *Scheduler {
	return &Scheduler{
		store:    store,
		oracle:   oracle,
		embedder: embedder,
		tun:      tun,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler's time source (tests only).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run executes the four ordered passes. A synthesis failure skips the record;
// a decay-math failure is an integrity bug and aborts with partial progress
// committed (decay is re-runnable, so partial completion is safe).
func (s *Scheduler) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats

	logging.Info("consolidate", "pass 1: node consolidation")
	s.consolidateNodes(ctx, &stats)

	logging.Info("consolidate", "pass 2: relationship consolidation")
	s.consolidateEdges(ctx, &stats)

	logging.Info("consolidate", "pass 3: note cleanup")
	if err := s.purgeNotes(ctx, &stats); err != nil {
		logging.Info("consolidate", "note cleanup failed: %v", err)
		stats.Errors++
	}

	logging.Info("consolidate", "pass 4: decay")
	if err := s.decayAll(ctx, &stats); err != nil {
		return stats, fmt.Errorf("decay pass aborted: %w", err)
	}

	logging.Info("consolidate", "run complete: %s", stats.String())
	return stats, nil
}

func (s *Scheduler) consolidateNodes(ctx context.Context, stats *RunStats) {
	if s.oracle == nil {
		logging.Info("consolidate", "no oracle configured, skipping node consolidation")
		return
	}
	dirty, err := s.store.DirtyNodes(ctx)
	if err != nil {
		logging.Info("consolidate", "failed to list dirty nodes: %v", err)
		stats.Errors++
		return
	}
	for _, rec := range dirty {
		stats.NodesProcessed++
		desc, err := s.oracle.Synthesize(ctx, rec.Kind, rec.Description, noteContents(rec.Notes))
		if err != nil {
			logging.Info("consolidate", "synthesis failed for %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		rec.Description = desc
		if s.embedder != nil {
			text := strings.TrimSpace(desc + "\n" + memory.NotesText(rec.Notes))
			if vec, err := s.embedder.Embed(ctx, text); err == nil {
				rec.Embedding = vec
			} else {
				logging.Debug("consolidate", "embed failed for %s: %v", rec.EntityKey, err)
			}
		}
		rec.IsDirty = false
		rec.UpdatedAt = s.now()
		if err := s.store.UpdateNode(ctx, rec); err != nil {
			logging.Info("consolidate", "write-back failed for %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		stats.NodesUpdated++
	}
}

func (s *Scheduler) consolidateEdges(ctx context.Context, stats *RunStats) {
	if s.oracle == nil {
		return
	}
	dirty, err := s.store.DirtyEdges(ctx)
	if err != nil {
		logging.Info("consolidate", "failed to list dirty edges: %v", err)
		stats.Errors++
		return
	}
	for _, edge := range dirty {
		stats.EdgesProcessed++
		key := edge.FromKey + "->" + edge.ToKey

		// Notes embedding is refreshed on every dirty edge.
		if s.embedder != nil {
			if text := memory.NotesText(edge.Notes); text != "" {
				if vec, err := s.embedder.Embed(ctx, text); err == nil {
					edge.NotesEmbedding = vec
				}
			}
		}

		desc, err := s.oracle.Synthesize(ctx, "relationship", edge.Description, noteContents(edge.Notes))
		if err != nil {
			logging.Info("consolidate", "synthesis failed for edge %s: %v", key, err)
			stats.Errors++
			continue
		}
		changed := desc != edge.Description
		edge.Description = desc
		// Relationship embedding only when the synthesis changed its inputs.
		if changed && s.embedder != nil {
			if text, err := edge.EmbeddingText(); err == nil {
				if vec, err := s.embedder.Embed(ctx, text); err == nil {
					edge.RelationshipEmbedding = vec
				}
			}
		}
		edge.IsDirty = false
		edge.UpdatedAt = s.now()
		if err := s.store.UpdateEdge(ctx, edge); err != nil {
			logging.Info("consolidate", "write-back failed for edge %s: %v", key, err)
			stats.Errors++
			continue
		}
		stats.EdgesUpdated++
	}
}

func (s *Scheduler) purgeNotes(ctx context.Context, stats *RunStats) error {
	now := s.now()

	nodes, err := s.store.AllNodes(ctx)
	if err != nil {
		return err
	}
	for _, rec := range nodes {
		kept, removed := memory.PurgeExpired(rec.Notes, now)
		if removed == 0 {
			continue
		}
		rec.Notes = kept
		rec.IsDirty = true // description no longer reflects the journal
		rec.UpdatedAt = now
		if err := s.store.UpdateNode(ctx, rec); err != nil {
			logging.Info("consolidate", "purge write-back failed for %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		stats.NotesPurged += removed
	}

	edges, err := s.store.AllEdges(ctx)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		kept, removed := memory.PurgeExpired(edge.Notes, now)
		if removed == 0 {
			continue
		}
		edge.Notes = kept
		edge.IsDirty = true
		edge.UpdatedAt = now
		if err := s.store.UpdateEdge(ctx, edge); err != nil {
			logging.Info("consolidate", "purge write-back failed for edge %s->%s: %v", edge.FromKey, edge.ToKey, err)
			stats.Errors++
			continue
		}
		stats.NotesPurged += removed
	}
	return nil
}

func (s *Scheduler) decayAll(ctx context.Context, stats *RunStats) error {
	now := s.now()

	nodes, err := s.store.AllNodes(ctx)
	if err != nil {
		return err
	}
	for _, rec := range nodes {
		if rec.Salience <= 0 {
			continue
		}
		prior := rec.State
		fields := rec.Fields()
		if rec.TTLPolicy != memory.TTLKeepForever {
			fields, err = s.tun.Decay(fields, now)
			if err != nil {
				return fmt.Errorf("node %s: %w", rec.EntityKey, err)
			}
		}
		fields = memory.Resolve(rec.TTLPolicy, rec.Kind, prior, fields, rec.CreatedAt, now)
		rec.ApplyFields(fields)
		rec.UpdatedAt = now
		if err := s.store.UpdateNode(ctx, rec); err != nil {
			return fmt.Errorf("decay write-back for %s: %w", rec.EntityKey, err)
		}
		stats.Decayed++
		if prior != memory.StateArchived && rec.State == memory.StateArchived {
			stats.Archived++
		}
	}

	edges, err := s.store.AllEdges(ctx)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.Salience <= 0 {
			continue
		}
		prior := edge.State
		fields := edge.Fields()
		if edge.TTLPolicy != memory.TTLKeepForever {
			fields, err = s.tun.Decay(fields, now)
			if err != nil {
				return fmt.Errorf("edge %s->%s: %w", edge.FromKey, edge.ToKey, err)
			}
		}
		// Relationships follow the semantic ephemeral schedule.
		fields = memory.Resolve(edge.TTLPolicy, memory.KindConcept, prior, fields, edge.CreatedAt, now)
		edge.ApplyFields(fields)
		edge.UpdatedAt = now
		if err := s.store.UpdateEdge(ctx, edge); err != nil {
			return fmt.Errorf("decay write-back for edge %s->%s: %w", edge.FromKey, edge.ToKey, err)
		}
		stats.Decayed++
		if prior != memory.StateArchived && edge.State == memory.StateArchived {
			stats.Archived++
		}
	}
	return nil
}

func noteContents(notes []memory.Note) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Content)
	}
	return out
}
