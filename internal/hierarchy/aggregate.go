// Package hierarchy promotes clusters of Source nodes into Storylines and
// clusters of Storylines into Macros. Promotion is plain counting against
// thresholds — counters are maintained incrementally at mention time, so the
// decision is O(1) per anchor with no clustering involved.
package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/consolidate"
	"github.com/calder/mnemo/internal/logging"
	"github.com/calder/mnemo/internal/memory"
)

// Promotion thresholds.
const (
	StorylineMinSources = 5
	StorylineMinDays    = 3
	MacroMinStorylines  = 2
	MacroMinSpanDays    = 30
)

// RunStats summarizes one weekly aggregation run.
type RunStats struct {
	AnchorsChecked    int
	StorylinesCreated int
	MacrosCreated     int
	Refreshed         int
	Errors            int
}

func (st RunStats) String() string {
	return fmt.Sprintf("anchors %d, storylines +%d, macros +%d, refreshed %d, errors %d",
		st.AnchorsChecked, st.StorylinesCreated, st.MacrosCreated, st.Refreshed, st.Errors)
}

// Aggregator runs the weekly promotion and refresh job.
type Aggregator struct {
	store    memory.GraphStore
	oracle   consolidate.Oracle
	embedder memory.Embedder

	now func() time.Time
}

// NewAggregator wires an aggregator. oracle/embedder may be nil; refresh is
// then deferred to a later run.
func NewAggregator(store memory.GraphStore, oracle consolidate.Oracle, embedder memory.Embedder) *Aggregator {
	return &Aggregator{store: store, oracle: oracle, embedder: embedder, now: time.Now}
}

// SetClock overrides the aggregator's time source (tests only).
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Run checks every semantic anchor for storyline and macro promotion, then
// refreshes dirty storyline/macro descriptions from their grouped children.
func (a *Aggregator) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats

	nodes, err := a.store.AllNodes(ctx)
	if err != nil {
		return stats, fmt.Errorf("list nodes: %w", err)
	}

	for _, anchor := range nodes {
		if !anchor.Kind.Semantic() {
			continue
		}
		stats.AnchorsChecked++

		if !anchor.HasMeso && anchor.SourceCount >= StorylineMinSources && anchor.DistinctSourceDays >= StorylineMinDays {
			if err := a.promoteStoryline(ctx, anchor); err != nil {
				logging.Info("hierarchy", "storyline promotion failed for %s: %v", anchor.EntityKey, err)
				stats.Errors++
			} else {
				stats.StorylinesCreated++
			}
		}

		if !anchor.HasMacro {
			created, err := a.maybePromoteMacro(ctx, anchor)
			if err != nil {
				logging.Info("hierarchy", "macro promotion failed for %s: %v", anchor.EntityKey, err)
				stats.Errors++
			} else if created {
				stats.MacrosCreated++
			}
		}
	}

	a.refreshDirty(ctx, &stats)

	logging.Info("hierarchy", "run complete: %s", stats.String())
	return stats, nil
}

func (a *Aggregator) promoteStoryline(ctx context.Context, anchor *memory.Record) error {
	sources, err := a.store.SourcesFor(ctx, anchor.EntityKey)
	if err != nil {
		return err
	}
	if len(sources) < StorylineMinSources {
		return fmt.Errorf("counter says %d sources but found %d", anchor.SourceCount, len(sources))
	}

	now := a.now()
	spanStart, spanEnd := timeSpan(sources)

	storyline := memory.NewRecord(memory.KindStoryline, anchor.UserID, "Storyline: "+anchor.Name, now)
	storyline.EntityKey = memory.DerivedKey(memory.KindStoryline, anchor.UserID,
		anchor.EntityKey+"@"+spanStart.UTC().Format("2006-01-02"))
	storyline.CanonicalName = memory.CanonicalName(storyline.Name)
	storyline.AnchorKey = anchor.EntityKey
	storyline.SpanStart = &spanStart
	storyline.SpanEnd = &spanEnd
	storyline.LastUpdateSource = "hierarchy-aggregator"
	storyline.TTLPolicy = memory.TTLDecay
	storyline.IsDirty = true // description synthesized in the refresh pass

	keys := make([]string, 0, len(sources))
	for _, src := range sources {
		keys = append(keys, src.EntityKey)
	}
	if err := a.store.CreateStoryline(ctx, storyline, keys); err != nil {
		return err
	}
	logging.Info("hierarchy", "storyline %s groups %d sources for %s", storyline.EntityKey, len(keys), anchor.Name)
	return nil
}

func (a *Aggregator) maybePromoteMacro(ctx context.Context, anchor *memory.Record) (bool, error) {
	if anchor.StorylineCount < MacroMinStorylines {
		return false, nil
	}
	storylines, err := a.store.StorylinesFor(ctx, anchor.EntityKey)
	if err != nil {
		return false, err
	}
	if len(storylines) < MacroMinStorylines {
		return false, nil
	}
	spanStart, spanEnd := groupSpan(storylines)
	if spanEnd.Sub(spanStart) < MacroMinSpanDays*24*time.Hour {
		return false, nil
	}

	now := a.now()
	macro := memory.NewRecord(memory.KindMacro, anchor.UserID, "Macro: "+anchor.Name, now)
	macro.EntityKey = memory.DerivedKey(memory.KindMacro, anchor.UserID, anchor.EntityKey)
	macro.CanonicalName = memory.CanonicalName(macro.Name)
	macro.AnchorKey = anchor.EntityKey
	macro.SpanStart = &spanStart
	macro.SpanEnd = &spanEnd
	macro.LastUpdateSource = "hierarchy-aggregator"
	macro.TTLPolicy = memory.TTLDecay
	macro.IsDirty = true

	keys := make([]string, 0, len(storylines))
	for _, sl := range storylines {
		keys = append(keys, sl.EntityKey)
	}
	if err := a.store.CreateMacro(ctx, macro, keys); err != nil {
		return false, err
	}
	logging.Info("hierarchy", "macro %s groups %d storylines for %s", macro.EntityKey, len(keys), anchor.Name)
	return true, nil
}

// refreshDirty resynthesizes dirty storyline/macro descriptions from their
// grouped children, same oracle pattern as the nightly consolidation.
func (a *Aggregator) refreshDirty(ctx context.Context, stats *RunStats) {
	if a.oracle == nil {
		return
	}
	dirty, err := a.store.DirtyNodes(ctx)
	if err != nil {
		logging.Info("hierarchy", "failed to list dirty nodes: %v", err)
		stats.Errors++
		return
	}
	for _, rec := range dirty {
		if rec.Kind != memory.KindStoryline && rec.Kind != memory.KindMacro {
			continue
		}
		members, err := a.store.GroupMembers(ctx, rec.EntityKey)
		if err != nil {
			logging.Info("hierarchy", "members of %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		fragments := make([]string, 0, len(members))
		for _, m := range members {
			if m.Description != "" {
				fragments = append(fragments, m.Description)
			} else {
				fragments = append(fragments, m.Name)
			}
		}
		desc, err := a.oracle.Synthesize(ctx, rec.Kind, rec.Description, fragments)
		if err != nil {
			logging.Info("hierarchy", "synthesis failed for %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		rec.Description = desc
		if a.embedder != nil {
			text := strings.TrimSpace(desc)
			if vec, err := a.embedder.Embed(ctx, text); err == nil {
				rec.Embedding = vec
			}
		}
		rec.IsDirty = false
		rec.UpdatedAt = a.now()
		if err := a.store.UpdateNode(ctx, rec); err != nil {
			logging.Info("hierarchy", "write-back failed for %s: %v", rec.EntityKey, err)
			stats.Errors++
			continue
		}
		stats.Refreshed++
	}
}

func timeSpan(records []*memory.Record) (time.Time, time.Time) {
	start, end := records[0].CreatedAt, records[0].CreatedAt
	for _, r := range records[1:] {
		if r.CreatedAt.Before(start) {
			start = r.CreatedAt
		}
		if r.CreatedAt.After(end) {
			end = r.CreatedAt
		}
	}
	return start, end
}

// groupSpan covers the storylines' own spans; a storyline's creation time is
// irrelevant to the period it describes.
func groupSpan(groups []*memory.Record) (time.Time, time.Time) {
	var start, end time.Time
	for _, g := range groups {
		s, e := g.CreatedAt, g.CreatedAt
		if g.SpanStart != nil {
			s = *g.SpanStart
		}
		if g.SpanEnd != nil {
			e = *g.SpanEnd
		}
		if start.IsZero() || s.Before(start) {
			start = s
		}
		if end.IsZero() || e.After(end) {
			end = e
		}
	}
	return start, end
}
