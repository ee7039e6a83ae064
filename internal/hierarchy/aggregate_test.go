package hierarchy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/calder/mnemo/internal/memory"
	"github.com/calder/mnemo/internal/store/sqlite"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type mockOracle struct{}

func (mockOracle) Synthesize(ctx context.Context, kind memory.Kind, current string, notes []string) (string, error) {
	return fmt.Sprintf("synthesis of %d fragments", len(notes)), nil
}

type mockEmbedder struct{}

func (mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func setupTestStore(t *testing.T) (*sqlite.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "hierarchy-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	store, err := sqlite.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}
	return store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func addNode(t *testing.T, store *sqlite.Store, kind memory.Kind, name string, at time.Time) *memory.Record {
	t.Helper()
	r := memory.NewRecord(kind, "user-1", name, at)
	r.EntityKey = memory.KeyFor(kind, "user-1", name)
	r.CanonicalName = memory.CanonicalName(name)
	r.Description = name
	r.LastUpdateSource = "test"
	if err := store.CreateNode(context.Background(), r); err != nil {
		t.Fatalf("CreateNode(%s) failed: %v", name, err)
	}
	return r
}

// seedMentions attaches n sources spread over the given number of days.
func seedMentions(t *testing.T, store *sqlite.Store, anchor *memory.Record, n, days int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		day := testTime.Add(time.Duration(i%days) * 24 * time.Hour)
		src := addNode(t, store, memory.KindSource, fmt.Sprintf("%s source %d", anchor.Name, i), day)
		if err := store.AddMention(ctx, src.EntityKey, anchor.EntityKey, day); err != nil {
			t.Fatalf("AddMention failed: %v", err)
		}
	}
}

func newAggregator(store *sqlite.Store, at time.Time) *Aggregator {
	a := NewAggregator(store, mockOracle{}, mockEmbedder{})
	a.SetClock(func() time.Time { return at })
	return a
}

func TestStorylinePromotion(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ready := addNode(t, store, memory.KindConcept, "gardening", testTime)
	seedMentions(t, store, ready, 5, 3)

	// Enough sources but too few distinct days.
	concentrated := addNode(t, store, memory.KindConcept, "cycling", testTime)
	seedMentions(t, store, concentrated, 6, 2)

	// Too few sources.
	sparse := addNode(t, store, memory.KindConcept, "chess", testTime)
	seedMentions(t, store, sparse, 3, 3)

	stats, err := newAggregator(store, testTime.Add(7*24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.StorylinesCreated != 1 {
		t.Fatalf("created %d storylines, want 1: %s", stats.StorylinesCreated, stats)
	}

	storylines, err := store.StorylinesFor(ctx, ready.EntityKey)
	if err != nil {
		t.Fatalf("StorylinesFor failed: %v", err)
	}
	if len(storylines) != 1 {
		t.Fatalf("got %d storylines", len(storylines))
	}
	sl := storylines[0]
	if sl.AnchorKey != ready.EntityKey || sl.Kind != memory.KindStoryline {
		t.Errorf("storyline: %+v", sl)
	}
	if sl.SpanStart == nil || sl.SpanEnd == nil || !sl.SpanEnd.After(*sl.SpanStart) {
		t.Errorf("span: %v - %v", sl.SpanStart, sl.SpanEnd)
	}

	members, _ := store.GroupMembers(ctx, sl.EntityKey)
	if len(members) != 5 {
		t.Errorf("storyline groups %d sources, want 5", len(members))
	}

	gotAnchor, _ := store.GetNode(ctx, ready.EntityKey)
	if !gotAnchor.HasMeso || gotAnchor.StorylineCount != 1 {
		t.Errorf("anchor after promotion: has_meso=%v count=%d", gotAnchor.HasMeso, gotAnchor.StorylineCount)
	}

	for _, anchor := range []*memory.Record{concentrated, sparse} {
		got, _ := store.GetNode(ctx, anchor.EntityKey)
		if got.HasMeso {
			t.Errorf("%s promoted below threshold", anchor.Name)
		}
	}
}

func TestStorylinePromotionIdempotent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	anchor := addNode(t, store, memory.KindConcept, "gardening", testTime)
	seedMentions(t, store, anchor, 5, 3)

	agg := newAggregator(store, testTime.Add(7*24*time.Hour))
	if _, err := agg.Run(ctx); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	stats, err := agg.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if stats.StorylinesCreated != 0 {
		t.Errorf("second run created %d storylines, want 0 (has_meso gates)", stats.StorylinesCreated)
	}
}

// addStoryline inserts a synthetic storyline with an explicit span, as the
// promotion pass would over several weeks.
func addStoryline(t *testing.T, store *sqlite.Store, anchor *memory.Record, tag string, start, end time.Time) *memory.Record {
	t.Helper()
	sl := memory.NewRecord(memory.KindStoryline, anchor.UserID, "Storyline: "+anchor.Name+" "+tag, end)
	sl.EntityKey = memory.DerivedKey(memory.KindStoryline, anchor.UserID, anchor.EntityKey+"@"+tag)
	sl.CanonicalName = memory.CanonicalName(sl.Name)
	sl.AnchorKey = anchor.EntityKey
	sl.SpanStart = &start
	sl.SpanEnd = &end
	sl.Description = "a chapter about " + anchor.Name
	sl.LastUpdateSource = "test"
	if err := store.CreateStoryline(context.Background(), sl, nil); err != nil {
		t.Fatalf("CreateStoryline failed: %v", err)
	}
	return sl
}

func TestMacroPromotion(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	anchor := addNode(t, store, memory.KindConcept, "gardening", testTime)
	addStoryline(t, store, anchor, "spring", testTime, testTime.Add(10*24*time.Hour))
	addStoryline(t, store, anchor, "summer", testTime.Add(35*24*time.Hour), testTime.Add(45*24*time.Hour))

	stats, err := newAggregator(store, testTime.Add(50*24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.MacrosCreated != 1 {
		t.Fatalf("created %d macros, want 1: %s", stats.MacrosCreated, stats)
	}

	gotAnchor, _ := store.GetNode(ctx, anchor.EntityKey)
	if !gotAnchor.HasMacro {
		t.Error("anchor has_macro not set")
	}

	macroKey := memory.DerivedKey(memory.KindMacro, anchor.UserID, anchor.EntityKey)
	macro, err := store.GetNode(ctx, macroKey)
	if err != nil {
		t.Fatalf("macro lookup failed: %v", err)
	}
	if macro.SpanStart == nil || macro.SpanEnd == nil {
		t.Fatal("macro span not set")
	}
	if got := macro.SpanEnd.Sub(*macro.SpanStart); got != 45*24*time.Hour {
		t.Errorf("macro span = %v, want 45 days", got)
	}

	members, _ := store.GroupMembers(ctx, macroKey)
	if len(members) != 2 {
		t.Errorf("macro groups %d storylines, want 2", len(members))
	}
}

func TestMacroRequiresSpan(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	anchor := addNode(t, store, memory.KindConcept, "gardening", testTime)
	// Two storylines only ten days apart: below the 30-day span threshold.
	addStoryline(t, store, anchor, "w1", testTime, testTime.Add(4*24*time.Hour))
	addStoryline(t, store, anchor, "w2", testTime.Add(6*24*time.Hour), testTime.Add(10*24*time.Hour))

	stats, err := newAggregator(store, testTime.Add(20*24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.MacrosCreated != 0 {
		t.Errorf("created %d macros, want 0", stats.MacrosCreated)
	}
}

func TestRefreshDirtyGroups(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	anchor := addNode(t, store, memory.KindConcept, "gardening", testTime)
	seedMentions(t, store, anchor, 5, 3)

	if _, err := newAggregator(store, testTime.Add(7*24*time.Hour)).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	storylines, _ := store.StorylinesFor(ctx, anchor.EntityKey)
	if len(storylines) != 1 {
		t.Fatalf("got %d storylines", len(storylines))
	}
	sl := storylines[0]
	if sl.IsDirty {
		t.Error("storyline still dirty after refresh pass")
	}
	if !strings.Contains(sl.Description, "synthesis of 5 fragments") {
		t.Errorf("description = %q", sl.Description)
	}
	if len(sl.Embedding) == 0 {
		t.Error("storyline embedding not generated")
	}
}
