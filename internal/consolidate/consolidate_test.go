package consolidate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/calder/mnemo/internal/memory"
	"github.com/calder/mnemo/internal/store/sqlite"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// mockOracle joins notes into a deterministic synthesis, optionally failing
// for specific entity descriptions.
type mockOracle struct {
	calls   int
	failFor string
}

func (m *mockOracle) Synthesize(ctx context.Context, kind memory.Kind, current string, notes []string) (string, error) {
	m.calls++
	if m.failFor != "" && current == m.failFor {
		return "", errors.New("oracle unavailable")
	}
	if len(notes) == 0 {
		return current, nil
	}
	return fmt.Sprintf("%s (+%d notes)", current, len(notes)), nil
}

type mockEmbedder struct {
	calls int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	return []float32{float32(len(text)), 1}, nil
}

func setupTestStore(t *testing.T) (*sqlite.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "consolidate-test-*")
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

func addNode(t *testing.T, store *sqlite.Store, name string, mutate func(*memory.Record)) *memory.Record {
	t.Helper()
	r := memory.NewRecord(memory.KindConcept, "user-1", name, testTime)
	r.EntityKey = memory.KeyFor(memory.KindConcept, "user-1", name)
	r.CanonicalName = memory.CanonicalName(name)
	r.Description = name
	r.LastUpdateSource = "test"
	if mutate != nil {
		mutate(r)
	}
	if err := store.CreateNode(context.Background(), r); err != nil {
		t.Fatalf("CreateNode(%s) failed: %v", name, err)
	}
	return r
}

func newScheduler(store *sqlite.Store, oracle Oracle, embedder memory.Embedder, at time.Time) *Scheduler {
	s := NewScheduler(store, oracle, embedder, memory.DefaultTunables())
	s.SetClock(func() time.Time { return at })
	return s
}

func TestRunConsolidatesDirtyNodes(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	dirty := addNode(t, store, "gardening", func(r *memory.Record) {
		r.IsDirty = true
		r.Notes = []memory.Note{
			{Content: "bought seeds", AddedBy: "agent", DateAdded: testTime},
			{Content: "built a planter", AddedBy: "agent", DateAdded: testTime},
		}
	})
	clean := addNode(t, store, "cycling", nil)

	oracle := &mockOracle{}
	emb := &mockEmbedder{}
	stats, err := newScheduler(store, oracle, emb, testTime.Add(24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.NodesProcessed != 1 || stats.NodesUpdated != 1 {
		t.Errorf("stats: %s", stats)
	}

	got, err := store.GetNode(ctx, dirty.EntityKey)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.IsDirty {
		t.Error("dirty flag not cleared")
	}
	if !strings.Contains(got.Description, "+2 notes") {
		t.Errorf("description not resynthesized: %q", got.Description)
	}
	if len(got.Embedding) == 0 {
		t.Error("embedding not refreshed")
	}

	gotClean, _ := store.GetNode(ctx, clean.EntityKey)
	if gotClean.Description != "cycling" {
		t.Errorf("clean node touched: %q", gotClean.Description)
	}
}

func TestRunSynthesisFailureSkipsRecord(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	failing := addNode(t, store, "broken", func(r *memory.Record) {
		r.IsDirty = true
		r.Notes = []memory.Note{{Content: "note", AddedBy: "agent", DateAdded: testTime}}
	})
	working := addNode(t, store, "working", func(r *memory.Record) {
		r.IsDirty = true
		r.Notes = []memory.Note{{Content: "note", AddedBy: "agent", DateAdded: testTime}}
	})

	oracle := &mockOracle{failFor: "broken"}
	stats, err := newScheduler(store, oracle, &mockEmbedder{}, testTime.Add(time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Errors == 0 {
		t.Error("expected an error count for the failing record")
	}
	if stats.NodesUpdated != 1 {
		t.Errorf("updated %d nodes, want 1", stats.NodesUpdated)
	}

	gotFailing, _ := store.GetNode(ctx, failing.EntityKey)
	if !gotFailing.IsDirty {
		t.Error("failed record should stay dirty for the next run")
	}
	gotWorking, _ := store.GetNode(ctx, working.EntityKey)
	if gotWorking.IsDirty {
		t.Error("working record should be consolidated")
	}
}

func TestRunPurgesExpiredNotes(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	weekDeadline := testTime.Add(7 * 24 * time.Hour)
	rec := addNode(t, store, "gardening", func(r *memory.Record) {
		r.Notes = []memory.Note{
			{Content: "expiring", AddedBy: "agent", DateAdded: testTime, ExpiresAt: &weekDeadline},
			{Content: "permanent", AddedBy: "agent", DateAdded: testTime},
		}
	})

	stats, err := newScheduler(store, &mockOracle{}, &mockEmbedder{}, testTime.Add(10*24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.NotesPurged != 1 {
		t.Errorf("purged %d notes, want 1", stats.NotesPurged)
	}

	got, _ := store.GetNode(ctx, rec.EntityKey)
	if len(got.Notes) != 1 || got.Notes[0].Content != "permanent" {
		t.Errorf("surviving notes: %v", got.Notes)
	}
}

func TestRunDecaysAndArchives(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	fading := addNode(t, store, "fading", func(r *memory.Record) {
		r.State = memory.StateActive
		r.Salience = 0.012
	})
	pinned := addNode(t, store, "pinned", func(r *memory.Record) {
		r.TTLPolicy = memory.TTLKeepForever
		r.State = memory.StateCore
		r.Salience = 1.0
	})

	stats, err := newScheduler(store, &mockOracle{}, &mockEmbedder{}, testTime.Add(30*24*time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Archived != 1 {
		t.Errorf("archived %d, want 1", stats.Archived)
	}

	gotFading, _ := store.GetNode(ctx, fading.EntityKey)
	if gotFading.State != memory.StateArchived {
		t.Errorf("fading state = %v, want archived", gotFading.State)
	}
	gotPinned, _ := store.GetNode(ctx, pinned.EntityKey)
	if gotPinned.Salience != 1.0 || gotPinned.State != memory.StateCore {
		t.Errorf("keep_forever node decayed: %+v", gotPinned)
	}
}

func TestRunEphemeralHardExpiry(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	src := memory.NewRecord(memory.KindSource, "user-1", "conversation 1", testTime)
	src.EntityKey = memory.KeyFor(memory.KindSource, "user-1", "conversation 1")
	src.CanonicalName = memory.CanonicalName("conversation 1")
	src.State = memory.StateActive
	src.Salience = 0.9 // high salience does not save an expired ephemeral
	src.LastUpdateSource = "test"
	if err := store.CreateNode(ctx, src); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}

	if _, err := newScheduler(store, &mockOracle{}, &mockEmbedder{}, testTime.Add(31*24*time.Hour)).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, _ := store.GetNode(ctx, src.EntityKey)
	if got.State != memory.StateArchived {
		t.Errorf("expired source state = %v, want archived", got.State)
	}
}

func TestRunConsolidatesDirtyEdges(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := addNode(t, store, "gardening", nil)
	b := addNode(t, store, "composting", nil)
	edge := &memory.Edge{
		FromKey: a.EntityKey, ToKey: b.EntityKey, UserID: "user-1",
		CanonicalType: memory.RelRelatedTo, RelationshipType: "feeds into",
		Attitude: 4, Proximity: 4, Confidence: 0.6,
		Salience: 0.5, State: memory.StateCandidate, TTLPolicy: memory.TTLDecay,
		DecayGradient: 1.0, IsDirty: true,
		Notes:     []memory.Note{{Content: "compost improves the beds", AddedBy: "agent", DateAdded: testTime}},
		CreatedAt: testTime, UpdatedAt: testTime, LastUpdateSource: "test",
	}
	if _, err := store.MergeEdge(ctx, edge); err != nil {
		t.Fatalf("MergeEdge failed: %v", err)
	}

	stats, err := newScheduler(store, &mockOracle{}, &mockEmbedder{}, testTime.Add(time.Hour)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.EdgesProcessed != 1 || stats.EdgesUpdated != 1 {
		t.Errorf("edge stats: %s", stats)
	}

	got, _, err := store.GetEdge(ctx, a.EntityKey, b.EntityKey, memory.RelRelatedTo)
	if err != nil {
		t.Fatalf("GetEdge failed: %v", err)
	}
	if got.IsDirty {
		t.Error("edge dirty flag not cleared")
	}
	if len(got.NotesEmbedding) == 0 {
		t.Error("notes embedding not refreshed")
	}
	if !strings.Contains(got.Description, "+1 notes") {
		t.Errorf("edge description not resynthesized: %q", got.Description)
	}
}
