package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/calder/mnemo/internal/memory"
)

func createPair(t *testing.T, mgr *memory.Manager, kinds [2]memory.Kind, names [2]string) [2]*memory.Record {
	t.Helper()
	ctx := context.Background()
	var out [2]*memory.Record
	for i := range kinds {
		rec, err := mgr.CreateNode(ctx, memory.CreateNodeRequest{
			Kind: kinds[i], UserID: "user-1", Name: names[i], LastUpdateSource: "test",
		})
		if err != nil {
			t.Fatalf("CreateNode(%s) failed: %v", names[i], err)
		}
		out[i] = rec
	}
	return out
}

func TestCreateEdgeCanonicalSwap(t *testing.T) {
	mgr, _, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	// entity -> person must be stored person -> entity.
	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindEntity, memory.KindPerson}, [2]string{"acme corp", "Ada"})
	result, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "employer", Attitude: 4, Proximity: 3, Confidence: 0.7,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if !result.Swapped {
		t.Error("entity -> person edge should report swapped")
	}
	if !result.Created {
		t.Error("first edge should report created")
	}
	e := result.Edge
	if e.CanonicalType != memory.RelConnectedTo {
		t.Errorf("canonical type = %s, want CONNECTED_TO", e.CanonicalType)
	}
	if e.FromKey != nodes[1].EntityKey || e.ToKey != nodes[0].EntityKey {
		t.Errorf("stored direction %s -> %s, want person -> entity", e.FromKey, e.ToKey)
	}
	if e.State != memory.StateCandidate || e.Salience != 0.5 || e.DecayGradient != 1.0 {
		t.Errorf("edge defaults: %+v", e)
	}
}

func TestCreateEdgeIncomingDirection(t *testing.T) {
	mgr, _, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindConcept}, [2]string{"Ada", "mathematics"})
	// Incoming means to -> from semantically: concept -> person here, which
	// canonical direction flips back to person -> concept.
	result, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey, Direction: memory.DirectionIncoming,
		RelationshipType: "studies", Attitude: 5, Proximity: 5, Confidence: 0.9,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if result.Edge.FromKey != nodes[0].EntityKey {
		t.Errorf("stored from = %s, want the person", result.Edge.FromKey)
	}
}

func TestCreateEdgeIdempotentMerge(t *testing.T) {
	mgr, _, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindPerson}, [2]string{"Ada", "Charles"})
	req := memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "collaborator", Attitude: 4, Proximity: 3, Confidence: 0.7,
		LastUpdateSource: "test",
	}
	first, err := mgr.CreateEdge(ctx, req)
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if !first.Created {
		t.Error("first call should create")
	}

	// A parallel agent repeats the call; exactly one edge exists after.
	second, err := mgr.CreateEdge(ctx, req)
	if err != nil {
		t.Fatalf("repeat CreateEdge failed: %v", err)
	}
	if second.Created {
		t.Error("second call should merge, not create")
	}
}

func TestCreateEdgeReversedMergesOntoStored(t *testing.T) {
	mgr, store, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	// Person pairs have no canonical orientation, so two agents connecting
	// the same two people from opposite ends must still converge on the
	// first stored edge, never a mirror pair.
	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindPerson}, [2]string{"Ada", "Charles"})
	first, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "collaborator", Attitude: 4, Proximity: 3, Confidence: 0.7,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	second, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[1].EntityKey, ToKey: nodes[0].EntityKey,
		RelationshipType: "collaborator", Attitude: 4, Proximity: 3, Confidence: 0.7,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("reversed CreateEdge failed: %v", err)
	}
	if second.Created {
		t.Error("reversed repeat should merge, not create")
	}
	if !second.Swapped {
		t.Error("reversed repeat should report the stored direction differs")
	}
	if second.Edge.FromKey != first.Edge.FromKey || second.Edge.ToKey != first.Edge.ToKey {
		t.Errorf("merged onto %s -> %s, want the stored orientation %s -> %s",
			second.Edge.FromKey, second.Edge.ToKey, first.Edge.FromKey, first.Edge.ToKey)
	}

	edges, err := store.AllEdges(ctx)
	if err != nil {
		t.Fatalf("AllEdges failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edge count = %d, want exactly 1", len(edges))
	}
}

func TestCreateEdgeMergeReturnsStoredEdge(t *testing.T) {
	mgr, _, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindConcept}, [2]string{"Ada", "mathematics"})
	first, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "studies", Attitude: 4, Proximity: 3, Confidence: 0.5,
		Notes:            []memory.NoteInput{{Content: "first lecture", AddedBy: "agent", Lifetime: memory.LifetimeYear}},
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	// The repeat call, a day later, updates scalars but must hand back the
	// row as stored: original notes and created_at intact, the new note
	// appended.
	mgr.SetClock(func() time.Time { return clockStart.Add(24 * time.Hour) })
	second, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "studies", Attitude: 4, Proximity: 3, Confidence: 0.8,
		Description:      "weekly tutoring",
		Notes:            []memory.NoteInput{{Content: "second lecture", AddedBy: "agent", Lifetime: memory.LifetimeYear}},
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("repeat CreateEdge failed: %v", err)
	}
	if second.Created {
		t.Error("repeat call should merge, not create")
	}
	if len(second.Edge.Notes) != 2 {
		t.Fatalf("merged edge notes = %d, want both journal entries", len(second.Edge.Notes))
	}
	if second.Edge.Notes[0].Content != "first lecture" || second.Edge.Notes[1].Content != "second lecture" {
		t.Errorf("notes after merge: %+v", second.Edge.Notes)
	}
	if !second.Edge.CreatedAt.Equal(first.Edge.CreatedAt) {
		t.Errorf("created_at = %v, want original %v", second.Edge.CreatedAt, first.Edge.CreatedAt)
	}
	if second.Edge.Description != "weekly tutoring" || second.Edge.Confidence != 0.8 {
		t.Errorf("scalar updates not applied: %+v", second.Edge)
	}

	// A note-less repeat still reports the stored journal, not an empty one.
	third, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "studies", Attitude: 4, Proximity: 3, Confidence: 0.8,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("third CreateEdge failed: %v", err)
	}
	if len(third.Edge.Notes) != 2 {
		t.Errorf("note-less repeat returned %d notes, want the stored 2", len(third.Edge.Notes))
	}
}

func TestCreateEdgeValidation(t *testing.T) {
	mgr, _, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindConcept}, [2]string{"Ada", "mathematics"})
	base := memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "studies", Attitude: 4, Proximity: 3, Confidence: 0.5,
		LastUpdateSource: "test",
	}

	self := base
	self.ToKey = self.FromKey
	if _, err := mgr.CreateEdge(ctx, self); err == nil {
		t.Error("self-edge should fail")
	}

	badAttitude := base
	badAttitude.Attitude = 6
	if _, err := mgr.CreateEdge(ctx, badAttitude); err == nil {
		t.Error("attitude 6 should fail")
	}

	badDir := base
	badDir.Direction = memory.Direction("sideways")
	if _, err := mgr.CreateEdge(ctx, badDir); err == nil {
		t.Error("unknown direction should fail")
	}

	// Cross-user edges are rejected.
	other, err := mgr.CreateNode(ctx, memory.CreateNodeRequest{
		Kind: memory.KindConcept, UserID: "user-2", Name: "mathematics", LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	cross := base
	cross.ToKey = other.EntityKey
	if _, err := mgr.CreateEdge(ctx, cross); err == nil {
		t.Error("cross-user edge should fail")
	}

	// Episodic endpoints cannot carry relationships.
	src, err := mgr.CreateNode(ctx, memory.CreateNodeRequest{
		Kind: memory.KindSource, UserID: "user-1", Name: "conversation 1", LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	episodic := base
	episodic.ToKey = src.EntityKey
	if _, err := mgr.CreateEdge(ctx, episodic); err == nil {
		t.Error("edge to a source node should fail")
	}
}

func TestUpdateEdgeAdditive(t *testing.T) {
	mgr, store, _, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	nodes := createPair(t, mgr, [2]memory.Kind{memory.KindPerson, memory.KindConcept}, [2]string{"Ada", "mathematics"})
	created, err := mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey: nodes[0].EntityKey, ToKey: nodes[1].EntityKey,
		RelationshipType: "studies", Attitude: 4, Proximity: 3, Confidence: 0.5,
		LastUpdateSource: "test",
	})
	if err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	// Update addressed in reverse order still finds the edge.
	got, err := mgr.UpdateEdge(ctx, nodes[1].EntityKey, nodes[0].EntityKey, memory.RelEngagesWith,
		[]memory.NoteInput{{Content: "published a paper", AddedBy: "agent", Lifetime: memory.LifetimeYear}})
	if err != nil {
		t.Fatalf("UpdateEdge failed: %v", err)
	}
	if len(got.Notes) != 1 || !got.IsDirty {
		t.Errorf("after update: notes=%d dirty=%v", len(got.Notes), got.IsDirty)
	}
	if got.Attitude != created.Edge.Attitude || got.Proximity != created.Edge.Proximity {
		t.Error("update touched attitude/proximity")
	}
	if len(got.NotesEmbedding) == 0 {
		t.Error("notes embedding not generated")
	}

	stored, _, err := store.GetEdge(ctx, nodes[0].EntityKey, nodes[1].EntityKey, memory.RelEngagesWith)
	if err != nil {
		t.Fatalf("GetEdge failed: %v", err)
	}
	if len(stored.Notes) != 1 {
		t.Errorf("persisted notes: %v", stored.Notes)
	}

	if _, err := mgr.UpdateEdge(ctx, nodes[0].EntityKey, nodes[1].EntityKey, memory.RelEngagesWith, nil); err == nil {
		t.Error("UpdateEdge without notes should fail")
	}
}
