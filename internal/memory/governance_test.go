package memory

import (
	"testing"
	"time"
)

func TestResolveKeepForeverPinsSalience(t *testing.T) {
	decayed := MemoryFields{Salience: 0.003, State: StateArchived}
	got := Resolve(TTLKeepForever, KindPerson, StateCore, decayed, t0, daysLater(400))
	if got.Salience != 1.0 {
		t.Errorf("salience = %v, want 1.0", got.Salience)
	}
	if got.State != StateCore {
		t.Errorf("state = %v, want prior state restored", got.State)
	}
}

func TestResolveEphemeralEpisodicDeadline(t *testing.T) {
	decayed := MemoryFields{Salience: 0.9, State: StateActive}

	got := Resolve(TTLEphemeral, KindSource, StateActive, decayed, t0, daysLater(29))
	if got.State != StateActive {
		t.Errorf("state = %v at day 29, want active", got.State)
	}

	got = Resolve(TTLEphemeral, KindSource, StateActive, decayed, t0, daysLater(30))
	if got.State != StateArchived {
		t.Errorf("state = %v at day 30, want archived regardless of salience", got.State)
	}
}

func TestResolveEphemeralSemanticDeadline(t *testing.T) {
	decayed := MemoryFields{Salience: 0.9, State: StateActive}

	got := Resolve(TTLEphemeral, KindConcept, StateActive, decayed, t0, daysLater(89))
	if got.State != StateActive {
		t.Errorf("state = %v at day 89, want active", got.State)
	}
	got = Resolve(TTLEphemeral, KindConcept, StateActive, decayed, t0, daysLater(90))
	if got.State != StateArchived {
		t.Errorf("state = %v at day 90, want archived", got.State)
	}
}

func TestResolveDecayStands(t *testing.T) {
	decayed := MemoryFields{Salience: 0.004, State: StateArchived}
	got := Resolve(TTLDecay, KindConcept, StateActive, decayed, t0, daysLater(200))
	if got.State != StateArchived || got.Salience != 0.004 {
		t.Errorf("decay result altered: state=%v salience=%v", got.State, got.Salience)
	}
}

func TestEphemeralDeadlineByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want time.Duration
	}{
		{KindSource, EphemeralEpisodicDeadline},
		{KindArtifact, EphemeralEpisodicDeadline},
		{KindPerson, EphemeralSemanticDeadline},
		{KindStoryline, EphemeralSemanticDeadline},
		{KindMacro, EphemeralSemanticDeadline},
	}
	for _, c := range cases {
		if got := EphemeralDeadline(c.kind); got != c.want {
			t.Errorf("EphemeralDeadline(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
}
