package memory

import "testing"

func TestCanonicalTypeResolution(t *testing.T) {
	cases := []struct {
		from, to Kind
		want     CanonType
		swap     bool
	}{
		{KindPerson, KindPerson, RelKnows, false},
		{KindPerson, KindConcept, RelEngagesWith, false},
		{KindConcept, KindPerson, RelEngagesWith, true},
		{KindPerson, KindEntity, RelConnectedTo, false},
		{KindEntity, KindPerson, RelConnectedTo, true},
		{KindConcept, KindConcept, RelRelatedTo, false},
		{KindConcept, KindEntity, RelAssociatedWith, false},
		{KindEntity, KindConcept, RelAssociatedWith, true},
		{KindEntity, KindEntity, RelLinkedTo, false},
	}
	for _, c := range cases {
		ct, swap, err := CanonicalType(c.from, c.to)
		if err != nil {
			t.Fatalf("CanonicalType(%s, %s) failed: %v", c.from, c.to, err)
		}
		if ct != c.want || swap != c.swap {
			t.Errorf("CanonicalType(%s, %s) = (%s, %v), want (%s, %v)",
				c.from, c.to, ct, swap, c.want, c.swap)
		}
	}
}

func TestCanonicalTypeRejectsNonSemantic(t *testing.T) {
	for _, kind := range []Kind{KindSource, KindArtifact, KindStoryline, KindMacro} {
		if _, _, err := CanonicalType(KindPerson, kind); err == nil {
			t.Errorf("CanonicalType(person, %s) should fail", kind)
		}
	}
}

func TestKindsForInverse(t *testing.T) {
	for pair, ct := range canonicalPairs {
		from, to, err := KindsFor(ct)
		if err != nil {
			t.Fatalf("KindsFor(%s) failed: %v", ct, err)
		}
		if from != pair.from || to != pair.to {
			t.Errorf("KindsFor(%s) = (%s, %s), want (%s, %s)", ct, from, to, pair.from, pair.to)
		}
	}
	if _, _, err := KindsFor(CanonType("BOGUS")); err == nil {
		t.Error("expected error for unknown canonical type")
	}
}

func TestWordScoreRoundTrip(t *testing.T) {
	for ct := range attitudeWords {
		for score := 1; score <= 5; score++ {
			words, err := WordsFor(ct, score, score)
			if err != nil {
				t.Fatalf("WordsFor(%s, %d, %d) failed: %v", ct, score, score, err)
			}
			a, p, err := ScoresFor(ct, words.Attitude, words.Proximity)
			if err != nil {
				t.Fatalf("ScoresFor(%s, %q, %q) failed: %v", ct, words.Attitude, words.Proximity, err)
			}
			if a != score || p != score {
				t.Errorf("%s score %d round-tripped to (%d, %d)", ct, score, a, p)
			}
		}
	}
}

func TestScoresForCaseInsensitive(t *testing.T) {
	a, p, err := ScoresFor(RelKnows, "FRIENDLY", "Confidant")
	if err != nil {
		t.Fatalf("ScoresFor failed: %v", err)
	}
	if a != 4 || p != 4 {
		t.Errorf("got (%d, %d), want (4, 4)", a, p)
	}
}

func TestWordsForRangeValidation(t *testing.T) {
	if _, err := WordsFor(RelKnows, 0, 3); err == nil {
		t.Error("attitude 0 should fail")
	}
	if _, err := WordsFor(RelKnows, 3, 6); err == nil {
		t.Error("proximity 6 should fail")
	}
	if _, _, err := ScoresFor(RelKnows, "enemy", "stranger"); err == nil {
		t.Error("unknown attitude word should fail")
	}
}

func TestEdgeEmbeddingText(t *testing.T) {
	e := &Edge{
		CanonicalType:    RelKnows,
		RelationshipType: "mentor",
		Attitude:         4,
		Proximity:        4,
		Description:      "met during PhD",
		Notes:            []Note{{Content: "weekly calls"}},
	}
	got, err := e.EmbeddingText()
	if err != nil {
		t.Fatalf("EmbeddingText failed: %v", err)
	}
	want := "met during PhD\nmentor\nfriendly\nconfidant\nweekly calls"
	if got != want {
		t.Errorf("EmbeddingText = %q, want %q", got, want)
	}
}
