package memory

import (
	"fmt"
	"strings"
)

// CanonType is one of the six fixed relationship storage types. It drives
// Cypher-level typing and matching; the free-text RelationshipType on the
// edge drives display and embeddings.
type CanonType string

const (
	RelKnows          CanonType = "KNOWS"           // person -> person
	RelEngagesWith    CanonType = "ENGAGES_WITH"    // person -> concept
	RelConnectedTo    CanonType = "CONNECTED_TO"    // person -> entity
	RelRelatedTo      CanonType = "RELATED_TO"      // concept -> concept
	RelAssociatedWith CanonType = "ASSOCIATED_WITH" // concept -> entity
	RelLinkedTo       CanonType = "LINKED_TO"       // entity -> entity
)

// Direction is the caller's semantic direction for an edge request:
// outgoing means from -> to, incoming means to -> from.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type kindPair struct {
	from, to Kind
}

// Canonical direction is determined solely by the endpoint kinds, never by
// creation order.
var canonicalPairs = map[kindPair]CanonType{
	{KindPerson, KindPerson}:   RelKnows,
	{KindPerson, KindConcept}:  RelEngagesWith,
	{KindPerson, KindEntity}:   RelConnectedTo,
	{KindConcept, KindConcept}: RelRelatedTo,
	{KindConcept, KindEntity}:  RelAssociatedWith,
	{KindEntity, KindEntity}:   RelLinkedTo,
}

// CanonicalType resolves the storage type and required direction for a pair
// of endpoint kinds. swap is true when the caller's (from, to) order must be
// reversed to match canonical storage direction. Same-kind pairs never swap:
// either order is canonical, and idempotency is enforced by the store's
// either-direction merge.
func CanonicalType(from, to Kind) (CanonType, bool, error) {
	if !from.Semantic() || !to.Semantic() {
		return "", false, &ValidationError{
			Field:  "kind",
			Reason: fmt.Sprintf("relationships connect semantic nodes only, got %s -> %s", from, to),
		}
	}
	if ct, ok := canonicalPairs[kindPair{from, to}]; ok {
		return ct, false, nil
	}
	if ct, ok := canonicalPairs[kindPair{to, from}]; ok {
		return ct, true, nil
	}
	return "", false, &ValidationError{
		Field:  "kind",
		Reason: fmt.Sprintf("no canonical relationship for %s -> %s", from, to),
	}
}

// KindsFor returns the canonical (from, to) kinds for a storage type.
func KindsFor(ct CanonType) (Kind, Kind, error) {
	for pair, t := range canonicalPairs {
		if t == ct {
			return pair.from, pair.to, nil
		}
	}
	return "", "", &ValidationError{Field: "canonical_type", Reason: fmt.Sprintf("unknown type %q", ct)}
}

// Each canonical type owns two ordered five-word scales (index = score-1),
// one for attitude and one for proximity. The words feed relationship
// embeddings and round-trip back to scores.
var attitudeWords = map[CanonType][5]string{
	RelKnows:          {"hostile", "unfriendly", "neutral", "friendly", "close"},
	RelEngagesWith:    {"averse", "skeptical", "indifferent", "interested", "passionate"},
	RelConnectedTo:    {"antagonistic", "wary", "neutral", "favorable", "devoted"},
	RelRelatedTo:      {"opposed", "divergent", "unrelated", "aligned", "reinforcing"},
	RelAssociatedWith: {"undermining", "complicating", "incidental", "supporting", "defining"},
	RelLinkedTo:       {"competing", "strained", "neutral", "cooperative", "allied"},
}

var proximityWords = map[CanonType][5]string{
	RelKnows:          {"stranger", "acquaintance", "familiar", "confidant", "intimate"},
	RelEngagesWith:    {"unaware", "aware", "conversant", "practiced", "expert"},
	RelConnectedTo:    {"removed", "occasional", "regular", "frequent", "constant"},
	RelRelatedTo:      {"disparate", "distant", "adjacent", "overlapping", "inseparable"},
	RelAssociatedWith: {"peripheral", "loose", "moderate", "strong", "central"},
	RelLinkedTo:       {"detached", "remote", "connected", "intertwined", "fused"},
}

// RelationWords is the word form of an edge's attitude/proximity scores.
type RelationWords struct {
	Attitude  string
	Proximity string
}

// WordsFor maps integer scores onto the canonical type's word scales.
// Scores outside 1..5 are a validation error.
func WordsFor(ct CanonType, attitude, proximity int) (RelationWords, error) {
	aw, ok := attitudeWords[ct]
	if !ok {
		return RelationWords{}, &ValidationError{Field: "canonical_type", Reason: fmt.Sprintf("unknown type %q", ct)}
	}
	if attitude < 1 || attitude > 5 {
		return RelationWords{}, &ValidationError{Field: "attitude", Reason: fmt.Sprintf("score %d out of range 1-5", attitude)}
	}
	if proximity < 1 || proximity > 5 {
		return RelationWords{}, &ValidationError{Field: "proximity", Reason: fmt.Sprintf("score %d out of range 1-5", proximity)}
	}
	return RelationWords{
		Attitude:  aw[attitude-1],
		Proximity: proximityWords[ct][proximity-1],
	}, nil
}

// ScoresFor is the case-insensitive inverse of WordsFor.
func ScoresFor(ct CanonType, attitudeWord, proximityWord string) (attitude, proximity int, err error) {
	aw, ok := attitudeWords[ct]
	if !ok {
		return 0, 0, &ValidationError{Field: "canonical_type", Reason: fmt.Sprintf("unknown type %q", ct)}
	}
	pw := proximityWords[ct]

	attitude = scoreOf(aw, attitudeWord)
	if attitude == 0 {
		return 0, 0, &ValidationError{Field: "attitude", Reason: fmt.Sprintf("unknown word %q for %s", attitudeWord, ct)}
	}
	proximity = scoreOf(pw, proximityWord)
	if proximity == 0 {
		return 0, 0, &ValidationError{Field: "proximity", Reason: fmt.Sprintf("unknown word %q for %s", proximityWord, ct)}
	}
	return attitude, proximity, nil
}

func scoreOf(scale [5]string, word string) int {
	for i, w := range scale {
		if strings.EqualFold(w, word) {
			return i + 1
		}
	}
	return 0
}

// EmbeddingText builds the text a relationship embedding is derived from:
// description + free-text type + the attitude/proximity words + notes.
func (e *Edge) EmbeddingText() (string, error) {
	words, err := WordsFor(e.CanonicalType, e.Attitude, e.Proximity)
	if err != nil {
		return "", err
	}
	parts := []string{e.Description, e.RelationshipType, words.Attitude, words.Proximity, NotesText(e.Notes)}
	nonEmpty := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n"), nil
}
