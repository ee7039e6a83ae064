package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// PersonKey returns a fresh opaque key. Person keys are random so that two
// different people who share a name coexist.
func PersonKey() string {
	return "person-" + uuid.NewString()
}

// CanonicalName normalizes a display name for matching and key derivation:
// lowercased, trimmed, inner whitespace collapsed.
func CanonicalName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// DerivedKey builds the deterministic key for concept/entity (and episodic)
// nodes from the normalized name, kind, and owning user. Creation is
// idempotent by construction: the same name for the same user always derives
// the same key.
func DerivedKey(kind Kind, userID, name string) string {
	h := sha256.Sum256([]byte(CanonicalName(name) + "|" + string(kind) + "|" + userID))
	return string(kind) + "-" + hex.EncodeToString(h[:8])
}

// KeyFor selects the key strategy by kind.
func KeyFor(kind Kind, userID, name string) string {
	if kind == KindPerson {
		return PersonKey()
	}
	return DerivedKey(kind, userID, name)
}
