package memory

import "time"

// Ephemeral hard-expiry deadlines, measured from created_at.
const (
	EphemeralEpisodicDeadline = 30 * 24 * time.Hour
	EphemeralSemanticDeadline = 90 * 24 * time.Hour
)

// EphemeralDeadline returns the hard-expiry window for a kind under the
// ephemeral TTL policy. Storylines and macros expire on the semantic schedule.
func EphemeralDeadline(kind Kind) time.Duration {
	if kind.Episodic() {
		return EphemeralEpisodicDeadline
	}
	return EphemeralSemanticDeadline
}

// Resolve applies TTL-policy precedence (keep_forever > ephemeral > decay) to
// the output of a decay pass. prior is the record's state before decay ran;
// decayed is what the salience engine produced.
func Resolve(policy TTLPolicy, kind Kind, prior State, decayed MemoryFields, createdAt, now time.Time) MemoryFields {
	switch policy {
	case TTLKeepForever:
		decayed.Salience = 1.0
		if decayed.State == StateArchived && prior != StateArchived {
			decayed.State = prior
		}
	case TTLEphemeral:
		if now.Sub(createdAt) >= EphemeralDeadline(kind) {
			decayed.State = StateArchived
		}
	case TTLDecay:
		// Decay result stands.
	}
	return decayed
}
