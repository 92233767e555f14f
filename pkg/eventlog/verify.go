package eventlog

import (
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/canonicalize"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// ComputeEventHash derives the chained hash of an event from its content and
// declared PrevHash. The hash input is the RFC 8785 canonical form of the
// hashable view below, so payload key order never affects the digest and the
// durable store reproduces identical hashes.
func ComputeEventHash(ev *contracts.ExecutionEvent) (string, error) {
	hashable := struct {
		PrevHash      string         `json:"prev_hash"`
		RequestID     string         `json:"request_id"`
		Type          string         `json:"type"`
		Payload       map[string]any `json:"payload"`
		Timestamp     string         `json:"timestamp"`
		CorrelationID string         `json:"correlation_id"`
	}{
		PrevHash:      ev.PrevHash,
		RequestID:     ev.RequestID,
		Type:          string(ev.Type),
		Payload:       ev.Payload,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID: ev.CorrelationID,
	}
	return canonicalize.CanonicalHash(hashable)
}

// ChainReport is the outcome of verifying an event chain.
type ChainReport struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	FirstInvalid uint64 `json:"first_invalid,omitempty"` // sequence id, set when Valid is false
	Reason       string `json:"reason,omitempty"`
}

// VerifyEventChain recomputes every event's hash from its content and
// declared PrevHash and reports the first sequence id whose stored hash
// disagrees. It is a pure function independent of any store, usable for
// audit replay over exported events.
func VerifyEventChain(events []*contracts.ExecutionEvent) ChainReport {
	prev := ""
	for i, ev := range events {
		computed, err := ComputeEventHash(ev)
		if err != nil {
			return ChainReport{Checked: i, FirstInvalid: ev.SequenceID, Reason: "hash computation failed: " + err.Error()}
		}
		if computed != ev.EventHash {
			return ChainReport{Checked: i, FirstInvalid: ev.SequenceID, Reason: "event hash mismatch"}
		}
		// Linkage: every event after the first must chain to its
		// predecessor. The first event's PrevHash is whatever the store
		// head was at the time (genesis for a fresh store), so only the
		// relative linkage is checked here.
		if i > 0 && ev.PrevHash != prev {
			return ChainReport{Checked: i, FirstInvalid: ev.SequenceID, Reason: "prev hash does not match predecessor"}
		}
		prev = ev.EventHash
	}
	return ChainReport{Valid: true, Checked: len(events)}
}
