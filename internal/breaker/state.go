// Package breaker provides a consecutive-failure circuit breaker for
// protecting calls to an unreliable downstream. Given a shared store it
// coordinates state across processes so a fleet trips and recovers as
// one unit.
package breaker

import (
	"encoding/json"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single trial call tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateRecord is the document stored under the breaker's state key.
// State and transition time live in one value so they can never disagree
// in the store.
type StateRecord struct {
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// encodeRecord serializes a state record. Marshaling a StateRecord
// cannot fail, so the error is discarded.
func encodeRecord(s State, at time.Time) []byte {
	raw, _ := json.Marshal(StateRecord{State: s, ChangedAt: at})
	return raw
}

func decodeRecord(raw []byte) (StateRecord, error) {
	var rec StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StateRecord{}, err
	}
	return rec, nil
}
