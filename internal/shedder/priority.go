package shedder

import "fmt"

// Priority ranks how valuable a request is to the caller. Shedding only
// ever rejects Low and Medium work; High and Critical requests are
// admitted regardless of load.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire form used in the X-Priority header and in
// metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sheddable reports whether requests of this priority may be rejected
// under load.
func (p Priority) Sheddable() bool {
	return p < PriorityHigh
}

// ParsePriority maps the wire form back to a Priority. Unknown strings
// are an error so callers can apply their own default.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("shedder: unknown priority %q", s)
	}
}
