// Package alerts persists severity-scored, audited surveillance alerts.
package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity is ordered: Low < Medium < High < Critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// ParseSeverity maps the stored string form back onto the enum.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// PriorityBase is the priority score floor for a severity; type-specific
// weighting is added on top.
func (s Severity) PriorityBase() int {
	switch s {
	case SeverityLow:
		return 25
	case SeverityMedium:
		return 50
	case SeverityHigh:
		return 75
	case SeverityCritical:
		return 90
	}
	return 0
}

// Alert lifecycle statuses.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusInProgress   = "in_progress"
	StatusResolved     = "resolved"
	StatusSnoozed      = "snoozed"
)

// statusTransitions defines valid alert status transitions. Resolved is
// terminal.
var statusTransitions = map[string][]string{
	StatusPending:      {StatusAcknowledged, StatusInProgress, StatusSnoozed},
	StatusAcknowledged: {StatusInProgress, StatusResolved, StatusSnoozed},
	StatusInProgress:   {StatusResolved, StatusSnoozed},
	StatusSnoozed:      {StatusPending, StatusAcknowledged, StatusInProgress},
	StatusResolved:     {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to string) error {
	allowed, ok := statusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown from-status: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition: %s -> %s", from, to)
}

// Alert is one surveillance finding surfaced to infection-prevention
// staff. (Type, SourceID) is unique: re-detections of the same source
// record never create a second alert.
type Alert struct {
	ID            uuid.UUID
	Type          string
	SourceID      string
	Severity      Severity
	Priority      int
	Title         string
	Summary       string
	Detail        json.RawMessage
	PatientID     string
	Unit          string
	InfectionType string
	Onset         string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AlertAudit is one append-only entry in an alert's audit trail.
type AlertAudit struct {
	ID        uuid.UUID
	AlertID   uuid.UUID
	Action    string
	Actor     string
	Note      string
	CreatedAt time.Time
}
