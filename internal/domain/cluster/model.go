// Package cluster groups confirmed surveillance findings into
// time-windowed outbreak clusters by (infection type, unit), escalating
// severity as clusters grow.
package cluster

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
)

// Cluster lifecycle statuses. Resolved is terminal: a resolved cluster
// never re-accrues cases.
const (
	StatusActive        = "active"
	StatusInvestigating = "investigating"
	StatusResolved      = "resolved"
)

var statusTransitions = map[string][]string{
	StatusActive:        {StatusInvestigating, StatusResolved},
	StatusInvestigating: {StatusResolved},
	StatusResolved:      {},
}

// ValidateTransition checks if a cluster status transition is valid.
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
	return fmt.Errorf("invalid cluster transition: %s -> %s", from, to)
}

// SeverityForCount derives cluster severity from case count.
func SeverityForCount(n int) alerts.Severity {
	switch {
	case n >= 5:
		return alerts.SeverityCritical
	case n == 4:
		return alerts.SeverityHigh
	case n == 3:
		return alerts.SeverityMedium
	default:
		return alerts.SeverityLow
	}
}

// OutbreakCluster tracks same-infection-type cases in one unit within a
// rolling window.
type OutbreakCluster struct {
	ID              uuid.UUID
	InfectionType   string
	Unit            string
	CaseCount       int
	FirstCaseAt     time.Time
	LastCaseAt      time.Time
	WindowDays      int
	Status          string
	Severity        alerts.Severity
	ResolvedBy      string
	ResolutionNotes string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClusterCase links one confirmed finding to a cluster. (SourceType,
// SourceID) is unique across all clusters: a finding belongs to at most
// one cluster, ever.
type ClusterCase struct {
	ID         uuid.UUID
	ClusterID  uuid.UUID
	SourceType string
	SourceID   string
	PatientID  string
	CaseAt     time.Time
	CreatedAt  time.Time
}
