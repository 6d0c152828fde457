// Package ledger is the idempotency store: at most one detection outcome
// per (source type, source id).
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Outcome summarizes what a detection cycle did with a source record.
type Outcome string

const (
	OutcomeFinding       Outcome = "finding"
	OutcomeNoFinding     Outcome = "no_finding"
	OutcomeNotApplicable Outcome = "not_applicable"
	OutcomeError         Outcome = "error"
)

// Valid reports whether o is a member of the closed outcome set.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFinding, OutcomeNoFinding, OutcomeNotApplicable, OutcomeError:
		return true
	}
	return false
}

// Entry is one processed-record marker. (SourceType, SourceID) is unique
// across the ledger; entries are never deleted by the pipeline.
type Entry struct {
	ID          uuid.UUID
	SourceType  string
	SourceID    string
	Outcome     Outcome
	Detail      string
	ProcessedAt time.Time
}
