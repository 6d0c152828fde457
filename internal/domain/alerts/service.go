package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haiwatch/haiwatch/internal/domain/classify"
	"github.com/haiwatch/haiwatch/internal/platform/telemetry"
)

// typeWeight nudges the priority score per surveillance type so, at equal
// severity, confirmed resistant organisms sort ahead of coverage findings.
var typeWeight = map[string]int{
	"resistant_organism":  5,
	"coverage_mismatch":   3,
	"inadequate_coverage": 0,
}

// SeverityForMDRO maps a confirmed MDRO category to alert severity.
func SeverityForMDRO(category classify.Category) Severity {
	switch category {
	case classify.CategoryCRE:
		return SeverityHigh
	case classify.CategoryMRSA, classify.CategoryVRE, classify.CategoryESBL:
		return SeverityMedium
	}
	return SeverityLow
}

// SeverityForMismatch maps a drug-bug mismatch kind to alert severity.
func SeverityForMismatch(kind classify.MismatchKind) Severity {
	switch kind {
	case classify.MismatchResistant:
		return SeverityHigh
	case classify.MismatchIntermediate, classify.MismatchNoCoverage:
		return SeverityMedium
	}
	return SeverityLow
}

// SeverityForCoverage maps a coverage assessment to alert severity.
func SeverityForCoverage(status classify.CoverageStatus) Severity {
	if status == classify.CoverageInadequate {
		return SeverityMedium
	}
	return SeverityLow
}

// Finding is the reportable classification outcome handed to Emit.
type Finding struct {
	SurveillanceType string
	SourceID         string
	PatientID        string
	Unit             string
	InfectionType    string
	Onset            string
	Severity         Severity
	Title            string
	Summary          string
	Detail           any
}

// Service emits alerts exactly once per (type, source id).
type Service struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewService(repo Repository, logger zerolog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{repo: repo, logger: logger, metrics: metrics}
}

// Emit persists the finding as an Alert plus a "created" audit entry,
// atomically. The bool reports whether a new alert was created: an
// existing alert for the same (type, source id), found up front or by
// losing the unique-index race, is a success-as-no-op. The ledger
// normally prevents re-entry; this check covers ledger/alert-store
// divergence.
func (s *Service) Emit(ctx context.Context, f Finding) (*Alert, bool, error) {
	exists, err := s.repo.Exists(ctx, f.SurveillanceType, f.SourceID)
	if err != nil {
		return nil, false, fmt.Errorf("alert existence check: %w", err)
	}
	if exists {
		s.logger.Debug().
			Str("type", f.SurveillanceType).
			Str("source_id", f.SourceID).
			Msg("alert already exists, skipping")
		return nil, false, nil
	}

	detail, err := json.Marshal(f.Detail)
	if err != nil {
		return nil, false, fmt.Errorf("marshal alert detail: %w", err)
	}

	alert := &Alert{
		ID:            uuid.New(),
		Type:          f.SurveillanceType,
		SourceID:      f.SourceID,
		Severity:      f.Severity,
		Priority:      priorityScore(f.Severity, f.SurveillanceType),
		Title:         f.Title,
		Summary:       f.Summary,
		Detail:        detail,
		PatientID:     f.PatientID,
		Unit:          f.Unit,
		InfectionType: f.InfectionType,
		Onset:         f.Onset,
		Status:        StatusPending,
	}
	audit := &AlertAudit{Action: "created", Actor: "surveillance"}

	if err := s.repo.CreateWithAudit(ctx, alert, audit); err != nil {
		if err == ErrDuplicate {
			return nil, false, nil
		}
		return nil, false, err
	}

	if s.metrics != nil {
		s.metrics.AlertsCreated.WithLabelValues(f.SurveillanceType, f.Severity.String()).Inc()
	}
	s.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("type", alert.Type).
		Str("severity", alert.Severity.String()).
		Str("patient_id", alert.PatientID).
		Msg("alert created")

	return alert, true, nil
}

// Transition moves an alert through its lifecycle, recording an audit
// entry per transition.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to, actor, note string) error {
	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(alert.Status, to); err != nil {
		return err
	}
	audit := &AlertAudit{Action: to, Actor: actor, Note: note}
	return s.repo.UpdateStatusWithAudit(ctx, id, to, audit)
}

func priorityScore(severity Severity, surveillanceType string) int {
	score := severity.PriorityBase() + typeWeight[surveillanceType]
	if score > 100 {
		score = 100
	}
	return score
}
