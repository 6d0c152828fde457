// Package detection runs the per-surveillance-type detection cycles:
// fetch candidate cultures, dedupe against the processing ledger, parse,
// classify, emit alerts, and mark every record's outcome.
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
	"github.com/haiwatch/haiwatch/internal/domain/classify"
	"github.com/haiwatch/haiwatch/internal/domain/ledger"
	"github.com/haiwatch/haiwatch/internal/domain/record"
	"github.com/haiwatch/haiwatch/internal/platform/fhirclient"
	"github.com/haiwatch/haiwatch/internal/platform/telemetry"
)

// SurveillanceType identifies one detection pipeline.
type SurveillanceType string

const (
	TypeResistantOrganism  SurveillanceType = "resistant_organism"
	TypeCoverageMismatch   SurveillanceType = "coverage_mismatch"
	TypeInadequateCoverage SurveillanceType = "inadequate_coverage"
)

// Types lists every surveillance type, for CLI iteration.
var Types = []SurveillanceType{TypeResistantOrganism, TypeCoverageMismatch, TypeInadequateCoverage}

// ParseType validates a surveillance type string.
func ParseType(s string) (SurveillanceType, error) {
	t := SurveillanceType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown surveillance type %q", s)
}

// CycleError is one per-record failure collected during a cycle.
type CycleError struct {
	SourceID string `json:"source_id"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// CycleSummary reports what one detection cycle did. Checked counts every
// candidate; records classified with no finding are marked in the ledger
// but tallied nowhere else.
type CycleSummary struct {
	Type                 SurveillanceType `json:"type"`
	Checked              int              `json:"checked"`
	NewFindings          int              `json:"new_findings"`
	SkippedDuplicate     int              `json:"skipped_duplicate"`
	SkippedNotApplicable int              `json:"skipped_not_applicable"`
	Errors               []CycleError     `json:"errors"`
	Duration             time.Duration    `json:"duration"`
}

// Emitter is the alert-emission contract the orchestrator depends on.
type Emitter interface {
	Emit(ctx context.Context, f alerts.Finding) (*alerts.Alert, bool, error)
}

// Config carries the per-cycle tunables.
type Config struct {
	Workers            int
	OnsetThresholdDays int
	PatientCacheSize   int
}

// Service orchestrates detection cycles. Safe for concurrent RunCycle
// calls across surveillance types; ledger and alert-store unique
// constraints serialize the write side.
type Service struct {
	fhir    fhirclient.Client
	ledger  ledger.Repository
	emitter Emitter
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	cfg     Config
}

func NewService(fhir fhirclient.Client, ledgerRepo ledger.Repository, emitter Emitter, logger zerolog.Logger, metrics *telemetry.Metrics, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Service{
		fhir:    fhir,
		ledger:  ledgerRepo,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// cycleState is the mutable per-cycle accumulator shared by the worker
// goroutines.
type cycleState struct {
	mu       sync.Mutex
	summary  CycleSummary
	patients *record.PatientCache
}

func (st *cycleState) addError(sourceID, stage string, err error) {
	st.mu.Lock()
	st.summary.Errors = append(st.summary.Errors, CycleError{SourceID: sourceID, Stage: stage, Message: err.Error()})
	st.mu.Unlock()
}

// RunCycle executes one detection cycle for the surveillance type. A
// failure to fetch the candidate batch aborts this type's cycle (the next
// scheduled invocation retries); per-record failures are collected into
// the summary and never abort the batch.
func (s *Service) RunCycle(ctx context.Context, typ SurveillanceType, lookbackHours int) (*CycleSummary, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return nil, err
	}
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	start := time.Now()
	since := start.Add(-time.Duration(lookbackHours) * time.Hour)

	raws, err := s.fhir.FetchCultures(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch cultures: %w", err)
	}

	st := &cycleState{
		summary:  CycleSummary{Type: typ, Checked: len(raws)},
		patients: record.NewPatientCache(s.cfg.PatientCacheSize),
	}

	// In-batch dedupe: the same source id returned twice in one poll
	// (pagination overlap) is handled once; later occurrences count as
	// duplicates before any goroutine races on them.
	seen := make(map[string]bool, len(raws))
	unique := make([]fhirclient.RawDiagnosticReport, 0, len(raws))
	for _, raw := range raws {
		if raw.ID != "" && seen[raw.ID] {
			st.summary.SkippedDuplicate++
			continue
		}
		seen[raw.ID] = true
		unique = append(unique, raw)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range unique {
		raw := unique[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					st.addError(raw.ID, "process", fmt.Errorf("panic: %v", r))
				}
			}()
			s.processRecord(gctx, typ, &raw, st)
			return nil
		})
	}
	// Workers only report through cycleState; the group never carries an
	// error, it just bounds parallelism.
	_ = g.Wait()

	st.summary.Duration = time.Since(start)
	s.recordMetrics(&st.summary)
	s.logger.Info().
		Str("type", string(typ)).
		Int("checked", st.summary.Checked).
		Int("new_findings", st.summary.NewFindings).
		Int("skipped_duplicate", st.summary.SkippedDuplicate).
		Int("skipped_not_applicable", st.summary.SkippedNotApplicable).
		Int("errors", len(st.summary.Errors)).
		Dur("duration", st.summary.Duration).
		Msg("detection cycle complete")
	return &st.summary, nil
}

func (s *Service) processRecord(ctx context.Context, typ SurveillanceType, raw *fhirclient.RawDiagnosticReport, st *cycleState) {
	if raw.ID == "" {
		st.addError("", "dedupe", errors.New("record has no source id"))
		return
	}

	processed, err := s.ledger.AlreadyProcessed(ctx, string(typ), raw.ID)
	if err != nil {
		st.addError(raw.ID, "ledger", err)
		return
	}
	if processed {
		st.mu.Lock()
		st.summary.SkippedDuplicate++
		st.mu.Unlock()
		return
	}

	event, ok := record.ParseCulture(raw)
	if !ok {
		s.markNotApplicable(ctx, typ, raw.ID, "missing mandatory fields", st)
		return
	}
	if event.Organism == "" && event.GramStain == "" {
		s.markNotApplicable(ctx, typ, event.ID, "no organism or gram stain reported", st)
		return
	}

	finding, outcome, detail, err := s.classifyRecord(ctx, typ, event, st)
	if err != nil {
		st.addError(event.ID, "classify", err)
		return
	}

	if finding == nil {
		s.mark(ctx, typ, event.ID, outcome, detail, st)
		if outcome == ledger.OutcomeNotApplicable {
			st.mu.Lock()
			st.summary.SkippedNotApplicable++
			st.mu.Unlock()
		}
		return
	}

	_, created, err := s.emitter.Emit(ctx, *finding)
	if err != nil {
		// Not marked processed: the finding must be retried next cycle
		// rather than silently vanish.
		st.addError(event.ID, "emit", err)
		return
	}

	s.mark(ctx, typ, event.ID, ledger.OutcomeFinding, detail, st)
	st.mu.Lock()
	if created {
		st.summary.NewFindings++
	} else {
		st.summary.SkippedDuplicate++
	}
	st.mu.Unlock()
}

// classifyRecord runs the type-specific rule engine. It returns a finding
// to emit, or a terminal ledger outcome with detail when there is nothing
// to report.
func (s *Service) classifyRecord(ctx context.Context, typ SurveillanceType, event *record.CultureEvent, st *cycleState) (*alerts.Finding, ledger.Outcome, string, error) {
	category := classify.Categorize(event.Organism, event.GramStain)

	switch typ {
	case TypeResistantOrganism:
		confirmed, resistantTo := classify.ConfirmResistance(category, event.Susceptibilities)
		if !confirmed {
			return nil, ledger.OutcomeNoFinding, fmt.Sprintf("category %s, resistance not confirmed", category), nil
		}
		patient, onset := s.patientContext(ctx, event, st)
		label := classify.MDROLabel(category)
		f := &alerts.Finding{
			SurveillanceType: string(typ),
			SourceID:         event.ID,
			PatientID:        event.PatientID,
			Unit:             patient.Unit,
			InfectionType:    string(category),
			Onset:            string(onset),
			Severity:         alerts.SeverityForMDRO(category),
			Title:            fmt.Sprintf("%s detected", label),
			Summary:          fmt.Sprintf("%s identified in %s for patient %s", label, event.SpecimenType, patient.MRN),
			Detail: map[string]any{
				"organism":     event.Organism,
				"category":     category,
				"resistant_to": resistantTo,
				"specimen":     event.SpecimenType,
				"collected_at": event.CollectedAt,
			},
		}
		return f, ledger.OutcomeFinding, fmt.Sprintf("%s confirmed", label), nil

	case TypeInadequateCoverage:
		meds, err := s.activeMedications(ctx, event.PatientID)
		if err != nil {
			return nil, "", "", err
		}
		assessment := classify.AssessCoverage(category, meds)
		switch assessment.Status {
		case classify.CoverageUnknown:
			return nil, ledger.OutcomeNotApplicable, assessment.Reason, nil
		case classify.CoverageAdequate:
			return nil, ledger.OutcomeNoFinding, assessment.Reason, nil
		}
		patient, onset := s.patientContext(ctx, event, st)
		f := &alerts.Finding{
			SurveillanceType: string(typ),
			SourceID:         event.ID,
			PatientID:        event.PatientID,
			Unit:             patient.Unit,
			InfectionType:    string(category),
			Onset:            string(onset),
			Severity:         alerts.SeverityForCoverage(assessment.Status),
			Title:            fmt.Sprintf("Inadequate empiric coverage for %s", category),
			Summary:          assessment.Reason,
			Detail: map[string]any{
				"organism":         event.Organism,
				"category":         category,
				"missing_coverage": assessment.MissingCoverage,
				"current_meds":     medNames(meds),
				"collected_at":     event.CollectedAt,
			},
		}
		return f, ledger.OutcomeFinding, "inadequate coverage", nil

	case TypeCoverageMismatch:
		meds, err := s.activeMedications(ctx, event.PatientID)
		if err != nil {
			return nil, "", "", err
		}
		if len(event.Susceptibilities) == 0 {
			return nil, ledger.OutcomeNotApplicable, "no susceptibility panel", nil
		}
		mismatches := classify.DetectMismatches(event.Organism, meds, event.Susceptibilities)
		if len(mismatches) == 0 {
			return nil, ledger.OutcomeNoFinding, "therapy consistent with panel", nil
		}
		patient, onset := s.patientContext(ctx, event, st)
		f := &alerts.Finding{
			SurveillanceType: string(typ),
			SourceID:         event.ID,
			PatientID:        event.PatientID,
			Unit:             patient.Unit,
			InfectionType:    string(category),
			Onset:            string(onset),
			Severity:         worstMismatchSeverity(mismatches),
			Title:            fmt.Sprintf("Drug-bug mismatch for %s", event.Organism),
			Summary:          mismatches[0].Detail,
			Detail: map[string]any{
				"organism":     event.Organism,
				"mismatches":   mismatches,
				"collected_at": event.CollectedAt,
			},
		}
		return f, ledger.OutcomeFinding, fmt.Sprintf("%d mismatches", len(mismatches)), nil
	}

	return nil, "", "", fmt.Errorf("unhandled surveillance type %s", typ)
}

// patientContext resolves the patient snapshot and onset attribution for a
// finding. Lookup failures degrade the alert (empty unit, unknown onset)
// rather than suppressing it.
func (s *Service) patientContext(ctx context.Context, event *record.CultureEvent, st *cycleState) (record.Patient, classify.Onset) {
	st.mu.Lock()
	cached, ok := st.patients.Get(event.PatientID)
	st.mu.Unlock()
	if ok {
		return *cached, classify.AttributeOnset(cached.AdmittedAt, event.CollectedAt, s.cfg.OnsetThresholdDays)
	}

	patient := record.Patient{ID: event.PatientID}
	raw, err := s.fhir.FetchPatient(ctx, event.PatientID)
	switch {
	case errors.Is(err, fhirclient.ErrAbsent):
		// Patient snapshot unavailable; the alert still goes out.
	case err != nil:
		s.logger.Warn().Err(err).Str("patient_id", event.PatientID).Msg("patient lookup failed")
	default:
		if parsed, ok := record.ParsePatient(raw); ok {
			patient = *parsed
		}
	}

	if event.EncounterID != "" {
		admitted, err := s.fhir.FetchAdmissionTime(ctx, event.PatientID, event.EncounterID)
		if err == nil {
			patient.AdmittedAt = admitted
		} else if !errors.Is(err, fhirclient.ErrAbsent) {
			s.logger.Warn().Err(err).Str("encounter_id", event.EncounterID).Msg("admission lookup failed")
		}
	}

	st.mu.Lock()
	st.patients.Put(event.PatientID, &patient)
	st.mu.Unlock()
	return patient, classify.AttributeOnset(patient.AdmittedAt, event.CollectedAt, s.cfg.OnsetThresholdDays)
}

func (s *Service) activeMedications(ctx context.Context, patientID string) ([]record.MedicationRecord, error) {
	raws, err := s.fhir.FetchActiveMedications(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetch medications for %s: %w", patientID, err)
	}
	meds := make([]record.MedicationRecord, 0, len(raws))
	for i := range raws {
		if med, ok := record.ParseMedication(&raws[i]); ok {
			meds = append(meds, *med)
		}
	}
	return meds, nil
}

func (s *Service) markNotApplicable(ctx context.Context, typ SurveillanceType, sourceID, detail string, st *cycleState) {
	s.mark(ctx, typ, sourceID, ledger.OutcomeNotApplicable, detail, st)
	st.mu.Lock()
	st.summary.SkippedNotApplicable++
	st.mu.Unlock()
}

func (s *Service) mark(ctx context.Context, typ SurveillanceType, sourceID string, outcome ledger.Outcome, detail string, st *cycleState) {
	err := s.ledger.MarkProcessed(ctx, &ledger.Entry{
		SourceType: string(typ),
		SourceID:   sourceID,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		st.addError(sourceID, "mark", err)
	}
}

func (s *Service) recordMetrics(summary *CycleSummary) {
	if s.metrics == nil {
		return
	}
	typ := string(summary.Type)
	s.metrics.CycleRecords.WithLabelValues(typ, "new_finding").Add(float64(summary.NewFindings))
	s.metrics.CycleRecords.WithLabelValues(typ, "skipped_duplicate").Add(float64(summary.SkippedDuplicate))
	s.metrics.CycleRecords.WithLabelValues(typ, "skipped_not_applicable").Add(float64(summary.SkippedNotApplicable))
	s.metrics.CycleRecords.WithLabelValues(typ, "error").Add(float64(len(summary.Errors)))
	s.metrics.CycleDuration.WithLabelValues(typ).Observe(summary.Duration.Seconds())
}

func worstMismatchSeverity(mismatches []classify.Mismatch) alerts.Severity {
	worst := alerts.SeverityLow
	for _, m := range mismatches {
		if sev := alerts.SeverityForMismatch(m.Kind); sev > worst {
			worst = sev
		}
	}
	return worst
}

func medNames(meds []record.MedicationRecord) []string {
	names := make([]string, 0, len(meds))
	for _, m := range meds {
		names = append(names, m.Antibiotic)
	}
	return names
}
