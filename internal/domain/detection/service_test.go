package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
	"github.com/haiwatch/haiwatch/internal/domain/ledger"
	"github.com/haiwatch/haiwatch/internal/platform/fhirclient"
)

// ---- mocks ----

type mockFHIR struct {
	reports    []fhirclient.RawDiagnosticReport
	meds       map[string][]fhirclient.RawMedicationRequest
	patients   map[string]*fhirclient.RawPatient
	admissions map[string]time.Time
	failFetch  error
}

func (m *mockFHIR) FetchCultures(_ context.Context, _ time.Time) ([]fhirclient.RawDiagnosticReport, error) {
	if m.failFetch != nil {
		return nil, m.failFetch
	}
	return m.reports, nil
}

func (m *mockFHIR) FetchActiveMedications(_ context.Context, patientID string) ([]fhirclient.RawMedicationRequest, error) {
	return m.meds[patientID], nil
}

func (m *mockFHIR) FetchPatient(_ context.Context, patientID string) (*fhirclient.RawPatient, error) {
	p, ok := m.patients[patientID]
	if !ok {
		return nil, fhirclient.ErrAbsent
	}
	return p, nil
}

func (m *mockFHIR) FetchAdmissionTime(_ context.Context, _, encounterID string) (time.Time, error) {
	t, ok := m.admissions[encounterID]
	if !ok {
		return time.Time{}, fhirclient.ErrAbsent
	}
	return t, nil
}

type mockLedger struct {
	mu      sync.Mutex
	entries map[string]*ledger.Entry
}

func newMockLedger() *mockLedger {
	return &mockLedger{entries: make(map[string]*ledger.Entry)}
}

func (m *mockLedger) key(st, id string) string { return st + "|" + id }

func (m *mockLedger) AlreadyProcessed(_ context.Context, sourceType, sourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[m.key(sourceType, sourceID)]
	return ok, nil
}

func (m *mockLedger) MarkProcessed(_ context.Context, e *ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(e.SourceType, e.SourceID)
	if _, ok := m.entries[k]; !ok {
		m.entries[k] = e
	}
	return nil
}

func (m *mockLedger) GetEntry(_ context.Context, sourceType, sourceID string) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[m.key(sourceType, sourceID)], nil
}

func (m *mockLedger) CountBySource(_ context.Context, sourceType string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.SourceType == sourceType {
			n++
		}
	}
	return n, nil
}

type mockEmitter struct {
	mu       sync.Mutex
	emitted  []alerts.Finding
	seen     map[string]bool
	failFor  map[string]error
}

func newMockEmitter() *mockEmitter {
	return &mockEmitter{seen: make(map[string]bool), failFor: make(map[string]error)}
}

func (m *mockEmitter) Emit(_ context.Context, f alerts.Finding) (*alerts.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[f.SourceID]; err != nil {
		return nil, false, err
	}
	k := f.SurveillanceType + "|" + f.SourceID
	if m.seen[k] {
		return nil, false, nil
	}
	m.seen[k] = true
	m.emitted = append(m.emitted, f)
	return &alerts.Alert{Type: f.SurveillanceType, SourceID: f.SourceID}, true, nil
}

// ---- fixtures ----

func susObs(antibiotic, interp string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"resourceType":"Observation","code":{"text":"%s"},"interpretation":[{"coding":[{"code":"%s"}]}]}`,
		antibiotic, interp))
}

func mrsaReport(id, patientID string) fhirclient.RawDiagnosticReport {
	return fhirclient.RawDiagnosticReport{
		ResourceType:      "DiagnosticReport",
		ID:                id,
		Subject:           &fhirclient.RawReference{Reference: "Patient/" + patientID},
		Encounter:         &fhirclient.RawReference{Reference: "Encounter/e-" + patientID},
		EffectiveDateTime: "2026-08-29T10:00:00Z",
		Conclusion:        "Staphylococcus aureus (MRSA)",
		Code:              &fhirclient.RawCodeableConcept{Text: "Blood culture"},
		Contained:         []json.RawMessage{susObs("Oxacillin", "R"), susObs("Vancomycin", "S")},
	}
}

func medRequest(id, name string) fhirclient.RawMedicationRequest {
	return fhirclient.RawMedicationRequest{
		ResourceType:              "MedicationRequest",
		ID:                        id,
		Status:                    "active",
		MedicationCodeableConcept: &fhirclient.RawCodeableConcept{Text: name},
	}
}

func newTestService(fhir *mockFHIR, led *mockLedger, em *mockEmitter) *Service {
	return NewService(fhir, led, em, zerolog.Nop(), nil, Config{
		Workers:            2,
		OnsetThresholdDays: 2,
		PatientCacheSize:   16,
	})
}

// ---- tests ----

func TestRunCycle_ResistantOrganismFinding(t *testing.T) {
	fhir := &mockFHIR{
		reports: []fhirclient.RawDiagnosticReport{mrsaReport("c1", "p1")},
		patients: map[string]*fhirclient.RawPatient{
			"p1": {ID: "p1", Extension: []fhirclient.RawExtension{
				{URL: fhirclient.CurrentUnitExtension, ValueString: "ICU"},
			}},
		},
		admissions: map[string]time.Time{
			"e-p1": time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		},
	}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	summary, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Checked != 1 || summary.NewFindings != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(em.emitted) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(em.emitted))
	}
	f := em.emitted[0]
	if f.InfectionType != "mrsa" || f.Unit != "ICU" || f.Severity != alerts.SeverityMedium {
		t.Errorf("unexpected finding %+v", f)
	}
	if f.Onset != "healthcare-onset" {
		t.Errorf("expected healthcare-onset (4 days post admission), got %q", f.Onset)
	}
	entry, _ := led.GetEntry(context.Background(), string(TypeResistantOrganism), "c1")
	if entry == nil || entry.Outcome != ledger.OutcomeFinding {
		t.Errorf("expected finding outcome in ledger, got %+v", entry)
	}
}

// Idempotence: a second cycle over the same record set yields zero new
// findings.
func TestRunCycle_Idempotent(t *testing.T) {
	fhir := &mockFHIR{reports: []fhirclient.RawDiagnosticReport{mrsaReport("c1", "p1"), mrsaReport("c2", "p2")}}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	first, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.NewFindings != 2 {
		t.Fatalf("expected 2 findings, got %+v", first)
	}

	second, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.NewFindings != 0 || second.SkippedDuplicate != 2 {
		t.Errorf("second cycle must be a no-op, got %+v", second)
	}
	if len(em.emitted) != 2 {
		t.Errorf("expected 2 total alerts, got %d", len(em.emitted))
	}
}

// Scenario: the same culture id appears twice in one batch (pagination
// overlap). Exactly one alert; the second occurrence is a duplicate.
func TestRunCycle_InBatchDuplicate(t *testing.T) {
	fhir := &mockFHIR{reports: []fhirclient.RawDiagnosticReport{mrsaReport("c1", "p1"), mrsaReport("c1", "p1")}}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	summary, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Checked != 2 || summary.NewFindings != 1 || summary.SkippedDuplicate != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if len(em.emitted) != 1 {
		t.Errorf("expected exactly one alert, got %d", len(em.emitted))
	}
}

// Scenario: no organism and no gram stain — not applicable, no alert, but
// still marked processed.
func TestRunCycle_NotApplicable(t *testing.T) {
	report := fhirclient.RawDiagnosticReport{
		ResourceType:      "DiagnosticReport",
		ID:                "c-pending",
		Subject:           &fhirclient.RawReference{Reference: "Patient/p1"},
		EffectiveDateTime: "2026-08-29T10:00:00Z",
	}
	fhir := &mockFHIR{reports: []fhirclient.RawDiagnosticReport{report}}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	summary, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.SkippedNotApplicable != 1 || summary.NewFindings != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	entry, _ := led.GetEntry(context.Background(), string(TypeResistantOrganism), "c-pending")
	if entry == nil || entry.Outcome != ledger.OutcomeNotApplicable {
		t.Errorf("expected not_applicable ledger entry, got %+v", entry)
	}
}

func TestRunCycle_FetchFailureAborts(t *testing.T) {
	fhir := &mockFHIR{failFetch: errors.New("upstream timeout")}
	svc := newTestService(fhir, newMockLedger(), newMockEmitter())

	if _, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24); err == nil {
		t.Fatal("batch fetch failure must abort the cycle")
	}
}

// A persistence failure on emit leaves the record unmarked so the next
// cycle retries it; other records in the batch still complete.
func TestRunCycle_EmitFailureRetriedNextCycle(t *testing.T) {
	fhir := &mockFHIR{reports: []fhirclient.RawDiagnosticReport{mrsaReport("c1", "p1"), mrsaReport("c2", "p2")}}
	led := newMockLedger()
	em := newMockEmitter()
	em.failFor["c1"] = errors.New("alert store down")
	svc := newTestService(fhir, led, em)

	first, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.NewFindings != 1 || len(first.Errors) != 1 {
		t.Fatalf("expected 1 finding and 1 error, got %+v", first)
	}
	if first.Errors[0].SourceID != "c1" || first.Errors[0].Stage != "emit" {
		t.Errorf("unexpected error entry %+v", first.Errors[0])
	}
	if entry, _ := led.GetEntry(context.Background(), string(TypeResistantOrganism), "c1"); entry != nil {
		t.Error("failed emission must not be marked processed")
	}

	delete(em.failFor, "c1")
	second, err := svc.RunCycle(context.Background(), TypeResistantOrganism, 24)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.NewFindings != 1 || second.SkippedDuplicate != 1 {
		t.Errorf("expected retry to succeed, got %+v", second)
	}
}

// Scenario: MRSA on cefazolin is an inadequate-coverage finding; MRSA on
// vancomycin is not.
func TestRunCycle_InadequateCoverage(t *testing.T) {
	fhir := &mockFHIR{
		reports: []fhirclient.RawDiagnosticReport{mrsaReport("c1", "p1"), mrsaReport("c2", "p2")},
		meds: map[string][]fhirclient.RawMedicationRequest{
			"p1": {medRequest("m1", "Cefazolin 2g IV")},
			"p2": {medRequest("m2", "Vancomycin 1g IV")},
		},
	}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	summary, err := svc.RunCycle(context.Background(), TypeInadequateCoverage, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.NewFindings != 1 {
		t.Fatalf("expected 1 finding, got %+v", summary)
	}
	if em.emitted[0].SourceID != "c1" {
		t.Errorf("expected finding for cefazolin patient, got %+v", em.emitted[0])
	}
	entry, _ := led.GetEntry(context.Background(), string(TypeInadequateCoverage), "c2")
	if entry == nil || entry.Outcome != ledger.OutcomeNoFinding {
		t.Errorf("adequately covered record must be no_finding, got %+v", entry)
	}
}

func TestRunCycle_CoverageMismatch(t *testing.T) {
	report := mrsaReport("c1", "p1")
	fhir := &mockFHIR{
		reports: []fhirclient.RawDiagnosticReport{report},
		meds: map[string][]fhirclient.RawMedicationRequest{
			"p1": {medRequest("m1", "Oxacillin 2g IV")},
		},
	}
	led := newMockLedger()
	em := newMockEmitter()
	svc := newTestService(fhir, led, em)

	summary, err := svc.RunCycle(context.Background(), TypeCoverageMismatch, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.NewFindings != 1 {
		t.Fatalf("expected mismatch finding, got %+v", summary)
	}
	if em.emitted[0].Severity != alerts.SeverityHigh {
		t.Errorf("resistant mismatch must be high severity, got %s", em.emitted[0].Severity)
	}
}

func TestRunCycle_MismatchWithoutPanelIsNotApplicable(t *testing.T) {
	report := fhirclient.RawDiagnosticReport{
		ResourceType:      "DiagnosticReport",
		ID:                "c1",
		Subject:           &fhirclient.RawReference{Reference: "Patient/p1"},
		EffectiveDateTime: "2026-08-29T10:00:00Z",
		Conclusion:        "Staphylococcus aureus",
	}
	fhir := &mockFHIR{reports: []fhirclient.RawDiagnosticReport{report}}
	svc := newTestService(fhir, newMockLedger(), newMockEmitter())

	summary, err := svc.RunCycle(context.Background(), TypeCoverageMismatch, 24)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.SkippedNotApplicable != 1 {
		t.Errorf("expected not applicable without panel, got %+v", summary)
	}
}

func TestParseType(t *testing.T) {
	for _, valid := range []string{"resistant_organism", "coverage_mismatch", "inadequate_coverage", " Resistant_Organism "} {
		if _, err := ParseType(valid); err != nil {
			t.Errorf("ParseType(%q): %v", valid, err)
		}
	}
	if _, err := ParseType("outbreak"); err == nil {
		t.Error("expected error for unknown type")
	}
}
