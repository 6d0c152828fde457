package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
)

type mockRepo struct {
	clusters map[uuid.UUID]*OutbreakCluster
	cases    map[string]uuid.UUID // source key -> cluster
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		clusters: make(map[uuid.UUID]*OutbreakCluster),
		cases:    make(map[string]uuid.UUID),
	}
}

func caseKey(sourceType, sourceID string) string { return sourceType + "|" + sourceID }

func (m *mockRepo) CaseExists(_ context.Context, sourceType, sourceID string) (bool, error) {
	_, ok := m.cases[caseKey(sourceType, sourceID)]
	return ok, nil
}

func (m *mockRepo) FindOpenCluster(_ context.Context, infectionType, unit string) (*OutbreakCluster, error) {
	var best *OutbreakCluster
	for _, c := range m.clusters {
		if c.InfectionType != infectionType || c.Unit != unit {
			continue
		}
		if c.Status != StatusActive && c.Status != StatusInvestigating {
			continue
		}
		if best == nil || c.LastCaseAt.After(best.LastCaseAt) {
			best = c
		}
	}
	return best, nil
}

func (m *mockRepo) CreateCluster(_ context.Context, c *OutbreakCluster, first *ClusterCase) error {
	k := caseKey(first.SourceType, first.SourceID)
	if _, ok := m.cases[k]; ok {
		return ErrDuplicateCase
	}
	cp := *c
	m.clusters[c.ID] = &cp
	m.cases[k] = c.ID
	return nil
}

func (m *mockRepo) UpdateClusterWithCase(_ context.Context, c *OutbreakCluster, cs *ClusterCase) error {
	k := caseKey(cs.SourceType, cs.SourceID)
	if _, ok := m.cases[k]; ok {
		return ErrDuplicateCase
	}
	cp := *c
	m.clusters[c.ID] = &cp
	m.cases[k] = c.ID
	return nil
}

func (m *mockRepo) GetCluster(_ context.Context, id uuid.UUID) (*OutbreakCluster, error) {
	c, ok := m.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, c *OutbreakCluster) error {
	stored, ok := m.clusters[c.ID]
	if !ok {
		return fmt.Errorf("cluster %s not found", c.ID)
	}
	*stored = *c
	return nil
}

func (m *mockRepo) ListOpen(_ context.Context) ([]*OutbreakCluster, error) {
	var out []*OutbreakCluster
	for _, c := range m.clusters {
		if c.Status == StatusActive || c.Status == StatusInvestigating {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockFeed struct{ cases []ConfirmedCase }

func (m *mockFeed) ConfirmedCases(_ context.Context, _ time.Time) ([]ConfirmedCase, error) {
	return m.cases, nil
}

type mockEmitter struct {
	emitted []alerts.Finding
	seen    map[string]bool
}

func newMockEmitter() *mockEmitter { return &mockEmitter{seen: make(map[string]bool)} }

func (m *mockEmitter) Emit(_ context.Context, f alerts.Finding) (*alerts.Alert, bool, error) {
	k := f.SurveillanceType + "|" + f.SourceID
	if m.seen[k] {
		return nil, false, nil
	}
	m.seen[k] = true
	m.emitted = append(m.emitted, f)
	return &alerts.Alert{}, true, nil
}

func vreCase(sourceID string, day int) ConfirmedCase {
	return ConfirmedCase{
		SourceType:    "resistant_organism",
		SourceID:      sourceID,
		PatientID:     "p-" + sourceID,
		InfectionType: "vre",
		Unit:          "PICU",
		OccurredAt:    time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC),
	}
}

func newTestService(repo Repository, feed CaseFeed, em Emitter) *Service {
	return NewService(repo, feed, em, zerolog.Nop(), nil, Config{WindowDays: 14, MinClusterSize: 2})
}

// Scenario: three VRE cases in PICU within 14 days. Cluster forms silently
// at size 1, the formed alert fires at size 2, an escalation alert fires
// at size 3 when severity rises to medium.
func TestRunCycle_FormGrowEscalate(t *testing.T) {
	repo := newMockRepo()
	em := newMockEmitter()
	feed := &mockFeed{cases: []ConfirmedCase{vreCase("c1", 10), vreCase("c2", 12), vreCase("c3", 14)}}
	svc := newTestService(repo, feed, em)

	summary, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.CasesAnalyzed != 3 || summary.ClustersFormed != 1 || summary.ClustersUpdated != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.AlertsCreated != 2 {
		t.Fatalf("expected formed + escalation alerts, got %+v", summary)
	}
	if len(em.emitted) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(em.emitted))
	}
	if em.emitted[0].Severity != alerts.SeverityLow {
		t.Errorf("formed alert at size 2 should carry low severity, got %s", em.emitted[0].Severity)
	}
	if em.emitted[1].Severity != alerts.SeverityMedium {
		t.Errorf("escalation at size 3 should be medium, got %s", em.emitted[1].Severity)
	}

	if len(repo.clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(repo.clusters))
	}
	for _, c := range repo.clusters {
		if c.CaseCount != 3 || c.Severity != alerts.SeverityMedium {
			t.Errorf("unexpected cluster state %+v", c)
		}
		if !c.FirstCaseAt.Equal(time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected first case at %v", c.FirstCaseAt)
		}
		if !c.LastCaseAt.Equal(time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected last case at %v", c.LastCaseAt)
		}
	}
}

func TestSeverityForCount_Thresholds(t *testing.T) {
	want := map[int]alerts.Severity{
		1: alerts.SeverityLow,
		2: alerts.SeverityLow,
		3: alerts.SeverityMedium,
		4: alerts.SeverityHigh,
		5: alerts.SeverityCritical,
		9: alerts.SeverityCritical,
	}
	for n, sev := range want {
		if got := SeverityForCount(n); got != sev {
			t.Errorf("SeverityForCount(%d) = %s, want %s", n, got, sev)
		}
	}
}

func TestRunCycle_EscalatesThroughAllThresholds(t *testing.T) {
	repo := newMockRepo()
	em := newMockEmitter()
	feed := &mockFeed{cases: []ConfirmedCase{
		vreCase("c1", 10), vreCase("c2", 11), vreCase("c3", 12),
		vreCase("c4", 13), vreCase("c5", 14),
	}}
	svc := newTestService(repo, feed, em)

	summary, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// formed at 2, escalations at 3 (medium), 4 (high), 5 (critical)
	if summary.AlertsCreated != 4 {
		t.Fatalf("expected 4 alerts, got %+v", summary)
	}
	last := em.emitted[len(em.emitted)-1]
	if last.Severity != alerts.SeverityCritical {
		t.Errorf("final escalation should be critical, got %s", last.Severity)
	}
}

// A finding already clustered anywhere is ignored: a (source_type,
// source_id) belongs to at most one cluster, ever.
func TestRunCycle_IdempotentAcrossCycles(t *testing.T) {
	repo := newMockRepo()
	em := newMockEmitter()
	feed := &mockFeed{cases: []ConfirmedCase{vreCase("c1", 10), vreCase("c2", 12)}}
	svc := newTestService(repo, feed, em)

	if _, err := svc.RunCycle(context.Background(), 14); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	second, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.SkippedExisting != 2 || second.ClustersFormed != 0 || second.ClustersUpdated != 0 {
		t.Errorf("second cycle must skip clustered cases, got %+v", second)
	}
	for _, c := range repo.clusters {
		if c.CaseCount != 2 {
			t.Errorf("case count must not grow on re-observation, got %d", c.CaseCount)
		}
	}
}

func TestRunCycle_NoUnitNeverClusters(t *testing.T) {
	repo := newMockRepo()
	c := vreCase("c1", 10)
	c.Unit = ""
	feed := &mockFeed{cases: []ConfirmedCase{c}}
	svc := newTestService(repo, feed, newMockEmitter())

	summary, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.SkippedNoUnit != 1 || len(repo.clusters) != 0 {
		t.Errorf("unit-less case must not cluster, got %+v", summary)
	}
}

// A matching open cluster whose last case fell outside the window is not
// joined; the new case starts a fresh cluster.
func TestRunCycle_StaleClusterNotJoined(t *testing.T) {
	repo := newMockRepo()
	em := newMockEmitter()
	feed := &mockFeed{cases: []ConfirmedCase{vreCase("old", 1)}}
	svc := newTestService(repo, feed, em)
	if _, err := svc.RunCycle(context.Background(), 14); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	late := vreCase("late", 31) // 30 days after the seed case
	feed.cases = []ConfirmedCase{late}
	summary, err := svc.RunCycle(context.Background(), 45)
	if err != nil {
		t.Fatalf("late cycle: %v", err)
	}
	if summary.ClustersFormed != 1 || summary.ClustersUpdated != 0 {
		t.Errorf("expected a fresh cluster, got %+v", summary)
	}
	if len(repo.clusters) != 2 {
		t.Errorf("expected 2 clusters, got %d", len(repo.clusters))
	}
}

func TestResolve_TerminalAndNeverReaccrues(t *testing.T) {
	repo := newMockRepo()
	em := newMockEmitter()
	feed := &mockFeed{cases: []ConfirmedCase{vreCase("c1", 10), vreCase("c2", 11)}}
	svc := newTestService(repo, feed, em)
	if _, err := svc.RunCycle(context.Background(), 14); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	var clusterID uuid.UUID
	for id := range repo.clusters {
		clusterID = id
	}
	if err := svc.Resolve(context.Background(), clusterID, "ip-nurse", "contained"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	resolved := repo.clusters[clusterID]
	if resolved.Status != StatusResolved || resolved.ResolvedBy != "ip-nurse" || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved state %+v", resolved)
	}

	if err := svc.Resolve(context.Background(), clusterID, "x", ""); err == nil {
		t.Error("resolving a resolved cluster must fail")
	}

	// A new matching case forms a fresh cluster rather than reopening.
	feed.cases = []ConfirmedCase{vreCase("c3", 12)}
	summary, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("post-resolve cycle: %v", err)
	}
	if summary.ClustersFormed != 1 {
		t.Errorf("expected fresh cluster after resolution, got %+v", summary)
	}
	if repo.clusters[clusterID].CaseCount != 2 {
		t.Error("resolved cluster must not re-accrue cases")
	}
}

func TestPromote(t *testing.T) {
	repo := newMockRepo()
	feed := &mockFeed{cases: []ConfirmedCase{vreCase("c1", 10)}}
	svc := newTestService(repo, feed, newMockEmitter())
	if _, err := svc.RunCycle(context.Background(), 14); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	var clusterID uuid.UUID
	for id := range repo.clusters {
		clusterID = id
	}
	if err := svc.Promote(context.Background(), clusterID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if repo.clusters[clusterID].Status != StatusInvestigating {
		t.Errorf("expected investigating, got %s", repo.clusters[clusterID].Status)
	}
	if err := svc.Promote(context.Background(), clusterID); err == nil {
		t.Error("promoting an investigating cluster must fail")
	}

	// An investigating cluster still accrues cases.
	feed.cases = []ConfirmedCase{vreCase("c2", 11)}
	summary, err := svc.RunCycle(context.Background(), 14)
	if err != nil {
		t.Fatalf("growth cycle: %v", err)
	}
	if summary.ClustersUpdated != 1 {
		t.Errorf("investigating cluster should accept cases, got %+v", summary)
	}
}

func TestValidateTransition_Cluster(t *testing.T) {
	if err := ValidateTransition(StatusActive, StatusInvestigating); err != nil {
		t.Errorf("active -> investigating should be valid: %v", err)
	}
	if err := ValidateTransition(StatusResolved, StatusActive); err == nil {
		t.Error("resolved must be terminal")
	}
}
