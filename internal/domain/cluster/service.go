package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
	"github.com/haiwatch/haiwatch/internal/platform/telemetry"
)

// ConfirmedCase is one confirmed finding arriving from the feed.
type ConfirmedCase struct {
	SourceType    string
	SourceID      string
	PatientID     string
	InfectionType string
	Unit          string
	OccurredAt    time.Time
}

// CaseFeed supplies confirmed findings for clustering. The alert store is
// the feed in production: resistant-organism alerts carry infection type
// and unit.
type CaseFeed interface {
	ConfirmedCases(ctx context.Context, since time.Time) ([]ConfirmedCase, error)
}

// Emitter is the alert-emission contract for formed/escalation alerts.
type Emitter interface {
	Emit(ctx context.Context, f alerts.Finding) (*alerts.Alert, bool, error)
}

// CycleSummary reports one clustering cycle.
type CycleSummary struct {
	CasesAnalyzed   int `json:"cases_analyzed"`
	ClustersFormed  int `json:"clusters_formed"`
	ClustersUpdated int `json:"clusters_updated"`
	AlertsCreated   int `json:"alerts_created"`
	SkippedExisting int `json:"skipped_existing"`
	SkippedNoUnit   int `json:"skipped_no_unit"`
}

// Config carries the clustering tunables.
type Config struct {
	WindowDays     int
	MinClusterSize int
}

// Service runs clustering cycles and cluster lifecycle actions.
type Service struct {
	repo    Repository
	feed    CaseFeed
	emitter Emitter
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	cfg     Config

	// keys serializes read-modify-write per (infectionType, unit):
	// case_count and severity updates must be single-writer per key.
	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

func NewService(repo Repository, feed CaseFeed, emitter Emitter, logger zerolog.Logger, metrics *telemetry.Metrics, cfg Config) *Service {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 14
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	return &Service{
		repo:    repo,
		feed:    feed,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		keys:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockKey(infectionType, unit string) func() {
	key := infectionType + "|" + unit
	s.keysMu.Lock()
	mu, ok := s.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keys[key] = mu
	}
	s.keysMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// RunCycle reads confirmed findings from the feed and folds them into
// clusters. Already-clustered findings and findings without a unit are
// skipped (the latter are still surfaced by their individual alerts).
func (s *Service) RunCycle(ctx context.Context, lookbackDays int) (*CycleSummary, error) {
	if lookbackDays <= 0 {
		lookbackDays = s.cfg.WindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -lookbackDays)

	cases, err := s.feed.ConfirmedCases(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read confirmed cases: %w", err)
	}

	summary := &CycleSummary{CasesAnalyzed: len(cases)}
	for _, c := range cases {
		if err := s.ingestCase(ctx, c, summary); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Int("cases_analyzed", summary.CasesAnalyzed).
		Int("clusters_formed", summary.ClustersFormed).
		Int("clusters_updated", summary.ClustersUpdated).
		Int("alerts_created", summary.AlertsCreated).
		Msg("cluster cycle complete")
	return summary, nil
}

func (s *Service) ingestCase(ctx context.Context, c ConfirmedCase, summary *CycleSummary) error {
	if c.Unit == "" {
		// Clustering needs spatial grouping; a case with unknown
		// location was already surfaced by its individual alert.
		summary.SkippedNoUnit++
		return nil
	}
	if c.InfectionType == "" || c.SourceID == "" {
		summary.SkippedNoUnit++
		return nil
	}

	exists, err := s.repo.CaseExists(ctx, c.SourceType, c.SourceID)
	if err != nil {
		return err
	}
	if exists {
		summary.SkippedExisting++
		return nil
	}

	unlock := s.lockKey(c.InfectionType, c.Unit)
	defer unlock()

	open, err := s.repo.FindOpenCluster(ctx, c.InfectionType, c.Unit)
	if err != nil {
		return err
	}

	// An open cluster whose last case fell out of the window is stale:
	// the new case starts a fresh cluster and the stale one is left for
	// operator resolution.
	if open != nil && c.OccurredAt.Sub(open.LastCaseAt) > time.Duration(s.cfg.WindowDays)*24*time.Hour {
		open = nil
	}

	if open == nil {
		return s.formCluster(ctx, c, summary)
	}
	return s.growCluster(ctx, open, c, summary)
}

func (s *Service) formCluster(ctx context.Context, c ConfirmedCase, summary *CycleSummary) error {
	cl := &OutbreakCluster{
		ID:            uuid.New(),
		InfectionType: c.InfectionType,
		Unit:          c.Unit,
		CaseCount:     1,
		FirstCaseAt:   c.OccurredAt,
		LastCaseAt:    c.OccurredAt,
		WindowDays:    s.cfg.WindowDays,
		Status:        StatusActive,
		Severity:      SeverityForCount(1),
	}
	cs := &ClusterCase{
		SourceType: c.SourceType,
		SourceID:   c.SourceID,
		PatientID:  c.PatientID,
		CaseAt:     c.OccurredAt,
	}
	if err := s.repo.CreateCluster(ctx, cl, cs); err != nil {
		if err == ErrDuplicateCase {
			summary.SkippedExisting++
			return nil
		}
		return err
	}
	summary.ClustersFormed++
	s.countEvent("formed")

	if cl.CaseCount >= s.cfg.MinClusterSize {
		if err := s.emitClusterAlert(ctx, cl, "formed", summary); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) growCluster(ctx context.Context, cl *OutbreakCluster, c ConfirmedCase, summary *CycleSummary) error {
	prevCount := cl.CaseCount
	prevSeverity := cl.Severity

	cl.CaseCount++
	if c.OccurredAt.Before(cl.FirstCaseAt) {
		cl.FirstCaseAt = c.OccurredAt
	}
	if c.OccurredAt.After(cl.LastCaseAt) {
		cl.LastCaseAt = c.OccurredAt
	}
	cl.Severity = SeverityForCount(cl.CaseCount)

	cs := &ClusterCase{
		SourceType: c.SourceType,
		SourceID:   c.SourceID,
		PatientID:  c.PatientID,
		CaseAt:     c.OccurredAt,
	}
	if err := s.repo.UpdateClusterWithCase(ctx, cl, cs); err != nil {
		if err == ErrDuplicateCase {
			summary.SkippedExisting++
			return nil
		}
		return err
	}
	summary.ClustersUpdated++
	s.countEvent("grew")

	if prevCount < s.cfg.MinClusterSize && cl.CaseCount >= s.cfg.MinClusterSize {
		if err := s.emitClusterAlert(ctx, cl, "formed", summary); err != nil {
			return err
		}
	}
	if cl.Severity > prevSeverity && cl.CaseCount > s.cfg.MinClusterSize {
		if err := s.emitClusterAlert(ctx, cl, "escalated", summary); err != nil {
			return err
		}
	}
	return nil
}

// emitClusterAlert raises a formed or escalation alert. The source id for
// escalations carries the severity so each escalation level alerts once.
func (s *Service) emitClusterAlert(ctx context.Context, cl *OutbreakCluster, event string, summary *CycleSummary) error {
	sourceID := cl.ID.String()
	title := fmt.Sprintf("Outbreak cluster formed: %s in %s", cl.InfectionType, cl.Unit)
	summaryText := fmt.Sprintf("%d %s cases in %s within %d days", cl.CaseCount, cl.InfectionType, cl.Unit, cl.WindowDays)
	if event == "escalated" {
		sourceID = cl.ID.String() + ":" + cl.Severity.String()
		title = fmt.Sprintf("Outbreak cluster escalated to %s: %s in %s", cl.Severity, cl.InfectionType, cl.Unit)
	}

	_, created, err := s.emitter.Emit(ctx, alerts.Finding{
		SurveillanceType: "outbreak_cluster",
		SourceID:         sourceID,
		Unit:             cl.Unit,
		InfectionType:    cl.InfectionType,
		Severity:         cl.Severity,
		Title:            title,
		Summary:          summaryText,
		Detail: map[string]any{
			"cluster_id":    cl.ID,
			"event":         event,
			"case_count":    cl.CaseCount,
			"first_case_at": cl.FirstCaseAt,
			"last_case_at":  cl.LastCaseAt,
		},
	})
	if err != nil {
		return fmt.Errorf("emit cluster alert: %w", err)
	}
	if created {
		summary.AlertsCreated++
		s.countEvent(event + "_alert")
	}
	return nil
}

// Resolve moves a cluster to its terminal state, recording who resolved
// it and why. A resolved cluster never re-accrues cases; a later matching
// case forms a fresh cluster.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolver, notes string) error {
	cl, err := s.repo.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(cl.Status, StatusResolved); err != nil {
		return err
	}
	now := time.Now().UTC()
	cl.Status = StatusResolved
	cl.ResolvedBy = resolver
	cl.ResolutionNotes = notes
	cl.ResolvedAt = &now
	if err := s.repo.UpdateStatus(ctx, cl); err != nil {
		return err
	}
	s.countEvent("resolved")
	return nil
}

// Promote moves an active cluster into investigation.
func (s *Service) Promote(ctx context.Context, id uuid.UUID) error {
	cl, err := s.repo.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(cl.Status, StatusInvestigating); err != nil {
		return err
	}
	cl.Status = StatusInvestigating
	if err := s.repo.UpdateStatus(ctx, cl); err != nil {
		return err
	}
	s.countEvent("promoted")
	return nil
}

func (s *Service) countEvent(event string) {
	if s.metrics != nil {
		s.metrics.ClusterEvents.WithLabelValues(event).Inc()
	}
}
