package drs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/selection"
)

// MockRecommendationRepository is a mock implementation of RecommendationRepository.
type MockRecommendationRepository struct {
	mu   sync.Mutex
	recs map[string]*domain.MigrationRecommendation
}

func NewMockRecommendationRepository() *MockRecommendationRepository {
	return &MockRecommendationRepository{recs: make(map[string]*domain.MigrationRecommendation)}
}

func (m *MockRecommendationRepository) Create(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *rec
	m.recs[rec.ID] = &stored
	out := stored
	return &out, nil
}

func (m *MockRecommendationRepository) Get(ctx context.Context, id string) (*domain.MigrationRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *MockRecommendationRepository) List(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.MigrationRecommendation
	for _, rec := range m.recs {
		if status == "" || rec.Status == status {
			out := *rec
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockRecommendationRepository) Update(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	stored := *rec
	m.recs[rec.ID] = &stored
	out := stored
	return &out, nil
}

func (m *MockRecommendationRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *MockRecommendationRepository) DeleteOld(ctx context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.recs {
		if rec.CreatedAt.Before(olderThan) {
			delete(m.recs, id)
		}
	}
	return nil
}

type MockLeader struct{ leader bool }

func (m MockLeader) IsLeader() bool { return m.leader }

type MockPublisher struct {
	mu      sync.Mutex
	reports []*CycleReport
}

func (m *MockPublisher) Publish(ctx context.Context, report *CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

type MockApplier struct {
	applied []string
	err     error
}

func (m *MockApplier) ApplyRecommendation(ctx context.Context, rec *domain.MigrationRecommendation) error {
	if m.err != nil {
		return m.err
	}
	m.applied = append(m.applied, rec.VMName)
	return nil
}

type fixedClock float64

func (c fixedClock) Now() float64 { return float64(c) }

func newTestEngine(t *testing.T, automation string, leader LeaderChecker) (*Engine, *MockRecommendationRepository, *datacenter.Datacenter) {
	t.Helper()
	hot, cold, _, _ := overloadScenario(t)
	dc := datacenter.New("dc-test")
	dc.AddHost(hot)
	dc.AddHost(cold)

	planner := newPlanner(t, dc.Hosts(), selection.MinimumUtilizationPolicy{}, Monitor{})
	repo := NewMockRecommendationRepository()
	cfg := config.DRSConfig{
		Enabled:         true,
		AutomationLevel: automation,
		Interval:        10 * time.Millisecond,
		Retention:       time.Hour,
	}
	return NewEngine(cfg, dc, planner, repo, leader, Monitor{}, zap.NewNop()), repo, dc
}

// =============================================================================
// Tests
// =============================================================================

func TestEngine_RunCycle_FullAutomation(t *testing.T) {
	engine, repo, _ := newTestEngine(t, config.AutomationFull, nil)
	publisher := &MockPublisher{}
	applier := &MockApplier{}
	engine.AddPublisher(publisher)
	engine.SetApplier(applier)
	engine.SetClock(fixedClock(600))

	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(report.Recommendations) != 1 {
		t.Fatalf("Expected 1 recommendation, got %d", len(report.Recommendations))
	}
	rec := report.Recommendations[0]
	if rec.VMName != "small" || rec.SourceHostName != "hot" || rec.TargetHostName != "cold" {
		t.Errorf("Unexpected recommendation: %+v", rec)
	}
	if rec.Priority != domain.PriorityCritical {
		t.Errorf("Expected CRITICAL priority, got %s", rec.Priority)
	}
	if rec.Status != domain.StatusApplied || rec.AppliedBy != "engine" {
		t.Errorf("Expected the recommendation to be applied by the engine, got %s by %q", rec.Status, rec.AppliedBy)
	}
	if rec.SimulationTime != 600 || rec.CycleID != report.ID {
		t.Errorf("Unexpected cycle stamp: time %v, cycle %s", rec.SimulationTime, rec.CycleID)
	}
	if len(applier.applied) != 1 || applier.applied[0] != "small" {
		t.Errorf("Expected small to be applied, got %v", applier.applied)
	}
	if len(publisher.reports) != 1 || publisher.reports[0] != report {
		t.Errorf("Expected the report to be published once")
	}

	stored, err := repo.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != domain.StatusApplied {
		t.Errorf("Expected stored status APPLIED, got %s", stored.Status)
	}
	if engine.LastReport() != report || engine.GetLastAnalysisTime().IsZero() {
		t.Error("expected the last report to be recorded")
	}
}

func TestEngine_RunCycle_NotLeader(t *testing.T) {
	engine, repo, _ := newTestEngine(t, config.AutomationFull, MockLeader{leader: false})

	if _, err := engine.RunCycle(context.Background()); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Expected ErrNotLeader, got %v", err)
	}
	if recs, _ := repo.List(context.Background(), "", 0); len(recs) != 0 {
		t.Errorf("Expected no recommendations, got %d", len(recs))
	}
}

func TestEngine_ManualWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, _, dc := newTestEngine(t, config.AutomationManual, MockLeader{leader: true})
	applier := &MockApplier{}
	engine.SetApplier(applier)

	if _, err := engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(applier.applied) != 0 {
		t.Fatal("manual automation must not apply recommendations")
	}
	hot, _ := dc.Host("hot")
	if len(hot.VMs()) != 2 {
		t.Errorf("Expected hot to keep both VMs, got %d", len(hot.VMs()))
	}

	pending, err := engine.GetPendingRecommendations(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Expected 1 pending recommendation, got %d (%v)", len(pending), err)
	}
	id := pending[0].ID

	approved, err := engine.ApproveRecommendation(ctx, id, "operator")
	if err != nil || approved.Status != domain.StatusApproved {
		t.Fatalf("Approve failed: %v", err)
	}
	applied, err := engine.ApplyRecommendation(ctx, id, "operator")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied.Status != domain.StatusApplied || applied.AppliedAt == nil || applied.AppliedBy != "operator" {
		t.Errorf("Unexpected applied recommendation: %+v", applied)
	}
	if len(applier.applied) != 1 {
		t.Errorf("Expected the applier to run once, got %d", len(applier.applied))
	}

	if _, err := engine.RejectRecommendation(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict rejecting an applied recommendation, got %v", err)
	}
	if _, err := engine.ApplyRecommendation(ctx, id, "operator"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict applying twice, got %v", err)
	}
}

func TestEngine_ApplyFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, config.AutomationFull, nil)
	engine.SetApplier(&MockApplier{err: errors.New("target gone")})

	report, err := engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := report.Recommendations[0].Status; got != domain.StatusPending {
		t.Errorf("Expected PENDING after a failed apply, got %s", got)
	}
}

func TestEngine_Reject(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, config.AutomationManual, nil)
	report, err := engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	rejected, err := engine.RejectRecommendation(ctx, report.Recommendations[0].ID)
	if err != nil || rejected.Status != domain.StatusRejected {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := engine.ApproveRecommendation(ctx, rejected.ID, "operator"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict approving a rejected recommendation, got %v", err)
	}
	if _, err := engine.RejectRecommendation(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEngine_Start(t *testing.T) {
	engine, _, _ := newTestEngine(t, config.AutomationManual, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for engine.LastReport() == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if engine.IsRunning() {
		t.Error("expected the engine to stop")
	}
}

func TestEngine_StartDisabled(t *testing.T) {
	engine, _, _ := newTestEngine(t, config.AutomationManual, nil)
	engine.config.Enabled = false
	engine.Start(context.Background())
	if engine.LastReport() != nil {
		t.Error("a disabled engine must not run cycles")
	}
}

func TestCalculatePriority(t *testing.T) {
	tests := []struct {
		reason      domain.RecommendationReason
		utilization float64
		want        domain.RecommendationPriority
	}{
		{domain.ReasonOverloadRelief, 0.97, domain.PriorityCritical},
		{domain.ReasonOverloadRelief, 0.92, domain.PriorityHigh},
		{domain.ReasonOverloadRelief, 0.86, domain.PriorityMedium},
		{domain.ReasonOverloadRelief, 0.5, domain.PriorityLow},
		{domain.ReasonConsolidation, 0.2, domain.PriorityLow},
	}
	for _, tt := range tests {
		got := calculatePriority(Migration{Reason: tt.reason, SourceUtilization: tt.utilization})
		if got != tt.want {
			t.Errorf("%s at %.2f: expected %s, got %s", tt.reason, tt.utilization, tt.want, got)
		}
	}
}
