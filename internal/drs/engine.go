// Package drs plans VM migrations that relieve overloaded hosts and drain
// underloaded ones, and runs the planning cycles that turn plans into
// migration recommendations.
package drs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
)

// ErrNotLeader is returned by RunCycle when another instance is the leader.
var ErrNotLeader = errors.New("not the leader")

// RecommendationRepository defines the interface for recommendation storage.
type RecommendationRepository interface {
	Create(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error)
	Get(ctx context.Context, id string) (*domain.MigrationRecommendation, error)
	// List returns recommendations with status, newest first. An empty
	// status matches all of them.
	List(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error)
	Update(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error)
	Delete(ctx context.Context, id string) error
	DeleteOld(ctx context.Context, olderThan time.Time) error
}

// PlanPublisher receives the report of every planning cycle.
type PlanPublisher interface {
	Publish(ctx context.Context, report *CycleReport) error
}

// MigrationApplier starts the migration a recommendation describes.
type MigrationApplier interface {
	ApplyRecommendation(ctx context.Context, rec *domain.MigrationRecommendation) error
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// SimulationClock returns the current simulation time in seconds.
type SimulationClock interface {
	Now() float64
}

// CycleReport summarizes one planning cycle.
type CycleReport struct {
	ID              string                            `json:"id"`
	SimulationTime  float64                           `json:"simulation_time"`
	StartedAt       time.Time                         `json:"started_at"`
	Duration        time.Duration                     `json:"duration"`
	Hosts           int                               `json:"hosts"`
	Recommendations []*domain.MigrationRecommendation `json:"recommendations"`
}

// Engine runs planning cycles and manages the resulting recommendations.
type Engine struct {
	config        config.DRSConfig
	dc            *datacenter.Datacenter
	planner       *Planner
	recommRepo    RecommendationRepository
	leaderChecker LeaderChecker
	monitor       Monitor
	logger        *zap.Logger

	publishers []PlanPublisher
	applier    MigrationApplier
	clock      SimulationClock

	mu           sync.RWMutex
	isRunning    bool
	lastAnalysis time.Time
	lastReport   *CycleReport
}

// NewEngine creates a new engine.
func NewEngine(
	cfg config.DRSConfig,
	dc *datacenter.Datacenter,
	planner *Planner,
	recommRepo RecommendationRepository,
	leaderChecker LeaderChecker,
	monitor Monitor,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:        cfg,
		dc:            dc,
		planner:       planner,
		recommRepo:    recommRepo,
		leaderChecker: leaderChecker,
		monitor:       monitor,
		logger:        logger.With(zap.String("component", "drs")),
	}
}

// AddPublisher registers a receiver for cycle reports.
func (e *Engine) AddPublisher(p PlanPublisher) {
	e.publishers = append(e.publishers, p)
}

// SetApplier sets what carries out applied recommendations.
func (e *Engine) SetApplier(a MigrationApplier) {
	e.applier = a
}

// SetClock sets the source of simulation time stamped on recommendations.
func (e *Engine) SetClock(c SimulationClock) {
	e.clock = c
}

// Start runs a planning cycle every configured interval until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if !e.config.Enabled {
		e.logger.Info("Consolidation engine disabled")
		return
	}

	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Starting consolidation engine",
		zap.Duration("interval", e.config.Interval),
		zap.String("automation_level", e.config.AutomationLevel),
	)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.runAnalysis(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Consolidation engine stopped")
			e.mu.Lock()
			e.isRunning = false
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.runAnalysis(ctx)
		}
	}
}

func (e *Engine) runAnalysis(ctx context.Context) {
	if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
		e.logger.Error("Planning cycle failed", zap.Error(err))
	}
}

// RunCycle plans migrations for the whole datacenter, stores one
// recommendation per planned migration and publishes the report. With full
// automation every recommendation is applied right away.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		e.logger.Debug("Not leader, skipping planning cycle")
		e.monitor.countCycle("skipped")
		return nil, ErrNotLeader
	}

	start := time.Now()
	report := &CycleReport{
		ID:        uuid.NewString(),
		StartedAt: start,
	}
	if e.clock != nil {
		report.SimulationTime = e.clock.Now()
	}

	var plan *MigrationMap
	err := e.dc.Update(func(hosts []*datacenter.Host) error {
		report.Hosts = len(hosts)
		for _, h := range hosts {
			e.monitor.setHostUtilization(h.Name, h.CPUUtilization())
		}
		var err error
		plan, err = e.planner.PlanMigrations(ctx, nil)
		return err
	})
	if err != nil {
		e.monitor.countCycle("error")
		return nil, fmt.Errorf("failed to plan migrations: %w", err)
	}

	for _, mig := range plan.Entries() {
		rec, err := e.recommRepo.Create(ctx, e.newRecommendation(report, mig))
		if err != nil {
			e.logger.Error("Failed to create recommendation", zap.Error(err))
			continue
		}

		e.logger.Info("Migration recommendation created",
			zap.String("id", rec.ID),
			zap.String("priority", string(rec.Priority)),
			zap.String("reason", string(rec.Reason)),
			zap.String("vm", rec.VMName),
			zap.String("source_host", rec.SourceHostName),
			zap.String("target_host", rec.TargetHostName),
		)

		if e.config.AutomationLevel == config.AutomationFull {
			applied, err := e.apply(ctx, rec, "engine")
			if err != nil {
				e.logger.Warn("Failed to apply recommendation", zap.String("id", rec.ID), zap.Error(err))
			} else {
				rec = applied
			}
		}
		report.Recommendations = append(report.Recommendations, rec)
	}
	report.Duration = time.Since(start)

	for _, p := range e.publishers {
		if err := p.Publish(ctx, report); err != nil {
			e.logger.Warn("Failed to publish cycle report", zap.Error(err))
		}
	}

	if e.config.Retention > 0 {
		if err := e.recommRepo.DeleteOld(ctx, time.Now().Add(-e.config.Retention)); err != nil {
			e.logger.Warn("Failed to cleanup old recommendations", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.lastAnalysis = time.Now()
	e.lastReport = report
	e.mu.Unlock()

	if len(report.Recommendations) > 0 {
		e.monitor.countCycle("planned")
	} else {
		e.monitor.countCycle("empty")
	}
	e.logger.Debug("Planning cycle complete",
		zap.Duration("duration", report.Duration),
		zap.Int("recommendations", len(report.Recommendations)),
	)
	return report, nil
}

func (e *Engine) newRecommendation(report *CycleReport, mig Migration) *domain.MigrationRecommendation {
	return &domain.MigrationRecommendation{
		ID:             uuid.NewString(),
		CycleID:        report.ID,
		SimulationTime: report.SimulationTime,
		Priority:       calculatePriority(mig),
		Reason:         mig.Reason,
		Message:        generateMessage(mig),
		VMID:           mig.VM.ID,
		VMName:         mig.VM.Name,
		SourceHostID:   mig.Source.ID,
		SourceHostName: mig.Source.Name,
		TargetHostID:   mig.Target.ID,
		TargetHostName: mig.Target.Name,
		DemandMips:     mig.VM.CurrentRequestedTotalMips(),
		Status:         domain.StatusPending,
		CreatedAt:      time.Now(),
	}
}

// calculatePriority determines recommendation priority from the source load.
// Consolidation saves power but is never urgent.
func calculatePriority(mig Migration) domain.RecommendationPriority {
	if mig.Reason == domain.ReasonConsolidation {
		return domain.PriorityLow
	}
	percent := mig.SourceUtilization * 100
	switch {
	case percent >= 95:
		return domain.PriorityCritical
	case percent >= 90:
		return domain.PriorityHigh
	case percent >= 85:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// generateMessage creates a human-readable reason for the recommendation.
func generateMessage(mig Migration) string {
	percent := mig.SourceUtilization * 100
	if mig.Reason == domain.ReasonConsolidation {
		return fmt.Sprintf("Host %s is underloaded (CPU: %.1f%%), draining it to %s", mig.Source.Name, percent, mig.Target.Name)
	}
	return fmt.Sprintf("Host %s is overloaded (CPU: %.1f%%), moving %s to %s", mig.Source.Name, percent, mig.VM.Name, mig.Target.Name)
}

// GetPendingRecommendations returns all pending recommendations.
func (e *Engine) GetPendingRecommendations(ctx context.Context, limit int) ([]*domain.MigrationRecommendation, error) {
	return e.recommRepo.List(ctx, domain.StatusPending, limit)
}

// ListRecommendations returns recommendations with status, or all of them
// when status is empty.
func (e *Engine) ListRecommendations(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error) {
	return e.recommRepo.List(ctx, status, limit)
}

// ApproveRecommendation marks a pending recommendation as approved.
func (e *Engine) ApproveRecommendation(ctx context.Context, id, approvedBy string) (*domain.MigrationRecommendation, error) {
	rec, err := e.recommRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: recommendation %s is %s", domain.ErrConflict, id, rec.Status)
	}

	e.logger.Info("Recommendation approved", zap.String("id", id), zap.String("approved_by", approvedBy))
	rec.Status = domain.StatusApproved
	return e.recommRepo.Update(ctx, rec)
}

// ApplyRecommendation starts the migration of a recommendation.
func (e *Engine) ApplyRecommendation(ctx context.Context, id, appliedBy string) (*domain.MigrationRecommendation, error) {
	rec, err := e.recommRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case domain.StatusPending, domain.StatusApproved:
	default:
		return nil, fmt.Errorf("%w: recommendation %s is %s", domain.ErrConflict, id, rec.Status)
	}
	return e.apply(ctx, rec, appliedBy)
}

func (e *Engine) apply(ctx context.Context, rec *domain.MigrationRecommendation, appliedBy string) (*domain.MigrationRecommendation, error) {
	if e.applier != nil {
		if err := e.applier.ApplyRecommendation(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to apply recommendation %s: %w", rec.ID, err)
		}
	}

	now := time.Now()
	rec.Status = domain.StatusApplied
	rec.AppliedAt = &now
	rec.AppliedBy = appliedBy

	return e.recommRepo.Update(ctx, rec)
}

// RejectRecommendation marks a recommendation as rejected.
func (e *Engine) RejectRecommendation(ctx context.Context, id string) (*domain.MigrationRecommendation, error) {
	rec, err := e.recommRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.StatusApplied {
		return nil, fmt.Errorf("%w: recommendation %s is already applied", domain.ErrConflict, id)
	}

	rec.Status = domain.StatusRejected
	return e.recommRepo.Update(ctx, rec)
}

// GetLastAnalysisTime returns when the last cycle finished.
func (e *Engine) GetLastAnalysisTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAnalysis
}

// LastReport returns the report of the last cycle, or nil.
func (e *Engine) LastReport() *CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// IsRunning returns true if the engine loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}
