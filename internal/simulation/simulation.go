// Package simulation drives a datacenter through simulated time: it moves VM
// demand along a workload, records host utilization, runs planning cycles and
// carries out the migrations they produce.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
)

// CycleRunner runs one planning cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*drs.CycleReport, error)
}

// Summary accumulates the outcome of a run.
type Summary struct {
	Time                float64 `json:"time"`
	Steps               int     `json:"steps"`
	Cycles              int     `json:"cycles"`
	MigrationsStarted   int     `json:"migrations_started"`
	MigrationsCompleted int     `json:"migrations_completed"`
	// Energy is in watt-seconds.
	Energy      float64 `json:"energy"`
	ActiveHosts int     `json:"active_hosts"`
}

// EnergyKWh returns the consumed energy in kilowatt-hours.
func (s Summary) EnergyKWh() float64 { return s.Energy / 3600 / 1000 }

type inFlight struct {
	vm       *datacenter.VM
	source   *datacenter.Host
	target   *datacenter.Host
	finishAt float64
}

// Simulation steps a datacenter through time.
type Simulation struct {
	cfg      config.SimulationConfig
	dc       *datacenter.Datacenter
	clock    *Clock
	workload Workload
	cycles   CycleRunner
	logger   *zap.Logger

	mu         sync.Mutex
	migrations []*inFlight
	summary    Summary
}

// New creates a simulation over dc. cycles may be nil to run without planning.
func New(cfg config.SimulationConfig, dc *datacenter.Datacenter, clock *Clock, cycles CycleRunner, logger *zap.Logger) (*Simulation, error) {
	if cfg.SchedulingInterval <= 0 {
		return nil, fmt.Errorf("%w: scheduling interval must be positive", domain.ErrInvalidConfig)
	}
	workload, err := NewWorkload(cfg.Workload, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = &Clock{}
	}
	return &Simulation{
		cfg:      cfg,
		dc:       dc,
		clock:    clock,
		workload: workload,
		cycles:   cycles,
		logger:   logger.With(zap.String("component", "simulation")),
	}, nil
}

// SetCycleRunner sets the planner invoked after every step.
func (s *Simulation) SetCycleRunner(r CycleRunner) { s.cycles = r }

// Clock returns the simulation clock.
func (s *Simulation) Clock() *Clock { return s.clock }

// Summary returns the totals so far.
func (s *Simulation) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Done reports whether the configured duration has elapsed.
func (s *Simulation) Done() bool {
	return s.clock.Now() >= s.cfg.Duration
}

// Step advances the clock by one scheduling interval, processes the new
// demand and runs a planning cycle.
func (s *Simulation) Step(ctx context.Context) error {
	interval := s.cfg.SchedulingInterval
	now := s.clock.Advance(interval)

	err := s.dc.Update(func(hosts []*datacenter.Host) error {
		s.completeMigrations(now)

		for _, vm := range s.dc.VMs() {
			vm.SetUtilization(s.workload.Next(vm.Utilization()))
		}

		var energy float64
		active := 0
		for _, h := range hosts {
			h.UpdateProcessing()
			h.RecordUtilization(now)
			if len(h.VMs()) == 0 && h.IsActive() {
				h.SetActive(false)
				s.logger.Debug("Host switched off", zap.String("host", h.Name))
			}
			if !h.IsActive() {
				continue
			}
			active++
			power, err := h.Power()
			if err != nil {
				s.logger.Warn("Failed to compute host power", zap.String("host", h.Name), zap.Error(err))
				continue
			}
			energy += power * interval
		}

		s.mu.Lock()
		s.summary.Time = now
		s.summary.Steps++
		s.summary.Energy += energy
		s.summary.ActiveHosts = active
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if s.cycles == nil {
		return nil
	}
	if _, err := s.cycles.RunCycle(ctx); err != nil {
		if errors.Is(err, drs.ErrNotLeader) {
			return nil
		}
		return fmt.Errorf("planning cycle at %.0fs: %w", now, err)
	}
	s.mu.Lock()
	s.summary.Cycles++
	s.mu.Unlock()
	return nil
}

// Run steps until the duration elapses or ctx is done.
func (s *Simulation) Run(ctx context.Context) (Summary, error) {
	s.logger.Info("Starting simulation",
		zap.Float64("duration", s.cfg.Duration),
		zap.Float64("scheduling_interval", s.cfg.SchedulingInterval),
		zap.String("workload", s.cfg.Workload.Kind),
	)
	for !s.Done() {
		if err := ctx.Err(); err != nil {
			return s.Summary(), err
		}
		if err := s.Step(ctx); err != nil {
			return s.Summary(), err
		}
	}
	summary := s.Summary()
	s.logger.Info("Simulation finished",
		zap.Int("steps", summary.Steps),
		zap.Int("migrations", summary.MigrationsCompleted),
		zap.Float64("energy_kwh", summary.EnergyKWh()),
	)
	return summary, nil
}

// RunEvery takes one step per wall-clock period, for service mode.
func (s *Simulation) RunEvery(ctx context.Context, period time.Duration) (Summary, error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for !s.Done() {
		select {
		case <-ctx.Done():
			return s.Summary(), ctx.Err()
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				s.logger.Error("Simulation step failed", zap.Error(err))
			}
		}
	}
	return s.Summary(), nil
}

// ApplyRecommendation starts the migration rec describes. The VM runs on
// both hosts until the migration time has passed.
func (s *Simulation) ApplyRecommendation(ctx context.Context, rec *domain.MigrationRecommendation) error {
	return s.dc.Update(func([]*datacenter.Host) error {
		vm, err := s.dc.VM(rec.VMID)
		if err != nil {
			return err
		}
		source, err := s.dc.Host(rec.SourceHostID)
		if err != nil {
			return err
		}
		target, err := s.dc.Host(rec.TargetHostID)
		if err != nil {
			return err
		}
		if vm.Host() != source || vm.IsInMigration() {
			return fmt.Errorf("%w: %s is no longer resident on %s", domain.ErrConflict, vm, source.Name)
		}

		wasActive := target.IsActive()
		target.SetActive(true)
		if !target.AddMigratingIn(vm) {
			target.SetActive(wasActive)
			return fmt.Errorf("%w: %s does not fit on %s", domain.ErrResourceExhausted, vm, target.Name)
		}
		source.AddMigratingOut(vm)

		now := s.clock.Now()
		m := &inFlight{
			vm:       vm,
			source:   source,
			target:   target,
			finishAt: now + datacenter.MigrationTime(vm.RAM, source.BW()),
		}

		s.mu.Lock()
		s.migrations = append(s.migrations, m)
		s.summary.MigrationsStarted++
		s.mu.Unlock()

		s.logger.Info("Migration started",
			zap.String("vm", vm.Name),
			zap.String("source", source.Name),
			zap.String("target", target.Name),
			zap.Float64("finish_at", m.finishAt),
		)
		return nil
	})
}

// InFlight returns the number of migrations still running.
func (s *Simulation) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.migrations)
}

// completeMigrations must run under the datacenter lock.
func (s *Simulation) completeMigrations(now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.migrations[:0]
	for _, m := range s.migrations {
		if m.finishAt > now {
			remaining = append(remaining, m)
			continue
		}
		m.source.DestroyVM(m.vm)
		m.target.FinishMigrationIn(m.vm)
		s.summary.MigrationsCompleted++
		s.logger.Debug("Migration completed",
			zap.String("vm", m.vm.Name),
			zap.String("target", m.target.Name),
		)
	}
	s.migrations = remaining
}
