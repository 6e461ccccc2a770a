package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/datacenter"
)

// Predicate is an extra constraint a caller puts on candidate hosts.
type Predicate func(h *datacenter.Host) bool

// Scheduler determines which host should receive a VM.
type Scheduler struct {
	hosts    HostRepository
	detector OverloadDetector
	config   Config
	logger   *zap.Logger
}

// New creates a new Scheduler instance.
func New(hosts HostRepository, detector OverloadDetector, config Config, logger *zap.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		hosts:    hosts,
		detector: detector,
		config:   config,
		logger:   logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Candidate is a feasible host with its score. Lower scores rank first.
type Candidate struct {
	Host  *datacenter.Host
	Score float64
}

// FindHost returns the best host for vm that is not excluded, has room for
// it, would not become overloaded and satisfies predicate.
func (s *Scheduler) FindHost(vm *datacenter.VM, excluded datacenter.HostSet, predicate Predicate) (*datacenter.Host, bool) {
	ranked := s.Rank(vm, excluded, predicate)
	if len(ranked) == 0 {
		s.logger.Debug("No host satisfies placement requirements", zap.String("vm", vm.Name))
		return nil, false
	}
	best := ranked[0]
	s.logger.Debug("Selected destination host",
		zap.String("vm", vm.Name),
		zap.String("host", best.Host.Name),
		zap.Float64("score", best.Score),
		zap.Int("feasible_hosts", len(ranked)),
	)
	return best.Host, true
}

// Rank returns every feasible host ordered by score. Ties keep host order.
func (s *Scheduler) Rank(vm *datacenter.VM, excluded datacenter.HostSet, predicate Predicate) []Candidate {
	var ranked []Candidate
	for _, h := range s.hosts.Hosts() {
		if excluded.Has(h) {
			continue
		}
		if !s.checkPredicates(h, vm) {
			continue
		}
		if predicate != nil && !predicate(h) {
			continue
		}
		if s.isOverloadedAfterAllocation(h, vm) {
			continue
		}
		ranked = append(ranked, Candidate{Host: h, Score: s.scoreHost(h, vm)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score < ranked[j].Score
	})
	return ranked
}

// checkPredicates applies hard constraints to filter out unsuitable hosts.
func (s *Scheduler) checkPredicates(h *datacenter.Host, vm *datacenter.VM) bool {
	if h.IsFailed() {
		return false
	}
	if !h.IsActive() && !s.config.AllowInactiveHosts {
		return false
	}
	if !h.IsSuitableFor(vm) {
		s.logger.Debug("Host lacks capacity",
			zap.String("host", h.Name),
			zap.String("vm", vm.Name),
			zap.Float64("available_mips", h.Scheduler().AvailableMips()),
			zap.Float64("requested_mips", vm.CurrentRequestedTotalMips()),
		)
		return false
	}
	return true
}

// isOverloadedAfterAllocation places vm on h speculatively and checks the
// resulting requested utilization against the overload threshold.
func (s *Scheduler) isOverloadedAfterAllocation(h *datacenter.Host, vm *datacenter.VM) bool {
	probe := h.BeginProbe()
	defer probe.Rollback()

	if !h.CreateTemporaryVM(vm) {
		return true
	}
	return s.detector.IsOverloadedAt(h, h.CPUPercentRequested())
}

// scoreHost calculates a score for the host based on the placement strategy.
func (s *Scheduler) scoreHost(h *datacenter.Host, vm *datacenter.VM) float64 {
	switch s.config.PlacementStrategy {
	case StrategyPack:
		return -utilizationAfter(h, vm)
	case StrategySpread:
		return utilizationAfter(h, vm)
	default:
		return s.powerDelta(h, vm)
	}
}

// powerDelta returns how much the power draw of h grows when vm is added.
// Power model errors count as no change.
func (s *Scheduler) powerDelta(h *datacenter.Host, vm *datacenter.VM) float64 {
	after, err := h.PowerModel().PowerAt(utilizationAfter(h, vm))
	if err != nil {
		s.logger.Warn("Power model rejected utilization",
			zap.String("host", h.Name),
			zap.String("vm", vm.Name),
			zap.Error(err),
		)
		return 0
	}
	if after <= 0 {
		return 0
	}
	if !h.IsActive() {
		return after
	}
	// Both sides count migrating-in VMs at full demand.
	before, err := h.PowerModel().PowerAt(utilizationOf(h, 0))
	if err != nil {
		s.logger.Warn("Failed to compute host power", zap.String("host", h.Name), zap.Error(err))
		return 0
	}
	return after - before
}

func utilizationAfter(h *datacenter.Host, vm *datacenter.VM) float64 {
	return utilizationOf(h, vm.CurrentRequestedTotalMips())
}

func utilizationOf(h *datacenter.Host, extraMips float64) float64 {
	total := h.TotalMips()
	if total == 0 {
		return 0
	}
	return (h.UtilizationMips() + extraMips) / total
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (%.2f)", c.Host.Name, c.Score)
}
