package drs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/scheduler"
	"github.com/limiquantix/consolidation/internal/selection"
)

// HostRepository provides the hosts of the datacenter in iteration order.
type HostRepository interface {
	Hosts() []*datacenter.Host
}

// LoadDetector classifies hosts by load.
type LoadDetector interface {
	IsOverloaded(h *datacenter.Host) bool
	IsUnderloaded(h *datacenter.Host) bool
}

// HostSelector chooses a destination for a VM.
type HostSelector interface {
	FindHost(vm *datacenter.VM, excluded datacenter.HostSet, predicate scheduler.Predicate) (*datacenter.Host, bool)
}

// Planner builds the migration map of a planning cycle: it relieves
// overloaded hosts first and then drains underloaded ones. Every placement
// it tries is speculative and undone before PlanMigrations returns.
type Planner struct {
	hosts    HostRepository
	detector LoadDetector
	selector HostSelector
	policy   selection.Policy
	monitor  Monitor
	logger   *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(hosts HostRepository, detector LoadDetector, selector HostSelector, policy selection.Policy, monitor Monitor, logger *zap.Logger) *Planner {
	return &Planner{
		hosts:    hosts,
		detector: detector,
		selector: selector,
		policy:   policy,
		monitor:  monitor,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// PlanMigrations returns the VMs that should move and where. Only VMs in
// candidates are considered; nil means every VM. Host state is left exactly
// as it was found.
func (p *Planner) PlanMigrations(ctx context.Context, candidates []*datacenter.VM) (*MigrationMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer p.monitor.observeStage("total", time.Now())

	hosts := p.hosts.Hosts()
	overloaded := p.overloadedHosts(hosts)
	pc := newPlanningContext(hosts, candidates)
	for _, h := range overloaded {
		pc.Overloaded.Add(h)
	}
	p.monitor.setOverloadedHosts(len(overloaded))

	if len(overloaded) > 0 {
		p.logger.Info("Found overloaded hosts", zap.Strings("hosts", hostNames(overloaded)))
		p.planOverloadRelief(pc, overloaded)
	}
	p.planConsolidation(pc, hosts)

	if err := pc.Saved.Restore(); err != nil {
		return nil, fmt.Errorf("failed to restore allocation: %w", err)
	}

	p.monitor.countMigrations(pc.Migrations)
	p.logger.Debug("Planning cycle complete", zap.Int("migrations", pc.Migrations.Len()))
	return pc.Migrations, nil
}

// overloadedHosts returns the overloaded hosts that are not already
// shedding load.
func (p *Planner) overloadedHosts(hosts []*datacenter.Host) []*datacenter.Host {
	var out []*datacenter.Host
	for _, h := range hosts {
		if p.detector.IsOverloaded(h) && len(h.MigratingOut()) == 0 {
			out = append(out, h)
		}
	}
	return out
}

type selectedVM struct {
	vm     *datacenter.VM
	source *datacenter.Host
}

// planOverloadRelief takes VMs off every overloaded host until it is no
// longer overloaded and places them elsewhere, heaviest first.
func (p *Planner) planOverloadRelief(pc *PlanningContext, overloaded []*datacenter.Host) {
	defer p.monitor.observeStage("overload_relief", time.Now())

	var selected []selectedVM
	for _, h := range overloaded {
		for {
			vm, ok := p.policy.VMToMigrate(h, p.migratableVMs(pc, h))
			if !ok {
				break
			}
			h.DestroyTemporaryVM(vm)
			selected = append(selected, selectedVM{vm: vm, source: h})
			if !p.detector.IsOverloaded(h) {
				break
			}
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].vm.CurrentRequestedTotalMips() > selected[j].vm.CurrentRequestedTotalMips()
	})

	for _, s := range selected {
		target, ok := p.selector.FindHost(s.vm, pc.Overloaded, nil)
		if !ok {
			p.logger.Warn("No destination for VM on overloaded host",
				zap.String("vm", s.vm.Name),
				zap.String("host", s.source.Name),
				zap.Float64("demand_mips", s.vm.CurrentRequestedTotalMips()),
			)
			continue
		}
		if !target.CreateTemporaryVM(s.vm) {
			p.logger.Warn("Destination rejected VM", zap.String("vm", s.vm.Name), zap.String("host", target.Name))
			continue
		}
		pc.Destinations.Add(target)
		pc.Migrations.Put(Migration{
			VM:                s.vm,
			Source:            s.source,
			Target:            target,
			Reason:            domain.ReasonOverloadRelief,
			SourceUtilization: pc.Saved.Utilization(s.source),
		})
		p.logger.Debug("Planned overload relief",
			zap.String("vm", s.vm.Name),
			zap.String("source", s.source.Name),
			zap.String("target", target.Name),
		)
	}
}

// planConsolidation drains underloaded hosts, least utilized first. A host
// is drained only if every one of its VMs finds a destination.
func (p *Planner) planConsolidation(pc *PlanningContext, hosts []*datacenter.Host) {
	defer p.monitor.observeStage("consolidation", time.Now())

	for _, h := range hosts {
		if pc.Overloaded.Has(h) || pc.Destinations.Has(h) || !h.IsActive() || h.IsFailed() {
			pc.ExcludedSources.Add(h)
			pc.ExcludedTargets.Add(h)
		}
	}

	for {
		h := p.mostUnderloadedHost(pc, hosts)
		if h == nil {
			return
		}
		pc.ExcludedSources.Add(h)
		pc.ExcludedTargets.Add(h)

		vms := p.migratableVMs(pc, h)
		if len(vms) == 0 {
			continue
		}
		sortByDemandDescending(vms)

		batch, ok := p.placeBatch(pc, h, vms)
		if !ok {
			p.logger.Debug("Cannot drain underloaded host", zap.String("host", h.Name), zap.Int("vms", len(vms)))
			continue
		}
		for _, mig := range batch.Entries() {
			pc.ExcludedSources.Add(mig.Target)
		}
		pc.Migrations.Merge(batch)
		p.logger.Info("Planned consolidation of underloaded host",
			zap.String("host", h.Name),
			zap.Int("vms", batch.Len()),
		)
	}
}

// placeBatch finds a destination for every VM of source. When one of them
// does not fit, all speculative placements of the batch are rolled back.
func (p *Planner) placeBatch(pc *PlanningContext, source *datacenter.Host, vms []*datacenter.VM) (*MigrationMap, bool) {
	batch := NewMigrationMap()
	probes := make(map[string]*datacenter.Probe)
	rollback := func() {
		for _, probe := range probes {
			probe.Rollback()
		}
	}

	notUnderloaded := func(h *datacenter.Host) bool { return !p.detector.IsUnderloaded(h) }
	for _, vm := range vms {
		target, ok := p.selector.FindHost(vm, pc.ExcludedTargets, notUnderloaded)
		if !ok {
			rollback()
			return nil, false
		}
		if _, touched := probes[target.ID]; !touched {
			probes[target.ID] = target.BeginProbe()
		}
		if !target.CreateTemporaryVM(vm) {
			rollback()
			return nil, false
		}
		batch.Put(Migration{
			VM:                vm,
			Source:            source,
			Target:            target,
			Reason:            domain.ReasonConsolidation,
			SourceUtilization: pc.Saved.Utilization(source),
		})
	}
	return batch, true
}

// mostUnderloadedHost returns the active underloaded host with the lowest
// CPU utilization that can be drained, or nil.
func (p *Planner) mostUnderloadedHost(pc *PlanningContext, hosts []*datacenter.Host) *datacenter.Host {
	var best *datacenter.Host
	var bestUtilization float64
	for _, h := range hosts {
		if pc.ExcludedSources.Has(h) || !h.IsActive() || h.IsFailed() {
			continue
		}
		if len(h.MigratingIn()) > 0 || allVMsMigratingOut(h) {
			continue
		}
		if !p.detector.IsUnderloaded(h) {
			continue
		}
		if u := h.CPUUtilization(); best == nil || u < bestUtilization {
			best, bestUtilization = h, u
		}
	}
	return best
}

// migratableVMs returns the VMs of h the cycle may move.
func (p *Planner) migratableVMs(pc *PlanningContext, h *datacenter.Host) []*datacenter.VM {
	var out []*datacenter.VM
	for _, vm := range h.VMs() {
		if vm.IsInMigration() || !pc.isCandidate(vm) {
			continue
		}
		out = append(out, vm)
	}
	return out
}

func allVMsMigratingOut(h *datacenter.Host) bool {
	for _, vm := range h.VMs() {
		if !h.IsMigratingOut(vm.ID) {
			return false
		}
	}
	return true
}

// sortByDemandDescending orders vms by current MIPS demand, heaviest first.
// Equal demands keep their order.
func sortByDemandDescending(vms []*datacenter.VM) {
	sort.SliceStable(vms, func(i, j int) bool {
		return vms[i].CurrentRequestedTotalMips() > vms[j].CurrentRequestedTotalMips()
	})
}

func hostNames(hosts []*datacenter.Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names
}
