package drs

import (
	"fmt"

	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
)

// Migration is one planned VM relocation.
type Migration struct {
	VM     *datacenter.VM
	Source *datacenter.Host
	Target *datacenter.Host
	Reason domain.RecommendationReason
	// SourceUtilization is the CPU utilization of the source at cycle start.
	SourceUtilization float64
}

// MigrationMap maps VMs to their planned destination, keeping insertion order.
type MigrationMap struct {
	entries []Migration
	index   map[string]int
}

// NewMigrationMap creates an empty map.
func NewMigrationMap() *MigrationMap {
	return &MigrationMap{index: make(map[string]int)}
}

// Put adds m, replacing an earlier entry for the same VM.
func (m *MigrationMap) Put(mig Migration) {
	if i, ok := m.index[mig.VM.ID]; ok {
		m.entries[i] = mig
		return
	}
	m.index[mig.VM.ID] = len(m.entries)
	m.entries = append(m.entries, mig)
}

// Target returns the planned destination of vm.
func (m *MigrationMap) Target(vm *datacenter.VM) (*datacenter.Host, bool) {
	i, ok := m.index[vm.ID]
	if !ok {
		return nil, false
	}
	return m.entries[i].Target, true
}

// Len returns the number of planned migrations.
func (m *MigrationMap) Len() int { return len(m.entries) }

// Entries returns the planned migrations in the order they were added.
func (m *MigrationMap) Entries() []Migration {
	return append([]Migration(nil), m.entries...)
}

// Merge adds every entry of other.
func (m *MigrationMap) Merge(other *MigrationMap) {
	for _, mig := range other.entries {
		m.Put(mig)
	}
}

// Touches reports whether any entry uses h as source or target.
func (m *MigrationMap) Touches(h *datacenter.Host) bool {
	for _, mig := range m.entries {
		if mig.Source == h || mig.Target == h {
			return true
		}
	}
	return false
}

// SavedAllocation is the placement of every host before speculation began.
type SavedAllocation struct {
	hosts       []*datacenter.Host
	checkpoints map[string]datacenter.Checkpoint
	placement   map[string]*datacenter.Host
	vms         map[string]*datacenter.VM
	utilization map[string]float64
}

// saveAllocation captures hosts. VMs migrating in are left out of the
// placement since they are not placed yet.
func saveAllocation(hosts []*datacenter.Host) *SavedAllocation {
	s := &SavedAllocation{
		hosts:       hosts,
		checkpoints: make(map[string]datacenter.Checkpoint, len(hosts)),
		placement:   make(map[string]*datacenter.Host),
		vms:         make(map[string]*datacenter.VM),
		utilization: make(map[string]float64, len(hosts)),
	}
	for _, h := range hosts {
		s.checkpoints[h.ID] = h.Checkpoint()
		s.utilization[h.ID] = h.CPUUtilization()
		for _, vm := range h.VMs() {
			if h.IsMigratingIn(vm.ID) {
				continue
			}
			s.placement[vm.ID] = h
			s.vms[vm.ID] = vm
		}
	}
	return s
}

// Utilization returns the CPU utilization h had when the allocation was saved.
func (s *SavedAllocation) Utilization(h *datacenter.Host) float64 {
	return s.utilization[h.ID]
}

// Restore puts every host back into its saved state and checks that each
// saved VM is resident where it was.
func (s *SavedAllocation) Restore() error {
	for _, h := range s.hosts {
		h.Restore(s.checkpoints[h.ID])
	}
	for id, h := range s.placement {
		if !h.HasVM(s.vms[id]) {
			return fmt.Errorf("%w: %s missing from %s after restore", domain.ErrConflict, s.vms[id], h)
		}
	}
	return nil
}

// PlanningContext carries the state of one planning cycle through its stages.
type PlanningContext struct {
	// ExcludedSources are hosts that must not be drained.
	ExcludedSources datacenter.HostSet
	// ExcludedTargets are hosts that must not receive VMs.
	ExcludedTargets datacenter.HostSet
	// Overloaded are the hosts relieved in this cycle.
	Overloaded datacenter.HostSet
	// Destinations are the hosts chosen during overload relief.
	Destinations datacenter.HostSet
	Migrations   *MigrationMap
	Saved        *SavedAllocation

	candidates map[string]bool
}

func newPlanningContext(hosts []*datacenter.Host, candidates []*datacenter.VM) *PlanningContext {
	pc := &PlanningContext{
		ExcludedSources: make(datacenter.HostSet),
		ExcludedTargets: make(datacenter.HostSet),
		Overloaded:      make(datacenter.HostSet),
		Destinations:    make(datacenter.HostSet),
		Migrations:      NewMigrationMap(),
		Saved:           saveAllocation(hosts),
	}
	if candidates != nil {
		pc.candidates = make(map[string]bool, len(candidates))
		for _, vm := range candidates {
			pc.candidates[vm.ID] = true
		}
	}
	return pc
}

// isCandidate reports whether the cycle may relocate vm.
func (pc *PlanningContext) isCandidate(vm *datacenter.VM) bool {
	return pc.candidates == nil || pc.candidates[vm.ID]
}
