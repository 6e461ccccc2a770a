package capacity

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/domain"
)

// epsilon absorbs floating point noise when comparing MIPS amounts.
const epsilon = 1e-9

// MigrationState tells the scheduler which VMs are migrating in or out of its host.
type MigrationState interface {
	IsMigratingIn(vmID string) bool
	IsMigratingOut(vmID string) bool
}

type noMigrations struct{}

func (noMigrations) IsMigratingIn(string) bool  { return false }
func (noMigrations) IsMigratingOut(string) bool { return false }

// Scheduler allocates the capacity of a fixed set of homogeneous PEs to VMs.
// It is not safe for concurrent use; the owning host serializes access.
type Scheduler struct {
	mode      Mode
	pes       []domain.PE
	overhead  float64
	migration MigrationState
	state     State
	logger    *zap.Logger
}

// New creates a scheduler over pes. migration may be nil when the host never
// migrates VMs.
func New(cfg Config, pes []domain.PE, migration MigrationState, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(pes) == 0 {
		return nil, fmt.Errorf("%w: a host needs at least one PE", domain.ErrInvalidConfig)
	}
	if migration == nil {
		migration = noMigrations{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		mode:      cfg.Mode,
		pes:       append([]domain.PE(nil), pes...),
		overhead:  cfg.MigrationOverhead,
		migration: migration,
		state:     newState(len(pes)),
		logger:    logger.With(zap.String("component", "capacity")),
	}, nil
}

// Mode returns the sharing mode.
func (s *Scheduler) Mode() Mode { return s.mode }

// Overhead returns the migration overhead fraction p.
func (s *Scheduler) Overhead() float64 { return s.overhead }

// MaxCPUUsageDuringOutMigration is the fraction of its share a VM keeps while migrating out.
func (s *Scheduler) MaxCPUUsageDuringOutMigration() float64 { return 1 - s.overhead }

// PEs returns the physical PEs.
func (s *Scheduler) PEs() []domain.PE { return s.pes }

// PeMips returns the capacity of a single PE.
func (s *Scheduler) PeMips() float64 { return s.pes[0].Mips }

// TotalMips returns the capacity of all PEs.
func (s *Scheduler) TotalMips() float64 { return domain.TotalMips(s.pes) }

// BusyPes returns how many physical PEs are marked busy.
func (s *Scheduler) BusyPes() int { return s.state.busyPes }

// FreePes returns how many physical PEs are not marked busy.
func (s *Scheduler) FreePes() int {
	free := len(s.pes) - s.state.busyPes
	if free < 0 {
		return 0
	}
	return free
}

// VMIDs returns the VMs holding an allocation, in allocation order.
func (s *Scheduler) VMIDs() []string {
	return append([]string(nil), s.state.order...)
}

// AvailableMips returns the capacity not provisioned to any VM.
func (s *Scheduler) AvailableMips() float64 {
	var used float64
	for i := range s.pes {
		used += s.state.usedOnPE(i)
	}
	available := s.TotalMips() - used
	if available < 0 {
		return 0
	}
	return available
}

// UsedMipsOnPE returns the MIPS provisioned on physical PE i.
func (s *Scheduler) UsedMipsOnPE(i int) float64 {
	return s.state.usedOnPE(i)
}

// MigrationFactor returns the fraction of its nominal demand a VM may receive:
// p while migrating in, 1-p while migrating out and 1 otherwise.
func (s *Scheduler) MigrationFactor(vmID string) float64 {
	if s.migration.IsMigratingIn(vmID) {
		return s.overhead
	}
	if s.migration.IsMigratingOut(vmID) {
		return s.MaxCPUUsageDuringOutMigration()
	}
	return 1
}

func (s *Scheduler) appliesOverhead() bool {
	return s.mode != ModeSpaceShared
}

// reduced clamps every entry to the PE capacity and applies the migration factor.
func (s *Scheduler) reduced(vmID string, share domain.MipsShare) domain.MipsShare {
	capped := share.Cap(s.PeMips())
	if !s.appliesOverhead() {
		return capped
	}
	factor := s.MigrationFactor(vmID)
	if factor == 1 {
		return capped
	}
	return capped.Scale(factor)
}

// IsSuitable reports whether share could be allocated to vmID right now.
func (s *Scheduler) IsSuitable(vmID string, share domain.MipsShare) bool {
	if share.IsEmpty() || len(s.pes) < share.Pes() {
		return false
	}
	switch s.mode {
	case ModeSpaceShared:
		return len(s.selectFreePEs(share)) >= share.Pes()
	case ModeTimeShared:
		return s.reduced(vmID, share).Total() <= s.AvailableMips()+epsilon
	case ModeTimeSharedOverSubscription:
		return true
	}
	return false
}

// Allocate records share as the request of vmID and allocates capacity for it.
// An existing allocation of vmID is replaced. On failure nothing changes.
func (s *Scheduler) Allocate(vmID string, share domain.MipsShare) bool {
	if share.IsEmpty() {
		return false
	}

	var saved State
	_, existing := s.state.requested[vmID]
	if existing {
		saved = s.state.clone()
		s.release(vmID)
	}

	var ok bool
	switch s.mode {
	case ModeSpaceShared:
		ok = s.allocateSpaceShared(vmID, share)
	default:
		ok = s.allocateTimeShared(vmID, share)
	}

	if !ok {
		if existing {
			s.state = saved
		}
		s.logger.Debug("Allocation rejected",
			zap.String("vm", vmID),
			zap.String("mode", string(s.mode)),
			zap.Float64("requested_mips", share.Total()),
			zap.Float64("available_mips", s.AvailableMips()),
		)
		return false
	}

	s.markBusy(vmID, share.Pes())
	return true
}

func (s *Scheduler) markBusy(vmID string, pes int) {
	busy := pes
	if busy > s.FreePes() {
		busy = s.FreePes()
	}
	s.state.busy[vmID] = busy
	s.state.busyPes += busy
}

// AllocateBestEffort allocates share or, in time-shared mode when the full
// share does not fit, records it anyway and grants what the free capacity
// allows. The full share stays the request of vmID, so capacity freed later
// by Deallocate flows back to it.
func (s *Scheduler) AllocateBestEffort(vmID string, share domain.MipsShare) bool {
	if s.Allocate(vmID, share) {
		return true
	}
	if s.mode != ModeTimeShared || share.IsEmpty() || share.Pes() > len(s.pes) {
		return false
	}

	if _, existing := s.state.requested[vmID]; existing {
		s.release(vmID)
	}
	s.state.requested[vmID] = share.Clone()
	s.state.order = append(s.state.order, vmID)
	s.redistribute()
	s.markBusy(vmID, share.Pes())

	s.logger.Debug("Demand exceeds free capacity, allocation trimmed",
		zap.String("vm", vmID),
		zap.Float64("requested_mips", share.Total()),
		zap.Float64("allocated_mips", s.state.allocated[vmID].Total()),
	)
	return true
}

func (s *Scheduler) allocateTimeShared(vmID string, share domain.MipsShare) bool {
	if !s.IsSuitable(vmID, share) {
		return false
	}
	s.state.requested[vmID] = share.Clone()
	s.state.order = append(s.state.order, vmID)
	s.redistribute()
	return true
}

// redistribute recomputes the allocation of every resident VM, walking the
// physical PEs and letting a virtual PE spill over into the next physical PE
// once the current one is exhausted.
func (s *Scheduler) redistribute() {
	demand := make(map[string]domain.MipsShare, len(s.state.order))
	var total float64
	for _, id := range s.state.order {
		d := s.reduced(id, s.state.requested[id])
		demand[id] = d
		total += d.Total()
	}

	scale := 1.0
	if s.mode == ModeTimeSharedOverSubscription && total > s.TotalMips() {
		scale = s.TotalMips() / total
	}

	s.state.clearPEUsage()
	s.state.allocated = make(map[string]domain.MipsShare, len(s.state.order))
	for _, id := range s.state.order {
		share := demand[id]
		if scale < 1 {
			share = share.Scale(scale)
		}
		s.state.allocated[id] = s.provision(id, share)
	}
}

// Refresh recomputes allocations after the migration state of a VM changed.
func (s *Scheduler) Refresh() {
	if s.mode != ModeSpaceShared {
		s.redistribute()
	}
}

// provision draws share from the physical PEs and returns what was actually granted.
func (s *Scheduler) provision(vmID string, share domain.MipsShare) domain.MipsShare {
	granted := make(domain.MipsShare, len(share))
	cursor := 0
	for v, mips := range share {
		remaining := mips
		for remaining > epsilon && cursor < len(s.pes) {
			free := s.pes[cursor].Mips - s.state.usedOnPE(cursor)
			if free <= epsilon {
				cursor++
				continue
			}
			take := remaining
			if take > free {
				take = free
			}
			s.state.peUsage[cursor][vmID] += take
			granted[v] += take
			remaining -= take
		}
	}
	return granted
}

// selectFreePEs picks a free PE for each virtual PE whose request fits in it.
func (s *Scheduler) selectFreePEs(share domain.MipsShare) []int {
	var free []int
	for i, owner := range s.state.peOwner {
		if owner == "" {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil
	}

	var selected []int
	next := 0
	for _, mips := range share {
		if next >= len(free) {
			break
		}
		if mips <= s.pes[free[next]].Mips {
			selected = append(selected, free[next])
			next++
		}
	}
	return selected
}

func (s *Scheduler) allocateSpaceShared(vmID string, share domain.MipsShare) bool {
	selected := s.selectFreePEs(share)
	if len(selected) < share.Pes() {
		return false
	}
	selected = selected[:share.Pes()]

	allocated := share.Cap(s.PeMips())
	for v, idx := range selected {
		s.state.peOwner[idx] = vmID
		s.state.peUsage[idx][vmID] = allocated[v]
	}
	s.state.binding[vmID] = selected
	s.state.requested[vmID] = share.Clone()
	s.state.allocated[vmID] = allocated
	s.state.order = append(s.state.order, vmID)
	return true
}

// Deallocate removes up to count virtual PEs of vmID, freeing the matching
// physical PEs. In time-shared modes the freed capacity is redistributed to
// the remaining VMs immediately.
func (s *Scheduler) Deallocate(vmID string, count int) {
	requested, ok := s.state.requested[vmID]
	if !ok || count <= 0 {
		return
	}
	if count >= requested.Pes() {
		s.release(vmID)
	} else {
		remaining, removed := requested.Remove(count)
		s.state.requested[vmID] = remaining
		if allocated, ok := s.state.allocated[vmID]; ok {
			s.state.allocated[vmID], _ = allocated.Remove(removed)
		}
		if s.mode == ModeSpaceShared {
			bound := s.state.binding[vmID]
			for _, idx := range bound[len(bound)-removed:] {
				s.state.peOwner[idx] = ""
				delete(s.state.peUsage[idx], vmID)
			}
			s.state.binding[vmID] = bound[:len(bound)-removed]
		}
		freed := removed
		if freed > s.state.busy[vmID] {
			freed = s.state.busy[vmID]
		}
		s.state.busy[vmID] -= freed
		s.state.busyPes -= freed
	}

	if s.mode != ModeSpaceShared {
		s.redistribute()
	}
}

// DeallocateAll removes every virtual PE of vmID.
func (s *Scheduler) DeallocateAll(vmID string) {
	requested, ok := s.state.requested[vmID]
	if !ok {
		return
	}
	s.Deallocate(vmID, requested.Pes())
}

// release drops every trace of vmID without redistributing.
func (s *Scheduler) release(vmID string) {
	for _, idx := range s.state.binding[vmID] {
		s.state.peOwner[idx] = ""
	}
	for i := range s.state.peUsage {
		delete(s.state.peUsage[i], vmID)
	}
	s.state.busyPes -= s.state.busy[vmID]
	delete(s.state.busy, vmID)
	delete(s.state.binding, vmID)
	delete(s.state.requested, vmID)
	delete(s.state.allocated, vmID)
	s.state.removeFromOrder(vmID)
}

// RequestedMips returns the share last requested for vmID.
func (s *Scheduler) RequestedMips(vmID string) domain.MipsShare {
	return s.state.requested[vmID].Clone()
}

// AllocatedMips returns the share allocated to vmID. For a VM migrating out
// it already reflects the reduced share.
func (s *Scheduler) AllocatedMips(vmID string) domain.MipsShare {
	return s.state.allocated[vmID].Clone()
}

// TotalAllocatedMips returns the sum of the share allocated to vmID.
func (s *Scheduler) TotalAllocatedMips(vmID string) float64 {
	return s.state.allocated[vmID].Total()
}

// UnreducedAllocatedMips converts the allocation of vmID back to the amount
// it would receive without migration overhead.
func (s *Scheduler) UnreducedAllocatedMips(vmID string) domain.MipsShare {
	allocated := s.state.allocated[vmID]
	if !s.appliesOverhead() {
		return allocated.Clone()
	}
	factor := s.MigrationFactor(vmID)
	if factor == 1 {
		return allocated.Clone()
	}
	if factor == 0 {
		return s.state.requested[vmID].Cap(s.PeMips())
	}
	return allocated.Scale(1 / factor)
}

// TotalAllocated returns the MIPS allocated to all VMs together.
func (s *Scheduler) TotalAllocated() float64 {
	var total float64
	for _, id := range s.state.order {
		total += s.state.allocated[id].Total()
	}
	return total
}

// Checkpoint captures the current bookkeeping.
func (s *Scheduler) Checkpoint() State {
	return s.state.clone()
}

// Restore puts back a state captured by Checkpoint.
func (s *Scheduler) Restore(st State) {
	s.state = st.clone()
}
