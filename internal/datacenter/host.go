package datacenter

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/capacity"
	"github.com/limiquantix/consolidation/internal/domain"
)

// DefaultHistorySize is the number of utilization samples kept per host.
const DefaultHistorySize = 30

// HostSpec describes the hardware of a host.
type HostSpec struct {
	Name   string
	Pes    int
	PeMips float64
	RAM    int64 // MiB
	BW     int64 // Mbps
	Power  domain.PowerModel
}

// Host is a physical machine whose PEs are shared among resident VMs.
type Host struct {
	ID   string
	Name string

	ram int64
	bw  int64

	scheduler *capacity.Scheduler
	power     domain.PowerModel
	history   *domain.UtilizationHistory

	vms          []*VM
	migratingIn  []*VM
	migratingOut []*VM
	ramUsed      map[string]int64
	bwUsed       map[string]int64

	active bool
	failed bool
}

// NewHost creates an active host with an empty VM list. logger may be nil.
func NewHost(spec HostSpec, cfg capacity.Config, historySize int, logger *zap.Logger) (*Host, error) {
	if spec.Pes <= 0 || spec.PeMips <= 0 {
		return nil, fmt.Errorf("%w: host %q needs positive PEs and PE MIPS", domain.ErrInvalidConfig, spec.Name)
	}
	if spec.Power == nil {
		return nil, fmt.Errorf("%w: host %q has no power model", domain.ErrInvalidConfig, spec.Name)
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	id := uuid.NewString()
	name := spec.Name
	if name == "" {
		name = "host-" + id[:8]
	}

	h := &Host{
		ID:      id,
		Name:    name,
		ram:     spec.RAM,
		bw:      spec.BW,
		power:   spec.Power,
		history: domain.NewUtilizationHistory(historySize),
		ramUsed: make(map[string]int64),
		bwUsed:  make(map[string]int64),
		active:  true,
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := capacity.New(cfg, domain.NewPEs(spec.Pes, spec.PeMips), h, logger.With(zap.String("host", name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create capacity scheduler for host %q: %w", name, err)
	}
	h.scheduler = sched
	return h, nil
}

func (h *Host) String() string {
	return fmt.Sprintf("Host %s", h.Name)
}

// Scheduler returns the capacity scheduler of the host.
func (h *Host) Scheduler() *capacity.Scheduler { return h.scheduler }

// PowerModel returns the power model of the host.
func (h *Host) PowerModel() domain.PowerModel { return h.power }

// History returns the CPU utilization history of the host.
func (h *Host) History() *domain.UtilizationHistory { return h.history }

// TotalMips returns the capacity of all PEs.
func (h *Host) TotalMips() float64 { return h.scheduler.TotalMips() }

// NumberOfPes returns how many PEs the host has.
func (h *Host) NumberOfPes() int { return len(h.scheduler.PEs()) }

// FreePes returns how many PEs are not busy.
func (h *Host) FreePes() int { return h.scheduler.FreePes() }

// RAM returns the RAM capacity in MiB.
func (h *Host) RAM() int64 { return h.ram }

// BW returns the bandwidth capacity in Mbps.
func (h *Host) BW() int64 { return h.bw }

// AvailableRAM returns the RAM not assigned to any VM.
func (h *Host) AvailableRAM() int64 { return h.ram - sumValues(h.ramUsed) }

// AvailableBW returns the bandwidth not assigned to any VM.
func (h *Host) AvailableBW() int64 { return h.bw - sumValues(h.bwUsed) }

// VMs returns the VMs currently on the host, including ones migrating in.
func (h *Host) VMs() []*VM { return append([]*VM(nil), h.vms...) }

// MigratingIn returns the VMs being migrated into the host.
func (h *Host) MigratingIn() []*VM { return append([]*VM(nil), h.migratingIn...) }

// MigratingOut returns the VMs being migrated away from the host.
func (h *Host) MigratingOut() []*VM { return append([]*VM(nil), h.migratingOut...) }

// IsMigratingIn implements capacity.MigrationState.
func (h *Host) IsMigratingIn(vmID string) bool { return indexOf(h.migratingIn, vmID) >= 0 }

// IsMigratingOut implements capacity.MigrationState.
func (h *Host) IsMigratingOut(vmID string) bool { return indexOf(h.migratingOut, vmID) >= 0 }

// HasVM reports whether vm is in the VM list of the host.
func (h *Host) HasVM(vm *VM) bool { return indexOf(h.vms, vm.ID) >= 0 }

// IsActive reports whether the host is powered on.
func (h *Host) IsActive() bool { return h.active }

// SetActive powers the host on or off.
func (h *Host) SetActive(active bool) { h.active = active }

// IsFailed reports whether the host has failed.
func (h *Host) IsFailed() bool { return h.failed }

// SetFailed marks the host as failed or recovered.
func (h *Host) SetFailed(failed bool) { h.failed = failed }

// IsSuitableFor reports whether the host has room for the current demand of vm.
func (h *Host) IsSuitableFor(vm *VM) bool {
	if h.failed {
		return false
	}
	if h.AvailableRAM() < vm.RAM || h.AvailableBW() < vm.BW {
		return false
	}
	return h.scheduler.IsSuitable(vm.ID, vm.CurrentRequestedMips())
}

// CreateTemporaryVM allocates resources for vm and adds it to the VM list
// without changing the host recorded on the VM.
func (h *Host) CreateTemporaryVM(vm *VM) bool {
	if h.HasVM(vm) {
		return false
	}
	if !h.allocateResources(vm) {
		return false
	}
	h.vms = append(h.vms, vm)
	return true
}

// DestroyTemporaryVM releases the resources of vm and drops it from the VM list.
func (h *Host) DestroyTemporaryVM(vm *VM) {
	h.deallocateResources(vm)
	h.vms = removeVM(h.vms, vm.ID)
}

// CreateVM places vm on the host.
func (h *Host) CreateVM(vm *VM) bool {
	if !h.CreateTemporaryVM(vm) {
		return false
	}
	vm.host = h
	return true
}

// DestroyVM removes vm from the host.
func (h *Host) DestroyVM(vm *VM) {
	h.DestroyTemporaryVM(vm)
	h.migratingOut = removeVM(h.migratingOut, vm.ID)
	if vm.host == h {
		vm.host = nil
	}
}

// AddMigratingIn reserves resources for vm while it is migrated into the
// host. During the migration it only receives the overhead fraction of its demand.
func (h *Host) AddMigratingIn(vm *VM) bool {
	if h.IsMigratingIn(vm.ID) {
		return true
	}
	h.migratingIn = append(h.migratingIn, vm)
	if !h.CreateTemporaryVM(vm) {
		h.migratingIn = removeVM(h.migratingIn, vm.ID)
		return false
	}
	vm.inMigration = true
	return true
}

// AddMigratingOut marks vm as leaving the host. The VM keeps running with
// its share reduced by the migration overhead.
func (h *Host) AddMigratingOut(vm *VM) {
	if h.IsMigratingOut(vm.ID) {
		return
	}
	h.migratingOut = append(h.migratingOut, vm)
	vm.inMigration = true
	h.scheduler.Refresh()
}

// FinishMigrationIn turns a migrating-in VM into a resident one.
func (h *Host) FinishMigrationIn(vm *VM) {
	if !h.IsMigratingIn(vm.ID) {
		return
	}
	h.migratingIn = removeVM(h.migratingIn, vm.ID)
	vm.inMigration = false
	vm.host = h
	h.scheduler.Refresh()
}

// UpdateProcessing reallocates PE capacity to the current demand of every VM.
func (h *Host) UpdateProcessing() {
	for _, vm := range h.vms {
		h.scheduler.DeallocateAll(vm.ID)
	}
	for _, vm := range h.vms {
		h.scheduler.AllocateBestEffort(vm.ID, vm.CurrentRequestedMips())
	}
}

// CPUUtilization returns the allocated fraction of the host capacity.
func (h *Host) CPUUtilization() float64 {
	total := h.TotalMips()
	if total == 0 {
		return 0
	}
	return h.scheduler.TotalAllocated() / total
}

// CPUPercentRequested returns the requested fraction of the host capacity.
func (h *Host) CPUPercentRequested() float64 {
	total := h.TotalMips()
	if total == 0 {
		return 0
	}
	return TotalRequestedMips(h.vms) / total
}

// UtilizationMips returns the MIPS used on the host, counting the full
// demand of VMs migrating in rather than their reduced share.
func (h *Host) UtilizationMips() float64 {
	var used float64
	overhead := h.scheduler.Overhead()
	for _, vm := range h.vms {
		allocated := h.scheduler.TotalAllocatedMips(vm.ID)
		used += allocated
		if overhead > 0 && h.IsMigratingIn(vm.ID) {
			used += allocated * h.scheduler.MaxCPUUsageDuringOutMigration() / overhead
		}
	}
	return used
}

// Power returns the current power draw. Hosts that are switched off draw nothing.
func (h *Host) Power() (float64, error) {
	if !h.active {
		return 0, nil
	}
	return h.power.PowerAt(clampUnit(h.CPUUtilization()))
}

// RecordUtilization appends the current CPU utilization to the history.
func (h *Host) RecordUtilization(time float64) {
	h.history.Add(time, h.CPUUtilization())
}

// MaxMigrationTime estimates, in seconds, how long the largest VM would take
// to migrate using half of the host bandwidth.
func (h *Host) MaxMigrationTime() float64 {
	var maxRAM int64
	for _, vm := range h.vms {
		if vm.RAM > maxRAM {
			maxRAM = vm.RAM
		}
	}
	return MigrationTime(maxRAM, h.bw)
}

// MigrationTime returns the seconds needed to move ram MiB over half of bw Mbps.
func MigrationTime(ram, bw int64) float64 {
	if bw <= 0 {
		return 0
	}
	return float64(ram) / (float64(bw) / 16)
}

func (h *Host) allocateResources(vm *VM) bool {
	if !h.IsSuitableFor(vm) {
		return false
	}
	if !h.scheduler.Allocate(vm.ID, vm.CurrentRequestedMips()) {
		return false
	}
	h.ramUsed[vm.ID] = vm.RAM
	h.bwUsed[vm.ID] = vm.BW
	return true
}

func (h *Host) deallocateResources(vm *VM) {
	h.scheduler.DeallocateAll(vm.ID)
	delete(h.ramUsed, vm.ID)
	delete(h.bwUsed, vm.ID)
}

func indexOf(vms []*VM, id string) int {
	for i, vm := range vms {
		if vm.ID == id {
			return i
		}
	}
	return -1
}

func removeVM(vms []*VM, id string) []*VM {
	i := indexOf(vms, id)
	if i < 0 {
		return vms
	}
	out := make([]*VM, 0, len(vms)-1)
	out = append(out, vms[:i]...)
	return append(out, vms[i+1:]...)
}

func sumValues(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
