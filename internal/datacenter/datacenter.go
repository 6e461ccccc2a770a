package datacenter

import (
	"fmt"
	"sync"

	"github.com/limiquantix/consolidation/internal/domain"
)

// Datacenter owns an ordered list of hosts. Planning and processing updates
// take the write lock; status readers take the read lock.
type Datacenter struct {
	mu    sync.RWMutex
	name  string
	hosts []*Host
	vms   map[string]*VM
}

// New creates an empty datacenter.
func New(name string) *Datacenter {
	return &Datacenter{
		name: name,
		vms:  make(map[string]*VM),
	}
}

// Name returns the datacenter name.
func (d *Datacenter) Name() string { return d.name }

// AddHost appends a host. Host order is the iteration order used by placement.
func (d *Datacenter) AddHost(h *Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts = append(d.hosts, h)
}

// Hosts returns the hosts in insertion order. Callers must hold the lock
// through Update or View when they mutate or read host state.
func (d *Datacenter) Hosts() []*Host {
	return append([]*Host(nil), d.hosts...)
}

// Host looks up a host by ID or name.
func (d *Datacenter) Host(idOrName string) (*Host, error) {
	for _, h := range d.hosts {
		if h.ID == idOrName || h.Name == idOrName {
			return h, nil
		}
	}
	return nil, fmt.Errorf("host %q: %w", idOrName, domain.ErrNotFound)
}

// Place puts vm on the first suitable host, or on target when it is not nil.
func (d *Datacenter) Place(vm *VM, target *Host) error {
	if target != nil {
		if !target.CreateVM(vm) {
			return fmt.Errorf("%w: %s does not fit on %s", domain.ErrResourceExhausted, vm, target)
		}
		d.vms[vm.ID] = vm
		return nil
	}
	for _, h := range d.hosts {
		if !h.IsActive() || h.IsFailed() {
			continue
		}
		if h.CreateVM(vm) {
			d.vms[vm.ID] = vm
			return nil
		}
	}
	return fmt.Errorf("%w: no host can fit %s", domain.ErrResourceExhausted, vm)
}

// VMs returns every placed VM, following host order.
func (d *Datacenter) VMs() []*VM {
	var out []*VM
	seen := make(map[string]bool, len(d.vms))
	for _, h := range d.hosts {
		for _, vm := range h.vms {
			if seen[vm.ID] {
				continue
			}
			seen[vm.ID] = true
			out = append(out, vm)
		}
	}
	return out
}

// VM looks up a VM by ID.
func (d *Datacenter) VM(id string) (*VM, error) {
	vm, ok := d.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %q: %w", id, domain.ErrNotFound)
	}
	return vm, nil
}

// Update runs fn holding the exclusive lock.
func (d *Datacenter) Update(fn func(hosts []*Host) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.hosts)
}

// View runs fn holding the shared lock. fn must not mutate hosts.
func (d *Datacenter) View(fn func(hosts []*Host)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.hosts)
}

// HostStatus is a point-in-time view of a host.
type HostStatus struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Active              bool     `json:"active"`
	Failed              bool     `json:"failed"`
	Pes                 int      `json:"pes"`
	FreePes             int      `json:"free_pes"`
	TotalMips           float64  `json:"total_mips"`
	CPUUtilization      float64  `json:"cpu_utilization"`
	CPUPercentRequested float64  `json:"cpu_percent_requested"`
	PowerWatts          float64  `json:"power_watts"`
	VMs                 []string `json:"vms"`
	MigratingIn         []string `json:"migrating_in,omitempty"`
	MigratingOut        []string `json:"migrating_out,omitempty"`
}

// Status returns a snapshot of every host.
func (d *Datacenter) Status() []HostStatus {
	var out []HostStatus
	d.View(func(hosts []*Host) {
		out = make([]HostStatus, 0, len(hosts))
		for _, h := range hosts {
			power, _ := h.Power()
			out = append(out, HostStatus{
				ID:                  h.ID,
				Name:                h.Name,
				Active:              h.IsActive(),
				Failed:              h.IsFailed(),
				Pes:                 h.NumberOfPes(),
				FreePes:             h.FreePes(),
				TotalMips:           h.TotalMips(),
				CPUUtilization:      h.CPUUtilization(),
				CPUPercentRequested: h.CPUPercentRequested(),
				PowerWatts:          power,
				VMs:                 vmNames(h.vms),
				MigratingIn:         vmNames(h.migratingIn),
				MigratingOut:        vmNames(h.migratingOut),
			})
		}
	})
	return out
}

func vmNames(vms []*VM) []string {
	if len(vms) == 0 {
		return nil
	}
	names := make([]string, len(vms))
	for i, vm := range vms {
		names[i] = vm.Name
	}
	return names
}
