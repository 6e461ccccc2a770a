// Package datacenter models physical hosts, the VMs placed on them and the
// datacenter that owns both.
package datacenter

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/limiquantix/consolidation/internal/domain"
)

// VMSpec describes the resources a VM requests.
type VMSpec struct {
	Name string
	Pes  int
	Mips float64 // per PE
	RAM  int64   // MiB
	BW   int64   // Mbps
}

// VM is a virtual machine. Its demand is the fraction of its capacity
// currently requested by the workload running inside it.
type VM struct {
	ID   string
	Name string
	Pes  int
	Mips float64
	RAM  int64
	BW   int64

	utilization float64
	host        *Host
	inMigration bool
}

// NewVM creates a VM requesting its full capacity.
func NewVM(spec VMSpec) *VM {
	name := spec.Name
	id := uuid.NewString()
	if name == "" {
		name = "vm-" + id[:8]
	}
	return &VM{
		ID:          id,
		Name:        name,
		Pes:         spec.Pes,
		Mips:        spec.Mips,
		RAM:         spec.RAM,
		BW:          spec.BW,
		utilization: 1,
	}
}

// Utilization returns the fraction of capacity the VM currently requests.
func (v *VM) Utilization() float64 { return v.utilization }

// SetUtilization sets the requested fraction, clamped to [0, 1].
func (v *VM) SetUtilization(u float64) {
	switch {
	case u < 0:
		u = 0
	case u > 1:
		u = 1
	}
	v.utilization = u
}

// CurrentRequestedMips returns the per-PE MIPS the VM requests right now.
func (v *VM) CurrentRequestedMips() domain.MipsShare {
	return domain.NewMipsShare(v.Pes, v.Mips*v.utilization)
}

// CurrentRequestedTotalMips returns the total MIPS the VM requests right now.
func (v *VM) CurrentRequestedTotalMips() float64 {
	return float64(v.Pes) * v.Mips * v.utilization
}

// TotalMipsCapacity returns the nominal MIPS capacity of the VM.
func (v *VM) TotalMipsCapacity() float64 {
	return float64(v.Pes) * v.Mips
}

// Host returns the host the VM is placed on, or nil.
func (v *VM) Host() *Host { return v.host }

// IsInMigration reports whether the VM is being live-migrated.
func (v *VM) IsInMigration() bool { return v.inMigration }

func (v *VM) String() string {
	return fmt.Sprintf("VM %s", v.Name)
}

// TotalRequestedMips sums the current demand of vms.
func TotalRequestedMips(vms []*VM) float64 {
	var total float64
	for _, vm := range vms {
		total += vm.CurrentRequestedTotalMips()
	}
	return total
}
