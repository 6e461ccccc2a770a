package datacenter

import "github.com/limiquantix/consolidation/internal/capacity"

// Checkpoint is a copy of the mutable state of a host.
type Checkpoint struct {
	vms          []*VM
	migratingIn  []*VM
	migratingOut []*VM
	ramUsed      map[string]int64
	bwUsed       map[string]int64
	scheduler    capacity.State
}

// Checkpoint captures the VM lists and resource bookkeeping of the host.
func (h *Host) Checkpoint() Checkpoint {
	return Checkpoint{
		vms:          append([]*VM(nil), h.vms...),
		migratingIn:  append([]*VM(nil), h.migratingIn...),
		migratingOut: append([]*VM(nil), h.migratingOut...),
		ramUsed:      copyUsage(h.ramUsed),
		bwUsed:       copyUsage(h.bwUsed),
		scheduler:    h.scheduler.Checkpoint(),
	}
}

// Restore puts back a state captured by Checkpoint.
func (h *Host) Restore(cp Checkpoint) {
	h.vms = append([]*VM(nil), cp.vms...)
	h.migratingIn = append([]*VM(nil), cp.migratingIn...)
	h.migratingOut = append([]*VM(nil), cp.migratingOut...)
	h.ramUsed = copyUsage(cp.ramUsed)
	h.bwUsed = copyUsage(cp.bwUsed)
	h.scheduler.Restore(cp.scheduler)
}

// Probe is a speculative change to a host that is always rolled back.
type Probe struct {
	host       *Host
	checkpoint Checkpoint
	done       bool
}

// BeginProbe starts a speculative change on the host.
func (h *Host) BeginProbe() *Probe {
	return &Probe{host: h, checkpoint: h.Checkpoint()}
}

// Host returns the probed host.
func (p *Probe) Host() *Host { return p.host }

// Rollback undoes everything done to the host since BeginProbe. Calling it
// more than once is harmless.
func (p *Probe) Rollback() {
	if p.done {
		return
	}
	p.host.Restore(p.checkpoint)
	p.done = true
}

func copyUsage(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
