package capacity

import "github.com/limiquantix/consolidation/internal/domain"

// State is the complete bookkeeping of a Scheduler. It is copied by
// Checkpoint and put back by Restore.
type State struct {
	order     []string
	requested map[string]domain.MipsShare
	allocated map[string]domain.MipsShare
	busy      map[string]int
	busyPes   int

	// peUsage holds, per physical PE, the MIPS provisioned to each VM.
	peUsage []map[string]float64
	// peOwner is the VM bound to each PE in space-shared mode ("" when free).
	peOwner []string
	// binding lists the PEs bound to each VM in space-shared mode, in virtual PE order.
	binding map[string][]int
}

func newState(pes int) State {
	st := State{
		requested: make(map[string]domain.MipsShare),
		allocated: make(map[string]domain.MipsShare),
		busy:      make(map[string]int),
		peUsage:   make([]map[string]float64, pes),
		peOwner:   make([]string, pes),
		binding:   make(map[string][]int),
	}
	for i := range st.peUsage {
		st.peUsage[i] = make(map[string]float64)
	}
	return st
}

func (st State) clone() State {
	out := State{
		order:     append([]string(nil), st.order...),
		requested: make(map[string]domain.MipsShare, len(st.requested)),
		allocated: make(map[string]domain.MipsShare, len(st.allocated)),
		busy:      make(map[string]int, len(st.busy)),
		busyPes:   st.busyPes,
		peUsage:   make([]map[string]float64, len(st.peUsage)),
		peOwner:   append([]string(nil), st.peOwner...),
		binding:   make(map[string][]int, len(st.binding)),
	}
	for id, s := range st.requested {
		out.requested[id] = s.Clone()
	}
	for id, s := range st.allocated {
		out.allocated[id] = s.Clone()
	}
	for id, n := range st.busy {
		out.busy[id] = n
	}
	for i, usage := range st.peUsage {
		m := make(map[string]float64, len(usage))
		for id, mips := range usage {
			m[id] = mips
		}
		out.peUsage[i] = m
	}
	for id, idx := range st.binding {
		out.binding[id] = append([]int(nil), idx...)
	}
	return out
}

func (st *State) removeFromOrder(vmID string) {
	for i, id := range st.order {
		if id == vmID {
			st.order = append(st.order[:i], st.order[i+1:]...)
			return
		}
	}
}

// usedOnPE sums in allocation order so results are reproducible.
func (st *State) usedOnPE(i int) float64 {
	var used float64
	for _, id := range st.order {
		used += st.peUsage[i][id]
	}
	return used
}

func (st *State) clearPEUsage() {
	for i := range st.peUsage {
		st.peUsage[i] = make(map[string]float64)
	}
}
