package domain

// PE is a processing element of a host: one schedulable slice of CPU capacity.
type PE struct {
	ID   int     `json:"id"`
	Mips float64 `json:"mips"`
}

// NewPEs creates count homogeneous PEs with the given capacity each.
func NewPEs(count int, mips float64) []PE {
	pes := make([]PE, count)
	for i := range pes {
		pes[i] = PE{ID: i, Mips: mips}
	}
	return pes
}

// TotalMips returns the summed capacity of the PEs.
func TotalMips(pes []PE) float64 {
	var total float64
	for _, pe := range pes {
		total += pe.Mips
	}
	return total
}

// MipsShare is the ordered list of per-PE MIPS requested by or allocated to a VM.
type MipsShare []float64

// NewMipsShare creates a share of pes entries each holding mips.
func NewMipsShare(pes int, mips float64) MipsShare {
	if pes <= 0 {
		return MipsShare{}
	}
	share := make(MipsShare, pes)
	for i := range share {
		share[i] = mips
	}
	return share
}

// Pes returns the number of virtual PEs in the share.
func (s MipsShare) Pes() int {
	return len(s)
}

// Total returns the sum of all entries.
func (s MipsShare) Total() float64 {
	var total float64
	for _, m := range s {
		total += m
	}
	return total
}

// IsEmpty reports whether the share holds no PEs.
func (s MipsShare) IsEmpty() bool {
	return len(s) == 0
}

// Clone returns an independent copy of the share.
func (s MipsShare) Clone() MipsShare {
	if s == nil {
		return nil
	}
	out := make(MipsShare, len(s))
	copy(out, s)
	return out
}

// Scale returns a copy with every entry multiplied by factor.
func (s MipsShare) Scale(factor float64) MipsShare {
	out := make(MipsShare, len(s))
	for i, m := range s {
		out[i] = m * factor
	}
	return out
}

// Cap returns a copy with every entry clamped to max.
func (s MipsShare) Cap(max float64) MipsShare {
	out := make(MipsShare, len(s))
	for i, m := range s {
		if m > max {
			m = max
		}
		out[i] = m
	}
	return out
}

// Remove drops up to n PEs from the end of the share and returns the
// remaining share along with how many PEs were actually removed.
func (s MipsShare) Remove(n int) (MipsShare, int) {
	if n <= 0 {
		return s, 0
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:len(s)-n], n
}
