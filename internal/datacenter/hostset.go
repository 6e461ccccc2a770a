package datacenter

// HostSet is a set of hosts keyed by host ID.
type HostSet map[string]*Host

// NewHostSet creates a set holding hosts.
func NewHostSet(hosts ...*Host) HostSet {
	s := make(HostSet, len(hosts))
	for _, h := range hosts {
		s.Add(h)
	}
	return s
}

// Add inserts h.
func (s HostSet) Add(h *Host) { s[h.ID] = h }

// Has reports whether h is in the set. A nil set holds nothing.
func (s HostSet) Has(h *Host) bool {
	_, ok := s[h.ID]
	return ok
}

// AddAll inserts every host of other.
func (s HostSet) AddAll(other HostSet) {
	for id, h := range other {
		s[id] = h
	}
}

// Clone returns an independent copy.
func (s HostSet) Clone() HostSet {
	out := make(HostSet, len(s))
	out.AddAll(s)
	return out
}
