package domain

// UtilizationSample is one CPU utilization observation.
type UtilizationSample struct {
	Time        float64 `json:"time"`
	Utilization float64 `json:"utilization"`
}

// UtilizationHistory is an append-only, bounded series of utilization samples.
// Once full, the oldest sample is dropped for every new one.
type UtilizationHistory struct {
	samples []UtilizationSample
	max     int
}

// NewUtilizationHistory creates a history keeping at most max samples.
func NewUtilizationHistory(max int) *UtilizationHistory {
	if max <= 0 {
		max = 1
	}
	return &UtilizationHistory{
		samples: make([]UtilizationSample, 0, max),
		max:     max,
	}
}

// Add appends a sample. A sample at the same time as the latest one replaces it.
func (h *UtilizationHistory) Add(time, utilization float64) {
	if n := len(h.samples); n > 0 && h.samples[n-1].Time == time {
		h.samples[n-1].Utilization = utilization
		return
	}
	if len(h.samples) == h.max {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:len(h.samples)-1]
	}
	h.samples = append(h.samples, UtilizationSample{Time: time, Utilization: utilization})
}

// Len returns the number of samples held.
func (h *UtilizationHistory) Len() int {
	return len(h.samples)
}

// Values returns the utilization values, most recent first.
func (h *UtilizationHistory) Values() []float64 {
	out := make([]float64, len(h.samples))
	for i, s := range h.samples {
		out[len(h.samples)-1-i] = s.Utilization
	}
	return out
}

// Samples returns a copy of the samples in chronological order.
func (h *UtilizationHistory) Samples() []UtilizationSample {
	out := make([]UtilizationSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Clone returns an independent copy of the history.
func (h *UtilizationHistory) Clone() *UtilizationHistory {
	out := &UtilizationHistory{
		samples: make([]UtilizationSample, len(h.samples), h.max),
		max:     h.max,
	}
	copy(out.samples, h.samples)
	return out
}
