package detector

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/datacenter"
)

// ErrInsufficientHistory is returned by Threshold when the host history is
// too short for the configured kind.
var ErrInsufficientHistory = errors.New("insufficient utilization history")

// Clock returns the current simulation time in seconds.
type Clock interface {
	Now() float64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() float64

// Now implements Clock.
func (f ClockFunc) Now() float64 { return f() }

// MetricSample is one utilization observation together with the threshold
// it was compared against.
type MetricSample struct {
	Time        float64 `json:"time"`
	Utilization float64 `json:"utilization"`
	Threshold   float64 `json:"threshold"`
}

// Detector decides whether hosts are overloaded or underloaded.
type Detector struct {
	cfg      Config
	safety   float64
	fallback *Detector
	clock    Clock
	logger   *zap.Logger

	mu      sync.Mutex
	history map[string][]MetricSample
}

// New creates a detector. Non-static kinds get a fallback detector built
// from cfg.Fallback, or a static one when it is nil. logger may be nil.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = ClockFunc(func() float64 { return 0 })
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Detector{
		cfg:     cfg,
		safety:  cfg.safety(),
		clock:   clock,
		logger:  logger.With(zap.String("detector", string(cfg.Kind))),
		history: make(map[string][]MetricSample),
	}
	if cfg.Kind == KindStatic {
		return d, nil
	}

	fallbackCfg := Config{
		Kind:               KindStatic,
		StaticThreshold:    cfg.StaticThreshold,
		UnderThreshold:     cfg.UnderThreshold,
		SchedulingInterval: cfg.SchedulingInterval,
	}
	if cfg.Fallback != nil {
		fallbackCfg = *cfg.Fallback
	}
	fallback, err := New(fallbackCfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback detector: %w", err)
	}
	d.fallback = fallback
	return d, nil
}

// Kind returns the configured kind.
func (d *Detector) Kind() Kind { return d.cfg.Kind }

// UnderThreshold returns the underload threshold.
func (d *Detector) UnderThreshold() float64 { return d.cfg.UnderThreshold }

// Fallback returns the detector used when the history is too short, or nil.
func (d *Detector) Fallback() *Detector { return d.fallback }

// Threshold returns the overload threshold of h. Statistical kinds fail
// with ErrInsufficientHistory when the history is too short.
func (d *Detector) Threshold(h *datacenter.Host) (float64, error) {
	switch d.cfg.Kind {
	case KindStatic:
		return d.cfg.StaticThreshold, nil
	case KindIQR, KindMAD:
		data := h.History().Values()
		n := countNonZeroBeginning(data)
		if n < MinStatisticalHistory {
			return 0, fmt.Errorf("%w: %s needs %d samples, host %s has %d",
				ErrInsufficientHistory, d.cfg.Kind, MinStatisticalHistory, h.Name, n)
		}
		measure := iqr(data[:n])
		if d.cfg.Kind == KindMAD {
			measure = mad(data[:n])
		}
		return 1 - d.safety*measure, nil
	case KindLocalRegression, KindLocalRegressionRobust:
		return d.regressionThreshold(h)
	}
	return 0, fmt.Errorf("unknown detector kind %q", d.cfg.Kind)
}

func (d *Detector) regressionThreshold(h *datacenter.Host) (float64, error) {
	data := h.History().Values()
	if len(data) < RegressionWindow {
		return 0, fmt.Errorf("%w: %s needs %d samples, host %s has %d",
			ErrInsufficientHistory, d.cfg.Kind, RegressionWindow, h.Name, len(data))
	}

	window := make([]float64, RegressionWindow)
	for i := range window {
		window[i] = data[RegressionWindow-1-i]
	}

	var alpha, beta float64
	if d.cfg.Kind == KindLocalRegressionRobust {
		alpha, beta = robustLoessEstimates(window)
	} else {
		alpha, beta = loessEstimates(window)
	}

	steps := math.Ceil(h.MaxMigrationTime() / d.cfg.SchedulingInterval)
	predicted := alpha + beta*(float64(RegressionWindow)+steps)
	return d.safety * predicted, nil
}

// IsOverloaded reports whether the current CPU utilization of h exceeds its
// threshold and records the comparison in the metric history.
func (d *Detector) IsOverloaded(h *datacenter.Host) bool {
	utilization := h.CPUUtilization()
	threshold, overloaded := d.evaluate(h, utilization)
	d.record(h.ID, utilization, threshold)
	return overloaded
}

// IsOverloadedAt reports whether h would be overloaded at utilization.
func (d *Detector) IsOverloadedAt(h *datacenter.Host, utilization float64) bool {
	_, overloaded := d.evaluate(h, utilization)
	return overloaded
}

// IsUnderloaded reports whether the requested fraction of h is below the
// underload threshold.
func (d *Detector) IsUnderloaded(h *datacenter.Host) bool {
	return h.CPUPercentRequested() < d.cfg.UnderThreshold
}

func (d *Detector) evaluate(h *datacenter.Host, utilization float64) (float64, bool) {
	threshold, err := d.Threshold(h)
	if err != nil {
		if d.fallback == nil {
			d.logger.Warn("No threshold available, comparing against full capacity",
				zap.String("host", h.Name),
				zap.Error(err),
			)
			return 1, utilization > 1
		}
		d.logger.Debug("Using fallback detector",
			zap.String("host", h.Name),
			zap.String("fallback", string(d.fallback.cfg.Kind)),
			zap.Error(err),
		)
		return d.fallback.evaluate(h, utilization)
	}
	// A predicted utilization at or above full capacity is an overload
	// regardless of the current value.
	if d.cfg.Kind.isRegression() && threshold >= 1 {
		return threshold, true
	}
	return threshold, utilization > threshold
}

// record stores a sample unless one already exists for the current time.
func (d *Detector) record(hostID string, utilization, threshold float64) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := d.history[hostID]
	if n := len(samples); n > 0 && samples[n-1].Time == now {
		return
	}
	d.history[hostID] = append(samples, MetricSample{Time: now, Utilization: utilization, Threshold: threshold})
}

// History returns the metric history of a host in chronological order.
func (d *Detector) History(hostID string) []MetricSample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MetricSample(nil), d.history[hostID]...)
}
