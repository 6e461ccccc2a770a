// Package detector classifies hosts as overloaded or underloaded from their
// CPU utilization history.
package detector

import (
	"fmt"

	"github.com/limiquantix/consolidation/internal/domain"
)

// Kind selects how the overload threshold is computed.
type Kind string

const (
	// KindStatic uses a fixed threshold for every host.
	KindStatic Kind = "static"
	// KindIQR derives the threshold from the inter-quartile range of the history.
	KindIQR Kind = "iqr"
	// KindMAD derives the threshold from the median absolute deviation of the history.
	KindMAD Kind = "mad"
	// KindLocalRegression extrapolates a weighted linear fit of recent samples.
	KindLocalRegression Kind = "local_regression"
	// KindLocalRegressionRobust is KindLocalRegression with outliers down-weighted.
	KindLocalRegressionRobust Kind = "local_regression_robust"
)

// Defaults.
const (
	DefaultStaticThreshold    = 0.9
	DefaultUnderThreshold     = 0.35
	DefaultSchedulingInterval = 300.0

	DefaultIQRSafety        = 1.5
	DefaultMADSafety        = 2.5
	DefaultRegressionSafety = 1.2

	// MinStatisticalHistory is the number of samples IQR and MAD need.
	MinStatisticalHistory = 12
	// RegressionWindow is the number of recent samples the regression fits.
	RegressionWindow = 10
)

// Config holds detector settings.
type Config struct {
	Kind Kind `mapstructure:"kind"`

	// StaticThreshold is the overload threshold of KindStatic.
	StaticThreshold float64 `mapstructure:"static_threshold"`
	// UnderThreshold is the requested fraction below which a host is underloaded.
	UnderThreshold float64 `mapstructure:"under_threshold"`
	// SafetyParameter scales the statistical measure. Zero selects the
	// default of the kind.
	SafetyParameter float64 `mapstructure:"safety_parameter"`
	// SchedulingInterval is the planning period in seconds, used by the
	// regression kinds to convert migration time into prediction steps.
	SchedulingInterval float64 `mapstructure:"scheduling_interval"`

	// Fallback is consulted when the history is too short. Nil means a
	// static detector using StaticThreshold.
	Fallback *Config `mapstructure:"fallback"`
}

// DefaultConfig returns a static detector configuration.
func DefaultConfig() Config {
	return Config{
		Kind:               KindStatic,
		StaticThreshold:    DefaultStaticThreshold,
		UnderThreshold:     DefaultUnderThreshold,
		SchedulingInterval: DefaultSchedulingInterval,
	}
}

// Validate checks the configuration, including the fallback chain.
func (c Config) Validate() error {
	switch c.Kind {
	case KindStatic, KindIQR, KindMAD, KindLocalRegression, KindLocalRegressionRobust:
	default:
		return fmt.Errorf("%w: unknown detector kind %q", domain.ErrInvalidConfig, c.Kind)
	}
	if c.UnderThreshold <= 0 || c.UnderThreshold >= 1 {
		return fmt.Errorf("%w: under-utilization threshold must be in (0, 1), got %v", domain.ErrInvalidConfig, c.UnderThreshold)
	}
	if c.StaticThreshold <= 0 || c.StaticThreshold > 1 {
		return fmt.Errorf("%w: static threshold must be in (0, 1], got %v", domain.ErrInvalidConfig, c.StaticThreshold)
	}
	if c.SafetyParameter < 0 {
		return fmt.Errorf("%w: safety parameter must not be negative, got %v", domain.ErrInvalidConfig, c.SafetyParameter)
	}
	if c.SchedulingInterval <= 0 {
		return fmt.Errorf("%w: scheduling interval must be positive, got %v", domain.ErrInvalidConfig, c.SchedulingInterval)
	}
	if c.Fallback != nil {
		if err := c.Fallback.Validate(); err != nil {
			return fmt.Errorf("fallback detector: %w", err)
		}
	}
	return nil
}

func (c Config) safety() float64 {
	if c.SafetyParameter > 0 {
		return c.SafetyParameter
	}
	switch c.Kind {
	case KindIQR:
		return DefaultIQRSafety
	case KindMAD:
		return DefaultMADSafety
	case KindLocalRegression, KindLocalRegressionRobust:
		return DefaultRegressionSafety
	}
	return 0
}

func (k Kind) isRegression() bool {
	return k == KindLocalRegression || k == KindLocalRegressionRobust
}
