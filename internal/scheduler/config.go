// Package scheduler selects destination hosts for VMs. Candidate hosts are
// filtered by hard constraints and then ranked by the placement strategy.
package scheduler

import (
	"fmt"

	"github.com/limiquantix/consolidation/internal/domain"
)

// Placement strategies.
const (
	// StrategyMinPower picks the host whose power draw grows the least.
	StrategyMinPower = "min_power"
	// StrategyPack picks the host left most utilized after placement.
	StrategyPack = "pack"
	// StrategySpread picks the host left least utilized after placement.
	StrategySpread = "spread"
)

// Config holds the scheduler configuration.
type Config struct {
	// PlacementStrategy determines how feasible hosts are ranked.
	PlacementStrategy string `mapstructure:"placement_strategy"`

	// AllowInactiveHosts lets switched-off hosts receive VMs. Waking a host
	// costs its static power, so min_power only picks one when nothing else fits.
	AllowInactiveHosts bool `mapstructure:"allow_inactive_hosts"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PlacementStrategy:  StrategyMinPower,
		AllowInactiveHosts: true,
	}
}

// Validate checks the placement strategy.
func (c Config) Validate() error {
	switch c.PlacementStrategy {
	case StrategyMinPower, StrategyPack, StrategySpread:
		return nil
	}
	return fmt.Errorf("%w: unknown placement strategy %q", domain.ErrInvalidConfig, c.PlacementStrategy)
}
