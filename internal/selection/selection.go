// Package selection implements the policies that choose which VM to move
// off an overloaded host.
package selection

import (
	"fmt"
	"math/rand"

	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
)

// Policy names.
const (
	MinimumUtilization   = "minimum_utilization"
	MinimumMigrationTime = "minimum_migration_time"
	Random               = "random"
)

// Policy picks the next VM to migrate off a host among candidates, which
// the caller has already narrowed to VMs that may move. It returns false
// when there is nothing left to pick.
type Policy interface {
	VMToMigrate(h *datacenter.Host, candidates []*datacenter.VM) (*datacenter.VM, bool)
}

// Config holds the selection policy settings.
type Config struct {
	Policy string `mapstructure:"policy"`
	// Seed feeds the random policy.
	Seed int64 `mapstructure:"seed"`
}

// DefaultConfig returns the minimum utilization policy.
func DefaultConfig() Config {
	return Config{Policy: MinimumUtilization, Seed: 1}
}

// New builds the policy named in cfg.
func New(cfg Config) (Policy, error) {
	switch cfg.Policy {
	case MinimumUtilization:
		return MinimumUtilizationPolicy{}, nil
	case MinimumMigrationTime:
		return MinimumMigrationTimePolicy{}, nil
	case Random:
		return NewRandomPolicy(cfg.Seed), nil
	}
	return nil, fmt.Errorf("%w: unknown vm selection policy %q", domain.ErrInvalidConfig, cfg.Policy)
}

// MinimumUtilizationPolicy picks the VM with the lowest current demand.
type MinimumUtilizationPolicy struct{}

// VMToMigrate implements Policy.
func (MinimumUtilizationPolicy) VMToMigrate(_ *datacenter.Host, candidates []*datacenter.VM) (*datacenter.VM, bool) {
	return minBy(candidates, func(vm *datacenter.VM) float64 {
		return vm.CurrentRequestedTotalMips()
	})
}

// MinimumMigrationTimePolicy picks the VM with the least RAM to copy.
type MinimumMigrationTimePolicy struct{}

// VMToMigrate implements Policy.
func (MinimumMigrationTimePolicy) VMToMigrate(_ *datacenter.Host, candidates []*datacenter.VM) (*datacenter.VM, bool) {
	return minBy(candidates, func(vm *datacenter.VM) float64 {
		return float64(vm.RAM)
	})
}

// RandomPolicy picks a candidate uniformly at random.
type RandomPolicy struct {
	rng *rand.Rand
}

// NewRandomPolicy creates a random policy with a fixed seed.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

// VMToMigrate implements Policy.
func (p *RandomPolicy) VMToMigrate(_ *datacenter.Host, candidates []*datacenter.VM) (*datacenter.VM, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[p.rng.Intn(len(candidates))], true
}

// minBy returns the first candidate with the lowest key.
func minBy(candidates []*datacenter.VM, key func(*datacenter.VM) float64) (*datacenter.VM, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	bestKey := key(best)
	for _, vm := range candidates[1:] {
		if k := key(vm); k < bestKey {
			best, bestKey = vm, k
		}
	}
	return best, true
}
