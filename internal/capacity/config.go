// Package capacity allocates the processing capacity of a host's PEs among
// the VMs resident on it.
package capacity

import (
	"fmt"

	"github.com/limiquantix/consolidation/internal/domain"
)

// Mode selects how PE capacity is shared.
type Mode string

const (
	// ModeSpaceShared binds every virtual PE to one exclusive physical PE.
	ModeSpaceShared Mode = "space_shared"
	// ModeTimeShared splits PE capacity among VMs without over-subscription.
	ModeTimeShared Mode = "time_shared"
	// ModeTimeSharedOverSubscription accepts more demand than capacity and
	// scales every VM down proportionally.
	ModeTimeSharedOverSubscription Mode = "time_shared_oversubscription"
)

// DefaultMigrationOverhead is the fraction of a VM's capacity lost while it migrates.
const DefaultMigrationOverhead = 0.1

// Config holds the capacity scheduler configuration.
type Config struct {
	// Mode is one of space_shared, time_shared, time_shared_oversubscription.
	Mode Mode `mapstructure:"mode"`

	// MigrationOverhead is the fraction p in [0, 1) of CPU used by live migration.
	MigrationOverhead float64 `mapstructure:"migration_overhead"`
}

// DefaultConfig returns the default capacity scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeTimeShared,
		MigrationOverhead: DefaultMigrationOverhead,
	}
}

// Validate rejects unknown modes and overheads outside [0, 1).
func (c Config) Validate() error {
	switch c.Mode {
	case ModeSpaceShared, ModeTimeShared, ModeTimeSharedOverSubscription:
	default:
		return fmt.Errorf("%w: unknown capacity mode %q", domain.ErrInvalidConfig, c.Mode)
	}
	if c.MigrationOverhead < 0 || c.MigrationOverhead >= 1 {
		return fmt.Errorf("%w: migration overhead must be in [0, 1), got %v",
			domain.ErrInvalidConfig, c.MigrationOverhead)
	}
	return nil
}
