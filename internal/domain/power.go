package domain

import "fmt"

// PowerModel computes the power draw of a host at a given CPU utilization.
type PowerModel interface {
	// PowerAt returns the power in watts at utilization in [0, 1].
	PowerAt(utilization float64) (float64, error)
}

// LinearPowerModel grows linearly from StaticPower at idle to MaxPower at full load.
type LinearPowerModel struct {
	MaxPower    float64 `json:"max_power"`
	StaticPower float64 `json:"static_power"`
}

// PowerAt implements PowerModel.
func (m LinearPowerModel) PowerAt(utilization float64) (float64, error) {
	if err := checkUtilization(utilization); err != nil {
		return 0, err
	}
	return m.StaticPower + (m.MaxPower-m.StaticPower)*utilization, nil
}

// TablePowerModel interpolates between power measurements taken at
// evenly spaced utilization levels (0%, 10%, ..., 100% for 11 entries),
// the way SPECpower benchmark results are published.
type TablePowerModel struct {
	Watts []float64 `json:"watts"`
}

// PowerAt implements PowerModel.
func (m TablePowerModel) PowerAt(utilization float64) (float64, error) {
	if err := checkUtilization(utilization); err != nil {
		return 0, err
	}
	if len(m.Watts) < 2 {
		return 0, fmt.Errorf("power table needs at least 2 entries, got %d: %w", len(m.Watts), ErrInvalidArgument)
	}
	steps := float64(len(m.Watts) - 1)
	pos := utilization * steps
	lower := int(pos)
	if lower >= len(m.Watts)-1 {
		return m.Watts[len(m.Watts)-1], nil
	}
	frac := pos - float64(lower)
	return m.Watts[lower] + (m.Watts[lower+1]-m.Watts[lower])*frac, nil
}

func checkUtilization(utilization float64) error {
	if utilization < 0 || utilization > 1 {
		return fmt.Errorf("%w: got %.4f", ErrInvalidUtilization, utilization)
	}
	return nil
}
