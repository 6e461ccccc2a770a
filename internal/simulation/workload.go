package simulation

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/domain"
)

// Workload produces the next utilization of a VM from its previous one.
type Workload interface {
	Next(prev float64) float64
}

// ConstantWorkload keeps every VM at a fixed utilization.
type ConstantWorkload float64

func (w ConstantWorkload) Next(float64) float64 { return clamp(float64(w)) }

// RandomWalk moves utilization by normally distributed steps and keeps it
// within [0, 1].
type RandomWalk struct {
	step distuv.Normal
	rng  *rand.Rand
}

// NewRandomWalk creates a walk with steps of the given standard deviation.
func NewRandomWalk(stddev float64, seed int64) *RandomWalk {
	return &RandomWalk{
		step: distuv.Normal{Mu: 0, Sigma: stddev},
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Next samples a step by inverting the normal CDF on a seeded uniform draw,
// so runs with the same seed repeat exactly.
func (w *RandomWalk) Next(prev float64) float64 {
	if w.step.Sigma == 0 {
		return clamp(prev)
	}
	p := w.rng.Float64()
	for p == 0 {
		p = w.rng.Float64()
	}
	return clamp(prev + w.step.Quantile(p))
}

// NewWorkload builds the workload named by cfg.
func NewWorkload(cfg config.WorkloadConfig, seed int64) (Workload, error) {
	switch cfg.Kind {
	case config.WorkloadConstant:
		return ConstantWorkload(cfg.Initial), nil
	case config.WorkloadRandomWalk:
		return NewRandomWalk(cfg.StdDev, seed), nil
	default:
		return nil, fmt.Errorf("%w: unknown workload kind %q", domain.ErrInvalidConfig, cfg.Kind)
	}
}

func clamp(u float64) float64 {
	switch {
	case u < 0:
		return 0
	case u > 1:
		return 1
	default:
		return u
	}
}
