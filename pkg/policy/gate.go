// Package policy decides when a node is overloaded and when enforcement may stop.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/types"
)

// Gauge reports a scalar load and the capacity it is measured against.
type Gauge interface {
	Load(ctx context.Context) (float64, error)
	Capacity(ctx context.Context) (float64, error)
}

// Gate is a hysteresis pair: enforcement starts when the debounced load reaches
// Begin×capacity and continues while a single fresh reading stays at or above
// Stop×capacity.
type Gate struct {
	gauge         Gauge
	begin         float64
	stop          float64
	checkNum      int
	checkInterval time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewGate validates the thresholds and returns a Gate. begin == stop is
// accepted and degenerates to a single fixed threshold.
func NewGate(g Gauge, begin, stop float64, checkNum int, checkInterval time.Duration) (*Gate, error) {
	if g == nil {
		return nil, fmt.Errorf("gate requires a gauge")
	}
	if begin <= 0 || stop <= 0 {
		return nil, fmt.Errorf("thresholds must be positive (begin=%g stop=%g)", begin, stop)
	}
	if begin < stop {
		return nil, fmt.Errorf("begin threshold %g is below stop threshold %g", begin, stop)
	}
	if checkNum < 1 {
		return nil, fmt.Errorf("check count must be at least 1, got %d", checkNum)
	}
	if checkInterval < 0 {
		return nil, fmt.Errorf("check interval must not be negative, got %v", checkInterval)
	}
	return &Gate{
		gauge:         g,
		begin:         begin,
		stop:          stop,
		checkNum:      checkNum,
		checkInterval: checkInterval,
		sleep:         sampler.Sleep,
	}, nil
}

// IsOverloaded takes checkNum readings spaced checkInterval apart and compares
// their arithmetic mean to the begin threshold.
func (g *Gate) IsOverloaded(ctx context.Context) (bool, types.LoadReading, error) {
	capacity, err := g.gauge.Capacity(ctx)
	if err != nil {
		return false, types.LoadReading{}, err
	}
	samples := make([]float64, 0, g.checkNum)
	for i := 0; i < g.checkNum; i++ {
		if i > 0 {
			if err := g.sleep(ctx, g.checkInterval); err != nil {
				return false, types.LoadReading{}, err
			}
		}
		l, err := g.gauge.Load(ctx)
		if err != nil {
			return false, types.LoadReading{}, err
		}
		samples = append(samples, l)
	}
	reading := types.LoadReading{
		Load:      mean(samples),
		Capacity:  capacity,
		Factor:    g.begin,
		Threshold: g.begin * capacity,
		Samples:   samples,
	}
	return reading.Load >= reading.Threshold, reading, nil
}

// ShouldContinue takes one reading, without debouncing, and reports whether the
// load is still at or above the stop threshold.
func (g *Gate) ShouldContinue(ctx context.Context) (bool, types.LoadReading, error) {
	capacity, err := g.gauge.Capacity(ctx)
	if err != nil {
		return false, types.LoadReading{}, err
	}
	l, err := g.gauge.Load(ctx)
	if err != nil {
		return false, types.LoadReading{}, err
	}
	reading := types.LoadReading{
		Load:      l,
		Capacity:  capacity,
		Factor:    g.stop,
		Threshold: g.stop * capacity,
		Samples:   []float64{l},
	}
	return reading.Load >= reading.Threshold, reading, nil
}

// Thresholds returns the begin and stop factors.
func (g *Gate) Thresholds() (begin, stop float64) {
	return g.begin, g.stop
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
