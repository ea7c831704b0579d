package ln

import (
	"fmt"
	"time"
)

const (
	// WeightMin and WeightMax bound each individual scoring weight.
	WeightMin = 0.1
	WeightMax = 0.5

	// WeightSumTolerance is the allowed drift from 1.0 on the weight sum.
	WeightSumTolerance = 1e-6

	// MaxWeightStepL1 caps how far a single adaptive update may move the
	// weight vector, to prevent policy thrash.
	MaxWeightStepL1 = 0.3
)

// Weights is the active scoring weight vector. A new version activates at
// the next tick boundary, never mid-tick.
type Weights struct {
	ResponseTime      float64   `json:"response_time"`
	LiquidityBalance  float64   `json:"liquidity_balance"`
	RoutingSuccess    float64   `json:"routing_success"`
	RevenueEfficiency float64   `json:"revenue_efficiency"`
	LiquidityScan     float64   `json:"liquidity_scan"`
	Version           int64     `json:"version"`
	ActivatedAt       time.Time `json:"activated_at"`
}

// DefaultWeights is the 30/30/20/10/10 starting vector.
func DefaultWeights() Weights {
	return Weights{
		ResponseTime:      0.30,
		LiquidityBalance:  0.30,
		RoutingSuccess:    0.20,
		RevenueEfficiency: 0.10,
		LiquidityScan:     0.10,
		Version:           1,
	}
}

// Sum returns the total of the five weight components.
func (w Weights) Sum() float64 {
	return w.ResponseTime + w.LiquidityBalance + w.RoutingSuccess +
		w.RevenueEfficiency + w.LiquidityScan
}

// Validate checks per-component bounds and the unit-sum invariant.
func (w Weights) Validate() error {
	for name, v := range w.Map() {
		if v < WeightMin || v > WeightMax {
			return fmt.Errorf("weight %s=%f out of [%.1f,%.1f]", name, v, WeightMin, WeightMax)
		}
	}
	if d := abs(w.Sum() - 1.0); d > WeightSumTolerance {
		return fmt.Errorf("weights sum to %f, want 1.0", w.Sum())
	}
	return nil
}

// Map returns the weights keyed by sub-score name.
func (w Weights) Map() map[string]float64 {
	return map[string]float64{
		SubResponseTime:      w.ResponseTime,
		SubLiquidityBalance:  w.LiquidityBalance,
		SubRoutingSuccess:    w.RoutingSuccess,
		SubRevenueEfficiency: w.RevenueEfficiency,
		SubLiquidityScan:     w.LiquidityScan,
	}
}

// FromMap builds a weight vector from a name→value map, preserving the
// receiver's version metadata.
func (w Weights) FromMap(m map[string]float64) Weights {
	out := w
	out.ResponseTime = m[SubResponseTime]
	out.LiquidityBalance = m[SubLiquidityBalance]
	out.RoutingSuccess = m[SubRoutingSuccess]
	out.RevenueEfficiency = m[SubRevenueEfficiency]
	out.LiquidityScan = m[SubLiquidityScan]
	return out
}

// L1Distance is the sum of absolute component differences between two
// weight vectors.
func (w Weights) L1Distance(o Weights) float64 {
	return abs(w.ResponseTime-o.ResponseTime) +
		abs(w.LiquidityBalance-o.LiquidityBalance) +
		abs(w.RoutingSuccess-o.RoutingSuccess) +
		abs(w.RevenueEfficiency-o.RevenueEfficiency) +
		abs(w.LiquidityScan-o.LiquidityScan)
}
