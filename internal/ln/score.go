package ln

import "time"

// SubScores are the five normalized [0,100] components of a channel score.
type SubScores struct {
	ResponseTime      float64 `json:"response_time"`
	LiquidityBalance  float64 `json:"liquidity_balance"`
	RoutingSuccess    float64 `json:"routing_success"`
	RevenueEfficiency float64 `json:"revenue_efficiency"`
	LiquidityScan     float64 `json:"liquidity_scan"`
}

// Dominant returns the name of the highest-weighted contribution
// weight_i * sub_i, used to attribute a mutation to a sub-score.
func (s SubScores) Dominant(w Weights) string {
	type pair struct {
		name string
		v    float64
	}
	pairs := []pair{
		{SubResponseTime, w.ResponseTime * s.ResponseTime},
		{SubLiquidityBalance, w.LiquidityBalance * s.LiquidityBalance},
		{SubRoutingSuccess, w.RoutingSuccess * s.RoutingSuccess},
		{SubRevenueEfficiency, w.RevenueEfficiency * s.RevenueEfficiency},
		{SubLiquidityScan, w.LiquidityScan * s.LiquidityScan},
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.v > best.v {
			best = p
		}
	}
	return best.name
}

// Map returns the sub-scores keyed by name.
func (s SubScores) Map() map[string]float64 {
	return map[string]float64{
		SubResponseTime:      s.ResponseTime,
		SubLiquidityBalance:  s.LiquidityBalance,
		SubRoutingSuccess:    s.RoutingSuccess,
		SubRevenueEfficiency: s.RevenueEfficiency,
		SubLiquidityScan:     s.LiquidityScan,
	}
}

// Sub-score names, shared by scoring, weights and persistence.
const (
	SubResponseTime      = "response_time"
	SubLiquidityBalance  = "liquidity_balance"
	SubRoutingSuccess    = "routing_success"
	SubRevenueEfficiency = "revenue_efficiency"
	SubLiquidityScan     = "liquidity_scan"
)

// ChannelScore is the scoring output for one channel at one tick.
type ChannelScore struct {
	ChannelID   ChannelID `json:"channel_id"`
	TickID      string    `json:"tick_id"`
	Sub         SubScores `json:"sub_scores"`
	Total       float64   `json:"total"`
	WeightsUsed Weights   `json:"weights_used"`
	StaleInputs bool      `json:"stale_inputs"`
	ComputedAt  time.Time `json:"computed_at"`
}
