// Package scoring maps raw channel metrics to composite [0,100] scores.
// Everything here is a pure function of (metrics, weights); the engine
// holds no state and performs no I/O, which is what lets a tick score an
// entire snapshot without coordination.
package scoring

import (
	"math"
	"time"

	"github.com/lnpilot/backend/internal/ln"
)

const (
	// Response time normalization anchors.
	responseTimeBestMs  = 300
	responseTimeWorstMs = 2000

	// Response times above this trigger the heavy penalty.
	responseTimePenaltyMs = 8000

	// Revenue normalization anchors.
	revenuePerSatSaturation  = 1e-4
	avgFeePerForwardSatCap   = 100
	liquidRatioSaturation    = 0.66
	bidirectionalScanBonus   = 0.8
	bidirectionalPenaltyEdge = 0.5
	balanceQualityPenalty    = 0.3
)

// Engine computes channel scores. It is stateless; construct once and
// share freely.
type Engine struct{}

// New returns a scoring engine.
func New() *Engine { return &Engine{} }

// Score computes the composite score for one channel. stale marks the
// whole metric record as too old for decisions; the score is still
// computed for observability but the decision engine will not act on it.
func (e *Engine) Score(m ln.ChannelMetrics, stale bool, w ln.Weights, tickID string, now time.Time) ln.ChannelScore {
	sub := ln.SubScores{
		ResponseTime:      responseTimeScore(m),
		LiquidityBalance:  liquidityBalanceScore(m),
		RoutingSuccess:    m.SuccessRate7d * 100,
		RevenueEfficiency: revenueEfficiencyScore(m),
		LiquidityScan:     liquidityScanScore(m),
	}

	total := w.ResponseTime*sub.ResponseTime +
		w.LiquidityBalance*sub.LiquidityBalance +
		w.RoutingSuccess*sub.RoutingSuccess +
		w.RevenueEfficiency*sub.RevenueEfficiency +
		w.LiquidityScan*sub.LiquidityScan

	// Multiplicative penalties, in this order.
	if m.HasResponseTime && m.HTLCResponseTimeMs > responseTimePenaltyMs {
		total *= 0.7
	}
	if m.BalanceQuality() < balanceQualityPenalty {
		total *= 0.8
	}
	if m.HasBidirectionalRatio && m.BidirectionalRatio < bidirectionalPenaltyEdge {
		total *= 0.9
	}

	total = math.Round(total*100) / 100

	return ln.ChannelScore{
		ChannelID:   m.ChannelID,
		TickID:      tickID,
		Sub:         sub,
		Total:       total,
		WeightsUsed: w,
		StaleInputs: stale,
		ComputedAt:  now,
	}
}

// responseTimeScore maps HTLC response latency onto [0,100]: 300 ms or
// faster scores 100, 2000 ms or slower scores 0, linear in between.
// A missing probe hard-floors to 0.
func responseTimeScore(m ln.ChannelMetrics) float64 {
	if !m.HasResponseTime {
		return 0
	}
	ms := m.HTLCResponseTimeMs
	switch {
	case ms <= responseTimeBestMs:
		return 100
	case ms >= responseTimeWorstMs:
		return 0
	default:
		return 100 * (responseTimeWorstMs - ms) / (responseTimeWorstMs - responseTimeBestMs)
	}
}

// liquidityBalanceScore blends how balanced this channel is with how much
// of the node's channel set is liquid.
func liquidityBalanceScore(m ln.ChannelMetrics) float64 {
	quality := m.BalanceQuality()
	ratio := math.Min(1, m.LiquidChannelsRatio/liquidRatioSaturation)
	return 60*quality + 40*ratio
}

// revenueEfficiencyScore blends revenue per sat locked with average fee
// earned per forward, both saturating.
func revenueEfficiencyScore(m ln.ChannelMetrics) float64 {
	revenueSat := float64(m.Revenue7dMsat) / 1000

	var perSatLocked float64
	if m.CapacitySat > 0 {
		perSatLocked = revenueSat / float64(m.CapacitySat)
	}

	var avgFeePerForward float64
	if m.Forwards7dCount > 0 {
		avgFeePerForward = revenueSat / float64(m.Forwards7dCount)
	}

	return 50*math.Min(1, perSatLocked/revenuePerSatSaturation) +
		50*math.Min(1, avgFeePerForward/avgFeePerForwardSatCap)
}

// liquidityScanScore passes through the external scanner score, boosted
// 20% (capped at 100) when most channels route both directions.
func liquidityScanScore(m ln.ChannelMetrics) float64 {
	if !m.HasLiquidityScan {
		return 0
	}
	score := m.LiquidityScanScore
	if m.HasBidirectionalRatio && m.BidirectionalRatio > bidirectionalScanBonus {
		score = math.Min(100, score*1.2)
	}
	return score
}
