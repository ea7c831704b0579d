package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnpilot/backend/internal/ln"
)

func baseMetrics() ln.ChannelMetrics {
	return ln.ChannelMetrics{
		ChannelID:          "chan-1",
		CapacitySat:        1_000_000,
		LocalBalanceSat:    500_000,
		RemoteBalanceSat:   500_000,
		Status:             ln.ChannelActive,
		SuccessRate7d:      1.0,
		HTLCResponseTimeMs: 300,
		HasResponseTime:    true,
		ObservedAt:         time.Now(),
	}
}

func score(t *testing.T, m ln.ChannelMetrics) ln.ChannelScore {
	t.Helper()
	return New().Score(m, false, ln.DefaultWeights(), "tick-1", time.Now())
}

func TestResponseTimeScore_Anchors(t *testing.T) {
	m := baseMetrics()

	m.HTLCResponseTimeMs = 300
	assert.Equal(t, 100.0, score(t, m).Sub.ResponseTime, "300ms is the best anchor")

	m.HTLCResponseTimeMs = 200
	assert.Equal(t, 100.0, score(t, m).Sub.ResponseTime, "faster than the anchor still caps at 100")

	m.HTLCResponseTimeMs = 2000
	assert.Equal(t, 0.0, score(t, m).Sub.ResponseTime)

	m.HTLCResponseTimeMs = 5000
	assert.Equal(t, 0.0, score(t, m).Sub.ResponseTime)

	// Linear midpoint: 1150ms is halfway between 300 and 2000.
	m.HTLCResponseTimeMs = 1150
	assert.InDelta(t, 50.0, score(t, m).Sub.ResponseTime, 0.01)
}

func TestResponseTimeScore_MissingProbeFloorsToZero(t *testing.T) {
	m := baseMetrics()
	m.HasResponseTime = false
	m.HTLCResponseTimeMs = 0

	sc := score(t, m)
	assert.Equal(t, 0.0, sc.Sub.ResponseTime)
	// A missing optional input is not staleness.
	assert.False(t, sc.StaleInputs)
}

func TestLiquidityBalanceScore_Blend(t *testing.T) {
	m := baseMetrics()
	m.LiquidChannelsRatio = 0.66

	// Perfectly balanced: quality 1.0, ratio saturated.
	assert.InDelta(t, 100.0, score(t, m).Sub.LiquidityBalance, 0.01)

	// Fully one-sided: quality 0.
	m.LocalBalanceSat = 1_000_000
	m.RemoteBalanceSat = 0
	assert.InDelta(t, 40.0, score(t, m).Sub.LiquidityBalance, 0.01)

	// Ratio above saturation does not overshoot.
	m.LiquidChannelsRatio = 0.9
	assert.InDelta(t, 40.0, score(t, m).Sub.LiquidityBalance, 0.01)
}

func TestRoutingSuccessScore(t *testing.T) {
	m := baseMetrics()
	m.SuccessRate7d = 0.85
	assert.InDelta(t, 85.0, score(t, m).Sub.RoutingSuccess, 0.001)
}

func TestRevenueEfficiencyScore_Saturation(t *testing.T) {
	m := baseMetrics()
	// 100 sat over 1M sat locked = 1e-4 sat/sat, exactly at saturation,
	// and 100 sat over 1 forward is at the per-forward cap.
	m.Revenue7dMsat = 100_000
	m.Forwards7dCount = 1
	assert.InDelta(t, 100.0, score(t, m).Sub.RevenueEfficiency, 0.01)

	// Ten times the revenue cannot exceed 100.
	m.Revenue7dMsat = 1_000_000
	assert.InDelta(t, 100.0, score(t, m).Sub.RevenueEfficiency, 0.01)

	m.Revenue7dMsat = 0
	m.Forwards7dCount = 0
	assert.Equal(t, 0.0, score(t, m).Sub.RevenueEfficiency)
}

func TestLiquidityScanScore_BidirectionalBonus(t *testing.T) {
	m := baseMetrics()
	m.HasLiquidityScan = true
	m.LiquidityScanScore = 50

	assert.Equal(t, 50.0, score(t, m).Sub.LiquidityScan)

	m.HasBidirectionalRatio = true
	m.BidirectionalRatio = 0.81
	assert.InDelta(t, 60.0, score(t, m).Sub.LiquidityScan, 0.01, "20%% bonus above 0.8")

	// Exactly 0.8 gets no bonus (strict inequality).
	m.BidirectionalRatio = 0.8
	assert.Equal(t, 50.0, score(t, m).Sub.LiquidityScan)

	// The bonus caps at 100.
	m.BidirectionalRatio = 0.9
	m.LiquidityScanScore = 95
	assert.Equal(t, 100.0, score(t, m).Sub.LiquidityScan)

	m.HasLiquidityScan = false
	assert.Equal(t, 0.0, score(t, m).Sub.LiquidityScan)
}

func TestScore_SlowChannelPenalty(t *testing.T) {
	m := baseMetrics()
	m.LiquidChannelsRatio = 0.66

	clean := score(t, m)

	m.HTLCResponseTimeMs = 8001
	penalized := score(t, m)

	// Response sub-score drops to 0 and the 0.7 multiplier applies on top.
	expected := clean.Total - clean.WeightsUsed.ResponseTime*clean.Sub.ResponseTime
	assert.InDelta(t, expected*0.7, penalized.Total, 0.01)

	// Exactly 8000ms is not penalized.
	m.HTLCResponseTimeMs = 8000
	atEdge := score(t, m)
	assert.InDelta(t, expected, atEdge.Total, 0.01)
}

func TestScore_ImbalancePenalty(t *testing.T) {
	m := baseMetrics()
	// local/capacity = 0.9 → quality = 1-|0.5-0.9|*2 = 0.2 < 0.3.
	m.LocalBalanceSat = 900_000
	m.RemoteBalanceSat = 100_000

	sc := score(t, m)

	unpenalized := sc.WeightsUsed.ResponseTime*sc.Sub.ResponseTime +
		sc.WeightsUsed.LiquidityBalance*sc.Sub.LiquidityBalance +
		sc.WeightsUsed.RoutingSuccess*sc.Sub.RoutingSuccess +
		sc.WeightsUsed.RevenueEfficiency*sc.Sub.RevenueEfficiency +
		sc.WeightsUsed.LiquidityScan*sc.Sub.LiquidityScan
	assert.InDelta(t, unpenalized*0.8, sc.Total, 0.01)
}

func TestScore_BidirectionalPenaltyOnlyWhenMeasured(t *testing.T) {
	m := baseMetrics()
	m.BidirectionalRatio = 0.1
	m.HasBidirectionalRatio = false
	without := score(t, m)

	m.HasBidirectionalRatio = true
	with := score(t, m)

	assert.InDelta(t, without.Total*0.9, with.Total, 0.01)
}

func TestScore_PenaltiesCompound(t *testing.T) {
	m := baseMetrics()
	m.HTLCResponseTimeMs = 9000
	m.LocalBalanceSat = 950_000
	m.RemoteBalanceSat = 50_000
	m.HasBidirectionalRatio = true
	m.BidirectionalRatio = 0.2

	sc := score(t, m)

	base := sc.WeightsUsed.LiquidityBalance*sc.Sub.LiquidityBalance +
		sc.WeightsUsed.RoutingSuccess*sc.Sub.RoutingSuccess +
		sc.WeightsUsed.RevenueEfficiency*sc.Sub.RevenueEfficiency
	assert.InDelta(t, base*0.7*0.8*0.9, sc.Total, 0.01)
}

func TestScore_TotalWithinRangeAndRounded(t *testing.T) {
	m := baseMetrics()
	m.LiquidChannelsRatio = 0.5
	m.SuccessRate7d = 0.777

	sc := score(t, m)
	require.GreaterOrEqual(t, sc.Total, 0.0)
	require.LessOrEqual(t, sc.Total, 100.0)
	// Two decimal places.
	assert.Equal(t, sc.Total, float64(int64(sc.Total*100+0.5))/100)
}

func TestScore_StaleFlagPassesThrough(t *testing.T) {
	sc := New().Score(baseMetrics(), true, ln.DefaultWeights(), "tick-1", time.Now())
	assert.True(t, sc.StaleInputs)
	assert.Greater(t, sc.Total, 0.0, "stale inputs still score for observability")
}
