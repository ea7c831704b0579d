// Package ln holds the domain model for the channel policy control loop:
// observed channel metrics, the mutable channel policy surface, decisions,
// scores and scoring weights. All other packages exchange these types;
// none of them carries behavior that talks to the network or the store.
package ln

import (
	"fmt"
	"time"
)

// ChannelID is the node-scoped channel identifier, opaque to the core.
type ChannelID string

// NodeID is a peer public key in hex form, opaque to the core.
type NodeID string

// ChannelStatus mirrors the node's view of a channel lifecycle.
type ChannelStatus string

const (
	ChannelActive   ChannelStatus = "active"
	ChannelInactive ChannelStatus = "inactive"
	ChannelClosing  ChannelStatus = "closing"
	ChannelClosed   ChannelStatus = "closed"
)

// ChannelMetrics is the most recent observed state for one channel,
// merged from the node API and any external metric providers.
type ChannelMetrics struct {
	ChannelID          ChannelID     `json:"channel_id"`
	PeerNodeID         NodeID        `json:"peer_node_id"`
	CapacitySat        int64         `json:"capacity_sat"`
	LocalBalanceSat    int64         `json:"local_balance_sat"`
	RemoteBalanceSat   int64         `json:"remote_balance_sat"`
	Status             ChannelStatus `json:"status"`
	AgeDays            int           `json:"age_days"`
	Forwards7dCount    int64         `json:"forwards_7d_count"`
	Forwards7dVolume   int64         `json:"forwards_7d_volume_sat"`
	SuccessRate7d      float64       `json:"success_rate_7d"`
	Revenue7dMsat      int64         `json:"revenue_7d_msat"`
	HTLCResponseTimeMs float64       `json:"htlc_response_time_ms"`
	// HasResponseTime distinguishes a measured zero from a missing probe.
	HasResponseTime bool      `json:"has_response_time"`
	Uptime7d        float64   `json:"uptime_7d"`
	ObservedAt      time.Time `json:"observed_at"`
	SourceSet       []string  `json:"source_set"`

	// Optional network context from external scanners.
	LiquidityScanScore    float64 `json:"liquidity_scan_score"`
	HasLiquidityScan      bool    `json:"has_liquidity_scan"`
	LiquidChannelsRatio   float64 `json:"liquid_channels_ratio"`
	BidirectionalRatio    float64 `json:"bidirectional_channels_ratio"`
	HasBidirectionalRatio bool    `json:"has_bidirectional_ratio"`
}

// Validate enforces the data invariants. Metrics failing validation are
// dropped by the store and the channel is flagged stale for the tick.
func (m *ChannelMetrics) Validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("metrics: empty channel_id")
	}
	if m.CapacitySat < 0 {
		return fmt.Errorf("metrics %s: negative capacity %d", m.ChannelID, m.CapacitySat)
	}
	if m.LocalBalanceSat < 0 || m.RemoteBalanceSat < 0 {
		return fmt.Errorf("metrics %s: negative balance", m.ChannelID)
	}
	if m.LocalBalanceSat+m.RemoteBalanceSat > m.CapacitySat {
		return fmt.Errorf("metrics %s: local+remote %d exceeds capacity %d",
			m.ChannelID, m.LocalBalanceSat+m.RemoteBalanceSat, m.CapacitySat)
	}
	if m.SuccessRate7d < 0 || m.SuccessRate7d > 1 {
		return fmt.Errorf("metrics %s: success_rate_7d %f out of [0,1]", m.ChannelID, m.SuccessRate7d)
	}
	if m.Uptime7d < 0 || m.Uptime7d > 1 {
		return fmt.Errorf("metrics %s: uptime_7d %f out of [0,1]", m.ChannelID, m.Uptime7d)
	}
	if m.ObservedAt.IsZero() {
		return fmt.Errorf("metrics %s: zero observed_at", m.ChannelID)
	}
	return nil
}

// LocalRatio returns local/(local+remote), the liquidity skew used by the
// fee rules. Returns 0.5 when the channel carries no balance at all.
func (m *ChannelMetrics) LocalRatio() float64 {
	total := m.LocalBalanceSat + m.RemoteBalanceSat
	if total == 0 {
		return 0.5
	}
	return float64(m.LocalBalanceSat) / float64(total)
}

// BalanceQuality is 1.0 for a perfectly balanced channel and decays
// linearly to 0 at either extreme.
func (m *ChannelMetrics) BalanceQuality() float64 {
	if m.CapacitySat == 0 {
		return 0
	}
	q := 1 - abs(0.5-float64(m.LocalBalanceSat)/float64(m.CapacitySat))*2
	if q < 0 {
		q = 0
	}
	return q
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
