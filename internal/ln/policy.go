package ln

import (
	"fmt"
	"time"
)

// PolicyDirection identifies which side of the channel a policy applies to.
type PolicyDirection string

const (
	DirectionOutgoing PolicyDirection = "outgoing"
	DirectionIncoming PolicyDirection = "incoming"
)

// ChannelPolicy is the mutable surface the loop controls. Version is an
// opaque monotonic integer owned by the node; every mutation the executor
// performs produces a new version and a paired PolicyBackup.
type ChannelPolicy struct {
	ChannelID     ChannelID       `json:"channel_id"`
	Direction     PolicyDirection `json:"direction"`
	BaseFeeMsat   int64           `json:"base_fee_msat"`
	FeeRatePPM    int64           `json:"fee_rate_ppm"`
	MinHTLCMsat   int64           `json:"min_htlc_msat"`
	MaxHTLCMsat   int64           `json:"max_htlc_msat"`
	TimeLockDelta int             `json:"time_lock_delta"`
	Disabled      bool            `json:"disabled"`
	Version       int64           `json:"version"`
}

// Validate checks the structural invariants against the channel capacity
// (in sat). Pass capacitySat=0 to skip the capacity bound.
func (p *ChannelPolicy) Validate(capacitySat int64) error {
	if p.BaseFeeMsat < 0 {
		return fmt.Errorf("policy %s: negative base_fee_msat", p.ChannelID)
	}
	if p.FeeRatePPM < 0 {
		return fmt.Errorf("policy %s: negative fee_rate_ppm", p.ChannelID)
	}
	if p.MinHTLCMsat > p.MaxHTLCMsat {
		return fmt.Errorf("policy %s: min_htlc %d > max_htlc %d", p.ChannelID, p.MinHTLCMsat, p.MaxHTLCMsat)
	}
	if p.TimeLockDelta < 0 {
		return fmt.Errorf("policy %s: negative time_lock_delta", p.ChannelID)
	}
	if capacitySat > 0 && p.MaxHTLCMsat > capacitySat*1000 {
		return fmt.Errorf("policy %s: max_htlc_msat %d exceeds capacity", p.ChannelID, p.MaxHTLCMsat)
	}
	return nil
}

// PolicyPatch is the partial policy a decision proposes. Nil fields are
// left untouched on apply.
type PolicyPatch struct {
	BaseFeeMsat *int64 `json:"base_fee_msat,omitempty"`
	FeeRatePPM  *int64 `json:"fee_rate_ppm,omitempty"`
	Disabled    *bool  `json:"disabled,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p PolicyPatch) IsZero() bool {
	return p.BaseFeeMsat == nil && p.FeeRatePPM == nil && p.Disabled == nil
}

// ApplyTo returns a copy of base with the patch fields substituted.
func (p PolicyPatch) ApplyTo(base ChannelPolicy) ChannelPolicy {
	out := base
	if p.BaseFeeMsat != nil {
		out.BaseFeeMsat = *p.BaseFeeMsat
	}
	if p.FeeRatePPM != nil {
		out.FeeRatePPM = *p.FeeRatePPM
	}
	if p.Disabled != nil {
		out.Disabled = *p.Disabled
	}
	return out
}

// MatchesPatch reports whether the policy already carries every value the
// patch would set. Used by restart recovery to decide whether an
// interrupted apply actually reached the node.
func (p *ChannelPolicy) MatchesPatch(patch PolicyPatch) bool {
	if patch.BaseFeeMsat != nil && p.BaseFeeMsat != *patch.BaseFeeMsat {
		return false
	}
	if patch.FeeRatePPM != nil && p.FeeRatePPM != *patch.FeeRatePPM {
		return false
	}
	if patch.Disabled != nil && p.Disabled != *patch.Disabled {
		return false
	}
	return true
}

// DefaultBackupTTL is how long a PolicyBackup stays eligible for rollback.
const DefaultBackupTTL = 30 * 24 * time.Hour

// PolicyBackup captures the pre-mutation policy so a failed or regretted
// apply can be restored. It shares transaction_id with its decision.
type PolicyBackup struct {
	BackupID      string        `json:"backup_id"`
	TransactionID string        `json:"transaction_id"`
	ChannelID     ChannelID     `json:"channel_id"`
	Policy        ChannelPolicy `json:"policy"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Expired reports whether the backup is past its rollback window.
func (b *PolicyBackup) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}
