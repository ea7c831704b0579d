package ln

import (
	"time"
)

// DecisionKind enumerates what the loop wants to do with a channel.
type DecisionKind string

const (
	NoAction     DecisionKind = "NO_ACTION"
	IncreaseFees DecisionKind = "INCREASE_FEES"
	DecreaseFees DecisionKind = "DECREASE_FEES"
	CloseChannel DecisionKind = "CLOSE_CHANNEL"
	Rebalance    DecisionKind = "REBALANCE"
)

// Mutating reports whether the kind changes node state when executed.
func (k DecisionKind) Mutating() bool {
	switch k {
	case IncreaseFees, DecreaseFees, CloseChannel, Rebalance:
		return true
	}
	return false
}

// DecisionStatus is the decision state machine:
// pending → (shadowed | approved → (executed | failed → rolled_back | rejected)).
type DecisionStatus string

const (
	StatusPending    DecisionStatus = "pending"
	StatusApproved   DecisionStatus = "approved"
	StatusRejected   DecisionStatus = "rejected"
	StatusExecuted   DecisionStatus = "executed"
	StatusFailed     DecisionStatus = "failed"
	StatusRolledBack DecisionStatus = "rolled_back"
	StatusShadowed   DecisionStatus = "shadowed"
)

// Reason codes recorded on rejected / downgraded decisions.
const (
	ReasonCooldown          = "cooldown"
	ReasonStaleInputs       = "stale_inputs"
	ReasonInactive          = "channel_inactive"
	ReasonClampedToIdentity = "clamped_to_identity"
	ReasonBudgetExceeded    = "budget_exceeded"
	ReasonConcurrent        = "concurrent"
	ReasonVersionStale      = "version_stale"
	ReasonRecoveredPreApply = "recovered_pre_apply"
	ReasonAwaitingApproval  = "awaiting_operator_approval"
	ReasonOperatorApproved  = "operator_approved"
)

// DecisionReason is the structured explanation attached to a decision:
// which rule fired and what the contributing sub-scores were.
type DecisionReason struct {
	RuleID    string    `json:"rule_id"`
	Code      string    `json:"code,omitempty"`
	SubScores SubScores `json:"sub_scores"`
	Detail    string    `json:"detail,omitempty"`
}

// Decision is one verdict for one channel at one tick. Exactly one
// decision exists per (channel_id, tick_id).
type Decision struct {
	DecisionID         string         `json:"decision_id"`
	TickID             string         `json:"tick_id"`
	ChannelID          ChannelID      `json:"channel_id"`
	Kind               DecisionKind   `json:"kind"`
	Confidence         float64        `json:"confidence"`
	Proposed           PolicyPatch    `json:"proposed_policy"`
	PriorPolicyVersion int64          `json:"prior_policy_version"`
	Reason             DecisionReason `json:"reason"`
	CreatedAt          time.Time      `json:"created_at"`
	Status             DecisionStatus `json:"status"`
	ExecutionResult    string         `json:"execution_result,omitempty"`
	ExecutionCode      string         `json:"execution_code,omitempty"`
	TransactionID      string         `json:"transaction_id,omitempty"`
}

// Terminal reports whether the decision can no longer change state.
func (d *Decision) Terminal() bool {
	switch d.Status {
	case StatusExecuted, StatusRejected, StatusRolledBack, StatusShadowed:
		return true
	case StatusFailed:
		// failed stays terminal too: the rollback attempt already happened.
		return true
	}
	return false
}
