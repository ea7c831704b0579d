// Package decision turns channel scores into decisions. Rules are
// evaluated in a fixed order and the first match wins; every proposal is
// then clamped to the safety envelope, and the per-tick mutation budget
// is enforced across the whole tick before anything reaches the executor.
package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/store"
	"github.com/lnpilot/backend/internal/telemetry"
)

// Rule identifiers recorded on decisions.
const (
	RuleStaleOrInactive = "R1_stale_or_inactive"
	RuleCooldown        = "R2_cooldown"
	RuleClose           = "R3_close_idle"
	RuleDrainRemote     = "R4_local_heavy"
	RuleDrainLocal      = "R5_remote_heavy"
	RuleLowPerf         = "R6_sustained_low_perf"
	RuleDefault         = "R7_no_action"
)

// Base confidences per rule. Rule 3 computes its own.
const (
	confStale    = 0.2
	confCooldown = 0.3
	confRule4    = 0.8
	confRule5    = 0.8
	confRule6    = 0.6

	localHeavyEdge  = 0.8
	remoteHeavyEdge = 0.2

	increasePctRule4 = 30
	decreasePctRule5 = 20
	increasePctRule6 = 20

	oscillationWindow  = 24 * time.Hour
	oscillationPenalty = 0.5
)

// Input is everything the engine needs for one channel.
type Input struct {
	Score   ln.ChannelScore
	Metrics ln.ChannelMetrics
	Policy  ln.ChannelPolicy
}

// Engine is the decision engine. It reads history from the store but
// writes nothing; persisting decisions is the pipeline's job.
type Engine struct {
	safety  config.SafetyConfig
	scoring config.ScoringConfig
	st      store.Store
	metrics *telemetry.Metrics
	emitter events.Emitter
	now     func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a decision engine.
func New(safety config.SafetyConfig, scoring config.ScoringConfig, st store.Store, m *telemetry.Metrics, em events.Emitter, opts ...Option) *Engine {
	e := &Engine{
		safety:  safety,
		scoring: scoring,
		st:      st,
		metrics: m,
		emitter: em,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DecideTick produces exactly one decision per input channel and applies
// the mutation budget across them.
func (e *Engine) DecideTick(ctx context.Context, tickID string, inputs []Input) []ln.Decision {
	decisions := make([]ln.Decision, 0, len(inputs))
	for _, in := range inputs {
		decisions = append(decisions, e.decide(ctx, tickID, in))
	}
	e.applyBudget(ctx, decisions, inputs)
	return decisions
}

func (e *Engine) decide(ctx context.Context, tickID string, in Input) ln.Decision {
	d := ln.Decision{
		DecisionID:         uuid.NewString(),
		TickID:             tickID,
		ChannelID:          in.Score.ChannelID,
		Kind:               ln.NoAction,
		PriorPolicyVersion: in.Policy.Version,
		CreatedAt:          e.now(),
		Status:             ln.StatusPending,
		Reason:             ln.DecisionReason{SubScores: in.Score.Sub},
	}

	// Rule 1: unusable inputs.
	if in.Score.StaleInputs || in.Metrics.Status != ln.ChannelActive {
		d.Reason.RuleID = RuleStaleOrInactive
		d.Reason.Code = ln.ReasonStaleInputs
		if in.Metrics.Status != ln.ChannelActive {
			d.Reason.Code = ln.ReasonInactive
		}
		d.Confidence = confStale
		return d
	}

	// Rule 2: cooldown. An unreadable cooldown counts as active.
	remaining, err := e.st.CooldownRemaining(ctx, d.ChannelID)
	if err != nil || remaining > 0 {
		d.Reason.RuleID = RuleCooldown
		d.Reason.Code = ln.ReasonCooldown
		if err != nil {
			d.Reason.Detail = "cooldown state unavailable"
		} else {
			d.Reason.Detail = fmt.Sprintf("cooldown_remaining=%s", remaining.Round(time.Second))
		}
		d.Confidence = confCooldown
		if e.metrics != nil {
			e.metrics.CooldownSkips.Inc()
		}
		return d
	}

	penalty := e.oscillationFactor(ctx, d.ChannelID)

	// Rule 3: close an idle, aged, under-performing channel.
	if in.Score.Total < e.scoring.CloseThreshold &&
		in.Metrics.AgeDays > 30 && in.Metrics.Forwards7dCount == 0 {
		d.Kind = ln.CloseChannel
		d.Reason.RuleID = RuleClose
		base := clampFloat((e.scoring.CloseThreshold-in.Score.Total)/e.scoring.CloseThreshold, 0, 1)
		d.Confidence = clampFloat(base*penalty, 0, 1)
		return d
	}

	localRatio := in.Metrics.LocalRatio()

	// Rule 4: local-heavy, raise fees to slow outbound flow.
	if localRatio > localHeavyEdge {
		return e.feeProposal(d, in, ln.IncreaseFees, RuleDrainRemote,
			1+increasePctRule4/100.0, confRule4*penalty)
	}

	// Rule 5: remote-heavy, lower fees to attract outbound flow.
	if localRatio < remoteHeavyEdge {
		return e.feeProposal(d, in, ln.DecreaseFees, RuleDrainLocal,
			1-decreasePctRule5/100.0, confRule5*penalty)
	}

	// Rule 6: sustained low performance.
	if in.Score.Total < e.scoring.LowPerfThreshold {
		since := e.now().Add(-time.Duration(e.scoring.LowPerfSustainHrs) * time.Hour)
		sustained, err := e.st.LowScoreSince(ctx, d.ChannelID, e.scoring.LowPerfThreshold, since)
		if err == nil && sustained {
			return e.feeProposal(d, in, ln.IncreaseFees, RuleLowPerf,
				1+increasePctRule6/100.0, confRule6*penalty)
		}
	}

	// Rule 7: nothing to do.
	d.Reason.RuleID = RuleDefault
	d.Confidence = clampFloat(0.5*penalty, 0, 1)
	return d
}

// feeProposal builds a fee mutation, clamps it to the envelope and
// downgrades to NO_ACTION when the projection lands on the current value.
func (e *Engine) feeProposal(d ln.Decision, in Input, kind ln.DecisionKind, ruleID string, factor, confidence float64) ln.Decision {
	d.Kind = kind
	d.Reason.RuleID = ruleID
	d.Confidence = clampFloat(confidence, 0, 1)

	proposed := int64(math.Round(float64(in.Policy.FeeRatePPM) * factor))
	clamped, clampedBy := e.clampFeeRate(in.Policy.FeeRatePPM, proposed)

	if clampedBy != "" {
		if e.metrics != nil {
			e.metrics.ClampTotal.WithLabelValues(clampedBy).Inc()
		}
		e.emitter.Emit(events.Event{
			Type:      events.TypeSafetyClamp,
			Severity:  events.SeverityWarning,
			ChannelID: string(d.ChannelID),
			Data: map[string]interface{}{
				"field":    "fee_rate_ppm",
				"proposed": proposed,
				"clamped":  clamped,
				"bound":    clampedBy,
			},
		})
	}

	if clamped == in.Policy.FeeRatePPM {
		d.Kind = ln.NoAction
		d.Reason.Code = ln.ReasonClampedToIdentity
		d.Reason.Detail = fmt.Sprintf("proposal %d ppm projected back to current %d ppm", proposed, in.Policy.FeeRatePPM)
		if e.metrics != nil {
			e.metrics.ClampTotal.WithLabelValues("identity").Inc()
		}
		return d
	}

	d.Proposed = ln.PolicyPatch{FeeRatePPM: &clamped}
	return d
}

// clampFeeRate projects a proposed fee rate onto the intersection of the
// envelope bounds and the relative-change limit. Returns the projected
// value and which bound was hit ("" when untouched).
func (e *Engine) clampFeeRate(prior, proposed int64) (int64, string) {
	lo := e.safety.FeeRatePPMMin
	hi := e.safety.FeeRatePPMMax

	maxDelta := e.safety.MaxFeeChangePct / 100.0
	base := float64(prior)
	if base < 1 {
		base = 1
	}
	changeLo := int64(math.Ceil(float64(prior) - base*maxDelta))
	changeHi := int64(math.Floor(float64(prior) + base*maxDelta))

	bound := ""
	out := proposed
	if out < lo {
		out, bound = lo, "fee_rate_ppm"
	}
	if out > hi {
		out, bound = hi, "fee_rate_ppm"
	}
	if out < changeLo {
		out, bound = changeLo, "change_pct"
	}
	if out > changeHi {
		out, bound = changeHi, "change_pct"
	}
	// Envelope bounds win over the change window when they conflict.
	if out < lo {
		out, bound = lo, "fee_rate_ppm"
	}
	if out > hi {
		out, bound = hi, "fee_rate_ppm"
	}
	return out, bound
}

// oscillationFactor returns the confidence multiplier from recent
// opposing mutations: 0.5 per INCREASE/DECREASE pair executed on this
// channel within the last 24 hours.
func (e *Engine) oscillationFactor(ctx context.Context, id ln.ChannelID) float64 {
	history, err := e.st.DecisionsByChannelSince(ctx, id, e.now().Add(-oscillationWindow))
	if err != nil {
		return 1
	}
	// Oldest first for pairing.
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })

	pairs := 0
	var prev ln.DecisionKind
	for _, d := range history {
		if d.Status != ln.StatusExecuted {
			continue
		}
		if d.Kind != ln.IncreaseFees && d.Kind != ln.DecreaseFees {
			continue
		}
		if (prev == ln.IncreaseFees && d.Kind == ln.DecreaseFees) ||
			(prev == ln.DecreaseFees && d.Kind == ln.IncreaseFees) {
			pairs++
			prev = ""
			continue
		}
		prev = d.Kind
	}
	return clampFloat(1-oscillationPenalty*float64(pairs), 0, 1)
}

// applyBudget downgrades mutating decisions beyond max_channels_per_tick.
// Selection keeps the channels furthest from the score mid-band, breaking
// ties by the longest time since last mutation.
func (e *Engine) applyBudget(ctx context.Context, decisions []ln.Decision, inputs []Input) {
	totals := make(map[ln.ChannelID]float64, len(inputs))
	for _, in := range inputs {
		totals[in.Score.ChannelID] = in.Score.Total
	}

	var mutating []int
	for i := range decisions {
		if decisions[i].Kind.Mutating() {
			mutating = append(mutating, i)
		}
	}
	if len(mutating) <= e.safety.MaxChannelsPerTick {
		return
	}

	lastMutation := make(map[ln.ChannelID]time.Time, len(mutating))
	for _, i := range mutating {
		id := decisions[i].ChannelID
		if last, err := e.st.LastExecuted(ctx, id); err == nil && last != nil {
			lastMutation[id] = last.CreatedAt
		}
	}

	sort.SliceStable(mutating, func(a, b int) bool {
		da, db := decisions[mutating[a]], decisions[mutating[b]]
		distA := math.Abs(totals[da.ChannelID] - 50)
		distB := math.Abs(totals[db.ChannelID] - 50)
		if distA != distB {
			return distA > distB
		}
		// Never-mutated channels sort oldest.
		return lastMutation[da.ChannelID].Before(lastMutation[db.ChannelID])
	})

	for _, i := range mutating[e.safety.MaxChannelsPerTick:] {
		decisions[i].Kind = ln.NoAction
		decisions[i].Proposed = ln.PolicyPatch{}
		decisions[i].Reason.Code = ln.ReasonBudgetExceeded
		decisions[i].Confidence = confCooldown
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
