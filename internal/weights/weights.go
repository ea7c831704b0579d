// Package weights adapts the scoring weight vector to observed outcomes.
// Every weight window it correlates each sub-score at decision time with
// the change in routed volume 24h after execution, and nudges the vector
// toward the components that actually predicted improvement.
package weights

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/store"
	"github.com/lnpilot/backend/internal/telemetry"
)

const (
	// LookbackWindow is how far back executed decisions contribute samples.
	LookbackWindow = 14 * 24 * time.Hour

	// OutcomeDelay is how long after execution the outcome is measured.
	OutcomeDelay = 24 * time.Hour

	// outcomeTolerance is the slack when matching an hourly metrics row to
	// the desired observation instant.
	outcomeTolerance = time.Hour

	// MinSamples is the minimum executed-decision count before any
	// correlation is trusted.
	MinSamples = 5

	// WeakSignalThreshold keeps the previous vector when no sub-score
	// correlates meaningfully with outcomes.
	WeakSignalThreshold = 0.05
)

// Updater recomputes the weight vector from the executed-decision history.
type Updater struct {
	st      store.Store
	logger  *slog.Logger
	emitter events.Emitter
	metrics *telemetry.Metrics

	now func() time.Time
}

// NewUpdater creates an updater.
func NewUpdater(st store.Store, logger *slog.Logger, em events.Emitter, m *telemetry.Metrics) *Updater {
	return &Updater{st: st, logger: logger, emitter: em, metrics: m, now: time.Now}
}

// sample pairs a mutation's sub-scores with its measured outcome, tagged
// with the sub-score that dominated the decision.
type sample struct {
	sub      ln.SubScores
	dominant string
	delta    float64
}

// Update computes a new weight version and persists it. The returned
// vector takes effect at the next tick boundary; callers must not swap
// it in mid-tick. When the signal is weak or the sample set too small
// the current vector is returned unchanged and nothing is persisted.
func (u *Updater) Update(ctx context.Context) (ln.Weights, error) {
	current, err := u.st.LatestWeights(ctx)
	if err == store.ErrNotFound {
		w := ln.DefaultWeights()
		current = &w
	} else if err != nil {
		return ln.Weights{}, err
	}

	// Retention rides this task's cadence.
	if err := u.st.PruneExpired(ctx); err != nil {
		u.logger.Warn("retention prune failed", "err", err)
	}

	samples, err := u.collect(ctx, *current)
	if err != nil {
		return *current, err
	}
	if len(samples) < MinSamples {
		u.logger.Info("weight update skipped", "reason", "insufficient samples", "samples", len(samples))
		return *current, nil
	}

	corr := correlations(samples)
	maxAbs := 0.0
	for _, c := range corr {
		if a := math.Abs(c); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs < WeakSignalThreshold {
		u.logger.Info("weight update skipped", "reason", "weak signal", "max_correlation", maxAbs)
		return *current, nil
	}

	target := targetFromCorrelations(*current, corr)
	next := stepToward(*current, target)
	next.Version = current.Version + 1
	next.ActivatedAt = u.now()

	if err := next.Validate(); err != nil {
		// A bounded renormalized vector should always validate; refuse
		// to persist anything that does not.
		u.logger.Error("computed weights invalid", "err", err)
		return *current, nil
	}
	if err := u.st.SaveWeights(ctx, &next); err != nil {
		return *current, err
	}

	u.logger.Info("weights updated",
		"version", next.Version,
		"samples", len(samples),
		"l1_step", current.L1Distance(next))
	u.emitter.Emit(events.Event{
		Type:     events.TypeWeightsUpdated,
		Severity: events.SeverityInfo,
		Data: map[string]interface{}{
			"version": next.Version,
			"weights": next.Map(),
			"samples": len(samples),
		},
	})
	if u.metrics != nil {
		u.metrics.WeightVersion.Set(float64(next.Version))
		for name, v := range next.Map() {
			u.metrics.WeightValue.WithLabelValues(name).Set(v)
		}
	}
	return next, nil
}

// collect builds (sub-scores, volume delta) samples from executed
// mutations old enough for their outcome window to have closed. Each
// sample is attributed to the sub-score that dominated the decision
// under the weight vector in effect.
func (u *Updater) collect(ctx context.Context, w ln.Weights) ([]sample, error) {
	now := u.now()
	decisions, err := u.st.ExecutedBetween(ctx, now.Add(-LookbackWindow), now.Add(-OutcomeDelay))
	if err != nil {
		return nil, err
	}

	var out []sample
	for _, d := range decisions {
		before, okB, err := u.st.ForwardVolumeNear(ctx, d.ChannelID, d.CreatedAt, outcomeTolerance)
		if err != nil {
			return nil, err
		}
		after, okA, err := u.st.ForwardVolumeNear(ctx, d.ChannelID, d.CreatedAt.Add(OutcomeDelay), outcomeTolerance)
		if err != nil {
			return nil, err
		}
		if !okB || !okA {
			continue
		}
		out = append(out, sample{
			sub:      d.Reason.SubScores,
			dominant: d.Reason.SubScores.Dominant(w),
			delta:    float64(after - before),
		})
	}
	return out, nil
}

// correlations returns the Pearson correlation of each sub-score against
// the outcome deltas of the mutations it dominated. A sub-score that
// dominated nothing, or a constant series, correlates at zero.
func correlations(samples []sample) map[string]float64 {
	out := make(map[string]float64, 5)
	for _, name := range []string{
		ln.SubResponseTime, ln.SubLiquidityBalance, ln.SubRoutingSuccess,
		ln.SubRevenueEfficiency, ln.SubLiquidityScan,
	} {
		var xs, ys []float64
		for _, s := range samples {
			if s.dominant != name {
				continue
			}
			xs = append(xs, s.sub.Map()[name])
			ys = append(ys, s.delta)
		}
		out[name] = pearson(xs, ys)
	}
	return out
}

func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n
	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// targetFromCorrelations maps |correlation| to a bounded unit-sum vector.
// Clipping to [WeightMin,WeightMax] happens before renormalization, then
// the result is projected back into bounds; with five components and
// these limits a fixpoint always exists within a few passes.
func targetFromCorrelations(base ln.Weights, corr map[string]float64) ln.Weights {
	raw := make(map[string]float64, len(corr))
	var sum float64
	for name, c := range corr {
		raw[name] = math.Abs(c)
		sum += raw[name]
	}
	if sum == 0 {
		return base
	}
	for name := range raw {
		raw[name] /= sum
	}
	for i := 0; i < 8; i++ {
		clipped := false
		sum = 0
		for name, v := range raw {
			if v < ln.WeightMin {
				raw[name] = ln.WeightMin
				clipped = true
			} else if v > ln.WeightMax {
				raw[name] = ln.WeightMax
				clipped = true
			}
			sum += raw[name]
		}
		if !clipped && math.Abs(sum-1.0) <= ln.WeightSumTolerance {
			break
		}
		// Spread the residual over components with headroom in the
		// needed direction; the next pass re-clips.
		residual := 1.0 - sum
		var headroom []string
		for name, v := range raw {
			if (residual > 0 && v < ln.WeightMax) || (residual < 0 && v > ln.WeightMin) {
				headroom = append(headroom, name)
			}
		}
		if len(headroom) == 0 {
			break
		}
		for _, name := range headroom {
			raw[name] += residual / float64(len(headroom))
		}
	}
	return base.FromMap(raw)
}

// stepToward limits the move from current to target to MaxWeightStepL1.
func stepToward(current, target ln.Weights) ln.Weights {
	dist := current.L1Distance(target)
	if dist <= ln.MaxWeightStepL1 {
		return target
	}
	frac := ln.MaxWeightStepL1 / dist
	cm, tm := current.Map(), target.Map()
	out := make(map[string]float64, len(cm))
	for name, c := range cm {
		out[name] = c + (tm[name]-c)*frac
	}
	return current.FromMap(out)
}
