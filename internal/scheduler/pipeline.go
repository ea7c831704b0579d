package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/decision"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/executor"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/metricstore"
	"github.com/lnpilot/backend/internal/nodeapi"
	"github.com/lnpilot/backend/internal/scoring"
	"github.com/lnpilot/backend/internal/shadow"
	"github.com/lnpilot/backend/internal/store"
	"github.com/lnpilot/backend/internal/telemetry"
)

// forwardLookback is the window the collector aggregates forwards over.
const forwardLookback = 7 * 24 * time.Hour

// Pipeline is one control tick: collect, score, decide, gate, execute.
// Weights are loaded once at the tick boundary and never swapped mid-tick.
type Pipeline struct {
	cfg     *config.Config
	node    nodeapi.Client
	mstore  *metricstore.Store
	st      store.Store
	scorer  *scoring.Engine
	dec     *decision.Engine
	exec    *executor.Executor
	gate    *shadow.Recorder
	logger  *slog.Logger
	emitter events.Emitter
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewPipeline wires the tick pipeline.
func NewPipeline(cfg *config.Config, node nodeapi.Client, ms *metricstore.Store, st store.Store,
	dec *decision.Engine, exec *executor.Executor, gate *shadow.Recorder,
	logger *slog.Logger, em events.Emitter, m *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		node:    node,
		mstore:  ms,
		st:      st,
		scorer:  scoring.New(),
		dec:     dec,
		exec:    exec,
		gate:    gate,
		logger:  logger,
		emitter: em,
		metrics: m,
		now:     time.Now,
	}
}

// RunTick executes one full control tick. Cancellation between phases
// aborts the tick before the execution phase; cancellation during
// execution lets started mutations finish.
func (p *Pipeline) RunTick(ctx context.Context) error {
	tickID := uuid.NewString()
	tickStart := p.now()
	log := p.logger.With("tick", tickID)

	weights := p.loadWeights(ctx)
	mode := p.currentMode(ctx)

	// Phase 1: collect.
	phaseStart := p.now()
	if err := p.collect(ctx); err != nil {
		log.Warn("metric collection incomplete", "err", err)
	}
	snapshot := p.mstore.SnapshotForTick(time.Duration(p.cfg.Scoring.MetricMaxAgeMin) * time.Minute)
	p.observePhase("collect", phaseStart)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: score.
	phaseStart = p.now()
	inputs := p.score(ctx, tickID, snapshot, weights)
	p.observePhase("scoring", phaseStart)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: decide, with write-ahead persistence.
	phaseStart = p.now()
	decisions := p.dec.DecideTick(ctx, tickID, inputs)
	refs := make([]*ln.Decision, 0, len(decisions))
	for i := range decisions {
		d := &decisions[i]
		if err := p.st.SaveDecision(ctx, d); err != nil {
			// A decision that was never durably recorded must not mutate.
			log.Error("decision persist failed, dropping", "decision", d.DecisionID, "err", err)
			continue
		}
		if !d.Kind.Mutating() {
			// NO_ACTION completes the moment it is recorded.
			d.Status = ln.StatusExecuted
			if err := p.st.UpdateDecision(ctx, d.DecisionID, ln.StatusExecuted, "", d.Reason.Code); err != nil {
				log.Error("decision finalize failed", "decision", d.DecisionID, "err", err)
			}
			if p.metrics != nil {
				p.metrics.DecisionsTotal.WithLabelValues(string(d.Kind), string(ln.StatusExecuted)).Inc()
			}
			continue
		}
		refs = append(refs, d)
	}
	p.observePhase("decision", phaseStart)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: mode gate, then execute.
	phaseStart = p.now()
	toExecute := p.gate.Partition(ctx, mode, refs)
	toExecute = append(toExecute, p.approvedCloses(ctx, mode)...)
	p.exec.ExecuteBatch(ctx, toExecute)
	p.observePhase("execution", phaseStart)

	p.observePhase("total", tickStart)
	log.Info("tick finished",
		"mode", string(mode),
		"channels", snapshot.Len(),
		"decisions", len(decisions),
		"executed", len(toExecute),
		"weights_version", weights.Version,
		"elapsed", p.now().Sub(tickStart).Round(time.Millisecond))
	return nil
}

// collect refreshes the metric store from the node: channel state plus
// 7-day forwarding aggregates. External providers write into the metric
// store on their own cadence; this is the baseline feed.
func (p *Pipeline) collect(ctx context.Context) error {
	channels, err := p.node.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	forwards, err := p.node.GetForwardsSince(ctx, p.now().Add(-forwardLookback))
	if err != nil {
		return fmt.Errorf("fetch forwards: %w", err)
	}

	type agg struct {
		count   int64
		volume  int64
		revenue int64
		settled int64
	}
	byChannel := make(map[ln.ChannelID]*agg)
	for _, f := range forwards {
		a, ok := byChannel[f.ChannelIDOut]
		if !ok {
			a = &agg{}
			byChannel[f.ChannelIDOut] = a
		}
		a.count++
		if f.Settled {
			a.settled++
			a.volume += f.AmountMsat / 1000
			a.revenue += f.FeeMsat
		}
	}

	now := p.now()
	var firstErr error
	for _, ch := range channels {
		m := ln.ChannelMetrics{
			ChannelID:        ch.ChannelID,
			PeerNodeID:       ch.PeerNodeID,
			CapacitySat:      ch.CapacitySat,
			LocalBalanceSat:  ch.LocalBalanceSat,
			RemoteBalanceSat: ch.RemoteBalanceSat,
			Status:           ch.Status,
			AgeDays:          int(now.Sub(ch.OpenedAt).Hours() / 24),
			ObservedAt:       now,
			SourceSet:        []string{"node"},
		}
		if a, ok := byChannel[ch.ChannelID]; ok {
			m.Forwards7dCount = a.count
			m.Forwards7dVolume = a.volume
			m.Revenue7dMsat = a.revenue
			if a.count > 0 {
				m.SuccessRate7d = float64(a.settled) / float64(a.count)
			}
		}
		if prev, _, ok := p.mstore.GetFresh(ch.ChannelID, 24*time.Hour); ok {
			// Carry over what external providers observed last.
			m.HTLCResponseTimeMs = prev.HTLCResponseTimeMs
			m.HasResponseTime = prev.HasResponseTime
			m.Uptime7d = prev.Uptime7d
			m.LiquidityScanScore = prev.LiquidityScanScore
			m.HasLiquidityScan = prev.HasLiquidityScan
			m.LiquidChannelsRatio = prev.LiquidChannelsRatio
			m.BidirectionalRatio = prev.BidirectionalRatio
			m.HasBidirectionalRatio = prev.HasBidirectionalRatio
		}

		if err := p.mstore.Upsert(m); err != nil {
			continue
		}
		if err := p.st.SaveMetricsLatest(ctx, &m); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.st.SaveMetricsHourly(ctx, &m, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// score computes and persists a score per snapshotted channel and pairs
// it with the node's current policy for the decision engine.
func (p *Pipeline) score(ctx context.Context, tickID string, snap *metricstore.Snapshot, w ln.Weights) []decision.Input {
	inputs := make([]decision.Input, 0, snap.Len())
	now := p.now()

	for _, id := range snap.Channels() {
		m, stale, ok := snap.Get(id)
		if !ok {
			continue
		}
		sc := p.scorer.Score(m, stale, w, tickID, now)
		if err := p.st.SaveScore(ctx, &sc); err != nil {
			p.logger.Error("score persist failed", "channel", id, "err", err)
		}
		if p.metrics != nil {
			p.metrics.ScoreTotal.WithLabelValues(fmt.Sprintf("%t", stale)).Observe(sc.Total)
		}

		policy, err := p.node.GetPolicy(ctx, id)
		if err != nil {
			// Without a policy no mutation is possible; score alone still
			// feeds observability and the low-perf history.
			p.logger.Warn("policy fetch failed, channel skipped", "channel", id, "err", err)
			continue
		}
		inputs = append(inputs, decision.Input{Score: sc, Metrics: m, Policy: policy})
	}
	return inputs
}

// approvedCloses returns close decisions an operator approved since the
// last tick. The same mode gate that covers fresh decisions covers
// these: an approval granted while live does not authorize a mutation
// once the loop is back in shadow or the dry-run override is set. The
// approval itself survives; the close runs when mutations are live
// again.
func (p *Pipeline) approvedCloses(ctx context.Context, mode config.Mode) []*ln.Decision {
	ds, err := p.st.DecisionsByStatus(ctx, ln.StatusApproved)
	if err != nil {
		p.logger.Error("list approved decisions failed", "err", err)
		return nil
	}
	var out []*ln.Decision
	for i := range ds {
		d := ds[i]
		if d.Kind != ln.CloseChannel || d.ExecutionCode != ln.ReasonOperatorApproved {
			continue
		}
		live := mode == config.ModeActive ||
			(mode == config.ModeCanary && p.cfg.InCanaryWhitelist(string(d.ChannelID)))
		if !live {
			continue
		}
		out = append(out, &d)
	}
	return out
}

// loadWeights returns the latest persisted weight vector, falling back to
// the defaults before the first adaptive update.
func (p *Pipeline) loadWeights(ctx context.Context) ln.Weights {
	w, err := p.st.LatestWeights(ctx)
	if err != nil {
		return ln.DefaultWeights()
	}
	return *w
}

// currentMode resolves the operating mode: the operator's persisted mode
// wins over the config file, and the dry-run override forces shadow.
func (p *Pipeline) currentMode(ctx context.Context) config.Mode {
	if p.cfg.DryRunOverride {
		return config.ModeShadow
	}
	if stored, err := p.st.GetMode(ctx); err == nil && stored != "" {
		return config.Mode(stored)
	}
	return p.cfg.Control.Mode
}

func (p *Pipeline) observePhase(phase string, start time.Time) {
	if p.metrics != nil {
		p.metrics.TickDuration.WithLabelValues(phase).Observe(p.now().Sub(start).Seconds())
	}
}
