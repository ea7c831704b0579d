package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/store"
)

func testEngine(st store.Store, now time.Time) *Engine {
	cfg := config.Default()
	return New(cfg.Safety, cfg.Scoring, st, nil, events.Nop{}, WithClock(func() time.Time { return now }))
}

func activeInput(id ln.ChannelID, total float64, localRatio float64) Input {
	capacity := int64(1_000_000)
	local := int64(float64(capacity) * localRatio)
	return Input{
		Score: ln.ChannelScore{
			ChannelID: id,
			TickID:    "tick-1",
			Total:     total,
		},
		Metrics: ln.ChannelMetrics{
			ChannelID:        id,
			CapacitySat:      capacity,
			LocalBalanceSat:  local,
			RemoteBalanceSat: capacity - local,
			Status:           ln.ChannelActive,
			AgeDays:          100,
			Forwards7dCount:  10,
			ObservedAt:       time.Now(),
		},
		Policy: ln.ChannelPolicy{
			ChannelID:  id,
			FeeRatePPM: 200,
			Version:    7,
		},
	}
}

func decideOne(t *testing.T, e *Engine, in Input) ln.Decision {
	t.Helper()
	ds := e.DecideTick(context.Background(), "tick-1", []Input{in})
	require.Len(t, ds, 1)
	return ds[0]
}

func TestRule1_StaleInputs(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	in := activeInput("c1", 90, 0.9)
	in.Score.StaleInputs = true

	d := decideOne(t, e, in)
	assert.Equal(t, ln.NoAction, d.Kind)
	assert.Equal(t, RuleStaleOrInactive, d.Reason.RuleID)
	assert.Equal(t, ln.ReasonStaleInputs, d.Reason.Code)
	assert.Equal(t, 0.2, d.Confidence)
}

func TestRule1_InactiveChannel(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	in := activeInput("c1", 90, 0.9)
	in.Metrics.Status = ln.ChannelInactive

	d := decideOne(t, e, in)
	assert.Equal(t, ln.NoAction, d.Kind)
	assert.Equal(t, ln.ReasonInactive, d.Reason.Code)
}

func TestRule2_CooldownBlocksMutation(t *testing.T) {
	st := store.NewMemStore()
	e := testEngine(st, time.Now())
	require.NoError(t, st.SetCooldown(context.Background(), "c1", time.Hour))

	d := decideOne(t, e, activeInput("c1", 90, 0.9))
	assert.Equal(t, ln.NoAction, d.Kind)
	assert.Equal(t, RuleCooldown, d.Reason.RuleID)
	assert.Equal(t, ln.ReasonCooldown, d.Reason.Code)
}

// cooldownFailStore errors on every cooldown read.
type cooldownFailStore struct {
	*store.MemStore
}

func (s *cooldownFailStore) CooldownRemaining(context.Context, ln.ChannelID) (time.Duration, error) {
	return 0, assert.AnError
}

func TestRule2_CooldownReadFailureFailsSafe(t *testing.T) {
	e := testEngine(&cooldownFailStore{store.NewMemStore()}, time.Now())

	d := decideOne(t, e, activeInput("c1", 90, 0.9))
	assert.Equal(t, ln.NoAction, d.Kind, "unknown cooldown state must not mutate")
	assert.Equal(t, RuleCooldown, d.Reason.RuleID)
	assert.Equal(t, ln.ReasonCooldown, d.Reason.Code)
	assert.Equal(t, "cooldown state unavailable", d.Reason.Detail)
}

func TestRule3_CloseIdleAgedChannel(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	in := activeInput("c1", 10, 0.5)
	in.Metrics.AgeDays = 45
	in.Metrics.Forwards7dCount = 0

	d := decideOne(t, e, in)
	assert.Equal(t, ln.CloseChannel, d.Kind)
	assert.Equal(t, RuleClose, d.Reason.RuleID)
	// (20-10)/20 = 0.5 base confidence.
	assert.InDelta(t, 0.5, d.Confidence, 0.001)
}

func TestRule3_RequiresAllThreeConditions(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())

	young := activeInput("c1", 10, 0.5)
	young.Metrics.AgeDays = 10
	young.Metrics.Forwards7dCount = 0
	assert.NotEqual(t, ln.CloseChannel, decideOne(t, e, young).Kind)

	busy := activeInput("c2", 10, 0.5)
	busy.Metrics.AgeDays = 45
	busy.Metrics.Forwards7dCount = 3
	assert.NotEqual(t, ln.CloseChannel, decideOne(t, e, busy).Kind)
}

func TestRule4_LocalHeavyRaisesFees(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())

	d := decideOne(t, e, activeInput("c1", 60, 0.9))
	assert.Equal(t, ln.IncreaseFees, d.Kind)
	assert.Equal(t, RuleDrainRemote, d.Reason.RuleID)
	require.NotNil(t, d.Proposed.FeeRatePPM)
	assert.Equal(t, int64(260), *d.Proposed.FeeRatePPM, "200 ppm +30%%")
	assert.InDelta(t, 0.8, d.Confidence, 0.001)
}

func TestRule4_ExactlyAtEdgeDoesNotFire(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	d := decideOne(t, e, activeInput("c1", 60, 0.8))
	assert.Equal(t, ln.NoAction, d.Kind, "0.8 exactly is not local-heavy")
	assert.Equal(t, RuleDefault, d.Reason.RuleID)
}

func TestRule5_RemoteHeavyLowersFees(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())

	d := decideOne(t, e, activeInput("c1", 60, 0.1))
	assert.Equal(t, ln.DecreaseFees, d.Kind)
	assert.Equal(t, RuleDrainLocal, d.Reason.RuleID)
	require.NotNil(t, d.Proposed.FeeRatePPM)
	assert.Equal(t, int64(160), *d.Proposed.FeeRatePPM, "200 ppm -20%%")
}

func TestRule6_SustainedLowPerf(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()
	e := testEngine(st, now)
	ctx := context.Background()

	// 48 hours of sub-threshold scores, starting at the window edge.
	for i := 0; i <= 48; i++ {
		require.NoError(t, st.SaveScore(ctx, &ln.ChannelScore{
			ChannelID:  "c1",
			Total:      30,
			ComputedAt: now.Add(-48 * time.Hour).Add(time.Duration(i) * time.Hour),
		}))
	}

	d := decideOne(t, e, activeInput("c1", 30, 0.5))
	assert.Equal(t, ln.IncreaseFees, d.Kind)
	assert.Equal(t, RuleLowPerf, d.Reason.RuleID)
	require.NotNil(t, d.Proposed.FeeRatePPM)
	assert.Equal(t, int64(240), *d.Proposed.FeeRatePPM, "200 ppm +20%%")
	assert.InDelta(t, 0.6, d.Confidence, 0.001)
}

func TestRule6_RecentDipDoesNotFire(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()
	e := testEngine(st, now)

	// Only two hours of history: the dip has not been sustained.
	require.NoError(t, st.SaveScore(context.Background(), &ln.ChannelScore{
		ChannelID:  "c1",
		Total:      30,
		ComputedAt: now.Add(-2 * time.Hour),
	}))

	d := decideOne(t, e, activeInput("c1", 30, 0.5))
	assert.Equal(t, ln.NoAction, d.Kind)
	assert.Equal(t, RuleDefault, d.Reason.RuleID)
}

func TestClamp_EnvelopeCapsProposal(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	in := activeInput("c1", 60, 0.9)
	in.Policy.FeeRatePPM = 4000

	d := decideOne(t, e, in)
	require.NotNil(t, d.Proposed.FeeRatePPM)
	// +30% of 4000 is 5200, envelope max is 5000.
	assert.Equal(t, int64(5000), *d.Proposed.FeeRatePPM)
}

func TestClamp_ChangeWindowCapsProposal(t *testing.T) {
	cfg := config.Default()
	cfg.Safety.MaxFeeChangePct = 25
	e := New(cfg.Safety, cfg.Scoring, store.NewMemStore(), nil, events.Nop{})

	d := decideOne(t, e, activeInput("c1", 60, 0.9))
	require.NotNil(t, d.Proposed.FeeRatePPM)
	// +30% of 200 is 260, change window caps at +25% = 250.
	assert.Equal(t, int64(250), *d.Proposed.FeeRatePPM)
}

func TestClamp_IdentityProjectionDowngradesToNoAction(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	in := activeInput("c1", 60, 0.9)
	// Already at the envelope ceiling: any increase projects back onto it.
	in.Policy.FeeRatePPM = 5000

	d := decideOne(t, e, in)
	assert.Equal(t, ln.NoAction, d.Kind)
	assert.Equal(t, ln.ReasonClampedToIdentity, d.Reason.Code)
	assert.True(t, d.Proposed.IsZero())
}

func TestOscillation_PenaltyHalvesConfidence(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()
	e := testEngine(st, now)
	ctx := context.Background()

	// One executed INCREASE→DECREASE pair in the last 24 hours.
	for i, kind := range []ln.DecisionKind{ln.IncreaseFees, ln.DecreaseFees} {
		d := &ln.Decision{
			DecisionID: string(rune('a' + i)),
			ChannelID:  "c1",
			Kind:       kind,
			Status:     ln.StatusExecuted,
			CreatedAt:  now.Add(time.Duration(i-3) * time.Hour),
		}
		require.NoError(t, st.SaveDecision(ctx, d))
	}

	d := decideOne(t, e, activeInput("c1", 60, 0.9))
	assert.Equal(t, ln.IncreaseFees, d.Kind)
	assert.InDelta(t, 0.4, d.Confidence, 0.001, "0.8 base halved by one opposing pair")
}

func TestBudget_ExcessMutationsDowngraded(t *testing.T) {
	cfg := config.Default()
	cfg.Safety.MaxChannelsPerTick = 2
	e := New(cfg.Safety, cfg.Scoring, store.NewMemStore(), nil, events.Nop{})

	inputs := []Input{
		activeInput("far", 95, 0.9),    // |95-50| = 45
		activeInput("mid", 70, 0.9),    // |70-50| = 20
		activeInput("near", 55, 0.9),   // |55-50| = 5
		activeInput("nearer", 52, 0.9), // |52-50| = 2
	}
	ds := e.DecideTick(context.Background(), "tick-1", inputs)

	byID := map[ln.ChannelID]ln.Decision{}
	mutations := 0
	for _, d := range ds {
		byID[d.ChannelID] = d
		if d.Kind.Mutating() {
			mutations++
		}
	}
	assert.Equal(t, 2, mutations)
	assert.Equal(t, ln.IncreaseFees, byID["far"].Kind)
	assert.Equal(t, ln.IncreaseFees, byID["mid"].Kind)
	assert.Equal(t, ln.NoAction, byID["near"].Kind)
	assert.Equal(t, ln.ReasonBudgetExceeded, byID["near"].Reason.Code)
	assert.Equal(t, ln.NoAction, byID["nearer"].Kind)
}

func TestDecideTick_OneDecisionPerChannel(t *testing.T) {
	e := testEngine(store.NewMemStore(), time.Now())
	inputs := []Input{
		activeInput("c1", 60, 0.9),
		activeInput("c2", 60, 0.5),
		activeInput("c3", 60, 0.1),
	}
	ds := e.DecideTick(context.Background(), "tick-1", inputs)
	require.Len(t, ds, 3)

	seen := map[ln.ChannelID]bool{}
	for _, d := range ds {
		assert.False(t, seen[d.ChannelID])
		seen[d.ChannelID] = true
		assert.Equal(t, "tick-1", d.TickID)
		assert.NotEmpty(t, d.DecisionID)
		assert.Equal(t, ln.StatusPending, d.Status)
		assert.GreaterOrEqual(t, d.Confidence, 0.0)
		assert.LessOrEqual(t, d.Confidence, 1.0)
	}
}
