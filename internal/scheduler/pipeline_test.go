package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/decision"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/executor"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/metricstore"
	"github.com/lnpilot/backend/internal/nodeapi"
	"github.com/lnpilot/backend/internal/shadow"
	"github.com/lnpilot/backend/internal/store"
)

// stubNode serves a fixed channel set and records applies.
type stubNode struct {
	mu       sync.Mutex
	channels []nodeapi.Channel
	policies map[ln.ChannelID]ln.ChannelPolicy
	applies  int
	closes   int
}

func newStubNode() *stubNode {
	return &stubNode{
		channels: []nodeapi.Channel{
			{
				ChannelID:        "drained",
				PeerNodeID:       "peer-1",
				CapacitySat:      1_000_000,
				LocalBalanceSat:  950_000,
				RemoteBalanceSat: 50_000,
				Status:           ln.ChannelActive,
				OpenedAt:         time.Now().Add(-90 * 24 * time.Hour),
			},
			{
				ChannelID:        "balanced",
				PeerNodeID:       "peer-2",
				CapacitySat:      1_000_000,
				LocalBalanceSat:  500_000,
				RemoteBalanceSat: 500_000,
				Status:           ln.ChannelActive,
				OpenedAt:         time.Now().Add(-90 * 24 * time.Hour),
			},
		},
		policies: map[ln.ChannelID]ln.ChannelPolicy{
			"drained":  {ChannelID: "drained", FeeRatePPM: 200, Version: 3},
			"balanced": {ChannelID: "balanced", FeeRatePPM: 100, Version: 5},
		},
	}
}

func (s *stubNode) ListChannels(context.Context) ([]nodeapi.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nodeapi.Channel{}, s.channels...), nil
}

func (s *stubNode) GetPolicy(_ context.Context, id ln.ChannelID) (ln.ChannelPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[id], nil
}

func (s *stubNode) ApplyPolicy(_ context.Context, id ln.ChannelID, p ln.ChannelPolicy, expectedVersion int64) (nodeapi.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.policies[id]
	if cur.Version != expectedVersion {
		return nodeapi.ApplyResult{}, nodeapi.ErrVersionStale
	}
	s.applies++
	p.Version = cur.Version + 1
	s.policies[id] = p
	return nodeapi.ApplyResult{ChannelID: id, NewVersion: p.Version}, nil
}

func (s *stubNode) CloseChannel(_ context.Context, id ln.ChannelID, force bool) (nodeapi.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nodeapi.CloseResult{ChannelID: id, ClosingTxID: "tx"}, nil
}

func (s *stubNode) GetForwardsSince(context.Context, time.Time) ([]nodeapi.Forward, error) {
	return []nodeapi.Forward{
		{ChannelIDOut: "drained", AmountMsat: 2_000_000, FeeMsat: 1000, Settled: true, ResolvedAt: time.Now()},
		{ChannelIDOut: "balanced", AmountMsat: 5_000_000, FeeMsat: 500, Settled: true, ResolvedAt: time.Now()},
	}, nil
}

func (s *stubNode) Ping(context.Context) error { return nil }

func (s *stubNode) applyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

func (s *stubNode) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func newTestPipeline(cfg *config.Config, node nodeapi.Client, st store.Store) *Pipeline {
	logger := slog.Default()
	dec := decision.New(cfg.Safety, cfg.Scoring, st, nil, events.Nop{})
	exec := executor.New(node, st, cfg.Safety, 2, logger, events.Nop{}, nil)
	gate := shadow.NewRecorder(cfg, st, logger, events.Nop{})
	ms := metricstore.New(logger)
	return NewPipeline(cfg, node, ms, st, dec, exec, gate, logger, events.Nop{}, nil)
}

func TestRunTick_ShadowModeRecordsWithoutMutating(t *testing.T) {
	cfg := config.Default() // shadow mode by default
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	require.NoError(t, p.RunTick(ctx))

	assert.Zero(t, node.applyCount(), "shadow mode must not touch the node")

	// The drained channel would have had its fees raised.
	ds, err := st.DecisionsByChannelSince(ctx, "drained", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, ln.IncreaseFees, ds[0].Kind)
	assert.Equal(t, ln.StatusShadowed, ds[0].Status)
	require.NotNil(t, ds[0].Proposed.FeeRatePPM)
	assert.Equal(t, int64(260), *ds[0].Proposed.FeeRatePPM)

	// The balanced channel gets a completed NO_ACTION.
	ds, err = st.DecisionsByChannelSince(ctx, "balanced", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, ln.NoAction, ds[0].Kind)
	assert.Equal(t, ln.StatusExecuted, ds[0].Status)
}

func TestRunTick_ActiveModeAppliesWithinEnvelope(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	require.NoError(t, p.RunTick(ctx))

	assert.Equal(t, 1, node.applyCount())
	node.mu.Lock()
	assert.Equal(t, int64(260), node.policies["drained"].FeeRatePPM)
	assert.Equal(t, int64(100), node.policies["balanced"].FeeRatePPM)
	node.mu.Unlock()

	ds, err := st.DecisionsByChannelSince(ctx, "drained", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, ln.StatusExecuted, ds[0].Status)
	assert.NotEmpty(t, ds[0].TransactionID)

	// Cooldown keeps the next tick from mutating the same channel.
	require.NoError(t, p.RunTick(ctx))
	assert.Equal(t, 1, node.applyCount(), "cooldown blocks the second mutation")
}

func TestRunTick_StoredModeOverridesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	node := newStubNode()
	st := store.NewMemStore()
	require.NoError(t, st.SaveMode(context.Background(), string(config.ModeShadow)))
	p := newTestPipeline(cfg, node, st)

	require.NoError(t, p.RunTick(context.Background()))
	assert.Zero(t, node.applyCount(), "operator-set mode wins over the config file")
}

func TestRunTick_DryRunOverrideForcesShadow(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	cfg.DryRunOverride = true
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)

	require.NoError(t, p.RunTick(context.Background()))
	assert.Zero(t, node.applyCount())
}

func TestRunTick_CancelledBeforeExecutionDoesNotMutate(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.RunTick(ctx)
	assert.Error(t, err)
	assert.Zero(t, node.applyCount())
}

func TestRunTick_ApprovedCloseExecutesNextTick(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	d := &ln.Decision{
		DecisionID:         "close-1",
		TickID:             "earlier",
		ChannelID:          "balanced",
		Kind:               ln.CloseChannel,
		PriorPolicyVersion: 5,
		CreatedAt:          time.Now(),
		Status:             ln.StatusApproved,
		ExecutionCode:      ln.ReasonOperatorApproved,
	}
	require.NoError(t, st.SaveDecision(ctx, d))

	require.NoError(t, p.RunTick(ctx))

	stored, err := st.GetDecision(ctx, "close-1")
	require.NoError(t, err)
	assert.Equal(t, ln.StatusExecuted, stored.Status)
	assert.Equal(t, "closed", stored.ExecutionCode)
}

func TestRunTick_ApprovedCloseWaitsWhileShadowed(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeActive
	cfg.DryRunOverride = true
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID:         "close-1",
		TickID:             "earlier",
		ChannelID:          "balanced",
		Kind:               ln.CloseChannel,
		PriorPolicyVersion: 5,
		CreatedAt:          time.Now(),
		Status:             ln.StatusApproved,
		ExecutionCode:      ln.ReasonOperatorApproved,
	}))

	require.NoError(t, p.RunTick(ctx))

	assert.Zero(t, node.closeCount(), "dry-run override must hold even an approved close")
	stored, err := st.GetDecision(ctx, "close-1")
	require.NoError(t, err)
	assert.Equal(t, ln.StatusApproved, stored.Status, "approval survives until mutations are live")
	assert.Equal(t, ln.ReasonOperatorApproved, stored.ExecutionCode)
}

func TestRunTick_ApprovedCloseRespectsCanaryWhitelist(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = config.ModeCanary
	cfg.Control.CanaryChannelWhitelist = []string{"drained"}
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID:         "close-2",
		TickID:             "earlier",
		ChannelID:          "balanced", // not whitelisted
		Kind:               ln.CloseChannel,
		PriorPolicyVersion: 5,
		CreatedAt:          time.Now(),
		Status:             ln.StatusApproved,
		ExecutionCode:      ln.ReasonOperatorApproved,
	}))

	require.NoError(t, p.RunTick(ctx))

	assert.Zero(t, node.closeCount())
	stored, err := st.GetDecision(ctx, "close-2")
	require.NoError(t, err)
	assert.Equal(t, ln.StatusApproved, stored.Status)
}

func TestRunTick_MetricsPersistedForHistory(t *testing.T) {
	cfg := config.Default()
	node := newStubNode()
	st := store.NewMemStore()
	p := newTestPipeline(cfg, node, st)
	ctx := context.Background()

	require.NoError(t, p.RunTick(ctx))

	vol, ok, err := st.ForwardVolumeNear(ctx, "drained", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2_000), vol, "2,000,000 msat settled = 2,000 sat volume")
}
