package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnpilot/backend/internal/ln"
)

func TestLastExecuted_SkipsNoActionRecords(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID: "mut-1",
		ChannelID:  "c1",
		Kind:       ln.IncreaseFees,
		CreatedAt:  now.Add(-2 * time.Hour),
		Status:     ln.StatusExecuted,
	}))
	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID: "noop-1",
		ChannelID:  "c1",
		Kind:       ln.NoAction,
		CreatedAt:  now.Add(-time.Hour),
		Status:     ln.StatusExecuted,
	}))

	last, err := st.LastExecuted(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "mut-1", last.DecisionID, "a completed no-op is not a mutation")
}

func TestExecutedBetween_OnlyMutations(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID: "mut-1",
		ChannelID:  "c1",
		Kind:       ln.DecreaseFees,
		CreatedAt:  now.Add(-3 * time.Hour),
		Status:     ln.StatusExecuted,
	}))
	require.NoError(t, st.SaveDecision(ctx, &ln.Decision{
		DecisionID: "noop-1",
		ChannelID:  "c2",
		Kind:       ln.NoAction,
		CreatedAt:  now.Add(-2 * time.Hour),
		Status:     ln.StatusExecuted,
	}))

	ds, err := st.ExecutedBetween(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "mut-1", ds[0].DecisionID)
}

func TestPruneExpired(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	st.Now = func() time.Time { return now }

	require.NoError(t, st.SaveBackup(ctx, &ln.PolicyBackup{
		BackupID:      "b-live",
		TransactionID: "tx-live",
		ChannelID:     "c1",
		CreatedAt:     now.Add(-time.Hour),
		ExpiresAt:     now.Add(29 * 24 * time.Hour),
	}))
	require.NoError(t, st.SaveBackup(ctx, &ln.PolicyBackup{
		BackupID:      "b-old",
		TransactionID: "tx-old",
		ChannelID:     "c2",
		CreatedAt:     now.Add(-40 * 24 * time.Hour),
		ExpiresAt:     now.Add(-10 * 24 * time.Hour),
	}))
	require.NoError(t, st.SaveMetricsHourly(ctx, &ln.ChannelMetrics{
		ChannelID: "c1", CapacitySat: 1, ObservedAt: now,
	}, now.Add(-HourlyRetention-time.Hour)))

	require.NoError(t, st.PruneExpired(ctx))

	_, err := st.BackupByTransaction(ctx, "tx-live")
	assert.NoError(t, err, "unexpired backup kept")
	_, err = st.BackupByTransaction(ctx, "tx-old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok, err := st.ForwardVolumeNear(ctx, "c1", now.Add(-HourlyRetention-time.Hour), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "hourly row past retention pruned")
}
