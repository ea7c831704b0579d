// Package store is the durable persistence layer: decisions, policy
// backups, weight versions and metric snapshots live in Postgres;
// cooldown and do-not-touch markers live in Redis where TTL expiry is
// native. Writes are write-ahead with respect to node mutations: the
// decision and its backup are persisted before apply_policy is called,
// and the execution result is updated afterward.
package store

import (
	"context"
	"time"

	"github.com/lnpilot/backend/internal/ln"
)

// Store is the persistence surface the engines consume. SQLStore is the
// production implementation; MemStore backs tests.
type Store interface {
	// Decisions
	SaveDecision(ctx context.Context, d *ln.Decision) error
	UpdateDecision(ctx context.Context, decisionID string, status ln.DecisionStatus, resultText, resultCode string) error
	// AttachTransaction persists the transaction_id the executor
	// assigned, before the backup is written.
	AttachTransaction(ctx context.Context, decisionID, transactionID string) error
	GetDecision(ctx context.Context, decisionID string) (*ln.Decision, error)
	// DecisionByTransaction resolves the decision that owns a
	// transaction_id; used by external rollback.
	DecisionByTransaction(ctx context.Context, transactionID string) (*ln.Decision, error)
	// DecisionsByChannelSince returns decisions for a channel created at
	// or after since, newest first. Used for oscillation and cooldown.
	DecisionsByChannelSince(ctx context.Context, id ln.ChannelID, since time.Time) ([]ln.Decision, error)
	// LastExecuted returns the channel's most recent executed mutation,
	// nil when none exists. Completed NO_ACTION records do not count as
	// mutations here.
	LastExecuted(ctx context.Context, id ln.ChannelID) (*ln.Decision, error)
	// DecisionsByStatus lists decisions in a given status, oldest first.
	DecisionsByStatus(ctx context.Context, status ln.DecisionStatus) ([]ln.Decision, error)
	// ExecutedBetween lists executed mutations in [from, to), oldest
	// first, excluding NO_ACTION records. Used by the adaptive weight
	// updater, whose samples must measure applied changes.
	ExecutedBetween(ctx context.Context, from, to time.Time) ([]ln.Decision, error)
	// ShadowCounts aggregates shadowed decisions by kind since a time.
	ShadowCounts(ctx context.Context, since time.Time) (map[ln.DecisionKind]int, error)
	// LowScoreSince reports whether every score recorded for the channel
	// since the given time was below threshold, and whether the record
	// actually spans that time (sustained low performance check).
	LowScoreSince(ctx context.Context, id ln.ChannelID, threshold float64, since time.Time) (sustained bool, err error)

	// Scores
	SaveScore(ctx context.Context, s *ln.ChannelScore) error

	// Backups
	SaveBackup(ctx context.Context, b *ln.PolicyBackup) error
	BackupByTransaction(ctx context.Context, transactionID string) (*ln.PolicyBackup, error)

	// Weights
	SaveWeights(ctx context.Context, w *ln.Weights) error
	LatestWeights(ctx context.Context) (*ln.Weights, error)

	// Metric snapshots
	SaveMetricsLatest(ctx context.Context, m *ln.ChannelMetrics) error
	SaveMetricsHourly(ctx context.Context, m *ln.ChannelMetrics, hour time.Time) error
	// ForwardVolumeNear returns the forwards_7d_volume_sat recorded for
	// the channel in the hourly aggregate closest to t within tolerance.
	ForwardVolumeNear(ctx context.Context, id ln.ChannelID, t time.Time, tolerance time.Duration) (int64, bool, error)

	// Cooldowns and operator flags
	SetCooldown(ctx context.Context, id ln.ChannelID, d time.Duration) error
	CooldownRemaining(ctx context.Context, id ln.ChannelID) (time.Duration, error)
	MarkDoNotTouch(ctx context.Context, id ln.ChannelID, reason string) error
	IsDoNotTouch(ctx context.Context, id ln.ChannelID) (bool, error)
	ClearDoNotTouch(ctx context.Context, id ln.ChannelID) error

	// Operator mode
	SaveMode(ctx context.Context, mode string) error
	GetMode(ctx context.Context) (string, error)

	// PruneExpired enforces retention: expired policy backups, decisions
	// past DecisionRetention, hourly aggregates past HourlyRetention and
	// spent cooldown rows. Runs on the weight task cadence.
	PruneExpired(ctx context.Context) error

	// Ping verifies the durable store is reachable; the daemon exits
	// with the unrecoverable-persistence code when it is not.
	Ping(ctx context.Context) error
}

// Retention windows.
const (
	DecisionRetention = 90 * 24 * time.Hour
	HourlyRetention   = 90 * 24 * time.Hour
)
