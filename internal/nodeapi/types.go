// Package nodeapi abstracts the remote Lightning node. The core only sees
// the Client interface; the REST implementation handles credentials,
// per-call deadlines, retry with backoff on transient failures, and a
// circuit breaker that sheds load when the node is unreachable.
package nodeapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lnpilot/backend/internal/ln"
)

// Channel is the node's view of one open channel.
type Channel struct {
	ChannelID        ln.ChannelID     `json:"channel_id"`
	PeerNodeID       ln.NodeID        `json:"peer_node_id"`
	CapacitySat      int64            `json:"capacity_sat"`
	LocalBalanceSat  int64            `json:"local_balance_sat"`
	RemoteBalanceSat int64            `json:"remote_balance_sat"`
	Status           ln.ChannelStatus `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
}

// ApplyResult reports a successful policy apply.
type ApplyResult struct {
	ChannelID  ln.ChannelID `json:"channel_id"`
	NewVersion int64        `json:"new_version"`
	AppliedAt  time.Time    `json:"applied_at"`
}

// CloseResult reports a channel close request outcome.
type CloseResult struct {
	ChannelID   ln.ChannelID `json:"channel_id"`
	ClosingTxID string       `json:"closing_txid"`
	Force       bool         `json:"force"`
}

// Forward is one forwarding event, used for success-rate and revenue.
type Forward struct {
	ChannelIDIn  ln.ChannelID `json:"channel_id_in"`
	ChannelIDOut ln.ChannelID `json:"channel_id_out"`
	AmountMsat   int64        `json:"amount_msat"`
	FeeMsat      int64        `json:"fee_msat"`
	ResolvedAt   time.Time    `json:"resolved_at"`
	Settled      bool         `json:"settled"`
}

// Client is the capability surface the core needs from the node.
type Client interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	GetPolicy(ctx context.Context, id ln.ChannelID) (ln.ChannelPolicy, error)
	// ApplyPolicy is optimistic-concurrent: it fails with ErrVersionStale
	// unless the node's current version equals expectedVersion.
	ApplyPolicy(ctx context.Context, id ln.ChannelID, policy ln.ChannelPolicy, expectedVersion int64) (ApplyResult, error)
	CloseChannel(ctx context.Context, id ln.ChannelID, force bool) (CloseResult, error)
	GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error)
	// Ping verifies connectivity and credentials; used by the startup check.
	Ping(ctx context.Context) error
}

// Error classification. Only transient errors are retried; the rest map
// to enumerated decision outcomes at the component boundary.
var (
	// ErrVersionStale means the node's policy version moved under us.
	ErrVersionStale = errors.New("nodeapi: policy version stale")

	// ErrAuthFailure means the credential was rejected. Fatal for the
	// tick's execution phase.
	ErrAuthFailure = errors.New("nodeapi: authorization failed")

	// ErrMalformed means the node rejected the request shape. Not retried.
	ErrMalformed = errors.New("nodeapi: malformed argument")

	// ErrUnavailable is the terminal transient failure, surfaced only
	// after retries are exhausted.
	ErrUnavailable = errors.New("nodeapi: node unavailable")
)

// TransientError wraps an I/O failure that may succeed on retry.
type TransientError struct {
	Method string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("nodeapi: transient failure in %s: %v", e.Method, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
