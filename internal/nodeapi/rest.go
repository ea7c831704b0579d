package nodeapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/telemetry"
)

const (
	maxRetries     = 3
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 2 * time.Second

	defaultCallTimeout  = 10 * time.Second
	defaultCloseTimeout = 30 * time.Second
)

// RESTClient talks to an LND-style REST API. The macaroon credential is
// read once at construction and held in memory only.
type RESTClient struct {
	baseURL      string
	macaroonHex  string
	http         *http.Client
	callTimeout  time.Duration
	closeTimeout time.Duration
	breaker      *Breaker
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	sleep        func(context.Context, time.Duration) error
}

// RESTOption configures the client.
type RESTOption func(*RESTClient)

// WithTimeouts overrides the per-call and close-call deadlines.
func WithTimeouts(call, close time.Duration) RESTOption {
	return func(c *RESTClient) {
		if call > 0 {
			c.callTimeout = call
		}
		if close > 0 {
			c.closeTimeout = close
		}
	}
}

// WithBreaker attaches a circuit breaker.
func WithBreaker(b *Breaker) RESTOption {
	return func(c *RESTClient) { c.breaker = b }
}

// WithMetrics attaches telemetry.
func WithMetrics(m *telemetry.Metrics) RESTOption {
	return func(c *RESTClient) { c.metrics = m }
}

// WithHTTPClient substitutes the transport, for tests.
func WithHTTPClient(h *http.Client) RESTOption {
	return func(c *RESTClient) { c.http = h }
}

// NewRESTClient builds a client for baseURL. macaroonPath may be empty
// for nodes without auth (regtest); otherwise the file is read exactly
// once and never written back to disk.
func NewRESTClient(baseURL, macaroonPath string, tlsSkipVerify bool, logger *slog.Logger, opts ...RESTOption) (*RESTClient, error) {
	c := &RESTClient{
		baseURL:      baseURL,
		callTimeout:  defaultCallTimeout,
		closeTimeout: defaultCloseTimeout,
		logger:       logger,
		sleep:        sleepCtx,
	}

	if macaroonPath != "" {
		raw, err := os.ReadFile(macaroonPath)
		if err != nil {
			return nil, fmt.Errorf("read macaroon: %w", err)
		}
		c.macaroonHex = hex.EncodeToString(raw)
	}

	transport := &http.Transport{}
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c.http = &http.Client{Transport: transport}

	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Ping verifies the endpoint answers and accepts our credential.
func (c *RESTClient) Ping(ctx context.Context) error {
	var out struct {
		Alias string `json:"alias"`
	}
	return c.call(ctx, http.MethodGet, "/v1/getinfo", nil, &out, c.callTimeout)
}

type restChannel struct {
	ChannelID     string `json:"chan_id"`
	RemotePubkey  string `json:"remote_pubkey"`
	Capacity      int64  `json:"capacity,string"`
	LocalBalance  int64  `json:"local_balance,string"`
	RemoteBalance int64  `json:"remote_balance,string"`
	Active        bool   `json:"active"`
	Lifetime      int64  `json:"lifetime,string"`
}

// ListChannels returns all channels the node reports.
func (c *RESTClient) ListChannels(ctx context.Context) ([]Channel, error) {
	var out struct {
		Channels []restChannel `json:"channels"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/channels", nil, &out, c.callTimeout); err != nil {
		return nil, err
	}

	channels := make([]Channel, 0, len(out.Channels))
	now := time.Now()
	for _, rc := range out.Channels {
		status := ln.ChannelActive
		if !rc.Active {
			status = ln.ChannelInactive
		}
		channels = append(channels, Channel{
			ChannelID:        ln.ChannelID(rc.ChannelID),
			PeerNodeID:       ln.NodeID(rc.RemotePubkey),
			CapacitySat:      rc.Capacity,
			LocalBalanceSat:  rc.LocalBalance,
			RemoteBalanceSat: rc.RemoteBalance,
			Status:           status,
			OpenedAt:         now.Add(-time.Duration(rc.Lifetime) * time.Second),
		})
	}
	return channels, nil
}

type restPolicy struct {
	ChannelID     string `json:"chan_id"`
	BaseFeeMsat   int64  `json:"base_fee_msat,string"`
	FeeRatePPM    int64  `json:"fee_rate_ppm,string"`
	MinHTLCMsat   int64  `json:"min_htlc_msat,string"`
	MaxHTLCMsat   int64  `json:"max_htlc_msat,string"`
	TimeLockDelta int    `json:"time_lock_delta"`
	Disabled      bool   `json:"disabled"`
	Version       int64  `json:"version,string"`
}

// GetPolicy fetches the current outgoing policy for one channel.
func (c *RESTClient) GetPolicy(ctx context.Context, id ln.ChannelID) (ln.ChannelPolicy, error) {
	var out restPolicy
	path := "/v1/graph/edge/" + url.PathEscape(string(id)) + "/policy"
	if err := c.call(ctx, http.MethodGet, path, nil, &out, c.callTimeout); err != nil {
		return ln.ChannelPolicy{}, err
	}
	return ln.ChannelPolicy{
		ChannelID:     id,
		Direction:     ln.DirectionOutgoing,
		BaseFeeMsat:   out.BaseFeeMsat,
		FeeRatePPM:    out.FeeRatePPM,
		MinHTLCMsat:   out.MinHTLCMsat,
		MaxHTLCMsat:   out.MaxHTLCMsat,
		TimeLockDelta: out.TimeLockDelta,
		Disabled:      out.Disabled,
		Version:       out.Version,
	}, nil
}

// ApplyPolicy pushes a new policy with optimistic concurrency on the
// version. Version conflicts are never retried.
func (c *RESTClient) ApplyPolicy(ctx context.Context, id ln.ChannelID, policy ln.ChannelPolicy, expectedVersion int64) (ApplyResult, error) {
	body := map[string]interface{}{
		"chan_id":          string(id),
		"base_fee_msat":    strconv.FormatInt(policy.BaseFeeMsat, 10),
		"fee_rate_ppm":     strconv.FormatInt(policy.FeeRatePPM, 10),
		"min_htlc_msat":    strconv.FormatInt(policy.MinHTLCMsat, 10),
		"max_htlc_msat":    strconv.FormatInt(policy.MaxHTLCMsat, 10),
		"time_lock_delta":  policy.TimeLockDelta,
		"disabled":         policy.Disabled,
		"expected_version": strconv.FormatInt(expectedVersion, 10),
	}
	var out struct {
		NewVersion int64 `json:"new_version,string"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/chanpolicy", body, &out, c.callTimeout); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{ChannelID: id, NewVersion: out.NewVersion, AppliedAt: time.Now()}, nil
}

// CloseChannel requests a cooperative (or forced) close.
func (c *RESTClient) CloseChannel(ctx context.Context, id ln.ChannelID, force bool) (CloseResult, error) {
	body := map[string]interface{}{
		"chan_id": string(id),
		"force":   force,
	}
	var out struct {
		ClosingTxID string `json:"closing_txid"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/channels/close", body, &out, c.closeTimeout); err != nil {
		return CloseResult{}, err
	}
	return CloseResult{ChannelID: id, ClosingTxID: out.ClosingTxID, Force: force}, nil
}

// GetForwardsSince pages through the forwarding log from t onward.
func (c *RESTClient) GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error) {
	var out struct {
		ForwardingEvents []struct {
			ChanIDIn   string `json:"chan_id_in"`
			ChanIDOut  string `json:"chan_id_out"`
			AmtInMsat  int64  `json:"amt_in_msat,string"`
			FeeMsat    int64  `json:"fee_msat,string"`
			TimestampNs int64 `json:"timestamp_ns,string"`
		} `json:"forwarding_events"`
	}
	body := map[string]interface{}{
		"start_time": strconv.FormatInt(since.Unix(), 10),
	}
	if err := c.call(ctx, http.MethodPost, "/v1/switch", body, &out, c.callTimeout); err != nil {
		return nil, err
	}

	forwards := make([]Forward, 0, len(out.ForwardingEvents))
	for _, fe := range out.ForwardingEvents {
		forwards = append(forwards, Forward{
			ChannelIDIn:  ln.ChannelID(fe.ChanIDIn),
			ChannelIDOut: ln.ChannelID(fe.ChanIDOut),
			AmountMsat:   fe.AmtInMsat,
			FeeMsat:      fe.FeeMsat,
			ResolvedAt:   time.Unix(0, fe.TimestampNs),
			Settled:      true,
		})
	}
	return forwards, nil
}

// call performs one logical request: breaker check, retries with
// exponential backoff on transient errors, classification of terminal
// errors. Version-mismatch, auth and malformed-argument responses are
// surfaced immediately.
func (c *RESTClient) call(ctx context.Context, method, path string, body interface{}, out interface{}, timeout time.Duration) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.NodeCallRetries.Inc()
			}
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		start := time.Now()
		err := c.doOnce(ctx, method, path, body, out, timeout)
		if c.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			c.metrics.NodeCallDuration.WithLabelValues(method+" "+path, outcome).Observe(time.Since(start).Seconds())
		}
		if c.breaker != nil {
			c.breaker.Record(err)
		}
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("node call failed, will retry",
			"method", method, "path", path, "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *RESTClient) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.macaroonHex != "" {
		req.Header.Set("Grpc-Metadata-Macaroon", c.macaroonHex)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Method: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Method: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return ErrVersionStale
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailure
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrMalformed, resp.Status, msg)
	default:
		// 5xx and everything unclassified is treated as transient.
		return &TransientError{Method: method + " " + path, Err: fmt.Errorf("status %s", resp.Status)}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
