package nodeapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnpilot/backend/internal/ln"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...RESTOption) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewRESTClient(srv.URL, "", false, slog.Default(), opts...)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil } // no real backoff in tests
	return c
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"alias":"node"}`))
	}))

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCall_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&calls))
}

func TestCall_TerminalErrorsNotRetried(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"version conflict", http.StatusConflict, ErrVersionStale},
		{"precondition failed", http.StatusPreconditionFailed, ErrVersionStale},
		{"unauthorized", http.StatusUnauthorized, ErrAuthFailure},
		{"forbidden", http.StatusForbidden, ErrAuthFailure},
		{"bad request", http.StatusBadRequest, ErrMalformed},
		{"not found", http.StatusNotFound, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
			}))

			_, err := c.ApplyPolicy(context.Background(), "c1", ln.ChannelPolicy{}, 1)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "terminal errors must not retry")
		})
	}
}

func TestGetPolicy_ParsesStringNumerics(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graph/edge/c1/policy", r.URL.Path)
		w.Write([]byte(`{
			"chan_id": "c1",
			"base_fee_msat": "1000",
			"fee_rate_ppm": "250",
			"min_htlc_msat": "1",
			"max_htlc_msat": "990000000",
			"time_lock_delta": 40,
			"disabled": false,
			"version": "17"
		}`))
	}))

	p, err := c.GetPolicy(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.BaseFeeMsat)
	assert.Equal(t, int64(250), p.FeeRatePPM)
	assert.Equal(t, int64(17), p.Version)
	assert.Equal(t, ln.DirectionOutgoing, p.Direction)
}

func TestBreaker_OpensAfterConsecutiveFailuresAndFailsFast(t *testing.T) {
	var calls int32
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour, HalfOpenProbes: 1})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}), WithBreaker(b))

	// One logical call makes maxRetries+1 attempts, enough to trip it.
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, BreakerOpen, b.State())

	before := atomic.LoadInt32(&calls)
	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker sheds the call before any I/O")
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 30 * time.Second, HalfOpenProbes: 1})
	b.now = func() time.Time { return now }

	b.Record(&TransientError{Method: "x", Err: assert.AnError})
	require.Equal(t, BreakerOpen, b.State())
	assert.Error(t, b.Allow())

	now = now.Add(31 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())
	assert.NoError(t, b.Allow())

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_NonTransientErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenProbes: 1})

	b.Record(ErrVersionStale)
	b.Record(ErrAuthFailure)
	b.Record(ErrMalformed)
	assert.Equal(t, BreakerClosed, b.State())

	b.Record(&TransientError{Method: "x", Err: assert.AnError})
	assert.Equal(t, BreakerOpen, b.State())
}

func TestNewRESTClient_MacaroonSentAsHeader(t *testing.T) {
	mac := []byte{0xde, 0xad, 0xbe, 0xef}
	path := t.TempDir() + "/admin.macaroon"
	require.NoError(t, os.WriteFile(path, mac, 0o600))

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Grpc-Metadata-Macaroon")
		w.Write([]byte(`{"alias":"node"}`))
	}))
	defer srv.Close()

	c, err := NewRESTClient(srv.URL, path, false, slog.Default())
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "deadbeef", got)
}

func TestNewRESTClient_MissingMacaroonFails(t *testing.T) {
	_, err := NewRESTClient("https://localhost:8080", "/nonexistent/admin.macaroon", false, slog.Default())
	assert.Error(t, err)
}
