package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/lnpilot/backend/internal/ln"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// SQLStore is the Postgres + Redis implementation of Store. Redis is
// optional: when absent, cooldown reads fall back to decision history so
// the loop stays restart-safe either way.
type SQLStore struct {
	db  *sql.DB
	rdb *redis.Client
	now func() time.Time
}

// Open connects to Postgres and, when addr is non-empty, Redis.
func Open(ctx context.Context, postgresDSN, redisAddr string, redisDB int) (*SQLStore, error) {
	db, err := sql.Open("postgres", postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLStore{db: db, now: time.Now}

	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         redisAddr,
			DB:           redisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Redis is a cache here, not the source of truth.
			rdb.Close()
		} else {
			s.rdb = rdb
		}
	}

	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases both connections.
func (s *SQLStore) Close() error {
	if s.rdb != nil {
		s.rdb.Close()
	}
	return s.db.Close()
}

// Ping verifies Postgres is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id     TEXT PRIMARY KEY,
			tick_id         TEXT NOT NULL,
			channel_id      TEXT NOT NULL,
			kind            TEXT NOT NULL,
			confidence      DOUBLE PRECISION NOT NULL,
			proposed        JSONB NOT NULL,
			prior_version   BIGINT NOT NULL,
			reason          JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			status          TEXT NOT NULL,
			exec_result     TEXT NOT NULL DEFAULT '',
			exec_code       TEXT NOT NULL DEFAULT '',
			transaction_id  TEXT NOT NULL DEFAULT '',
			UNIQUE (channel_id, tick_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_channel_created
			ON decisions (channel_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_status
			ON decisions (status)`,
		`CREATE TABLE IF NOT EXISTS policy_backups (
			backup_id       TEXT PRIMARY KEY,
			transaction_id  TEXT NOT NULL,
			channel_id      TEXT NOT NULL,
			policy          JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_transaction
			ON policy_backups (transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_channel
			ON policy_backups (channel_id)`,
		`CREATE TABLE IF NOT EXISTS weights_versions (
			version      BIGINT PRIMARY KEY,
			weights      JSONB NOT NULL,
			activated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			channel_id  TEXT NOT NULL,
			tick_id     TEXT NOT NULL,
			total       DOUBLE PRECISION NOT NULL,
			sub_scores  JSONB NOT NULL,
			stale       BOOLEAN NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (channel_id, tick_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_channel_computed
			ON scores (channel_id, computed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS metrics_latest (
			channel_id  TEXT PRIMARY KEY,
			metrics     JSONB NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_hourly (
			channel_id  TEXT NOT NULL,
			hour        TIMESTAMPTZ NOT NULL,
			metrics     JSONB NOT NULL,
			PRIMARY KEY (channel_id, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS operator_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_flags (
			channel_id TEXT PRIMARY KEY,
			flag       TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			set_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			channel_id TEXT PRIMARY KEY,
			until      TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ----------------------------------------------------------------
// Decisions
// ----------------------------------------------------------------

func (s *SQLStore) SaveDecision(ctx context.Context, d *ln.Decision) error {
	proposed, err := json.Marshal(d.Proposed)
	if err != nil {
		return fmt.Errorf("marshal proposed policy: %w", err)
	}
	reason, err := json.Marshal(d.Reason)
	if err != nil {
		return fmt.Errorf("marshal reason: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(decision_id, tick_id, channel_id, kind, confidence, proposed,
			 prior_version, reason, created_at, status, exec_result, exec_code, transaction_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.DecisionID, d.TickID, string(d.ChannelID), string(d.Kind), d.Confidence,
		proposed, d.PriorPolicyVersion, reason, d.CreatedAt, string(d.Status),
		d.ExecutionResult, d.ExecutionCode, d.TransactionID)
	if err != nil {
		return fmt.Errorf("save decision %s: %w", d.DecisionID, err)
	}
	return nil
}

func (s *SQLStore) UpdateDecision(ctx context.Context, decisionID string, status ln.DecisionStatus, resultText, resultCode string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status=$2, exec_result=$3, exec_code=$4
		WHERE decision_id=$1`,
		decisionID, string(status), resultText, resultCode)
	if err != nil {
		return fmt.Errorf("update decision %s: %w", decisionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const decisionColumns = `decision_id, tick_id, channel_id, kind, confidence, proposed,
	prior_version, reason, created_at, status, exec_result, exec_code, transaction_id`

func scanDecision(row interface {
	Scan(dest ...interface{}) error
}) (*ln.Decision, error) {
	var d ln.Decision
	var channelID, kind, status string
	var proposed, reason []byte
	if err := row.Scan(&d.DecisionID, &d.TickID, &channelID, &kind, &d.Confidence,
		&proposed, &d.PriorPolicyVersion, &reason, &d.CreatedAt, &status,
		&d.ExecutionResult, &d.ExecutionCode, &d.TransactionID); err != nil {
		return nil, err
	}
	d.ChannelID = ln.ChannelID(channelID)
	d.Kind = ln.DecisionKind(kind)
	d.Status = ln.DecisionStatus(status)
	if err := json.Unmarshal(proposed, &d.Proposed); err != nil {
		return nil, fmt.Errorf("decode proposed policy: %w", err)
	}
	if err := json.Unmarshal(reason, &d.Reason); err != nil {
		return nil, fmt.Errorf("decode reason: %w", err)
	}
	return &d, nil
}

func (s *SQLStore) GetDecision(ctx context.Context, decisionID string) (*ln.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id=$1`, decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLStore) AttachTransaction(ctx context.Context, decisionID, transactionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET transaction_id=$2 WHERE decision_id=$1`,
		decisionID, transactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DecisionByTransaction(ctx context.Context, transactionID string) (*ln.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE transaction_id=$1`, transactionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLStore) queryDecisions(ctx context.Context, query string, args ...interface{}) ([]ln.Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ln.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLStore) DecisionsByChannelSince(ctx context.Context, id ln.ChannelID, since time.Time) ([]ln.Decision, error) {
	return s.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE channel_id=$1 AND created_at >= $2
		 ORDER BY created_at DESC`, string(id), since)
}

func (s *SQLStore) LastExecuted(ctx context.Context, id ln.ChannelID) (*ln.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE channel_id=$1 AND status=$2 AND kind <> $3
		 ORDER BY created_at DESC LIMIT 1`,
		string(id), string(ln.StatusExecuted), string(ln.NoAction))
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *SQLStore) DecisionsByStatus(ctx context.Context, status ln.DecisionStatus) ([]ln.Decision, error) {
	return s.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE status=$1 ORDER BY created_at ASC`, string(status))
}

func (s *SQLStore) ExecutedBetween(ctx context.Context, from, to time.Time) ([]ln.Decision, error) {
	return s.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE status=$1 AND kind <> $2 AND created_at >= $3 AND created_at < $4
		 ORDER BY created_at ASC`,
		string(ln.StatusExecuted), string(ln.NoAction), from, to)
}

func (s *SQLStore) ShadowCounts(ctx context.Context, since time.Time) (map[ln.DecisionKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM decisions
		WHERE status=$1 AND created_at >= $2
		GROUP BY kind`, string(ln.StatusShadowed), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ln.DecisionKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[ln.DecisionKind(kind)] = n
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------
// Scores
// ----------------------------------------------------------------

func (s *SQLStore) SaveScore(ctx context.Context, sc *ln.ChannelScore) error {
	sub, err := json.Marshal(sc.Sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scores (channel_id, tick_id, total, sub_scores, stale, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (channel_id, tick_id) DO NOTHING`,
		string(sc.ChannelID), sc.TickID, sc.Total, sub, sc.StaleInputs, sc.ComputedAt)
	return err
}

func (s *SQLStore) LowScoreSince(ctx context.Context, id ln.ChannelID, threshold float64, since time.Time) (bool, error) {
	// Sustained means: scores exist spanning the window and none reached
	// the threshold.
	var total, above int
	var earliest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE total >= $3),
		       MIN(computed_at)
		FROM scores WHERE channel_id=$1 AND computed_at >= $2`,
		string(id), since, threshold).Scan(&total, &above, &earliest)
	if err != nil {
		return false, err
	}
	if total == 0 || above > 0 || !earliest.Valid {
		return false, nil
	}
	// The record must actually reach back to the start of the window,
	// within one tick of slack.
	return earliest.Time.Sub(since) < time.Hour, nil
}

// ----------------------------------------------------------------
// Backups
// ----------------------------------------------------------------

func (s *SQLStore) SaveBackup(ctx context.Context, b *ln.PolicyBackup) error {
	policy, err := json.Marshal(b.Policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_backups (backup_id, transaction_id, channel_id, policy, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		b.BackupID, b.TransactionID, string(b.ChannelID), policy, b.CreatedAt, b.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", b.BackupID, err)
	}
	return nil
}

func (s *SQLStore) BackupByTransaction(ctx context.Context, transactionID string) (*ln.PolicyBackup, error) {
	var b ln.PolicyBackup
	var channelID string
	var policy []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT backup_id, transaction_id, channel_id, policy, created_at, expires_at
		FROM policy_backups WHERE transaction_id=$1`, transactionID).
		Scan(&b.BackupID, &b.TransactionID, &channelID, &policy, &b.CreatedAt, &b.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.ChannelID = ln.ChannelID(channelID)
	if err := json.Unmarshal(policy, &b.Policy); err != nil {
		return nil, fmt.Errorf("decode backup policy: %w", err)
	}
	return &b, nil
}

// ----------------------------------------------------------------
// Weights
// ----------------------------------------------------------------

func (s *SQLStore) SaveWeights(ctx context.Context, w *ln.Weights) error {
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO weights_versions (version, weights, activated_at)
		VALUES ($1,$2,$3)`, w.Version, buf, w.ActivatedAt)
	return err
}

func (s *SQLStore) LatestWeights(ctx context.Context) (*ln.Weights, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT weights FROM weights_versions
		ORDER BY version DESC LIMIT 1`).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w ln.Weights
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ----------------------------------------------------------------
// Metric snapshots
// ----------------------------------------------------------------

func (s *SQLStore) SaveMetricsLatest(ctx context.Context, m *ln.ChannelMetrics) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics_latest (channel_id, metrics, observed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (channel_id) DO UPDATE
		SET metrics=EXCLUDED.metrics, observed_at=EXCLUDED.observed_at
		WHERE metrics_latest.observed_at <= EXCLUDED.observed_at`,
		string(m.ChannelID), buf, m.ObservedAt)
	return err
}

func (s *SQLStore) SaveMetricsHourly(ctx context.Context, m *ln.ChannelMetrics, hour time.Time) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics_hourly (channel_id, hour, metrics)
		VALUES ($1,$2,$3)
		ON CONFLICT (channel_id, hour) DO UPDATE SET metrics=EXCLUDED.metrics`,
		string(m.ChannelID), hour.Truncate(time.Hour), buf)
	return err
}

func (s *SQLStore) ForwardVolumeNear(ctx context.Context, id ln.ChannelID, t time.Time, tolerance time.Duration) (int64, bool, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT metrics FROM metrics_hourly
		WHERE channel_id=$1 AND hour BETWEEN $2 AND $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (hour - $4::timestamptz))) ASC
		LIMIT 1`,
		string(id), t.Add(-tolerance), t.Add(tolerance), t).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var m ln.ChannelMetrics
	if err := json.Unmarshal(buf, &m); err != nil {
		return 0, false, err
	}
	return m.Forwards7dVolume, true, nil
}

// ----------------------------------------------------------------
// Cooldowns and flags
// ----------------------------------------------------------------

func cooldownKey(id ln.ChannelID) string { return "cooldown:" + string(id) }
func dntKey(id ln.ChannelID) string      { return "dnt:" + string(id) }

func (s *SQLStore) SetCooldown(ctx context.Context, id ln.ChannelID, d time.Duration) error {
	until := s.now().Add(d)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (channel_id, until) VALUES ($1,$2)
		ON CONFLICT (channel_id) DO UPDATE SET until=EXCLUDED.until`,
		string(id), until); err != nil {
		return err
	}
	if s.rdb != nil {
		// Best-effort cache; Postgres row is the source of truth.
		s.rdb.Set(ctx, cooldownKey(id), until.Format(time.RFC3339), d)
	}
	return nil
}

func (s *SQLStore) CooldownRemaining(ctx context.Context, id ln.ChannelID) (time.Duration, error) {
	if s.rdb != nil {
		if ttl, err := s.rdb.TTL(ctx, cooldownKey(id)).Result(); err == nil && ttl > 0 {
			return ttl, nil
		}
	}
	var until time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM cooldowns WHERE channel_id=$1`, string(id)).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := until.Sub(s.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *SQLStore) MarkDoNotTouch(ctx context.Context, id ln.ChannelID, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_flags (channel_id, flag, reason, set_at)
		VALUES ($1,'do_not_touch',$2,$3)
		ON CONFLICT (channel_id) DO UPDATE SET reason=EXCLUDED.reason, set_at=EXCLUDED.set_at`,
		string(id), reason, s.now()); err != nil {
		return err
	}
	if s.rdb != nil {
		s.rdb.Set(ctx, dntKey(id), reason, 0)
	}
	return nil
}

func (s *SQLStore) IsDoNotTouch(ctx context.Context, id ln.ChannelID) (bool, error) {
	if s.rdb != nil {
		if n, err := s.rdb.Exists(ctx, dntKey(id)).Result(); err == nil {
			return n > 0, nil
		}
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM channel_flags WHERE channel_id=$1 AND flag='do_not_touch'`,
		string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) ClearDoNotTouch(ctx context.Context, id ln.ChannelID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_flags WHERE channel_id=$1 AND flag='do_not_touch'`,
		string(id)); err != nil {
		return err
	}
	if s.rdb != nil {
		s.rdb.Del(ctx, dntKey(id))
	}
	return nil
}

// ----------------------------------------------------------------
// Operator mode
// ----------------------------------------------------------------

func (s *SQLStore) SaveMode(ctx context.Context, mode string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_state (key, value) VALUES ('mode',$1)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, mode)
	return err
}

func (s *SQLStore) GetMode(ctx context.Context) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operator_state WHERE key='mode'`).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return mode, err
}

// PruneExpired deletes expired backups, old decisions and old hourly
// aggregates. The weight updater calls it on its own cadence.
func (s *SQLStore) PruneExpired(ctx context.Context) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_backups WHERE expires_at < $1`, now); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE created_at < $1`, now.Add(-DecisionRetention)); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics_hourly WHERE hour < $1`, now.Add(-HourlyRetention)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cooldowns WHERE until < $1`, now)
	return err
}
