// Package executor is the sole mutator of channel policy. Every apply is
// bracketed by a durable backup and a single rollback attempt, so after
// any decision completes the node policy equals either the prior or the
// proposed version. Channels whose rollback failed are marked
// do-not-touch until an operator clears them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/nodeapi"
	"github.com/lnpilot/backend/internal/store"
	"github.com/lnpilot/backend/internal/telemetry"
)

// persistTimeout bounds every store write on the mutation path; when it
// expires the mutation is not attempted.
const persistTimeout = 5 * time.Second

// Rollback outcome errors.
var (
	// ErrAlreadyRolledBack means the transaction was rolled back before.
	ErrAlreadyRolledBack = errors.New("executor: already rolled back")
	// ErrRollbackConflict means the node's policy is not the one this
	// transaction produced, so restoring the backup would clobber a
	// foreign change.
	ErrRollbackConflict = errors.New("executor: rollback conflict")
	// ErrBackupExpired means the backup passed its TTL.
	ErrBackupExpired = errors.New("executor: backup expired")
	// errAuthAbort aborts the remaining mutations of a tick.
	errAuthAbort = errors.New("executor: authorization failed, aborting tick")
)

// Executor applies approved decisions to the node.
type Executor struct {
	node    nodeapi.Client
	st      store.Store
	safety  config.SafetyConfig
	workers int
	locks   *channelLocks
	logger  *slog.Logger
	emitter events.Emitter
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures the executor.
type Option func(*Executor)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor with a bounded per-tick worker pool.
func New(node nodeapi.Client, st store.Store, safety config.SafetyConfig, workers int, logger *slog.Logger, em events.Emitter, m *telemetry.Metrics, opts ...Option) *Executor {
	if workers <= 0 {
		workers = 4
	}
	e := &Executor{
		node:    node,
		st:      st,
		safety:  safety,
		workers: workers,
		locks:   newChannelLocks(),
		logger:  logger,
		emitter: em,
		metrics: m,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteBatch fans the tick's approved decisions out over the worker
// pool. Cancellation mid-batch lets started mutations finish (including
// their rollback) and skips the rest. An authorization failure aborts
// everything not yet started.
func (e *Executor) ExecuteBatch(ctx context.Context, decisions []*ln.Decision) {
	work := make(chan *ln.Decision)
	var wg sync.WaitGroup
	var authFailed sync.Once
	aborted := make(chan struct{})

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				if err := e.Execute(ctx, d); errors.Is(err, errAuthAbort) {
					authFailed.Do(func() { close(aborted) })
				}
			}
		}()
	}

dispatch:
	for _, d := range decisions {
		select {
		case <-ctx.Done():
			break dispatch
		case <-aborted:
			break dispatch
		case work <- d:
		}
	}
	close(work)
	wg.Wait()
}

// Execute runs one approved decision through the full apply protocol.
// The decision's status and execution result are updated in place and
// persisted; errors beyond errAuthAbort are fully materialized in the
// decision and not returned.
func (e *Executor) Execute(ctx context.Context, d *ln.Decision) error {
	if !d.Kind.Mutating() {
		return nil
	}

	// A decision already executed is never retried.
	if d.Status == ln.StatusExecuted {
		return nil
	}

	if !e.locks.tryAcquire(string(d.ChannelID)) {
		e.finish(d, ln.StatusRejected, "another mutation holds the channel lock", ln.ReasonConcurrent)
		return nil
	}
	defer e.locks.release(string(d.ChannelID))

	if dnt, err := e.st.IsDoNotTouch(ctx, d.ChannelID); err == nil && dnt {
		e.finish(d, ln.StatusRejected, "channel is marked do-not-touch", "do_not_touch")
		return nil
	}

	// Re-fetch and verify the version we decided against still holds.
	current, err := e.node.GetPolicy(ctx, d.ChannelID)
	if err != nil {
		if errors.Is(err, nodeapi.ErrAuthFailure) {
			e.finish(d, ln.StatusRejected, "node authorization failed", "auth_failure")
			return errAuthAbort
		}
		e.finish(d, ln.StatusRejected, fmt.Sprintf("policy fetch failed: %v", err), "io_failure")
		return nil
	}
	// Closes do not depend on the fee policy version; an approved close
	// stays valid across intervening fee changes.
	if d.Kind != ln.CloseChannel && current.Version != d.PriorPolicyVersion {
		e.finish(d, ln.StatusRejected, fmt.Sprintf("version moved %d -> %d", d.PriorPolicyVersion, current.Version), ln.ReasonVersionStale)
		e.countApply("version_stale")
		return nil
	}

	// Write-ahead: transaction id + durable backup before any mutation.
	d.TransactionID = uuid.NewString()
	backup := &ln.PolicyBackup{
		BackupID:      uuid.NewString(),
		TransactionID: d.TransactionID,
		ChannelID:     d.ChannelID,
		Policy:        current,
		CreatedAt:     e.now(),
		ExpiresAt:     e.now().Add(ln.DefaultBackupTTL),
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	err = e.st.AttachTransaction(pctx, d.DecisionID, d.TransactionID)
	if err == nil {
		err = e.st.SaveBackup(pctx, backup)
	}
	if err == nil {
		err = e.st.UpdateDecision(pctx, d.DecisionID, ln.StatusApproved, "", "")
	}
	cancel()
	if err != nil {
		// Persistence not confirmed: the mutation must not happen.
		e.finish(d, ln.StatusRejected, fmt.Sprintf("backup persist failed: %v", err), "persistence_failure")
		return nil
	}
	d.Status = ln.StatusApproved

	switch d.Kind {
	case ln.CloseChannel:
		return e.executeClose(ctx, d)
	default:
		return e.executeApply(ctx, d, current, backup)
	}
}

func (e *Executor) executeApply(ctx context.Context, d *ln.Decision, current ln.ChannelPolicy, backup *ln.PolicyBackup) error {
	proposed := d.Proposed.ApplyTo(current)

	result, err := e.node.ApplyPolicy(ctx, d.ChannelID, proposed, current.Version)
	if err == nil {
		e.countApply("success")
		e.finish(d, ln.StatusExecuted,
			"applied version="+strconv.FormatInt(result.NewVersion, 10), "applied")
		e.setCooldown(ctx, d.ChannelID)
		e.emitApply(d, true, nil)
		return nil
	}

	if errors.Is(err, nodeapi.ErrAuthFailure) {
		e.countApply("auth_failure")
		e.finish(d, ln.StatusRejected, "node authorization failed", "auth_failure")
		return errAuthAbort
	}
	e.countApply(applyOutcome(err))
	e.emitApply(d, false, err)

	// One restoration attempt from the backup.
	e.rollbackAfterFailedApply(ctx, d, backup, err)
	return nil
}

// rollbackAfterFailedApply restores the backup once. Success is recovery
// (rolled_back); failure marks the channel do-not-touch.
func (e *Executor) rollbackAfterFailedApply(ctx context.Context, d *ln.Decision, backup *ln.PolicyBackup, applyErr error) {
	current, err := e.node.GetPolicy(ctx, d.ChannelID)
	if err == nil && current.Version == backup.Policy.Version {
		// The apply never landed; node still holds the prior policy.
		e.finish(d, ln.StatusRolledBack,
			fmt.Sprintf("apply failed (%v), node unchanged", applyErr), "rolled_back")
		e.countRollback("success")
		e.emitRollback(d, true)
		return
	}

	restoreVersion := backup.Policy.Version
	if err == nil {
		restoreVersion = current.Version
	}
	if _, rbErr := e.node.ApplyPolicy(ctx, d.ChannelID, backup.Policy, restoreVersion); rbErr == nil {
		e.finish(d, ln.StatusRolledBack,
			fmt.Sprintf("apply failed (%v), backup restored", applyErr), "rolled_back")
		e.countRollback("success")
		e.emitRollback(d, true)
		return
	}

	e.finish(d, ln.StatusFailed,
		fmt.Sprintf("apply failed (%v) and restore failed", applyErr), "rollback_failed")
	e.countRollback("failure")
	e.emitRollback(d, false)
	e.markDoNotTouch(ctx, d, "rollback failed after apply failure")
}

func (e *Executor) executeClose(ctx context.Context, d *ln.Decision) error {
	result, err := e.node.CloseChannel(ctx, d.ChannelID, false)
	if err != nil {
		if errors.Is(err, nodeapi.ErrAuthFailure) {
			e.finish(d, ln.StatusRejected, "node authorization failed", "auth_failure")
			return errAuthAbort
		}
		e.finish(d, ln.StatusFailed, fmt.Sprintf("close failed: %v", err), "close_failed")
		return nil
	}
	e.finish(d, ln.StatusExecuted, "closing txid="+result.ClosingTxID, "closed")
	e.setCooldown(ctx, d.ChannelID)
	return nil
}

// Rollback is the operator-facing rollback of a completed transaction.
// It succeeds only when the node still carries the policy this
// transaction produced.
func (e *Executor) Rollback(ctx context.Context, transactionID, reason string) error {
	backup, err := e.st.BackupByTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	if backup.Expired(e.now()) {
		return ErrBackupExpired
	}
	d, err := e.st.DecisionByTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load decision: %w", err)
	}
	if d.Status == ln.StatusRolledBack {
		return ErrAlreadyRolledBack
	}
	if d.Status != ln.StatusExecuted {
		return fmt.Errorf("executor: transaction %s is %s, not executed", transactionID, d.Status)
	}

	if !e.locks.tryAcquire(string(d.ChannelID)) {
		return fmt.Errorf("executor: channel %s busy", d.ChannelID)
	}
	defer e.locks.release(string(d.ChannelID))

	current, err := e.node.GetPolicy(ctx, d.ChannelID)
	if err != nil {
		return fmt.Errorf("fetch current policy: %w", err)
	}
	// The latest version must be ours: the policy carries exactly the
	// values the decision set. Anything else means a foreign change
	// landed after us.
	if !current.MatchesPatch(d.Proposed) {
		e.countRollback("conflict")
		return ErrRollbackConflict
	}

	if _, err := e.node.ApplyPolicy(ctx, d.ChannelID, backup.Policy, current.Version); err != nil {
		e.countRollback("failure")
		return fmt.Errorf("restore backup: %w", err)
	}
	e.countRollback("success")
	e.finish(d, ln.StatusRolledBack, "operator rollback: "+reason, "rolled_back")
	e.emitRollback(d, true)
	return nil
}

// ----------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------

// finish updates the in-memory decision and persists the transition.
func (e *Executor) finish(d *ln.Decision, status ln.DecisionStatus, result, code string) {
	d.Status = status
	d.ExecutionResult = result
	d.ExecutionCode = code

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.st.UpdateDecision(ctx, d.DecisionID, status, result, code); err != nil {
		e.logger.Error("persist decision transition failed",
			"decision", d.DecisionID, "status", status, "err", err)
	}
	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(string(d.Kind), string(status)).Inc()
	}
	e.emitter.Emit(events.Event{
		Type:          events.TypeDecisionTransition,
		Severity:      events.SeverityInfo,
		ChannelID:     string(d.ChannelID),
		DecisionID:    d.DecisionID,
		TransactionID: d.TransactionID,
		Data: map[string]interface{}{
			"status": string(status),
			"kind":   string(d.Kind),
			"code":   code,
		},
	})
}

func (e *Executor) setCooldown(ctx context.Context, id ln.ChannelID) {
	if err := e.st.SetCooldown(ctx, id, e.safety.Cooldown()); err != nil {
		e.logger.Error("set cooldown failed", "channel", id, "err", err)
	}
}

func (e *Executor) markDoNotTouch(ctx context.Context, d *ln.Decision, reason string) {
	if err := e.st.MarkDoNotTouch(ctx, d.ChannelID, reason); err != nil {
		e.logger.Error("mark do-not-touch failed", "channel", d.ChannelID, "err", err)
	}
	e.emitter.Emit(events.Event{
		Type:          events.TypeDoNotTouch,
		Severity:      events.SeverityCritical,
		ChannelID:     string(d.ChannelID),
		DecisionID:    d.DecisionID,
		TransactionID: d.TransactionID,
		Data:          map[string]interface{}{"reason": reason},
	})
}

func (e *Executor) emitApply(d *ln.Decision, ok bool, err error) {
	sev := events.SeverityInfo
	data := map[string]interface{}{"success": ok}
	if err != nil {
		sev = events.SeverityWarning
		data["error"] = err.Error()
	}
	e.emitter.Emit(events.Event{
		Type:          events.TypeApplyOutcome,
		Severity:      sev,
		ChannelID:     string(d.ChannelID),
		DecisionID:    d.DecisionID,
		TransactionID: d.TransactionID,
		Data:          data,
	})
}

func (e *Executor) emitRollback(d *ln.Decision, ok bool) {
	sev := events.SeverityInfo
	if !ok {
		sev = events.SeverityCritical
	}
	e.emitter.Emit(events.Event{
		Type:          events.TypeRollbackOutcome,
		Severity:      sev,
		ChannelID:     string(d.ChannelID),
		DecisionID:    d.DecisionID,
		TransactionID: d.TransactionID,
		Data:          map[string]interface{}{"success": ok},
	})
}

func (e *Executor) countApply(outcome string) {
	if e.metrics != nil {
		e.metrics.ApplyTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Executor) countRollback(outcome string) {
	if e.metrics != nil {
		e.metrics.RollbackTotal.WithLabelValues(outcome).Inc()
	}
}

func applyOutcome(err error) string {
	switch {
	case errors.Is(err, nodeapi.ErrVersionStale):
		return "version_stale"
	case errors.Is(err, nodeapi.ErrAuthFailure):
		return "auth_failure"
	default:
		return "io_failure"
	}
}
