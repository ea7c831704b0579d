package executor

import (
	"context"
	"fmt"

	"github.com/lnpilot/backend/internal/ln"
)

// RecoverOrphans reconciles decisions a crash left mid-transaction. For
// every non-terminal mutating decision:
//
//   - no transaction_id yet: the backup was never written, nothing could
//     have reached the node; reject as recovered_pre_apply.
//   - backup exists, node still on the backup's version: the apply never
//     landed; reject as recovered_pre_apply.
//   - node carries the proposed values on a newer version: the apply
//     landed but the result write was lost; mark executed.
//   - anything else: attempt one rollback to the backup.
//
// Called once at startup before the scheduler begins.
func (e *Executor) RecoverOrphans(ctx context.Context) error {
	var orphans []ln.Decision
	for _, status := range []ln.DecisionStatus{ln.StatusPending, ln.StatusApproved} {
		ds, err := e.st.DecisionsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s decisions: %w", status, err)
		}
		orphans = append(orphans, ds...)
	}

	for i := range orphans {
		d := &orphans[i]
		if d.ExecutionCode == ln.ReasonAwaitingApproval || d.ExecutionCode == ln.ReasonOperatorApproved {
			// Close decisions parked in the approval flow are not
			// orphans; they survive restarts untouched.
			continue
		}
		if !d.Kind.Mutating() {
			// A pending NO_ACTION is just an unflushed transition.
			e.finish(d, ln.StatusRejected, "recovered at startup", ln.ReasonRecoveredPreApply)
			continue
		}
		if err := e.recoverOne(ctx, d); err != nil {
			e.logger.Error("orphan recovery failed", "decision", d.DecisionID, "err", err)
		}
	}
	if len(orphans) > 0 {
		e.logger.Info("startup recovery finished", "orphans", len(orphans))
	}
	return nil
}

func (e *Executor) recoverOne(ctx context.Context, d *ln.Decision) error {
	if d.TransactionID == "" {
		e.finish(d, ln.StatusRejected, "crash before backup write", ln.ReasonRecoveredPreApply)
		return nil
	}

	backup, err := e.st.BackupByTransaction(ctx, d.TransactionID)
	if err != nil {
		// Transaction id assigned but backup write lost: the apply was
		// gated on the backup, so nothing reached the node.
		e.finish(d, ln.StatusRejected, "crash before backup persisted", ln.ReasonRecoveredPreApply)
		return nil
	}

	current, err := e.node.GetPolicy(ctx, d.ChannelID)
	if err != nil {
		return fmt.Errorf("fetch policy for %s: %w", d.ChannelID, err)
	}

	switch {
	case current.Version == backup.Policy.Version:
		e.finish(d, ln.StatusRejected, "node unchanged across crash", ln.ReasonRecoveredPreApply)
	case current.MatchesPatch(d.Proposed):
		e.finish(d, ln.StatusExecuted, "apply confirmed during recovery", "applied")
		e.setCooldown(ctx, d.ChannelID)
	default:
		// The node is on a version we cannot account for; restore once.
		e.rollbackAfterFailedApply(ctx, d, backup, fmt.Errorf("interrupted apply"))
	}
	return nil
}
