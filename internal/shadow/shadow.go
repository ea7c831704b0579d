// Package shadow gates decisions by operating mode. In shadow mode every
// mutation is recorded as a counterfactual; in canary mode only
// whitelisted channels mutate for real. Shadowed decisions are persisted
// in exactly the same shape as live ones, so flipping the mode to active
// needs no data migration.
package shadow

import (
	"context"
	"log/slog"
	"time"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/store"
)

// Recorder decides which decisions may reach the executor and records
// the rest as shadowed.
type Recorder struct {
	cfg     *config.Config
	st      store.Store
	logger  *slog.Logger
	emitter events.Emitter
}

// NewRecorder creates a recorder.
func NewRecorder(cfg *config.Config, st store.Store, logger *slog.Logger, em events.Emitter) *Recorder {
	return &Recorder{cfg: cfg, st: st, logger: logger, emitter: em}
}

// Partition splits the tick's decisions into the set to execute and the
// set shadowed. Shadowed and awaiting-approval decisions have their
// status persisted here; the caller executes only the returned slice.
// Close decisions are never auto-executed: in active mode they are held
// for explicit operator approval.
func (r *Recorder) Partition(ctx context.Context, mode config.Mode, decisions []*ln.Decision) []*ln.Decision {
	var execute []*ln.Decision
	for _, d := range decisions {
		if !d.Kind.Mutating() {
			continue
		}

		live := mode == config.ModeActive ||
			(mode == config.ModeCanary && r.cfg.InCanaryWhitelist(string(d.ChannelID)))

		switch {
		case !live:
			r.record(ctx, d, mode, ln.StatusShadowed, "", "shadowed")
		case d.Kind == ln.CloseChannel:
			r.record(ctx, d, mode, ln.StatusPending, ln.ReasonAwaitingApproval,
				"close held for operator approval")
		default:
			execute = append(execute, d)
		}
	}
	return execute
}

func (r *Recorder) record(ctx context.Context, d *ln.Decision, mode config.Mode, status ln.DecisionStatus, code, note string) {
	d.Status = status
	d.ExecutionCode = code
	if err := r.st.UpdateDecision(ctx, d.DecisionID, status, note, code); err != nil {
		r.logger.Error("persist shadow transition failed", "decision", d.DecisionID, "err", err)
	}
	r.emitter.Emit(events.Event{
		Type:       events.TypeDecisionTransition,
		Severity:   events.SeverityInfo,
		ChannelID:  string(d.ChannelID),
		DecisionID: d.DecisionID,
		Data: map[string]interface{}{
			"status": string(status),
			"kind":   string(d.Kind),
			"mode":   string(mode),
		},
	})
}

// Report summarizes shadowed decisions by kind since a time.
type Report struct {
	Since  time.Time               `json:"since"`
	Counts map[ln.DecisionKind]int `json:"counts"`
	Total  int                     `json:"total"`
}

// BuildReport aggregates shadowed decision counts from the store.
func BuildReport(ctx context.Context, st store.Store, since time.Time) (*Report, error) {
	counts, err := st.ShadowCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &Report{Since: since, Counts: counts, Total: total}, nil
}
