// Package scheduler drives the periodic control tick and the adaptive
// weight task. Both run on one goroutine, so a tick and a weight update
// can never overlap; a task that outruns its period causes the next fire
// to be skipped rather than queued.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/telemetry"
)

// Task is one periodic unit of work.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler serializes its tasks on a single goroutine.
type Scheduler struct {
	tasks   []Task
	logger  *slog.Logger
	emitter events.Emitter
	metrics *telemetry.Metrics
}

// New creates a scheduler over the given tasks. The run loop selects
// over at most two tickers; a third task would register a ticker that
// never fires.
func New(logger *slog.Logger, em events.Emitter, m *telemetry.Metrics, tasks ...Task) *Scheduler {
	if len(tasks) > 2 {
		panic("scheduler: at most two tasks supported")
	}
	return &Scheduler{tasks: tasks, logger: logger, emitter: em, metrics: m}
}

// Run blocks until ctx is cancelled. Each task fires immediately once,
// then on its period.
func (s *Scheduler) Run(ctx context.Context) {
	tickers := make([]*time.Ticker, len(s.tasks))
	for i, t := range s.tasks {
		tickers[i] = time.NewTicker(t.Every)
		defer tickers[i].Stop()
		s.runTask(ctx, t, tickers[i])
		if ctx.Err() != nil {
			return
		}
	}

	for {
		// Single-goroutine select keeps tasks strictly serialized.
		fired := -1
		select {
		case <-ctx.Done():
			return
		case <-tickers[0].C:
			fired = 0
		case <-chanOrNil(tickers, 1):
			fired = 1
		}
		s.runTask(ctx, s.tasks[fired], tickers[fired])
	}
}

// chanOrNil returns the i-th ticker channel, or a nil channel (never
// ready) when there is no such task.
func chanOrNil(tickers []*time.Ticker, i int) <-chan time.Time {
	if i >= len(tickers) {
		return nil
	}
	return tickers[i].C
}

func (s *Scheduler) runTask(ctx context.Context, t Task, tk *time.Ticker) {
	start := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("task failed", "task", t.Name, "err", err)
	}
	elapsed := time.Since(start)

	if elapsed > t.Every {
		if s.metrics != nil {
			s.metrics.TickLag.Inc()
		}
		s.logger.Warn("task overran its period", "task", t.Name,
			"elapsed", elapsed.Round(time.Millisecond), "period", t.Every)
		s.emitter.Emit(events.Event{
			Type:     events.TypeSchedulerLag,
			Severity: events.SeverityWarning,
			Data: map[string]interface{}{
				"task":       t.Name,
				"elapsed_ms": elapsed.Milliseconds(),
				"period_ms":  t.Every.Milliseconds(),
			},
		})
	}

	// Drain fires that queued while the task ran; each is a skipped run.
	for {
		select {
		case <-tk.C:
			if s.metrics != nil {
				s.metrics.TicksSkipped.Inc()
			}
			s.logger.Warn("skipping queued fire", "task", t.Name)
		default:
			return
		}
	}
}
