// pilotd is the channel policy control daemon: it scores the node's
// channels on a fixed tick, decides fee and lifecycle actions, and
// executes them against the node within the configured safety envelope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lnpilot/backend/internal/adminapi"
	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/decision"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/executor"
	"github.com/lnpilot/backend/internal/metricstore"
	"github.com/lnpilot/backend/internal/nodeapi"
	"github.com/lnpilot/backend/internal/scheduler"
	"github.com/lnpilot/backend/internal/shadow"
	"github.com/lnpilot/backend/internal/store"
	"github.com/lnpilot/backend/internal/telemetry"
	"github.com/lnpilot/backend/internal/weights"
)

// Exit codes: 1 config, 2 store, 3 node.
const (
	exitConfig = 1
	exitStore  = 2
	exitNode   = 3
)

func main() {
	configPath := flag.String("config", "pilot.yaml", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(exitConfig)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	bus := events.NewBus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.PostgresDSN, cfg.Store.RedisAddr, cfg.Store.RedisDB)
	if err != nil {
		logger.Error("store unavailable", "err", err)
		os.Exit(exitStore)
	}
	defer st.Close()

	breakerCfg := nodeapi.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(from, to nodeapi.BreakerState) {
		metrics.BreakerState.Set(breakerGauge(to))
		logger.Warn("node breaker transition", "from", from.String(), "to", to.String())
		if to == nodeapi.BreakerOpen {
			bus.Emit(events.Event{
				Type:     events.TypeBreakerOpen,
				Severity: events.SeverityCritical,
				Data:     map[string]interface{}{"from": from.String()},
			})
		}
	}

	node, err := nodeapi.NewRESTClient(cfg.Node.BaseURL, cfg.Node.MacaroonPath, cfg.Node.TLSSkipVerify, logger,
		nodeapi.WithBreaker(nodeapi.NewBreaker(breakerCfg)),
		nodeapi.WithMetrics(metrics),
		nodeapi.WithTimeouts(
			time.Duration(cfg.Node.CallTimeoutSec)*time.Second,
			time.Duration(cfg.Node.CloseTimeoutSec)*time.Second))
	if err != nil {
		logger.Error("node client init failed", "err", err)
		os.Exit(exitNode)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = node.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Error("node unreachable", "url", cfg.Node.BaseURL, "err", err)
		os.Exit(exitNode)
	}

	mstore := metricstore.New(logger)
	dec := decision.New(cfg.Safety, cfg.Scoring, st, metrics, bus)
	exec := executor.New(node, st, cfg.Safety, cfg.Control.ExecutorWorkers, logger, bus, metrics)
	gate := shadow.NewRecorder(cfg, st, logger, bus)
	pipeline := scheduler.NewPipeline(cfg, node, mstore, st, dec, exec, gate, logger, bus, metrics)
	updater := weights.NewUpdater(st, logger, bus, metrics)

	// Reconcile anything a previous run left mid-transaction before the
	// first tick can mutate.
	if err := exec.RecoverOrphans(ctx); err != nil {
		logger.Error("startup recovery failed", "err", err)
		os.Exit(exitStore)
	}

	admin := adminapi.New(cfg, st, exec, bus, reg, logger)
	go func() {
		if err := admin.ListenAndServe(); err != nil {
			logger.Error("admin api stopped", "err", err)
		}
	}()

	sched := scheduler.New(logger, bus, metrics,
		scheduler.Task{Name: "control_tick", Every: cfg.TickInterval(), Run: pipeline.RunTick},
		scheduler.Task{Name: "weight_update", Every: cfg.WeightUpdateInterval(), Run: func(ctx context.Context) error {
			_, err := updater.Update(ctx)
			return err
		}},
	)

	logger.Info("pilotd started",
		"mode", string(cfg.EffectiveMode()),
		"tick_interval", cfg.TickInterval().String(),
		"node", cfg.Node.BaseURL)

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.Control.ShutdownGraceSeconds)

	// Give in-flight mutations their grace window to finish or roll back.
	select {
	case <-done:
	case <-time.After(time.Duration(cfg.Control.ShutdownGraceSeconds) * time.Second):
		logger.Warn("grace period expired, exiting with work in flight")
	}
}

func breakerGauge(s nodeapi.BreakerState) float64 {
	switch s {
	case nodeapi.BreakerOpen:
		return 2
	case nodeapi.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
