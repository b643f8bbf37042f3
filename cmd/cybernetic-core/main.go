// Package main — cmd/cybernetic-core/main.go
//
// Cybernetic control-plane node entrypoint.
//
// Startup sequence:
//  1. Load and validate config from the path named by -config.
//  2. Initialise structured logger (zap, JSON format).
//  3. Build the telemetry bus and Prometheus sink.
//  4. Open the audit ledger, if enabled, and prune stale entries.
//  5. Start the S2 Coordinator, S3 RateLimiter, CentralAggregator,
//     breaker Registry, CB Alerts manager, and Goldrush pipeline.
//  6. Start the SharedLLM Router.
//  7. Wire the five VSM message handlers, which resolve their Transport
//     lazily at publish time.
//  8. Select and start the Transport (broker-backed if configured with a
//     URL, in-memory otherwise — refusing in-memory in production).
//  9. Start the Prometheus metrics HTTP server.
// 10. Start the read-only operator introspection socket.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context.
//  2. Close the Transport (and the broker connection manager, if any),
//     SharedLLM Router, Goldrush pipeline, Alerts manager, Aggregator,
//     RateLimiter, and Coordinator, in that order.
//  3. Detach and close the audit ledger.
//  4. Flush the logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cybernetic-system/core/internal/aggregator"
	"github.com/cybernetic-system/core/internal/alerts"
	"github.com/cybernetic-system/core/internal/breaker"
	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/connmgr"
	"github.com/cybernetic-system/core/internal/coordinator"
	"github.com/cybernetic-system/core/internal/goldrush"
	"github.com/cybernetic-system/core/internal/ledger"
	"github.com/cybernetic-system/core/internal/operator"
	"github.com/cybernetic-system/core/internal/ratelimiter"
	"github.com/cybernetic-system/core/internal/sharedllm"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/transport"
	"github.com/cybernetic-system/core/internal/vsm"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

func main() {
	configPath := flag.String("config", "/etc/cybernetic-core/config.yaml", "Path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cybernetic-core starting",
		zap.String("node_id", cfg.NodeID),
		zap.String("environment", string(cfg.Environment)),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := telemetry.NewBus(log)
	metrics := telemetry.NewMetrics()
	telemetry.NewPromSink(bus, metrics, log)

	var ldgr *ledger.Ledger
	var ledgerSub *ledger.Subscriber
	if cfg.Ledger.Enabled {
		ldgr, err = ledger.Open(cfg.Ledger.Path, cfg.Ledger.RetentionDays, log)
		if err != nil {
			log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Ledger.Path))
		}
		defer ldgr.Close() //nolint:errcheck
		if deleted, err := ldgr.PruneOld(); err != nil {
			log.Warn("ledger pruning failed", zap.Error(err))
		} else {
			log.Info("ledger pruned", zap.Int("deleted", deleted))
		}
		ledgerSub = ledger.Attach(bus, ldgr)
		defer ledgerSub.Detach()
	}

	coord := coordinator.New(cfg.Coordinator, bus)
	defer coord.Close()

	rl := ratelimiter.New(cfg.Environment, bus)
	rl.RegisterBudget("shared_llm", ratelimiter.BudgetSpec{Limit: cfg.SharedLLM.MaxInFlight * 10, WindowMs: 60_000})
	defer rl.Close()

	agg := aggregator.New(cfg.Aggregator, bus, metrics)
	defer agg.Close()

	breakers := breaker.NewRegistry(cfg.Breaker, bus, metrics)

	alertMgr := alerts.New(cfg.Alerts, bus, log)
	alertMgr.Register(func(a alerts.Alert) {
		log.Warn("circuit breaker alert",
			zap.String("key", a.Key), zap.String("severity", string(a.Severity)),
			zap.String("provider", a.Provider), zap.Float64("health_score", a.HealthScore),
			zap.String("reason", a.Reason))
	})
	defer alertMgr.Close()

	gr := goldrush.New(bus, cfg.NodeID, log,
		goldrush.LatencyPlugin(2*time.Second, 50*time.Millisecond),
		goldrush.PatternPlugin(goldrush.SecurityAnomalyRule(0.8)),
	)
	defer gr.Close()

	upstream := sharedllm.UpstreamFunc(func(ctx context.Context, operation string, params map[string]any) (any, error) {
		// Out-of-scope collaborator (§1 Non-goals): production wiring
		// points this at the LLM provider pool.
		return nil, fmt.Errorf("shared-llm upstream not configured")
	})
	llmRouter := sharedllm.New(cfg.SharedLLM, cfg.Environment, rl, upstream, bus, metrics, log)
	defer llmRouter.Close()

	set := vsm.NewSet()
	var tr transport.Transport
	for _, sys := range []vsmmsg.System{vsmmsg.S1, vsmmsg.S2, vsmmsg.S3, vsmmsg.S4, vsmmsg.S5} {
		set.Add(vsm.New(sys, &deferredTransport{resolve: func() transport.Transport { return tr }}, bus, log))
	}
	vsm.RegisterAll(set, vsm.Deps{
		Coordinator: coord, RateLimiter: rl, Breakers: breakers, LLM: llmRouter, Bus: bus, Log: log,
	})

	if cfg.Transport.URL != "" {
		mgr := connmgr.New(cfg.Transport, log)
		defer mgr.Close()
		tr = transport.NewBroker(cfg.Transport, mgr, log)
		log.Info("transport: broker-backed", zap.String("url", cfg.Transport.URL))
	} else {
		inmem, err := transport.NewInMemory(cfg.Environment, set.Router(), nil, 32, log)
		if err != nil {
			log.Fatal("in-memory transport refused to start", zap.Error(err))
		}
		tr = inmem
		log.Info("transport: in-memory")
	}
	defer tr.Close() //nolint:errcheck

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, log); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	opServer := operator.New(cfg.Operator.SocketPath, coord, breakers, rl, llmRouter, cfg.Operator.MaxConns, log)
	go func() {
		if err := opServer.ListenAndServe(ctx); err != nil {
			log.Error("operator server error", zap.Error(err))
		}
	}()
	log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("cybernetic-core shutdown complete")
}

// deferredTransport resolves the real Transport lazily, breaking the
// construction-order cycle between the VSM Handlers (which need a
// Transport at construction) and the in-memory Transport's Router (which
// needs those same Handlers already built).
type deferredTransport struct {
	resolve func() transport.Transport
}

func (d *deferredTransport) Publish(ctx context.Context, routingKey string, payload, meta map[string]any) error {
	return d.resolve().Publish(ctx, routingKey, payload, meta)
}

func (d *deferredTransport) Close() error { return nil }

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}
