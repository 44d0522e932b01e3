package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/queue"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/tracing"
	"github.com/rendis/nodeflow/internal/validation"
	nfmcp "github.com/rendis/nodeflow/pkg/mcp"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	serviceName     = "nodeflow"
	shutdownTimeout = 30 * time.Second
)

// serve wires every component and blocks until ctx is done or the MCP
// transport exits.
func serve(ctx context.Context, cfg Config, withMCP bool) error {
	// MCP owns stdout when enabled, so logs always go to stderr.
	logger, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// --- Tracing ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.NewProvider(ctx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}
	tracer := tracing.Tracer()

	// --- Store ---
	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// --- Node runners and validation ---
	registry, err := nodes.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("node registry: %w", err)
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(registry, cel)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	// --- Metrics and events ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg, serviceName)

	hub := streaming.NewMemoryHub()
	sink := engine.MultiSink{collector, streaming.NewHubSink(hub, logger)}

	// --- Dispatch queue ---
	pub, sub, err := queue.NewPubSub(cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	q := queue.New(pub,
		queue.WithTopic(cfg.Queue.Topic),
		queue.WithLogger(logger),
		queue.WithTracer(tracer),
	)
	defer q.Close()

	// --- Engine ---
	eng := engine.NewEngine(s, registry, q, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithSink(sink),
		engine.WithTracer(tracer),
	)

	// --- Workers ---
	pool := engine.NewWorkerPool(cfg.Workers, engine.WithPoolLogger(logger))
	if err := collector.RegisterPool("executions", pool); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	consumer := queue.NewConsumer(sub, pool,
		queue.WithConsumerTopic(cfg.Queue.Topic),
		queue.WithConsumerLogger(logger),
		queue.WithConsumerTracer(tracer),
	)
	consumer.Handle(schema.JobTypeExecutionRun, queue.RunExecutionHandler(eng, logger))

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	consumeDone := make(chan error, 1)
	go func() { consumeDone <- consumer.Consume(consumeCtx) }()

	// --- Scheduler ---
	breakers := engine.NewCircuitBreakerRegistry(cfg.Breaker, engine.WithStateChange(collector.ObserveBreaker))
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithBreakers(breakers),
		scheduler.WithTracer(tracer),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		schedOpts = append(schedOpts, scheduler.WithFireLock(scheduler.NewRedisFireLock(rdb)))
	}
	sched := scheduler.NewScheduler(s, eng, cfg.Scheduler, schedOpts...)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// --- Maintenance ---
	// cron's default logger writes to stdout, which MCP owns.
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	housekeeping := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog)))
	if err := newMaintenance(s, eng, cfg, logger).schedule(ctx, housekeeping); err != nil {
		sched.Stop()
		return err
	}
	housekeeping.Start()

	// --- Metrics endpoint ---
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	logger.Info("nodeflow started",
		"db", cfg.DBPath,
		"workers", cfg.Workers,
		"queue", cfg.Queue.Driver,
		"metrics", cfg.MetricsAddr,
		"mcp", withMCP,
	)

	// --- Run ---
	var runErr error
	if withMCP {
		srv := nfmcp.NewServer(nfmcp.ServerDeps{
			Engine:    eng,
			Store:     s,
			Validator: validator,
			Scheduler: sched,
			Hub:       hub,
			Logger:    logger,
		})
		runErr = srv.Serve(ctx)
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-consumeDone:
			if runErr == nil && ctx.Err() == nil {
				runErr = errors.New("consumer stopped")
			}
		}
	}

	// --- Shutdown ---
	logger.Info("shutting down")
	<-housekeeping.Stop().Done()
	sched.Stop()
	stopConsume()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(sctx); err != nil {
		logger.Warn("executions still running at shutdown", "error", err)
	}
	hub.Close()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(sctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
