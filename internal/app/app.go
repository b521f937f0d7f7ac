// Package app wires configuration into a running pipeline: the submission
// gateway, the queue dispatcher, the workflow engine and its stores, and the
// background timeout processor.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/dispatch"
	"github.com/pitabwire/evalflow/internal/evaluator"
	"github.com/pitabwire/evalflow/internal/firewall"
	"github.com/pitabwire/evalflow/internal/idempotency"
	"github.com/pitabwire/evalflow/internal/notify"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/openapi"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/internal/transport"
	"github.com/pitabwire/evalflow/internal/workflow"
)

// App is a fully wired pipeline.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Queue       queue.Queue
	Executions  workflow.ExecutionStore
	Results     store.ResultStore
	Artifacts   store.ArtifactStore
	Publisher   notify.Publisher
	Idempotency idempotency.Store
	Evaluator   evaluator.Evaluator

	Engine     *workflow.Engine
	Dispatcher *dispatch.Dispatcher // nil when the dispatcher is disabled
	Firewall   *firewall.Firewall   // nil when the firewall is disabled
	Handler    http.Handler

	backends *backends
}

// New builds every component selected by cfg. Clients for external
// backends are connected eagerly so misconfiguration fails at startup.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  observability.InitMetrics(reg),
		backends: newBackends(cfg, logger),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	b := a.backends

	if a.Queue, err = b.queue(ctx); err != nil {
		return err
	}
	if a.Executions, err = b.executionStore(ctx); err != nil {
		return err
	}
	if a.Results, err = b.resultStore(ctx); err != nil {
		return err
	}
	if a.Artifacts, err = b.artifactStore(ctx); err != nil {
		return err
	}
	if a.Publisher, err = b.publisher(ctx); err != nil {
		return err
	}
	if a.Idempotency, err = b.idempotencyStore(ctx); err != nil {
		return err
	}
	if a.Evaluator, err = evaluator.New(a.Config.Evaluator, a.Metrics); err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}

	a.Engine = workflow.NewEngine(workflow.Dependencies{
		Store:       a.Executions,
		Evaluator:   a.Evaluator,
		Results:     a.Results,
		Artifacts:   a.Artifacts,
		Publisher:   a.Publisher,
		Idempotency: a.Idempotency,
		Logger:      a.Logger.Named("workflow"),
		Metrics:     a.Metrics,
	}, workflow.OptionsFromConfig(a.Config.Workflow, a.Config.Idempotency))

	if a.Config.Dispatcher.Enabled {
		a.Dispatcher = dispatch.New(a.Queue, a.Engine, a.Config.Dispatcher,
			a.Config.Queue.WaitTime, a.Logger.Named("dispatch"), a.Metrics)
	}

	if a.Config.Firewall.Enabled {
		if a.Firewall, err = firewall.New(a.Config.Firewall, a.Logger.Named("firewall"), a.Metrics); err != nil {
			return fmt.Errorf("firewall: %w", err)
		}
	}

	apiDoc, err := openapi.Load()
	if err != nil {
		return err
	}

	checks := observability.ReadinessChecks{
		"queue":           a.Queue,
		"execution_store": a.Executions,
		"result_store":    a.Results,
		"artifact_store":  a.Artifacts,
		"notify":          a.Publisher,
	}
	if a.Idempotency != nil {
		checks["idempotency"] = a.Idempotency
	}

	a.Handler = transport.NewRouter(transport.Dependencies{
		Config:          a.Config,
		Queue:           a.Queue,
		Executions:      a.Engine,
		Results:         a.Results,
		Firewall:        a.Firewall,
		APIDoc:          apiDoc,
		ReadinessChecks: checks,
		Gatherer:        a.Registry,
		Logger:          a.Logger.Named("http"),
		Metrics:         a.Metrics,
	})
	return nil
}

// Server returns an HTTP server for the gateway configured from
// cfg.Server.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Run runs the background workers until ctx is cancelled. The dispatcher
// finishes executions already in flight before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.Dispatcher != nil {
		g.Go(func() error { return a.Dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		a.runTimeoutProcessor(gctx)
		return nil
	})
	return g.Wait()
}

// Close releases queue and backend connections.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn("queue close failed", zap.Error(err))
		}
	}
	a.backends.close()
}

// runTimeoutProcessor periodically fails executions that ran past their
// deadline.
func (a *App) runTimeoutProcessor(ctx context.Context) {
	interval := a.Config.Workflow.TimeoutCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Engine.ProcessTimeouts(ctx); err != nil {
				a.Logger.Error("workflow timeout processing failed", zap.Error(err))
			}
		}
	}
}
