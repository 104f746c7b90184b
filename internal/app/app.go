// Package app builds the orchestrator's components from configuration and
// exposes the operations shared by the CLI and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/alert"
	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/kube"
	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/memory"
	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/prom"
	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/autostop/internal/config"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/fallback"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/monitor"
	"github.com/hugo-lorenzo-mato/autostop/internal/resume"
	"github.com/hugo-lorenzo-mato/autostop/internal/schedule"
	"github.com/hugo-lorenzo-mato/autostop/internal/suspend"
)

// Backend is the workload, router and metrics implementation in use.
type Backend struct {
	Workloads core.WorkloadController
	Router    core.Router
	Metrics   core.MetricsSource
}

// App holds every component for one workload.
type App struct {
	Config   *config.Config
	Workload core.WorkloadID
	Logger   *logging.Logger

	Store     core.Store
	Backend   Backend
	Alerts    core.AlertSink
	Schedules *schedule.Controller
	Suspender *suspend.Controller
	Monitor   *monitor.Monitor
	Engine    *resume.Engine
	Fallback  *fallback.Handler

	closers []func() error
}

// Option customizes construction.
type Option func(*options)

type options struct {
	store      core.Store
	backend    *Backend
	alerts     core.AlertSink
	engineOpts []resume.Option
}

// WithStore uses store instead of the configured one.
func WithStore(s core.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBackend uses b instead of the configured backend.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = &b }
}

// WithAlerts uses sink instead of the configured alert sinks.
func WithAlerts(sink core.AlertSink) Option {
	return func(o *options) { o.alerts = sink }
}

// WithEngineOptions passes options to the resume engine.
func WithEngineOptions(opts ...resume.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New wires the components described by cfg.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:   cfg,
		Workload: core.WorkloadID(cfg.Workload.ID),
		Logger:   logger,
	}

	a.Store = o.store
	if a.Store == nil {
		st, err := state.NewStore(state.Options{
			Backend: cfg.State.Backend,
			Path:    cfg.State.Path,
			LockTTL: cfg.State.LockTTLDuration(),
		})
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
		a.Store = st
		a.closers = append(a.closers, st.Close)
	}

	if o.backend != nil {
		a.Backend = *o.backend
	} else {
		b, err := newBackend(cfg, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Backend = b
	}

	a.Alerts = o.alerts
	if a.Alerts == nil {
		fan := alert.New(cfg.Alerts.WebhookURL, cfg.Alerts.TimeoutDuration(), logger)
		a.Alerts = fan
		a.closers = append(a.closers, func() error { fan.Wait(); return nil })
	}

	targets := targetIDs(cfg.Workload.Targets)
	fallbackTarget := cfg.Fallback.Target

	a.Schedules = schedule.New(a.Store, logger)
	a.Suspender = suspend.New(suspend.Config{
		Workload:       a.Workload,
		Rules:          ruleIDs(cfg.Workload.Rules),
		FallbackTarget: fallbackTarget,
		ScheduleID:     schedule.IdleCheck,
		LeaseTTL:       cfg.Resume.LeaseTTLDuration(),
	}, suspend.Deps{
		Store:     a.Store,
		Leases:    a.Store,
		Router:    a.Backend.Router,
		Workloads: a.Backend.Workloads,
		Schedules: a.Schedules,
		Alerts:    a.Alerts,
		Logger:    logger,
	})
	a.Monitor = monitor.New(monitor.Config{
		Workload:   a.Workload,
		Targets:    targets,
		Window:     cfg.Idle.WindowDuration(),
		ScheduleID: schedule.IdleCheck,
	}, monitor.Deps{
		Workloads: a.Backend.Workloads,
		Metrics:   a.Backend.Metrics,
		Schedules: a.Schedules,
		Suspender: a.Suspender,
		Alerts:    a.Alerts,
		Logger:    logger,
	})
	a.Engine = resume.New(resume.Config{
		Workload:        a.Workload,
		Targets:         targets,
		DesiredReplicas: cfg.Workload.DesiredReplicas,
		PollInterval:    cfg.Resume.PollIntervalDuration(),
		HealthTimeout:   cfg.Resume.HealthTimeoutDuration(),
		LeaseTTL:        cfg.Resume.LeaseTTLDuration(),
		FallbackTarget:  fallbackTarget,
		ScheduleID:      schedule.IdleCheck,
	}, resume.Deps{
		Store:     a.Store,
		Workloads: a.Backend.Workloads,
		Router:    a.Backend.Router,
		Schedules: a.Schedules,
		Alerts:    a.Alerts,
		Logger:    logger,
	}, o.engineOpts...)
	a.Fallback = fallback.New(fallback.Config{
		Workload:       a.Workload,
		RefreshSeconds: cfg.Fallback.RefreshSeconds,
		StatusCacheTTL: cfg.Fallback.StatusCacheTTLDuration(),
		Page:           PageFromConfig(cfg.Fallback.Page),
	}, a.Engine, a.Alerts, logger)

	return a, nil
}

func newBackend(cfg *config.Config, logger *logging.Logger) (Backend, error) {
	switch cfg.Backend.Kind {
	case "memory":
		return newMemoryBackend(cfg), nil
	case "", "kubernetes":
		k, err := kube.New(kube.Config{
			Kubeconfig: cfg.Backend.Kubeconfig,
			Namespace:  cfg.Workload.Namespace,
			FallbackService: kube.ServiceRef{
				Name: cfg.Backend.FallbackService.Name,
				Port: cfg.Backend.FallbackService.Port,
			},
		}, logger)
		if err != nil {
			return Backend{}, err
		}
		p, err := prom.New(prom.Config{
			URL:     cfg.Backend.Prometheus.URL,
			Query:   cfg.Backend.Prometheus.Query,
			Timeout: cfg.Backend.Prometheus.TimeoutDuration(),
		}, logger)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Workloads: k, Router: k, Metrics: p}, nil
	default:
		return Backend{}, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown backend kind %q", cfg.Backend.Kind))
	}
}

// newMemoryBackend seeds an in-process backend with the configured workload,
// its targets and one real-forwarding action per rule.
func newMemoryBackend(cfg *config.Config) Backend {
	b := memory.New(nil)
	targets := targetIDs(cfg.Workload.Targets)
	b.AddWorkload(core.WorkloadID(cfg.Workload.ID), memory.Workload{
		Replicas:  cfg.Workload.DesiredReplicas,
		CreatedAt: time.Now(),
		Targets:   targets,
	})
	for i, rule := range cfg.Workload.Rules {
		var target string
		if len(targets) > 0 {
			target = string(targets[i%len(targets)])
		}
		b.PutRule(core.RuleID(rule), core.ForwardToReal(target, nil))
	}
	return Backend{Workloads: b, Router: b, Metrics: b}
}

// PageFromConfig converts page copy from configuration.
func PageFromConfig(p config.PageConfig) fallback.Page {
	return fallback.Page{Title: p.Title, Heading: p.Heading, Message: p.Message, CSS: p.CSS}
}

// RegisterSchedules registers the idle check (gated by the monitor's armed
// flag) and the reconcile job.
func (a *App) RegisterSchedules() error {
	err := a.Schedules.Register(schedule.IdleCheck, a.Config.Idle.Schedule, true, func(ctx context.Context) {
		a.Monitor.Tick(ctx)
	})
	if err != nil {
		return err
	}
	return a.Schedules.Register(schedule.Reconcile, a.Config.Resume.ReconcileSchedule, false, func(ctx context.Context) {
		if _, err := a.Reconcile(ctx); err != nil {
			a.Logger.Warn("reconcile failed", "error", err)
		}
	})
}

// CheckIdle runs one idle check; with dryRun it never suspends.
func (a *App) CheckIdle(ctx context.Context, dryRun bool) monitor.Result {
	if dryRun {
		return a.Monitor.Evaluate(ctx)
	}
	return a.Monitor.Tick(ctx)
}

// Suspend suspends the workload now.
func (a *App) Suspend(ctx context.Context) (core.RoutingState, error) {
	return a.Suspender.Suspend(ctx)
}

// Resume starts a resume unless one is running.
func (a *App) Resume(ctx context.Context) (core.StartResult, error) {
	return a.Engine.StartIfNotRunning(ctx, a.Workload)
}

// Reconcile restarts an interrupted resume.
func (a *App) Reconcile(ctx context.Context) (*core.StartResult, error) {
	return a.Engine.Reconcile(ctx, a.Workload)
}

// Close stops the engine and releases resources.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Shutdown()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func targetIDs(in []string) []core.TargetID {
	out := make([]core.TargetID, len(in))
	for i, t := range in {
		out[i] = core.TargetID(t)
	}
	return out
}

func ruleIDs(in []string) []core.RuleID {
	out := make([]core.RuleID, len(in))
	for i, r := range in {
		out[i] = core.RuleID(r)
	}
	return out
}
