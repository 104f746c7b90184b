// Package monitor decides, on each scheduled tick, whether a workload has
// been idle for the whole trailing window and should be suspended.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

const component = "monitor"

// Decision is the outcome of one idle check.
type Decision string

const (
	Disarmed      Decision = "disarmed"
	TooYoung      Decision = "too_young"
	Updating      Decision = "updating"
	Uncertain     Decision = "uncertain"
	Active        Decision = "active"
	Idle          Decision = "idle" // dry run only
	Suspended     Decision = "suspended"
	SuspendFailed Decision = "suspend_failed"
)

// Result reports a decision and what led to it.
type Result struct {
	Decision Decision      `json:"decision" yaml:"decision"`
	Requests float64       `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
	Age      time.Duration `json:"age,omitempty" yaml:"age,omitempty"`
	Err      error         `json:"-" yaml:"-"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Suspender performs the suspend sequence.
type Suspender interface {
	Suspend(ctx context.Context) (core.RoutingState, error)
}

// Config configures the monitor.
type Config struct {
	Workload   core.WorkloadID
	Targets    []core.TargetID
	Window     time.Duration
	ScheduleID string
}

// Deps are the collaborators the monitor reads and drives.
type Deps struct {
	Workloads core.WorkloadController
	Metrics   core.MetricsSource
	Schedules core.ScheduleController
	Suspender Suspender
	Alerts    core.AlertSink
	Clock     clock.PassiveClock
	Logger    *logging.Logger
}

// Monitor evaluates idleness for one workload.
type Monitor struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	// ticks run one at a time so two overlapping ticks cannot both suspend.
	mu sync.Mutex
}

// New creates a monitor.
func New(cfg Config, deps Deps) *Monitor {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Monitor{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.WithComponent(component).WithWorkload(string(cfg.Workload)),
	}
}

// Tick runs one idle check and suspends the workload if it is idle.
func (m *Monitor) Tick(ctx context.Context) Result {
	return m.run(ctx, false)
}

// Evaluate runs the same checks as Tick without suspending.
func (m *Monitor) Evaluate(ctx context.Context) Result {
	return m.run(ctx, true)
}

func (m *Monitor) run(ctx context.Context, dryRun bool) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.evaluate(ctx)
	if res.Decision == Idle && !dryRun {
		if _, err := m.deps.Suspender.Suspend(ctx); err != nil {
			res.Decision = SuspendFailed
			res.Err = err
		} else {
			res.Decision = Suspended
		}
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	if !dryRun {
		metrics.RecordIdleCheck(string(res.Decision))
	}
	m.log.Debug("idle check finished", "decision", string(res.Decision), "requests", res.Requests, "dry_run", dryRun)
	return res
}

func (m *Monitor) evaluate(ctx context.Context) Result {
	res := Result{Window: m.cfg.Window}

	armed, err := m.deps.Schedules.ScheduleEnabled(ctx, m.cfg.ScheduleID)
	if err != nil {
		return m.uncertain(ctx, res, err)
	}
	if !armed {
		res.Decision = Disarmed
		return res
	}

	age, err := m.deps.Workloads.WorkloadAge(ctx, m.cfg.Workload)
	if err != nil {
		return m.uncertain(ctx, res, core.WrapBackend(core.CodeWorkloadCall, "reading workload age", err))
	}
	res.Age = age
	if age < m.cfg.Window {
		res.Decision = TooYoung
		return res
	}

	status, err := m.deps.Workloads.WorkloadStatus(ctx, m.cfg.Workload)
	if err != nil {
		return m.uncertain(ctx, res, core.WrapBackend(core.CodeWorkloadCall, "reading workload status", err))
	}
	if status == core.WorkloadUpdating {
		res.Decision = Updating
		return res
	}

	total, err := m.requestCount(ctx)
	if err != nil {
		return m.uncertain(ctx, res, err)
	}
	res.Requests = total
	if total > 0 {
		res.Decision = Active
		return res
	}
	res.Decision = Idle
	return res
}

// requestCount sums requests over the window for every target concurrently.
func (m *Monitor) requestCount(ctx context.Context) (float64, error) {
	end := m.deps.Clock.Now()
	start := end.Add(-m.cfg.Window)

	counts := make([]float64, len(m.cfg.Targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range m.cfg.Targets {
		g.Go(func() error {
			n, err := m.deps.Metrics.RequestCount(gctx, target, start, end)
			if err != nil {
				return core.WrapBackend(core.CodeMetricsQuery, fmt.Sprintf("querying requests for %s", target), err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total float64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// uncertain records a failed check. It is not retried; the next tick tries again.
func (m *Monitor) uncertain(ctx context.Context, res Result, err error) Result {
	res.Decision = Uncertain
	res.Err = err
	m.log.Warn("idle check uncertain", "error", err)
	m.deps.Alerts.Publish(ctx, core.AlertFromError(m.cfg.Workload, component, "idle check could not decide", err))
	return res
}
