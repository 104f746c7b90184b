// Package resume runs the durable workflow that brings a suspended workload
// back: scale up, wait for health, restore routing, clear the stash and re-arm
// the idle monitor. At most one execution runs per workload, guarded by a lease.
package resume

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

const component = "resume"

// Store is the state the engine needs.
type Store interface {
	core.RoutingStateStore
	core.LeaseStore
}

// Config describes the workload being resumed.
type Config struct {
	Workload        core.WorkloadID
	Targets         []core.TargetID
	DesiredReplicas int32
	PollInterval    time.Duration
	HealthTimeout   time.Duration
	LeaseTTL        time.Duration
	FallbackTarget  string
	ScheduleID      string
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     Store
	Workloads core.WorkloadController
	Router    core.Router
	Schedules core.ScheduleController
	Alerts    core.AlertSink
	Logger    *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTransitionHook registers a callback invoked with a copy of the execution
// after every persisted phase change.
func WithTransitionHook(fn func(core.ResumeExecution)) Option {
	return func(e *Engine) { e.hook = fn }
}

// Engine starts and runs resume executions.
type Engine struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
	hook  func(core.ResumeExecution)
	owner string
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Executions run on a context owned by the engine and
// stop when Shutdown is called.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	e := &Engine{
		cfg:   cfg,
		deps:  deps,
		clock: clock.RealClock{},
		owner: ownerID(),
		log:   deps.Logger.WithComponent(component).WithWorkload(string(cfg.Workload)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// StartIfNotRunning acquires the resume lease and launches an execution in the
// background. If another execution holds the lease it reports that one instead.
func (e *Engine) StartIfNotRunning(ctx context.Context, id core.WorkloadID) (core.StartResult, error) {
	if id != e.cfg.Workload {
		return core.StartResult{}, core.ErrNotFound("workload", string(id))
	}
	if e.ctx.Err() != nil {
		return core.StartResult{}, core.ErrTransient(core.CodeWorkloadCall, "resume engine is shutting down")
	}

	now := e.clock.Now()
	execID := uuid.NewString()
	lease, err := e.deps.Store.AcquireLease(ctx, core.Lease{
		WorkloadID:  id,
		ExecutionID: execID,
		Owner:       e.owner + "/" + execID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(e.cfg.LeaseTTL),
	})
	if core.IsConflict(err) {
		metrics.RecordResumeStart(true)
		held, herr := e.deps.Store.ActiveLease(ctx, id, now)
		if herr != nil {
			return core.StartResult{}, fmt.Errorf("reading held lease: %w", herr)
		}
		res := core.StartResult{AlreadyRunning: true}
		if held != nil {
			res.ExecutionID = held.ExecutionID
		}
		return res, nil
	}
	if err != nil {
		return core.StartResult{}, fmt.Errorf("acquiring resume lease: %w", err)
	}

	exec := &core.ResumeExecution{
		ID:         execID,
		WorkloadID: id,
		Phase:      core.PhaseInit,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.deps.Store.SaveExecution(ctx, exec); err != nil {
		_ = e.deps.Store.ReleaseLease(ctx, lease)
		return core.StartResult{}, fmt.Errorf("recording resume execution: %w", err)
	}
	e.notify(exec)
	metrics.RecordResumeStart(false)
	e.log.Info("resume started", "execution_id", execID)

	e.wg.Add(1)
	go e.run(exec, lease)

	return core.StartResult{ExecutionID: execID}, nil
}

// Reconcile restarts an execution that was interrupted before reaching a
// terminal phase, typically by a process restart. It returns nil when there is
// nothing to resume.
func (e *Engine) Reconcile(ctx context.Context, id core.WorkloadID) (*core.StartResult, error) {
	if id != e.cfg.Workload {
		return nil, core.ErrNotFound("workload", string(id))
	}
	state, err := e.deps.Store.ReadRoutingState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading routing state: %w", err)
	}
	if state.IsEmpty() {
		return nil, nil
	}
	lease, err := e.deps.Store.ActiveLease(ctx, id, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("reading resume lease: %w", err)
	}
	if lease != nil {
		return nil, nil
	}
	latest, err := e.deps.Store.LatestExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading latest execution: %w", err)
	}
	if latest == nil || latest.Phase.Terminal() {
		return nil, nil
	}

	e.log.Warn("resuming interrupted execution", "execution_id", latest.ID, "phase", string(latest.Phase))
	res, err := e.StartIfNotRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ResumeView summarizes the resume state of a workload.
func (e *Engine) ResumeView(ctx context.Context, id core.WorkloadID) (core.ResumeView, error) {
	if id != e.cfg.Workload {
		return core.ResumeView{}, core.ErrNotFound("workload", string(id))
	}
	view := core.ResumeView{WorkloadID: id}

	state, err := e.deps.Store.ReadRoutingState(ctx, id)
	if err != nil {
		return view, fmt.Errorf("reading routing state: %w", err)
	}
	view.Stashed = !state.IsEmpty()

	lease, err := e.deps.Store.ActiveLease(ctx, id, e.clock.Now())
	if err != nil {
		return view, fmt.Errorf("reading resume lease: %w", err)
	}
	latest, err := e.deps.Store.LatestExecution(ctx, id)
	if err != nil {
		return view, fmt.Errorf("reading latest execution: %w", err)
	}

	if lease != nil {
		expires := lease.ExpiresAt
		view.Running = true
		view.ExecutionID = lease.ExecutionID
		view.LeaseExpiresAt = &expires
		view.Status = core.StatusInitial
		if latest != nil && latest.ID == lease.ExecutionID {
			view.Phase = latest.Phase
			view.Status = core.StatusForPhase(latest.Phase)
		}
		return view, nil
	}

	if latest != nil {
		view.ExecutionID = latest.ID
		view.Phase = latest.Phase
		view.LastError = latest.Error
	}
	view.Status = core.StatusReady
	if view.Stashed {
		view.Status = core.StatusInitial
	}
	return view, nil
}

// Wait blocks until every running execution has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown interrupts running executions and waits for them. Interrupted
// executions keep their phase and lease so Reconcile can pick them up.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) notify(exec *core.ResumeExecution) {
	if e.hook != nil {
		e.hook(*exec)
	}
}
