// Package suspend moves a workload from serving to suspended: it stashes the
// routing rules, points them at the fallback, scales the workload to zero and
// disarms the idle monitor, in that order.
package suspend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

const (
	component = "suspend"

	defaultLeaseTTL = time.Minute
)

// Config identifies what is suspended.
type Config struct {
	Workload       core.WorkloadID
	Rules          []core.RuleID
	FallbackTarget string
	ScheduleID     string

	// LeaseTTL bounds how long a crashed suspend can block resumes.
	LeaseTTL time.Duration
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Store     core.RoutingStateStore
	Leases    core.LeaseStore
	Router    core.Router
	Workloads core.WorkloadController
	Schedules core.ScheduleController
	Alerts    core.AlertSink
	Logger    *logging.Logger
	Clock     clock.PassiveClock
}

// Controller performs the suspend sequence for one workload.
type Controller struct {
	cfg  Config
	deps Deps
	log  *logging.Logger
}

// New creates a suspend controller.
func New(cfg Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Controller{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.WithComponent(component).WithWorkload(string(cfg.Workload)),
	}
}

// Suspend runs the sequence. Any failure stops it where it is, is reported to
// the alert sink and returned; nothing is retried or rolled back.
// The whole sequence holds the workload's resume lease.
func (c *Controller) Suspend(ctx context.Context) (core.RoutingState, error) {
	stashed, err := c.suspend(ctx)
	if err != nil {
		result := "error"
		if core.IsConflict(err) {
			result = "conflict"
		}
		metrics.RecordSuspend(result)
		c.log.Error("suspend aborted", "error", err)
		c.deps.Alerts.Publish(ctx, core.AlertFromError(c.cfg.Workload, component, "suspend aborted", err))
		return core.RoutingState{}, err
	}
	metrics.RecordSuspend("success")
	return stashed, nil
}

func (c *Controller) suspend(ctx context.Context) (core.RoutingState, error) {
	lease, err := c.acquireLease(ctx)
	if err != nil {
		return core.RoutingState{}, err
	}
	defer func() {
		if rerr := c.deps.Leases.ReleaseLease(context.WithoutCancel(ctx), lease); rerr != nil {
			c.log.Warn("releasing suspend lease", "error", rerr)
		}
	}()

	current, err := c.deps.Store.ReadRoutingState(ctx, c.cfg.Workload)
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("reading routing state: %w", err)
	}
	if !current.IsEmpty() {
		return core.RoutingState{}, core.ErrConflict(core.CodeStashNotEmpty,
			"routing state already stashed; workload is suspended or resuming").
			WithDetail("version", current.Version)
	}

	actions, err := c.readActions(ctx)
	if err != nil {
		return core.RoutingState{}, err
	}
	if err := core.ValidateStash(actions); err != nil {
		return core.RoutingState{}, err
	}

	stashed, err := c.deps.Store.CompareAndStash(ctx, c.cfg.Workload, current, actions)
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("stashing routing state: %w", err)
	}
	metrics.SetStashed(string(c.cfg.Workload), true)
	c.log.Info("routing stashed", "rules", len(actions), "version", stashed.Version)

	fallback := core.ForwardToFallback(c.cfg.FallbackTarget)
	for _, rule := range c.cfg.Rules {
		if err := c.deps.Router.SetRuleAction(ctx, rule, fallback); err != nil {
			return stashed, core.WrapBackend(core.CodeRouterCall, fmt.Sprintf("pointing rule %s at fallback", rule), err)
		}
	}
	c.log.Info("rules redirected to fallback", "target", c.cfg.FallbackTarget)

	if err := c.deps.Workloads.SetReplicaCount(ctx, c.cfg.Workload, 0); err != nil {
		return stashed, core.WrapBackend(core.CodeWorkloadCall, "scaling workload to zero", err)
	}
	c.log.Info("workload scaled to zero")

	if err := c.deps.Schedules.DisableSchedule(ctx, c.cfg.ScheduleID); err != nil {
		return stashed, fmt.Errorf("disarming idle monitor: %w", err)
	}
	c.log.Info("idle monitor disarmed", "schedule", c.cfg.ScheduleID)
	return stashed, nil
}

// acquireLease takes the per-workload resume lease under a suspend owner. A
// live resume execution turns into a conflict.
func (c *Controller) acquireLease(ctx context.Context) (core.Lease, error) {
	now := c.deps.Clock.Now()
	id := "suspend/" + uuid.NewString()
	lease, err := c.deps.Leases.AcquireLease(ctx, core.Lease{
		WorkloadID:  c.cfg.Workload,
		ExecutionID: id,
		Owner:       id,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(c.cfg.LeaseTTL),
	})
	if err != nil {
		return core.Lease{}, fmt.Errorf("acquiring suspend lease: %w", err)
	}
	return lease, nil
}

// readActions reads every configured rule concurrently, preserving rule order.
func (c *Controller) readActions(ctx context.Context) ([]core.StashedAction, error) {
	actions := make([]core.StashedAction, len(c.cfg.Rules))
	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range c.cfg.Rules {
		g.Go(func() error {
			action, err := c.deps.Router.RuleAction(gctx, rule)
			if err != nil {
				return core.WrapBackend(core.CodeRouterCall, fmt.Sprintf("reading rule %s", rule), err)
			}
			actions[i] = core.StashedAction{RuleID: rule, Original: action}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return actions, nil
}
