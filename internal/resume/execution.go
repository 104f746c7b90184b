package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

// execution is the in-memory side of one run.
type execution struct {
	e     *Engine
	rec   *core.ResumeExecution
	lease core.Lease
	stash core.RoutingState
	log   *logging.Logger
}

type step struct {
	phase core.Phase
	fn    func(context.Context) error
}

func (e *Engine) run(rec *core.ResumeExecution, lease core.Lease) {
	defer e.wg.Done()

	x := &execution{
		e:     e,
		rec:   rec,
		lease: lease,
		log:   e.log.WithExecution(rec.ID),
	}
	ctx := e.ctx

	err := x.steps(ctx)
	elapsed := e.clock.Since(rec.StartedAt)
	switch {
	case err == nil:
		metrics.RecordResumeFinished("done", elapsed)
		x.log.Info("resume finished", "elapsed", elapsed)
		x.release()
	case ctx.Err() != nil:
		x.log.Warn("resume interrupted", "phase", string(rec.Phase))
	default:
		metrics.RecordResumeFinished("failed", elapsed)
		x.fail(err)
	}
}

func (x *execution) steps(ctx context.Context) error {
	for _, s := range []step{
		{core.PhaseScaleUp, x.scaleUp},
		{core.PhasePollHealth, x.pollHealth},
		{core.PhaseRestoreRouting, x.restoreRouting},
		{core.PhaseClearStash, x.clearStash},
		{core.PhaseRearmMonitor, x.rearmMonitor},
	} {
		if err := x.transition(ctx, s.phase); err != nil {
			return err
		}
		if err := s.fn(ctx); err != nil {
			return err
		}
	}
	return x.transition(ctx, core.PhaseDone)
}

// transition renews the lease and persists the new phase before any of the
// phase's work runs.
func (x *execution) transition(ctx context.Context, phase core.Phase) error {
	if err := x.renew(ctx); err != nil {
		return err
	}
	now := x.e.clock.Now()
	x.rec.Phase = phase
	x.rec.UpdatedAt = now
	if phase.Terminal() {
		x.rec.FinishedAt = &now
	}
	if err := x.e.deps.Store.SaveExecution(ctx, x.rec); err != nil {
		return fmt.Errorf("recording phase %s: %w", phase, err)
	}
	x.e.notify(x.rec)
	metrics.RecordPhase(string(phase))
	x.log.Info("resume phase", "phase", string(phase))
	return nil
}

func (x *execution) renew(ctx context.Context) error {
	lease, err := x.e.deps.Store.RenewLease(ctx, x.lease, x.e.clock.Now().Add(x.e.cfg.LeaseTTL))
	if err != nil {
		return fmt.Errorf("renewing resume lease: %w", err)
	}
	x.lease = lease
	return nil
}

func (x *execution) scaleUp(ctx context.Context) error {
	cfg := x.e.cfg
	if err := x.e.deps.Workloads.SetReplicaCount(ctx, cfg.Workload, cfg.DesiredReplicas); err != nil {
		return core.WrapBackend(core.CodeWorkloadCall, "scaling workload up", err)
	}
	return nil
}

// pollHealth waits until every target has a healthy member. Backend errors are
// retried on the next poll; only the overall timeout ends the wait.
func (x *execution) pollHealth(ctx context.Context) error {
	cfg := x.e.cfg
	start := x.e.clock.Now()
	var lastErr error

	for {
		healthy, err := x.allHealthy(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			lastErr = err
			x.log.Warn("health check failed", "error", err)
		case healthy:
			return nil
		}

		if x.e.clock.Since(start) >= cfg.HealthTimeout {
			terr := core.ErrTimeout(fmt.Sprintf("targets not healthy after %s", cfg.HealthTimeout))
			terr.Code = core.CodeHealthTimeout
			if lastErr != nil {
				terr = terr.WithCause(lastErr)
			}
			return terr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.e.clock.After(cfg.PollInterval):
		}
		if err := x.renew(ctx); err != nil {
			return err
		}
	}
}

func (x *execution) allHealthy(ctx context.Context) (bool, error) {
	targets := x.e.cfg.Targets
	healthy := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			members, err := x.e.deps.Router.ListTargetHealth(gctx, target)
			if err != nil {
				return core.WrapBackend(core.CodeRouterCall, fmt.Sprintf("listing health of %s", target), err)
			}
			healthy[i] = core.AnyHealthy(members)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, ok := range healthy {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// restoreRouting puts every stashed action back in stash order. If one fails,
// the rules already restored are pointed back at the fallback so no rule sends
// traffic to a workload the stash still claims is suspended.
func (x *execution) restoreRouting(ctx context.Context) error {
	cfg := x.e.cfg
	state, err := x.e.deps.Store.ReadRoutingState(ctx, cfg.Workload)
	if err != nil {
		return fmt.Errorf("reading routing state: %w", err)
	}
	if state.IsEmpty() {
		return core.ErrInvariant(core.CodeStashEmpty, "routing stash is empty while resuming").
			WithDetail("version", state.Version)
	}
	x.stash = state

	for i, action := range state.Actions {
		err := x.e.deps.Router.SetRuleAction(ctx, action.RuleID, action.Original)
		if err == nil {
			continue
		}
		x.revert(ctx, state.Actions[:i])
		return core.WrapBackend(core.CodeRouterCall, fmt.Sprintf("restoring rule %s", action.RuleID), err)
	}
	x.log.Info("routing restored", "rules", len(state.Actions))
	return nil
}

func (x *execution) revert(ctx context.Context, restored []core.StashedAction) {
	fallback := core.ForwardToFallback(x.e.cfg.FallbackTarget)
	for _, action := range restored {
		if err := x.e.deps.Router.SetRuleAction(ctx, action.RuleID, fallback); err != nil {
			x.log.Error("reverting rule to fallback failed", "rule", string(action.RuleID), "error", err)
		}
	}
}

func (x *execution) clearStash(ctx context.Context) error {
	cleared, err := x.e.deps.Store.CompareAndClear(ctx, x.e.cfg.Workload, x.stash)
	if core.IsConflict(err) {
		return core.ErrInvariant(core.CodeStashChanged, "routing stash changed while resuming").
			WithDetail("expected_version", x.stash.Version).
			WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("clearing routing stash: %w", err)
	}
	metrics.SetStashed(string(x.e.cfg.Workload), false)
	x.log.Info("routing stash cleared", "version", cleared.Version)
	return nil
}

func (x *execution) rearmMonitor(ctx context.Context) error {
	if err := x.e.deps.Schedules.EnableSchedule(ctx, x.e.cfg.ScheduleID); err != nil {
		return fmt.Errorf("re-arming idle monitor: %w", err)
	}
	return nil
}

// fail records the terminal failure, alerts and frees the lease.
func (x *execution) fail(cause error) {
	ctx := context.WithoutCancel(x.e.ctx)
	now := x.e.clock.Now()
	failedIn := x.rec.Phase
	x.rec.Phase = core.PhaseFailed
	x.rec.UpdatedAt = now
	x.rec.FinishedAt = &now
	x.rec.Error = cause.Error()
	if err := x.e.deps.Store.SaveExecution(ctx, x.rec); err != nil {
		x.log.Error("recording failed execution", "error", err)
	}
	x.e.notify(x.rec)
	metrics.RecordPhase(string(core.PhaseFailed))

	x.log.Error("resume failed", "phase", string(failedIn), "error", cause)
	alert := core.AlertFromError(x.e.cfg.Workload, component, fmt.Sprintf("resume failed during %s", failedIn), cause)
	if alert.Details == nil {
		alert.Details = map[string]interface{}{}
	}
	alert.Details["execution_id"] = x.rec.ID
	x.e.deps.Alerts.Publish(ctx, alert)

	var de *core.DomainError
	if errors.As(cause, &de) && de.Code == core.CodeLeaseLost {
		return
	}
	x.release()
}

func (x *execution) release() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.e.ctx), 10*time.Second)
	defer cancel()
	if err := x.e.deps.Store.ReleaseLease(ctx, x.lease); err != nil {
		x.log.Warn("releasing resume lease", "error", err)
	}
}
