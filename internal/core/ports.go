package core

import (
	"context"
	"time"
)

// =============================================================================
// Backend Ports
// =============================================================================

// MetricsSource answers traffic questions about routing targets.
type MetricsSource interface {
	// RequestCount returns the number of requests target received in [start, end).
	RequestCount(ctx context.Context, target TargetID, start, end time.Time) (float64, error)
}

// WorkloadController controls the backing compute unit.
type WorkloadController interface {
	// SetReplicaCount sets the desired replica count.
	SetReplicaCount(ctx context.Context, id WorkloadID, n int32) error

	// ReplicaCount returns the current desired replica count.
	ReplicaCount(ctx context.Context, id WorkloadID) (int32, error)

	// WorkloadAge returns the time elapsed since the workload was created.
	WorkloadAge(ctx context.Context, id WorkloadID) (time.Duration, error)

	// WorkloadStatus reports whether a deployment is in progress.
	WorkloadStatus(ctx context.Context, id WorkloadID) (WorkloadStatus, error)
}

// Router controls layer-7 routing rules and reports target health.
type Router interface {
	// RuleAction returns the current action of a rule.
	RuleAction(ctx context.Context, rule RuleID) (RuleAction, error)

	// SetRuleAction replaces the action of a rule.
	SetRuleAction(ctx context.Context, rule RuleID, action RuleAction) error

	// ListTargetHealth returns the health of every member behind target.
	ListTargetHealth(ctx context.Context, target TargetID) ([]MemberHealth, error)
}

// ScheduleController arms and disarms scheduled jobs.
type ScheduleController interface {
	EnableSchedule(ctx context.Context, id string) error
	DisableSchedule(ctx context.Context, id string) error
	ScheduleEnabled(ctx context.Context, id string) (bool, error)
}

// AlertSink receives operator alerts. Publish is best-effort and must not block.
type AlertSink interface {
	Publish(ctx context.Context, alert Alert)
}

// =============================================================================
// State Ports
// =============================================================================

// RoutingStateStore holds the per-workload routing stash. CompareAndStash and
// CompareAndClear are the only mutators and are atomic with respect to each other.
type RoutingStateStore interface {
	// ReadRoutingState returns the current record; a workload never stashed reads as Empty.
	ReadRoutingState(ctx context.Context, id WorkloadID) (RoutingState, error)

	// CompareAndStash stores actions if the current record is expected and Empty.
	// Returns ErrConflict otherwise.
	CompareAndStash(ctx context.Context, id WorkloadID, expected RoutingState, actions []StashedAction) (RoutingState, error)

	// CompareAndClear empties the record if it is exactly expected.
	// Returns ErrConflict otherwise.
	CompareAndClear(ctx context.Context, id WorkloadID, expected RoutingState) (RoutingState, error)
}

// LeaseStore guards the at-most-one resume execution per workload and keeps
// the execution history.
type LeaseStore interface {
	// AcquireLease grants a lease unless a live one exists (ErrConflict).
	AcquireLease(ctx context.Context, lease Lease) (Lease, error)

	// RenewLease extends a lease still owned by lease.Owner (ErrConflict if lost).
	RenewLease(ctx context.Context, lease Lease, until time.Time) (Lease, error)

	// ReleaseLease drops a lease owned by lease.Owner. Releasing a lost lease is a no-op.
	ReleaseLease(ctx context.Context, lease Lease) error

	// ActiveLease returns the live lease for the workload, or nil.
	ActiveLease(ctx context.Context, id WorkloadID, now time.Time) (*Lease, error)

	// SaveExecution upserts an execution record.
	SaveExecution(ctx context.Context, exec *ResumeExecution) error

	// LatestExecution returns the most recently started execution, or nil.
	LatestExecution(ctx context.Context, id WorkloadID) (*ResumeExecution, error)
}

// ScheduleStateStore persists schedule enabled flags across restarts.
type ScheduleStateStore interface {
	// ScheduleFlag returns the stored flag and whether one was stored.
	ScheduleFlag(ctx context.Context, id string) (enabled bool, found bool, err error)
	SetScheduleFlag(ctx context.Context, id string, enabled bool) error
}

// Store bundles every state port a backend implements.
type Store interface {
	RoutingStateStore
	LeaseStore
	ScheduleStateStore
	Close() error
}

// =============================================================================
// Workflow Port
// =============================================================================

// ResumeStarter starts the resume workflow if it is not already running.
type ResumeStarter interface {
	StartIfNotRunning(ctx context.Context, id WorkloadID) (StartResult, error)
}

// ResumeObserver reports resume progress without side effects.
type ResumeObserver interface {
	ResumeView(ctx context.Context, id WorkloadID) (ResumeView, error)
}
