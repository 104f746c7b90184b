// Package memory provides an in-process workload, router and metrics backend.
// It backs `backend.kind: memory` for local runs and lets tests inject faults
// and inspect the exact sequence of backend calls.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// Workload is the simulated compute unit.
type Workload struct {
	Replicas  int32
	CreatedAt time.Time
	Status    core.WorkloadStatus
	Targets   []core.TargetID
}

// Fault makes matching backend calls fail with Err. Rule and Target narrow
// the match when set; Times bounds how often it fires (0 means always).
type Fault struct {
	Op     string
	Rule   core.RuleID
	Target core.TargetID
	Action core.ActionKind
	Times  int
	Err    error
}

// Operation names used in faults and the call log.
const (
	OpSetReplicaCount  = "SetReplicaCount"
	OpReplicaCount     = "ReplicaCount"
	OpWorkloadAge      = "WorkloadAge"
	OpWorkloadStatus   = "WorkloadStatus"
	OpRuleAction       = "RuleAction"
	OpSetRuleAction    = "SetRuleAction"
	OpListTargetHealth = "ListTargetHealth"
	OpRequestCount     = "RequestCount"
)

type sample struct {
	at    time.Time
	count float64
}

// Backend implements core.WorkloadController, core.Router and core.MetricsSource.
type Backend struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	workloads map[core.WorkloadID]*Workload
	rules     map[core.RuleID]core.RuleAction
	health    map[core.TargetID][]core.MemberHealth
	requests  map[core.TargetID][]sample
	faults    []*Fault
	calls     []string
}

// New creates an empty backend on the given clock.
func New(clk clock.PassiveClock) *Backend {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Backend{
		clock:     clk,
		workloads: make(map[core.WorkloadID]*Workload),
		rules:     make(map[core.RuleID]core.RuleAction),
		health:    make(map[core.TargetID][]core.MemberHealth),
		requests:  make(map[core.TargetID][]sample),
	}
}

// AddWorkload registers a workload. Targets without explicit health report one
// healthy member while the workload has replicas.
func (b *Backend) AddWorkload(id core.WorkloadID, w Workload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.Status == "" {
		w.Status = core.WorkloadStable
	}
	b.workloads[id] = &w
}

// SetWorkloadStatus changes a workload's deployment status.
func (b *Backend) SetWorkloadStatus(id core.WorkloadID, status core.WorkloadStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workloads[id]; ok {
		w.Status = status
	}
}

// PutRule sets a rule's action without recording a call.
func (b *Backend) PutRule(rule core.RuleID, action core.RuleAction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[rule] = action
}

// Rule returns a rule's current action.
func (b *Backend) Rule(rule core.RuleID) core.RuleAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rules[rule]
}

// Rules returns a copy of every rule's current action.
func (b *Backend) Rules() map[core.RuleID]core.RuleAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[core.RuleID]core.RuleAction, len(b.rules))
	for k, v := range b.rules {
		out[k] = v
	}
	return out
}

// Replicas returns a workload's replica count without recording a call.
func (b *Backend) Replicas(id core.WorkloadID) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workloads[id]; ok {
		return w.Replicas
	}
	return 0
}

// SetHealth pins a target's member health, overriding the replica-derived default.
func (b *Backend) SetHealth(target core.TargetID, members []core.MemberHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health[target] = members
}

// ClearHealth returns a target to replica-derived health.
func (b *Backend) ClearHealth(target core.TargetID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.health, target)
}

// RecordRequests adds count requests to target at time at.
func (b *Backend) RecordRequests(target core.TargetID, at time.Time, count float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests[target] = append(b.requests[target], sample{at: at, count: count})
}

// InjectFault registers a fault.
func (b *Backend) InjectFault(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, &f)
}

// ClearFaults removes every fault.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = nil
}

// Calls returns the mutating calls made so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// fault returns the error of the first matching fault. Callers hold b.mu.
func (b *Backend) fault(op string, rule core.RuleID, target core.TargetID, action core.ActionKind) error {
	for i, f := range b.faults {
		if f.Op != op ||
			(f.Rule != "" && f.Rule != rule) ||
			(f.Target != "" && f.Target != target) ||
			(f.Action != "" && f.Action != action) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				b.faults = append(b.faults[:i], b.faults[i+1:]...)
			}
		}
		return f.Err
	}
	return nil
}

func (b *Backend) workload(id core.WorkloadID) (*Workload, error) {
	w, ok := b.workloads[id]
	if !ok {
		return nil, core.ErrNotFound("workload", string(id))
	}
	return w, nil
}

// SetReplicaCount sets the desired replica count.
func (b *Backend) SetReplicaCount(_ context.Context, id core.WorkloadID, n int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpSetReplicaCount, "", "", ""); err != nil {
		return err
	}
	w, err := b.workload(id)
	if err != nil {
		return err
	}
	w.Replicas = n
	b.calls = append(b.calls, fmt.Sprintf("%s %s %d", OpSetReplicaCount, id, n))
	return nil
}

// ReplicaCount returns the desired replica count.
func (b *Backend) ReplicaCount(_ context.Context, id core.WorkloadID) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpReplicaCount, "", "", ""); err != nil {
		return 0, err
	}
	w, err := b.workload(id)
	if err != nil {
		return 0, err
	}
	return w.Replicas, nil
}

// WorkloadAge returns the time since the workload was created.
func (b *Backend) WorkloadAge(_ context.Context, id core.WorkloadID) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpWorkloadAge, "", "", ""); err != nil {
		return 0, err
	}
	w, err := b.workload(id)
	if err != nil {
		return 0, err
	}
	return b.clock.Since(w.CreatedAt), nil
}

// WorkloadStatus reports whether a deployment is in progress.
func (b *Backend) WorkloadStatus(_ context.Context, id core.WorkloadID) (core.WorkloadStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpWorkloadStatus, "", "", ""); err != nil {
		return "", err
	}
	w, err := b.workload(id)
	if err != nil {
		return "", err
	}
	return w.Status, nil
}

// RuleAction returns a rule's current action.
func (b *Backend) RuleAction(_ context.Context, rule core.RuleID) (core.RuleAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpRuleAction, rule, "", ""); err != nil {
		return core.RuleAction{}, err
	}
	action, ok := b.rules[rule]
	if !ok {
		return core.RuleAction{}, core.ErrNotFound("rule", string(rule))
	}
	return action, nil
}

// SetRuleAction replaces a rule's action.
func (b *Backend) SetRuleAction(_ context.Context, rule core.RuleID, action core.RuleAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpSetRuleAction, rule, "", action.Kind); err != nil {
		return err
	}
	if _, ok := b.rules[rule]; !ok {
		return core.ErrNotFound("rule", string(rule))
	}
	b.rules[rule] = action
	b.calls = append(b.calls, fmt.Sprintf("%s %s %s", OpSetRuleAction, rule, action.Kind))
	return nil
}

// ListTargetHealth returns pinned health, or one healthy member per replica
// of the workload bound to target.
func (b *Backend) ListTargetHealth(_ context.Context, target core.TargetID) ([]core.MemberHealth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpListTargetHealth, "", target, ""); err != nil {
		return nil, err
	}
	if members, ok := b.health[target]; ok {
		return append([]core.MemberHealth(nil), members...), nil
	}

	var members []core.MemberHealth
	for id, w := range b.workloads {
		for _, t := range w.Targets {
			if t != target {
				continue
			}
			for i := int32(0); i < w.Replicas; i++ {
				members = append(members, core.MemberHealth{ID: fmt.Sprintf("%s-%d", id, i), Healthy: true})
			}
		}
	}
	return members, nil
}

// RequestCount sums requests recorded for target in [start, end).
func (b *Backend) RequestCount(_ context.Context, target core.TargetID, start, end time.Time) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpRequestCount, "", target, ""); err != nil {
		return 0, err
	}
	var total float64
	for _, s := range b.requests[target] {
		if !s.at.Before(start) && s.at.Before(end) {
			total += s.count
		}
	}
	return total, nil
}

var (
	_ core.WorkloadController = (*Backend)(nil)
	_ core.Router             = (*Backend)(nil)
	_ core.MetricsSource      = (*Backend)(nil)
)
