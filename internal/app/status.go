package app

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/schedule"
)

// Status is a snapshot of the workload as the orchestrator sees it.
type Status struct {
	Workload  core.WorkloadID       `json:"workload" yaml:"workload"`
	Replicas  *int32                `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Armed     bool                  `json:"armed" yaml:"armed"`
	Rules     []RuleStatus          `json:"rules" yaml:"rules"`
	Resume    core.ResumeView       `json:"resume" yaml:"resume"`
	Schedules []schedule.Entry      `json:"schedules" yaml:"schedules"`
	Execution *core.ResumeExecution `json:"last_execution,omitempty" yaml:"last_execution,omitempty"`
	Errors    []string              `json:"errors,omitempty" yaml:"errors,omitempty"`
	Time      time.Time             `json:"time" yaml:"time"`
}

// RuleStatus is a rule's current action.
type RuleStatus struct {
	ID     core.RuleID     `json:"id" yaml:"id"`
	Kind   core.ActionKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Target string          `json:"target,omitempty" yaml:"target,omitempty"`
}

// Status gathers the workload's state. Backend failures are reported in
// Errors rather than failing the whole snapshot; only the state store is
// required.
func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{Workload: a.Workload, Time: time.Now().UTC()}

	view, err := a.Engine.ResumeView(ctx, a.Workload)
	if err != nil {
		return st, err
	}
	st.Resume = view

	latest, err := a.Store.LatestExecution(ctx, a.Workload)
	if err != nil {
		return st, err
	}
	st.Execution = latest

	if n, err := a.Backend.Workloads.ReplicaCount(ctx, a.Workload); err != nil {
		st.Errors = append(st.Errors, err.Error())
	} else {
		st.Replicas = &n
	}

	if armed, err := a.Schedules.ScheduleEnabled(ctx, schedule.IdleCheck); err != nil {
		st.Errors = append(st.Errors, err.Error())
	} else {
		st.Armed = armed
	}

	for _, id := range a.Config.Workload.Rules {
		rs := RuleStatus{ID: core.RuleID(id)}
		action, err := a.Backend.Router.RuleAction(ctx, rs.ID)
		if err != nil {
			st.Errors = append(st.Errors, err.Error())
		} else {
			rs.Kind, rs.Target = action.Kind, action.Target
		}
		st.Rules = append(st.Rules, rs)
	}

	st.Schedules = a.Schedules.Entries(ctx)
	return st, nil
}
