package core

import "time"

// Phase is a step of the resume workflow.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseScaleUp        Phase = "scale_up"
	PhasePollHealth     Phase = "poll_health"
	PhaseRestoreRouting Phase = "restore_routing"
	PhaseClearStash     Phase = "clear_stash"
	PhaseRearmMonitor   Phase = "rearm_monitor"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transition follows p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ResumeExecution is one run of the resume workflow.
type ResumeExecution struct {
	ID         string     `json:"id"`
	WorkloadID WorkloadID `json:"workload_id"`
	Phase      Phase      `json:"phase"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Lease grants one execution the exclusive right to run the resume workflow
// for a workload until ExpiresAt. An expired lease counts as released.
type Lease struct {
	WorkloadID  WorkloadID `json:"workload_id"`
	ExecutionID string     `json:"execution_id"`
	Owner       string     `json:"owner"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Live reports whether the lease is still held at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// StartResult is the outcome of StartIfNotRunning.
type StartResult struct {
	ExecutionID    string `json:"execution_id"`
	AlreadyRunning bool   `json:"already_running"`
}

// ResumeStatus is the coarse progress shown to clients while resuming.
type ResumeStatus string

const (
	StatusInitial  ResumeStatus = "initial"
	StatusStarting ResumeStatus = "starting"
	StatusReady    ResumeStatus = "ready"
)

// Label returns the human readable text for the status.
func (s ResumeStatus) Label() string {
	switch s {
	case StatusStarting:
		return "Service starting"
	case StatusReady:
		return "Service ready"
	default:
		return "Service startup requested"
	}
}

// Step returns the 1-based progress step out of StatusSteps.
func (s ResumeStatus) Step() int {
	switch s {
	case StatusStarting:
		return 2
	case StatusReady:
		return 3
	default:
		return 1
	}
}

// StatusSteps is the number of progress steps shown to clients.
const StatusSteps = 3

// StatusForPhase maps a running execution's phase to client-visible progress.
func StatusForPhase(p Phase) ResumeStatus {
	switch p {
	case PhaseInit, PhaseScaleUp, PhaseFailed:
		return StatusInitial
	case PhasePollHealth:
		return StatusStarting
	default:
		return StatusReady
	}
}

// ResumeView is a point-in-time summary of a workload's resume state.
type ResumeView struct {
	WorkloadID     WorkloadID   `json:"workload_id" yaml:"workload_id"`
	Stashed        bool         `json:"stashed" yaml:"stashed"`
	Running        bool         `json:"running" yaml:"running"`
	ExecutionID    string       `json:"execution_id,omitempty" yaml:"execution_id,omitempty"`
	Phase          Phase        `json:"phase,omitempty" yaml:"phase,omitempty"`
	Status         ResumeStatus `json:"status" yaml:"status"`
	LastError      string       `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty" yaml:"lease_expires_at,omitempty"`
}
