package state

import (
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// document is the whole store as one value. The memory and JSON backends
// share it and differ only in where it lives between calls.
type document struct {
	Routing    map[core.WorkloadID]routingRecord `json:"routing"`
	Leases     map[core.WorkloadID]core.Lease    `json:"leases"`
	Executions map[string]core.ResumeExecution   `json:"executions"`
	Schedules  map[string]bool                   `json:"schedules"`
}

// routingRecord is the stored form of a routing state. Payload holds the
// encoded actions exactly as checksummed.
type routingRecord struct {
	Kind      core.RoutingStateKind `json:"kind"`
	Version   int64                 `json:"version"`
	Payload   []byte                `json:"payload,omitempty"`
	Checksum  string                `json:"checksum,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func newDocument() *document {
	d := &document{}
	d.init()
	return d
}

func (d *document) init() {
	if d.Routing == nil {
		d.Routing = make(map[core.WorkloadID]routingRecord)
	}
	if d.Leases == nil {
		d.Leases = make(map[core.WorkloadID]core.Lease)
	}
	if d.Executions == nil {
		d.Executions = make(map[string]core.ResumeExecution)
	}
	if d.Schedules == nil {
		d.Schedules = make(map[string]bool)
	}
}

func (d *document) readRouting(id core.WorkloadID) (core.RoutingState, error) {
	rec, ok := d.Routing[id]
	if !ok {
		return core.EmptyState(0), nil
	}
	return rec.toState()
}

func (r routingRecord) toState() (core.RoutingState, error) {
	if r.Kind != core.RoutingStateStashed {
		s := core.EmptyState(r.Version)
		s.UpdatedAt = r.UpdatedAt
		return s, nil
	}
	actions, err := core.DecodeActions(r.Payload, r.Checksum)
	if err != nil {
		return core.RoutingState{}, err
	}
	return core.RoutingState{
		Kind:      core.RoutingStateStashed,
		Actions:   actions,
		Version:   r.Version,
		Checksum:  r.Checksum,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (d *document) compareAndStash(id core.WorkloadID, expected core.RoutingState, actions []core.StashedAction, now time.Time) (core.RoutingState, error) {
	payload, checksum, err := prepareStash(expected, actions)
	if err != nil {
		return core.RoutingState{}, err
	}

	current := d.Routing[id]
	if current.Kind == core.RoutingStateStashed {
		return core.RoutingState{}, core.ErrConflict(core.CodeStashNotEmpty, "routing state is already stashed").
			WithDetail("workload", string(id))
	}
	if current.Version != expected.Version {
		return core.RoutingState{}, stashChanged(id, expected.Version, current.Version)
	}

	rec := routingRecord{
		Kind:      core.RoutingStateStashed,
		Version:   current.Version + 1,
		Payload:   payload,
		Checksum:  checksum,
		UpdatedAt: now,
	}
	d.Routing[id] = rec
	return rec.toState()
}

func (d *document) compareAndClear(id core.WorkloadID, expected core.RoutingState, now time.Time) (core.RoutingState, error) {
	if err := requireStashed(expected); err != nil {
		return core.RoutingState{}, err
	}

	current, ok := d.Routing[id]
	if !ok || current.Kind != core.RoutingStateStashed ||
		current.Version != expected.Version || current.Checksum != expected.Checksum {
		return core.RoutingState{}, stashChanged(id, expected.Version, current.Version)
	}

	rec := routingRecord{Kind: core.RoutingStateEmpty, Version: current.Version + 1, UpdatedAt: now}
	d.Routing[id] = rec
	return rec.toState()
}

func (d *document) acquireLease(lease core.Lease) (core.Lease, error) {
	if held, ok := d.Leases[lease.WorkloadID]; ok && held.Live(lease.AcquiredAt) {
		return core.Lease{}, leaseHeld(held)
	}
	d.Leases[lease.WorkloadID] = lease
	return lease, nil
}

func (d *document) renewLease(lease core.Lease, until time.Time) (core.Lease, error) {
	held, ok := d.Leases[lease.WorkloadID]
	if !ok || held.Owner != lease.Owner {
		return core.Lease{}, leaseLost(lease)
	}
	held.ExpiresAt = until
	d.Leases[lease.WorkloadID] = held
	return held, nil
}

func (d *document) releaseLease(lease core.Lease) {
	if held, ok := d.Leases[lease.WorkloadID]; ok && held.Owner == lease.Owner {
		delete(d.Leases, lease.WorkloadID)
	}
}

func (d *document) activeLease(id core.WorkloadID, now time.Time) *core.Lease {
	held, ok := d.Leases[id]
	if !ok || !held.Live(now) {
		return nil
	}
	return &held
}

func (d *document) latestExecution(id core.WorkloadID) *core.ResumeExecution {
	var execs []core.ResumeExecution
	for _, e := range d.Executions {
		if e.WorkloadID == id {
			execs = append(execs, e)
		}
	}
	if len(execs) == 0 {
		return nil
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].UpdatedAt.After(execs[j].UpdatedAt)
		}
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
	latest := execs[0]
	return &latest
}

func (d *document) scheduleFlag(id string) (bool, bool) {
	enabled, ok := d.Schedules[id]
	return enabled, ok
}
