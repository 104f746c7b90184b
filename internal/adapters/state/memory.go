package state

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// MemoryStore keeps all state in process memory. State is lost on exit.
type MemoryStore struct {
	mu  sync.Mutex
	doc *document
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: newDocument(), now: time.Now}
}

// ReadRoutingState returns the current routing state.
func (s *MemoryStore) ReadRoutingState(_ context.Context, id core.WorkloadID) (core.RoutingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.readRouting(id)
}

// CompareAndStash stores actions if the current state is expected and empty.
func (s *MemoryStore) CompareAndStash(_ context.Context, id core.WorkloadID, expected core.RoutingState, actions []core.StashedAction) (core.RoutingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.compareAndStash(id, expected, actions, s.now())
}

// CompareAndClear empties the routing state if it is exactly expected.
func (s *MemoryStore) CompareAndClear(_ context.Context, id core.WorkloadID, expected core.RoutingState) (core.RoutingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.compareAndClear(id, expected, s.now())
}

// AcquireLease grants lease unless a live one exists.
func (s *MemoryStore) AcquireLease(_ context.Context, lease core.Lease) (core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.acquireLease(lease)
}

// RenewLease extends a lease still owned by lease.Owner.
func (s *MemoryStore) RenewLease(_ context.Context, lease core.Lease, until time.Time) (core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.renewLease(lease, until)
}

// ReleaseLease drops a lease owned by lease.Owner.
func (s *MemoryStore) ReleaseLease(_ context.Context, lease core.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.releaseLease(lease)
	return nil
}

// ActiveLease returns the live lease for the workload, or nil.
func (s *MemoryStore) ActiveLease(_ context.Context, id core.WorkloadID, now time.Time) (*core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.activeLease(id, now), nil
}

// SaveExecution upserts an execution record.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *core.ResumeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Executions[exec.ID] = *exec
	return nil
}

// LatestExecution returns the most recently started execution, or nil.
func (s *MemoryStore) LatestExecution(_ context.Context, id core.WorkloadID) (*core.ResumeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.latestExecution(id), nil
}

// ScheduleFlag returns the stored schedule flag.
func (s *MemoryStore) ScheduleFlag(_ context.Context, id string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, found := s.doc.scheduleFlag(id)
	return enabled, found, nil
}

// SetScheduleFlag stores a schedule flag.
func (s *MemoryStore) SetScheduleFlag(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Schedules[id] = enabled
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ core.Store = (*MemoryStore)(nil)
