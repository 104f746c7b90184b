package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// JSONStore keeps all state in a single JSON document. Every call runs under
// a process mutex and an exclusive lock file, so several autostop processes
// may share one file.
type JSONStore struct {
	path string
	lock *fileLock
	mu   sync.Mutex
	now  func() time.Time
}

// JSONStoreOption configures the store.
type JSONStoreOption func(*JSONStore)

// NewJSONStore creates a JSON file store at path.
func NewJSONStore(path string, opts ...JSONStoreOption) *JSONStore {
	s := &JSONStore{
		path: path,
		lock: &fileLock{path: path + ".lock", ttl: time.Minute, retry: 20 * time.Millisecond},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLockTTL sets the age after which a lock file is considered stale.
func WithLockTTL(ttl time.Duration) JSONStoreOption {
	return func(s *JSONStore) {
		if ttl > 0 {
			s.lock.ttl = ttl
		}
	}
}

// documentEnvelope wraps the document with its checksum.
type documentEnvelope struct {
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
	Document  *document `json:"document"`
}

// view runs fn against the current document without writing it back.
func (s *JSONStore) view(ctx context.Context, fn func(*document) error) error {
	return s.run(ctx, false, fn)
}

// update runs fn against the current document and persists it if fn succeeds.
func (s *JSONStore) update(ctx context.Context, fn func(*document) error) error {
	return s.run(ctx, true, fn)
}

func (s *JSONStore) run(ctx context.Context, write bool, fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lock.release() }()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.save(doc)
}

func (s *JSONStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var env documentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.ErrInvariant(core.CodeStateCorrupted, "state file is not valid JSON").WithCause(err)
	}
	if env.Document == nil {
		return nil, core.ErrInvariant(core.CodeStateCorrupted, "state file has no document")
	}

	sum, err := documentChecksum(env.Document)
	if err != nil {
		return nil, err
	}
	if sum != env.Checksum {
		return nil, core.ErrInvariant(core.CodeStateCorrupted, "state file checksum mismatch")
	}

	env.Document.init()
	return env.Document, nil
}

func (s *JSONStore) save(doc *document) error {
	sum, err := documentChecksum(doc)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(documentEnvelope{
		Version:   1,
		Checksum:  sum,
		UpdatedAt: s.now(),
		Document:  doc,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func documentChecksum(doc *document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling document for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ReadRoutingState returns the current routing state.
func (s *JSONStore) ReadRoutingState(ctx context.Context, id core.WorkloadID) (core.RoutingState, error) {
	var out core.RoutingState
	err := s.view(ctx, func(d *document) error {
		var err error
		out, err = d.readRouting(id)
		return err
	})
	return out, err
}

// CompareAndStash stores actions if the current state is expected and empty.
func (s *JSONStore) CompareAndStash(ctx context.Context, id core.WorkloadID, expected core.RoutingState, actions []core.StashedAction) (core.RoutingState, error) {
	var out core.RoutingState
	err := s.update(ctx, func(d *document) error {
		var err error
		out, err = d.compareAndStash(id, expected, actions, s.now())
		return err
	})
	return out, err
}

// CompareAndClear empties the routing state if it is exactly expected.
func (s *JSONStore) CompareAndClear(ctx context.Context, id core.WorkloadID, expected core.RoutingState) (core.RoutingState, error) {
	var out core.RoutingState
	err := s.update(ctx, func(d *document) error {
		var err error
		out, err = d.compareAndClear(id, expected, s.now())
		return err
	})
	return out, err
}

// AcquireLease grants lease unless a live one exists.
func (s *JSONStore) AcquireLease(ctx context.Context, lease core.Lease) (core.Lease, error) {
	var out core.Lease
	err := s.update(ctx, func(d *document) error {
		var err error
		out, err = d.acquireLease(lease)
		return err
	})
	return out, err
}

// RenewLease extends a lease still owned by lease.Owner.
func (s *JSONStore) RenewLease(ctx context.Context, lease core.Lease, until time.Time) (core.Lease, error) {
	var out core.Lease
	err := s.update(ctx, func(d *document) error {
		var err error
		out, err = d.renewLease(lease, until)
		return err
	})
	return out, err
}

// ReleaseLease drops a lease owned by lease.Owner.
func (s *JSONStore) ReleaseLease(ctx context.Context, lease core.Lease) error {
	return s.update(ctx, func(d *document) error {
		d.releaseLease(lease)
		return nil
	})
}

// ActiveLease returns the live lease for the workload, or nil.
func (s *JSONStore) ActiveLease(ctx context.Context, id core.WorkloadID, now time.Time) (*core.Lease, error) {
	var out *core.Lease
	err := s.view(ctx, func(d *document) error {
		out = d.activeLease(id, now)
		return nil
	})
	return out, err
}

// SaveExecution upserts an execution record.
func (s *JSONStore) SaveExecution(ctx context.Context, exec *core.ResumeExecution) error {
	return s.update(ctx, func(d *document) error {
		d.Executions[exec.ID] = *exec
		return nil
	})
}

// LatestExecution returns the most recently started execution, or nil.
func (s *JSONStore) LatestExecution(ctx context.Context, id core.WorkloadID) (*core.ResumeExecution, error) {
	var out *core.ResumeExecution
	err := s.view(ctx, func(d *document) error {
		out = d.latestExecution(id)
		return nil
	})
	return out, err
}

// ScheduleFlag returns the stored schedule flag.
func (s *JSONStore) ScheduleFlag(ctx context.Context, id string) (bool, bool, error) {
	var enabled, found bool
	err := s.view(ctx, func(d *document) error {
		enabled, found = d.scheduleFlag(id)
		return nil
	})
	return enabled, found, err
}

// SetScheduleFlag stores a schedule flag.
func (s *JSONStore) SetScheduleFlag(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, func(d *document) error {
		d.Schedules[id] = enabled
		return nil
	})
}

// Path returns the state file path.
func (s *JSONStore) Path() string {
	return s.path
}

// Close is a no-op; the lock file is only held during a call.
func (s *JSONStore) Close() error {
	return nil
}

var _ core.Store = (*JSONStore)(nil)
