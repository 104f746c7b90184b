package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.Store on SQLite. Compare-and-set operations are
// single conditional UPDATEs, so the winner is decided by the database even
// across processes sharing the file.
type SQLiteStore struct {
	dbPath      string
	busyTimeout time.Duration
	db          *sql.DB
	now         func() time.Time
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithBusyTimeout sets how long a writer waits for another process's lock.
func WithBusyTimeout(d time.Duration) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:      dbPath,
		busyTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		dbPath, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes in-process writers; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs pending migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Routing state
// =============================================================================

type routingRow struct {
	state     string
	version   int64
	payload   []byte
	checksum  string
	updatedAt int64
}

func (r routingRow) record() routingRecord {
	return routingRecord{
		Kind:      core.RoutingStateKind(r.state),
		Version:   r.version,
		Payload:   r.payload,
		Checksum:  r.checksum,
		UpdatedAt: fromNanos(r.updatedAt),
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRoutingRow(ctx context.Context, q queryer, id core.WorkloadID) (routingRow, bool, error) {
	var row routingRow
	err := q.QueryRowContext(ctx, `
		SELECT state, version, payload, checksum, updated_at
		FROM routing_state WHERE workload_id = ?
	`, string(id)).Scan(&row.state, &row.version, &row.payload, &row.checksum, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return routingRow{}, false, nil
	}
	if err != nil {
		return routingRow{}, false, fmt.Errorf("reading routing state: %w", err)
	}
	return row, true, nil
}

// ReadRoutingState returns the current routing state.
func (s *SQLiteStore) ReadRoutingState(ctx context.Context, id core.WorkloadID) (core.RoutingState, error) {
	row, ok, err := readRoutingRow(ctx, s.db, id)
	if err != nil {
		return core.RoutingState{}, err
	}
	if !ok {
		return core.EmptyState(0), nil
	}
	return row.record().toState()
}

// CompareAndStash stores actions if the current state is expected and empty.
func (s *SQLiteStore) CompareAndStash(ctx context.Context, id core.WorkloadID, expected core.RoutingState, actions []core.StashedAction) (core.RoutingState, error) {
	payload, checksum, err := prepareStash(expected, actions)
	if err != nil {
		return core.RoutingState{}, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO routing_state (workload_id, state, version, payload, checksum, updated_at)
		VALUES (?, 'empty', 0, NULL, '', ?)
	`, string(id), now.UnixNano()); err != nil {
		return core.RoutingState{}, fmt.Errorf("initializing routing state: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE routing_state
		SET state = 'stashed', version = version + 1, payload = ?, checksum = ?, updated_at = ?
		WHERE workload_id = ? AND state = 'empty' AND version = ?
	`, payload, checksum, now.UnixNano(), string(id), expected.Version)
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("stashing routing state: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.RoutingState{}, fmt.Errorf("checking stash result: %w", err)
	} else if n == 0 {
		return core.RoutingState{}, s.stashConflict(ctx, tx, id, expected)
	}

	if err := tx.Commit(); err != nil {
		return core.RoutingState{}, fmt.Errorf("committing stash: %w", err)
	}
	return core.RoutingState{
		Kind:      core.RoutingStateStashed,
		Actions:   actions,
		Version:   expected.Version + 1,
		Checksum:  checksum,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) stashConflict(ctx context.Context, tx *sql.Tx, id core.WorkloadID, expected core.RoutingState) error {
	row, _, err := readRoutingRow(ctx, tx, id)
	if err != nil {
		return err
	}
	if row.state == string(core.RoutingStateStashed) {
		return core.ErrConflict(core.CodeStashNotEmpty, "routing state is already stashed").
			WithDetail("workload", string(id))
	}
	return stashChanged(id, expected.Version, row.version)
}

// CompareAndClear empties the routing state if it is exactly expected.
func (s *SQLiteStore) CompareAndClear(ctx context.Context, id core.WorkloadID, expected core.RoutingState) (core.RoutingState, error) {
	if err := requireStashed(expected); err != nil {
		return core.RoutingState{}, err
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE routing_state
		SET state = 'empty', version = version + 1, payload = NULL, checksum = '', updated_at = ?
		WHERE workload_id = ? AND state = 'stashed' AND version = ? AND checksum = ?
	`, now.UnixNano(), string(id), expected.Version, expected.Checksum)
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("clearing routing state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.RoutingState{}, fmt.Errorf("checking clear result: %w", err)
	}
	if n == 0 {
		row, _, err := readRoutingRow(ctx, s.db, id)
		if err != nil {
			return core.RoutingState{}, err
		}
		return core.RoutingState{}, stashChanged(id, expected.Version, row.version)
	}

	state := core.EmptyState(expected.Version + 1)
	state.UpdatedAt = now
	return state, nil
}

// =============================================================================
// Leases and executions
// =============================================================================

// AcquireLease grants lease unless a live one exists. The upsert only
// overwrites a released or expired row, so concurrent callers get one winner.
func (s *SQLiteStore) AcquireLease(ctx context.Context, lease core.Lease) (core.Lease, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_leases (workload_id, execution_id, owner, acquired_at, expires_at, released)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(workload_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			released = 0
		WHERE resume_leases.released = 1 OR resume_leases.expires_at <= excluded.acquired_at
	`, string(lease.WorkloadID), lease.ExecutionID, lease.Owner,
		lease.AcquiredAt.UnixNano(), lease.ExpiresAt.UnixNano())
	if err != nil {
		return core.Lease{}, fmt.Errorf("acquiring lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Lease{}, fmt.Errorf("checking lease result: %w", err)
	}
	if n == 0 {
		held, err := s.ActiveLease(ctx, lease.WorkloadID, lease.AcquiredAt)
		if err != nil {
			return core.Lease{}, err
		}
		if held == nil {
			held = &core.Lease{WorkloadID: lease.WorkloadID}
		}
		return core.Lease{}, leaseHeld(*held)
	}
	return lease, nil
}

// RenewLease extends a lease still owned by lease.Owner.
func (s *SQLiteStore) RenewLease(ctx context.Context, lease core.Lease, until time.Time) (core.Lease, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resume_leases SET expires_at = ?
		WHERE workload_id = ? AND owner = ? AND released = 0
	`, until.UnixNano(), string(lease.WorkloadID), lease.Owner)
	if err != nil {
		return core.Lease{}, fmt.Errorf("renewing lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Lease{}, fmt.Errorf("checking renew result: %w", err)
	}
	if n == 0 {
		return core.Lease{}, leaseLost(lease)
	}
	lease.ExpiresAt = until
	return lease, nil
}

// ReleaseLease drops a lease owned by lease.Owner.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, lease core.Lease) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE resume_leases SET released = 1
		WHERE workload_id = ? AND owner = ?
	`, string(lease.WorkloadID), lease.Owner); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// ActiveLease returns the live lease for the workload, or nil.
func (s *SQLiteStore) ActiveLease(ctx context.Context, id core.WorkloadID, now time.Time) (*core.Lease, error) {
	var (
		lease                 core.Lease
		acquiredAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, owner, acquired_at, expires_at
		FROM resume_leases
		WHERE workload_id = ? AND released = 0 AND expires_at > ?
	`, string(id), now.UnixNano()).Scan(&lease.ExecutionID, &lease.Owner, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease: %w", err)
	}
	lease.WorkloadID = id
	lease.AcquiredAt = fromNanos(acquiredAt)
	lease.ExpiresAt = fromNanos(expiresAt)
	return &lease, nil
}

// SaveExecution upserts an execution record.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *core.ResumeExecution) error {
	var finished sql.NullInt64
	if exec.FinishedAt != nil {
		finished = sql.NullInt64{Int64: exec.FinishedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_executions (id, workload_id, phase, started_at, updated_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at,
			error = excluded.error
	`, exec.ID, string(exec.WorkloadID), string(exec.Phase),
		exec.StartedAt.UnixNano(), exec.UpdatedAt.UnixNano(), finished, exec.Error)
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", exec.ID, err)
	}
	return nil
}

// LatestExecution returns the most recently started execution, or nil.
func (s *SQLiteStore) LatestExecution(ctx context.Context, id core.WorkloadID) (*core.ResumeExecution, error) {
	var (
		exec                 core.ResumeExecution
		phase                string
		startedAt, updatedAt int64
		finished             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, phase, started_at, updated_at, finished_at, error
		FROM resume_executions
		WHERE workload_id = ?
		ORDER BY started_at DESC, updated_at DESC
		LIMIT 1
	`, string(id)).Scan(&exec.ID, &phase, &startedAt, &updatedAt, &finished, &exec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest execution: %w", err)
	}
	exec.WorkloadID = id
	exec.Phase = core.Phase(phase)
	exec.StartedAt = fromNanos(startedAt)
	exec.UpdatedAt = fromNanos(updatedAt)
	if finished.Valid {
		t := fromNanos(finished.Int64)
		exec.FinishedAt = &t
	}
	return &exec, nil
}

// =============================================================================
// Schedules
// =============================================================================

// ScheduleFlag returns the stored schedule flag.
func (s *SQLiteStore) ScheduleFlag(ctx context.Context, id string) (bool, bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, "SELECT enabled FROM schedules WHERE id = ?", id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("reading schedule %s: %w", id, err)
	}
	return enabled, true, nil
}

// SetScheduleFlag stores a schedule flag.
func (s *SQLiteStore) SetScheduleFlag(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, id, enabled, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("saving schedule %s: %w", id, err)
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

var _ core.Store = (*SQLiteStore)(nil)
