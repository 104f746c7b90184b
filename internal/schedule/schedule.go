// Package schedule runs the orchestrator's periodic jobs on cron expressions
// and keeps each job's enabled flag in the state store, so a disarmed idle
// monitor stays disarmed across restarts and across processes sharing a store.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
)

// Well-known schedule IDs.
const (
	IdleCheck = "idle-check"
	Reconcile = "reconcile"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context)

// Entry describes a registered job.
type Entry struct {
	ID      string    `json:"id" yaml:"id"`
	Spec    string    `json:"spec" yaml:"spec"`
	Gated   bool      `json:"gated" yaml:"gated"`
	Enabled bool      `json:"enabled" yaml:"enabled"`
	Next    time.Time `json:"next,omitempty" yaml:"next,omitempty"`
}

type entry struct {
	spec    string
	gated   bool
	cronID  cron.EntryID
	enabled bool // last flag seen, used when the store is unreachable
}

// Controller implements core.ScheduleController.
type Controller struct {
	store  core.ScheduleStateStore
	logger *logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a controller persisting flags in store.
func New(store core.ScheduleStateStore, logger *logging.Logger) *Controller {
	logger = logger.WithComponent("schedule")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  store,
		logger: logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job running on spec. A gated job only runs while its
// enabled flag is set; the flag defaults to enabled when never stored.
func (c *Controller) Register(id, spec string, gated bool, job Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("schedule %s already registered", id))
	}

	e := &entry{spec: spec, gated: gated, enabled: true}
	cronID, err := c.cron.AddFunc(spec, func() { c.run(id, e, job) })
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("invalid schedule %q for %s", spec, id)).WithCause(err)
	}
	e.cronID = cronID
	c.entries[id] = e
	return nil
}

func (c *Controller) run(id string, e *entry, job Job) {
	if e.gated {
		enabled, err := c.ScheduleEnabled(c.ctx, id)
		if err != nil {
			c.mu.Lock()
			enabled = e.enabled
			c.mu.Unlock()
			c.logger.Warn("reading schedule flag failed, using last known value",
				"schedule", id, "enabled", enabled, "error", err)
		}
		if !enabled {
			c.logger.Debug("schedule disarmed, skipping tick", "schedule", id)
			return
		}
	}
	job(c.ctx)
}

// Start begins running registered jobs in the background.
func (c *Controller) Start() {
	c.cron.Start()
}

// Stop halts scheduling, cancels running jobs' context and returns a context
// that is done once they have returned.
func (c *Controller) Stop() context.Context {
	done := c.cron.Stop()
	c.cancel()
	return done
}

// EnableSchedule arms a schedule.
func (c *Controller) EnableSchedule(ctx context.Context, id string) error {
	return c.setEnabled(ctx, id, true)
}

// DisableSchedule disarms a schedule.
func (c *Controller) DisableSchedule(ctx context.Context, id string) error {
	return c.setEnabled(ctx, id, false)
}

func (c *Controller) setEnabled(ctx context.Context, id string, enabled bool) error {
	if err := c.store.SetScheduleFlag(ctx, id, enabled); err != nil {
		return core.ErrTransient(core.CodeScheduleCall, fmt.Sprintf("saving schedule %s flag", id)).WithCause(err)
	}
	c.remember(id, enabled)
	c.logger.Info("schedule flag changed", "schedule", id, "enabled", enabled)
	return nil
}

// ScheduleEnabled reports whether a schedule is armed. Never-stored flags are armed.
func (c *Controller) ScheduleEnabled(ctx context.Context, id string) (bool, error) {
	enabled, found, err := c.store.ScheduleFlag(ctx, id)
	if err != nil {
		return false, core.ErrTransient(core.CodeScheduleCall, fmt.Sprintf("reading schedule %s flag", id)).WithCause(err)
	}
	if !found {
		enabled = true
	}
	c.remember(id, enabled)
	return enabled, nil
}

func (c *Controller) remember(id string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.enabled = enabled
	}
}

// Entries lists registered jobs sorted by ID.
func (c *Controller) Entries(ctx context.Context) []Entry {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		enabled, err := c.ScheduleEnabled(ctx, id)
		c.mu.Lock()
		e := c.entries[id]
		if err != nil {
			enabled = e.enabled
		}
		out = append(out, Entry{
			ID:      id,
			Spec:    e.spec,
			Gated:   e.gated,
			Enabled: enabled,
			Next:    c.cron.Entry(e.cronID).Next,
		})
		c.mu.Unlock()
	}
	return out
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

var _ core.ScheduleController = (*Controller)(nil)
