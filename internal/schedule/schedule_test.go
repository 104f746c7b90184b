package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
)

func TestController_FlagsPersistInStore(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	c := New(store, logging.NewNop())

	enabled, err := c.ScheduleEnabled(ctx, IdleCheck)
	require.NoError(t, err)
	assert.True(t, enabled, "never-stored schedules are armed")

	require.NoError(t, c.DisableSchedule(ctx, IdleCheck))

	// A second controller on the same store sees the disarmed flag.
	other := New(store, logging.NewNop())
	enabled, err = other.ScheduleEnabled(ctx, IdleCheck)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, other.EnableSchedule(ctx, IdleCheck))
	enabled, err = c.ScheduleEnabled(ctx, IdleCheck)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestController_RegisterRejectsBadSpecAndDuplicates(t *testing.T) {
	c := New(state.NewMemoryStore(), logging.NewNop())

	err := c.Register("bad", "every tuesday-ish", true, func(context.Context) {})
	require.Error(t, err)
	assert.Equal(t, core.ErrCatValidation, core.GetCategory(err))

	require.NoError(t, c.Register(IdleCheck, "@every 1h", true, func(context.Context) {}))
	require.Error(t, c.Register(IdleCheck, "@every 1h", true, func(context.Context) {}))
}

func TestController_GatedJobSkipsWhileDisarmed(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	c := New(store, logging.NewNop())

	var gated, ungated atomic.Int32
	require.NoError(t, c.Register(IdleCheck, "@every 1s", true, func(context.Context) { gated.Add(1) }))
	require.NoError(t, c.Register(Reconcile, "@every 1s", false, func(context.Context) { ungated.Add(1) }))
	require.NoError(t, c.DisableSchedule(ctx, IdleCheck))

	c.Start()
	deadline := time.Now().Add(3 * time.Second)
	for ungated.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	<-c.Stop().Done()

	assert.Positive(t, ungated.Load())
	assert.Zero(t, gated.Load())
}

func TestController_Entries(t *testing.T) {
	ctx := context.Background()
	c := New(state.NewMemoryStore(), logging.NewNop())
	require.NoError(t, c.Register(Reconcile, "@every 1m", false, func(context.Context) {}))
	require.NoError(t, c.Register(IdleCheck, "@every 5m", true, func(context.Context) {}))
	require.NoError(t, c.DisableSchedule(ctx, IdleCheck))

	entries := c.Entries(ctx)
	require.Len(t, entries, 2)
	assert.Equal(t, IdleCheck, entries[0].ID)
	assert.False(t, entries[0].Enabled)
	assert.Equal(t, "@every 5m", entries[0].Spec)
	assert.Equal(t, Reconcile, entries[1].ID)
	assert.True(t, entries[1].Enabled)
}

type failingStore struct{ core.ScheduleStateStore }

func (failingStore) ScheduleFlag(context.Context, string) (bool, bool, error) {
	return false, false, errors.New("disk gone")
}

func (failingStore) SetScheduleFlag(context.Context, string, bool) error {
	return errors.New("disk gone")
}

func TestController_StoreErrorsAreTransient(t *testing.T) {
	c := New(failingStore{}, logging.NewNop())

	_, err := c.ScheduleEnabled(context.Background(), IdleCheck)
	assert.True(t, core.IsRetryable(err))
	assert.ErrorIs(t, c.DisableSchedule(context.Background(), IdleCheck), core.ErrTransient(core.CodeScheduleCall, ""))
}
