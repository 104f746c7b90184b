package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/memory"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/monitor"
	"github.com/hugo-lorenzo-mato/autostop/internal/testutil"
)

func TestNoDoubleSuspend(t *testing.T) {
	h := testutil.NewHarness(t, testutil.HarnessOptions{Rules: 3})
	ctx := context.Background()

	decisions := make([]monitor.Decision, 0, 5)
	for i := 0; i < 5; i++ {
		decisions = append(decisions, h.App.CheckIdle(ctx, false).Decision)
	}
	assert.Equal(t, monitor.Suspended, decisions[0])
	for _, d := range decisions[1:] {
		assert.Equal(t, monitor.Disarmed, d)
	}

	_, err := h.App.Suspend(ctx)
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	scaleDowns := 0
	for _, call := range h.Backend.Calls() {
		if strings.HasPrefix(call, memory.OpSetReplicaCount) && strings.HasSuffix(call, " 0") {
			scaleDowns++
		}
	}
	assert.Equal(t, 1, scaleDowns)
	assert.Len(t, h.Stash(t).Actions, 3)
}

func TestConcurrentStash_ExactlyOneWins(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite", "json"} {
		t.Run(backend, func(t *testing.T) {
			h := testutil.NewHarness(t, testutil.HarnessOptions{StateBackend: backend})
			ctx := context.Background()
			store := h.App.Store

			empty, err := store.ReadRoutingState(ctx, h.Workload())
			require.NoError(t, err)

			const n = 8
			var wins, conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					actions := []core.StashedAction{{
						RuleID:   core.RuleID(fmt.Sprintf("rule-%d", i)),
						Original: core.ForwardToReal("shop-0", nil),
					}}
					_, err := store.CompareAndStash(ctx, h.Workload(), empty, actions)
					switch {
					case err == nil:
						wins.Add(1)
					case core.IsConflict(err):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(n-1), conflicts.Load())
		})
	}
}

func TestResumeBoundaries_AllFallbackOrAllRestored(t *testing.T) {
	type snapshot struct {
		phase   core.Phase
		actions map[core.RuleID]core.RuleAction
	}
	var (
		mu        sync.Mutex
		snapshots []snapshot
		h         *testutil.Harness
	)
	h = testutil.NewHarness(t, testutil.HarnessOptions{Rules: 4, Targets: 2, Hook: func(exec core.ResumeExecution) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, snapshot{phase: exec.Phase, actions: h.RuleActions()})
	}})
	original := h.RuleActions()

	require.Equal(t, monitor.Suspended, h.App.CheckIdle(context.Background(), false).Decision)
	_, err := h.App.Resume(context.Background())
	require.NoError(t, err)
	h.App.Engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	assert.Equal(t, core.PhaseDone, snapshots[len(snapshots)-1].phase)
	for _, s := range snapshots {
		allFallback, allRestored := true, true
		for id, action := range s.actions {
			allFallback = allFallback && action.IsFallback()
			allRestored = allRestored && action.Equal(original[id])
		}
		assert.True(t, allFallback || allRestored, "mixed routing at %s: %v", s.phase, s.actions)
	}
}

func TestRoundTrip_RestoresEveryRule(t *testing.T) {
	for _, rules := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("%d rules", rules), func(t *testing.T) {
			h := testutil.NewHarness(t, testutil.HarnessOptions{Rules: rules, Targets: 3})
			original := h.RuleActions()
			ctx := context.Background()

			_, err := h.App.Suspend(ctx)
			require.NoError(t, err)
			for id, action := range h.RuleActions() {
				require.True(t, action.IsFallback(), "rule %s not on fallback", id)
			}

			_, err = h.App.Resume(ctx)
			require.NoError(t, err)
			h.App.Engine.Wait()

			assert.Equal(t, original, h.RuleActions())
			assert.True(t, h.Stash(t).IsEmpty())
		})
	}
}

// scaleDownHook runs onZero just before the workload is scaled to zero.
type scaleDownHook struct {
	core.WorkloadController
	onZero func()
}

func (s *scaleDownHook) SetReplicaCount(ctx context.Context, id core.WorkloadID, n int32) error {
	if n == 0 {
		s.onZero()
	}
	return s.WorkloadController.SetReplicaCount(ctx, id, n)
}

func TestResumeRequestedMidSuspendDoesNotRestoreRouting(t *testing.T) {
	ctx := context.Background()
	var (
		h        *testutil.Harness
		midStart core.StartResult
		midErr   error
	)
	h = testutil.NewHarness(t, testutil.HarnessOptions{
		Rules: 2,
		WrapWorkloads: func(w core.WorkloadController) core.WorkloadController {
			return &scaleDownHook{WorkloadController: w, onZero: func() {
				midStart, midErr = h.App.Engine.StartIfNotRunning(ctx, h.Workload())
				h.App.Engine.Wait()
			}}
		},
	})
	original := h.RuleActions()

	_, err := h.App.Suspend(ctx)
	require.NoError(t, err)
	require.NoError(t, midErr)
	assert.True(t, midStart.AlreadyRunning, "suspend holds the lease")

	assert.Equal(t, int32(0), h.Replicas())
	for id, action := range h.RuleActions() {
		assert.True(t, action.IsFallback(), "rule %s must stay on the fallback", id)
	}
	assert.False(t, h.Stash(t).IsEmpty())
	assert.Empty(t, h.Alerts.Alerts())

	res, err := h.App.Engine.StartIfNotRunning(ctx, h.Workload())
	require.NoError(t, err)
	assert.False(t, res.AlreadyRunning)
	h.App.Engine.Wait()

	assert.Equal(t, original, h.RuleActions())
	assert.True(t, h.Stash(t).IsEmpty())
}
