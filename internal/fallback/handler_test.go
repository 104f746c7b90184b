package fallback

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/alert"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

const wl core.WorkloadID = "default/shop"

type fakeResumer struct {
	mu       sync.Mutex
	view     core.ResumeView
	viewErr  error
	startErr error
	starts   atomic.Int32
	views    atomic.Int32
}

func (f *fakeResumer) ResumeView(context.Context, core.WorkloadID) (core.ResumeView, error) {
	f.views.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.viewErr
}

func (f *fakeResumer) StartIfNotRunning(context.Context, core.WorkloadID) (core.StartResult, error) {
	f.starts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return core.StartResult{}, f.startErr
	}
	if f.view.Running {
		return core.StartResult{ExecutionID: f.view.ExecutionID, AlreadyRunning: true}, nil
	}
	f.view.Running = true
	f.view.ExecutionID = "exec-1"
	f.view.Phase = core.PhaseInit
	f.view.Status = core.StatusInitial
	return core.StartResult{ExecutionID: "exec-1"}, nil
}

func (f *fakeResumer) set(view core.ResumeView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
}

func newHandler(r Resumer, ttl time.Duration) (*Handler, *alert.Recorder) {
	alerts := &alert.Recorder{}
	h := New(Config{
		Workload:       wl,
		RefreshSeconds: 5,
		StatusCacheTTL: ttl,
		Page: Page{
			Title:   "Waking up",
			Heading: "Almost there",
			Message: "Hold on <tight>",
			CSS:     "body{color:red}",
		},
	}, r, alerts, nil)
	return h, alerts
}

func do(t *testing.T, h http.Handler, method, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestServe_GetStartsResumeAndRendersPage(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{WorkloadID: wl, Stashed: true}}
	h, _ := newHandler(r, 0)

	res, body := do(t, h, http.MethodGet, "/cart?item=1")

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, "initial", res.Header.Get(StatusHeader))
	assert.Equal(t, int32(1), r.starts.Load())

	assert.Contains(t, body, `<meta http-equiv="refresh" content="5">`)
	assert.Contains(t, body, "<title>Waking up</title>")
	assert.Contains(t, body, "Hold on &lt;tight&gt;")
	assert.Contains(t, body, "body{color:red}")
	assert.Contains(t, body, "Step 1 of 3: Service startup requested")
}

func TestServe_RunningExecutionIsNotRestarted(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{
		WorkloadID: wl, Stashed: true, Running: true,
		ExecutionID: "exec-9", Phase: core.PhasePollHealth, Status: core.StatusStarting,
	}}
	h, _ := newHandler(r, 0)

	res, body := do(t, h, http.MethodGet, "/")
	assert.Equal(t, "starting", res.Header.Get(StatusHeader))
	assert.Contains(t, body, "Step 2 of 3: Service starting")
	assert.Zero(t, r.starts.Load())
}

func TestServe_NotStashedIsReady(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{WorkloadID: wl}}
	h, _ := newHandler(r, 0)

	res, body := do(t, h, http.MethodGet, "/")
	assert.Equal(t, "ready", res.Header.Get(StatusHeader))
	assert.Contains(t, body, "Step 3 of 3")
	assert.Zero(t, r.starts.Load())
}

func TestServe_NonGetIsLightweight(t *testing.T) {
	for _, method := range []string{http.MethodHead, http.MethodPost, http.MethodOptions, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			r := &fakeResumer{view: core.ResumeView{WorkloadID: wl, Stashed: true}}
			h, _ := newHandler(r, 0)

			res, body := do(t, h, method, "/api/orders")
			assert.Equal(t, http.StatusAccepted, res.StatusCode)
			assert.Equal(t, "initial", res.Header.Get(StatusHeader))
			assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
			if method != http.MethodHead {
				assert.Equal(t, "Service startup requested\n", body)
			}
			assert.Equal(t, int32(1), r.starts.Load())
		})
	}
}

func TestServe_StartFailureStillAnswers(t *testing.T) {
	r := &fakeResumer{
		view:     core.ResumeView{WorkloadID: wl, Stashed: true},
		startErr: core.ErrTransient(core.CodeRouterCall, "store unavailable"),
	}
	h, alerts := newHandler(r, time.Minute)

	res, _ := do(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "initial", res.Header.Get(StatusHeader))
	require.Len(t, alerts.Alerts(), 1)

	// Failures are not cached; the next request tries again.
	do(t, h, http.MethodGet, "/")
	assert.Equal(t, int32(2), r.starts.Load())
}

func TestServe_ViewFailureServesInitial(t *testing.T) {
	r := &fakeResumer{viewErr: errors.New("database is locked")}
	h, _ := newHandler(r, 0)

	res, _ := do(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "initial", res.Header.Get(StatusHeader))
	assert.Zero(t, r.starts.Load())
}

func TestStatus_CachedWithinTTL(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{WorkloadID: wl, Stashed: true}}
	h, _ := newHandler(r, time.Hour)

	for i := 0; i < 10; i++ {
		assert.Equal(t, core.StatusInitial, h.Status(context.Background()))
	}
	assert.Equal(t, int32(1), r.views.Load())
	assert.Equal(t, int32(1), r.starts.Load())
}

func TestStatus_ConcurrentRequestsStartOnce(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{WorkloadID: wl, Stashed: true}}
	h, _ := newHandler(r, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := do(t, h, http.MethodGet, "/")
			assert.Equal(t, http.StatusOK, res.StatusCode)
		}()
	}
	wg.Wait()

	// Every caller may ask, but the resumer reports AlreadyRunning after the first.
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, "exec-1", r.view.ExecutionID)
}

func TestSetPage(t *testing.T) {
	r := &fakeResumer{view: core.ResumeView{WorkloadID: wl}}
	h, _ := newHandler(r, 0)

	h.SetPage(Page{Title: "Reloaded", Heading: "New heading"})
	_, body := do(t, h, http.MethodGet, "/")
	assert.Contains(t, body, "<title>Reloaded</title>")
	assert.Contains(t, body, "New heading")
	assert.NotContains(t, body, "Almost there")
}
