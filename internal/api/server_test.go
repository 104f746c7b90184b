package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
	"github.com/hugo-lorenzo-mato/autostop/internal/monitor"
)

type fakeOrchestrator struct {
	status     app.Status
	statusErr  error
	suspendErr error
	resume     core.StartResult
	reconcile  *core.StartResult
	dryRun     *bool
}

func (f *fakeOrchestrator) Status(context.Context) (app.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeOrchestrator) Suspend(context.Context) (core.RoutingState, error) {
	if f.suspendErr != nil {
		return core.RoutingState{}, f.suspendErr
	}
	return core.RoutingState{Kind: core.RoutingStateStashed, Version: 4, Actions: make([]core.StashedAction, 2)}, nil
}

func (f *fakeOrchestrator) Resume(context.Context) (core.StartResult, error) {
	return f.resume, nil
}

func (f *fakeOrchestrator) CheckIdle(_ context.Context, dryRun bool) monitor.Result {
	f.dryRun = &dryRun
	return monitor.Result{Decision: monitor.Active, Requests: 12}
}

func (f *fakeOrchestrator) Reconcile(context.Context) (*core.StartResult, error) {
	return f.reconcile, nil
}

func request(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s := NewServer(&fakeOrchestrator{})
	rec, body := request(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestMetrics(t *testing.T) {
	metrics.Register()
	metrics.RecordIdleCheck("active")
	s := NewServer(&fakeOrchestrator{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autostop_idle_checks_total")
}

func TestStatus(t *testing.T) {
	replicas := int32(0)
	s := NewServer(&fakeOrchestrator{status: app.Status{
		Workload: "default/shop",
		Replicas: &replicas,
		Resume:   core.ResumeView{WorkloadID: "default/shop", Stashed: true, Status: core.StatusInitial},
	}})

	rec, body := request(t, s, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default/shop", body["workload"])
	assert.Equal(t, float64(0), body["replicas"])
	resume := body["resume"].(map[string]interface{})
	assert.Equal(t, true, resume["stashed"])
	assert.Equal(t, "initial", resume["status"])
}

func TestSuspend(t *testing.T) {
	rec, body := request(t, NewServer(&fakeOrchestrator{}), http.MethodPost, "/api/v1/suspend")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), body["version"])
	assert.Equal(t, float64(2), body["rules"])

	conflict := &fakeOrchestrator{suspendErr: core.ErrConflict(core.CodeStashNotEmpty, "already stashed")}
	rec, body = request(t, NewServer(conflict), http.MethodPost, "/api/v1/suspend")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeStashNotEmpty, body["code"])
	assert.Equal(t, "conflict", body["category"])

	rec, _ = request(t, NewServer(&fakeOrchestrator{}), http.MethodGet, "/api/v1/suspend")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResume(t *testing.T) {
	rec, body := request(t, NewServer(&fakeOrchestrator{resume: core.StartResult{ExecutionID: "e1"}}), http.MethodPost, "/api/v1/resume")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "e1", body["execution_id"])

	rec, body = request(t, NewServer(&fakeOrchestrator{resume: core.StartResult{ExecutionID: "e1", AlreadyRunning: true}}), http.MethodPost, "/api/v1/resume")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["already_running"])
}

func TestIdleCheck(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := NewServer(orch)

	rec, body := request(t, s, http.MethodPost, "/api/v1/idle-check?dry_run=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", body["decision"])
	require.NotNil(t, orch.dryRun)
	assert.True(t, *orch.dryRun)

	rec, _ = request(t, s, http.MethodPost, "/api/v1/idle-check")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *orch.dryRun)

	rec, _ = request(t, s, http.MethodPost, "/api/v1/idle-check?dry_run=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcile(t *testing.T) {
	rec, body := request(t, NewServer(&fakeOrchestrator{}), http.MethodPost, "/api/v1/reconcile")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["restarted"])

	orch := &fakeOrchestrator{reconcile: &core.StartResult{ExecutionID: "e2"}}
	rec, body = request(t, NewServer(orch), http.MethodPost, "/api/v1/reconcile")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "e2", body["execution_id"])
}

func TestCORS(t *testing.T) {
	s := NewServer(&fakeOrchestrator{}, WithCORS([]string{"https://ops.example.com"}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeListener_StopsOnCancel(t *testing.T) {
	lis := httptest.NewUnstartedServer(nil).Listener
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, lis, NewServer(&fakeOrchestrator{}).Handler(), logging.NewNop())
	}()

	res, err := http.Get("http://" + lis.Addr().String() + "/health")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestRespondDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", core.ErrValidation("BAD_INPUT", "bad"), http.StatusUnprocessableEntity, "BAD_INPUT"},
		{"not found", core.ErrNotFound("workload", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", core.ErrConflict(core.CodeStashNotEmpty, "stashed"), http.StatusConflict, core.CodeStashNotEmpty},
		{"timeout", core.ErrTimeout("timed out"), http.StatusGatewayTimeout, "TIMEOUT"},
		{"transient", core.ErrTransient(core.CodeRouterCall, "router down"), http.StatusBadGateway, core.CodeRouterCall},
		{"invariant", core.ErrInvariant(core.CodeStashEmpty, "empty"), http.StatusInternalServerError, core.CodeStashEmpty},
		{"wrapped", fmt.Errorf("ctx: %w", core.ErrConflict(core.CodeLeaseHeld, "held")), http.StatusConflict, core.CodeLeaseHeld},
		{"plain error", errors.New("plain"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondDomainError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}
