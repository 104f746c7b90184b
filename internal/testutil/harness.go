// Package testutil builds an orchestrator over the in-memory backend for
// end-to-end tests.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/alert"
	"github.com/hugo-lorenzo-mato/autostop/internal/adapters/memory"
	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/config"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/resume"
)

// UpstreamBody is what the data plane answers for rules forwarding to the workload.
const UpstreamBody = "hello from upstream"

// HarnessOptions shapes the simulated environment.
type HarnessOptions struct {
	Rules         int
	Targets       int
	Replicas      int32
	Age           time.Duration
	Window        time.Duration
	PollInterval  time.Duration
	HealthTimeout time.Duration
	StateBackend  string // memory, sqlite, json
	Hook          func(core.ResumeExecution)
	// WrapWorkloads, when set, decorates the workload controller the app drives.
	WrapWorkloads func(core.WorkloadController) core.WorkloadController
}

func (o *HarnessOptions) defaults() {
	if o.Rules == 0 {
		o.Rules = 1
	}
	if o.Targets == 0 {
		o.Targets = 1
	}
	if o.Replicas == 0 {
		o.Replicas = 2
	}
	if o.Window == 0 {
		o.Window = 15 * time.Minute
	}
	if o.Age == 0 {
		o.Age = 20 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Millisecond
	}
	if o.HealthTimeout == 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.StateBackend == "" {
		o.StateBackend = "sqlite"
	}
}

// Harness is an orchestrator wired to a memory backend and an alert recorder.
type Harness struct {
	App     *app.App
	Backend *memory.Backend
	Alerts  *alert.Recorder
	Rules   []core.RuleID
	Targets []core.TargetID
}

// NewHarness builds a harness. Each rule starts forwarding to a target with a
// distinct spec so round trips are observable.
func NewHarness(t *testing.T, opts HarnessOptions) *Harness {
	t.Helper()
	opts.defaults()

	cfg := &config.Config{
		Log: config.LogConfig{Level: "error", Format: "json"},
		Workload: config.WorkloadConfig{
			ID:              "default/shop",
			Namespace:       "default",
			Name:            "shop",
			DesiredReplicas: opts.Replicas,
		},
		Idle: config.IdleConfig{Window: opts.Window.String(), Schedule: "@every 5m"},
		Resume: config.ResumeConfig{
			PollInterval:      opts.PollInterval.String(),
			HealthTimeout:     opts.HealthTimeout.String(),
			LeaseTTL:          "1m",
			ReconcileSchedule: "@every 1m",
		},
		Fallback: config.FallbackConfig{
			Listen:         ":0",
			Target:         "autostop-fallback",
			RefreshSeconds: 5,
			StatusCacheTTL: "0s",
			Page:           config.PageConfig{Title: "Starting up", Heading: "Waking up"},
		},
		State: config.StateConfig{
			Backend: opts.StateBackend,
			Path:    filepath.Join(t.TempDir(), "state"),
			LockTTL: "1m",
		},
		Backend: config.BackendConfig{Kind: "memory"},
		Alerts:  config.AlertsConfig{Timeout: "5s"},
	}

	h := &Harness{Backend: memory.New(nil), Alerts: &alert.Recorder{}}
	for i := 0; i < opts.Targets; i++ {
		h.Targets = append(h.Targets, core.TargetID(fmt.Sprintf("shop-%d", i)))
		cfg.Workload.Targets = append(cfg.Workload.Targets, string(h.Targets[i]))
	}
	for i := 0; i < opts.Rules; i++ {
		id := core.RuleID(fmt.Sprintf("default/shop/%d", i))
		h.Rules = append(h.Rules, id)
		cfg.Workload.Rules = append(cfg.Workload.Rules, string(id))
		spec := fmt.Sprintf(`[{"name":"%s","port":%d,"weight":%d}]`, h.Targets[i%opts.Targets], 8080+i, 100-i)
		h.Backend.PutRule(id, core.ForwardToReal(string(h.Targets[i%opts.Targets]), []byte(spec)))
	}
	h.Backend.AddWorkload(core.WorkloadID(cfg.Workload.ID), memory.Workload{
		Replicas:  opts.Replicas,
		CreatedAt: time.Now().Add(-opts.Age),
		Targets:   h.Targets,
	})

	if err := config.ValidateConfig(cfg); err != nil {
		t.Fatalf("invalid harness config: %v", err)
	}

	var workloads core.WorkloadController = h.Backend
	if opts.WrapWorkloads != nil {
		workloads = opts.WrapWorkloads(workloads)
	}
	appOpts := []app.Option{
		app.WithBackend(app.Backend{Workloads: workloads, Router: h.Backend, Metrics: h.Backend}),
		app.WithAlerts(h.Alerts),
	}
	if opts.Hook != nil {
		appOpts = append(appOpts, app.WithEngineOptions(resume.WithTransitionHook(opts.Hook)))
	}
	a, err := app.New(cfg, nil, appOpts...)
	if err != nil {
		t.Fatalf("creating app: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("closing app: %v", err)
		}
	})
	h.App = a
	return h
}

// Workload is the harness workload id.
func (h *Harness) Workload() core.WorkloadID {
	return h.App.Workload
}

// Replicas returns the simulated replica count.
func (h *Harness) Replicas() int32 {
	return h.Backend.Replicas(h.Workload())
}

// SetHealthy marks every member of every target healthy or unhealthy,
// overriding the replica-derived default.
func (h *Harness) SetHealthy(healthy bool) {
	for _, target := range h.Targets {
		h.Backend.SetHealth(target, []core.MemberHealth{{ID: string(target) + "-0", Healthy: healthy}})
	}
}

// RuleActions snapshots the current action of every configured rule.
func (h *Harness) RuleActions() map[core.RuleID]core.RuleAction {
	out := make(map[core.RuleID]core.RuleAction, len(h.Rules))
	for _, id := range h.Rules {
		out[id] = h.Backend.Rule(id)
	}
	return out
}

// Stash reads the routing state.
func (h *Harness) Stash(t *testing.T) core.RoutingState {
	t.Helper()
	st, err := h.App.Store.ReadRoutingState(context.Background(), h.Workload())
	if err != nil {
		t.Fatalf("reading routing state: %v", err)
	}
	return st
}

// DataPlane serves requests the way the router would: the first rule decides
// whether a request reaches the workload or the fallback handler. It counts
// requests that reach the fallback.
type DataPlane struct {
	h        *Harness
	mu       sync.Mutex
	fallback int
}

// NewDataPlane starts a test server routing by the first rule.
func (h *Harness) NewDataPlane(t *testing.T) (*DataPlane, *httptest.Server) {
	t.Helper()
	dp := &DataPlane{h: h}
	srv := httptest.NewServer(dp)
	t.Cleanup(srv.Close)
	return dp, srv
}

func (d *DataPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := d.h.Backend.Rule(d.h.Rules[0])
	if action.IsFallback() {
		d.mu.Lock()
		d.fallback++
		d.mu.Unlock()
		d.h.App.Fallback.ServeHTTP(w, r)
		return
	}
	d.h.Backend.RecordRequests(core.TargetID(action.Target), time.Now(), 1)
	_, _ = fmt.Fprint(w, UpstreamBody)
}

// FallbackHits returns how many requests were served by the fallback handler.
func (d *DataPlane) FallbackHits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fallback
}
