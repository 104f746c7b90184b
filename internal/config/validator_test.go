package config

import (
	"strings"
	"testing"
)

// validConfig returns a valid configuration for testing.
func validConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Workload: WorkloadConfig{
			ID:              "default/shop",
			Namespace:       "default",
			Name:            "shop",
			DesiredReplicas: 1,
			Targets:         []string{"shop"},
			Rules:           []string{"default/shop/0"},
		},
		Idle: IdleConfig{Window: "15m", Schedule: "@every 5m"},
		Resume: ResumeConfig{
			PollInterval:      "10s",
			HealthTimeout:     "10m",
			LeaseTTL:          "2m",
			ReconcileSchedule: "@every 1m",
		},
		Fallback: FallbackConfig{
			Listen:         ":8081",
			Target:         "autostop-fallback",
			RefreshSeconds: 5,
			StatusCacheTTL: "2s",
		},
		API:   APIConfig{Listen: "127.0.0.1:8080"},
		State: StateConfig{Backend: "sqlite", Path: ".autostop/state.db", LockTTL: "1m"},
		Backend: BackendConfig{
			Kind:            "kubernetes",
			FallbackService: ServiceRef{Name: "autostop-fallback", Port: 8081},
			Prometheus: PrometheusConfig{
				URL:     "http://prometheus:9090",
				Query:   `sum(increase(http_requests_total{service="$target"}[$window]))`,
				Timeout: "10s",
			},
		},
		Alerts: AlertsConfig{Timeout: "5s"},
	}
}

func TestValidator_ValidConfig(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidator_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"workload name", func(c *Config) { c.Workload.Name = "" }, "workload.name"},
		{"replicas", func(c *Config) { c.Workload.DesiredReplicas = 0 }, "workload.desired_replicas"},
		{"no targets", func(c *Config) { c.Workload.Targets = nil }, "workload.targets"},
		{"no rules", func(c *Config) { c.Workload.Rules = nil }, "workload.rules"},
		{"duplicate rule", func(c *Config) { c.Workload.Rules = []string{"a", "a"} }, "workload.rules"},
		{"idle window", func(c *Config) { c.Idle.Window = "soon" }, "idle.window"},
		{"negative window", func(c *Config) { c.Idle.Window = "-1m" }, "idle.window"},
		{"idle schedule", func(c *Config) { c.Idle.Schedule = "every now and then" }, "idle.schedule"},
		{"reconcile schedule", func(c *Config) { c.Resume.ReconcileSchedule = "@fortnightly" }, "resume.reconcile_schedule"},
		{"timeout below poll", func(c *Config) { c.Resume.HealthTimeout = "5s" }, "resume.health_timeout"},
		{"lease below poll", func(c *Config) { c.Resume.LeaseTTL = "10s" }, "resume.lease_ttl"},
		{"fallback listen", func(c *Config) { c.Fallback.Listen = "" }, "fallback.listen"},
		{"fallback target", func(c *Config) { c.Fallback.Target = "" }, "fallback.target"},
		{"refresh", func(c *Config) { c.Fallback.RefreshSeconds = 0 }, "fallback.refresh_seconds"},
		{"cache ttl", func(c *Config) { c.Fallback.StatusCacheTTL = "x" }, "fallback.status_cache_ttl"},
		{"state backend", func(c *Config) { c.State.Backend = "etcd" }, "state.backend"},
		{"state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"backend kind", func(c *Config) { c.Backend.Kind = "nomad" }, "backend.kind"},
		{"service port", func(c *Config) { c.Backend.FallbackService.Port = 0 }, "backend.fallback_service.port"},
		{"prometheus url", func(c *Config) { c.Backend.Prometheus.URL = "prometheus:9090" }, "backend.prometheus.url"},
		{"prometheus query", func(c *Config) { c.Backend.Prometheus.Query = "" }, "backend.prometheus.query"},
		{"webhook url", func(c *Config) { c.Alerts.WebhookURL = "ftp://hooks" }, "alerts.webhook_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatalf("expected validation error for %s", tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err.Error(), tt.field)
			}
		})
	}
}

func TestValidator_MemoryBackendsSkipPaths(t *testing.T) {
	cfg := validConfig()
	cfg.State = StateConfig{Backend: "memory", LockTTL: "1m"}
	cfg.Backend = BackendConfig{Kind: "memory"}

	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidator_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = "loud"
	cfg.Workload.Name = ""
	cfg.State.Backend = "etcd"

	v := NewValidator()
	if err := v.Validate(cfg); err == nil {
		t.Fatal("expected errors")
	}
	if got := len(v.Errors()); got != 3 {
		t.Errorf("len(Errors()) = %d, want 3: %v", got, v.Errors())
	}
	if !v.Errors().HasErrors() {
		t.Error("HasErrors() = false")
	}
}
