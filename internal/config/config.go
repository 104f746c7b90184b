// Package config loads, validates and watches autostop configuration.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Workload WorkloadConfig `mapstructure:"workload" yaml:"workload"`
	Idle     IdleConfig     `mapstructure:"idle" yaml:"idle"`
	Resume   ResumeConfig   `mapstructure:"resume" yaml:"resume"`
	Fallback FallbackConfig `mapstructure:"fallback" yaml:"fallback"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Backend  BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Alerts   AlertsConfig   `mapstructure:"alerts" yaml:"alerts"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WorkloadConfig identifies the managed workload and the rules and targets that front it.
type WorkloadConfig struct {
	ID              string   `mapstructure:"id" yaml:"id"`
	Namespace       string   `mapstructure:"namespace" yaml:"namespace"`
	Name            string   `mapstructure:"name" yaml:"name"`
	DesiredReplicas int32    `mapstructure:"desired_replicas" yaml:"desired_replicas"`
	Targets         []string `mapstructure:"targets" yaml:"targets"`
	Rules           []string `mapstructure:"rules" yaml:"rules"`
}

// IdleConfig configures the idle monitor.
type IdleConfig struct {
	Window   string `mapstructure:"window" yaml:"window"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// WindowDuration returns the trailing idle window.
func (c IdleConfig) WindowDuration() time.Duration {
	return parseDuration(c.Window)
}

// ResumeConfig configures the resume workflow.
type ResumeConfig struct {
	PollInterval      string `mapstructure:"poll_interval" yaml:"poll_interval"`
	HealthTimeout     string `mapstructure:"health_timeout" yaml:"health_timeout"`
	LeaseTTL          string `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	ReconcileSchedule string `mapstructure:"reconcile_schedule" yaml:"reconcile_schedule"`
}

// PollIntervalDuration returns the health poll interval.
func (c ResumeConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval)
}

// HealthTimeoutDuration returns the bound on cumulative health polling.
func (c ResumeConfig) HealthTimeoutDuration() time.Duration {
	return parseDuration(c.HealthTimeout)
}

// LeaseTTLDuration returns how long a resume lease lives without renewal.
func (c ResumeConfig) LeaseTTLDuration() time.Duration {
	return parseDuration(c.LeaseTTL)
}

// FallbackConfig configures the fallback handler.
type FallbackConfig struct {
	Listen         string     `mapstructure:"listen" yaml:"listen"`
	Target         string     `mapstructure:"target" yaml:"target"`
	RefreshSeconds int        `mapstructure:"refresh_seconds" yaml:"refresh_seconds"`
	StatusCacheTTL string     `mapstructure:"status_cache_ttl" yaml:"status_cache_ttl"`
	Page           PageConfig `mapstructure:"page" yaml:"page"`
}

// StatusCacheTTLDuration returns the status cache TTL; zero disables caching.
func (c FallbackConfig) StatusCacheTTLDuration() time.Duration {
	return parseDuration(c.StatusCacheTTL)
}

// PageConfig is the copy shown on the interim page.
type PageConfig struct {
	Title   string `mapstructure:"title" yaml:"title"`
	Heading string `mapstructure:"heading" yaml:"heading"`
	Message string `mapstructure:"message" yaml:"message"`
	CSS     string `mapstructure:"css" yaml:"css"`
}

// APIConfig configures the admin API.
type APIConfig struct {
	Listen string   `mapstructure:"listen" yaml:"listen"`
	CORS   []string `mapstructure:"cors" yaml:"cors"`
}

// StateConfig configures state persistence.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
	LockTTL string `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// LockTTLDuration returns the age after which a JSON store lock file is stale.
func (c StateConfig) LockTTLDuration() time.Duration {
	return parseDuration(c.LockTTL)
}

// BackendConfig selects and configures the workload, router and metrics backend.
type BackendConfig struct {
	Kind            string           `mapstructure:"kind" yaml:"kind"`
	Kubeconfig      string           `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	FallbackService ServiceRef       `mapstructure:"fallback_service" yaml:"fallback_service"`
	Prometheus      PrometheusConfig `mapstructure:"prometheus" yaml:"prometheus"`
}

// ServiceRef names a Kubernetes Service port.
type ServiceRef struct {
	Name string `mapstructure:"name" yaml:"name"`
	Port int32  `mapstructure:"port" yaml:"port"`
}

// PrometheusConfig configures the Prometheus metrics source.
// Query may use $target and $window placeholders.
type PrometheusConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Query   string `mapstructure:"query" yaml:"query"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
}

// TimeoutDuration returns the per-query timeout.
func (c PrometheusConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout)
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    string `mapstructure:"timeout" yaml:"timeout"`
}

// TimeoutDuration returns the webhook delivery timeout.
func (c AlertsConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout)
}

// parseDuration returns zero for invalid input; the validator rejects it first.
func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
