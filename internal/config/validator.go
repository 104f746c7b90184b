package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateWorkload(&cfg.Workload)
	v.validateIdle(&cfg.Idle)
	v.validateResume(&cfg.Resume)
	v.validateFallback(&cfg.Fallback)
	v.validateState(&cfg.State)
	v.validateBackend(&cfg.Backend)
	v.validateAlerts(&cfg.Alerts)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateWorkload(cfg *WorkloadConfig) {
	if cfg.Name == "" {
		v.addError("workload.name", cfg.Name, "workload name required")
	}
	if cfg.DesiredReplicas < 1 {
		v.addError("workload.desired_replicas", cfg.DesiredReplicas, "must be at least 1")
	}
	if len(cfg.Targets) == 0 {
		v.addError("workload.targets", cfg.Targets, "at least one target required")
	}
	if len(cfg.Rules) == 0 {
		v.addError("workload.rules", cfg.Rules, "at least one routing rule required")
	}

	seen := make(map[string]bool, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if rule == "" {
			v.addError("workload.rules", rule, "rule id must not be empty")
			continue
		}
		if seen[rule] {
			v.addError("workload.rules", rule, "duplicate rule id")
		}
		seen[rule] = true
	}
}

func (v *Validator) validateIdle(cfg *IdleConfig) {
	v.positiveDuration("idle.window", cfg.Window)
	v.cronSpec("idle.schedule", cfg.Schedule)
}

func (v *Validator) validateResume(cfg *ResumeConfig) {
	poll := v.positiveDuration("resume.poll_interval", cfg.PollInterval)
	timeout := v.positiveDuration("resume.health_timeout", cfg.HealthTimeout)
	lease := v.positiveDuration("resume.lease_ttl", cfg.LeaseTTL)
	v.cronSpec("resume.reconcile_schedule", cfg.ReconcileSchedule)

	if poll > 0 && timeout > 0 && timeout < poll {
		v.addError("resume.health_timeout", cfg.HealthTimeout, "must be >= resume.poll_interval")
	}
	// The lease is renewed once per poll; it must outlive the gap between renewals.
	if poll > 0 && lease > 0 && lease <= poll {
		v.addError("resume.lease_ttl", cfg.LeaseTTL, "must be > resume.poll_interval")
	}
}

func (v *Validator) validateFallback(cfg *FallbackConfig) {
	if cfg.Listen == "" {
		v.addError("fallback.listen", cfg.Listen, "listen address required")
	}
	if cfg.Target == "" {
		v.addError("fallback.target", cfg.Target, "fallback target name required")
	}
	if cfg.RefreshSeconds < 1 {
		v.addError("fallback.refresh_seconds", cfg.RefreshSeconds, "must be at least 1")
	}
	if _, err := time.ParseDuration(cfg.StatusCacheTTL); err != nil {
		v.addError("fallback.status_cache_ttl", cfg.StatusCacheTTL, "invalid duration format")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "sqlite", "json":
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "path required for "+cfg.Backend+" backend")
		}
	case "memory":
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, json, memory")
	}
	v.positiveDuration("state.lock_ttl", cfg.LockTTL)
}

func (v *Validator) validateBackend(cfg *BackendConfig) {
	switch cfg.Kind {
	case "kubernetes":
		if cfg.FallbackService.Name == "" {
			v.addError("backend.fallback_service.name", cfg.FallbackService.Name, "service name required")
		}
		if cfg.FallbackService.Port < 1 || cfg.FallbackService.Port > 65535 {
			v.addError("backend.fallback_service.port", cfg.FallbackService.Port, "must be between 1 and 65535")
		}
		v.httpURL("backend.prometheus.url", cfg.Prometheus.URL, true)
		if cfg.Prometheus.Query == "" {
			v.addError("backend.prometheus.query", cfg.Prometheus.Query, "query required")
		}
		v.positiveDuration("backend.prometheus.timeout", cfg.Prometheus.Timeout)
	case "memory":
	default:
		v.addError("backend.kind", cfg.Kind, "must be one of: kubernetes, memory")
	}
}

func (v *Validator) validateAlerts(cfg *AlertsConfig) {
	v.httpURL("alerts.webhook_url", cfg.WebhookURL, false)
	v.positiveDuration("alerts.timeout", cfg.Timeout)
}

func (v *Validator) positiveDuration(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return 0
	}
	if d <= 0 {
		v.addError(field, value, "must be positive")
		return 0
	}
	return d
}

func (v *Validator) cronSpec(field, value string) {
	if _, err := cron.ParseStandard(value); err != nil {
		v.addError(field, value, "invalid schedule expression: "+err.Error())
	}
}

func (v *Validator) httpURL(field, value string, required bool) {
	if value == "" {
		if required {
			v.addError(field, value, "url required")
		}
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError(field, value, "must be an absolute http(s) url")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
