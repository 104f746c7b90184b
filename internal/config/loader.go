package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "AUTOSTOP",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "AUTOSTOP",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (AUTOSTOP_*)
// 3. Project config (.autostop.yaml in current directory)
// 4. User config (~/.config/autostop/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".autostop")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "autostop"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Workload.ID == "" {
		cfg.Workload.ID = defaultWorkloadID(cfg.Workload)
	}

	return &cfg, nil
}

// Reload re-reads the config file already in use.
func (l *Loader) Reload() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("re-reading config: %w", err)
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Workload.ID == "" {
		cfg.Workload.ID = defaultWorkloadID(cfg.Workload)
	}
	return &cfg, nil
}

func defaultWorkloadID(w WorkloadConfig) string {
	if w.Namespace == "" || w.Name == "" {
		return w.Name
	}
	return w.Namespace + "/" + w.Name
}

// setDefaults configures default values. Every key is listed so environment
// variables reach it through AutomaticEnv.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("workload.id", "")
	l.v.SetDefault("workload.namespace", "default")
	l.v.SetDefault("workload.name", "")
	l.v.SetDefault("workload.desired_replicas", 1)
	l.v.SetDefault("workload.targets", []string{})
	l.v.SetDefault("workload.rules", []string{})

	l.v.SetDefault("idle.window", "15m")
	l.v.SetDefault("idle.schedule", "@every 5m")

	l.v.SetDefault("resume.poll_interval", "10s")
	l.v.SetDefault("resume.health_timeout", "10m")
	l.v.SetDefault("resume.lease_ttl", "2m")
	l.v.SetDefault("resume.reconcile_schedule", "@every 1m")

	l.v.SetDefault("fallback.listen", ":8081")
	l.v.SetDefault("fallback.target", "autostop-fallback")
	l.v.SetDefault("fallback.refresh_seconds", 5)
	l.v.SetDefault("fallback.status_cache_ttl", "2s")
	l.v.SetDefault("fallback.page.title", "Starting up")
	l.v.SetDefault("fallback.page.heading", "This service is waking up")
	l.v.SetDefault("fallback.page.message", "It was paused while idle. This page refreshes on its own.")
	l.v.SetDefault("fallback.page.css", "")

	l.v.SetDefault("api.listen", "127.0.0.1:8080")
	l.v.SetDefault("api.cors", []string{})

	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".autostop/state.db")
	l.v.SetDefault("state.lock_ttl", "1m")

	l.v.SetDefault("backend.kind", "kubernetes")
	l.v.SetDefault("backend.kubeconfig", "")
	l.v.SetDefault("backend.fallback_service.name", "autostop-fallback")
	l.v.SetDefault("backend.fallback_service.port", 8081)
	l.v.SetDefault("backend.prometheus.url", "http://prometheus:9090")
	l.v.SetDefault("backend.prometheus.query", `sum(increase(http_requests_total{service="$target"}[$window]))`)
	l.v.SetDefault("backend.prometheus.timeout", "10s")

	l.v.SetDefault("alerts.webhook_url", "")
	l.v.SetDefault("alerts.timeout", "5s")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
