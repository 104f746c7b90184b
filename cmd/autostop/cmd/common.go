package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/config"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
)

// loadConfig loads and validates configuration, honoring --config and the
// flags bound to viper.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// openApp loads configuration and wires the orchestrator.
func openApp() (*app.App, *config.Loader, error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, newLogger(cfg))
	if err != nil {
		return nil, nil, err
	}
	return a, loader, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("closing", "error", err)
	}
}

// writeOutput encodes v as json or yaml.
func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (json, yaml)", format)
	}
}
