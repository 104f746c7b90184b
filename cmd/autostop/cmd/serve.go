package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/autostop/internal/api"
	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/config"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the idle check and reconcile schedules, the fallback page server and the
admin API until interrupted.

Examples:
  # Run with .autostop.yaml from the current directory
  autostop serve

  # Only serve the fallback page, without the admin API
  autostop serve --no-api`,
	RunE: runServe,
}

var (
	serveNoAPI   bool
	serveNoWatch bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false,
		"Do not start the admin API")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false,
		"Do not reload the fallback page when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, loader, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	if err := a.RegisterSchedules(); err != nil {
		return err
	}
	a.Schedules.Start()
	defer func() {
		<-a.Schedules.Stop().Done()
	}()

	if res, err := a.Reconcile(ctx); err != nil {
		a.Logger.Warn("startup reconcile failed", "error", err)
	} else if res != nil {
		a.Logger.Info("resuming interrupted execution", "execution_id", res.ExecutionID)
	}

	if path := loader.ConfigFile(); path != "" && !serveNoWatch {
		if err := watchPage(ctx, a, loader, path); err != nil {
			a.Logger.Warn("config watch disabled", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(ctx, a.Config.Fallback.Listen, a.Fallback, a.Logger.WithComponent("fallback"))
	})
	if !serveNoAPI {
		srv := api.NewServer(a,
			api.WithLogger(a.Logger.WithComponent("api")),
			api.WithCORS(a.Config.API.CORS),
		)
		g.Go(func() error {
			return api.Serve(ctx, a.Config.API.Listen, srv.Handler(), a.Logger.WithComponent("api"))
		})
	}

	a.Logger.Info("autostop started",
		"workload", a.Workload,
		"version", appVersion,
		"fallback", a.Config.Fallback.Listen,
	)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.Logger.Info("autostop stopping")
	return err
}

// watchPage swaps the fallback page copy whenever the config file changes.
// Other settings need a restart.
func watchPage(ctx context.Context, a *app.App, loader *config.Loader, path string) error {
	return config.Watch(ctx, path, 500*time.Millisecond, func() {
		cfg, err := loader.Reload()
		if err != nil {
			a.Logger.Warn("config reload failed", "error", err)
			return
		}
		if err := config.ValidateConfig(cfg); err != nil {
			a.Logger.Warn("reloaded config is invalid, keeping current page", "error", err)
			return
		}
		a.Fallback.SetPage(app.PageFromConfig(cfg.Fallback.Page))
		a.Logger.Info("fallback page reloaded", "path", path)
	})
}
