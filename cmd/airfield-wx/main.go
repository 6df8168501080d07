package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/airfield-wx/internal/api/http"
	"github.com/i474232898/airfield-wx/internal/config"
	"github.com/i474232898/airfield-wx/internal/lock"
	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "airfield-wx",
		Short:         "Airfield weather and notice aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRefreshCmd(), newStatusCmd(), newSitesCmd())
	return root
}

// setup loads configuration and wires the runtime; every command starts here.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		// Config never loaded; LOG_LEVEL comes straight from the environment.
		logging.FromEnv().Error("failed to load config", "err", err)
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	rt, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "err", err)
		return nil, err
	}
	return rt, nil
}

func newServeCmd() *cobra.Command {
	var accessLog bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and housekeeping scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Wait for termination signal
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sched := scheduler.New(rt.ctrl.Sites(), rt.cfg.HousekeepingInterval, rt.tracker, rt.locker, rt.kv, rt.log)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer sched.Stop()

			app := httpapi.NewApp(rt.ctrl, httpapi.Options{
				Gatherer:  rt.registry,
				AccessLog: accessLog,
			})

			errc := make(chan error, 1)
			go func() {
				rt.log.Info("listening", "port", rt.cfg.Port, "sites", len(rt.cfg.Sites.Sites))
				errc <- app.Listen(":" + rt.cfg.Port)
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return fmt.Errorf("fiber server stopped: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				rt.log.Warn("error during shutdown", "err", err)
			}
			// Background refreshes finish within their budget.
			rt.ctrl.Wait()
			rt.log.Info("stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&accessLog, "access-log", true, "log every request")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var notices bool
	cmd := &cobra.Command{
		Use:   "refresh <site>",
		Short: "Refresh one site now and print the stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			siteID := args[0]
			if _, err := rt.ctrl.Site(siteID); err != nil {
				return err
			}

			key := lock.RefreshKey(siteID)
			if notices {
				key = lock.NoticeRefreshKey(siteID)
			}
			lease, ok, err := rt.locker.TryAcquire(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("a refresh for this site is already running")
			}
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					rt.log.Warn("release lease failed", "key", key, "err", err)
				}
			}()

			if notices {
				rec, err := rt.ctrl.RefreshNotices(ctx, siteID)
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			}
			rec, err := rt.ctrl.Refresh(ctx, siteID)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	cmd.Flags().BoolVar(&notices, "notices", false, "refresh the notice feed instead of observations")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <site>",
		Short: "Print breaker state and last fetch outcome per source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			reports, err := rt.ctrl.Sources(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, reports)
		},
	}
}

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(cmd, rt.ctrl.Sites())
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
