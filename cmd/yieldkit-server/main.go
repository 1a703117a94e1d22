// Command yieldkit-server runs the rewards engine behind its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yieldkit/config"
	"yieldkit/core"
)

const (
	Version = "0.1.0"
	appName = "yieldkit-server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Tiered rewards and referral commission server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), ConfigPath(configPath))
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (JSON or YAML)")

	cmd.AddCommand(serveCmd(&configPath), tiersCmd(), progressCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics endpoint, NATS consumer and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), ConfigPath(*configPath))
		},
	}
}

func serve(parent context.Context, path ConfigPath) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx, path)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer cleanup()

	cfg, logger := app.Config, app.Logger
	logger.Info("starting yieldkit server",
		zap.String("profile", cfg.Profile),
		zap.String("address", cfg.Server.Address),
		zap.String("storage_adapter", cfg.Storage.Adapter),
		zap.Int("tiers", app.Service.Tiers().Len()),
		zap.Int64("commission_points", app.Service.CommissionPoints()))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server listening", zap.String("address", cfg.Server.Address))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if app.MetricsServer != nil {
		go func() {
			logger.Info("metrics listening", zap.String("address", cfg.Metrics.Address), zap.String("path", cfg.Metrics.Path))
			if err := app.MetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	if cfg.Events.NATS.Enabled {
		if err := app.Consumer.Start(ctx, cfg.Events.NATS); err != nil {
			return err
		}
		defer app.Consumer.Stop()
	}
	go app.Service.RunReconciler(ctx, cfg.Rewards.ReconcileInterval)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	logger.Info("shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if app.MetricsServer != nil {
		_ = app.MetricsServer.Shutdown(shutdownCtx)
	}
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	rec := app.Service.Reconciler()
	if n, lost := rec.Len(), len(rec.Abandoned()); n > 0 || lost > 0 {
		logger.Warn("unreconciled commissions at shutdown", zap.Int("pending", n), zap.Int("abandoned", lost))
	}
	logger.Info("server stopped")
	return nil
}

func tiersCmd() *cobra.Command {
	var (
		file   string
		asYAML bool
	)
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Print the tier table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := config.LoadTierTable(file)
			if err != nil {
				return err
			}
			if asYAML {
				data, err := config.MarshalTierTable(table)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return printTiers(cmd.OutOrStdout(), table)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML tier table (default: built-in levels)")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print as YAML")
	return cmd
}

func printTiers(w io.Writer, table *core.TierTable) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTASKS\tPOINTS\tREFERRALS")
	for _, t := range table.Tiers() {
		fmt.Fprintf(tw, "%d\t%s %s\t%d\t%d\t%d\n", t.ID, t.Icon, t.Name, t.MinTasks, t.MinPoints, t.MinReferrals)
	}
	return tw.Flush()
}

func progressCmd() *cobra.Command {
	var (
		file  string
		stats core.UserStats
	)
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Compute level progress for the given counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := config.LoadTierTable(file)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(core.ComputeProgress(stats, table))
		},
	}
	cmd.Flags().StringVar(&file, "tiers-file", "", "YAML tier table (default: built-in levels)")
	cmd.Flags().Int64Var(&stats.TasksCompleted, "tasks", 0, "Completed tasks")
	cmd.Flags().Int64Var(&stats.Points, "points", 0, "Points")
	cmd.Flags().Int64Var(&stats.ActiveReferrals, "referrals", 0, "Active referrals")
	return cmd
}
