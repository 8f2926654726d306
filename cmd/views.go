package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/monitoring"
	"github.com/sells-group/credits-etl/internal/views"
)

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Build, refresh and validate the derived views",
}

// -- views build --

var viewsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Drop and recreate every view from the canonical table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "views")
		if err != nil {
			return err
		}
		defer pool.Close()

		catalog, err := newCatalog()
		if err != nil {
			return err
		}

		metrics := monitoring.NewCollector()
		defer flushMetrics(metrics)

		report := views.NewBuilder(pool, catalog).BuildAll(ctx)
		metrics.RecordBuild(report)

		format, _ := cmd.Flags().GetString("format")
		if err := renderBuildReport(os.Stdout, format, report); err != nil {
			return err
		}
		if !report.OK() {
			return eris.Errorf("views build: %d of %d views failed", len(report.Failed()), len(report.Outcomes))
		}
		return nil
	},
}

// -- views refresh --

var viewsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the persistent views and validate",
	Long: `Refreshes every persistent view, concurrently where a unique index allows and
blocking otherwise, then validates all views. With --watch the cycle repeats
every --every (default views.refresh_interval) until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "views")
		if err != nil {
			return err
		}
		defer pool.Close()

		metrics := monitoring.NewCollector()
		engine, err := newEngine(pool, metrics)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		watch, _ := cmd.Flags().GetBool("watch")

		if !watch {
			defer flushMetrics(metrics)
			report, err := engine.Refresh(ctx)
			if rerr := renderRefreshReport(os.Stdout, format, report.Refresh, report.Validation); rerr != nil {
				return rerr
			}
			return err
		}

		every, _ := cmd.Flags().GetDuration("every")
		if every <= 0 {
			every = cfg.Views.RefreshInterval
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := views.NewScheduler(func(ctx context.Context) error {
			defer flushMetrics(metrics)
			report, err := engine.Refresh(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("refresh cycle complete",
				zap.Bool("ok", report.OK()),
				zap.Duration("elapsed", report.Elapsed),
			)
			return nil
		})
		return sched.Run(ctx, every)
	},
}

// -- views validate --

var viewsValidateCmd = &cobra.Command{
	Use:   "validate [target...]",
	Short: "Count and sample views and the canonical table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "views")
		if err != nil {
			return err
		}
		defer pool.Close()

		catalog, err := newCatalog()
		if err != nil {
			return err
		}

		validator := views.NewValidator(pool, catalog, views.ValidatorOptions{
			SparseThreshold: cfg.Views.SparseThreshold,
			SampleSize:      cfg.Views.SampleSize,
		})

		var report views.ValidationReport
		if len(args) == 0 {
			report = validator.ValidateAll(ctx)
		} else {
			for _, target := range args {
				report.Results = append(report.Results, validator.Validate(ctx, target))
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if err := renderValidationReport(os.Stdout, format, report); err != nil {
			return err
		}
		if n := report.Count(views.StatusError); n > 0 {
			return eris.Errorf("views validate: %d targets could not be validated", n)
		}
		return nil
	},
}

// -- views list --

var viewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the view catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := newCatalog()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		return renderCatalog(os.Stdout, format, catalog.Definitions())
	},
}

func init() {
	viewsRefreshCmd.Flags().Bool("watch", false, "keep refreshing on an interval until interrupted")
	viewsRefreshCmd.Flags().Duration("every", 0, "refresh interval with --watch (default views.refresh_interval)")

	for _, c := range []*cobra.Command{viewsBuildCmd, viewsRefreshCmd, viewsValidateCmd, viewsListCmd} {
		addFormatFlag(c)
		viewsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(viewsCmd)
}
