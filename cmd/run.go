package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/credits-etl/internal/etl"
	"github.com/sells-group/credits-etl/internal/monitoring"
)

var runCmd = &cobra.Command{
	Use:   "run [source]",
	Short: "Run the full pipeline against a CSV or XLSX source",
	Long: `Extracts, transforms and loads the source into the canonical table, then
rebuilds every view, refreshes the persistent ones and validates the result.
The source defaults to pipeline.source.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		applyRunFlags(cmd, args)

		pool, err := openPool(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := etl.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "run")
		}

		metrics := monitoring.NewCollector()
		defer flushMetrics(metrics)

		engine, err := newEngine(pool, metrics)
		if err != nil {
			return err
		}

		report, err := engine.Run(ctx, cfg.Pipeline.Source)
		if report != nil {
			format, _ := cmd.Flags().GetString("format")
			if rerr := renderRunReport(os.Stdout, format, report); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return eris.Wrap(err, "run")
		}
		if !report.OK() {
			return eris.New("run: completed with view failures")
		}
		return nil
	},
}

// applyRunFlags overrides pipeline config with any flags set on cmd.
func applyRunFlags(cmd *cobra.Command, args []string) {
	if len(args) == 1 {
		cfg.Pipeline.Source = args[0]
	}
	if cmd.Flags().Changed("policy") {
		cfg.Pipeline.IdentifierPolicy, _ = cmd.Flags().GetString("policy")
	}
	if cmd.Flags().Changed("sheet") {
		cfg.Pipeline.Sheet, _ = cmd.Flags().GetString("sheet")
	}
	if cmd.Flags().Changed("table") {
		cfg.Pipeline.Table, _ = cmd.Flags().GetString("table")
	}
}

func init() {
	runCmd.Flags().String("policy", "", "identifier policy for rows missing org_id or user_id (strict, lenient)")
	runCmd.Flags().String("sheet", "", "worksheet to read from an XLSX source (default: first sheet)")
	runCmd.Flags().String("table", "", "canonical table to replace (default: pipeline.table)")
	addFormatFlag(runCmd)
	rootCmd.AddCommand(runCmd)
}
