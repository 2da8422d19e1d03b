package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/ingest"
)

var importBatchSize int

var importCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Import actual daily sales from CSV into daily_sales_summary",
	Long:  "Reads a CSV with asin, sales_channel, iwasku, sale_date and total_quantity columns and upserts every row as actual data (data_source = 1).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("import"); err != nil {
			return err
		}
		if _, err := os.Stat(args[0]); err != nil {
			return eris.Wrap(err, "import csv")
		}

		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := ingest.ImportFile(ctx, st, args[0], importBatchSize)
		if err != nil {
			return eris.Wrap(err, "import csv")
		}

		zap.L().Info("import complete",
			zap.String("csv", args[0]),
			zap.Int("read", res.Read),
			zap.Int64("imported", res.Imported),
			zap.Int("skipped", res.Skipped),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", ingest.DefaultBatchSize, "rows per upsert batch")
	rootCmd.AddCommand(importCmd)
}
