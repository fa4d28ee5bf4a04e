package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/docstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/transfer"
)

const closeTimeout = 10 * time.Second

func newTransferCmd(a *app) *cobra.Command {
	var (
		tables     []string
		batchSize  int
		reportPath string
		progress   string
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer tables from the source database to the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr := &a.cfg.Transfer
			if cmd.Flags().Changed("tables") {
				tr.Tables = tables
			}
			if cmd.Flags().Changed("batch-size") {
				tr.BatchSize = batchSize
			}
			if cmd.Flags().Changed("report") {
				tr.ReportPath = reportPath
			}
			if cmd.Flags().Changed("progress") {
				tr.Progress = progress
			}
			return a.runTransfer(cmd.Context())
		},
	}

	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "Only transfer these tables (comma separated)")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 0, "Rows per batch")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the run report to this path (.json or .yaml)")
	cmd.Flags().StringVar(&progress, "progress", "", "Progress output: log, bar or none")
	return cmd
}

func (a *app) runTransfer(ctx context.Context) error {
	sink, err := progressSink(a.cfg.Transfer.Progress, a.logger, a.stderr)
	if err != nil {
		return err
	}

	src, err := datasource.Open(ctx, &a.cfg.Source, a.logger)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck // best-effort cleanup on exit

	tgt, err := docstore.Connect(ctx, &a.cfg.Target, a.logger)
	if err != nil {
		return err
	}
	defer closeTarget(tgt, a.logger)

	o := transfer.New(src, tgt, transfer.SettingsFromConfig(a.cfg), a.logger, transfer.WithProgressSink(sink))
	report, err := o.TransferAll(ctx, a.cfg.Transfer.BatchSize)
	if err != nil {
		return err
	}

	if path := a.cfg.Transfer.ReportPath; path != "" {
		if err := transfer.WriteReport(path, report); err != nil {
			return err
		}
		a.logger.Info("Run report written", zap.String("path", path))
	}

	printSummary(a.stdout, report)
	if failed := report.Failed(); failed > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d of %d tables were not fully transferred", failed, len(report.Results))}
	}
	return nil
}

func progressSink(mode string, logger *zap.Logger, out io.Writer) (transfer.ProgressSink, error) {
	switch mode {
	case "", "log":
		return transfer.NewLogSink(logger), nil
	case "bar":
		return transfer.NewBarSink(out), nil
	case "none":
		return transfer.NopSink{}, nil
	default:
		return nil, &apperrors.ConfigError{Field: "transfer.progress", Reason: fmt.Sprintf("unknown progress mode %q", mode)}
	}
}

func closeTarget(m *docstore.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		logger.Warn("Failed to close target", zap.Error(err))
	}
}

func printSummary(w io.Writer, report *models.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TABLE\tSTATUS\tROWS\tBATCHES\tRETRIES\tDURATION\tERROR")
	for _, r := range report.Results {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.TableName, r.Status, r.RowsWritten, r.Batches, r.Retries,
			time.Duration(r.DurationMS)*time.Millisecond, r.Error)
	}
	_ = tw.Flush()

	s := report.Summary
	_, _ = fmt.Fprintf(w, "\n%d tables: %d succeeded, %d partial, %d failed, %d rows written (run %s)\n",
		s.Tables, s.Succeeded, s.Partial, s.Failed, s.RowsWritten, report.RunID)
}
