package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	exitOK     = 0
	exitFailed = 1 // runtime failure or at least one table not transferred
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var cfgErr *apperrors.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailed
}

// app is the state shared by every subcommand once the root has loaded it.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "ekaya-migrate",
		Short:         "Copy relational tables into MongoDB collections",
		Long:          "Reads tables from PostgreSQL or SQL Server in batches, coerces each row to a document and writes the batches transactionally to MongoDB.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to the YAML configuration file (default config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newTransferCmd(a))
	root.AddCommand(newSchemaCmd(a))
	root.AddCommand(newUsersCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath, Version)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return &apperrors.ConfigError{Field: "log", Reason: "invalid logger settings", Err: err}
	}

	a.cfg = cfg
	a.logger = logger
	logger.Debug("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("source_type", cfg.Source.Type),
		zap.String("source", fmt.Sprintf("%s@%s:%d/%s", cfg.Source.User, cfg.Source.Host, cfg.Source.Port, cfg.Source.Database)),
		zap.String("target", logging.SanitizeConnectionString(cfg.Target.URIString())),
		zap.String("target_database", cfg.Target.Database))
	return nil
}
