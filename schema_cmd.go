package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/schema"
)

func newSchemaCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "schema [table...]",
		Short: "Print the target schema document of each source table",
		Long:  "Extracts each table's catalog metadata and prints the collection validator and indexes a transfer would create. Without arguments every table selected by the configuration is printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return &apperrors.ConfigError{Field: "format", Reason: fmt.Sprintf("unsupported output format %q: use 'json' or 'yaml'", format)}
			}
			return a.runSchema(cmd.Context(), args, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format (json, yaml)")
	return cmd
}

func (a *app) runSchema(ctx context.Context, tables []string, format string) error {
	src, err := datasource.Open(ctx, &a.cfg.Source, a.logger)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck // best-effort cleanup on exit

	if len(tables) == 0 {
		all, err := src.ListTables(ctx)
		if err != nil {
			return fmt.Errorf("list source tables: %w", err)
		}
		for _, t := range all {
			if a.cfg.Transfer.IncludeTable(t) {
				tables = append(tables, t)
			}
		}
	}

	docs, failed := extractDocuments(ctx, src, tables, a.logger)
	if err := writeDocuments(a, docs, format); err != nil {
		return err
	}
	if failed > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d of %d tables could not be rendered", failed, len(tables))}
	}
	return nil
}

// extractDocuments renders every table it can, logging the ones it cannot.
func extractDocuments(ctx context.Context, src datasource.SchemaExtractor, tables []string, logger *zap.Logger) ([]*schema.Document, int) {
	docs := make([]*schema.Document, 0, len(tables))
	failed := 0
	for _, table := range tables {
		td, err := src.ExtractSchema(ctx, table)
		if err == nil {
			var doc *schema.Document
			if doc, err = schema.ToTargetSchemaDocument(td); err == nil {
				docs = append(docs, doc)
				continue
			}
		}
		failed++
		logger.Error("Cannot render table schema", zap.String("table", table), zap.Error(err))
	}
	return docs, failed
}

// writeDocuments streams one document per table: indented JSON objects, or a
// multi-document YAML stream.
func writeDocuments(a *app, docs []*schema.Document, format string) error {
	if format == "json" {
		for _, doc := range docs {
			data, err := doc.MarshalIndent()
			if err != nil {
				return fmt.Errorf("marshal schema of %s: %w", doc.Collection, err)
			}
			if _, err := a.stdout.Write(append(data, '\n')); err != nil {
				return err
			}
		}
		return nil
	}

	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("marshal schema of %s: %w", doc.Collection, err)
		}
	}
	return enc.Close()
}
