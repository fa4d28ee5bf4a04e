package mssql

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
)

func init() {
	datasource.Register(datasource.DatasourceAdapterRegistration{
		Info: datasource.DatasourceAdapterInfo{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "SQL Server 2019+, Azure SQL Database",
		},
		Factory: func(ctx context.Context, src *config.SourceConfig, logger *zap.Logger) (datasource.Source, error) {
			cfg, err := FromSourceConfig(src)
			if err != nil {
				return nil, err
			}
			return NewAdapter(ctx, cfg, logger)
		},
	})
}
