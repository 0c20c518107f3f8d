package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store/gormstore"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"bitbucket.org/mmdatafocus/books_ledger/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&app{open: openMySQL})
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openMySQL builds an engine over the database the server uses. Only the
// mysql backend holds data a CLI can inspect.
func openMySQL(ctx context.Context, migrate bool) (*workflow.Engine, func(), error) {
	if backend := config.StoreBackend(); backend != "mysql" {
		return nil, nil, errors.New("ledgerctl needs STORE_BACKEND=mysql, got " + backend)
	}
	logger := config.GetLogger()

	db, err := config.ConnectDatabaseWithRetry(ctx)
	if err != nil {
		return nil, nil, err
	}
	s := gormstore.New(db)
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
	}

	tenants, err := tenantconfig.NewFileProvider(config.TenantConfigFile(), tenantconfig.Defaults{
		CostingMethod:      models.CostingMethod(config.DefaultCostingMethod()),
		AllowNegativeStock: config.AllowNegativeStock(),
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return workflow.NewEngine(s, tenants, workflow.WithLogger(logger)), func() { _ = s.Close() }, nil
}
