package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/graph-gophers/dataloader/v7"
)

type warehouseReader struct {
	store store.CatalogStore
}

func (r *warehouseReader) getWarehouses(ctx context.Context, ids []string) []*dataloader.Result[*models.Warehouse] {
	institutionId, ok := utils.GetInstitutionIdFromContext(ctx)
	if !ok {
		return handleError[*models.Warehouse](len(ids), models.InvalidInput("institution id is required"))
	}
	results, err := r.store.ListWarehouses(ctx, institutionId)
	if err != nil {
		return handleError[*models.Warehouse](len(ids), err)
	}
	return generateLoaderResults(results, ids, "warehouse", func(w *models.Warehouse) string { return w.ID })
}

func GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	loaders := For(ctx)
	return loaders.WarehouseLoader.Load(ctx, id)()
}
