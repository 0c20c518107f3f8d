package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/graph-gophers/dataloader/v7"
)

type productReader struct {
	store store.CatalogStore
}

// the catalog has no multi-get, so one listing serves the whole batch
func (r *productReader) getProducts(ctx context.Context, ids []string) []*dataloader.Result[*models.Product] {
	institutionId, ok := utils.GetInstitutionIdFromContext(ctx)
	if !ok {
		return handleError[*models.Product](len(ids), models.InvalidInput("institution id is required"))
	}
	results, err := r.store.ListProducts(ctx, institutionId)
	if err != nil {
		return handleError[*models.Product](len(ids), err)
	}
	return generateLoaderResults(results, ids, "product", func(p *models.Product) string { return p.ID })
}

func GetProduct(ctx context.Context, id string) (*models.Product, error) {
	loaders := For(ctx)
	return loaders.ProductLoader.Load(ctx, id)()
}
