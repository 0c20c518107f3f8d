package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-request lookups handlers make while decorating
// ledger lines and stock rows with account and product details.
type Loaders struct {
	AccountLoader   *dataloader.Loader[string, *models.Account]
	ProductLoader   *dataloader.Loader[string, *models.Product]
	WarehouseLoader *dataloader.Loader[string, *models.Warehouse]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(s store.Store) *Loaders {
	accountReader := &accountReader{store: s}
	productReader := &productReader{store: s}
	warehouseReader := &warehouseReader{store: s}

	return &Loaders{
		AccountLoader:   dataloader.NewBatchedLoader(accountReader.getAccounts, dataloader.WithWait[string, *models.Account](time.Millisecond)),
		ProductLoader:   dataloader.NewBatchedLoader(productReader.getProducts, dataloader.WithWait[string, *models.Product](time.Millisecond)),
		WarehouseLoader: dataloader.NewBatchedLoader(warehouseReader.getWarehouses, dataloader.WithWait[string, *models.Warehouse](time.Millisecond)),
	}
}

// LoaderMiddleware gives every request its own loaders so the cache never
// outlives the request.
func LoaderMiddleware(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithLoaders(c.Request.Context(), NewLoaders(s))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// turns store rows into dataloader results in key order; a key with no row
// resolves to a not-found error
func generateLoaderResults[T any](results []*T, ids []string, kind string, idOf func(*T) string) []*dataloader.Result[*T] {
	resultMap := make(map[string]*T, len(results))
	for _, result := range results {
		resultMap[idOf(result)] = result
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*T]{Error: models.NotFound(kind, id)})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: data})
	}
	return loaderResults
}
