package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/graph-gophers/dataloader/v7"
)

type accountReader struct {
	store store.AccountStore
}

func (r *accountReader) getAccounts(ctx context.Context, ids []string) []*dataloader.Result[*models.Account] {
	institutionId, ok := utils.GetInstitutionIdFromContext(ctx)
	if !ok {
		return handleError[*models.Account](len(ids), models.InvalidInput("institution id is required"))
	}
	results, err := r.store.GetAccounts(ctx, institutionId, ids)
	if err != nil {
		return handleError[*models.Account](len(ids), err)
	}
	return generateLoaderResults(results, ids, "account", func(a *models.Account) string { return a.ID })
}

// GetAccount returns single account by id efficiently
func GetAccount(ctx context.Context, id string) (*models.Account, error) {
	loaders := For(ctx)
	return loaders.AccountLoader.Load(ctx, id)()
}

// GetAccounts returns many accounts by ids efficiently
func GetAccounts(ctx context.Context, ids []string) ([]*models.Account, []error) {
	loaders := For(ctx)
	return loaders.AccountLoader.LoadMany(ctx, ids)()
}
