package workflow

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/books_ledger/models"
)

// CreateAccount adds an account to the institution's chart. The parent, when
// given, must be an account of the same institution and main type.
func (e *Engine) CreateAccount(ctx context.Context, institutionId string, input *models.NewAccount) (*models.Account, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("account is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	account := input.Build(e.newID(), institutionId)
	if account.ParentAccountId != nil {
		parent, err := e.store.GetAccount(ctx, institutionId, *account.ParentAccountId)
		if errors.Is(err, models.ErrNotFound) {
			return nil, &models.InvalidAccountError{AccountId: *account.ParentAccountId, Reason: "parent not found in institution"}
		}
		if err != nil {
			return nil, err
		}
		if parent.MainType != account.MainType {
			return nil, &models.InvalidAccountError{AccountId: parent.ID, Reason: "parent has a different main type"}
		}
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, models.InvalidInput("account code %q already exists", account.Code)
		}
		return nil, err
	}
	fields := e.logFields(ctx, institutionId)
	fields["account_id"] = account.ID
	fields["code"] = account.Code
	e.logger.WithFields(fields).Info("coa.account.created")
	return account, nil
}

// UpdateAccountBudget changes only the budget settings. Expense accounts stay tracked.
func (e *Engine) UpdateAccountBudget(ctx context.Context, institutionId, accountId string, input *models.UpdateAccountBudget) (*models.Account, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("budget settings are required")
	}
	account, err := e.store.GetAccount(ctx, institutionId, accountId)
	if err != nil {
		return nil, err
	}
	tracked, err := input.Apply(account.MainType)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateAccountBudget(ctx, institutionId, accountId, tracked, input.MonthlyLimit); err != nil {
		return nil, err
	}
	return e.store.GetAccount(ctx, institutionId, accountId)
}

func (e *Engine) GetAccount(ctx context.Context, institutionId, accountId string) (*models.Account, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.GetAccount(ctx, institutionId, strings.TrimSpace(accountId))
}

func (e *Engine) ListAccounts(ctx context.Context, institutionId string) ([]*models.Account, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.ListAccounts(ctx, institutionId)
}
