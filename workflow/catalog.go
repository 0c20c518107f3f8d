package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/books_ledger/models"
)

// Fiscal periods, products and warehouses belong to the surrounding
// application. These helpers validate and store them; posting only reads them.

func (e *Engine) CreateFiscalPeriod(ctx context.Context, institutionId string, input *models.NewFiscalPeriod) (*models.FiscalPeriod, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("fiscal period is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	p := input.Build(e.newID(), institutionId)
	if err := e.store.CreateFiscalPeriod(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) SetFiscalPeriodStatus(ctx context.Context, institutionId, periodId string, status models.FiscalPeriodStatus) (*models.FiscalPeriod, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, models.InvalidInput("invalid period status %q", status)
	}
	if err := e.store.SetFiscalPeriodStatus(ctx, institutionId, periodId, status); err != nil {
		return nil, err
	}
	e.logger.WithFields(e.logFields(ctx, institutionId)).WithField("period_id", periodId).WithField("status", status).Info("ledger.period.status")
	return e.store.GetFiscalPeriod(ctx, institutionId, periodId)
}

func (e *Engine) ListFiscalPeriods(ctx context.Context, institutionId string) ([]*models.FiscalPeriod, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.ListFiscalPeriods(ctx, institutionId)
}

func (e *Engine) CreateProduct(ctx context.Context, institutionId string, input *models.NewProduct) (*models.Product, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("product is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	p := input.Build(e.newID(), institutionId)
	if err := e.store.CreateProduct(ctx, p); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, models.InvalidInput("sku %q already exists", p.Sku)
		}
		return nil, err
	}
	return p, nil
}

func (e *Engine) ListProducts(ctx context.Context, institutionId string) ([]*models.Product, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.ListProducts(ctx, institutionId)
}

func (e *Engine) CreateWarehouse(ctx context.Context, institutionId string, input *models.NewWarehouse) (*models.Warehouse, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("warehouse is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	w := &models.Warehouse{ID: e.newID(), InstitutionId: institutionId, Name: input.Name}
	if err := e.store.CreateWarehouse(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (e *Engine) ListWarehouses(ctx context.Context, institutionId string) ([]*models.Warehouse, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.ListWarehouses(ctx, institutionId)
}
