package workflow

import (
	"context"
	"errors"
	"sort"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/costing"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/shopspring/decimal"
)

// RecordStockMovement appends one movement. Positive movements create a batch;
// negative ones draw down batches in the tenant's costing order, or only the
// named batch when BatchId is set.
//
// Errors: InsufficientStockError, InvalidBatchError, ErrNotFound (product or
// warehouse), ErrInvalidInput, ErrIdempotencyConflict.
func (e *Engine) RecordStockMovement(ctx context.Context, institutionId string, input *models.NewStockMovement) (movementId string, err error) {
	ctx, span := e.startSpan(ctx, "RecordStockMovement", institutionId)
	defer func() { endSpan(span, err) }()

	m, err := e.recordMovement(ctx, institutionId, input)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// RegisterBatch records stock arriving outside a purchase flow, such as an
// opening balance, and returns the new batch id.
func (e *Engine) RegisterBatch(ctx context.Context, institutionId string, input *models.NewBatch) (batchId string, err error) {
	ctx, span := e.startSpan(ctx, "RegisterBatch", institutionId)
	defer func() { endSpan(span, err) }()

	if input == nil {
		return "", models.InvalidInput("batch is required")
	}
	if err := input.Validate(); err != nil {
		return "", err
	}
	m, err := e.recordMovement(ctx, institutionId, input.AsReceipt())
	if err != nil {
		return "", err
	}
	if m.BatchId == nil {
		return "", models.InvalidInput("receipt %s created no batch", m.ID)
	}
	return *m.BatchId, nil
}

func (e *Engine) recordMovement(ctx context.Context, institutionId string, input *models.NewStockMovement) (*models.StockMovement, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.InvalidInput("stock movement is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	key := input.IdempotencyKey
	hash := input.Fingerprint()
	if prior, ok, err := e.replayed(ctx, institutionId, HandlerMovement, key, hash); err != nil {
		return nil, err
	} else if ok {
		return e.store.GetStockMovement(ctx, institutionId, prior)
	}

	policy, err := e.tenants.Policy(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	ts := input.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	unlock, err := e.locker.Lock(ctx, StockLockKey(institutionId, input.ProductId, input.WarehouseId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	movementId := e.idFor(institutionId, HandlerMovement, key)
	batchId := e.idFor(institutionId, HandlerMovement, key, "batch")
	var movement *models.StockMovement
	_, err = e.commitPlanned(ctx, institutionId, func() (*store.WriteSet, error) {
		ws := &store.WriteSet{InstitutionId: institutionId}
		planner := newStockPlanner(ctx, e, institutionId, policy, ws)
		m, err := planner.add(input, movementId, batchId, ts)
		if err != nil {
			return nil, err
		}
		ws.Idempotency = e.idempotencyRecord(institutionId, HandlerMovement, key, hash, m.ID)
		ws.Outbox = []*models.OutboxRecord{e.outboxRecord(ctx, institutionId, models.OutboxEventStockMoved, m.ID, m)}
		movement = m
		return ws, nil
	})
	if err != nil {
		prior, rerr := e.resolveDuplicate(ctx, institutionId, HandlerMovement, key, hash, err)
		if rerr != nil {
			if !isBusinessErr(rerr) {
				config.LogError(e.logger, "workflow", "RecordStockMovement", "commit", input.Reference, rerr)
			}
			return nil, rerr
		}
		return e.store.GetStockMovement(ctx, institutionId, prior)
	}

	fields := e.logFields(ctx, institutionId)
	fields["movement_id"] = movement.ID
	fields["product_id"] = movement.ProductId
	fields["warehouse_id"] = movement.WarehouseId
	fields["quantity"] = movement.Quantity.String()
	e.logger.WithFields(fields).Info("inventory.movement.recorded")
	return movement, nil
}

// isBusinessErr reports a rejection of the request itself, as opposed to an
// infrastructure failure worth an error log.
func isBusinessErr(err error) bool {
	for _, target := range []error{
		models.ErrUnbalanced, models.ErrInvalidAccount, models.ErrClosedPeriod, models.ErrUnmappedAccount,
		models.ErrInsufficientStock, models.ErrInvalidBatch, models.ErrInvalidInput, models.ErrNotFound,
		models.ErrIdempotencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StockOnHand sums a product's movements, in total and per warehouse.
func (e *Engine) StockOnHand(ctx context.Context, institutionId, productId string) (*models.StockOnHand, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if _, err := e.store.GetProduct(ctx, institutionId, productId); err != nil {
		return nil, err
	}
	moves, err := e.store.ListStockMovements(ctx, institutionId, models.MovementFilter{ProductId: productId})
	if err != nil {
		return nil, err
	}
	soh := &models.StockOnHand{ProductId: productId, Total: decimal.Zero, ByWarehouse: map[string]decimal.Decimal{}}
	for _, m := range moves {
		soh.Total = soh.Total.Add(m.Quantity)
		soh.ByWarehouse[m.WarehouseId] = soh.ByWarehouse[m.WarehouseId].Add(m.Quantity)
	}
	return soh, nil
}

// ReorderCandidates lists stock products whose on-hand is at or below their reorder level.
func (e *Engine) ReorderCandidates(ctx context.Context, institutionId string) ([]models.ReorderCandidate, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	snap, err := e.store.InventorySnapshot(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	products, err := e.store.ListProducts(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	onHand := snap.OnHand()
	out := []models.ReorderCandidate{}
	for _, p := range products {
		if !p.IsStockTracked() {
			continue
		}
		qty := onHand[p.ID]
		if qty.LessThanOrEqual(p.ReorderLevel) {
			out = append(out, models.ReorderCandidate{ProductId: p.ID, Sku: p.Sku, OnHand: qty, ReorderLevel: p.ReorderLevel})
		}
	}
	return out, nil
}

// ValueInventory prices every stock product under method, or under the
// tenant's configured method when method is empty. Quantities are the same
// whichever method is asked for.
func (e *Engine) ValueInventory(ctx context.Context, institutionId string, method models.CostingMethod) (out []models.ProductValuation, err error) {
	ctx, span := e.startSpan(ctx, "ValueInventory", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if method == "" {
		policy, err := e.tenants.Policy(ctx, institutionId)
		if err != nil {
			return nil, err
		}
		method = policy.CostingMethod
	}
	if !method.IsValid() {
		return nil, models.InvalidInput("invalid costing method %q", method)
	}

	// Products are listed after the snapshot: a product created in between
	// has no rows in it and values at zero.
	snap, err := e.store.InventorySnapshot(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	products, err := e.store.ListProducts(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	onHand := snap.OnHand()
	byProduct := map[string][]*models.Batch{}
	for _, b := range snap.Batches {
		byProduct[b.ProductId] = append(byProduct[b.ProductId], b)
	}

	out = []models.ProductValuation{}
	for _, p := range products {
		if !p.IsStockTracked() {
			continue
		}
		v := costing.Value(method, byProduct[p.ID], onHand[p.ID])
		out = append(out, models.ProductValuation{
			ProductId:     p.ID,
			Sku:           p.Sku,
			Method:        method,
			TotalQuantity: v.Quantity,
			UnitCost:      v.UnitCost,
			TotalValue:    v.Value,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sku < out[j].Sku })
	return out, nil
}
