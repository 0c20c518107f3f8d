package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/costing"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/shopspring/decimal"
)

// stockPlanner turns movement requests into batches, consumptions and
// movements for one WriteSet. It works on private copies of the batches it
// reads, so several lines of one request that touch the same stock see each
// other's effect before anything is committed.
type stockPlanner struct {
	ctx           context.Context
	e             *Engine
	institutionId string
	policy        models.InventoryPolicy
	ws            *store.WriteSet

	batches    map[string][]*models.Batch
	byId       map[string]*models.Batch
	products   map[string]*models.Product
	warehouses map[string]bool
	seq        int64
	consumed   decimal.Decimal
}

func newStockPlanner(ctx context.Context, e *Engine, institutionId string, policy models.InventoryPolicy, ws *store.WriteSet) *stockPlanner {
	if !policy.CostingMethod.IsValid() {
		policy.CostingMethod = models.CostingMethodFIFO
	}
	return &stockPlanner{
		ctx:           ctx,
		e:             e,
		institutionId: institutionId,
		policy:        policy,
		ws:            ws,
		batches:       map[string][]*models.Batch{},
		byId:          map[string]*models.Batch{},
		products:      map[string]*models.Product{},
		warehouses:    map[string]bool{},
		consumed:      decimal.Zero,
	}
}

func stockKey(productId, warehouseId string) string { return productId + "|" + warehouseId }

func (p *stockPlanner) load(productId, warehouseId string) ([]*models.Batch, error) {
	k := stockKey(productId, warehouseId)
	if list, ok := p.batches[k]; ok {
		return list, nil
	}
	list, err := p.e.store.ListBatches(p.ctx, p.institutionId, models.BatchFilter{ProductId: productId, WarehouseId: warehouseId})
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		p.byId[b.ID] = b
		if b.Sequence > p.seq {
			p.seq = b.Sequence
		}
	}
	p.batches[k] = list
	return list, nil
}

// batch returns the working copy of a batch in this institution.
func (p *stockPlanner) batch(batchId string) (*models.Batch, error) {
	if b, ok := p.byId[batchId]; ok {
		return b, nil
	}
	stored, err := p.e.store.GetBatch(p.ctx, p.institutionId, batchId)
	if errors.Is(err, models.ErrNotFound) {
		return nil, &models.InvalidBatchError{BatchId: batchId, Reason: "not found in institution"}
	}
	if err != nil {
		return nil, err
	}
	if _, err := p.load(stored.ProductId, stored.WarehouseId); err != nil {
		return nil, err
	}
	b, ok := p.byId[batchId]
	if !ok {
		return nil, &models.InvalidBatchError{BatchId: batchId, Reason: "not found in institution"}
	}
	return b, nil
}

func (p *stockPlanner) checkCatalog(productId, warehouseId string) error {
	product, ok := p.products[productId]
	if !ok {
		var err error
		product, err = p.e.store.GetProduct(p.ctx, p.institutionId, productId)
		if err != nil {
			return err
		}
		p.products[productId] = product
	}
	if !product.IsStockTracked() {
		return models.InvalidInput("product %s is a service and holds no stock", product.Sku)
	}
	if !p.warehouses[warehouseId] {
		if _, err := p.e.store.GetWarehouse(p.ctx, p.institutionId, warehouseId); err != nil {
			return err
		}
		p.warehouses[warehouseId] = true
	}
	return nil
}

// add plans one movement. in must already be validated.
func (p *stockPlanner) add(in *models.NewStockMovement, movementId, batchId string, ts time.Time) (*models.StockMovement, error) {
	if err := p.checkCatalog(in.ProductId, in.WarehouseId); err != nil {
		return nil, err
	}
	m := &models.StockMovement{
		ID:            movementId,
		InstitutionId: p.institutionId,
		ProductId:     in.ProductId,
		WarehouseId:   in.WarehouseId,
		Type:          in.Type,
		Quantity:      in.Quantity,
		Timestamp:     ts,
		Reference:     in.Reference,
	}
	var err error
	if in.Quantity.IsPositive() {
		err = p.receive(in, m, batchId, ts)
	} else {
		err = p.consume(in, m)
	}
	if err != nil {
		return nil, err
	}
	p.ws.Movements = append(p.ws.Movements, m)
	return m, nil
}

func (p *stockPlanner) receive(in *models.NewStockMovement, m *models.StockMovement, batchId string, ts time.Time) error {
	list, err := p.load(in.ProductId, in.WarehouseId)
	if err != nil {
		return err
	}
	unitCost := in.UnitCost
	var source *string
	if in.BatchId != "" {
		src, err := p.batch(in.BatchId)
		if err != nil {
			return err
		}
		if src.ProductId != in.ProductId {
			return &models.InvalidBatchError{BatchId: in.BatchId, Reason: "belongs to another product"}
		}
		if unitCost.IsZero() {
			unitCost = src.UnitCost
		}
		id := src.ID
		source = &id
	} else if unitCost.IsZero() && in.Type == models.MovementTypeReturn {
		// a return without a cost or a source batch comes back at the current average
		unitCost = costing.WeightedAverageCost(costing.RemainingLayers(list))
		if unitCost.IsZero() {
			unitCost = costing.NewestCost(list)
		}
	}

	number := in.BatchNumber
	if number == "" {
		number = defaultBatchNumber(in.Reference, batchId)
	}
	p.seq++
	b := &models.Batch{
		ID:                batchId,
		InstitutionId:     p.institutionId,
		ProductId:         in.ProductId,
		WarehouseId:       in.WarehouseId,
		BatchNumber:       number,
		UnitCost:          unitCost,
		ReceivedQty:       in.Quantity,
		QuantityRemaining: in.Quantity,
		ReceivedAt:        ts,
		ExpiryDate:        in.ExpiryDate,
		SourceMovementId:  m.ID,
		SourceBatchId:     source,
		Sequence:          p.seq,
	}
	k := stockKey(in.ProductId, in.WarehouseId)
	p.batches[k] = append(list, b)
	p.byId[b.ID] = b
	p.ws.Batches = append(p.ws.Batches, b)

	m.BatchId = &b.ID
	m.UnitCost = unitCost
	m.TotalCost = in.Quantity.Mul(unitCost).Round(4)
	return nil
}

func (p *stockPlanner) consume(in *models.NewStockMovement, m *models.StockMovement) error {
	qty := in.Quantity.Abs()
	var allocs []costing.Allocation

	if in.BatchId != "" {
		b, err := p.batch(in.BatchId)
		if err != nil {
			return err
		}
		if b.ProductId != in.ProductId || b.WarehouseId != in.WarehouseId {
			return &models.InvalidBatchError{BatchId: in.BatchId, Reason: "belongs to another product or warehouse"}
		}
		if b.QuantityRemaining.LessThan(qty) {
			return &models.InsufficientStockError{
				ProductId:   in.ProductId,
				WarehouseId: in.WarehouseId,
				Requested:   qty,
				Available:   b.QuantityRemaining,
			}
		}
		allocs = []costing.Allocation{{BatchId: b.ID, Quantity: qty, UnitCost: b.UnitCost}}
		id := b.ID
		m.BatchId = &id
	} else {
		list, err := p.load(in.ProductId, in.WarehouseId)
		if err != nil {
			return err
		}
		var shortfall decimal.Decimal
		allocs, shortfall = costing.Allocate(p.policy.CostingMethod, costing.RemainingLayers(list), qty)
		if shortfall.IsPositive() {
			if !p.policy.AllowNegativeStock {
				return &models.InsufficientStockError{
					ProductId:   in.ProductId,
					WarehouseId: in.WarehouseId,
					Requested:   qty,
					Available:   qty.Sub(shortfall),
				}
			}
			allocs = append(allocs, costing.Allocation{Quantity: shortfall, UnitCost: costing.NewestCost(list)})
		}
	}

	for _, a := range allocs {
		if a.BatchId != "" {
			b := p.byId[a.BatchId]
			b.QuantityRemaining = b.QuantityRemaining.Sub(a.Quantity)
		}
		m.Consumptions = append(m.Consumptions, models.BatchConsumption{
			ID:            p.e.newID(),
			MovementId:    m.ID,
			InstitutionId: p.institutionId,
			BatchId:       a.BatchId,
			Quantity:      a.Quantity,
			UnitCost:      a.UnitCost,
		})
	}
	cost := costing.AllocationCost(allocs)
	p.consumed = p.consumed.Add(cost)
	m.UnitCost = cost.Div(qty).Round(4)
	m.TotalCost = cost.Neg()
	return nil
}

func defaultBatchNumber(reference, batchId string) string {
	short := batchId
	if len(short) > 8 {
		short = short[:8]
	}
	if reference == "" {
		return fmt.Sprintf("B-%s", short)
	}
	number := fmt.Sprintf("%s-%s", reference, short)
	if len(number) > 64 {
		number = number[:64]
	}
	return number
}
