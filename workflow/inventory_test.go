package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func (f *fixture) issue(qty string) (*models.StockMovement, error) {
	id, err := f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.warehouse, Type: models.MovementTypeIssue,
		Quantity: dec(qty).Neg(), Timestamp: day(2024, 1, 15),
	})
	if err != nil {
		return nil, err
	}
	return f.store.GetStockMovement(f.ctx, inst, id)
}

func TestRecordStockMovement_FIFOThreeLayers(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{CostingMethod: models.CostingMethodFIFO})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	b := f.receive("B", day(2024, 1, 2), "10", "7")

	m, err := f.issue("15")
	require.NoError(t, err)
	require.Len(t, m.Consumptions, 2)
	assert.Equal(t, a, m.Consumptions[0].BatchId)
	assert.True(t, m.Consumptions[0].Quantity.Equal(dec("10")))
	assert.Equal(t, b, m.Consumptions[1].BatchId)
	assert.True(t, m.Consumptions[1].Quantity.Equal(dec("5")))
	assert.True(t, m.TotalCost.Equal(dec("-85")))

	assert.True(t, f.batch(a).QuantityRemaining.IsZero())
	assert.True(t, f.batch(b).QuantityRemaining.Equal(dec("5")))

	want := map[models.CostingMethod][2]string{
		models.CostingMethodFIFO:            {"7", "35"},
		models.CostingMethodLIFO:            {"5", "25"},
		models.CostingMethodWeightedAverage: {"7", "35"},
	}
	for method, w := range want {
		vals, err := f.engine.ValueInventory(f.ctx, inst, method)
		require.NoError(t, err)
		require.Len(t, vals, 1)
		assert.True(t, vals[0].TotalQuantity.Equal(dec("5")), "%s quantity", method)
		assert.True(t, vals[0].UnitCost.Equal(dec(w[0])), "%s unit cost %s", method, vals[0].UnitCost)
		assert.True(t, vals[0].TotalValue.Equal(dec(w[1])), "%s value %s", method, vals[0].TotalValue)
	}
}

func TestValueInventory_WeightedAverageBeforeIssue(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.receive("A", day(2024, 1, 1), "10", "5")
	f.receive("B", day(2024, 1, 2), "10", "7")

	vals, err := f.engine.ValueInventory(f.ctx, inst, models.CostingMethodWeightedAverage)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.True(t, vals[0].UnitCost.Equal(dec("6")))
	assert.True(t, vals[0].TotalValue.Equal(dec("120")))
}

func TestValueInventory_ConcurrentIssueDoesNotTearRead(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{CostingMethod: models.CostingMethodFIFO})
	f.receive("A", day(2024, 1, 1), "10", "5")
	f.receive("B", day(2024, 1, 2), "10", "7")

	e := f.interleaved(func() {
		_, err := f.issue("15")
		require.NoError(t, err)
	})
	vals, err := e.ValueInventory(f.ctx, inst, models.CostingMethodFIFO)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	// The state before the issue, not a mix of both.
	assert.True(t, vals[0].TotalQuantity.Equal(dec("20")), "quantity %s", vals[0].TotalQuantity)
	assert.True(t, vals[0].UnitCost.Equal(dec("6")), "unit cost %s", vals[0].UnitCost)
	assert.True(t, vals[0].TotalValue.Equal(dec("120")), "value %s", vals[0].TotalValue)

	vals, err = f.engine.ValueInventory(f.ctx, inst, models.CostingMethodFIFO)
	require.NoError(t, err)
	assert.True(t, vals[0].TotalQuantity.Equal(dec("5")))
	assert.True(t, vals[0].TotalValue.Equal(dec("35")))
}

func TestRecordStockMovement_LIFOConsumesNewestFirst(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{CostingMethod: models.CostingMethodLIFO})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	b := f.receive("B", day(2024, 1, 2), "10", "7")

	m, err := f.issue("15")
	require.NoError(t, err)
	assert.True(t, m.TotalCost.Equal(dec("-95")))
	assert.True(t, f.batch(a).QuantityRemaining.Equal(dec("5")))
	assert.True(t, f.batch(b).QuantityRemaining.IsZero())
}

func TestRecordStockMovement_WeightedAverageAttributesAverageCost(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{CostingMethod: models.CostingMethodWeightedAverage})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	f.receive("B", day(2024, 1, 2), "10", "7")

	m, err := f.issue("15")
	require.NoError(t, err)
	assert.True(t, m.UnitCost.Equal(dec("6")))
	assert.True(t, m.TotalCost.Equal(dec("-90")))
	assert.True(t, f.batch(a).QuantityRemaining.IsZero(), "physical draw-down is oldest first")
}

func TestRecordStockMovement_InsufficientStockLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	f.receive("B", day(2024, 1, 2), "10", "7")
	before := f.movementCount()

	_, err := f.issue("25")
	var short *models.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.True(t, short.Requested.Equal(dec("25")))
	assert.True(t, short.Available.Equal(dec("20")))

	assert.Equal(t, before, f.movementCount())
	assert.True(t, f.batch(a).QuantityRemaining.Equal(dec("10")))
}

func TestRecordStockMovement_NegativeStockPolicy(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{AllowNegativeStock: true})
	a := f.receive("A", day(2024, 1, 1), "10", "5")

	m, err := f.issue("12")
	require.NoError(t, err)
	require.Len(t, m.Consumptions, 2)
	assert.Equal(t, "", m.Consumptions[1].BatchId)
	assert.True(t, m.Consumptions[1].Quantity.Equal(dec("2")))
	assert.True(t, f.batch(a).QuantityRemaining.IsZero(), "batches never go below zero")

	soh, err := f.engine.StockOnHand(f.ctx, inst, f.product)
	require.NoError(t, err)
	assert.True(t, soh.Total.Equal(dec("-2")))

	vals, err := f.engine.ValueInventory(f.ctx, inst, models.CostingMethodFIFO)
	require.NoError(t, err)
	assert.True(t, vals[0].TotalQuantity.Equal(dec("-2")))
	assert.True(t, vals[0].TotalValue.Equal(dec("-10")))
}

func TestRecordStockMovement_SpecificBatch(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	b := f.receive("B", day(2024, 1, 2), "10", "7")

	_, err := f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.warehouse, BatchId: b, Type: models.MovementTypeDamage, Quantity: dec("-3"),
	})
	require.NoError(t, err)
	assert.True(t, f.batch(a).QuantityRemaining.Equal(dec("10")))
	assert.True(t, f.batch(b).QuantityRemaining.Equal(dec("7")))

	_, err = f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.other, BatchId: b, Type: models.MovementTypeIssue, Quantity: dec("-1"),
	})
	require.ErrorIs(t, err, models.ErrInvalidBatch)

	_, err = f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.warehouse, BatchId: "missing", Type: models.MovementTypeIssue, Quantity: dec("-1"),
	})
	require.ErrorIs(t, err, models.ErrInvalidBatch)

	_, err = f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.warehouse, BatchId: b, Type: models.MovementTypeIssue, Quantity: dec("-8"),
	})
	require.ErrorIs(t, err, models.ErrInsufficientStock)
}

func TestRecordStockMovement_ReturnToBatchUsesItsCost(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	a := f.receive("A", day(2024, 1, 1), "10", "5")
	_, err := f.issue("4")
	require.NoError(t, err)

	id, err := f.engine.RecordStockMovement(f.ctx, inst, &models.NewStockMovement{
		ProductId: f.product, WarehouseId: f.warehouse, BatchId: a, Type: models.MovementTypeReturn, Quantity: dec("2"),
	})
	require.NoError(t, err)
	m, err := f.store.GetStockMovement(f.ctx, inst, id)
	require.NoError(t, err)
	require.NotNil(t, m.BatchId)
	ret := f.batch(*m.BatchId)
	assert.True(t, ret.UnitCost.Equal(dec("5")))
	require.NotNil(t, ret.SourceBatchId)
	assert.Equal(t, a, *ret.SourceBatchId)
	assert.True(t, f.batch(a).QuantityRemaining.Equal(dec("6")), "the source batch is never incremented")
}

func TestRecordStockMovement_Validation(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	service, err := f.engine.CreateProduct(f.ctx, inst, &models.NewProduct{Sku: "SVC", Name: "Installation", Type: models.ProductTypeService})
	require.NoError(t, err)

	cases := []struct {
		name string
		in   models.NewStockMovement
		want error
	}{
		{"receipt with negative quantity", models.NewStockMovement{ProductId: f.product, WarehouseId: f.warehouse, Type: models.MovementTypeReceipt, Quantity: dec("-1")}, models.ErrInvalidInput},
		{"issue with positive quantity", models.NewStockMovement{ProductId: f.product, WarehouseId: f.warehouse, Type: models.MovementTypeIssue, Quantity: dec("1")}, models.ErrInvalidInput},
		{"zero quantity", models.NewStockMovement{ProductId: f.product, WarehouseId: f.warehouse, Type: models.MovementTypeAdjustment, Quantity: dec("0")}, models.ErrInvalidInput},
		{"unknown product", models.NewStockMovement{ProductId: "nope", WarehouseId: f.warehouse, Type: models.MovementTypeReceipt, Quantity: dec("1")}, models.ErrNotFound},
		{"unknown warehouse", models.NewStockMovement{ProductId: f.product, WarehouseId: "nope", Type: models.MovementTypeReceipt, Quantity: dec("1")}, models.ErrNotFound},
		{"service product", models.NewStockMovement{ProductId: service.ID, WarehouseId: f.warehouse, Type: models.MovementTypeReceipt, Quantity: dec("1")}, models.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.RecordStockMovement(f.ctx, inst, &tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.movementCount())
}

func TestRecordStockMovement_IdempotencyKey(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	in := func(qty string) *models.NewStockMovement {
		return &models.NewStockMovement{
			ProductId: f.product, WarehouseId: f.warehouse, Type: models.MovementTypeReceipt,
			Quantity: dec(qty), UnitCost: dec("3"), Timestamp: day(2024, 1, 3), IdempotencyKey: "grn-7",
		}
	}
	first, err := f.engine.RecordStockMovement(f.ctx, inst, in("4"))
	require.NoError(t, err)
	again, err := f.engine.RecordStockMovement(f.ctx, inst, in("4"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.movementCount())

	_, err = f.engine.RecordStockMovement(f.ctx, inst, in("5"))
	require.ErrorIs(t, err, models.ErrIdempotencyConflict)
}

func TestStockQueries(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.receive("A", day(2024, 1, 1), "10", "5")
	_, err := f.engine.RegisterBatch(f.ctx, inst, &models.NewBatch{
		ProductId: f.product, WarehouseId: f.other, BatchNumber: "X",
		Quantity: dec("2"), UnitCost: dec("5"), ReceivedAt: day(2024, 1, 1),
	})
	require.NoError(t, err)
	_, err = f.issue("8")
	require.NoError(t, err)

	soh, err := f.engine.StockOnHand(f.ctx, inst, f.product)
	require.NoError(t, err)
	assert.True(t, soh.Total.Equal(dec("4")))
	assert.True(t, soh.ByWarehouse[f.warehouse].Equal(dec("2")))
	assert.True(t, soh.ByWarehouse[f.other].Equal(dec("2")))

	candidates, err := f.engine.ReorderCandidates(f.ctx, inst)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "P-1", candidates[0].Sku)
	assert.True(t, candidates[0].OnHand.Equal(dec("4")))
}

func TestRecordStockMovement_ConcurrentIssuesNeverOversell(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	a := f.receive("A", day(2024, 1, 1), "10", "5")

	var g errgroup.Group
	results := make(chan error, 25)
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := f.issue("1")
			results <- err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	ok, short := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 15, short)
	assert.True(t, f.batch(a).QuantityRemaining.IsZero())

	soh, err := f.engine.StockOnHand(f.ctx, inst, f.product)
	require.NoError(t, err)
	assert.True(t, soh.Total.IsZero())
}

func TestCostingAgreementAcrossMethods(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.receive("A", day(2024, 1, 1), "10", "5")
	f.receive("B", day(2024, 1, 2), "7", "6.25")
	f.receive("C", day(2024, 1, 3), "3", "8")
	_, err := f.issue("4")
	require.NoError(t, err)
	_, err = f.issue("9.5")
	require.NoError(t, err)

	var qty []string
	for _, method := range []models.CostingMethod{models.CostingMethodFIFO, models.CostingMethodLIFO, models.CostingMethodWeightedAverage} {
		vals, err := f.engine.ValueInventory(f.ctx, inst, method)
		require.NoError(t, err)
		require.Len(t, vals, 1)
		qty = append(qty, vals[0].TotalQuantity.String())
	}
	assert.Equal(t, []string{"6.5", "6.5", "6.5"}, qty)
}
