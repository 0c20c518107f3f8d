package costing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/books_ledger/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func batch(id, wh string, seq int64, received time.Time, qty, remaining, cost string) *models.Batch {
	return &models.Batch{
		ID:                id,
		ProductId:         "p",
		WarehouseId:       wh,
		ReceivedAt:        received,
		Sequence:          seq,
		ReceivedQty:       dec(qty),
		QuantityRemaining: dec(remaining),
		UnitCost:          dec(cost),
	}
}

func TestOrder(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("b", "w", 2, day(2), "10", "10", "7"),
		batch("a", "w", 1, day(1), "10", "10", "5"),
		batch("c", "w", 3, day(2), "10", "10", "9"),
	})

	ids := func(ls []Layer) []string {
		out := []string{}
		for _, l := range ls {
			out = append(out, l.BatchId)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(Order(models.CostingMethodFIFO, layers)))
	assert.Equal(t, []string{"c", "b", "a"}, ids(Order(models.CostingMethodLIFO, layers)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(Order(models.CostingMethodWeightedAverage, layers)))
	assert.Equal(t, "b", layers[0].BatchId, "input must not be reordered")
}

func TestAllocate_FIFOConsumesOldestFirst(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "10", "5"),
		batch("B", "w", 2, day(2), "10", "10", "7"),
	})

	allocs, short := Allocate(models.CostingMethodFIFO, layers, dec("15"))
	require.True(t, short.IsZero())
	require.Len(t, allocs, 2)
	assert.Equal(t, "A", allocs[0].BatchId)
	assert.True(t, allocs[0].Quantity.Equal(dec("10")))
	assert.True(t, allocs[0].UnitCost.Equal(dec("5")))
	assert.Equal(t, "B", allocs[1].BatchId)
	assert.True(t, allocs[1].Quantity.Equal(dec("5")))
	assert.True(t, allocs[1].UnitCost.Equal(dec("7")))
	assert.True(t, AllocationCost(allocs).Equal(dec("85")))
}

func TestAllocate_LIFOConsumesNewestFirst(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "10", "5"),
		batch("B", "w", 2, day(2), "10", "10", "7"),
	})

	allocs, short := Allocate(models.CostingMethodLIFO, layers, dec("15"))
	require.True(t, short.IsZero())
	require.Len(t, allocs, 2)
	assert.Equal(t, "B", allocs[0].BatchId)
	assert.True(t, allocs[0].Quantity.Equal(dec("10")))
	assert.Equal(t, "A", allocs[1].BatchId)
	assert.True(t, allocs[1].Quantity.Equal(dec("5")))
	assert.True(t, AllocationCost(allocs).Equal(dec("95")))
}

func TestAllocate_WeightedAverageAttributesAverageCost(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "10", "5"),
		batch("B", "w", 2, day(2), "10", "10", "7"),
	})

	allocs, short := Allocate(models.CostingMethodWeightedAverage, layers, dec("15"))
	require.True(t, short.IsZero())
	require.Len(t, allocs, 2)
	assert.Equal(t, "A", allocs[0].BatchId)
	for _, a := range allocs {
		assert.True(t, a.UnitCost.Equal(dec("6")))
	}
	assert.True(t, AllocationCost(allocs).Equal(dec("90")))
}

func TestAllocate_ReportsShortfall(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "4", "5"),
		batch("B", "w", 2, day(2), "10", "0", "7"),
	})

	allocs, short := Allocate(models.CostingMethodFIFO, layers, dec("6"))
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Quantity.Equal(dec("4")))
	assert.True(t, short.Equal(dec("2")))
}

func TestWeightedAverageCost(t *testing.T) {
	layers := RemainingLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "10", "5"),
		batch("B", "w", 2, day(2), "10", "10", "7"),
	})
	assert.True(t, WeightedAverageCost(layers).Equal(dec("6")))
	assert.True(t, WeightedAverageCost(nil).IsZero())
}

func TestValue_AfterFIFOIssue(t *testing.T) {
	// A 10@5 and B 10@7, then 15 issued oldest first.
	batches := []*models.Batch{
		batch("A", "w", 1, day(1), "10", "0", "5"),
		batch("B", "w", 2, day(2), "10", "5", "7"),
	}

	fifo := Value(models.CostingMethodFIFO, batches, dec("5"))
	lifo := Value(models.CostingMethodLIFO, batches, dec("5"))
	wac := Value(models.CostingMethodWeightedAverage, batches, dec("5"))

	assert.True(t, fifo.UnitCost.Equal(dec("7")))
	assert.True(t, fifo.Value.Equal(dec("35")))
	assert.True(t, lifo.UnitCost.Equal(dec("5")))
	assert.True(t, lifo.Value.Equal(dec("25")))
	assert.True(t, wac.UnitCost.Equal(dec("7")))
	assert.True(t, wac.Value.Equal(dec("35")))
}

func TestValue_WeightedAverageBeforeIssue(t *testing.T) {
	batches := []*models.Batch{
		batch("A", "w", 1, day(1), "10", "10", "5"),
		batch("B", "w", 2, day(2), "10", "10", "7"),
	}
	v := Value(models.CostingMethodWeightedAverage, batches, dec("20"))
	assert.True(t, v.UnitCost.Equal(dec("6")))
	assert.True(t, v.Value.Equal(dec("120")))
}

func TestValue_WeightedAverageKeepsExactTotal(t *testing.T) {
	// The average of 1@1 and 2@2 does not terminate; the total must not drift.
	batches := []*models.Batch{
		batch("A", "w", 1, day(1), "1", "1", "1"),
		batch("B", "w", 2, day(2), "2", "2", "2"),
	}
	wac := Value(models.CostingMethodWeightedAverage, batches, dec("3"))
	fifo := Value(models.CostingMethodFIFO, batches, dec("3"))

	assert.True(t, wac.Value.Equal(dec("5")), "value %s", wac.Value)
	assert.True(t, wac.Value.Equal(fifo.Value))
	assert.True(t, wac.UnitCost.Equal(dec("1.6667")), "unit cost %s", wac.UnitCost)
}

func TestValue_MethodsAgreeOnQuantity(t *testing.T) {
	batches := []*models.Batch{
		batch("A", "w1", 1, day(1), "10", "0", "5"),
		batch("B", "w1", 2, day(3), "8", "6", "7.5"),
		batch("C", "w2", 3, day(2), "12", "12", "6.25"),
		batch("D", "w2", 4, day(5), "4", "1", "8"),
	}
	onHand := dec("19")

	var quantities []decimal.Decimal
	for _, m := range []models.CostingMethod{models.CostingMethodFIFO, models.CostingMethodLIFO, models.CostingMethodWeightedAverage} {
		quantities = append(quantities, Value(m, batches, onHand).Quantity)
	}
	for _, q := range quantities {
		assert.True(t, q.Equal(onHand))
	}
}

func TestValue_ProjectsPerWarehouse(t *testing.T) {
	// Each warehouse consumed independently; FIFO must not move cost across them.
	batches := []*models.Batch{
		batch("A", "w1", 1, day(1), "10", "10", "5"),
		batch("B", "w2", 2, day(2), "10", "0", "7"),
	}
	v := Value(models.CostingMethodFIFO, batches, dec("10"))
	assert.True(t, v.Value.Equal(dec("50")))
}

func TestValue_NegativeStockUsesNewestCost(t *testing.T) {
	batches := []*models.Batch{
		batch("A", "w", 1, day(1), "10", "0", "5"),
		batch("B", "w", 2, day(2), "10", "0", "7"),
	}
	v := Value(models.CostingMethodFIFO, batches, dec("-3"))
	assert.True(t, v.Quantity.Equal(dec("-3")))
	assert.True(t, v.Value.Equal(dec("-21")))
	assert.True(t, v.UnitCost.Equal(dec("7")))
}

func TestProject(t *testing.T) {
	received := ReceivedLayers([]*models.Batch{
		batch("A", "w", 1, day(1), "10", "0", "5"),
		batch("B", "w", 2, day(2), "10", "5", "7"),
	})

	left := Project(models.CostingMethodLIFO, received, dec("15"))
	require.Len(t, left, 1)
	assert.Equal(t, "A", left[0].BatchId)
	assert.True(t, left[0].Quantity.Equal(dec("5")))
}
