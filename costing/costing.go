// Package costing holds the batch ordering and valuation rules for the
// supported costing methods. Everything here is a pure function over batches;
// nothing reads or writes the store.
package costing

import (
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/shopspring/decimal"
)

// Layer is a cost layer: a quantity held at one unit cost.
type Layer struct {
	BatchId     string
	WarehouseId string
	ReceivedAt  time.Time
	Sequence    int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
}

// RemainingLayers converts batches to layers holding what is left in them.
func RemainingLayers(batches []*models.Batch) []Layer {
	out := make([]Layer, 0, len(batches))
	for _, b := range batches {
		out = append(out, layerOf(b, b.QuantityRemaining))
	}
	return out
}

// ReceivedLayers converts batches to layers holding what was originally received.
func ReceivedLayers(batches []*models.Batch) []Layer {
	out := make([]Layer, 0, len(batches))
	for _, b := range batches {
		out = append(out, layerOf(b, b.ReceivedQty))
	}
	return out
}

func layerOf(b *models.Batch, qty decimal.Decimal) Layer {
	return Layer{
		BatchId:     b.ID,
		WarehouseId: b.WarehouseId,
		ReceivedAt:  b.ReceivedAt,
		Sequence:    b.Sequence,
		Quantity:    qty,
		UnitCost:    b.UnitCost,
	}
}

func olderFirst(a, b Layer) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.BatchId < b.BatchId
}

// Order returns a copy of layers in the order method consumes them.
// Weighted average draws physical stock oldest first.
func Order(method models.CostingMethod, layers []Layer) []Layer {
	out := append([]Layer(nil), layers...)
	if method == models.CostingMethodLIFO {
		sort.SliceStable(out, func(i, j int) bool { return olderFirst(out[j], out[i]) })
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return olderFirst(out[i], out[j]) })
	return out
}

// TotalQuantity sums the quantity of the layers.
func TotalQuantity(layers []Layer) decimal.Decimal {
	total := decimal.Zero
	for _, l := range layers {
		total = total.Add(l.Quantity)
	}
	return total
}

// TotalValue sums quantity × unit cost over the layers.
func TotalValue(layers []Layer) decimal.Decimal {
	total := decimal.Zero
	for _, l := range layers {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total
}

// WeightedAverageCost is Σ(cost × qty) / Σ qty, or zero when nothing is held.
func WeightedAverageCost(layers []Layer) decimal.Decimal {
	qty := decimal.Zero
	value := decimal.Zero
	for _, l := range layers {
		if !l.Quantity.IsPositive() {
			continue
		}
		qty = qty.Add(l.Quantity)
		value = value.Add(l.Quantity.Mul(l.UnitCost))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return value.Div(qty).Round(4)
}

// Allocation is the quantity drawn from one batch and the cost attributed to it.
type Allocation struct {
	BatchId  string
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// Allocate draws qty from the layers in method order. The second return is
// the part of qty the layers could not cover.
func Allocate(method models.CostingMethod, layers []Layer, qty decimal.Decimal) ([]Allocation, decimal.Decimal) {
	ordered := Order(method, layers)
	avg := decimal.Zero
	if method == models.CostingMethodWeightedAverage {
		avg = WeightedAverageCost(ordered)
	}

	remaining := qty
	allocs := make([]Allocation, 0)
	for _, l := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !l.Quantity.IsPositive() {
			continue
		}
		take := decimal.Min(l.Quantity, remaining)
		cost := l.UnitCost
		if method == models.CostingMethodWeightedAverage {
			cost = avg
		}
		allocs = append(allocs, Allocation{BatchId: l.BatchId, Quantity: take, UnitCost: cost})
		remaining = remaining.Sub(take)
	}
	return allocs, remaining
}

// AllocationCost sums quantity × unit cost over allocs.
func AllocationCost(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Quantity.Mul(a.UnitCost))
	}
	return total.Round(4)
}

// Project replays a consumed quantity against received layers in method
// order and returns what would be left. It is how FIFO and LIFO valuations
// are derived from the same physical history.
func Project(method models.CostingMethod, received []Layer, consumed decimal.Decimal) []Layer {
	ordered := Order(method, received)
	left := consumed
	out := make([]Layer, 0, len(ordered))
	for _, l := range ordered {
		if left.IsPositive() {
			take := decimal.Min(l.Quantity, left)
			left = left.Sub(take)
			l.Quantity = l.Quantity.Sub(take)
		}
		if l.Quantity.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Valuation is the costed position of one product.
type Valuation struct {
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	Value    decimal.Decimal
}

// Value prices a product's batches under method. onHand is the product's
// movement-derived quantity; it only differs from the batches' remaining
// quantity when stock was issued past zero, and that shortfall is priced at
// the newest layer's cost.
func Value(method models.CostingMethod, batches []*models.Batch, onHand decimal.Decimal) Valuation {
	remainingLayers := RemainingLayers(batches)
	held := TotalQuantity(remainingLayers)

	var value decimal.Decimal
	switch method {
	case models.CostingMethodWeightedAverage:
		value = TotalValue(remainingLayers)
	default:
		value = decimal.Zero
		for _, group := range byWarehouse(batches) {
			received := ReceivedLayers(group)
			consumed := TotalQuantity(received).Sub(TotalQuantity(RemainingLayers(group)))
			value = value.Add(TotalValue(Project(method, received, consumed)))
		}
	}

	if uncovered := onHand.Sub(held); uncovered.IsNegative() {
		value = value.Add(uncovered.Mul(NewestCost(batches)))
	}
	unitCost := decimal.Zero
	if !onHand.IsZero() {
		unitCost = value.Div(onHand).Round(4)
	}
	return Valuation{Quantity: onHand, UnitCost: unitCost, Value: value.Round(4)}
}

func byWarehouse(batches []*models.Batch) [][]*models.Batch {
	index := map[string]int{}
	groups := [][]*models.Batch{}
	for _, b := range batches {
		i, ok := index[b.WarehouseId]
		if !ok {
			i = len(groups)
			index[b.WarehouseId] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], b)
	}
	return groups
}

// NewestCost is the unit cost of the most recently received batch, or zero.
func NewestCost(batches []*models.Batch) decimal.Decimal {
	layers := Order(models.CostingMethodLIFO, ReceivedLayers(batches))
	if len(layers) == 0 {
		return decimal.Zero
	}
	return layers[0].UnitCost
}
