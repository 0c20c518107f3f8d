package models

import (
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTypeSalesInvoiceFinalized EventType = "SALES_INVOICE_FINALIZED"
	EventTypeSalesReturnProcessed  EventType = "SALES_RETURN_PROCESSED"
	EventTypeVendorInvoiceBooked   EventType = "VENDOR_INVOICE_BOOKED"
	EventTypeStockAdjustment       EventType = "STOCK_ADJUSTMENT"
	EventTypeGoodsReceived         EventType = "GOODS_RECEIVED"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventTypeSalesInvoiceFinalized, EventTypeSalesReturnProcessed, EventTypeVendorInvoiceBooked,
		EventTypeStockAdjustment, EventTypeGoodsReceived:
		return true
	}
	return false
}

// MovementType is the stock movement the event implies, if any.
func (t EventType) MovementType() (MovementType, bool) {
	switch t {
	case EventTypeSalesInvoiceFinalized:
		return MovementTypeIssue, true
	case EventTypeSalesReturnProcessed:
		return MovementTypeReturn, true
	case EventTypeStockAdjustment:
		return MovementTypeAdjustment, true
	case EventTypeGoodsReceived:
		return MovementTypeReceipt, true
	}
	return "", false
}

// EventStockLine is a physical quantity carried by an event. Quantity is a
// magnitude; the direction comes from the event type.
type EventStockLine struct {
	ProductId    string          `json:"product_id" binding:"required"`
	WarehouseId  string          `json:"warehouse_id" binding:"required"`
	BatchId      string          `json:"batch_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	BatchNumber  string          `json:"batch_number"`
	ExpiryDate   *time.Time      `json:"expiry_date"`
	MovementType MovementType    `json:"movement_type"`
}

type BusinessEvent struct {
	Type                EventType        `json:"type" binding:"required"`
	EventId             string           `json:"event_id" binding:"max=200"`
	Date                time.Time        `json:"date" binding:"required"`
	BranchId            string           `json:"branch_id"`
	Reference           string           `json:"reference" binding:"max=255"`
	Description         string           `json:"description"`
	CashSale            bool             `json:"cash_sale"`
	NetAmount           decimal.Decimal  `json:"net_amount"`
	TaxAmount           decimal.Decimal  `json:"tax_amount"`
	TotalAmount         decimal.Decimal  `json:"total_amount"`
	AllocationAccountId string           `json:"allocation_account_id"`
	UseGRNClearing      bool             `json:"use_grn_clearing"`
	Lines               []EventStockLine `json:"lines" binding:"dive"`
}

func (e *BusinessEvent) Validate() error {
	if err := validateStruct(e); err != nil {
		return err
	}
	if !e.Type.IsValid() {
		return InvalidInput("invalid event type %q", e.Type)
	}
	for _, d := range []decimal.Decimal{e.NetAmount, e.TaxAmount, e.TotalAmount} {
		if d.IsNegative() {
			return InvalidInput("event amounts must not be negative")
		}
		if !utils.HasAtMostPlaces(d, 4) {
			return InvalidInput("event amounts accept at most 4 decimal places")
		}
	}
	if e.Type == EventTypeVendorInvoiceBooked && len(e.Lines) > 0 {
		return InvalidInput("vendor invoices carry no stock lines")
	}
	for i, l := range e.Lines {
		if !l.Quantity.IsPositive() {
			return InvalidInput("line %d: quantity must be greater than zero", i+1)
		}
		if l.UnitCost.IsNegative() {
			return InvalidInput("line %d: unit cost must not be negative", i+1)
		}
		if l.MovementType != "" {
			if e.Type != EventTypeStockAdjustment || (l.MovementType != MovementTypeAdjustment && l.MovementType != MovementTypeDamage) {
				return InvalidInput("line %d: movement type override is only allowed as Adjustment or Damage on stock adjustments", i+1)
			}
		}
	}
	return nil
}

// RequiredRoles lists the mapping roles the event's entry needs, debit roles first.
func (e *BusinessEvent) RequiredRoles() []AccountRole {
	settlement := RoleAccountsReceivable
	if e.CashSale {
		settlement = RoleCash
	}
	switch e.Type {
	case EventTypeSalesInvoiceFinalized, EventTypeSalesReturnProcessed:
		roles := []AccountRole{settlement, RoleSalesRevenue}
		if e.TaxAmount.IsPositive() {
			roles = append(roles, RoleVatPayable)
		}
		return roles
	case EventTypeVendorInvoiceBooked:
		if e.AllocationAccountId != "" {
			return []AccountRole{RoleAccountsPayable}
		}
		return []AccountRole{RolePurchaseAllocation, RoleAccountsPayable}
	case EventTypeStockAdjustment:
		return []AccountRole{RoleShrinkageExpense, RoleInventoryAsset}
	case EventTypeGoodsReceived:
		if e.UseGRNClearing {
			return []AccountRole{RoleInventoryAsset, RoleGRNClearing}
		}
		return []AccountRole{RoleInventoryAsset, RoleAccountsPayable}
	}
	return nil
}

// IdempotencyKey derives the replay key from the event identity, if it has one.
func (e *BusinessEvent) IdempotencyKey() string {
	if e.EventId == "" {
		return ""
	}
	return string(e.Type) + ":" + e.EventId
}

// ReceiptValue is Σ quantity × unit cost over the event's stock lines.
func (e *BusinessEvent) ReceiptValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total.Round(4)
}

// Fingerprint hashes the event content with amounts normalised to 4 places,
// so equivalent replays match regardless of how numbers were written.
func (e *BusinessEvent) Fingerprint() string {
	type line struct {
		P, W, B, Q, C, N, X string
		M                   MovementType
	}
	lines := make([]line, 0, len(e.Lines))
	for _, l := range e.Lines {
		lines = append(lines, line{
			P: l.ProductId, W: l.WarehouseId, B: l.BatchId,
			Q: fixed(l.Quantity), C: fixed(l.UnitCost),
			N: l.BatchNumber, X: dayString(l.ExpiryDate), M: l.MovementType,
		})
	}
	date := e.Date
	return hashJSON(struct {
		T                EventType
		I, D, Br, R, Dsc string
		Cash, GRN        bool
		Net, Tax, Tot, A string
		L                []line
	}{
		T: e.Type, I: e.EventId, D: dayString(&date), Br: e.BranchId, R: e.Reference, Dsc: e.Description,
		Cash: e.CashSale, GRN: e.UseGRNClearing,
		Net: fixed(e.NetAmount), Tax: fixed(e.TaxAmount), Tot: fixed(e.TotalAmount), A: e.AllocationAccountId,
		L: lines,
	})
}
