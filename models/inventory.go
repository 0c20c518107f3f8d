package models

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Batch is a costed quantity received at one time. Only QuantityRemaining
// ever changes after creation, and only downwards.
type Batch struct {
	ID                string          `gorm:"primary_key;size:36" json:"id"`
	InstitutionId     string          `gorm:"size:64;not null;index:idx_batch_stock,priority:1" json:"institution_id"`
	ProductId         string          `gorm:"size:36;not null;index:idx_batch_stock,priority:2" json:"product_id"`
	WarehouseId       string          `gorm:"size:36;not null;index:idx_batch_stock,priority:3" json:"warehouse_id"`
	BatchNumber       string          `gorm:"size:64" json:"batch_number"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	ReceivedQty       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"received_qty"`
	QuantityRemaining decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity_remaining"`
	ReceivedAt        time.Time       `gorm:"not null;index:idx_batch_stock,priority:4" json:"received_at"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	SourceMovementId  string          `gorm:"size:36;index" json:"source_movement_id"`
	SourceBatchId     *string         `gorm:"size:36" json:"source_batch_id,omitempty"`
	Sequence          int64           `gorm:"not null;index" json:"sequence"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (b *Batch) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: batches cannot be deleted")
}

func (b *Batch) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && f.Name != "QuantityRemaining" {
			return errors.New("immutable ledger: only quantity_remaining may be updated on batches")
		}
	}
	return nil
}

type StockMovement struct {
	ID             string             `gorm:"primary_key;size:36" json:"id"`
	InstitutionId  string             `gorm:"size:64;not null;index:idx_move_stock,priority:1" json:"institution_id"`
	ProductId      string             `gorm:"size:36;not null;index:idx_move_stock,priority:2" json:"product_id"`
	WarehouseId    string             `gorm:"size:36;not null;index:idx_move_stock,priority:3" json:"warehouse_id"`
	BatchId        *string            `gorm:"size:36;index" json:"batch_id,omitempty"`
	Type           MovementType       `gorm:"size:16;not null" json:"type"`
	Quantity       decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitCost       decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	TotalCost      decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"total_cost"`
	Timestamp      time.Time          `gorm:"not null;index:idx_move_stock,priority:4" json:"timestamp"`
	Reference      string             `gorm:"size:255" json:"reference"`
	JournalEntryId *string            `gorm:"size:36;index" json:"journal_entry_id,omitempty"`
	Consumptions   []BatchConsumption `gorm:"foreignKey:MovementId" json:"consumptions,omitempty"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// BatchConsumption records how much of which batch a negative movement drew.
// An empty BatchId marks quantity issued beyond available stock under a
// negative-stock policy.
type BatchConsumption struct {
	ID            string          `gorm:"primary_key;size:36" json:"id"`
	MovementId    string          `gorm:"size:36;not null;index" json:"movement_id"`
	InstitutionId string          `gorm:"size:64;not null;index" json:"institution_id"`
	BatchId       string          `gorm:"size:36;index" json:"batch_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitCost      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
}

func (m *StockMovement) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if m == nil {
		return nil
	}
	if !m.Type.SignAllowed(m.Quantity.Sign()) {
		return InvalidInput("quantity %s does not match movement type %s", m.Quantity.String(), m.Type)
	}
	return nil
}

func (m *StockMovement) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: stock_movements cannot be updated")
}

func (m *StockMovement) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: stock_movements cannot be deleted")
}

func (m *StockMovement) IsOutgoing() bool { return m.Quantity.IsNegative() }

type NewStockMovement struct {
	ProductId      string          `json:"product_id" binding:"required"`
	WarehouseId    string          `json:"warehouse_id" binding:"required"`
	BatchId        string          `json:"batch_id"`
	Type           MovementType    `json:"type" binding:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	BatchNumber    string          `json:"batch_number" binding:"max=64"`
	ExpiryDate     *time.Time      `json:"expiry_date"`
	Timestamp      time.Time       `json:"timestamp"`
	Reference      string          `json:"reference" binding:"max=255"`
	IdempotencyKey string          `json:"idempotency_key" binding:"max=255"`
}

func (input *NewStockMovement) Validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if !input.Type.IsValid() {
		return InvalidInput("invalid movement type %q", input.Type)
	}
	if input.Quantity.IsZero() {
		return InvalidInput("quantity must not be zero")
	}
	if !input.Type.SignAllowed(input.Quantity.Sign()) {
		return InvalidInput("quantity %s does not match movement type %s", input.Quantity.String(), input.Type)
	}
	if !utils.HasAtMostPlaces(input.Quantity, 4) || !utils.HasAtMostPlaces(input.UnitCost, 4) {
		return InvalidInput("quantity and unit cost accept at most 4 decimal places")
	}
	if input.UnitCost.IsNegative() {
		return InvalidInput("unit cost must not be negative")
	}
	input.ProductId = strings.TrimSpace(input.ProductId)
	input.WarehouseId = strings.TrimSpace(input.WarehouseId)
	input.BatchId = strings.TrimSpace(input.BatchId)
	return nil
}

// NewBatch registers stock that arrives outside a purchase flow, such as an opening balance.
type NewBatch struct {
	ProductId      string          `json:"product_id" binding:"required"`
	WarehouseId    string          `json:"warehouse_id" binding:"required"`
	BatchNumber    string          `json:"batch_number" binding:"required,max=64"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	ReceivedAt     time.Time       `json:"received_at" binding:"required"`
	ExpiryDate     *time.Time      `json:"expiry_date"`
	Reference      string          `json:"reference" binding:"max=255"`
	IdempotencyKey string          `json:"idempotency_key" binding:"max=255"`
}

func (input *NewBatch) Validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if !input.Quantity.IsPositive() {
		return InvalidInput("batch quantity must be greater than zero")
	}
	return nil
}

// AsReceipt expresses the batch as the receipt movement that creates it.
func (input *NewBatch) AsReceipt() *NewStockMovement {
	return &NewStockMovement{
		ProductId:      input.ProductId,
		WarehouseId:    input.WarehouseId,
		Type:           MovementTypeReceipt,
		Quantity:       input.Quantity,
		UnitCost:       input.UnitCost,
		BatchNumber:    input.BatchNumber,
		ExpiryDate:     input.ExpiryDate,
		Timestamp:      input.ReceivedAt,
		Reference:      input.Reference,
		IdempotencyKey: input.IdempotencyKey,
	}
}

type BatchFilter struct {
	ProductId     string
	WarehouseId   string
	OnlyAvailable bool
}

func (f BatchFilter) Match(b *Batch) bool {
	if f.ProductId != "" && b.ProductId != f.ProductId {
		return false
	}
	if f.WarehouseId != "" && b.WarehouseId != f.WarehouseId {
		return false
	}
	if f.OnlyAvailable && !b.QuantityRemaining.IsPositive() {
		return false
	}
	return true
}

type MovementFilter struct {
	ProductId   string
	WarehouseId string
}

func (f MovementFilter) Match(m *StockMovement) bool {
	if f.ProductId != "" && m.ProductId != f.ProductId {
		return false
	}
	if f.WarehouseId != "" && m.WarehouseId != f.WarehouseId {
		return false
	}
	return true
}

// InventoryPolicy is the per-tenant stock configuration read by the engine.
type InventoryPolicy struct {
	CostingMethod      CostingMethod `json:"costing_method" yaml:"costing_method"`
	AllowNegativeStock bool          `json:"allow_negative_stock" yaml:"allow_negative_stock"`
}

func (input *NewStockMovement) Fingerprint() string {
	ts := ""
	if !input.Timestamp.IsZero() {
		ts = input.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return hashJSON(struct {
		P, W, B string
		T       MovementType
		Q, C    string
		N, X, S string
		R       string
	}{
		P: input.ProductId, W: input.WarehouseId, B: input.BatchId,
		T: input.Type, Q: fixed(input.Quantity), C: fixed(input.UnitCost),
		N: input.BatchNumber, X: dayString(input.ExpiryDate), S: ts,
		R: input.Reference,
	})
}
