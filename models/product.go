package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string          `gorm:"primary_key;size:36" json:"id"`
	InstitutionId string          `gorm:"size:64;not null;index;uniqueIndex:uniq_product_sku,priority:1" json:"institution_id"`
	Sku           string          `gorm:"size:64;not null;uniqueIndex:uniq_product_sku,priority:2" json:"sku"`
	Name          string          `gorm:"size:100;not null" json:"name"`
	Type          ProductType     `gorm:"size:10;not null;default:'Stock'" json:"type"`
	ReorderLevel  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reorder_level"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Product) IsStockTracked() bool { return p.Type == ProductTypeStock }

type NewProduct struct {
	Sku          string          `json:"sku" binding:"required,max=64"`
	Name         string          `json:"name" binding:"required,max=100"`
	Type         ProductType     `json:"type"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
}

func (input *NewProduct) Validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if input.Type != "" && !input.Type.IsValid() {
		return InvalidInput("invalid product type %q", input.Type)
	}
	if input.ReorderLevel.IsNegative() {
		return InvalidInput("reorder level must not be negative")
	}
	return nil
}

func (input *NewProduct) Build(id, institutionId string) *Product {
	t := input.Type
	if t == "" {
		t = ProductTypeStock
	}
	return &Product{
		ID:            id,
		InstitutionId: institutionId,
		Sku:           input.Sku,
		Name:          input.Name,
		Type:          t,
		ReorderLevel:  input.ReorderLevel,
	}
}

type Warehouse struct {
	ID            string    `gorm:"primary_key;size:36" json:"id"`
	InstitutionId string    `gorm:"size:64;not null;index" json:"institution_id"`
	Name          string    `gorm:"size:100;not null" json:"name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWarehouse struct {
	Name string `json:"name" binding:"required,max=100"`
}

func (input *NewWarehouse) Validate() error {
	return validateStruct(input)
}

// StockOnHand is the derived quantity of a product, split by warehouse.
type StockOnHand struct {
	ProductId   string                     `json:"product_id"`
	Total       decimal.Decimal            `json:"total"`
	ByWarehouse map[string]decimal.Decimal `json:"by_warehouse"`
}

type ReorderCandidate struct {
	ProductId    string          `json:"product_id"`
	Sku          string          `json:"sku"`
	OnHand       decimal.Decimal `json:"on_hand"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
}
