package models

import (
	"context"

	"gorm.io/gorm"
)

func AllModels() []any {
	return []any{
		&Account{}, &FiscalPeriod{},
		&JournalEntry{}, &JournalLine{},
		&Product{}, &Warehouse{},
		&Batch{}, &StockMovement{}, &BatchConsumption{},
		&IdempotencyKey{}, &OutboxRecord{},
	}
}

func MigrateTable(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(AllModels()...)
}
