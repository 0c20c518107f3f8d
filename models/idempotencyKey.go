package models

import "time"

// IdempotencyKey is written in the same commit as the record it guards, so a
// row only ever exists for a request that fully succeeded.
// Unique constraint: (institution_id, handler_name, idempotency_key).
type IdempotencyKey struct {
	ID             string    `gorm:"primary_key;size:36" json:"id"`
	InstitutionId  string    `gorm:"size:64;not null;index:uniq_idem,unique" json:"institution_id"`
	HandlerName    string    `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	IdempotencyKey string    `gorm:"size:255;not null;index:uniq_idem,unique" json:"idempotency_key"`
	RequestHash    string    `gorm:"size:64;not null" json:"request_hash"`
	ResultId       string    `gorm:"size:36;not null" json:"result_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
