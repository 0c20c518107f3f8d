package models

import (
	"time"
)

const (
	OutboxEventJournalPosted   = "ledger.journal.posted"
	OutboxEventJournalReversed = "ledger.journal.reversed"
	OutboxEventStockMoved      = "inventory.movement.recorded"
)

// OutboxRecord is committed with the ledger write it describes and published
// afterwards by the dispatcher.
type OutboxRecord struct {
	ID               string              `gorm:"primary_key;size:36" json:"id"`
	InstitutionId    string              `gorm:"size:64;not null;index" json:"institution_id"`
	EventType        string              `gorm:"size:64;not null" json:"event_type"`
	ReferenceId      string              `gorm:"size:36;not null;index" json:"reference_id"`
	Payload          []byte              `gorm:"type:blob" json:"payload"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time           `gorm:"not null;index:idx_outbox_dispatch,priority:3" json:"created_at"`
}

// Due reports whether the dispatcher should try the record at now.
func (r *OutboxRecord) Due(now time.Time) bool {
	if r.PublishStatus != OutboxPublishStatusPending && r.PublishStatus != OutboxPublishStatusFailed {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}
