package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OutboxDispatcher publishes committed outbox records. Delivery is
// at-least-once: a crash between publish and MarkOutboxSent republishes.
type OutboxDispatcher struct {
	Store        store.OutboxStore
	Publisher    Publisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	now func() time.Time
}

func NewOutboxDispatcher(s store.OutboxStore, publisher Publisher, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Store:          s,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   config.OutboxPollInterval(),
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce publishes one batch of due records and returns how many were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Store == nil || d.Publisher == nil {
		return 0
	}
	now := d.now()
	due, err := d.Store.PendingOutbox(ctx, now, d.BatchSize)
	if err != nil {
		config.LogError(d.Logger, "workflow", "OutboxDispatcher", "load pending", d.DispatcherID, err)
		return 0
	}

	sent := 0
	for _, rec := range due {
		attempt := rec.PublishAttempts + 1
		// Enforce max attempts: poison records go terminal.
		if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
			d.markFailed(ctx, rec, fmt.Errorf("max publish attempts exceeded (%d)", d.MaxAttempts), rec.PublishAttempts)
			continue
		}
		msgID, pubErr := d.Publisher.Publish(ctx, toLedgerMessage(rec))
		if pubErr != nil {
			d.markFailed(ctx, rec, pubErr, attempt)
			continue
		}
		if err := d.Store.MarkOutboxSent(ctx, rec.ID, msgID, now); err != nil {
			config.LogError(d.Logger, "workflow", "OutboxDispatcher", "mark sent", rec.ID, err)
			continue
		}
		sent++
	}
	return sent
}

// Backoff is the wait before retry number attempt+1.
func (d *OutboxDispatcher) Backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec *models.OutboxRecord, pubErr error, attempt int) {
	msg := pubErr.Error()
	dead := d.MaxAttempts > 0 && attempt >= d.MaxAttempts
	var next *time.Time
	if !dead {
		t := d.now().Add(d.Backoff(attempt))
		next = &t
	}
	if err := d.Store.MarkOutboxFailed(ctx, rec.ID, attempt, msg, next, dead); err != nil {
		config.LogError(d.Logger, "workflow", "OutboxDispatcher", "mark failed", rec.ID, err)
	}
	if d.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":          "OutboxDispatcher",
		"institution_id": rec.InstitutionId,
		"record_id":      rec.ID,
		"attempt":        attempt,
		"error":          msg,
	}
	if dead {
		d.Logger.WithFields(fields).Error("outbox.dispatch.dead")
		return
	}
	d.Logger.WithFields(fields).Warn("outbox.dispatch.failed")
}

func toLedgerMessage(rec *models.OutboxRecord) config.LedgerMessage {
	return config.LedgerMessage{
		ID:            rec.ID,
		InstitutionId: rec.InstitutionId,
		EventType:     rec.EventType,
		ReferenceId:   rec.ReferenceId,
		Payload:       rec.Payload,
		CorrelationId: rec.CorrelationId,
		OccurredAt:    rec.CreatedAt,
	}
}
