package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []config.LedgerMessage
	fail error
}

func (p *fakePublisher) Publish(_ context.Context, msg config.LedgerMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.sent = append(p.sent, msg)
	return "msg-" + msg.ID, nil
}

func newTestDispatcher(f *fixture, pub Publisher, now *time.Time) *OutboxDispatcher {
	d := NewOutboxDispatcher(f.store, pub, quietLogger())
	d.now = func() time.Time { return *now }
	return d
}

func TestOutbox_CommittedWithTheWrite(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	entryId := f.post(day(2024, 1, 5), f.line("1000", models.SideDebit, "10"), f.line("3000", models.SideCredit, "10"))
	f.receive("A", day(2024, 1, 1), "1", "1")

	_, err := f.engine.PostJournalEntry(f.ctx, inst, &models.NewJournalEntry{
		EntryDate: day(2024, 1, 5),
		Lines:     []models.NewJournalLine{f.line("1000", models.SideDebit, "10"), f.line("3000", models.SideCredit, "9")},
	})
	require.Error(t, err)

	records := f.store.OutboxRecords()
	require.Len(t, records, 2, "rejected posts leave no outbox record")
	assert.Equal(t, models.OutboxEventJournalPosted, records[0].EventType)
	assert.Equal(t, entryId, records[0].ReferenceId)
	assert.Equal(t, models.OutboxEventStockMoved, records[1].EventType)
	for _, r := range records {
		assert.Equal(t, models.OutboxPublishStatusPending, r.PublishStatus)
		assert.NotEmpty(t, r.Payload)
	}
}

func TestOutboxDispatcher_PublishesPending(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.post(day(2024, 1, 5), f.line("1000", models.SideDebit, "10"), f.line("3000", models.SideCredit, "10"))
	f.post(day(2024, 1, 6), f.line("1000", models.SideDebit, "20"), f.line("3000", models.SideCredit, "20"))

	pub := &fakePublisher{}
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(f, pub, &now)

	assert.Equal(t, 2, d.DispatchOnce(f.ctx))
	assert.Zero(t, d.DispatchOnce(f.ctx), "sent records are not published again")
	require.Len(t, pub.sent, 2)
	assert.Equal(t, inst, pub.sent[0].InstitutionId)
	assert.Equal(t, models.OutboxEventJournalPosted, pub.sent[0].EventType)

	for _, r := range f.store.OutboxRecords() {
		assert.Equal(t, models.OutboxPublishStatusSent, r.PublishStatus)
		require.NotNil(t, r.PubSubMessageId)
		assert.Equal(t, "msg-"+r.ID, *r.PubSubMessageId)
	}
}

func TestOutboxDispatcher_BacksOffThenGoesDead(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.post(day(2024, 1, 5), f.line("1000", models.SideDebit, "10"), f.line("3000", models.SideCredit, "10"))

	pub := &fakePublisher{fail: errors.New("broker unavailable")}
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(f, pub, &now)
	d.MaxAttempts = 3

	assert.Zero(t, d.DispatchOnce(f.ctx))
	rec := f.store.OutboxRecords()[0]
	assert.Equal(t, models.OutboxPublishStatusFailed, rec.PublishStatus)
	assert.Equal(t, 1, rec.PublishAttempts)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, now.Add(5*time.Second), *rec.NextAttemptAt)

	d.DispatchOnce(f.ctx)
	assert.Equal(t, 1, f.store.OutboxRecords()[0].PublishAttempts, "not yet due")

	now = now.Add(5 * time.Second)
	d.DispatchOnce(f.ctx)
	rec = f.store.OutboxRecords()[0]
	assert.Equal(t, 2, rec.PublishAttempts)
	assert.Equal(t, now.Add(10*time.Second), *rec.NextAttemptAt)

	now = now.Add(10 * time.Second)
	d.DispatchOnce(f.ctx)
	rec = f.store.OutboxRecords()[0]
	assert.Equal(t, models.OutboxPublishStatusDead, rec.PublishStatus)
	assert.Equal(t, 3, rec.PublishAttempts)
	assert.Nil(t, rec.NextAttemptAt)
	require.NotNil(t, rec.LastPublishError)
	assert.Equal(t, "broker unavailable", *rec.LastPublishError)

	pub.fail = nil
	now = now.Add(time.Hour)
	assert.Zero(t, d.DispatchOnce(f.ctx), "dead records stay dead")
}

func TestOutboxDispatcher_Backoff(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}
	assert.Equal(t, 5*time.Second, d.Backoff(1))
	assert.Equal(t, 10*time.Second, d.Backoff(2))
	assert.Equal(t, 40*time.Second, d.Backoff(4))
	assert.Equal(t, time.Minute, d.Backoff(5))
	assert.Equal(t, time.Minute, d.Backoff(30))
}

func TestOutboxDispatcher_RunStopsWithContext(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.post(day(2024, 1, 5), f.line("1000", models.SideDebit, "10"), f.line("3000", models.SideCredit, "10"))

	pub := &fakePublisher{}
	d := NewOutboxDispatcher(f.store, pub, quietLogger())
	d.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestLogPublisher(t *testing.T) {
	id, err := LogPublisher{Logger: quietLogger()}.Publish(context.Background(), config.LedgerMessage{ID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "log-r-1", id)
}
