package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("wrapped: %w", &mysqlDriver.MySQLError{Number: 1062})))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.False(t, IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))

	err := duplicate(&mysqlDriver.MySQLError{Number: 1062}, "batch", "b-1")
	assert.ErrorIs(t, err, models.ErrDuplicate)
	assert.ErrorIs(t, notFound(gorm.ErrRecordNotFound, "batch", "b-1"), models.ErrNotFound)
}

// openTestStore connects to the database named by LEDGER_TEST_MYSQL_DSN.
// Run with INTEGRATION_TESTS=1.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run MySQL integration tests")
	}
	dsn := os.Getenv("LEDGER_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_MYSQL_DSN is not set")
	}
	db, err := config.OpenDatabase(dsn)
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBatch(t *testing.T, s *Store, inst string, qty string) *models.Batch {
	t.Helper()
	b := &models.Batch{
		ID:                uuid.NewString(),
		InstitutionId:     inst,
		ProductId:         uuid.NewString(),
		WarehouseId:       uuid.NewString(),
		BatchNumber:       "B-1",
		UnitCost:          decimal.NewFromInt(5),
		ReceivedQty:       decimal.RequireFromString(qty),
		QuantityRemaining: decimal.RequireFromString(qty),
		ReceivedAt:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Sequence:          1,
	}
	require.NoError(t, s.Commit(context.Background(), &store.WriteSet{InstitutionId: inst, Batches: []*models.Batch{b}}))
	return b
}

func issueFrom(inst string, b *models.Batch, qty string) *models.StockMovement {
	id := uuid.NewString()
	q := decimal.RequireFromString(qty)
	return &models.StockMovement{
		ID:            id,
		InstitutionId: inst,
		ProductId:     b.ProductId,
		WarehouseId:   b.WarehouseId,
		Type:          models.MovementTypeIssue,
		Quantity:      q.Neg(),
		UnitCost:      b.UnitCost,
		TotalCost:     q.Mul(b.UnitCost).Neg(),
		Timestamp:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Consumptions: []models.BatchConsumption{{
			ID: uuid.NewString(), MovementId: id, InstitutionId: inst,
			BatchId: b.ID, Quantity: q, UnitCost: b.UnitCost,
		}},
	}
}

func TestCommitDrawsDownBatchWithCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := "it-" + uuid.NewString()[:8]
	b := seedBatch(t, s, inst, "10")

	require.NoError(t, s.Commit(ctx, &store.WriteSet{
		InstitutionId: inst,
		Movements:     []*models.StockMovement{issueFrom(inst, b, "6")},
	}))
	got, err := s.GetBatch(ctx, inst, b.ID)
	require.NoError(t, err)
	assert.True(t, got.QuantityRemaining.Equal(decimal.NewFromInt(4)))

	stale := issueFrom(inst, b, "5")
	err = s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Movements: []*models.StockMovement{stale}})
	assert.ErrorIs(t, err, models.ErrStaleBatch)

	_, err = s.GetStockMovement(ctx, inst, stale.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "failed commit must not leave the movement behind")

	moves, err := s.ListStockMovements(ctx, inst, models.MovementFilter{ProductId: b.ProductId})
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Len(t, moves[0].Consumptions, 1)
}

func TestCommitIdempotencyKeyIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := "it-" + uuid.NewString()[:8]

	key := func() *models.IdempotencyKey {
		return &models.IdempotencyKey{
			ID: uuid.NewString(), InstitutionId: inst, HandlerName: "RegisterBatch",
			IdempotencyKey: "k-1", RequestHash: "h", ResultId: "r",
		}
	}
	b := seedBatch(t, s, inst, "3")
	require.NoError(t, s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Idempotency: key()}))

	err := s.Commit(ctx, &store.WriteSet{
		InstitutionId: inst,
		Idempotency:   key(),
		Movements:     []*models.StockMovement{issueFrom(inst, b, "1")},
	})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	got, err := s.GetBatch(ctx, inst, b.ID)
	require.NoError(t, err)
	assert.True(t, got.QuantityRemaining.Equal(decimal.NewFromInt(3)))
}

func TestReversalLinkIsSetOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := "it-" + uuid.NewString()[:8]

	entry := func() *models.JournalEntry {
		e := &models.JournalEntry{
			EntryDate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Lines: []models.JournalLine{
				{AccountId: "a-1", Side: models.SideDebit, Amount: decimal.NewFromInt(10)},
				{AccountId: "a-2", Side: models.SideCredit, Amount: decimal.NewFromInt(10)},
			},
		}
		e.Stamp(uuid.NewString(), inst, time.Now())
		return e
	}
	orig := entry()
	require.NoError(t, s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Entry: orig}))

	first := entry()
	require.NoError(t, s.Commit(ctx, &store.WriteSet{
		InstitutionId: inst, Entry: first, ReversedEntryId: orig.ID, ReversalReason: "typo",
	}))

	err := s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Entry: entry(), ReversedEntryId: orig.ID})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	err = s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Entry: entry(), ReversedEntryId: uuid.NewString()})
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := s.GetJournalEntry(ctx, inst, orig.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReversedByEntryId)
	assert.Equal(t, first.ID, *got.ReversedByEntryId)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, 1, got.Lines[0].LineNo)

	lines, err := s.ListJournalLines(ctx, inst, models.LineFilter{AccountIds: []string{"a-1"}})
	require.NoError(t, err)
	assert.Len(t, lines, 2, "original and the first reversal touch a-1")
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := "it-" + uuid.NewString()[:8]
	rec := &models.OutboxRecord{
		ID: uuid.NewString(), InstitutionId: inst, EventType: models.OutboxEventStockMoved,
		ReferenceId: uuid.NewString(), Payload: []byte(`{}`),
		PublishStatus: models.OutboxPublishStatusPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Commit(ctx, &store.WriteSet{InstitutionId: inst, Outbox: []*models.OutboxRecord{rec}}))

	now := time.Now().UTC().Add(time.Second)
	next := now.Add(time.Hour)
	require.NoError(t, s.MarkOutboxFailed(ctx, rec.ID, 1, "unavailable", &next, false))

	pending, err := s.PendingOutbox(ctx, now, 1000)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, rec.ID, p.ID, "record is not due until next_attempt_at")
	}

	require.NoError(t, s.MarkOutboxSent(ctx, rec.ID, "msg-1", now))
	assert.ErrorIs(t, s.MarkOutboxSent(ctx, uuid.NewString(), "msg-2", now), models.ErrNotFound)
}

func TestInventorySnapshotAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := "it-" + uuid.NewString()[:8]
	b := seedBatch(t, s, inst, "10")

	short := issueFrom(inst, b, "2")
	short.Consumptions[0].BatchId = ""
	require.NoError(t, s.Commit(ctx, &store.WriteSet{
		InstitutionId: inst,
		Movements:     []*models.StockMovement{issueFrom(inst, b, "6"), short},
	}))

	snap, err := s.InventorySnapshot(ctx, inst)
	require.NoError(t, err)
	key := store.StockKey{ProductId: b.ProductId, WarehouseId: b.WarehouseId}
	require.Len(t, snap.Batches, 1)
	assert.True(t, snap.Batches[0].QuantityRemaining.Equal(decimal.NewFromInt(4)))
	assert.True(t, snap.Moved[key].Equal(decimal.NewFromInt(-8)), "moved %s", snap.Moved[key])
	assert.True(t, snap.Consumed[b.ID].Equal(decimal.NewFromInt(6)))
	assert.True(t, snap.Unallocated[key].Equal(decimal.NewFromInt(2)))
	assert.True(t, snap.OnHand()[b.ProductId].Equal(decimal.NewFromInt(-8)))
}
