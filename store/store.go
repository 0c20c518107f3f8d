// Package store defines the persistence contract for the ledger.
//
// Reads are tenant-scoped by an explicit institution id. All ledger writes go
// through Commit, which applies a WriteSet atomically: either every record in
// it becomes visible or none does.
package store

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/shopspring/decimal"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	UpdateAccountBudget(ctx context.Context, institutionId, accountId string, tracked bool, monthlyLimit decimal.Decimal) error
	GetAccount(ctx context.Context, institutionId, accountId string) (*models.Account, error)
	GetAccounts(ctx context.Context, institutionId string, accountIds []string) ([]*models.Account, error)
	ListAccounts(ctx context.Context, institutionId string) ([]*models.Account, error)
}

// PeriodStore is written by the surrounding application; the engine only reads.
type PeriodStore interface {
	CreateFiscalPeriod(ctx context.Context, p *models.FiscalPeriod) error
	SetFiscalPeriodStatus(ctx context.Context, institutionId, periodId string, status models.FiscalPeriodStatus) error
	GetFiscalPeriod(ctx context.Context, institutionId, periodId string) (*models.FiscalPeriod, error)
	// FindFiscalPeriod returns the period containing date, or ErrNotFound.
	FindFiscalPeriod(ctx context.Context, institutionId string, date time.Time) (*models.FiscalPeriod, error)
	ListFiscalPeriods(ctx context.Context, institutionId string) ([]*models.FiscalPeriod, error)
}

// CatalogStore is written by the surrounding application; the engine only reads.
type CatalogStore interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, institutionId, productId string) (*models.Product, error)
	ListProducts(ctx context.Context, institutionId string) ([]*models.Product, error)
	CreateWarehouse(ctx context.Context, w *models.Warehouse) error
	GetWarehouse(ctx context.Context, institutionId, warehouseId string) (*models.Warehouse, error)
	ListWarehouses(ctx context.Context, institutionId string) ([]*models.Warehouse, error)
}

type JournalStore interface {
	GetJournalEntry(ctx context.Context, institutionId, entryId string) (*models.JournalEntry, error)
	ListJournalLines(ctx context.Context, institutionId string, filter models.LineFilter) ([]models.JournalLine, error)
	GetIdempotencyKey(ctx context.Context, institutionId, handlerName, key string) (*models.IdempotencyKey, error)
}

type InventoryStore interface {
	GetBatch(ctx context.Context, institutionId, batchId string) (*models.Batch, error)
	ListBatches(ctx context.Context, institutionId string, filter models.BatchFilter) ([]*models.Batch, error)
	GetStockMovement(ctx context.Context, institutionId, movementId string) (*models.StockMovement, error)
	ListStockMovements(ctx context.Context, institutionId string, filter models.MovementFilter) ([]*models.StockMovement, error)
	// InventorySnapshot reads every batch and the movement aggregates as of
	// one instant; no commit can land between them.
	InventorySnapshot(ctx context.Context, institutionId string) (*InventorySnapshot, error)
}

// StockKey identifies a product's stock in one warehouse.
type StockKey struct {
	ProductId   string
	WarehouseId string
}

func (k StockKey) String() string { return k.ProductId + "/" + k.WarehouseId }

// InventorySnapshot is an institution's batches together with the movement
// aggregates derived from the same state.
type InventorySnapshot struct {
	Batches []*models.Batch
	// Moved is the sum of movement quantities.
	Moved map[StockKey]decimal.Decimal
	// Consumed is the quantity drawn from each batch, by batch id.
	Consumed map[string]decimal.Decimal
	// Unallocated is quantity issued with no batch behind it.
	Unallocated map[StockKey]decimal.Decimal
}

func NewInventorySnapshot() *InventorySnapshot {
	return &InventorySnapshot{
		Batches:     make([]*models.Batch, 0),
		Moved:       make(map[StockKey]decimal.Decimal),
		Consumed:    make(map[string]decimal.Decimal),
		Unallocated: make(map[StockKey]decimal.Decimal),
	}
}

// OnHand sums Moved per product across warehouses.
func (s *InventorySnapshot) OnHand() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Moved))
	for k, q := range s.Moved {
		out[k.ProductId] = out[k.ProductId].Add(q)
	}
	return out
}

type OutboxStore interface {
	// PendingOutbox returns up to limit records due at now, oldest first.
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, recordId, messageId string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, recordId string, attempts int, lastErr string, next *time.Time, dead bool) error
}

type Store interface {
	AccountStore
	PeriodStore
	CatalogStore
	JournalStore
	InventoryStore
	OutboxStore

	// Commit applies ws atomically. It fails with ErrDuplicate when the
	// idempotency key or entry id already exists, and with ErrStaleBatch when a
	// consumption would take a batch below zero.
	Commit(ctx context.Context, ws *WriteSet) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// WriteSet is the atomic unit of a ledger write.
type WriteSet struct {
	InstitutionId string
	Entry         *models.JournalEntry
	// ReversedEntryId links an existing entry to Entry as its reversal.
	ReversedEntryId string
	ReversalReason  string
	Batches         []*models.Batch
	Movements       []*models.StockMovement
	Idempotency     *models.IdempotencyKey
	Outbox          []*models.OutboxRecord
}

func (ws *WriteSet) IsEmpty() bool {
	return ws.Entry == nil && len(ws.Movements) == 0 && len(ws.Batches) == 0
}
