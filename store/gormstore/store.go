// Package gormstore is the MySQL Store, built on gorm.
//
// Every read filters on institution_id explicitly and also carries the
// institution in its context, so the tenant guard plugin installed by
// config.OpenDatabase scopes anything that slips through.
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) tenantDB(ctx context.Context, institutionId string) *gorm.DB {
	return s.db.WithContext(utils.SetInstitutionIdInContext(ctx, institutionId)).
		Where("institution_id = ?", institutionId)
}

// IsDuplicateKeyErr reports a MySQL unique-key violation.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NotFound(kind, id)
	}
	return err
}

func duplicate(err error, kind, id string) error {
	if IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: %s %q", models.ErrDuplicate, kind, id)
	}
	return err
}

func (s *Store) Migrate(ctx context.Context) error {
	return models.MigrateTable(utils.SetSkipTenantScopeInContext(ctx, true), s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	err := s.db.WithContext(ctx).Create(a).Error
	return duplicate(err, "account", a.Code)
}

func (s *Store) UpdateAccountBudget(ctx context.Context, institutionId, accountId string, tracked bool, monthlyLimit decimal.Decimal) error {
	if _, err := s.GetAccount(ctx, institutionId, accountId); err != nil {
		return err
	}
	return s.tenantDB(ctx, institutionId).Model(&models.Account{}).
		Where("id = ?", accountId).
		Updates(map[string]any{"is_tracked_for_budget": tracked, "monthly_limit": monthlyLimit}).Error
}

func (s *Store) GetAccount(ctx context.Context, institutionId, accountId string) (*models.Account, error) {
	var a models.Account
	err := s.tenantDB(ctx, institutionId).Where("id = ?", accountId).First(&a).Error
	if err != nil {
		return nil, notFound(err, "account", accountId)
	}
	return &a, nil
}

func (s *Store) GetAccounts(ctx context.Context, institutionId string, accountIds []string) ([]*models.Account, error) {
	out := make([]*models.Account, 0, len(accountIds))
	if len(accountIds) == 0 {
		return out, nil
	}
	err := s.tenantDB(ctx, institutionId).Where("id IN ?", accountIds).Find(&out).Error
	return out, err
}

func (s *Store) ListAccounts(ctx context.Context, institutionId string) ([]*models.Account, error) {
	out := make([]*models.Account, 0)
	err := s.tenantDB(ctx, institutionId).Order("code").Find(&out).Error
	return out, err
}

// Fiscal periods

func (s *Store) CreateFiscalPeriod(ctx context.Context, p *models.FiscalPeriod) error {
	var overlapping models.FiscalPeriod
	err := s.tenantDB(ctx, p.InstitutionId).
		Where("start_date <= ? AND end_date >= ?", p.EndDate, p.StartDate).
		First(&overlapping).Error
	if err == nil {
		return models.InvalidInput("fiscal period overlaps %q", overlapping.Name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return duplicate(s.db.WithContext(ctx).Create(p).Error, "fiscal period", p.ID)
}

func (s *Store) SetFiscalPeriodStatus(ctx context.Context, institutionId, periodId string, status models.FiscalPeriodStatus) error {
	if _, err := s.GetFiscalPeriod(ctx, institutionId, periodId); err != nil {
		return err
	}
	return s.tenantDB(ctx, institutionId).Model(&models.FiscalPeriod{}).
		Where("id = ?", periodId).
		Update("status", status).Error
}

func (s *Store) GetFiscalPeriod(ctx context.Context, institutionId, periodId string) (*models.FiscalPeriod, error) {
	var p models.FiscalPeriod
	if err := s.tenantDB(ctx, institutionId).Where("id = ?", periodId).First(&p).Error; err != nil {
		return nil, notFound(err, "fiscal period", periodId)
	}
	return &p, nil
}

func (s *Store) FindFiscalPeriod(ctx context.Context, institutionId string, date time.Time) (*models.FiscalPeriod, error) {
	day := utils.DateOnly(date)
	var p models.FiscalPeriod
	err := s.tenantDB(ctx, institutionId).
		Where("start_date <= ? AND end_date >= ?", day, day).
		Order("start_date").
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "fiscal period for", day.Format(time.DateOnly))
	}
	return &p, nil
}

func (s *Store) ListFiscalPeriods(ctx context.Context, institutionId string) ([]*models.FiscalPeriod, error) {
	out := make([]*models.FiscalPeriod, 0)
	err := s.tenantDB(ctx, institutionId).Order("start_date").Find(&out).Error
	return out, err
}

// Catalog

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	return duplicate(s.db.WithContext(ctx).Create(p).Error, "product sku", p.Sku)
}

func (s *Store) GetProduct(ctx context.Context, institutionId, productId string) (*models.Product, error) {
	var p models.Product
	if err := s.tenantDB(ctx, institutionId).Where("id = ?", productId).First(&p).Error; err != nil {
		return nil, notFound(err, "product", productId)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, institutionId string) ([]*models.Product, error) {
	out := make([]*models.Product, 0)
	err := s.tenantDB(ctx, institutionId).Order("sku").Find(&out).Error
	return out, err
}

func (s *Store) CreateWarehouse(ctx context.Context, w *models.Warehouse) error {
	return duplicate(s.db.WithContext(ctx).Create(w).Error, "warehouse", w.ID)
}

func (s *Store) GetWarehouse(ctx context.Context, institutionId, warehouseId string) (*models.Warehouse, error) {
	var w models.Warehouse
	if err := s.tenantDB(ctx, institutionId).Where("id = ?", warehouseId).First(&w).Error; err != nil {
		return nil, notFound(err, "warehouse", warehouseId)
	}
	return &w, nil
}

func (s *Store) ListWarehouses(ctx context.Context, institutionId string) ([]*models.Warehouse, error) {
	out := make([]*models.Warehouse, 0)
	err := s.tenantDB(ctx, institutionId).Order("name").Find(&out).Error
	return out, err
}

// Journal

func (s *Store) GetJournalEntry(ctx context.Context, institutionId, entryId string) (*models.JournalEntry, error) {
	var e models.JournalEntry
	err := s.tenantDB(ctx, institutionId).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_no") }).
		Where("id = ?", entryId).
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "journal entry", entryId)
	}
	return &e, nil
}

func (s *Store) ListJournalLines(ctx context.Context, institutionId string, filter models.LineFilter) ([]models.JournalLine, error) {
	q := s.tenantDB(ctx, institutionId).Model(&models.JournalLine{})
	if len(filter.AccountIds) > 0 {
		q = q.Where("account_id IN ?", filter.AccountIds)
	}
	if filter.From != nil {
		q = q.Where("entry_date >= ?", utils.DateOnly(*filter.From))
	}
	if filter.To != nil {
		q = q.Where("entry_date <= ?", utils.DateOnly(*filter.To))
	}
	out := make([]models.JournalLine, 0)
	err := q.Order("entry_date, entry_id, line_no").Find(&out).Error
	return out, err
}

func (s *Store) GetIdempotencyKey(ctx context.Context, institutionId, handlerName, key string) (*models.IdempotencyKey, error) {
	var k models.IdempotencyKey
	err := s.tenantDB(ctx, institutionId).
		Where("handler_name = ? AND idempotency_key = ?", handlerName, key).
		First(&k).Error
	if err != nil {
		return nil, notFound(err, "idempotency key", key)
	}
	return &k, nil
}

// Inventory

func (s *Store) GetBatch(ctx context.Context, institutionId, batchId string) (*models.Batch, error) {
	var b models.Batch
	if err := s.tenantDB(ctx, institutionId).Where("id = ?", batchId).First(&b).Error; err != nil {
		return nil, notFound(err, "batch", batchId)
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, institutionId string, filter models.BatchFilter) ([]*models.Batch, error) {
	q := s.tenantDB(ctx, institutionId)
	if filter.ProductId != "" {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.WarehouseId != "" {
		q = q.Where("warehouse_id = ?", filter.WarehouseId)
	}
	if filter.OnlyAvailable {
		q = q.Where("quantity_remaining > 0")
	}
	out := make([]*models.Batch, 0)
	err := q.Order("received_at, sequence, id").Find(&out).Error
	return out, err
}

func (s *Store) GetStockMovement(ctx context.Context, institutionId, movementId string) (*models.StockMovement, error) {
	var m models.StockMovement
	err := s.tenantDB(ctx, institutionId).Preload("Consumptions").Where("id = ?", movementId).First(&m).Error
	if err != nil {
		return nil, notFound(err, "stock movement", movementId)
	}
	return &m, nil
}

func (s *Store) ListStockMovements(ctx context.Context, institutionId string, filter models.MovementFilter) ([]*models.StockMovement, error) {
	q := s.tenantDB(ctx, institutionId).Preload("Consumptions")
	if filter.ProductId != "" {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.WarehouseId != "" {
		q = q.Where("warehouse_id = ?", filter.WarehouseId)
	}
	out := make([]*models.StockMovement, 0)
	err := q.Order("timestamp, created_at, id").Find(&out).Error
	return out, err
}

type stockSum struct {
	ProductId   string
	WarehouseId string
	Quantity    decimal.Decimal
}

// InventorySnapshot runs its reads inside one read-only REPEATABLE READ
// transaction, so they all see the same InnoDB snapshot.
func (s *Store) InventorySnapshot(ctx context.Context, institutionId string) (*store.InventorySnapshot, error) {
	snap := store.NewInventorySnapshot()
	ctx = utils.SetInstitutionIdInContext(ctx, institutionId)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("institution_id = ?", institutionId).
			Order("received_at, sequence, id").
			Find(&snap.Batches).Error; err != nil {
			return err
		}

		var moved []stockSum
		if err := tx.Model(&models.StockMovement{}).
			Select("product_id, warehouse_id, COALESCE(SUM(quantity), 0) AS quantity").
			Where("institution_id = ?", institutionId).
			Group("product_id, warehouse_id").
			Scan(&moved).Error; err != nil {
			return err
		}
		for _, row := range moved {
			snap.Moved[store.StockKey{ProductId: row.ProductId, WarehouseId: row.WarehouseId}] = row.Quantity
		}

		var consumed []struct {
			BatchId  string
			Quantity decimal.Decimal
		}
		if err := tx.Model(&models.BatchConsumption{}).
			Select("batch_id, COALESCE(SUM(quantity), 0) AS quantity").
			Where("institution_id = ? AND batch_id <> ''", institutionId).
			Group("batch_id").
			Scan(&consumed).Error; err != nil {
			return err
		}
		for _, row := range consumed {
			snap.Consumed[row.BatchId] = row.Quantity
		}

		var unallocated []stockSum
		if err := tx.Table("batch_consumptions AS bc").
			Select("sm.product_id, sm.warehouse_id, COALESCE(SUM(bc.quantity), 0) AS quantity").
			Joins("JOIN stock_movements AS sm ON sm.id = bc.movement_id").
			Where("bc.institution_id = ? AND bc.batch_id = ''", institutionId).
			Group("sm.product_id, sm.warehouse_id").
			Scan(&unallocated).Error; err != nil {
			return err
		}
		for _, row := range unallocated {
			snap.Unallocated[store.StockKey{ProductId: row.ProductId, WarehouseId: row.WarehouseId}] = row.Quantity
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Commit

// Commit writes ws in one transaction. Batch draw-downs are a
// compare-and-swap on quantity_remaining, so a writer that planned against
// stale batches fails with ErrStaleBatch instead of overselling.
func (s *Store) Commit(ctx context.Context, ws *store.WriteSet) error {
	if ws == nil || ws.InstitutionId == "" {
		return models.InvalidInput("write set has no institution")
	}
	ctx = utils.SetInstitutionIdInContext(ctx, ws.InstitutionId)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ws.Idempotency != nil {
			if err := tx.Create(ws.Idempotency).Error; err != nil {
				return duplicate(err, "idempotency key", ws.Idempotency.IdempotencyKey)
			}
		}

		if ws.Entry != nil {
			if err := tx.Omit(clause.Associations).Create(ws.Entry).Error; err != nil {
				return duplicate(err, "journal entry", ws.Entry.ID)
			}
			if len(ws.Entry.Lines) > 0 {
				if err := tx.Create(&ws.Entry.Lines).Error; err != nil {
					return duplicate(err, "journal line of", ws.Entry.ID)
				}
			}
		}

		if ws.ReversedEntryId != "" {
			if err := linkReversal(tx, ws); err != nil {
				return err
			}
		}

		for _, b := range ws.Batches {
			if err := tx.Create(b).Error; err != nil {
				return duplicate(err, "batch", b.ID)
			}
		}

		need := map[string]decimal.Decimal{}
		order := []string{}
		for _, m := range ws.Movements {
			if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
				return duplicate(err, "stock movement", m.ID)
			}
			if len(m.Consumptions) > 0 {
				if err := tx.Create(&m.Consumptions).Error; err != nil {
					return err
				}
			}
			for _, c := range m.Consumptions {
				if c.BatchId == "" {
					continue
				}
				if _, ok := need[c.BatchId]; !ok {
					order = append(order, c.BatchId)
				}
				need[c.BatchId] = need[c.BatchId].Add(c.Quantity)
			}
		}
		for _, id := range order {
			if err := drawDown(tx, ws.InstitutionId, id, need[id]); err != nil {
				return err
			}
		}

		if len(ws.Outbox) > 0 {
			if err := tx.Create(&ws.Outbox).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func drawDown(tx *gorm.DB, institutionId, batchId string, qty decimal.Decimal) error {
	res := tx.Exec(
		"UPDATE batches SET quantity_remaining = quantity_remaining - ? WHERE institution_id = ? AND id = ? AND quantity_remaining >= ?",
		qty, institutionId, batchId, qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: batch %q cannot supply %s", models.ErrStaleBatch, batchId, qty.String())
	}
	return nil
}

func linkReversal(tx *gorm.DB, ws *store.WriteSet) error {
	if ws.Entry == nil {
		return models.InvalidInput("reversal link without a reversing entry")
	}
	updates := map[string]any{"reversed_by_entry_id": ws.Entry.ID}
	if ws.ReversalReason != "" {
		updates["reversal_reason"] = ws.ReversalReason
	}
	res := tx.Model(&models.JournalEntry{}).
		Where("institution_id = ? AND id = ? AND reversed_by_entry_id IS NULL", ws.InstitutionId, ws.ReversedEntryId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := tx.Model(&models.JournalEntry{}).
		Where("institution_id = ? AND id = ?", ws.InstitutionId, ws.ReversedEntryId).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return models.NotFound("journal entry", ws.ReversedEntryId)
	}
	return fmt.Errorf("%w: journal entry %q already reversed", models.ErrDuplicate, ws.ReversedEntryId)
}

// Outbox

func (s *Store) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxRecord, error) {
	q := s.db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Where("publish_status IN ?", []models.OutboxPublishStatus{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	out := make([]*models.OutboxRecord, 0)
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) MarkOutboxSent(ctx context.Context, recordId, messageId string, at time.Time) error {
	res := s.db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&models.OutboxRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]any{
			"publish_status":     models.OutboxPublishStatusSent,
			"publish_attempts":   gorm.Expr("publish_attempts + 1"),
			"published_at":       at,
			"pub_sub_message_id": messageId,
			"next_attempt_at":    nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NotFound("outbox record", recordId)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, recordId string, attempts int, lastErr string, next *time.Time, dead bool) error {
	status := models.OutboxPublishStatusFailed
	if dead {
		status = models.OutboxPublishStatusDead
		next = nil
	}
	res := s.db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&models.OutboxRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]any{
			"publish_status":     status,
			"publish_attempts":   attempts,
			"last_publish_error": lastErr,
			"next_attempt_at":    next,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NotFound("outbox record", recordId)
	}
	return nil
}
