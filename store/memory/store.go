// Package memory is a Store kept entirely in process memory.
//
// Every institution gets its own shard with its own lock, so tenants never
// contend with each other. Values handed out are copies; callers cannot
// mutate stored state through them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/shopspring/decimal"
)

type tenant struct {
	mu sync.RWMutex

	accounts     map[string]*models.Account
	accountCodes map[string]string
	periods      map[string]*models.FiscalPeriod
	products     map[string]*models.Product
	productSkus  map[string]string
	warehouses   map[string]*models.Warehouse

	entries   map[string]*models.JournalEntry
	lines     []models.JournalLine
	batches   map[string]*models.Batch
	movements []*models.StockMovement
	moveIndex map[string]int
	idem      map[string]*models.IdempotencyKey

	batchSeq int64
}

func newTenant() *tenant {
	return &tenant{
		accounts:     make(map[string]*models.Account),
		accountCodes: make(map[string]string),
		periods:      make(map[string]*models.FiscalPeriod),
		products:     make(map[string]*models.Product),
		productSkus:  make(map[string]string),
		warehouses:   make(map[string]*models.Warehouse),
		entries:      make(map[string]*models.JournalEntry),
		batches:      make(map[string]*models.Batch),
		moveIndex:    make(map[string]int),
		idem:         make(map[string]*models.IdempotencyKey),
	}
}

type Store struct {
	mu      sync.Mutex
	tenants map[string]*tenant

	outboxMu    sync.Mutex
	outbox      []*models.OutboxRecord
	outboxIndex map[string]int

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:     make(map[string]*tenant),
		outboxIndex: make(map[string]int),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) tenant(institutionId string) *tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[institutionId]
	if !ok {
		t = newTenant()
		s.tenants[institutionId] = t
	}
	return t
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }

// Accounts

func (s *Store) CreateAccount(_ context.Context, a *models.Account) error {
	t := s.tenant(a.InstitutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.accounts[a.ID]; exists {
		return fmt.Errorf("%w: account %q", models.ErrDuplicate, a.ID)
	}
	if _, exists := t.accountCodes[a.Code]; exists {
		return fmt.Errorf("%w: account code %q", models.ErrDuplicate, a.Code)
	}
	c := *a
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	t.accounts[a.ID] = &c
	t.accountCodes[a.Code] = a.ID
	return nil
}

func (s *Store) UpdateAccountBudget(_ context.Context, institutionId, accountId string, tracked bool, monthlyLimit decimal.Decimal) error {
	t := s.tenant(institutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[accountId]
	if !ok {
		return models.NotFound("account", accountId)
	}
	c := *a
	c.IsTrackedForBudget = &tracked
	c.MonthlyLimit = monthlyLimit
	c.UpdatedAt = s.now()
	t.accounts[accountId] = &c
	return nil
}

func (s *Store) GetAccount(_ context.Context, institutionId, accountId string) (*models.Account, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.accounts[accountId]
	if !ok {
		return nil, models.NotFound("account", accountId)
	}
	c := *a
	return &c, nil
}

func (s *Store) GetAccounts(_ context.Context, institutionId string, accountIds []string) ([]*models.Account, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Account, 0, len(accountIds))
	for _, id := range accountIds {
		if a, ok := t.accounts[id]; ok {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListAccounts(_ context.Context, institutionId string) ([]*models.Account, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Account, 0, len(t.accounts))
	for _, a := range t.accounts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Fiscal periods

func (s *Store) CreateFiscalPeriod(_ context.Context, p *models.FiscalPeriod) error {
	t := s.tenant(p.InstitutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.periods[p.ID]; exists {
		return fmt.Errorf("%w: fiscal period %q", models.ErrDuplicate, p.ID)
	}
	for _, other := range t.periods {
		if other.Overlaps(p) {
			return models.InvalidInput("fiscal period overlaps %q", other.Name)
		}
	}
	c := *p
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	t.periods[p.ID] = &c
	return nil
}

func (s *Store) SetFiscalPeriodStatus(_ context.Context, institutionId, periodId string, status models.FiscalPeriodStatus) error {
	t := s.tenant(institutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.periods[periodId]
	if !ok {
		return models.NotFound("fiscal period", periodId)
	}
	c := *p
	c.Status = status
	c.UpdatedAt = s.now()
	t.periods[periodId] = &c
	return nil
}

func (s *Store) GetFiscalPeriod(_ context.Context, institutionId, periodId string) (*models.FiscalPeriod, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.periods[periodId]
	if !ok {
		return nil, models.NotFound("fiscal period", periodId)
	}
	c := *p
	return &c, nil
}

func (s *Store) FindFiscalPeriod(_ context.Context, institutionId string, date time.Time) (*models.FiscalPeriod, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.periods {
		if p.Contains(date) {
			c := *p
			return &c, nil
		}
	}
	return nil, models.NotFound("fiscal period for", date.Format(time.DateOnly))
}

func (s *Store) ListFiscalPeriods(_ context.Context, institutionId string) ([]*models.FiscalPeriod, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.FiscalPeriod, 0, len(t.periods))
	for _, p := range t.periods {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// Catalog

func (s *Store) CreateProduct(_ context.Context, p *models.Product) error {
	t := s.tenant(p.InstitutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.products[p.ID]; exists {
		return fmt.Errorf("%w: product %q", models.ErrDuplicate, p.ID)
	}
	if _, exists := t.productSkus[p.Sku]; exists {
		return fmt.Errorf("%w: product sku %q", models.ErrDuplicate, p.Sku)
	}
	c := *p
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	t.products[p.ID] = &c
	t.productSkus[p.Sku] = p.ID
	return nil
}

func (s *Store) GetProduct(_ context.Context, institutionId, productId string) (*models.Product, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.products[productId]
	if !ok {
		return nil, models.NotFound("product", productId)
	}
	c := *p
	return &c, nil
}

func (s *Store) ListProducts(_ context.Context, institutionId string) ([]*models.Product, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Product, 0, len(t.products))
	for _, p := range t.products {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sku < out[j].Sku })
	return out, nil
}

func (s *Store) CreateWarehouse(_ context.Context, w *models.Warehouse) error {
	t := s.tenant(w.InstitutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.warehouses[w.ID]; exists {
		return fmt.Errorf("%w: warehouse %q", models.ErrDuplicate, w.ID)
	}
	c := *w
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	t.warehouses[w.ID] = &c
	return nil
}

func (s *Store) GetWarehouse(_ context.Context, institutionId, warehouseId string) (*models.Warehouse, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.warehouses[warehouseId]
	if !ok {
		return nil, models.NotFound("warehouse", warehouseId)
	}
	c := *w
	return &c, nil
}

func (s *Store) ListWarehouses(_ context.Context, institutionId string) ([]*models.Warehouse, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Warehouse, 0, len(t.warehouses))
	for _, w := range t.warehouses {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Journal

func cloneEntry(e *models.JournalEntry) *models.JournalEntry {
	c := *e
	c.Lines = append([]models.JournalLine(nil), e.Lines...)
	return &c
}

func (s *Store) GetJournalEntry(_ context.Context, institutionId, entryId string) (*models.JournalEntry, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[entryId]
	if !ok {
		return nil, models.NotFound("journal entry", entryId)
	}
	return cloneEntry(e), nil
}

func (s *Store) ListJournalLines(_ context.Context, institutionId string, filter models.LineFilter) ([]models.JournalLine, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.JournalLine, 0)
	for i := range t.lines {
		if filter.Match(&t.lines[i]) {
			out = append(out, t.lines[i])
		}
	}
	return out, nil
}

func idemKey(handler, key string) string { return handler + "|" + key }

func (s *Store) GetIdempotencyKey(_ context.Context, institutionId, handlerName, key string) (*models.IdempotencyKey, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	k, ok := t.idem[idemKey(handlerName, key)]
	if !ok {
		return nil, models.NotFound("idempotency key", key)
	}
	c := *k
	return &c, nil
}

// Inventory

func cloneMovement(m *models.StockMovement) *models.StockMovement {
	c := *m
	c.Consumptions = append([]models.BatchConsumption(nil), m.Consumptions...)
	return &c
}

func (s *Store) GetBatch(_ context.Context, institutionId, batchId string) (*models.Batch, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[batchId]
	if !ok {
		return nil, models.NotFound("batch", batchId)
	}
	c := *b
	return &c, nil
}

func (s *Store) ListBatches(_ context.Context, institutionId string, filter models.BatchFilter) ([]*models.Batch, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Batch, 0)
	for _, b := range t.batches {
		if filter.Match(b) {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) GetStockMovement(_ context.Context, institutionId, movementId string) (*models.StockMovement, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.moveIndex[movementId]
	if !ok {
		return nil, models.NotFound("stock movement", movementId)
	}
	return cloneMovement(t.movements[i]), nil
}

func (s *Store) ListStockMovements(_ context.Context, institutionId string, filter models.MovementFilter) ([]*models.StockMovement, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.StockMovement, 0)
	for _, m := range t.movements {
		if filter.Match(m) {
			out = append(out, cloneMovement(m))
		}
	}
	return out, nil
}

func (s *Store) InventorySnapshot(_ context.Context, institutionId string) (*store.InventorySnapshot, error) {
	t := s.tenant(institutionId)
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := store.NewInventorySnapshot()
	for _, b := range t.batches {
		c := *b
		snap.Batches = append(snap.Batches, &c)
	}
	sort.Slice(snap.Batches, func(i, j int) bool { return snap.Batches[i].Sequence < snap.Batches[j].Sequence })
	for _, m := range t.movements {
		key := store.StockKey{ProductId: m.ProductId, WarehouseId: m.WarehouseId}
		snap.Moved[key] = snap.Moved[key].Add(m.Quantity)
		for _, c := range m.Consumptions {
			if c.BatchId == "" {
				snap.Unallocated[key] = snap.Unallocated[key].Add(c.Quantity)
				continue
			}
			snap.Consumed[c.BatchId] = snap.Consumed[c.BatchId].Add(c.Quantity)
		}
	}
	return snap, nil
}

// Commit

func (s *Store) Commit(_ context.Context, ws *store.WriteSet) error {
	if ws == nil || ws.InstitutionId == "" {
		return models.InvalidInput("write set has no institution")
	}
	t := s.tenant(ws.InstitutionId)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ws); err != nil {
		return err
	}

	now := s.now()
	if ws.Idempotency != nil {
		c := *ws.Idempotency
		c.CreatedAt = now
		t.idem[idemKey(c.HandlerName, c.IdempotencyKey)] = &c
	}
	if ws.Entry != nil {
		e := cloneEntry(ws.Entry)
		t.entries[e.ID] = e
		t.lines = append(t.lines, e.Lines...)
	}
	if ws.ReversedEntryId != "" {
		orig := cloneEntry(t.entries[ws.ReversedEntryId])
		id := ws.Entry.ID
		orig.ReversedByEntryId = &id
		if ws.ReversalReason != "" {
			reason := ws.ReversalReason
			orig.ReversalReason = &reason
		}
		t.entries[orig.ID] = orig
	}
	for _, b := range ws.Batches {
		t.batchSeq++
		c := *b
		c.Sequence = t.batchSeq
		c.CreatedAt = now
		t.batches[c.ID] = &c
		b.Sequence = c.Sequence
	}
	for _, m := range ws.Movements {
		for _, cons := range m.Consumptions {
			if cons.BatchId == "" {
				continue
			}
			b := *t.batches[cons.BatchId]
			b.QuantityRemaining = b.QuantityRemaining.Sub(cons.Quantity)
			t.batches[b.ID] = &b
		}
		c := cloneMovement(m)
		c.CreatedAt = now
		t.moveIndex[c.ID] = len(t.movements)
		t.movements = append(t.movements, c)
	}

	if len(ws.Outbox) > 0 {
		s.outboxMu.Lock()
		for _, r := range ws.Outbox {
			c := *r
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			s.outboxIndex[c.ID] = len(s.outbox)
			s.outbox = append(s.outbox, &c)
		}
		s.outboxMu.Unlock()
	}
	return nil
}

// check validates ws against current state without changing anything.
func (t *tenant) check(ws *store.WriteSet) error {
	if ws.Idempotency != nil {
		if _, exists := t.idem[idemKey(ws.Idempotency.HandlerName, ws.Idempotency.IdempotencyKey)]; exists {
			return fmt.Errorf("%w: idempotency key %q", models.ErrDuplicate, ws.Idempotency.IdempotencyKey)
		}
	}
	if ws.Entry != nil {
		if _, exists := t.entries[ws.Entry.ID]; exists {
			return fmt.Errorf("%w: journal entry %q", models.ErrDuplicate, ws.Entry.ID)
		}
	}
	if ws.ReversedEntryId != "" {
		if ws.Entry == nil {
			return models.InvalidInput("reversal link without a reversing entry")
		}
		orig, ok := t.entries[ws.ReversedEntryId]
		if !ok {
			return models.NotFound("journal entry", ws.ReversedEntryId)
		}
		if orig.ReversedByEntryId != nil {
			return fmt.Errorf("%w: journal entry %q already reversed", models.ErrDuplicate, orig.ID)
		}
	}
	for _, b := range ws.Batches {
		if _, exists := t.batches[b.ID]; exists {
			return fmt.Errorf("%w: batch %q", models.ErrDuplicate, b.ID)
		}
	}
	need := map[string]decimal.Decimal{}
	for _, m := range ws.Movements {
		if _, exists := t.moveIndex[m.ID]; exists {
			return fmt.Errorf("%w: stock movement %q", models.ErrDuplicate, m.ID)
		}
		for _, c := range m.Consumptions {
			if c.BatchId == "" {
				continue
			}
			need[c.BatchId] = need[c.BatchId].Add(c.Quantity)
		}
	}
	for id, qty := range need {
		b, ok := t.batches[id]
		if !ok {
			return &models.InvalidBatchError{BatchId: id, Reason: "not found"}
		}
		if b.QuantityRemaining.LessThan(qty) {
			return fmt.Errorf("%w: batch %q has %s, needs %s", models.ErrStaleBatch, id, b.QuantityRemaining.String(), qty.String())
		}
	}
	return nil
}

// Outbox

func (s *Store) PendingOutbox(_ context.Context, now time.Time, limit int) ([]*models.OutboxRecord, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	out := make([]*models.OutboxRecord, 0)
	for _, r := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.Due(now) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// OutboxRecords returns copies of every outbox record in commit order.
func (s *Store) OutboxRecords() []*models.OutboxRecord {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	out := make([]*models.OutboxRecord, 0, len(s.outbox))
	for _, r := range s.outbox {
		c := *r
		out = append(out, &c)
	}
	return out
}

func (s *Store) MarkOutboxSent(_ context.Context, recordId, messageId string, at time.Time) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	i, ok := s.outboxIndex[recordId]
	if !ok {
		return models.NotFound("outbox record", recordId)
	}
	c := *s.outbox[i]
	c.PublishStatus = models.OutboxPublishStatusSent
	c.PublishAttempts++
	c.PublishedAt = &at
	c.PubSubMessageId = &messageId
	c.NextAttemptAt = nil
	c.LastPublishError = nil
	s.outbox[i] = &c
	return nil
}

func (s *Store) MarkOutboxFailed(_ context.Context, recordId string, attempts int, lastErr string, next *time.Time, dead bool) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	i, ok := s.outboxIndex[recordId]
	if !ok {
		return models.NotFound("outbox record", recordId)
	}
	c := *s.outbox[i]
	c.PublishAttempts = attempts
	c.LastPublishError = &lastErr
	c.NextAttemptAt = next
	c.PublishStatus = models.OutboxPublishStatusFailed
	if dead {
		c.PublishStatus = models.OutboxPublishStatusDead
		c.NextAttemptAt = nil
	}
	s.outbox[i] = &c
	return nil
}
