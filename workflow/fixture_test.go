package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store/memory"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const inst = "inst-1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	engine  *Engine
	tenants *tenantconfig.Config

	acc       map[string]string // code -> id
	periodId  string
	product   string
	warehouse string
	other     string // second warehouse
}

// newFixture seeds a chart of accounts, an open January 2024 period, one
// stock product and two warehouses.
func newFixture(t *testing.T, policy tenantconfig.Defaults) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		acc:   map[string]string{},
	}
	if policy.CostingMethod == "" {
		policy.CostingMethod = models.CostingMethodFIFO
	}
	f.tenants = &tenantconfig.Config{Defaults: policy, Institutions: map[string]tenantconfig.InstitutionConfig{}}
	f.engine = NewEngine(f.store, tenantconfig.NewStatic(f.tenants),
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC) }),
	)

	for _, a := range []struct {
		code  string
		name  string
		typ   models.AccountMainType
		limit string
	}{
		{"1000", "Cash", models.AccountMainTypeAsset, "0"},
		{"1100", "Accounts Receivable", models.AccountMainTypeAsset, "0"},
		{"1200", "Inventory", models.AccountMainTypeAsset, "0"},
		{"2000", "Accounts Payable", models.AccountMainTypeLiability, "0"},
		{"2100", "VAT Payable", models.AccountMainTypeLiability, "0"},
		{"2200", "GRN Clearing", models.AccountMainTypeLiability, "0"},
		{"3000", "Owner Equity", models.AccountMainTypeEquity, "0"},
		{"4000", "Sales Revenue", models.AccountMainTypeIncome, "0"},
		{"5100", "Shrinkage", models.AccountMainTypeExpense, "0"},
		{"5200", "Purchases", models.AccountMainTypeExpense, "0"},
		{"6000", "Office Supplies", models.AccountMainTypeExpense, "50000"},
	} {
		created, err := f.engine.CreateAccount(f.ctx, inst, &models.NewAccount{
			Code: a.code, Name: a.name, MainType: a.typ, MonthlyLimit: dec(a.limit),
		})
		require.NoError(t, err)
		f.acc[a.code] = created.ID
	}

	f.tenants.Institutions[inst] = tenantconfig.InstitutionConfig{
		Accounts: map[string]string{
			string(models.RoleAccountsReceivable): f.acc["1100"],
			string(models.RoleCash):               f.acc["1000"],
			string(models.RoleSalesRevenue):       f.acc["4000"],
			string(models.RoleVatPayable):         f.acc["2100"],
			string(models.RoleAccountsPayable):    f.acc["2000"],
			string(models.RolePurchaseAllocation): f.acc["5200"],
			string(models.RoleInventoryAsset):     f.acc["1200"],
			string(models.RoleShrinkageExpense):   f.acc["5100"],
			string(models.RoleGRNClearing):        f.acc["2200"],
		},
	}

	p, err := f.engine.CreateFiscalPeriod(f.ctx, inst, &models.NewFiscalPeriod{
		Name: "Jan 2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 31),
	})
	require.NoError(t, err)
	f.periodId = p.ID

	prod, err := f.engine.CreateProduct(f.ctx, inst, &models.NewProduct{Sku: "P-1", Name: "Widget", ReorderLevel: dec("5")})
	require.NoError(t, err)
	f.product = prod.ID

	w, err := f.engine.CreateWarehouse(f.ctx, inst, &models.NewWarehouse{Name: "Main"})
	require.NoError(t, err)
	f.warehouse = w.ID
	w2, err := f.engine.CreateWarehouse(f.ctx, inst, &models.NewWarehouse{Name: "Annex"})
	require.NoError(t, err)
	f.other = w2.ID
	return f
}

func (f *fixture) mapping() models.AccountMapping {
	return f.tenants.Mapping(inst)
}

func (f *fixture) line(code string, side models.Side, amount string) models.NewJournalLine {
	return models.NewJournalLine{AccountId: f.acc[code], Side: side, Amount: dec(amount)}
}

func (f *fixture) post(date time.Time, lines ...models.NewJournalLine) string {
	f.t.Helper()
	id, err := f.engine.PostJournalEntry(f.ctx, inst, &models.NewJournalEntry{EntryDate: date, Lines: lines})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) balance(code string) decimal.Decimal {
	f.t.Helper()
	b, err := f.engine.GetAccountBalance(f.ctx, inst, f.acc[code], nil)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) receive(batchNumber string, received time.Time, qty, cost string) string {
	f.t.Helper()
	id, err := f.engine.RegisterBatch(f.ctx, inst, &models.NewBatch{
		ProductId: f.product, WarehouseId: f.warehouse, BatchNumber: batchNumber,
		Quantity: dec(qty), UnitCost: dec(cost), ReceivedAt: received,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) batch(id string) *models.Batch {
	f.t.Helper()
	b, err := f.store.GetBatch(f.ctx, inst, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) lineCount() int {
	lines, err := f.store.ListJournalLines(f.ctx, inst, models.LineFilter{})
	require.NoError(f.t, err)
	return len(lines)
}

func (f *fixture) movementCount() int {
	moves, err := f.store.ListStockMovements(f.ctx, inst, models.MovementFilter{})
	require.NoError(f.t, err)
	return len(moves)
}

// interleavingStore runs between once, right after the first list read it
// serves returns, to land a commit in the middle of an engine read.
type interleavingStore struct {
	*memory.Store
	between func()
	fired   bool
}

func (s *interleavingStore) fire() {
	if !s.fired && s.between != nil {
		s.fired = true
		s.between()
	}
}

func (s *interleavingStore) ListProducts(ctx context.Context, institutionId string) ([]*models.Product, error) {
	out, err := s.Store.ListProducts(ctx, institutionId)
	s.fire()
	return out, err
}

func (s *interleavingStore) ListBatches(ctx context.Context, institutionId string, filter models.BatchFilter) ([]*models.Batch, error) {
	out, err := s.Store.ListBatches(ctx, institutionId, filter)
	s.fire()
	return out, err
}

func (s *interleavingStore) ListAccounts(ctx context.Context, institutionId string) ([]*models.Account, error) {
	out, err := s.Store.ListAccounts(ctx, institutionId)
	s.fire()
	return out, err
}

func (s *interleavingStore) ListJournalLines(ctx context.Context, institutionId string, filter models.LineFilter) ([]models.JournalLine, error) {
	out, err := s.Store.ListJournalLines(ctx, institutionId, filter)
	s.fire()
	return out, err
}

// interleaved returns an engine over f's data whose reads are interrupted
// by between. Writes inside between should go through f.engine.
func (f *fixture) interleaved(between func()) *Engine {
	return NewEngine(&interleavingStore{Store: f.store, between: between}, tenantconfig.NewStatic(f.tenants),
		WithLogger(quietLogger()),
	)
}
