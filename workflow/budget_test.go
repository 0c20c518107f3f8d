package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func varianceFor(t *testing.T, rows []models.BudgetAllocation, code string) models.BudgetAllocation {
	t.Helper()
	for _, r := range rows {
		if r.AccountCode == code {
			return r
		}
	}
	t.Fatalf("no variance row for account %s", code)
	return models.BudgetAllocation{}
}

func TestComputeVariance_OverBudget(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	f.post(day(2024, 1, 3), f.line("6000", models.SideDebit, "20000"), f.line("1000", models.SideCredit, "20000"))
	f.post(day(2024, 1, 17), f.line("6000", models.SideDebit, "35000"), f.line("1000", models.SideCredit, "35000"))
	// credits do not reduce actual spend
	f.post(day(2024, 1, 18), f.line("1000", models.SideDebit, "1000"), f.line("6000", models.SideCredit, "1000"))

	rows, err := f.engine.ComputeVariance(f.ctx, inst, f.periodId)
	require.NoError(t, err)

	office := varianceFor(t, rows, "6000")
	assert.True(t, office.Limit.Equal(dec("50000")))
	assert.True(t, office.Actual.Equal(dec("55000")))
	assert.True(t, office.Variance.Equal(dec("-5000")))
	assert.True(t, office.Utilization.Equal(dec("1.1")))
	assert.True(t, office.IsOver)

	purchases := varianceFor(t, rows, "5200")
	assert.True(t, purchases.Actual.IsZero())
	assert.False(t, purchases.IsOver, "a zero limit is never over")

	for _, r := range rows {
		assert.NotEqual(t, "1000", r.AccountCode, "untracked accounts are not reported")
	}
}

func TestComputeVariance_LimitScalesWithMonths(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	q, err := f.engine.CreateFiscalPeriod(f.ctx, inst, &models.NewFiscalPeriod{
		Name: "Q2 2024", StartDate: day(2024, 4, 1), EndDate: day(2024, 6, 30),
	})
	require.NoError(t, err)
	f.post(day(2024, 5, 10), f.line("6000", models.SideDebit, "30000"), f.line("1000", models.SideCredit, "30000"))
	// outside the quarter
	f.post(day(2024, 1, 10), f.line("6000", models.SideDebit, "99999"), f.line("1000", models.SideCredit, "99999"))

	rows, err := f.engine.ComputeVariance(f.ctx, inst, q.ID)
	require.NoError(t, err)
	office := varianceFor(t, rows, "6000")
	assert.True(t, office.Limit.Equal(dec("150000")))
	assert.True(t, office.Actual.Equal(dec("30000")))
	assert.True(t, office.Utilization.Equal(dec("0.2")))
	assert.False(t, office.IsOver)
}

func TestComputeVariance_UnknownPeriod(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	_, err := f.engine.ComputeVariance(f.ctx, inst, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestComputeVariance_TrackedNonExpenseAccount(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	_, err := f.engine.UpdateAccountBudget(f.ctx, inst, f.acc["1200"], &models.UpdateAccountBudget{
		IsTrackedForBudget: utils.NewTrue(), MonthlyLimit: dec("100"),
	})
	require.NoError(t, err)
	f.post(day(2024, 1, 5), f.line("1200", models.SideDebit, "40"), f.line("2000", models.SideCredit, "40"))

	rows, err := f.engine.ComputeVariance(f.ctx, inst, f.periodId)
	require.NoError(t, err)
	inv := varianceFor(t, rows, "1200")
	assert.True(t, inv.Utilization.Equal(dec("0.4")))
}

func TestComputeDepartmentalSpend(t *testing.T) {
	f := newFixture(t, tenantconfig.Defaults{})
	post := func(branch string, lines ...models.NewJournalLine) {
		_, err := f.engine.PostJournalEntry(f.ctx, inst, &models.NewJournalEntry{EntryDate: day(2024, 1, 6), BranchId: branch, Lines: lines})
		require.NoError(t, err)
	}
	post("sales", f.line("6000", models.SideDebit, "300"), f.line("1000", models.SideCredit, "300"))
	post("sales", f.line("1000", models.SideDebit, "50"), f.line("6000", models.SideCredit, "50"))
	post("ops", f.line("5100", models.SideDebit, "80"), f.line("1000", models.SideCredit, "80"))
	post("", f.line("5200", models.SideDebit, "10"), f.line("1000", models.SideCredit, "10"))
	post("ops", f.line("1000", models.SideDebit, "999"), f.line("4000", models.SideCredit, "999"))

	spend, err := f.engine.ComputeDepartmentalSpend(f.ctx, inst, f.periodId)
	require.NoError(t, err)
	assert.Len(t, spend, 3)
	assert.True(t, spend["sales"].Equal(dec("250")))
	assert.True(t, spend["ops"].Equal(dec("80")))
	assert.True(t, spend[""].Equal(dec("10")))
}
