package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/shopspring/decimal"
)

// ComputeVariance compares debits posted to budget-tracked accounts during
// the period with each account's limit for the period. The limit is the
// monthly limit times the calendar months the period touches.
func (e *Engine) ComputeVariance(ctx context.Context, institutionId, periodId string) (out []models.BudgetAllocation, err error) {
	ctx, span := e.startSpan(ctx, "ComputeVariance", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	period, err := e.store.GetFiscalPeriod(ctx, institutionId, periodId)
	if err != nil {
		return nil, err
	}
	accounts, err := e.store.ListAccounts(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	tracked := make([]*models.Account, 0)
	ids := make([]string, 0)
	for _, a := range accounts {
		if a.TrackedForBudget() {
			tracked = append(tracked, a)
			ids = append(ids, a.ID)
		}
	}
	out = []models.BudgetAllocation{}
	if len(tracked) == 0 {
		return out, nil
	}

	from, to := period.StartDate, period.EndDate
	lines, err := e.store.ListJournalLines(ctx, institutionId, models.LineFilter{AccountIds: ids, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	actuals := map[string]decimal.Decimal{}
	for _, l := range lines {
		if l.Side == models.SideDebit {
			actuals[l.AccountId] = actuals[l.AccountId].Add(l.Amount)
		}
	}

	months := decimal.NewFromInt(int64(utils.MonthsTouched(from, to)))
	for _, a := range tracked {
		limit := a.MonthlyLimit.Mul(months)
		actual := actuals[a.ID].Add(decimal.Zero)
		utilization := decimal.Zero
		if limit.IsPositive() {
			utilization = actual.Div(limit).Round(4)
		}
		out = append(out, models.BudgetAllocation{
			AccountId:   a.ID,
			AccountCode: a.Code,
			AccountName: a.Name,
			Limit:       limit,
			Actual:      actual,
			Variance:    limit.Sub(actual),
			Utilization: utilization,
			IsOver:      limit.IsPositive() && actual.GreaterThan(limit),
		})
	}
	return out, nil
}

// ComputeDepartmentalSpend nets debits against credits on Expense accounts
// during the period, grouped by the journal line's branch. Lines without a
// branch are reported under "".
func (e *Engine) ComputeDepartmentalSpend(ctx context.Context, institutionId, periodId string) (out map[string]decimal.Decimal, err error) {
	ctx, span := e.startSpan(ctx, "ComputeDepartmentalSpend", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	period, err := e.store.GetFiscalPeriod(ctx, institutionId, periodId)
	if err != nil {
		return nil, err
	}
	accounts, err := e.store.ListAccounts(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, a := range accounts {
		if a.MainType == models.AccountMainTypeExpense {
			ids = append(ids, a.ID)
		}
	}
	out = map[string]decimal.Decimal{}
	if len(ids) == 0 {
		return out, nil
	}
	from, to := period.StartDate, period.EndDate
	lines, err := e.store.ListJournalLines(ctx, institutionId, models.LineFilter{AccountIds: ids, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		amount := l.Amount
		if l.Side == models.SideCredit {
			amount = amount.Neg()
		}
		out[l.BranchId] = out[l.BranchId].Add(amount)
	}
	return out, nil
}
