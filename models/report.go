package models

import (
	"github.com/shopspring/decimal"
)

type ProductValuation struct {
	ProductId     string          `json:"product_id"`
	Sku           string          `json:"sku"`
	Method        CostingMethod   `json:"method"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// BudgetAllocation is derived per query; it is never stored.
type BudgetAllocation struct {
	AccountId   string          `json:"account_id"`
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Limit       decimal.Decimal `json:"limit"`
	Actual      decimal.Decimal `json:"actual"`
	Variance    decimal.Decimal `json:"variance"`
	Utilization decimal.Decimal `json:"utilization"`
	IsOver      bool            `json:"is_over"`
}

type TrialBalanceRow struct {
	AccountId   string          `json:"account_id"`
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	MainType    AccountMainType `json:"main_type"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

type TrialBalance struct {
	Rows        []TrialBalanceRow `json:"rows"`
	TotalDebit  decimal.Decimal   `json:"total_debit"`
	TotalCredit decimal.Decimal   `json:"total_credit"`
}

func (tb *TrialBalance) IsBalanced() bool { return tb.TotalDebit.Equal(tb.TotalCredit) }
