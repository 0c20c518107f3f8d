package models

import (
	"encoding/json"
	"errors"
	"strings"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

func (t AccountMainType) IsValid() bool {
	switch t {
	case AccountMainTypeAsset, AccountMainTypeLiability, AccountMainTypeEquity,
		AccountMainTypeIncome, AccountMainTypeExpense:
		return true
	}
	return false
}

// convert input to enum type
func (t *AccountMainType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("account main type must be string")
	}
	v := AccountMainType(str)
	if !v.IsValid() {
		return errors.New("invalid account main type")
	}
	*t = v
	return nil
}

// NormalBalance is the side on which an account's balance grows.
func (t AccountMainType) NormalBalance() Side {
	switch t {
	case AccountMainTypeAsset, AccountMainTypeExpense:
		return SideDebit
	default:
		return SideCredit
	}
}

type AccountDetailType string

const (
	AccountDetailTypeOtherAsset            AccountDetailType = "OtherAsset"
	AccountDetailTypeOtherCurrentAsset     AccountDetailType = "OtherCurrentAsset"
	AccountDetailTypeCash                  AccountDetailType = "Cash"
	AccountDetailTypeBank                  AccountDetailType = "Bank"
	AccountDetailTypeFixedAsset            AccountDetailType = "FixedAsset"
	AccountDetailTypeStock                 AccountDetailType = "Stock"
	AccountDetailTypeAccountsReceivable    AccountDetailType = "AccountsReceivable"
	AccountDetailTypeInputTax              AccountDetailType = "InputTax"
	AccountDetailTypeOtherCurrentLiability AccountDetailType = "OtherCurrentLiability"
	AccountDetailTypeAccountsPayable       AccountDetailType = "AccountsPayable"
	AccountDetailTypeGoodsReceivedClearing AccountDetailType = "GoodsReceivedClearing"
	AccountDetailTypeLongTermLiability     AccountDetailType = "LongTermLiability"
	AccountDetailTypeOutputTax             AccountDetailType = "OutputTax"
	AccountDetailTypeEquity                AccountDetailType = "Equity"
	AccountDetailTypeIncome                AccountDetailType = "Income"
	AccountDetailTypeOtherIncome           AccountDetailType = "OtherIncome"
	AccountDetailTypeExpense               AccountDetailType = "Expense"
	AccountDetailTypeCostOfGoodsSold       AccountDetailType = "CostOfGoodsSold"
	AccountDetailTypeOtherExpense          AccountDetailType = "OtherExpense"
)

var accountDetailMainTypes = map[AccountDetailType]AccountMainType{
	AccountDetailTypeOtherAsset:            AccountMainTypeAsset,
	AccountDetailTypeOtherCurrentAsset:     AccountMainTypeAsset,
	AccountDetailTypeCash:                  AccountMainTypeAsset,
	AccountDetailTypeBank:                  AccountMainTypeAsset,
	AccountDetailTypeFixedAsset:            AccountMainTypeAsset,
	AccountDetailTypeStock:                 AccountMainTypeAsset,
	AccountDetailTypeAccountsReceivable:    AccountMainTypeAsset,
	AccountDetailTypeInputTax:              AccountMainTypeAsset,
	AccountDetailTypeOtherCurrentLiability: AccountMainTypeLiability,
	AccountDetailTypeAccountsPayable:       AccountMainTypeLiability,
	AccountDetailTypeGoodsReceivedClearing: AccountMainTypeLiability,
	AccountDetailTypeLongTermLiability:     AccountMainTypeLiability,
	AccountDetailTypeOutputTax:             AccountMainTypeLiability,
	AccountDetailTypeEquity:                AccountMainTypeEquity,
	AccountDetailTypeIncome:                AccountMainTypeIncome,
	AccountDetailTypeOtherIncome:           AccountMainTypeIncome,
	AccountDetailTypeExpense:               AccountMainTypeExpense,
	AccountDetailTypeCostOfGoodsSold:       AccountMainTypeExpense,
	AccountDetailTypeOtherExpense:          AccountMainTypeExpense,
}

// MainType returns the main type a detail type belongs to, if known.
func (t AccountDetailType) MainType() (AccountMainType, bool) {
	m, ok := accountDetailMainTypes[t]
	return m, ok
}

type Side string

const (
	SideDebit  Side = "Debit"
	SideCredit Side = "Credit"
)

func (s Side) IsValid() bool { return s == SideDebit || s == SideCredit }

func (s Side) Opposite() Side {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("side must be string")
	}
	switch strings.ToLower(str) {
	case "debit", "dr":
		*s = SideDebit
	case "credit", "cr":
		*s = SideCredit
	default:
		return errors.New("invalid side")
	}
	return nil
}

type FiscalPeriodStatus string

const (
	FiscalPeriodStatusOpen   FiscalPeriodStatus = "Open"
	FiscalPeriodStatusClosed FiscalPeriodStatus = "Closed"
)

func (s FiscalPeriodStatus) IsValid() bool {
	return s == FiscalPeriodStatusOpen || s == FiscalPeriodStatusClosed
}

type ProductType string

const (
	ProductTypeStock   ProductType = "Stock"
	ProductTypeService ProductType = "Service"
)

func (t ProductType) IsValid() bool { return t == ProductTypeStock || t == ProductTypeService }

type MovementType string

const (
	MovementTypeReceipt    MovementType = "Receipt"
	MovementTypeIssue      MovementType = "Issue"
	MovementTypeAdjustment MovementType = "Adjustment"
	MovementTypeDamage     MovementType = "Damage"
	MovementTypeReturn     MovementType = "Return"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypeReceipt, MovementTypeIssue, MovementTypeAdjustment, MovementTypeDamage, MovementTypeReturn:
		return true
	}
	return false
}

// SignAllowed reports whether a quantity with the given sign (+1/-1) fits the movement type.
func (t MovementType) SignAllowed(sign int) bool {
	switch t {
	case MovementTypeReceipt, MovementTypeReturn:
		return sign > 0
	case MovementTypeIssue, MovementTypeDamage:
		return sign < 0
	case MovementTypeAdjustment:
		return sign != 0
	}
	return false
}

type CostingMethod string

const (
	CostingMethodFIFO            CostingMethod = "FIFO"
	CostingMethodLIFO            CostingMethod = "LIFO"
	CostingMethodWeightedAverage CostingMethod = "WEIGHTED_AVERAGE"
)

func (m CostingMethod) IsValid() bool {
	switch m {
	case CostingMethodFIFO, CostingMethodLIFO, CostingMethodWeightedAverage:
		return true
	}
	return false
}

// ParseCostingMethod accepts FIFO, LIFO, WEIGHTED_AVERAGE / WeightedAverage / WAC.
func ParseCostingMethod(s string) (CostingMethod, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "FIFO":
		return CostingMethodFIFO, nil
	case "LIFO":
		return CostingMethodLIFO, nil
	case "WEIGHTED_AVERAGE", "WEIGHTEDAVERAGE", "WAC", "AVERAGE":
		return CostingMethodWeightedAverage, nil
	}
	return "", errors.New("invalid costing method: " + s)
}

func (m *CostingMethod) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("costing method must be string")
	}
	v, err := ParseCostingMethod(str)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m *CostingMethod) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseCostingMethod(str)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending OutboxPublishStatus = "PENDING"
	OutboxPublishStatusSent    OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed  OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead    OutboxPublishStatus = "DEAD"
)
