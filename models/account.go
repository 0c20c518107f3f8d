package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID                 string            `gorm:"primary_key;size:36" json:"id"`
	InstitutionId      string            `gorm:"size:64;not null;index;uniqueIndex:uniq_account_code,priority:1" json:"institution_id"`
	Code               string            `gorm:"size:32;not null;uniqueIndex:uniq_account_code,priority:2" json:"code"`
	Name               string            `gorm:"size:100;not null" json:"name"`
	MainType           AccountMainType   `gorm:"size:16;not null;index" json:"main_type"`
	DetailType         AccountDetailType `gorm:"size:50;index" json:"detail_type"`
	NormalBalance      Side              `gorm:"size:8;not null" json:"normal_balance"`
	ParentAccountId    *string           `gorm:"size:36;index" json:"parent_account_id"`
	IsTrackedForBudget *bool             `gorm:"not null;default:false" json:"is_tracked_for_budget"`
	MonthlyLimit       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"monthly_limit"`
	IsActive           *bool             `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Account) TrackedForBudget() bool {
	return utils.DereferencePtr(a.IsTrackedForBudget)
}

// SignedAmount returns amount as it moves this account's balance.
func (a *Account) SignedAmount(side Side, amount decimal.Decimal) decimal.Decimal {
	if side == a.NormalBalance {
		return amount
	}
	return amount.Neg()
}

type NewAccount struct {
	Code               string            `json:"code" binding:"required,max=32"`
	Name               string            `json:"name" binding:"required,max=100"`
	MainType           AccountMainType   `json:"main_type" binding:"required"`
	DetailType         AccountDetailType `json:"detail_type"`
	ParentAccountId    *string           `json:"parent_account_id"`
	IsTrackedForBudget *bool             `json:"is_tracked_for_budget"`
	MonthlyLimit       decimal.Decimal   `json:"monthly_limit"`
}

// Validate checks shape only; code uniqueness and parent ownership are store concerns.
func (input *NewAccount) Validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if !input.MainType.IsValid() {
		return InvalidInput("invalid main type %q", input.MainType)
	}
	if input.DetailType != "" {
		main, ok := input.DetailType.MainType()
		if !ok {
			return InvalidInput("invalid detail type %q", input.DetailType)
		}
		if main != input.MainType {
			return InvalidInput("detail type %s does not belong to %s", input.DetailType, input.MainType)
		}
	}
	if input.MonthlyLimit.IsNegative() {
		return InvalidInput("monthly limit must not be negative")
	}
	if !utils.HasAtMostPlaces(input.MonthlyLimit, 4) {
		return InvalidInput("monthly limit has more than 4 decimal places")
	}
	return nil
}

// Build derives the stored account. Expense accounts are always budget-tracked.
func (input *NewAccount) Build(id, institutionId string) *Account {
	tracked := utils.DereferencePtr(input.IsTrackedForBudget)
	if input.MainType == AccountMainTypeExpense {
		tracked = true
	}
	var parent *string
	if input.ParentAccountId != nil && strings.TrimSpace(*input.ParentAccountId) != "" {
		p := strings.TrimSpace(*input.ParentAccountId)
		parent = &p
	}
	return &Account{
		ID:                 id,
		InstitutionId:      institutionId,
		Code:               strings.TrimSpace(input.Code),
		Name:               strings.TrimSpace(input.Name),
		MainType:           input.MainType,
		DetailType:         input.DetailType,
		NormalBalance:      input.MainType.NormalBalance(),
		ParentAccountId:    parent,
		IsTrackedForBudget: &tracked,
		MonthlyLimit:       input.MonthlyLimit,
		IsActive:           utils.NewTrue(),
	}
}

type UpdateAccountBudget struct {
	IsTrackedForBudget *bool           `json:"is_tracked_for_budget" binding:"required"`
	MonthlyLimit       decimal.Decimal `json:"monthly_limit"`
}

// Apply returns the effective tracked flag for an account of the given type.
func (input *UpdateAccountBudget) Apply(mainType AccountMainType) (bool, error) {
	if err := validateStruct(input); err != nil {
		return false, err
	}
	if input.MonthlyLimit.IsNegative() {
		return false, InvalidInput("monthly limit must not be negative")
	}
	if !utils.HasAtMostPlaces(input.MonthlyLimit, 4) {
		return false, InvalidInput("monthly limit has more than 4 decimal places")
	}
	tracked := *input.IsTrackedForBudget
	if mainType == AccountMainTypeExpense && !tracked {
		return false, InvalidInput("expense accounts are always tracked for budget")
	}
	return tracked, nil
}
