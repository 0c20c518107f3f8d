package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnbalanced          = errors.New("unbalanced journal entry")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrClosedPeriod        = errors.New("closed period")
	ErrUnmappedAccount     = errors.New("unmapped account")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidBatch        = errors.New("invalid batch")
	ErrNotFound            = errors.New("record not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicate           = errors.New("duplicate record")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrStaleBatch          = errors.New("batch changed concurrently")
	ErrImmutableLedger     = errors.New("immutable ledger")
	ErrLockNotObtained     = errors.New("posting lock not obtained")
)

// UnbalancedError reports the totals of an entry whose sides disagree.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("unbalanced journal entry: debit=%s credit=%s", e.Debit.String(), e.Credit.String())
}

func (e *UnbalancedError) Unwrap() error { return ErrUnbalanced }

type InvalidAccountError struct {
	AccountId string
	Reason    string
}

func (e *InvalidAccountError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid account %q: %s", e.AccountId, e.Reason)
	}
	return fmt.Sprintf("invalid account %q", e.AccountId)
}

func (e *InvalidAccountError) Unwrap() error { return ErrInvalidAccount }

type ClosedPeriodError struct {
	Date     time.Time
	PeriodId string
}

func (e *ClosedPeriodError) Error() string {
	if e.PeriodId == "" {
		return fmt.Sprintf("no open fiscal period for %s", e.Date.Format(time.DateOnly))
	}
	return fmt.Sprintf("fiscal period %s is closed for %s", e.PeriodId, e.Date.Format(time.DateOnly))
}

func (e *ClosedPeriodError) Unwrap() error { return ErrClosedPeriod }

type UnmappedAccountError struct {
	Role AccountRole
}

func (e *UnmappedAccountError) Error() string {
	return fmt.Sprintf("unmapped account role %q", string(e.Role))
}

func (e *UnmappedAccountError) Unwrap() error { return ErrUnmappedAccount }

type InsufficientStockError struct {
	ProductId   string
	WarehouseId string
	Requested   decimal.Decimal
	Available   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product_id=%s warehouse_id=%s requested=%s available=%s",
		e.ProductId, e.WarehouseId, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type InvalidBatchError struct {
	BatchId string
	Reason  string
}

func (e *InvalidBatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid batch %q: %s", e.BatchId, e.Reason)
	}
	return fmt.Sprintf("invalid batch %q", e.BatchId)
}

func (e *InvalidBatchError) Unwrap() error { return ErrInvalidBatch }

// InvalidInput wraps ErrInvalidInput with a message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the missing record kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}
