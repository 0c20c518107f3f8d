package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"github.com/shopspring/decimal"
)

// PostJournalEntry validates and appends a manual journal entry.
//
// Errors: UnbalancedError, InvalidAccountError, ClosedPeriodError,
// ErrInvalidInput, ErrIdempotencyConflict. Nothing is written on error.
func (e *Engine) PostJournalEntry(ctx context.Context, institutionId string, input *models.NewJournalEntry) (id string, err error) {
	ctx, span := e.startSpan(ctx, "PostJournalEntry", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return "", err
	}
	if input == nil {
		return "", models.InvalidInput("journal entry is required")
	}
	if err := input.Validate(); err != nil {
		return "", err
	}
	entry := input.Build()
	if err := entry.CheckBalanced(); err != nil {
		return "", err
	}

	key := input.IdempotencyKey
	hash := entry.Fingerprint()
	if prior, ok, err := e.replayed(ctx, institutionId, HandlerJournal, key, hash); err != nil || ok {
		return prior, err
	}

	unlock, err := e.locker.Lock(ctx, accountLockKeys(institutionId, entry.AccountIds())...)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := e.validateEntry(ctx, institutionId, entry); err != nil {
		return "", err
	}

	id = e.idFor(institutionId, HandlerJournal, key)
	entry.Stamp(id, institutionId, e.now())
	ws := &store.WriteSet{
		InstitutionId: institutionId,
		Entry:         entry,
		Idempotency:   e.idempotencyRecord(institutionId, HandlerJournal, key, hash, id),
		Outbox:        []*models.OutboxRecord{e.outboxRecord(ctx, institutionId, models.OutboxEventJournalPosted, id, entry)},
	}
	if err := e.store.Commit(ctx, ws); err != nil {
		prior, rerr := e.resolveDuplicate(ctx, institutionId, HandlerJournal, key, hash, err)
		if rerr != nil {
			config.LogError(e.logger, "workflow", "PostJournalEntry", "commit", input.Reference, rerr)
		}
		return prior, rerr
	}

	fields := e.logFields(ctx, institutionId)
	fields["entry_id"] = id
	fields["lines"] = len(entry.Lines)
	e.logger.WithFields(fields).Info("ledger.entry.posted")
	return id, nil
}

func (e *Engine) GetJournalEntry(ctx context.Context, institutionId, entryId string) (*models.JournalEntry, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	return e.store.GetJournalEntry(ctx, institutionId, entryId)
}

// GetAccountBalance derives the balance from journal lines dated on or before
// asOf (all lines when nil), signed so the normal side is positive.
func (e *Engine) GetAccountBalance(ctx context.Context, institutionId, accountId string, asOf *time.Time) (balance decimal.Decimal, err error) {
	ctx, span := e.startSpan(ctx, "GetAccountBalance", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return decimal.Zero, err
	}
	account, err := e.store.GetAccount(ctx, institutionId, accountId)
	if errors.Is(err, models.ErrNotFound) {
		return decimal.Zero, &models.InvalidAccountError{AccountId: accountId, Reason: "not found in institution"}
	}
	if err != nil {
		return decimal.Zero, err
	}
	lines, err := e.store.ListJournalLines(ctx, institutionId, models.LineFilter{AccountIds: []string{accountId}, To: asOf})
	if err != nil {
		return decimal.Zero, err
	}
	balance = decimal.Zero
	for _, l := range lines {
		balance = balance.Add(account.SignedAmount(l.Side, l.Amount))
	}
	return balance, nil
}

// TrialBalance lists every account with its debit and credit totals up to asOf.
func (e *Engine) TrialBalance(ctx context.Context, institutionId string, asOf *time.Time) (tb *models.TrialBalance, err error) {
	ctx, span := e.startSpan(ctx, "TrialBalance", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	// Lines before accounts: accounts are insert-only and a line only
	// references an existing account, so every line read finds its row.
	lines, err := e.store.ListJournalLines(ctx, institutionId, models.LineFilter{To: asOf})
	if err != nil {
		return nil, err
	}
	accounts, err := e.store.ListAccounts(ctx, institutionId)
	if err != nil {
		return nil, err
	}

	type totals struct{ debit, credit decimal.Decimal }
	sums := map[string]*totals{}
	for _, l := range lines {
		t := sums[l.AccountId]
		if t == nil {
			t = &totals{debit: decimal.Zero, credit: decimal.Zero}
			sums[l.AccountId] = t
		}
		if l.Side == models.SideDebit {
			t.debit = t.debit.Add(l.Amount)
		} else {
			t.credit = t.credit.Add(l.Amount)
		}
	}

	tb = &models.TrialBalance{Rows: []models.TrialBalanceRow{}, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, a := range accounts {
		t := sums[a.ID]
		if t == nil {
			continue
		}
		balance := a.SignedAmount(models.SideDebit, t.debit).Add(a.SignedAmount(models.SideCredit, t.credit))
		tb.Rows = append(tb.Rows, models.TrialBalanceRow{
			AccountId:   a.ID,
			AccountCode: a.Code,
			AccountName: a.Name,
			MainType:    a.MainType,
			Debit:       t.debit,
			Credit:      t.credit,
			Balance:     balance,
		})
		tb.TotalDebit = tb.TotalDebit.Add(t.debit)
		tb.TotalCredit = tb.TotalCredit.Add(t.credit)
	}
	return tb, nil
}
