package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
)

// ReverseJournalEntry posts a new entry with every line's side swapped and
// links the original to it.
//
// Design:
//   - Posted entries are never changed or deleted; only the original's
//     reversed_by_entry_id and reversal_reason are set.
//   - An entry can be reversed once, and a reversal cannot itself be reversed.
//   - The reversal is dated input.EntryDate, or today, and must land in an Open period.
func (e *Engine) ReverseJournalEntry(ctx context.Context, institutionId, entryId string, input *models.ReverseJournalEntry) (reversalId string, err error) {
	ctx, span := e.startSpan(ctx, "ReverseJournalEntry", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return "", err
	}
	if input == nil {
		return "", models.InvalidInput("reversal reason is required")
	}
	if err := models.Validator().Struct(input); err != nil {
		return "", models.InvalidInput("%s", err.Error())
	}

	original, err := e.store.GetJournalEntry(ctx, institutionId, entryId)
	if err != nil {
		return "", err
	}
	if original.IsReversal {
		return "", models.InvalidInput("journal entry %s is itself a reversal", original.ID)
	}
	if original.ReversedByEntryId != nil {
		return "", models.InvalidInput("journal entry %s is already reversed by %s", original.ID, *original.ReversedByEntryId)
	}

	date := e.now()
	if input.EntryDate != nil {
		date = *input.EntryDate
	}
	reversal := &models.JournalEntry{
		BranchId:        original.BranchId,
		EntryDate:       utils.DateOnly(date),
		Reference:       original.Reference,
		Description:     "Reversal: " + input.Reason,
		SourceType:      "REVERSAL",
		IsReversal:      true,
		ReversesEntryId: &original.ID,
		ReversalReason:  &input.Reason,
	}
	for _, l := range original.Lines {
		reversal.Lines = append(reversal.Lines, models.JournalLine{
			AccountId:   l.AccountId,
			BranchId:    l.BranchId,
			Side:        l.Side.Opposite(),
			Amount:      l.Amount,
			Description: l.Description,
		})
	}

	unlock, err := e.locker.Lock(ctx, accountLockKeys(institutionId, reversal.AccountIds())...)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := e.validateEntry(ctx, institutionId, reversal); err != nil {
		return "", err
	}

	// one reversal per original: racing reversals collide on this id
	reversalId = DeterministicID(institutionId, HandlerReversal, original.ID)
	reversal.Stamp(reversalId, institutionId, e.now())
	ws := &store.WriteSet{
		InstitutionId:   institutionId,
		Entry:           reversal,
		ReversedEntryId: original.ID,
		ReversalReason:  input.Reason,
		Outbox: []*models.OutboxRecord{
			e.outboxRecord(ctx, institutionId, models.OutboxEventJournalReversed, reversalId, reversal),
		},
	}
	if err := e.store.Commit(ctx, ws); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return "", models.InvalidInput("journal entry %s is already reversed", original.ID)
		}
		config.LogError(e.logger, "workflow", "ReverseJournalEntry", "commit", original.ID, err)
		return "", err
	}

	fields := e.logFields(ctx, institutionId)
	fields["entry_id"] = original.ID
	fields["reversal_id"] = reversalId
	e.logger.WithFields(fields).Info("ledger.entry.reversed")
	return reversalId, nil
}
