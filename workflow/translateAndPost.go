package workflow

import (
	"context"
	"errors"
	"strconv"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
)

type PostingResult struct {
	EntryId     string   `json:"entry_id"`
	MovementIds []string `json:"movement_ids"`
	Replayed    bool     `json:"replayed"`
}

// TranslateAndPost translates event with the tenant's mapping and posts the
// entry together with the stock movements the event implies, atomically.
// An event with an EventId is posted at most once.
func (e *Engine) TranslateAndPost(ctx context.Context, institutionId string, event *models.BusinessEvent) (res *PostingResult, err error) {
	ctx, span := e.startSpan(ctx, "TranslateAndPost", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	if event == nil {
		return nil, models.InvalidInput("event is required")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	mapping, err := e.tenants.Mapping(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	if err := mapping.Require(event.RequiredRoles()...); err != nil {
		return nil, err
	}

	key := event.IdempotencyKey()
	hash := event.Fingerprint()
	if prior, ok, err := e.replayed(ctx, institutionId, HandlerTranslate, key, hash); err != nil {
		return nil, err
	} else if ok {
		return e.replayResult(institutionId, key, event, prior), nil
	}

	if err := e.checkAllocationAccount(ctx, institutionId, event); err != nil {
		return nil, err
	}
	policy, err := e.tenants.Policy(ctx, institutionId)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, e.eventLockKeys(institutionId, event, mapping)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entryId := e.idFor(institutionId, HandlerTranslate, key)
	res = &PostingResult{EntryId: entryId, MovementIds: []string{}}
	_, err = e.commitPlanned(ctx, institutionId, func() (*store.WriteSet, error) {
		ws := &store.WriteSet{InstitutionId: institutionId}
		res.MovementIds = res.MovementIds[:0]

		ev := *event
		if mt, ok := event.Type.MovementType(); ok && len(event.Lines) > 0 {
			planner := newStockPlanner(ctx, e, institutionId, policy, ws)
			for i, line := range event.Lines {
				in := movementForLine(event, line, mt)
				if err := in.Validate(); err != nil {
					return nil, err
				}
				movementId := e.idFor(institutionId, HandlerTranslate, key, "movement", strconv.Itoa(i))
				batchId := e.idFor(institutionId, HandlerTranslate, key, "batch", strconv.Itoa(i))
				m, err := planner.add(in, movementId, batchId, utils.DateOnly(event.Date))
				if err != nil {
					return nil, err
				}
				id := entryId
				m.JournalEntryId = &id
				res.MovementIds = append(res.MovementIds, m.ID)
			}
			if event.Type == models.EventTypeStockAdjustment && ev.TotalAmount.IsZero() {
				ev.TotalAmount = planner.consumed
			}
		}

		entry, err := Translate(&ev, mapping)
		if err != nil {
			return nil, err
		}
		if err := e.validateEntry(ctx, institutionId, entry); err != nil {
			return nil, err
		}
		entry.Stamp(entryId, institutionId, e.now())
		ws.Entry = entry
		ws.Idempotency = e.idempotencyRecord(institutionId, HandlerTranslate, key, hash, entryId)
		ws.Outbox = append(ws.Outbox, e.outboxRecord(ctx, institutionId, models.OutboxEventJournalPosted, entryId, entry))
		for _, m := range ws.Movements {
			ws.Outbox = append(ws.Outbox, e.outboxRecord(ctx, institutionId, models.OutboxEventStockMoved, m.ID, m))
		}
		return ws, nil
	})
	if err != nil {
		prior, rerr := e.resolveDuplicate(ctx, institutionId, HandlerTranslate, key, hash, err)
		if rerr != nil {
			if !isBusinessErr(rerr) {
				config.LogError(e.logger, "workflow", "TranslateAndPost", "commit", event.Reference, rerr)
			}
			return nil, rerr
		}
		return e.replayResult(institutionId, key, event, prior), nil
	}

	fields := e.logFields(ctx, institutionId)
	fields["entry_id"] = entryId
	fields["event_type"] = string(event.Type)
	fields["movements"] = len(res.MovementIds)
	e.logger.WithFields(fields).Info("ledger.event.posted")
	return res, nil
}

// PreviewTranslation returns the entry event would post, without posting it.
func (e *Engine) PreviewTranslation(ctx context.Context, institutionId string, event *models.BusinessEvent) (*models.JournalEntry, error) {
	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}
	mapping, err := e.tenants.Mapping(ctx, institutionId)
	if err != nil {
		return nil, err
	}
	return Translate(event, mapping)
}

// replayResult rebuilds the result of a keyed event; keyed ids are deterministic.
func (e *Engine) replayResult(institutionId, key string, event *models.BusinessEvent, entryId string) *PostingResult {
	res := &PostingResult{EntryId: entryId, MovementIds: []string{}, Replayed: true}
	if _, ok := event.Type.MovementType(); ok {
		for i := range event.Lines {
			res.MovementIds = append(res.MovementIds, DeterministicID(institutionId, HandlerTranslate, key, "movement", strconv.Itoa(i)))
		}
	}
	return res
}

// movementForLine expresses an event stock line as a signed movement.
func movementForLine(event *models.BusinessEvent, line models.EventStockLine, mt models.MovementType) *models.NewStockMovement {
	if line.MovementType != "" {
		mt = line.MovementType
	}
	qty := line.Quantity
	if event.Type == models.EventTypeSalesInvoiceFinalized || event.Type == models.EventTypeStockAdjustment {
		qty = qty.Neg()
	}
	return &models.NewStockMovement{
		ProductId:   line.ProductId,
		WarehouseId: line.WarehouseId,
		BatchId:     line.BatchId,
		Type:        mt,
		Quantity:    qty,
		UnitCost:    line.UnitCost,
		BatchNumber: line.BatchNumber,
		ExpiryDate:  line.ExpiryDate,
		Timestamp:   event.Date,
		Reference:   event.Reference,
	}
}

// checkAllocationAccount requires an explicit vendor-invoice allocation to be
// an Expense or Asset account of the institution.
func (e *Engine) checkAllocationAccount(ctx context.Context, institutionId string, event *models.BusinessEvent) error {
	if event.AllocationAccountId == "" {
		return nil
	}
	a, err := e.store.GetAccount(ctx, institutionId, event.AllocationAccountId)
	if errors.Is(err, models.ErrNotFound) {
		return &models.InvalidAccountError{AccountId: event.AllocationAccountId, Reason: "not found in institution"}
	}
	if err != nil {
		return err
	}
	if a.MainType != models.AccountMainTypeExpense && a.MainType != models.AccountMainTypeAsset {
		return &models.InvalidAccountError{AccountId: a.ID, Reason: "allocation account must be an Expense or Asset account"}
	}
	return nil
}

func (e *Engine) eventLockKeys(institutionId string, event *models.BusinessEvent, mapping models.AccountMapping) []string {
	accounts := []string{}
	for _, r := range event.RequiredRoles() {
		if id, err := mapping.Resolve(r); err == nil {
			accounts = append(accounts, id)
		}
	}
	if event.AllocationAccountId != "" {
		accounts = append(accounts, event.AllocationAccountId)
	}
	keys := accountLockKeys(institutionId, accounts)
	for _, l := range event.Lines {
		keys = append(keys, StockLockKey(institutionId, l.ProductId, l.WarehouseId))
	}
	return keys
}
