package workflow

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	CheckTrialBalance     = "TRIAL_BALANCE"
	CheckEntryBalance     = "ENTRY_BALANCE"
	CheckBatchBounds      = "BATCH_BOUNDS"
	CheckBatchConsumption = "BATCH_CONSUMPTION"
	CheckStockQuantity    = "STOCK_QUANTITY"
)

// ReconciliationIssue is one mismatch found by RunReconciliationChecks.
type ReconciliationIssue struct {
	CheckType  string `json:"check_type"`
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	Details    string `json:"details"`
}

// RunReconciliationChecks recomputes the ledger's derived quantities from
// the stored rows and reports every place they disagree. It writes nothing.
//
// Checks:
//   - trial balance debits equal credits, and every entry balances on its own
//   - 0 <= batch remaining <= batch received
//   - batch remaining equals received minus everything consumed from it
//   - per product and warehouse, Σ movement quantity equals Σ batch remaining
//     less unallocated (negative stock) consumption
func (e *Engine) RunReconciliationChecks(ctx context.Context, institutionId string) (issues []ReconciliationIssue, err error) {
	ctx, span := e.startSpan(ctx, "RunReconciliationChecks", institutionId)
	defer func() { endSpan(span, err) }()

	if err := requireInstitution(institutionId); err != nil {
		return nil, err
	}

	var ledgerIssues, stockIssues []ReconciliationIssue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ledgerIssues, err = e.checkLedger(gctx, institutionId)
		return err
	})
	g.Go(func() error {
		var err error
		stockIssues, err = e.checkStock(gctx, institutionId)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	issues = append(ledgerIssues, stockIssues...)
	fields := e.logFields(ctx, institutionId)
	fields["issues"] = len(issues)
	e.logger.WithFields(fields).Info("ledger.reconciliation.completed")
	for _, issue := range issues {
		e.logger.WithFields(logrus.Fields{
			"institution_id": institutionId,
			"check_type":     issue.CheckType,
			"entity_id":      issue.EntityId,
		}).Warn(issue.Details)
	}
	return issues, nil
}

func (e *Engine) checkLedger(ctx context.Context, institutionId string) ([]ReconciliationIssue, error) {
	issues := []ReconciliationIssue{}

	tb, err := e.TrialBalance(ctx, institutionId, nil)
	if err != nil {
		return nil, err
	}
	if !tb.IsBalanced() {
		issues = append(issues, ReconciliationIssue{
			CheckType:  CheckTrialBalance,
			EntityType: "Institution",
			EntityId:   institutionId,
			Details:    fmt.Sprintf("debits %s != credits %s", tb.TotalDebit, tb.TotalCredit),
		})
	}

	lines, err := e.store.ListJournalLines(ctx, institutionId, models.LineFilter{})
	if err != nil {
		return nil, err
	}
	net := map[string]decimal.Decimal{}
	for _, l := range lines {
		amount := l.Amount
		if l.Side == models.SideCredit {
			amount = amount.Neg()
		}
		net[l.EntryId] = net[l.EntryId].Add(amount)
	}
	for _, entryId := range sortedKeys(net) {
		if !net[entryId].IsZero() {
			issues = append(issues, ReconciliationIssue{
				CheckType:  CheckEntryBalance,
				EntityType: "JournalEntry",
				EntityId:   entryId,
				Details:    fmt.Sprintf("entry is off by %s", net[entryId]),
			})
		}
	}
	return issues, nil
}

func (e *Engine) checkStock(ctx context.Context, institutionId string) ([]ReconciliationIssue, error) {
	issues := []ReconciliationIssue{}

	snap, err := e.store.InventorySnapshot(ctx, institutionId)
	if err != nil {
		return nil, err
	}

	moved := map[string]decimal.Decimal{}
	for k, q := range snap.Moved {
		moved[k.String()] = q
	}
	// batches hold what was moved, less what was issued with no batch behind it
	remaining := map[string]decimal.Decimal{}
	for k, q := range snap.Unallocated {
		remaining[k.String()] = q.Neg()
	}

	for _, b := range snap.Batches {
		key := b.ProductId + "/" + b.WarehouseId
		remaining[key] = remaining[key].Add(b.QuantityRemaining)

		if b.QuantityRemaining.IsNegative() || b.QuantityRemaining.GreaterThan(b.ReceivedQty) {
			issues = append(issues, ReconciliationIssue{
				CheckType:  CheckBatchBounds,
				EntityType: "Batch",
				EntityId:   b.ID,
				Details:    fmt.Sprintf("remaining %s outside [0, %s]", b.QuantityRemaining, b.ReceivedQty),
			})
		}
		if want := b.ReceivedQty.Sub(snap.Consumed[b.ID]); !want.Equal(b.QuantityRemaining) {
			issues = append(issues, ReconciliationIssue{
				CheckType:  CheckBatchConsumption,
				EntityType: "Batch",
				EntityId:   b.ID,
				Details:    fmt.Sprintf("remaining %s, received less consumed is %s", b.QuantityRemaining, want),
			})
		}
	}

	keys := sortedKeys(moved)
	for _, k := range sortedKeys(remaining) {
		if _, ok := moved[k]; !ok {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		if !moved[key].Equal(remaining[key]) {
			issues = append(issues, ReconciliationIssue{
				CheckType:  CheckStockQuantity,
				EntityType: "ProductWarehouse",
				EntityId:   key,
				Details:    fmt.Sprintf("movements total %s, batches hold %s", moved[key], remaining[key]),
			})
		}
	}
	return issues, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
