package workflow

import (
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/shopspring/decimal"
)

// Translate turns a business event into an unposted journal entry using the
// tenant's account mapping.
//
// It is pure: no store access, no clock, no ids. The same event and mapping
// always produce the same lines in the same order, debits first:
//
//	SALES_INVOICE_FINALIZED  Dr receivable|cash (total)      Cr revenue (net), vat (tax)
//	SALES_RETURN_PROCESSED   Dr revenue (net), vat (tax)     Cr receivable|cash (total)
//	VENDOR_INVOICE_BOOKED    Dr allocation (total)           Cr payable
//	STOCK_ADJUSTMENT         Dr shrinkage (total)            Cr inventory
//	GOODS_RECEIVED           Dr inventory (total|receipts)   Cr payable|grn clearing
func Translate(event *models.BusinessEvent, mapping models.AccountMapping) (*models.JournalEntry, error) {
	if event == nil {
		return nil, models.InvalidInput("event is required")
	}
	if !event.Type.IsValid() {
		return nil, models.InvalidInput("invalid event type %q", event.Type)
	}
	if err := mapping.Require(event.RequiredRoles()...); err != nil {
		return nil, err
	}

	entry := &models.JournalEntry{
		EntryDate:      utils.DateOnly(event.Date),
		BranchId:       event.BranchId,
		Reference:      event.Reference,
		Description:    describeEvent(event),
		SourceType:     string(event.Type),
		IdempotencyKey: event.IdempotencyKey(),
	}
	add := func(accountId string, side models.Side, amount decimal.Decimal, description string) {
		if amount.IsZero() {
			return
		}
		entry.Lines = append(entry.Lines, models.JournalLine{
			AccountId:   accountId,
			BranchId:    event.BranchId,
			Side:        side,
			Amount:      amount,
			Description: description,
		})
	}
	role := func(r models.AccountRole) string {
		id, _ := mapping.Resolve(r)
		return id
	}

	settlement := models.RoleAccountsReceivable
	if event.CashSale {
		settlement = models.RoleCash
	}

	switch event.Type {
	case models.EventTypeSalesInvoiceFinalized:
		add(role(settlement), models.SideDebit, grossAmount(event), string(settlement))
		add(role(models.RoleSalesRevenue), models.SideCredit, event.NetAmount, string(models.RoleSalesRevenue))
		if event.TaxAmount.IsPositive() {
			add(role(models.RoleVatPayable), models.SideCredit, event.TaxAmount, string(models.RoleVatPayable))
		}
	case models.EventTypeSalesReturnProcessed:
		add(role(models.RoleSalesRevenue), models.SideDebit, event.NetAmount, string(models.RoleSalesRevenue))
		if event.TaxAmount.IsPositive() {
			add(role(models.RoleVatPayable), models.SideDebit, event.TaxAmount, string(models.RoleVatPayable))
		}
		add(role(settlement), models.SideCredit, grossAmount(event), string(settlement))
	case models.EventTypeVendorInvoiceBooked:
		allocation := event.AllocationAccountId
		if allocation == "" {
			allocation = role(models.RolePurchaseAllocation)
		}
		amount := grossAmount(event)
		add(allocation, models.SideDebit, amount, string(models.RolePurchaseAllocation))
		add(role(models.RoleAccountsPayable), models.SideCredit, amount, string(models.RoleAccountsPayable))
	case models.EventTypeStockAdjustment:
		add(role(models.RoleShrinkageExpense), models.SideDebit, event.TotalAmount, string(models.RoleShrinkageExpense))
		add(role(models.RoleInventoryAsset), models.SideCredit, event.TotalAmount, string(models.RoleInventoryAsset))
	case models.EventTypeGoodsReceived:
		amount := event.TotalAmount
		if amount.IsZero() {
			amount = event.ReceiptValue()
		}
		credit := models.RoleAccountsPayable
		if event.UseGRNClearing {
			credit = models.RoleGRNClearing
		}
		add(role(models.RoleInventoryAsset), models.SideDebit, amount, string(models.RoleInventoryAsset))
		add(role(credit), models.SideCredit, amount, string(credit))
	}

	if len(entry.Lines) == 0 {
		return nil, models.InvalidInput("%s carries no amount to post", event.Type)
	}
	if err := entry.CheckBalanced(); err != nil {
		return nil, err
	}
	return entry, nil
}

// grossAmount is the stated total, or net + tax when no total was given.
func grossAmount(event *models.BusinessEvent) decimal.Decimal {
	if event.TotalAmount.IsPositive() {
		return event.TotalAmount
	}
	return event.NetAmount.Add(event.TaxAmount)
}

func describeEvent(event *models.BusinessEvent) string {
	if event.Description != "" {
		return event.Description
	}
	label := map[models.EventType]string{
		models.EventTypeSalesInvoiceFinalized: "Sales invoice",
		models.EventTypeSalesReturnProcessed:  "Sales return",
		models.EventTypeVendorInvoiceBooked:   "Vendor invoice",
		models.EventTypeStockAdjustment:       "Stock adjustment",
		models.EventTypeGoodsReceived:         "Goods received",
	}[event.Type]
	if event.Reference == "" {
		return label
	}
	return label + " " + event.Reference
}
