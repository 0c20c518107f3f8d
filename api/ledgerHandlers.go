package api

import (
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/middlewares"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/gin-gonic/gin"
)

// asOfQuery reads the optional ?as_of= day.
func asOfQuery(c *gin.Context) (*time.Time, bool) {
	raw := c.Query("as_of")
	if raw == "" {
		return nil, true
	}
	t, err := utils.ParseDay(raw)
	if err != nil {
		respondError(c, models.InvalidInput("as_of must be YYYY-MM-DD"))
		return nil, false
	}
	return &t, true
}

func (h *Handler) createAccount(c *gin.Context) {
	var input models.NewAccount
	if !bindJSON(c, &input) {
		return
	}
	account, err := h.engine.CreateAccount(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.engine.ListAccounts(c.Request.Context(), middlewares.InstitutionId(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (h *Handler) getAccount(c *gin.Context) {
	account, err := h.engine.GetAccount(c.Request.Context(), middlewares.InstitutionId(c), c.Param("accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) updateAccountBudget(c *gin.Context) {
	var input models.UpdateAccountBudget
	if !bindJSON(c, &input) {
		return
	}
	account, err := h.engine.UpdateAccountBudget(c.Request.Context(), middlewares.InstitutionId(c), c.Param("accountId"), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) accountBalance(c *gin.Context) {
	asOf, ok := asOfQuery(c)
	if !ok {
		return
	}
	accountId := c.Param("accountId")
	balance, err := h.engine.GetAccountBalance(c.Request.Context(), middlewares.InstitutionId(c), accountId, asOf)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountId, "balance": balance})
}

func (h *Handler) createFiscalPeriod(c *gin.Context) {
	var input models.NewFiscalPeriod
	if !bindJSON(c, &input) {
		return
	}
	period, err := h.engine.CreateFiscalPeriod(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, period)
}

func (h *Handler) listFiscalPeriods(c *gin.Context) {
	periods, err := h.engine.ListFiscalPeriods(c.Request.Context(), middlewares.InstitutionId(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, periods)
}

type periodStatusRequest struct {
	Status models.FiscalPeriodStatus `json:"status" binding:"required"`
}

func (h *Handler) setFiscalPeriodStatus(c *gin.Context) {
	var req periodStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	period, err := h.engine.SetFiscalPeriodStatus(c.Request.Context(), middlewares.InstitutionId(c), c.Param("periodId"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, period)
}

func (h *Handler) postJournalEntry(c *gin.Context) {
	var input models.NewJournalEntry
	if !bindJSON(c, &input) {
		return
	}
	id, err := h.engine.PostJournalEntry(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry_id": id})
}

type journalLineView struct {
	models.JournalLine
	AccountCode string `json:"account_code"`
	AccountName string `json:"account_name"`
}

type journalEntryView struct {
	*models.JournalEntry
	Lines []journalLineView `json:"lines"`
}

func (h *Handler) getJournalEntry(c *gin.Context) {
	ctx := c.Request.Context()
	entry, err := h.engine.GetJournalEntry(ctx, middlewares.InstitutionId(c), c.Param("entryId"))
	if err != nil {
		respondError(c, err)
		return
	}

	accountIds := make([]string, len(entry.Lines))
	for i, l := range entry.Lines {
		accountIds[i] = l.AccountId
	}
	accounts, errs := middlewares.GetAccounts(ctx, accountIds)

	view := journalEntryView{JournalEntry: entry, Lines: make([]journalLineView, len(entry.Lines))}
	for i, l := range entry.Lines {
		view.Lines[i] = journalLineView{JournalLine: l}
		if errs != nil && errs[i] != nil {
			continue
		}
		view.Lines[i].AccountCode = accounts[i].Code
		view.Lines[i].AccountName = accounts[i].Name
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) reverseJournalEntry(c *gin.Context) {
	var input models.ReverseJournalEntry
	if !bindJSON(c, &input) {
		return
	}
	id, err := h.engine.ReverseJournalEntry(c.Request.Context(), middlewares.InstitutionId(c), c.Param("entryId"), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry_id": id})
}

func (h *Handler) trialBalance(c *gin.Context) {
	asOf, ok := asOfQuery(c)
	if !ok {
		return
	}
	tb, err := h.engine.TrialBalance(c.Request.Context(), middlewares.InstitutionId(c), asOf)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rows":         tb.Rows,
		"total_debit":  tb.TotalDebit,
		"total_credit": tb.TotalCredit,
		"balanced":     tb.IsBalanced(),
	})
}

func (h *Handler) translateAndPost(c *gin.Context) {
	var event models.BusinessEvent
	if !bindJSON(c, &event) {
		return
	}
	res, err := h.engine.TranslateAndPost(c.Request.Context(), middlewares.InstitutionId(c), &event)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) previewTranslation(c *gin.Context) {
	var event models.BusinessEvent
	if !bindJSON(c, &event) {
		return
	}
	entry, err := h.engine.PreviewTranslation(c.Request.Context(), middlewares.InstitutionId(c), &event)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) variance(c *gin.Context) {
	rows, err := h.engine.ComputeVariance(c.Request.Context(), middlewares.InstitutionId(c), c.Param("periodId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) departmentalSpend(c *gin.Context) {
	spend, err := h.engine.ComputeDepartmentalSpend(c.Request.Context(), middlewares.InstitutionId(c), c.Param("periodId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, spend)
}
