package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type JournalEntry struct {
	ID                string        `gorm:"primary_key;size:36" json:"id"`
	InstitutionId     string        `gorm:"size:64;not null;index;index:idx_je_inst_date,priority:1" json:"institution_id"`
	BranchId          string        `gorm:"size:64;index" json:"branch_id"`
	EntryDate         time.Time     `gorm:"not null;index:idx_je_inst_date,priority:2" json:"entry_date"`
	Reference         string        `gorm:"size:255;index" json:"reference"`
	Description       string        `gorm:"type:text" json:"description"`
	SourceType        string        `gorm:"size:64" json:"source_type,omitempty"`
	IdempotencyKey    string        `gorm:"size:255" json:"idempotency_key,omitempty"`
	IsReversal        bool          `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesEntryId   *string       `gorm:"size:36;index" json:"reverses_entry_id,omitempty"`
	ReversedByEntryId *string       `gorm:"size:36;index" json:"reversed_by_entry_id,omitempty"`
	ReversalReason    *string       `gorm:"type:text" json:"reversal_reason,omitempty"`
	Lines             []JournalLine `gorm:"foreignKey:EntryId" json:"lines"`
	PostedAt          time.Time     `gorm:"not null" json:"posted_at"`
}

type JournalLine struct {
	ID            string          `gorm:"primary_key;size:36" json:"id,omitempty"`
	EntryId       string          `gorm:"size:36;not null;index" json:"entry_id,omitempty"`
	InstitutionId string          `gorm:"size:64;not null;index:idx_jl_inst_acct_date,priority:1" json:"institution_id,omitempty"`
	AccountId     string          `gorm:"size:36;not null;index:idx_jl_inst_acct_date,priority:2" json:"account_id"`
	BranchId      string          `gorm:"size:64;index" json:"branch_id,omitempty"`
	LineNo        int             `gorm:"not null" json:"line_no"`
	Side          Side            `gorm:"size:8;not null" json:"side"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description   string          `gorm:"size:255" json:"description,omitempty"`
	EntryDate     time.Time       `gorm:"not null;index:idx_jl_inst_acct_date,priority:3" json:"entry_date"`
}

// Ledger immutability guardrails:
// - journal_lines are append-only (no updates/deletes).
// - journal_entries must never be deleted; limited updates are allowed only for reversal linkage fields.

func (l *JournalLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_lines cannot be updated")
}

func (l *JournalLine) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_lines cannot be deleted")
}

func (e *JournalEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entries cannot be deleted")
}

func (e *JournalEntry) BeforeUpdate(tx *gorm.DB) error {
	allowed := map[string]bool{
		"ReversedByEntryId": true,
		"ReversalReason":    true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("immutable ledger: only reversal linkage fields may be updated on journal_entries")
		}
	}
	return nil
}

// Totals sums both sides of the entry.
func (e *JournalEntry) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, l := range e.Lines {
		if l.Side == SideDebit {
			debit = debit.Add(l.Amount)
		} else {
			credit = credit.Add(l.Amount)
		}
	}
	return debit, credit
}

// CheckBalanced enforces a non-empty list of positive lines whose sides agree.
func (e *JournalEntry) CheckBalanced() error {
	if len(e.Lines) == 0 {
		return InvalidInput("journal entry has no lines")
	}
	for i, l := range e.Lines {
		if !l.Side.IsValid() {
			return InvalidInput("line %d: invalid side %q", i+1, l.Side)
		}
		if !l.Amount.IsPositive() {
			return InvalidInput("line %d: amount must be greater than zero", i+1)
		}
		if !utils.HasAtMostPlaces(l.Amount, 4) {
			return InvalidInput("line %d: amount has more than 4 decimal places", i+1)
		}
		if strings.TrimSpace(l.AccountId) == "" {
			return &InvalidAccountError{Reason: "line has no account"}
		}
	}
	debit, credit := e.Totals()
	if !debit.Equal(credit) {
		return &UnbalancedError{Debit: debit, Credit: credit}
	}
	return nil
}

// AccountIds returns the distinct accounts touched by the entry, in line order.
func (e *JournalEntry) AccountIds() []string {
	ids := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		ids = append(ids, l.AccountId)
	}
	return utils.UniqueSlice(ids)
}

type fingerprintLine struct {
	AccountId string `json:"a"`
	BranchId  string `json:"b"`
	Side      Side   `json:"s"`
	Amount    string `json:"m"`
}

// Fingerprint hashes the content of the entry, excluding identity and posting time.
func (e *JournalEntry) Fingerprint() string {
	lines := make([]fingerprintLine, 0, len(e.Lines))
	for _, l := range e.Lines {
		lines = append(lines, fingerprintLine{
			AccountId: l.AccountId,
			BranchId:  l.BranchId,
			Side:      l.Side,
			Amount:    l.Amount.StringFixed(4),
		})
	}
	return hashJSON(struct {
		Date        string            `json:"d"`
		BranchId    string            `json:"b"`
		Reference   string            `json:"r"`
		Description string            `json:"x"`
		Lines       []fingerprintLine `json:"l"`
	}{
		Date:        utils.DateOnly(e.EntryDate).Format(time.DateOnly),
		BranchId:    e.BranchId,
		Reference:   e.Reference,
		Description: e.Description,
		Lines:       lines,
	})
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashJSON(v any) string {
	payload, _ := json.Marshal(v)
	return hashBytes(payload)
}

func fixed(d decimal.Decimal) string { return d.StringFixed(4) }

func dayString(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return utils.DateOnly(*t).Format(time.DateOnly)
}

type NewJournalLine struct {
	AccountId   string          `json:"account_id" binding:"required"`
	BranchId    string          `json:"branch_id"`
	Side        Side            `json:"side" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type NewJournalEntry struct {
	EntryDate      time.Time        `json:"entry_date" binding:"required"`
	BranchId       string           `json:"branch_id"`
	Reference      string           `json:"reference" binding:"max=255"`
	Description    string           `json:"description"`
	IdempotencyKey string           `json:"idempotency_key" binding:"max=255"`
	Lines          []NewJournalLine `json:"lines" binding:"required,min=1,dive"`
}

func (input *NewJournalEntry) Validate() error {
	return validateStruct(input)
}

// Build produces an unposted entry; lines inherit the header branch when they carry none.
func (input *NewJournalEntry) Build() *JournalEntry {
	entry := &JournalEntry{
		BranchId:       input.BranchId,
		EntryDate:      utils.DateOnly(input.EntryDate),
		Reference:      input.Reference,
		Description:    input.Description,
		SourceType:     "MANUAL",
		IdempotencyKey: input.IdempotencyKey,
	}
	for _, l := range input.Lines {
		branch := l.BranchId
		if branch == "" {
			branch = input.BranchId
		}
		entry.Lines = append(entry.Lines, JournalLine{
			AccountId:   strings.TrimSpace(l.AccountId),
			BranchId:    branch,
			Side:        l.Side,
			Amount:      l.Amount,
			Description: l.Description,
		})
	}
	return entry
}

// Stamp assigns identity and tenant to an entry about to be committed.
func (e *JournalEntry) Stamp(id, institutionId string, postedAt time.Time) {
	e.ID = id
	e.InstitutionId = institutionId
	e.PostedAt = postedAt
	e.EntryDate = utils.DateOnly(e.EntryDate)
	for i := range e.Lines {
		e.Lines[i].ID = lineId(id, i+1)
		e.Lines[i].EntryId = id
		e.Lines[i].InstitutionId = institutionId
		e.Lines[i].LineNo = i + 1
		e.Lines[i].EntryDate = e.EntryDate
	}
}

// lineId derives a line's id from its entry so a re-planned entry keeps the same line ids.
func lineId(entryId string, lineNo int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryId+"#"+strconv.Itoa(lineNo))).String()
}

type ReverseJournalEntry struct {
	EntryDate *time.Time `json:"entry_date"`
	Reason    string     `json:"reason" binding:"required,max=255"`
}

// LineFilter selects journal lines for read-side aggregation.
type LineFilter struct {
	AccountIds []string
	From       *time.Time
	To         *time.Time
}

func (f LineFilter) Match(l *JournalLine) bool {
	if len(f.AccountIds) > 0 {
		found := false
		for _, id := range f.AccountIds {
			if id == l.AccountId {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && utils.DateOnly(l.EntryDate).Before(utils.DateOnly(*f.From)) {
		return false
	}
	if f.To != nil && !utils.OnOrBeforeDay(l.EntryDate, *f.To) {
		return false
	}
	return true
}
