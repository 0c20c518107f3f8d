// Package workflow is the ledger engine. It validates every request in full,
// serializes writers per account and per product/warehouse, and hands each
// accepted request to the store as one atomic WriteSet.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "books_ledger/workflow"

type Engine struct {
	store   store.Store
	tenants tenantconfig.Provider
	locker  Locker
	logger  *logrus.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string

	// staleRetries bounds re-planning after a batch compare-and-swap loses.
	staleRetries int
}

type Option func(*Engine)

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(s store.Store, tenants tenantconfig.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		tenants:      tenants,
		locker:       NewKeyedMutex(),
		logger:       config.GetLogger(),
		tracer:       otel.Tracer(tracerName),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		staleRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
	}
	return e
}

func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) startSpan(ctx context.Context, name, institutionId string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "workflow."+name, trace.WithAttributes(attribute.String("institution_id", institutionId)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireInstitution(institutionId string) error {
	if strings.TrimSpace(institutionId) == "" {
		return models.InvalidInput("institution id is required")
	}
	return nil
}

func (e *Engine) logFields(ctx context.Context, institutionId string) logrus.Fields {
	f := logrus.Fields{"institution_id": institutionId}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		f["correlation_id"] = cid
	}
	return f
}

// checkAccounts requires every account of entry to exist in the institution and be active.
func (e *Engine) checkAccounts(ctx context.Context, institutionId string, entry *models.JournalEntry) (map[string]*models.Account, error) {
	ids := entry.AccountIds()
	accounts, err := e.store.GetAccounts(ctx, institutionId, ids)
	if err != nil {
		return nil, err
	}
	byId := make(map[string]*models.Account, len(accounts))
	for _, a := range accounts {
		byId[a.ID] = a
	}
	for _, id := range ids {
		a, ok := byId[id]
		if !ok {
			return nil, &models.InvalidAccountError{AccountId: id, Reason: "not found in institution"}
		}
		if !utils.DereferencePtr(a.IsActive, true) {
			return nil, &models.InvalidAccountError{AccountId: id, Reason: "inactive"}
		}
	}
	return byId, nil
}

// checkPeriod requires date to fall inside an Open fiscal period.
func (e *Engine) checkPeriod(ctx context.Context, institutionId string, date time.Time) error {
	p, err := e.store.FindFiscalPeriod(ctx, institutionId, date)
	if errors.Is(err, models.ErrNotFound) {
		return &models.ClosedPeriodError{Date: date}
	}
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return &models.ClosedPeriodError{Date: date, PeriodId: p.ID}
	}
	return nil
}

// validateEntry runs every journal-level check that depends on stored state.
func (e *Engine) validateEntry(ctx context.Context, institutionId string, entry *models.JournalEntry) error {
	if err := entry.CheckBalanced(); err != nil {
		return err
	}
	if _, err := e.checkAccounts(ctx, institutionId, entry); err != nil {
		return err
	}
	return e.checkPeriod(ctx, institutionId, entry.EntryDate)
}

func accountLockKeys(institutionId string, accountIds []string) []string {
	keys := make([]string, 0, len(accountIds))
	for _, id := range accountIds {
		keys = append(keys, AccountLockKey(institutionId, id))
	}
	return keys
}

func (e *Engine) outboxRecord(ctx context.Context, institutionId, eventType, referenceId string, payload any) *models.OutboxRecord {
	data, err := json.Marshal(payload)
	if err != nil {
		config.LogError(e.logger, "workflow", "outboxRecord", "marshal payload", referenceId, err)
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return &models.OutboxRecord{
		ID:            e.newID(),
		InstitutionId: institutionId,
		EventType:     eventType,
		ReferenceId:   referenceId,
		Payload:       data,
		CorrelationId: cid,
		PublishStatus: models.OutboxPublishStatusPending,
		CreatedAt:     e.now(),
	}
}

// commitPlanned builds a WriteSet with plan and commits it. A lost batch
// compare-and-swap re-plans against fresh state, up to staleRetries times.
func (e *Engine) commitPlanned(ctx context.Context, institutionId string, plan func() (*store.WriteSet, error)) (*store.WriteSet, error) {
	var lastErr error
	for attempt := 1; attempt <= e.staleRetries; attempt++ {
		ws, err := plan()
		if err != nil {
			return nil, err
		}
		err = e.store.Commit(ctx, ws)
		if err == nil {
			return ws, nil
		}
		if !errors.Is(err, models.ErrStaleBatch) {
			return nil, err
		}
		lastErr = err
		fields := e.logFields(ctx, institutionId)
		fields["attempt"] = attempt
		e.logger.WithFields(fields).Warn("inventory.batch.stale")
	}
	return nil, lastErr
}
