package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/google/uuid"
)

// Handler names scope idempotency keys.
const (
	HandlerJournal   = "journal"
	HandlerTranslate = "translate"
	HandlerMovement  = "movement"
	HandlerReversal  = "reversal"
)

// DeterministicID names a record by its idempotency key, so two writers racing
// on the same key also collide on the primary key.
func DeterministicID(institutionId, handlerName, key string, parts ...string) string {
	name := strings.Join(append([]string{institutionId, handlerName, key}, parts...), "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (e *Engine) idFor(institutionId, handlerName, key string, parts ...string) string {
	if key == "" {
		return e.newID()
	}
	return DeterministicID(institutionId, handlerName, key, parts...)
}

// replayed returns the result of an earlier request under the same key. A
// key reused for a different request is a conflict.
func (e *Engine) replayed(ctx context.Context, institutionId, handlerName, key, requestHash string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	rec, err := e.store.GetIdempotencyKey(ctx, institutionId, handlerName, key)
	if errors.Is(err, models.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if rec.RequestHash != requestHash {
		return "", false, fmt.Errorf("%w: %s key %q", models.ErrIdempotencyConflict, handlerName, key)
	}
	return rec.ResultId, true, nil
}

// resolveDuplicate turns a commit that lost a race on its own key into a replay.
func (e *Engine) resolveDuplicate(ctx context.Context, institutionId, handlerName, key, requestHash string, commitErr error) (string, error) {
	if key != "" && errors.Is(commitErr, models.ErrDuplicate) {
		id, ok, err := e.replayed(ctx, institutionId, handlerName, key, requestHash)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", commitErr
}

func (e *Engine) idempotencyRecord(institutionId, handlerName, key, requestHash, resultId string) *models.IdempotencyKey {
	if key == "" {
		return nil
	}
	return &models.IdempotencyKey{
		ID:             DeterministicID(institutionId, handlerName, key, "idempotency"),
		InstitutionId:  institutionId,
		HandlerName:    handlerName,
		IdempotencyKey: key,
		RequestHash:    requestHash,
		ResultId:       resultId,
	}
}
