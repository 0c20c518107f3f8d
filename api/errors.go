package api

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIdempotencyConflict), errors.Is(err, models.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, models.ErrLockNotObtained):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUnbalanced),
		errors.Is(err, models.ErrInvalidAccount),
		errors.Is(err, models.ErrClosedPeriod),
		errors.Is(err, models.ErrUnmappedAccount),
		errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrInvalidBatch),
		errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrImmutableLedger):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError writes err with its status. Business errors carry their detail
// so callers can act on them without parsing the message.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var unbalanced *models.UnbalancedError
	var insufficient *models.InsufficientStockError
	var unmapped *models.UnmappedAccountError
	switch {
	case errors.As(err, &unbalanced):
		body["debit"] = unbalanced.Debit
		body["credit"] = unbalanced.Credit
	case errors.As(err, &insufficient):
		body["product_id"] = insufficient.ProductId
		body["warehouse_id"] = insufficient.WarehouseId
		body["requested"] = insufficient.Requested
		body["available"] = insufficient.Available
	case errors.As(err, &unmapped):
		body["role"] = unmapped.Role
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the body into input and answers 422 with per-field
// validation tags when it does not fit.
func bindJSON(c *gin.Context, input any) bool {
	if err := c.ShouldBindJSON(input); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "invalid request",
				"fields": utils.ProcessValidationErrors(err),
			})
			return false
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}
