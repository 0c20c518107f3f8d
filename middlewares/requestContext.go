package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CorrelationIdHeader = "x-correlation-id"
	InstitutionParam    = "institutionId"
)

// CorrelationMiddleware carries the caller's correlation id, or a fresh one,
// into the request context and echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := strings.TrimSpace(c.Request.Header.Get(CorrelationIdHeader))
		if correlationId == "" || len(correlationId) > 64 {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationIdHeader, correlationId)
		c.Next()
	}
}

// InstitutionScope puts the :institutionId path parameter into the request
// context. Every tenant read below it is scoped by that id.
func InstitutionScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		institutionId := strings.TrimSpace(c.Param(InstitutionParam))
		if institutionId == "" || len(institutionId) > 64 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "institution id is required"})
			c.Abort()
			return
		}
		ctx := utils.SetInstitutionIdInContext(c.Request.Context(), institutionId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func InstitutionId(c *gin.Context) string {
	id, _ := utils.GetInstitutionIdFromContext(c.Request.Context())
	return id
}
