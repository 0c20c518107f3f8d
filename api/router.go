// Package api exposes the ledger engine over HTTP.
package api

import (
	"net/http"

	"bitbucket.org/mmdatafocus/books_ledger/middlewares"
	"bitbucket.org/mmdatafocus/books_ledger/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	engine *workflow.Engine
	logger *logrus.Logger
}

func NewHandler(engine *workflow.Engine, logger *logrus.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Register mounts every ledger route on r. Tenant routes live under
// /institutions/:institutionId, get request-scoped loaders and then run
// tenantMiddlewares.
func (h *Handler) Register(r gin.IRouter, tenantMiddlewares ...gin.HandlerFunc) {
	chain := []gin.HandlerFunc{
		middlewares.InstitutionScope(),
		middlewares.LoaderMiddleware(h.engine.Store()),
	}
	inst := r.Group("/institutions/:"+middlewares.InstitutionParam, append(chain, tenantMiddlewares...)...)

	inst.POST("/accounts", h.createAccount)
	inst.GET("/accounts", h.listAccounts)
	inst.GET("/accounts/:accountId", h.getAccount)
	inst.PUT("/accounts/:accountId/budget", h.updateAccountBudget)
	inst.GET("/accounts/:accountId/balance", h.accountBalance)

	inst.POST("/fiscal-periods", h.createFiscalPeriod)
	inst.GET("/fiscal-periods", h.listFiscalPeriods)
	inst.PUT("/fiscal-periods/:periodId/status", h.setFiscalPeriodStatus)
	inst.GET("/fiscal-periods/:periodId/variance", h.variance)
	inst.GET("/fiscal-periods/:periodId/departmental-spend", h.departmentalSpend)

	inst.POST("/journal-entries", h.postJournalEntry)
	inst.GET("/journal-entries/:entryId", h.getJournalEntry)
	inst.POST("/journal-entries/:entryId/reverse", h.reverseJournalEntry)
	inst.GET("/trial-balance", h.trialBalance)

	inst.POST("/events", h.translateAndPost)
	inst.POST("/events/translate", h.previewTranslation)

	inst.POST("/products", h.createProduct)
	inst.GET("/products", h.listProducts)
	inst.GET("/products/:productId/stock", h.stockOnHand)
	inst.POST("/warehouses", h.createWarehouse)
	inst.GET("/warehouses", h.listWarehouses)

	inst.POST("/stock-movements", h.recordStockMovement)
	inst.GET("/stock-movements", h.listStockMovements)
	inst.POST("/batches", h.registerBatch)
	inst.GET("/batches", h.listBatches)
	inst.GET("/reorder-candidates", h.reorderCandidates)
	inst.GET("/valuation", h.valuation)
}

type RouterConfig struct {
	// Middlewares run on every route after correlation and error logging.
	Middlewares []gin.HandlerFunc
	// TenantMiddlewares run on institution routes once the tenant is known.
	TenantMiddlewares []gin.HandlerFunc
}

// NewRouter builds the gin engine with the request middlewares every route
// shares.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(errorLogger(h.logger))
	r.Use(gin.Recovery())
	r.Use(cfg.Middlewares...)

	r.GET("/healthz", h.health)
	h.Register(r, cfg.TenantMiddlewares...)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) health(c *gin.Context) {
	if err := h.engine.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// errorLogger logs only requests that recorded errors
func errorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}
