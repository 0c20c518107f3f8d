package api

import (
	"net/http"
	"sort"
	"strconv"

	"bitbucket.org/mmdatafocus/books_ledger/middlewares"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) createProduct(c *gin.Context) {
	var input models.NewProduct
	if !bindJSON(c, &input) {
		return
	}
	product, err := h.engine.CreateProduct(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.engine.ListProducts(c.Request.Context(), middlewares.InstitutionId(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) createWarehouse(c *gin.Context) {
	var input models.NewWarehouse
	if !bindJSON(c, &input) {
		return
	}
	warehouse, err := h.engine.CreateWarehouse(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, warehouse)
}

func (h *Handler) listWarehouses(c *gin.Context) {
	warehouses, err := h.engine.ListWarehouses(c.Request.Context(), middlewares.InstitutionId(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, warehouses)
}

func (h *Handler) recordStockMovement(c *gin.Context) {
	var input models.NewStockMovement
	if !bindJSON(c, &input) {
		return
	}
	id, err := h.engine.RecordStockMovement(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement_id": id})
}

func (h *Handler) registerBatch(c *gin.Context) {
	var input models.NewBatch
	if !bindJSON(c, &input) {
		return
	}
	id, err := h.engine.RegisterBatch(c.Request.Context(), middlewares.InstitutionId(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch_id": id})
}

func (h *Handler) listStockMovements(c *gin.Context) {
	movements, err := h.engine.Store().ListStockMovements(c.Request.Context(), middlewares.InstitutionId(c), models.MovementFilter{
		ProductId:   c.Query("product_id"),
		WarehouseId: c.Query("warehouse_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, movements)
}

func (h *Handler) listBatches(c *gin.Context) {
	available, _ := strconv.ParseBool(c.DefaultQuery("available", "false"))
	batches, err := h.engine.Store().ListBatches(c.Request.Context(), middlewares.InstitutionId(c), models.BatchFilter{
		ProductId:     c.Query("product_id"),
		WarehouseId:   c.Query("warehouse_id"),
		OnlyAvailable: available,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

type warehouseStock struct {
	WarehouseId   string          `json:"warehouse_id"`
	WarehouseName string          `json:"warehouse_name"`
	Quantity      decimal.Decimal `json:"quantity"`
}

func (h *Handler) stockOnHand(c *gin.Context) {
	ctx := c.Request.Context()
	product, err := middlewares.GetProduct(ctx, c.Param("productId"))
	if err != nil {
		respondError(c, err)
		return
	}
	onHand, err := h.engine.StockOnHand(ctx, middlewares.InstitutionId(c), product.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	rows := make([]warehouseStock, 0, len(onHand.ByWarehouse))
	for warehouseId, qty := range onHand.ByWarehouse {
		row := warehouseStock{WarehouseId: warehouseId, Quantity: qty}
		if w, err := middlewares.GetWarehouse(ctx, warehouseId); err == nil {
			row.WarehouseName = w.Name
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].WarehouseId < rows[j].WarehouseId })

	c.JSON(http.StatusOK, gin.H{
		"product_id":   product.ID,
		"sku":          product.Sku,
		"name":         product.Name,
		"total":        onHand.Total,
		"by_warehouse": rows,
	})
}

func (h *Handler) reorderCandidates(c *gin.Context) {
	candidates, err := h.engine.ReorderCandidates(c.Request.Context(), middlewares.InstitutionId(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (h *Handler) valuation(c *gin.Context) {
	method := models.CostingMethod(c.Query("method"))
	rows, err := h.engine.ValueInventory(c.Request.Context(), middlewares.InstitutionId(c), method)
	if err != nil {
		respondError(c, err)
		return
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.TotalValue)
	}
	c.JSON(http.StatusOK, gin.H{"products": rows, "total_value": total})
}
