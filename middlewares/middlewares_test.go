package middlewares

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store/memory"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func TestCorrelationMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/", func(c *gin.Context) {
		id, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, id)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIdHeader, "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "corr-1", w.Body.String())
	assert.Equal(t, "corr-1", w.Header().Get(CorrelationIdHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Body.String(), 36, "a uuid is generated when the header is absent")
}

func TestInstitutionScope(t *testing.T) {
	r := gin.New()
	r.GET("/institutions/:institutionId/ping", InstitutionScope(), func(c *gin.Context) {
		c.String(http.StatusOK, InstitutionId(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/institutions/inst-9/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "inst-9", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/institutions/%20/ping", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountLoaderBatchesAndScopes(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for _, a := range []*models.Account{
		{ID: "a-1", InstitutionId: "inst-1", Code: "1000", Name: "Cash", MainType: models.AccountMainTypeAsset, NormalBalance: models.SideDebit},
		{ID: "a-2", InstitutionId: "inst-1", Code: "4000", Name: "Sales", MainType: models.AccountMainTypeIncome, NormalBalance: models.SideCredit},
		{ID: "a-3", InstitutionId: "inst-2", Code: "1000", Name: "Other Cash", MainType: models.AccountMainTypeAsset, NormalBalance: models.SideDebit},
	} {
		require.NoError(t, s.CreateAccount(ctx, a))
	}

	ctx = WithLoaders(utils.SetInstitutionIdInContext(ctx, "inst-1"), NewLoaders(s))

	accounts, errs := GetAccounts(ctx, []string{"a-2", "a-1", "a-3"})
	require.Len(t, accounts, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, "Sales", accounts[0].Name)
	assert.Equal(t, "Cash", accounts[1].Name)
	assert.ErrorIs(t, errs[2], models.ErrNotFound, "another institution's account is invisible")

	a, err := GetAccount(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "1000", a.Code)
}

func TestProductAndWarehouseLoaders(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, &models.Product{ID: "p-1", InstitutionId: "inst-1", Sku: "SKU-1", Name: "Widget", Type: models.ProductTypeStock}))
	require.NoError(t, s.CreateWarehouse(ctx, &models.Warehouse{ID: "w-1", InstitutionId: "inst-1", Name: "Main"}))

	ctx = WithLoaders(utils.SetInstitutionIdInContext(ctx, "inst-1"), NewLoaders(s))

	p, err := GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)

	w, err := GetWarehouse(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "Main", w.Name)

	_, err = GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLoaderWithoutInstitution(t *testing.T) {
	ctx := WithLoaders(context.Background(), NewLoaders(memory.New()))
	_, err := GetAccount(ctx, "a-1")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
