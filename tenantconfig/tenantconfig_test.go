package tenantconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
defaults:
  costing_method: FIFO
  allow_negative_stock: false
institutions:
  inst-1:
    costing_method: WEIGHTED_AVERAGE
    accounts:
      accounts_receivable: acc-ar
      sales_revenue: acc-rev
      vat_payable: acc-vat
  inst-2:
    costing_method: lifo
    allow_negative_stock: true
`

func TestParseResolvesPolicyAndMapping(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	p := cfg.Policy("inst-1")
	assert.Equal(t, models.CostingMethodWeightedAverage, p.CostingMethod)
	assert.False(t, p.AllowNegativeStock)

	p = cfg.Policy("inst-2")
	assert.Equal(t, models.CostingMethodLIFO, p.CostingMethod)
	assert.True(t, p.AllowNegativeStock)

	p = cfg.Policy("unknown")
	assert.Equal(t, models.CostingMethodFIFO, p.CostingMethod)

	id, err := cfg.Mapping("inst-1").Resolve(models.RoleSalesRevenue)
	require.NoError(t, err)
	assert.Equal(t, "acc-rev", id)

	_, err = cfg.Mapping("inst-2").Resolve(models.RoleSalesRevenue)
	var unmapped *models.UnmappedAccountError
	require.True(t, errors.As(err, &unmapped))
	assert.Equal(t, models.RoleSalesRevenue, unmapped.Role)
}

func TestParseRejectsUnknownRoleAndMethod(t *testing.T) {
	_, err := Parse([]byte("institutions:\n  a:\n    accounts:\n      petty_cash: x\n"))
	require.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = Parse([]byte("defaults:\n  costing_method: HIFO\n"))
	require.Error(t, err)
}

func TestMappingIsACopy(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	m := cfg.Mapping("inst-1")
	m[models.RoleSalesRevenue] = "changed"
	id, _ := cfg.Mapping("inst-1").Resolve(models.RoleSalesRevenue)
	assert.Equal(t, "acc-rev", id)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Defaults{CostingMethod: models.CostingMethodLIFO, AllowNegativeStock: true})
	require.NoError(t, err)
	p := cfg.Policy("x")
	assert.Equal(t, models.CostingMethodLIFO, p.CostingMethod)
	assert.True(t, p.AllowNegativeStock)
}

func TestFileProviderReloadKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	p, err := NewFileProvider(path, Defaults{}, logger)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("institutions: [not, a, map"), 0o600))
	require.Error(t, p.Reload())

	policy, err := p.Policy(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.CostingMethodWeightedAverage, policy.CostingMethod)

	require.NoError(t, os.WriteFile(path, []byte("institutions:\n  inst-1:\n    costing_method: LIFO\n"), 0o600))
	require.NoError(t, p.Reload())
	policy, _ = p.Policy(context.Background(), "inst-1")
	assert.Equal(t, models.CostingMethodLIFO, policy.CostingMethod)
}

func TestFileProviderWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	p, err := NewFileProvider(path, Defaults{}, logrus.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("institutions:\n  inst-1:\n    costing_method: LIFO\n"), 0o600))

	require.Eventually(t, func() bool {
		policy, _ := p.Policy(context.Background(), "inst-1")
		return policy.CostingMethod == models.CostingMethodLIFO
	}, 5*time.Second, 50*time.Millisecond)
}
