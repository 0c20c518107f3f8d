// Package tenantconfig supplies each institution's account mapping and
// inventory policy. The engine reads them and never writes them.
package tenantconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"gopkg.in/yaml.v3"
)

type Provider interface {
	Mapping(ctx context.Context, institutionId string) (models.AccountMapping, error)
	Policy(ctx context.Context, institutionId string) (models.InventoryPolicy, error)
}

type Defaults struct {
	CostingMethod      models.CostingMethod `yaml:"costing_method"`
	AllowNegativeStock bool                 `yaml:"allow_negative_stock"`
}

type InstitutionConfig struct {
	CostingMethod      models.CostingMethod `yaml:"costing_method"`
	AllowNegativeStock *bool                `yaml:"allow_negative_stock"`
	Accounts           map[string]string    `yaml:"accounts"`
}

type Config struct {
	Defaults     Defaults                     `yaml:"defaults"`
	Institutions map[string]InstitutionConfig `yaml:"institutions"`
}

// Parse decodes and validates a tenant config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tenant config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path. A missing file yields an empty config with env defaults.
func Load(path string, defaults Defaults) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{Defaults: defaults, Institutions: map[string]InstitutionConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Defaults.CostingMethod == "" {
		cfg.Defaults.CostingMethod = defaults.CostingMethod
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Defaults.CostingMethod != "" && !c.Defaults.CostingMethod.IsValid() {
		return models.InvalidInput("defaults: invalid costing method %q", c.Defaults.CostingMethod)
	}
	for id, inst := range c.Institutions {
		if strings.TrimSpace(id) == "" {
			return models.InvalidInput("institution id must not be blank")
		}
		if inst.CostingMethod != "" && !inst.CostingMethod.IsValid() {
			return models.InvalidInput("%s: invalid costing method %q", id, inst.CostingMethod)
		}
		if err := inst.mapping().Validate(); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

func (i InstitutionConfig) mapping() models.AccountMapping {
	m := make(models.AccountMapping, len(i.Accounts))
	for role, id := range i.Accounts {
		m[models.AccountRole(role)] = id
	}
	return m
}

// Mapping returns a copy; an unknown institution has an empty mapping, so
// every role resolves to UnmappedAccount.
func (c *Config) Mapping(institutionId string) models.AccountMapping {
	inst, ok := c.Institutions[institutionId]
	if !ok {
		return models.AccountMapping{}
	}
	return inst.mapping()
}

func (c *Config) Policy(institutionId string) models.InventoryPolicy {
	policy := models.InventoryPolicy{
		CostingMethod:      c.Defaults.CostingMethod,
		AllowNegativeStock: c.Defaults.AllowNegativeStock,
	}
	if policy.CostingMethod == "" {
		policy.CostingMethod = models.CostingMethodFIFO
	}
	if inst, ok := c.Institutions[institutionId]; ok {
		if inst.CostingMethod != "" {
			policy.CostingMethod = inst.CostingMethod
		}
		if inst.AllowNegativeStock != nil {
			policy.AllowNegativeStock = *inst.AllowNegativeStock
		}
	}
	return policy
}

// Static serves a fixed config. Tests and the memory backend build it in code.
type Static struct {
	cfg *Config
}

func NewStatic(cfg *Config) *Static {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Static{cfg: cfg}
}

func (s *Static) Mapping(_ context.Context, institutionId string) (models.AccountMapping, error) {
	return s.cfg.Mapping(institutionId), nil
}

func (s *Static) Policy(_ context.Context, institutionId string) (models.InventoryPolicy, error) {
	return s.cfg.Policy(institutionId), nil
}
