package models

import (
	"sort"
	"strings"
)

// AccountRole names a slot in a tenant's account-mapping configuration.
type AccountRole string

const (
	RoleAccountsReceivable AccountRole = "accounts_receivable"
	RoleCash               AccountRole = "cash"
	RoleSalesRevenue       AccountRole = "sales_revenue"
	RoleVatPayable         AccountRole = "vat_payable"
	RoleAccountsPayable    AccountRole = "accounts_payable"
	RolePurchaseAllocation AccountRole = "purchase_allocation"
	RoleInventoryAsset     AccountRole = "inventory_asset"
	RoleShrinkageExpense   AccountRole = "shrinkage_expense"
	RoleGRNClearing        AccountRole = "grn_clearing"
)

var knownRoles = map[AccountRole]bool{
	RoleAccountsReceivable: true,
	RoleCash:               true,
	RoleSalesRevenue:       true,
	RoleVatPayable:         true,
	RoleAccountsPayable:    true,
	RolePurchaseAllocation: true,
	RoleInventoryAsset:     true,
	RoleShrinkageExpense:   true,
	RoleGRNClearing:        true,
}

func (r AccountRole) IsKnown() bool { return knownRoles[r] }

// AccountMapping is a tenant's read-only role -> account id map.
type AccountMapping map[AccountRole]string

// Resolve never falls back to a default account.
func (m AccountMapping) Resolve(role AccountRole) (string, error) {
	id := strings.TrimSpace(m[role])
	if id == "" {
		return "", &UnmappedAccountError{Role: role}
	}
	return id, nil
}

// Require resolves every role, failing on the first missing one in the order given.
func (m AccountMapping) Require(roles ...AccountRole) error {
	for _, r := range roles {
		if _, err := m.Resolve(r); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects roles the posting rules do not know.
func (m AccountMapping) Validate() error {
	unknown := []string{}
	for r := range m {
		if !r.IsKnown() {
			unknown = append(unknown, string(r))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return InvalidInput("unknown account roles: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (m AccountMapping) Clone() AccountMapping {
	out := make(AccountMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
