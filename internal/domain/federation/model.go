package federation

import (
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/store"
)

// OperatorActor is the audit actor used for requests made without a
// requester tenant (CLI and operator tooling).
const OperatorActor = "operator"

// QueryOptions are applied per tenant. No ordering across tenants is implied.
type QueryOptions struct {
	Limit int64
	Skip  int64
	Sort  []store.SortField
}

func (o QueryOptions) findOptions() store.FindOptions {
	return store.FindOptions{Limit: o.Limit, Skip: o.Skip, Sort: o.Sort}
}

// TenantResult is one tenant's share of a fan-out.
type TenantResult struct {
	TenantID   string           `json:"tenantId"`
	TenantName string           `json:"tenantName"`
	Documents  []store.Document `json:"documents"`
	Count      int              `json:"count"`
	// Matched is the total number of matching documents, set only by
	// paged single-tenant queries.
	Matched int64 `json:"matched,omitempty"`
}

// TenantError records a tenant excluded from a fan-out.
type TenantError struct {
	TenantID string      `json:"tenantId"`
	Kind     apperr.Kind `json:"kind"`
	Message  string      `json:"message"`
}

// QueryResult is the merged fan-out result. Results keep registry order;
// documents are never re-sorted across tenants.
type QueryResult struct {
	Results    []TenantResult `json:"results"`
	TotalCount int            `json:"totalCount"`
	Errors     []TenantError  `json:"errors,omitempty"`
}

// CountResult is the result of CountAll.
type CountResult struct {
	Total     int64            `json:"total"`
	PerTenant map[string]int64 `json:"perTenant"`
	Errors    []TenantError    `json:"errors,omitempty"`
}

// LocateResult lists the tenants holding at least one matching document.
type LocateResult struct {
	Tenants []TenantCount `json:"tenants"`
	Errors  []TenantError `json:"errors,omitempty"`
}

// TenantCount pairs a tenant with a match count.
type TenantCount struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	Count      int64  `json:"count"`
}

// IDs returns the located tenant ids in registry order.
func (l LocateResult) IDs() []string {
	out := make([]string, len(l.Tenants))
	for i, t := range l.Tenants {
		out[i] = t.TenantID
	}
	return out
}
