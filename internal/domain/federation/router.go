// Package federation fans queries, counts and aggregation pipelines out
// across tenant stores. Every tenant runs in its own goroutine under its
// own timeout; a failing tenant is reported and left out of the result.
package federation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/metrics"
	"github.com/ehr/bridge/internal/platform/store"
)

// Registry is the view of the tenant registry the router needs.
type Registry interface {
	IDs() []string
	Exists(tenantID string) bool
	Name(tenantID string) string
	Store(tenantID string) (store.TenantStore, error)
}

// Authorizer decides whether requester may act on target.
type Authorizer interface {
	Authorize(ctx context.Context, requester, target string, op access.Operation) error
}

// Options bound the fan-out.
type Options struct {
	Concurrency   int
	TenantTimeout time.Duration
}

type Router struct {
	reg    Registry
	gate   Authorizer
	audit  audit.Recorder
	logger zerolog.Logger
	opts   Options
}

func NewRouter(reg Registry, gate Authorizer, rec audit.Recorder, logger zerolog.Logger, opts Options) *Router {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.TenantTimeout <= 0 {
		opts.TenantTimeout = 15 * time.Second
	}
	return &Router{
		reg:    reg,
		gate:   gate,
		audit:  rec,
		logger: logger.With().Str("component", "query_router").Logger(),
		opts:   opts,
	}
}

// outcome is one tenant's share of a fan-out, in registry order.
type outcome struct {
	tenantID string
	value    interface{}
	err      error
}

type tenantFunc func(ctx context.Context, tenantID string, st store.TenantStore) (interface{}, error)

// fanOut runs fn for every known tenant with bounded concurrency. Non-self
// tenants are checked against the gate first; denied tenants come back as
// failed outcomes.
func (r *Router) fanOut(ctx context.Context, operation, requester string, fn tenantFunc) []outcome {
	ids := r.reg.IDs()
	out := make([]outcome, len(ids))
	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))

	var wg conc.WaitGroup
	for i, id := range ids {
		out[i].tenantID = id
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(ids); j++ {
				out[j] = outcome{tenantID: ids[j], err: apperr.Wrap(err, apperr.KindConnection, "federation."+operation, "fan-out cancelled")}
			}
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			v, err := r.runTenant(ctx, operation, requester, id, fn)
			out[i] = outcome{tenantID: id, value: v, err: err}
		})
	}
	wg.Wait()

	for _, o := range out {
		if o.err != nil {
			kind := apperr.KindOf(o.err)
			metrics.FanOutTenantErrors.WithLabelValues(o.tenantID, operation, string(kind)).Inc()
			r.logger.Warn().Err(o.err).Str("tenant_id", o.tenantID).Str("operation", operation).
				Str("kind", string(kind)).Msg("tenant excluded from fan-out")
		}
	}
	return out
}

func (r *Router) runTenant(ctx context.Context, operation, requester, tenantID string, fn tenantFunc) (interface{}, error) {
	start := time.Now()
	defer func() {
		metrics.FanOutDuration.WithLabelValues(tenantID, operation).Observe(time.Since(start).Seconds())
	}()

	tctx, cancel := context.WithTimeout(ctx, r.opts.TenantTimeout)
	defer cancel()

	if err := tctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindConnection, "federation."+operation, "fan-out cancelled")
	}
	if err := r.authorize(tctx, requester, tenantID); err != nil {
		return nil, err
	}
	st, err := r.reg.Store(tenantID)
	if err != nil {
		return nil, err
	}
	v, err := fn(tctx, tenantID, st)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return nil, apperr.Wrap(err, apperr.KindConnection, "federation."+operation, "tenant timed out").
				WithDetail("tenant_id", tenantID)
		}
		return nil, classifyStoreErr(err, operation, tenantID)
	}
	return v, nil
}

func (r *Router) authorize(ctx context.Context, requester, target string) error {
	if requester == "" || requester == target {
		return nil
	}
	return r.gate.Authorize(ctx, requester, target, access.OpRead)
}

func classifyStoreErr(err error, operation, tenantID string) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Wrap(err, apperr.KindInternal, "federation."+operation, "tenant store operation failed").
		WithDetail("tenant_id", tenantID)
}

func tenantError(o outcome) TenantError {
	return TenantError{TenantID: o.tenantID, Kind: apperr.KindOf(o.err), Message: o.err.Error()}
}

func actor(requester string) string {
	if requester == "" {
		return OperatorActor
	}
	return requester
}

func (r *Router) record(ctx context.Context, requester, action, target string, details map[string]interface{}) {
	audit.Emit(ctx, r.audit, r.logger, audit.Entry{
		Actor:   actor(requester),
		Action:  action,
		Target:  target,
		Outcome: audit.OutcomeSuccess,
		Details: details,
	})
}

// QueryOne runs a find against a single tenant.
func (r *Router) QueryOne(ctx context.Context, requester, tenantID, collection string, filter store.Filter, opts QueryOptions) (*TenantResult, error) {
	if !r.reg.Exists(tenantID) {
		return nil, apperr.TenantNotFound("federation.query_one", tenantID)
	}
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}
	if requester != "" && !r.reg.Exists(requester) {
		return nil, apperr.TenantNotFound("federation.query_one", requester)
	}

	tctx, cancel := context.WithTimeout(ctx, r.opts.TenantTimeout)
	defer cancel()

	if err := r.authorize(tctx, requester, tenantID); err != nil {
		return nil, err
	}
	st, err := r.reg.Store(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := st.Find(tctx, collection, filter, opts.findOptions())
	if err != nil {
		return nil, classifyStoreErr(err, "query_one", tenantID)
	}
	res := &TenantResult{TenantID: tenantID, TenantName: r.reg.Name(tenantID), Documents: docs, Count: len(docs)}
	if opts.Limit > 0 {
		if res.Matched, err = st.Count(tctx, collection, filter); err != nil {
			return nil, classifyStoreErr(err, "query_one", tenantID)
		}
	}

	r.record(ctx, requester, "federation.query_one", tenantID, map[string]interface{}{
		"collection": collection,
		"count":      len(docs),
	})
	return res, nil
}

// QueryAll runs the same find against every tenant. TotalCount is the sum of
// the per-tenant document counts.
func (r *Router) QueryAll(ctx context.Context, requester, collection string, filter store.Filter, opts QueryOptions) (*QueryResult, error) {
	if requester != "" && !r.reg.Exists(requester) {
		return nil, apperr.TenantNotFound("federation.query_all", requester)
	}
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	outs := r.fanOut(ctx, "query_all", requester, func(ctx context.Context, _ string, st store.TenantStore) (interface{}, error) {
		return st.Find(ctx, collection, filter, opts.findOptions())
	})

	res := &QueryResult{Results: []TenantResult{}}
	for _, o := range outs {
		if o.err != nil {
			res.Errors = append(res.Errors, tenantError(o))
			continue
		}
		docs := o.value.([]store.Document)
		res.Results = append(res.Results, TenantResult{
			TenantID:   o.tenantID,
			TenantName: r.reg.Name(o.tenantID),
			Documents:  docs,
			Count:      len(docs),
		})
		res.TotalCount += len(docs)
	}

	r.record(ctx, requester, "federation.query_all", "*", map[string]interface{}{
		"collection":     collection,
		"total_count":    res.TotalCount,
		"failed_tenants": len(res.Errors),
	})
	return res, nil
}

// Aggregate runs pipeline on every tenant and returns one result set per
// tenant. Results are never merged across tenants. A pipeline outside the
// read-only stage set is refused before any tenant sees it.
func (r *Router) Aggregate(ctx context.Context, requester, collection string, pipeline []store.Document) (*QueryResult, error) {
	if requester != "" && !r.reg.Exists(requester) {
		return nil, apperr.TenantNotFound("federation.aggregate", requester)
	}
	if err := store.ValidatePipeline(pipeline); err != nil {
		return nil, err
	}

	outs := r.fanOut(ctx, "aggregate", requester, func(ctx context.Context, _ string, st store.TenantStore) (interface{}, error) {
		return st.Aggregate(ctx, collection, pipeline)
	})

	res := &QueryResult{Results: []TenantResult{}}
	for _, o := range outs {
		if o.err != nil {
			res.Errors = append(res.Errors, tenantError(o))
			continue
		}
		docs := o.value.([]store.Document)
		res.Results = append(res.Results, TenantResult{
			TenantID:   o.tenantID,
			TenantName: r.reg.Name(o.tenantID),
			Documents:  docs,
			Count:      len(docs),
		})
		res.TotalCount += len(docs)
	}

	r.record(ctx, requester, "federation.aggregate", "*", map[string]interface{}{
		"collection":     collection,
		"stages":         len(pipeline),
		"failed_tenants": len(res.Errors),
	})
	return res, nil
}

// CountAll counts matching documents on every tenant.
func (r *Router) CountAll(ctx context.Context, requester, collection string, filter store.Filter) (*CountResult, error) {
	if requester != "" && !r.reg.Exists(requester) {
		return nil, apperr.TenantNotFound("federation.count_all", requester)
	}
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	outs := r.fanOut(ctx, "count_all", requester, func(ctx context.Context, _ string, st store.TenantStore) (interface{}, error) {
		return st.Count(ctx, collection, filter)
	})

	res := &CountResult{PerTenant: make(map[string]int64)}
	for _, o := range outs {
		if o.err != nil {
			res.Errors = append(res.Errors, tenantError(o))
			continue
		}
		n := o.value.(int64)
		res.PerTenant[o.tenantID] = n
		res.Total += n
	}

	r.record(ctx, requester, "federation.count_all", "*", map[string]interface{}{
		"collection": collection,
		"total":      res.Total,
	})
	return res, nil
}

// Locate reports which tenants hold at least one document matching filter.
func (r *Router) Locate(ctx context.Context, requester, collection string, filter store.Filter) (*LocateResult, error) {
	counts, err := r.CountAll(ctx, requester, collection, filter)
	if err != nil {
		return nil, err
	}

	res := &LocateResult{Tenants: []TenantCount{}, Errors: counts.Errors}
	for _, id := range r.reg.IDs() {
		n, ok := counts.PerTenant[id]
		if !ok || n == 0 {
			continue
		}
		res.Tenants = append(res.Tenants, TenantCount{TenantID: id, TenantName: r.reg.Name(id), Count: n})
	}
	return res, nil
}
