// Package reconcile copies documents that are missing on one tenant from
// another. It is insertion-only: documents present on both sides are never
// compared or merged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/metrics"
	"github.com/ehr/bridge/internal/platform/store"
)

type Registry interface {
	Exists(tenantID string) bool
	Store(tenantID string) (store.TenantStore, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, requester, target string, op access.Operation) error
}

// Options bound each tenant read and write.
type Options struct {
	TenantTimeout time.Duration
}

type Service struct {
	reg    Registry
	gate   Authorizer
	audit  audit.Recorder
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
}

func NewService(reg Registry, gate Authorizer, rec audit.Recorder, logger zerolog.Logger, opts Options) *Service {
	if opts.TenantTimeout <= 0 {
		opts.TenantTimeout = 15 * time.Second
	}
	return &Service{
		reg:    reg,
		gate:   gate,
		audit:  rec,
		logger: logger.With().Str("component", "reconcile").Logger(),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// onTenant runs fn under the per-tenant timeout.
func (s *Service) onTenant(ctx context.Context, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, s.opts.TenantTimeout)
	defer cancel()
	return fn(tctx)
}

// readBoth loads collection from both tenants concurrently.
func (s *Service) readBoth(ctx context.Context, sa, sb store.TenantStore, collection string) (docsA, docsB []store.Document, errA, errB error) {
	var wg conc.WaitGroup
	wg.Go(func() {
		errA = s.onTenant(ctx, func(ctx context.Context) (err error) {
			docsA, err = sa.Find(ctx, collection, store.Filter{}, store.FindOptions{})
			return err
		})
	})
	wg.Go(func() {
		errB = s.onTenant(ctx, func(ctx context.Context) (err error) {
			docsB, err = sb.Find(ctx, collection, store.Filter{}, store.FindOptions{})
			return err
		})
	})
	wg.Wait()
	return docsA, docsB, errA, errB
}

func (s *Service) pair(op, a, b string) (store.TenantStore, store.TenantStore, error) {
	if a == "" || b == "" {
		return nil, nil, apperr.Validation(op, "tenantA and tenantB are required")
	}
	if a == b {
		return nil, nil, apperr.Validation(op, "cannot reconcile a tenant with itself").WithDetail("tenant_id", a)
	}
	sa, err := s.reg.Store(a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := s.reg.Store(b)
	if err != nil {
		return nil, nil, err
	}
	return sa, sb, nil
}

func identityKey(op, collection string) (string, error) {
	key, ok := IdentityKeys[collection]
	if !ok {
		return "", apperr.Validation(op, "unknown collection %q", collection).WithDetail("collection", collection)
	}
	return key, nil
}

// AuthorizePair lets a tenant caller act only on pairs it belongs to, and
// only with every one of ops granted on the other side. Operator calls pass.
func (s *Service) AuthorizePair(ctx context.Context, requester, a, b string, ops ...access.Operation) error {
	if requester == "" {
		return nil
	}
	if len(ops) == 0 {
		return apperr.New(apperr.KindInternal, "reconcile.authorize", "no operation to authorize")
	}
	var other string
	switch requester {
	case a:
		other = b
	case b:
		other = a
	default:
		return apperr.PermissionDenied("reconcile.authorize", requester, a+","+b, string(ops[0]))
	}
	for _, op := range ops {
		if err := s.gate.Authorize(ctx, requester, other, op); err != nil {
			return err
		}
	}
	return nil
}

// Sync inserts, in each direction, the documents whose identity key is
// absent on the other tenant. Any direction error yields a PartialFailure
// alongside the populated result.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	const op = "reconcile.sync"
	key, err := identityKey(op, req.Collection)
	if err != nil {
		return nil, err
	}
	sa, sb, err := s.pair(op, req.TenantA, req.TenantB)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{
		Collection:  req.Collection,
		IdentityKey: key,
		AToB:        DirectionResult{From: req.TenantA, To: req.TenantB},
		BToA:        DirectionResult{From: req.TenantB, To: req.TenantA},
		SyncedAt:    s.now(),
	}

	docsA, docsB, errA, errB := s.readBoth(ctx, sa, sb, req.Collection)
	if errA != nil {
		msg := fmt.Sprintf("read %s: %v", req.TenantA, errA)
		res.AToB.Errors = append(res.AToB.Errors, msg)
		res.BToA.Errors = append(res.BToA.Errors, msg)
	}
	if errB != nil {
		msg := fmt.Sprintf("read %s: %v", req.TenantB, errB)
		res.AToB.Errors = append(res.AToB.Errors, msg)
		res.BToA.Errors = append(res.BToA.Errors, msg)
	}
	if errA == nil && errB == nil {
		keysA, keysB := keySet(docsA, key), keySet(docsB, key)
		s.copyMissing(ctx, &res.AToB, sb, req.Collection, key, docsA, keysB, res.SyncedAt)
		s.copyMissing(ctx, &res.BToA, sa, req.Collection, key, docsB, keysA, res.SyncedAt)
	}

	s.finish(ctx, req, res)

	if len(res.AToB.Errors) > 0 || len(res.BToA.Errors) > 0 {
		return res, apperr.New(apperr.KindPartialFailure, op, "reconciliation of %s between %s and %s finished with errors",
			req.Collection, req.TenantA, req.TenantB).
			WithDetail("a_to_b", res.AToB.Errors).
			WithDetail("b_to_a", res.BToA.Errors)
	}
	return res, nil
}

func keySet(docs []store.Document, key string) map[string]bool {
	set := make(map[string]bool, len(docs))
	for _, d := range docs {
		if v, ok := identity(d, key); ok {
			set[v] = true
		}
	}
	return set
}

func identity(doc store.Document, key string) (string, bool) {
	v, ok := doc.Get(key)
	if !ok || v == nil || v == "" {
		return "", false
	}
	return fmt.Sprint(v), true
}

// copyMissing inserts into dst the documents of docs whose key is not in
// present. Source duplicates of the same key are inserted once.
func (s *Service) copyMissing(ctx context.Context, dir *DirectionResult, dst store.TenantStore, collection, key string, docs []store.Document, present map[string]bool, at time.Time) {
	seen := make(map[string]bool)
	var missing []store.Document
	for _, d := range docs {
		id, ok := identity(d, key)
		if !ok {
			dir.Skipped++
			continue
		}
		if present[id] || seen[id] {
			continue
		}
		seen[id] = true

		out := d.Clone()
		sourceID := out[store.IDField]
		delete(out, store.IDField)
		out["sync_info"] = map[string]interface{}{
			"source_tenant": dir.From,
			"source_id":     sourceID,
			"synced_at":     at,
		}
		missing = append(missing, out)
	}
	dir.Missing = len(missing)
	if len(missing) == 0 {
		return
	}

	var ids []interface{}
	err := s.onTenant(ctx, func(ctx context.Context) (err error) {
		ids, err = dst.InsertMany(ctx, collection, missing)
		return err
	})
	dir.Inserted = len(ids)
	if err != nil {
		dir.Errors = append(dir.Errors, fmt.Sprintf("insert into %s: %v", dir.To, err))
	}
	metrics.ReconciledDocuments.WithLabelValues(dir.To, collection).Add(float64(dir.Inserted))
}

func (s *Service) finish(ctx context.Context, req SyncRequest, res *SyncResult) {
	outcome := audit.OutcomeSuccess
	if len(res.AToB.Errors) > 0 || len(res.BToA.Errors) > 0 {
		outcome = audit.OutcomeFailure
	}
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}
	audit.Emit(ctx, s.audit, s.logger, audit.Entry{
		Timestamp: s.now(),
		Actor:     actor,
		Action:    "reconcile.sync",
		Target:    req.TenantB,
		Outcome:   outcome,
		Details: map[string]interface{}{
			"tenant_a":        req.TenantA,
			"collection":      req.Collection,
			"inserted_a_to_b": res.AToB.Inserted,
			"inserted_b_to_a": res.BToA.Inserted,
			"skipped":         res.AToB.Skipped + res.BToA.Skipped,
		},
	})

	evt := s.logger.Info()
	if outcome == audit.OutcomeFailure {
		evt = s.logger.Warn().Strs("errors", append(append([]string{}, res.AToB.Errors...), res.BToA.Errors...))
	}
	evt.Str("tenant_a", req.TenantA).Str("tenant_b", req.TenantB).Str("collection", req.Collection).
		Int("inserted_a_to_b", res.AToB.Inserted).Int("inserted_b_to_a", res.BToA.Inserted).
		Msg("reconciliation finished")
}

// SyncAll reconciles every known collection between a and b. Each
// collection is independent; failures are joined into one PartialFailure.
func (s *Service) SyncAll(ctx context.Context, a, b, actor string) ([]*SyncResult, error) {
	if _, _, err := s.pair("reconcile.sync_all", a, b); err != nil {
		return nil, err
	}
	results := make([]*SyncResult, 0, len(store.Collections))
	var errs []error
	for _, coll := range store.Collections {
		res, err := s.Sync(ctx, SyncRequest{TenantA: a, TenantB: b, Collection: coll, Actor: actor})
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return results, apperr.Wrap(errors.Join(errs...), apperr.KindPartialFailure, "reconcile.sync_all",
			"some collections failed to reconcile")
	}
	return results, nil
}

// CheckSyncStatus reports whether both tenants hold the same number of
// documents in collection.
func (s *Service) CheckSyncStatus(ctx context.Context, a, b, collection string) (*StatusResult, error) {
	const op = "reconcile.status"
	if _, err := identityKey(op, collection); err != nil {
		return nil, err
	}
	sa, sb, err := s.pair(op, a, b)
	if err != nil {
		return nil, err
	}
	var (
		countA, countB int64
		errA, errB     error
		wg             conc.WaitGroup
	)
	wg.Go(func() {
		errA = s.onTenant(ctx, func(ctx context.Context) (err error) {
			countA, err = sa.Count(ctx, collection, store.Filter{})
			return err
		})
	})
	wg.Go(func() {
		errB = s.onTenant(ctx, func(ctx context.Context) (err error) {
			countB, err = sb.Count(ctx, collection, store.Filter{})
			return err
		})
	})
	wg.Wait()
	if errA != nil {
		return nil, apperr.Wrap(errA, apperr.KindConnection, op, "count documents").WithDetail("tenant_id", a)
	}
	if errB != nil {
		return nil, apperr.Wrap(errB, apperr.KindConnection, op, "count documents").WithDetail("tenant_id", b)
	}

	diff := countA - countB
	if diff < 0 {
		diff = -diff
	}
	return &StatusResult{
		Collection: collection,
		TenantA:    a,
		TenantB:    b,
		CountA:     countA,
		CountB:     countB,
		Difference: diff,
		InSync:     diff == 0,
	}, nil
}
