package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/config"
	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/store"
	"github.com/ehr/bridge/internal/platform/tenant"
)

// brokenStore fails every read, or blocks until the context ends when hang
// is set.
type brokenStore struct {
	*store.MemoryStore
	hang bool
}

func (b *brokenStore) fail(ctx context.Context) error {
	if b.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return errors.New("socket closed")
}

func (b *brokenStore) Find(ctx context.Context, _ string, _ store.Filter, _ store.FindOptions) ([]store.Document, error) {
	return nil, b.fail(ctx)
}

func (b *brokenStore) Count(ctx context.Context, _ string, _ store.Filter) (int64, error) {
	return 0, b.fail(ctx)
}

func (b *brokenStore) Aggregate(ctx context.Context, _ string, _ []store.Document) ([]store.Document, error) {
	return nil, b.fail(ctx)
}

// countingStore records how often reads reach the backing store.
type countingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (c *countingStore) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingStore) Find(ctx context.Context, coll string, f store.Filter, o store.FindOptions) ([]store.Document, error) {
	c.hit()
	return c.MemoryStore.Find(ctx, coll, f, o)
}

func (c *countingStore) Count(ctx context.Context, coll string, f store.Filter) (int64, error) {
	c.hit()
	return c.MemoryStore.Count(ctx, coll, f)
}

func (c *countingStore) Aggregate(ctx context.Context, coll string, p []store.Document) ([]store.Document, error) {
	c.hit()
	return c.MemoryStore.Aggregate(ctx, coll, p)
}

func countingStores() (map[string]store.TenantStore, []*countingStore) {
	stores := map[string]store.TenantStore{}
	var all []*countingStore
	for _, id := range []string{"A", "B", "C"} {
		cs := &countingStore{MemoryStore: store.NewMemoryStore()}
		stores[id] = cs
		all = append(all, cs)
	}
	return stores, all
}

type fixture struct {
	router *Router
	gate   *access.Gate
	reg    *tenant.Registry
	audit  *audit.MemoryRecorder
	stores map[string]store.TenantStore
}

func seedPatients(t *testing.T, st *store.MemoryStore, tenantID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := st.InsertOne(context.Background(), store.CollectionPatients, store.Document{
			"patient_id":  id,
			"hospital_id": tenantID,
			"last_name":   "Patient " + id,
			"status":      "Active",
		})
		if err != nil {
			t.Fatalf("seed %s/%s: %v", tenantID, id, err)
		}
	}
}

func newFixture(t *testing.T, stores map[string]store.TenantStore, opts Options) *fixture {
	t.Helper()
	ids := []string{"A", "B", "C"}
	defs := make([]config.TenantDefinition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, config.TenantDefinition{ID: id, Name: "Hospital " + id, StoreURI: "mem://" + id})
	}
	reg := tenant.NewRegistry(defs, tenant.StaticOpener(stores), zerolog.Nop(), tenant.Options{})
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	rec := audit.NewMemoryRecorder()
	gate := access.NewGate(reg, rec, zerolog.Nop())
	return &fixture{
		router: NewRouter(reg, gate, rec, zerolog.Nop(), opts),
		gate:   gate,
		reg:    reg,
		audit:  rec,
		stores: stores,
	}
}

func healthyStores(t *testing.T) map[string]store.TenantStore {
	a, b, c := store.NewMemoryStore(), store.NewMemoryStore(), store.NewMemoryStore()
	seedPatients(t, a, "A", "P001", "P002", "P003")
	seedPatients(t, b, "B", "P001", "P010")
	seedPatients(t, c, "C", "P020")
	return map[string]store.TenantStore{"A": a, "B": b, "C": c}
}

func TestQueryAll_TotalCountIsSumOfTenantCounts(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})
	ctx := context.Background()

	res, err := f.router.QueryAll(ctx, "", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("expected 3 tenant results, got %d", len(res.Results))
	}

	sum := 0
	for _, tr := range res.Results {
		n, _ := f.stores[tr.TenantID].Count(ctx, store.CollectionPatients, store.Filter{})
		if int64(tr.Count) != n {
			t.Errorf("tenant %s: expected count %d, got %d", tr.TenantID, n, tr.Count)
		}
		sum += tr.Count
	}
	if res.TotalCount != sum || res.TotalCount != 6 {
		t.Errorf("expected total 6 (= sum %d), got %d", sum, res.TotalCount)
	}
	if res.Results[0].TenantID != "A" || res.Results[2].TenantID != "C" {
		t.Errorf("expected registry order, got %s..%s", res.Results[0].TenantID, res.Results[2].TenantID)
	}
	if res.Results[0].TenantName != "Hospital A" {
		t.Errorf("unexpected tenant name %q", res.Results[0].TenantName)
	}
}

func TestQueryAll_FilterAndPerTenantOptions(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})

	res, err := f.router.QueryAll(context.Background(), "", store.CollectionPatients,
		store.Filter{"patient_id": "P001"}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalCount != 2 {
		t.Errorf("expected P001 on two tenants, got %d", res.TotalCount)
	}

	res, _ = f.router.QueryAll(context.Background(), "", store.CollectionPatients, store.Filter{},
		QueryOptions{Limit: 1, Sort: []store.SortField{{Field: "patient_id", Descending: true}}})
	if res.TotalCount != 3 {
		t.Errorf("expected limit applied per tenant, got total %d", res.TotalCount)
	}
	if got := res.Results[0].Documents[0].String("patient_id"); got != "P003" {
		t.Errorf("expected per-tenant sort to yield P003 on A, got %s", got)
	}
}

func TestQueryAll_IsolatesFailingTenant(t *testing.T) {
	stores := healthyStores(t)
	stores["B"] = &brokenStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(t, stores, Options{})

	res, err := f.router.QueryAll(context.Background(), "", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 2 || res.TotalCount != 4 {
		t.Errorf("expected A and C only (4 docs), got %d results / %d docs", len(res.Results), res.TotalCount)
	}
	if len(res.Errors) != 1 || res.Errors[0].TenantID != "B" {
		t.Fatalf("expected one error for B, got %+v", res.Errors)
	}
	if res.Errors[0].Kind != apperr.KindInternal {
		t.Errorf("expected internal kind, got %s", res.Errors[0].Kind)
	}
}

func TestQueryAll_UnconnectedTenantReported(t *testing.T) {
	stores := healthyStores(t)
	delete(stores, "C")
	f := newFixture(t, stores, Options{})

	res, _ := f.router.QueryAll(context.Background(), "", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if len(res.Errors) != 1 || res.Errors[0].Kind != apperr.KindConnection {
		t.Errorf("expected connection error for C, got %+v", res.Errors)
	}
}

func TestQueryAll_TenantTimeout(t *testing.T) {
	stores := healthyStores(t)
	stores["A"] = &brokenStore{MemoryStore: store.NewMemoryStore(), hang: true}
	f := newFixture(t, stores, Options{TenantTimeout: 30 * time.Millisecond, Concurrency: 1})

	start := time.Now()
	res, err := f.router.QueryAll(context.Background(), "", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("hung tenant blocked the fan-out")
	}
	if len(res.Errors) != 1 || res.Errors[0].TenantID != "A" || res.Errors[0].Kind != apperr.KindConnection {
		t.Errorf("expected timeout for A, got %+v", res.Errors)
	}
	if res.TotalCount != 3 {
		t.Errorf("expected B and C results, got %d", res.TotalCount)
	}
}

func TestQueryAll_RequesterNeedsReadOnOtherTenants(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})
	ctx := context.Background()

	f.gate.Grant(ctx, "A", "B", access.Permissions{Read: true}, 0)

	res, err := f.router.QueryAll(ctx, "A", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 2 || res.TotalCount != 5 {
		t.Errorf("expected A (self) and B (granted), got %d results / %d docs", len(res.Results), res.TotalCount)
	}
	if len(res.Errors) != 1 || res.Errors[0].TenantID != "C" || res.Errors[0].Kind != apperr.KindPermissionDenied {
		t.Errorf("expected C denied, got %+v", res.Errors)
	}
}

func TestQueryAll_UnknownRequester(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})
	_, err := f.router.QueryAll(context.Background(), "Z", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if !apperr.Is(err, apperr.KindTenantNotFound) {
		t.Errorf("expected tenant not found, got %v", err)
	}
}

func TestQueryOne(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})
	ctx := context.Background()

	res, err := f.router.QueryOne(ctx, "", "B", store.CollectionPatients, store.Filter{}, QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Count != 2 || res.TenantID != "B" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := f.router.QueryOne(ctx, "", "Z", store.CollectionPatients, store.Filter{}, QueryOptions{}); !apperr.Is(err, apperr.KindTenantNotFound) {
		t.Errorf("expected tenant not found, got %v", err)
	}
	if _, err := f.router.QueryOne(ctx, "C", "B", store.CollectionPatients, store.Filter{}, QueryOptions{}); !apperr.Is(err, apperr.KindPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
	if len(f.audit.ByAction("federation.query_one")) != 1 {
		t.Error("expected the successful query to be audited")
	}
}

func TestQueryOne_OperatorAudited(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})
	f.router.QueryOne(context.Background(), "", "A", store.CollectionPatients, store.Filter{}, QueryOptions{})

	entries := f.audit.ByAction("federation.query_one")
	if len(entries) != 1 || entries[0].Actor != OperatorActor {
		t.Errorf("expected operator actor, got %+v", entries)
	}
}

func TestAggregate_PerTenantResults(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})

	pipeline := []store.Document{
		{"$match": map[string]interface{}{"status": "Active"}},
		{"$count": "active"},
	}
	res, err := f.router.Aggregate(context.Background(), "", store.CollectionPatients, pipeline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("expected one result per tenant, got %d", len(res.Results))
	}
	want := map[string]int64{"A": 3, "B": 2, "C": 1}
	for _, tr := range res.Results {
		if len(tr.Documents) != 1 {
			t.Fatalf("tenant %s: expected 1 document, got %d", tr.TenantID, len(tr.Documents))
		}
		got, _ := tr.Documents[0].Get("active")
		if n, ok := got.(int64); !ok || n != want[tr.TenantID] {
			t.Errorf("tenant %s: expected %d, got %v", tr.TenantID, want[tr.TenantID], got)
		}
	}
}

func TestAggregate_RejectsStagesOutsideReadOnlySet(t *testing.T) {
	tests := []struct {
		name     string
		pipeline []store.Document
	}{
		{"merge", []store.Document{{"$merge": map[string]interface{}{"into": "patients_copy"}}}},
		{"out", []store.Document{{"$match": map[string]interface{}{}}, {"$out": "patients_copy"}}},
		{"where in match", []store.Document{{"$match": map[string]interface{}{"$where": "sleep(1000)"}}}},
		{"function in group", []store.Document{{"$group": map[string]interface{}{
			"_id": "$status",
			"x":   map[string]interface{}{"$function": map[string]interface{}{"body": "function() {}", "args": []interface{}{}, "lang": "js"}},
		}}}},
		{"accumulator in group", []store.Document{{"$group": map[string]interface{}{
			"_id": nil,
			"x":   map[string]interface{}{"$accumulator": map[string]interface{}{}},
		}}}},
		{"function nested in group id", []store.Document{{"$group": map[string]interface{}{
			"_id": map[string]interface{}{"k": map[string]interface{}{"$function": "x"}},
		}}}},
		{"lookup", []store.Document{{"$lookup": map[string]interface{}{"from": "doctors"}}}},
		{"two operators in one stage", []store.Document{{"$match": map[string]interface{}{}, "$limit": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores, counted := countingStores()
			f := newFixture(t, stores, Options{})

			_, err := f.router.Aggregate(context.Background(), "", store.CollectionPatients, tt.pipeline)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			for i, cs := range counted {
				if cs.calls != 0 {
					t.Errorf("store %d received the pipeline %d times", i, cs.calls)
				}
			}
		})
	}
}

func TestAggregate_UnwindAllowed(t *testing.T) {
	a := store.NewMemoryStore()
	_, _ = a.InsertOne(context.Background(), store.CollectionPatients, store.Document{
		"patient_id": "P001",
		"allergies":  []interface{}{"latex", "penicillin"},
	})
	stores := map[string]store.TenantStore{"A": a, "B": store.NewMemoryStore(), "C": store.NewMemoryStore()}
	f := newFixture(t, stores, Options{})

	res, err := f.router.Aggregate(context.Background(), "", store.CollectionPatients, []store.Document{
		{"$unwind": "$allergies"},
		{"$count": "n"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tr := range res.Results {
		if tr.TenantID != "A" {
			continue
		}
		got, _ := tr.Documents[0].Get("n")
		if got != int64(2) {
			t.Errorf("expected 2 unwound documents, got %v", got)
		}
	}
}

func TestFilterGuard_AppliesToEveryRead(t *testing.T) {
	bad := store.Filter{"$where": "this.ssn != null"}
	stores, counted := countingStores()
	f := newFixture(t, stores, Options{})
	ctx := context.Background()

	calls := map[string]func() error{
		"query_one": func() error {
			_, err := f.router.QueryOne(ctx, "", "A", store.CollectionPatients, bad, QueryOptions{})
			return err
		},
		"query_all": func() error {
			_, err := f.router.QueryAll(ctx, "", store.CollectionPatients, bad, QueryOptions{})
			return err
		},
		"count_all": func() error {
			_, err := f.router.CountAll(ctx, "", store.CollectionPatients, bad)
			return err
		},
		"locate": func() error {
			_, err := f.router.Locate(ctx, "", store.CollectionPatients, bad)
			return err
		},
		"field operator": func() error {
			_, err := f.router.QueryAll(ctx, "", store.CollectionPatients, store.Filter{"name": map[string]interface{}{"$regex": ".*"}}, QueryOptions{})
			return err
		},
	}
	for name, call := range calls {
		if err := call(); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
	for i, cs := range counted {
		if cs.calls != 0 {
			t.Errorf("store %d was queried %d times", i, cs.calls)
		}
	}
}

func TestCountAll(t *testing.T) {
	stores := healthyStores(t)
	stores["C"] = &brokenStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(t, stores, Options{})

	res, err := f.router.CountAll(context.Background(), "", store.CollectionPatients, store.Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 5 || res.PerTenant["A"] != 3 || res.PerTenant["B"] != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if _, ok := res.PerTenant["C"]; ok {
		t.Error("failed tenant must not appear in per-tenant counts")
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected one error, got %d", len(res.Errors))
	}
}

func TestLocate(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{})

	res, err := f.router.Locate(context.Background(), "", store.CollectionPatients, store.Filter{"patient_id": "P001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := res.IDs()
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("expected [A B], got %v", ids)
	}

	res, _ = f.router.Locate(context.Background(), "", store.CollectionPatients, store.Filter{"patient_id": "P999"})
	if len(res.Tenants) != 0 {
		t.Errorf("expected no tenants, got %v", res.IDs())
	}
}

func TestFanOut_CancelledContext(t *testing.T) {
	f := newFixture(t, healthyStores(t), Options{Concurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.router.CountAll(ctx, "", store.CollectionPatients, store.Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected every tenant to report the cancellation, got %d errors", len(res.Errors))
	}
}
