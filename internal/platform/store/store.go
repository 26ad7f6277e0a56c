// Package store defines the generic document surface every tenant store is
// reached through, plus the concrete bindings (MongoDB and in-memory).
//
// Callers depend on TenantStore only. Filters are equality documents with a
// small operator set ($in, $ne, $exists, $gt, $gte, $lt, $lte) and updates are
// expressed with Update rather than a store-specific language, so the backing
// technology can differ per tenant. Filters and pipelines that arrive from
// callers are checked with ValidateFilter and ValidatePipeline first.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/bridge/internal/platform/apperr"
)

// Well-known collections.
const (
	CollectionPatients    = "patients"
	CollectionDoctors     = "doctors"
	CollectionEncounters  = "encounters"
	CollectionMedications = "medications"
)

// Collections lists every collection the bridge knows about.
var Collections = []string{CollectionPatients, CollectionDoctors, CollectionEncounters, CollectionMedications}

// IDField is the store-assigned identity field.
const IDField = "_id"

// ErrNoDocuments is returned by FindOne when nothing matches.
var ErrNoDocuments = errors.New("store: no documents in result")

// ErrDuplicateKey is returned when a write violates a unique index.
var ErrDuplicateKey = errors.New("store: duplicate key")

// ErrEmptyUpdate is returned by UpdateOne when the update carries no operation.
var ErrEmptyUpdate = errors.New("store: empty update")

// Document is a schemaless record.
type Document map[string]interface{}

// Filter selects documents. Keys are (dotted) field paths.
type Filter map[string]interface{}

// SortField orders results by a single field.
type SortField struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// FindOptions bounds and orders a Find.
type FindOptions struct {
	Limit int64       `json:"limit,omitempty"`
	Skip  int64       `json:"skip,omitempty"`
	Sort  []SortField `json:"sort,omitempty"`
}

// Update describes a field-level modification. Push appends a single value
// to the array at each path.
type Update struct {
	Set         Document
	SetOnInsert Document
	Push        Document
	Inc         Document
	Unset       []string
}

// IsEmpty reports whether the update carries no operation.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.SetOnInsert) == 0 && len(u.Push) == 0 && len(u.Inc) == 0 && len(u.Unset) == 0
}

// UpdateResult reports the outcome of UpdateOne.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID interface{}
}

// TenantStore is the capability a tenant's data store exposes to the bridge.
type TenantStore interface {
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error)
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	InsertOne(ctx context.Context, collection string, doc Document) (interface{}, error)
	InsertMany(ctx context.Context, collection string, docs []Document) ([]interface{}, error)
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update, upsert bool) (*UpdateResult, error)
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline []Document) ([]Document, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Opener opens the store for one tenant.
type Opener func(ctx context.Context, tenantID, uri string) (TenantStore, error)

// Options tune the bindings opened through NewOpener.
type Options struct {
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// NewOpener returns an Opener that selects the binding from the URI scheme:
// mongodb:// and mongodb+srv:// open a MongoDB client, mem:// an in-process store.
func NewOpener(opts Options) Opener {
	return func(ctx context.Context, tenantID, uri string) (TenantStore, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindConfiguration, "store.open", fmt.Sprintf("invalid store uri for tenant %q", tenantID))
		}
		switch strings.ToLower(u.Scheme) {
		case "mongodb", "mongodb+srv":
			return OpenMongo(ctx, tenantID, uri, opts)
		case "mem":
			m := NewMemoryStore()
			m.EnsureUnique(CollectionPatients, "patient_id")
			return m, nil
		default:
			return nil, apperr.New(apperr.KindConfiguration, "store.open", "unsupported store scheme %q for tenant %q", u.Scheme, tenantID)
		}
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Get returns the value at a dotted path.
func (d Document) Get(path string) (interface{}, bool) {
	return lookupPath(map[string]interface{}(d), path)
}

// String returns the value at path when it is a string.
func (d Document) String(path string) string {
	v, ok := d.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set writes value at a dotted path, creating intermediate objects.
func (d Document) Set(path string, value interface{}) {
	setPath(map[string]interface{}(d), path, value)
}

// ID returns the store-assigned identity, if any.
func (d Document) ID() interface{} {
	return d[IDField]
}
