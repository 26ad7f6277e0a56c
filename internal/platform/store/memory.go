package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process TenantStore. Documents are cloned on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]map[string]interface{}
	unique      map[string][]string
	closed      bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]map[string]interface{}),
		unique:      make(map[string][]string),
	}
}

// EnsureUnique declares a unique key on collection over the given fields.
// Writes that would duplicate the key fail with ErrDuplicateKey.
func (m *MemoryStore) EnsureUnique(collection string, fields ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unique[collection] = fields
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store: memory store is closed")
	}
	return nil
}

func (m *MemoryStore) violatesUnique(collection string, doc map[string]interface{}, skip map[string]interface{}) bool {
	fields := m.unique[collection]
	if len(fields) == 0 {
		return false
	}
	for _, existing := range m.collections[collection] {
		if skip != nil && valuesEqual(existing[IDField], skip[IDField]) {
			continue
		}
		same := true
		for _, f := range fields {
			a, aok := lookupPath(existing, f)
			b, bok := lookupPath(doc, f)
			if aok != bok || !valuesEqual(a, b) {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Find(_ context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	matched, err := m.filter(collection, filter)
	if err != nil {
		return nil, err
	}
	sortDocuments(matched, opts.Sort)
	matched = page(matched, opts.Skip, opts.Limit)

	out := make([]Document, 0, len(matched))
	for _, d := range matched {
		out = append(out, Document(cloneValue(d).(map[string]interface{})))
	}
	return out, nil
}

func (m *MemoryStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	docs, err := m.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	return docs[0], nil
}

func (m *MemoryStore) InsertOne(_ context.Context, collection string, doc Document) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.insert(collection, doc)
}

func (m *MemoryStore) insert(collection string, doc Document) (interface{}, error) {
	stored := cloneValue(doc).(map[string]interface{})
	if _, ok := stored[IDField]; !ok {
		stored[IDField] = uuid.NewString()
	}
	for _, existing := range m.collections[collection] {
		if valuesEqual(existing[IDField], stored[IDField]) {
			return nil, fmt.Errorf("%w: _id %v", ErrDuplicateKey, stored[IDField])
		}
	}
	if m.violatesUnique(collection, stored, nil) {
		return nil, fmt.Errorf("%w: %s %v", ErrDuplicateKey, collection, m.unique[collection])
	}
	m.collections[collection] = append(m.collections[collection], stored)
	return stored[IDField], nil
}

// InsertMany inserts docs in order and stops at the first failure, returning
// the ids inserted so far.
func (m *MemoryStore) InsertMany(_ context.Context, collection string, docs []Document) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ids := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		id, err := m.insert(collection, d)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) UpdateOne(_ context.Context, collection string, filter Filter, update Update, upsert bool) (*UpdateResult, error) {
	if update.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	for i, doc := range m.collections[collection] {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		next := cloneValue(doc).(map[string]interface{})
		if err := applyUpdate(next, update, false); err != nil {
			return nil, err
		}
		if m.violatesUnique(collection, next, doc) {
			return nil, fmt.Errorf("%w: %s %v", ErrDuplicateKey, collection, m.unique[collection])
		}
		m.collections[collection][i] = next
		return &UpdateResult{Matched: 1, Modified: 1}, nil
	}

	if !upsert {
		return &UpdateResult{}, nil
	}

	seed := make(map[string]interface{})
	for path, v := range filter {
		if _, isOp := isOperatorDoc(v); isOp || strings.HasPrefix(path, "$") {
			continue
		}
		setPath(seed, path, cloneValue(v))
	}
	if err := applyUpdate(seed, update, true); err != nil {
		return nil, err
	}
	id, err := m.insert(collection, Document(seed))
	if err != nil {
		return nil, err
	}
	return &UpdateResult{UpsertedID: id}, nil
}

func applyUpdate(doc map[string]interface{}, u Update, inserting bool) error {
	for path, v := range u.Set {
		setPath(doc, path, cloneValue(v))
	}
	if inserting {
		for path, v := range u.SetOnInsert {
			setPath(doc, path, cloneValue(v))
		}
	}
	for path, v := range u.Push {
		cur, ok := lookupPath(doc, path)
		if !ok || cur == nil {
			setPath(doc, path, []interface{}{cloneValue(v)})
			continue
		}
		arr, isArr := toSlice(cur)
		if !isArr {
			return fmt.Errorf("store: $push target %s is not an array", path)
		}
		setPath(doc, path, append(append([]interface{}{}, arr...), cloneValue(v)))
	}
	for path, v := range u.Inc {
		delta, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("store: $inc value for %s is not numeric", path)
		}
		cur, present := lookupPath(doc, path)
		if !present {
			setPath(doc, path, v)
			continue
		}
		base, ok := toFloat(cur)
		if !ok {
			return fmt.Errorf("store: $inc target %s is not numeric", path)
		}
		if isInteger(cur) && isInteger(v) {
			setPath(doc, path, int64(base+delta))
		} else {
			setPath(doc, path, base+delta)
		}
	}
	for _, path := range u.Unset {
		unsetPath(doc, path)
	}
	return nil
}

func isInteger(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}

func (m *MemoryStore) DeleteMany(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	docs := m.collections[collection]
	hit := make([]bool, len(docs))
	for i, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return 0, err
		}
		hit[i] = ok
	}

	kept := make([]map[string]interface{}, 0, len(docs))
	var deleted int64
	for i, doc := range docs {
		if hit[i] {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	m.collections[collection] = kept
	return deleted, nil
}

func (m *MemoryStore) Count(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	matched, err := m.filter(collection, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (m *MemoryStore) Aggregate(_ context.Context, collection string, pipeline []Document) ([]Document, error) {
	m.mu.RLock()
	docs := make([]map[string]interface{}, 0, len(m.collections[collection]))
	for _, d := range m.collections[collection] {
		docs = append(docs, cloneValue(d).(map[string]interface{}))
	}
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("store: memory store is closed")
	}

	out, err := runPipeline(docs, pipeline)
	if err != nil {
		return nil, err
	}
	result := make([]Document, len(out))
	for i, d := range out {
		result[i] = Document(d)
	}
	return result, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

func (m *MemoryStore) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// filter returns the stored documents matching f without cloning them.
func (m *MemoryStore) filter(collection string, f Filter) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for _, doc := range m.collections[collection] {
		ok, err := matches(doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func page(docs []map[string]interface{}, skip, limit int64) []map[string]interface{} {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// runPipeline evaluates the aggregation stages the memory store supports:
// $match, $group, $sort, $skip, $limit, $count and inclusion-only $project.
func runPipeline(docs []map[string]interface{}, pipeline []Document) ([]map[string]interface{}, error) {
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("store: pipeline stage %d must have exactly one operator", i)
		}
		for op, arg := range stage {
			var err error
			switch op {
			case "$match":
				f, ok := asMap(arg)
				if !ok {
					return nil, fmt.Errorf("store: $match requires a document")
				}
				var kept []map[string]interface{}
				for _, d := range docs {
					ok, err := matches(d, Filter(f))
					if err != nil {
						return nil, err
					}
					if ok {
						kept = append(kept, d)
					}
				}
				docs = kept
			case "$group":
				docs, err = groupStage(docs, arg)
			case "$sort":
				spec, ok := asMap(arg)
				if !ok {
					return nil, fmt.Errorf("store: $sort requires a document")
				}
				sortDocuments(docs, sortSpec(spec))
			case "$skip":
				n, ok := toFloat(arg)
				if !ok {
					return nil, fmt.Errorf("store: $skip requires a number")
				}
				docs = page(docs, int64(n), 0)
			case "$limit":
				n, ok := toFloat(arg)
				if !ok {
					return nil, fmt.Errorf("store: $limit requires a number")
				}
				docs = page(docs, 0, int64(n))
			case "$count":
				name, ok := arg.(string)
				if !ok || name == "" {
					return nil, fmt.Errorf("store: $count requires a field name")
				}
				if len(docs) == 0 {
					docs = nil
				} else {
					docs = []map[string]interface{}{{name: int64(len(docs))}}
				}
			case "$project":
				docs, err = projectStage(docs, arg)
			case "$unwind":
				docs, err = unwindStage(docs, arg)
			default:
				return nil, fmt.Errorf("store: unsupported pipeline stage %s", op)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return docs, nil
}

func sortSpec(spec map[string]interface{}) []SortField {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]SortField, 0, len(keys))
	for _, k := range keys {
		dir, _ := toFloat(spec[k])
		fields = append(fields, SortField{Field: k, Descending: dir < 0})
	}
	return fields
}

// fieldRef resolves "$path" expressions against doc; other values are literals.
func fieldRef(doc map[string]interface{}, expr interface{}) interface{} {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := lookupPath(doc, strings.TrimPrefix(s, "$"))
		return v
	}
	return expr
}

type groupBucket struct {
	key  interface{}
	docs []map[string]interface{}
}

func groupStage(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := asMap(arg)
	if !ok {
		return nil, fmt.Errorf("store: $group requires a document")
	}
	idExpr, ok := spec[IDField]
	if !ok {
		return nil, fmt.Errorf("store: $group requires an _id expression")
	}

	var buckets []*groupBucket
	for _, d := range docs {
		key := fieldRef(d, idExpr)
		var bucket *groupBucket
		for _, b := range buckets {
			if valuesEqual(b.key, key) {
				bucket = b
				break
			}
		}
		if bucket == nil {
			bucket = &groupBucket{key: key}
			buckets = append(buckets, bucket)
		}
		bucket.docs = append(bucket.docs, d)
	}

	out := make([]map[string]interface{}, 0, len(buckets))
	for _, b := range buckets {
		row := map[string]interface{}{IDField: b.key}
		for field, accExpr := range spec {
			if field == IDField {
				continue
			}
			acc, ok := asMap(accExpr)
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("store: $group field %s needs a single accumulator", field)
			}
			for accOp, operand := range acc {
				v, err := accumulate(accOp, operand, b.docs)
				if err != nil {
					return nil, err
				}
				row[field] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(op string, operand interface{}, docs []map[string]interface{}) (interface{}, error) {
	switch op {
	case "$sum", "$avg":
		var total float64
		allInt := true
		n := 0
		for _, d := range docs {
			v := fieldRef(d, operand)
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			if !isInteger(v) {
				allInt = false
			}
			total += f
			n++
		}
		if op == "$avg" {
			if n == 0 {
				return nil, nil
			}
			return total / float64(n), nil
		}
		if allInt {
			return int64(total), nil
		}
		return total, nil
	case "$min", "$max":
		var best interface{}
		for _, d := range docs {
			v := fieldRef(d, operand)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c, ok := compareValues(v, best)
			if ok && ((op == "$min" && c < 0) || (op == "$max" && c > 0)) {
				best = v
			}
		}
		return best, nil
	case "$first":
		if len(docs) == 0 {
			return nil, nil
		}
		return fieldRef(docs[0], operand), nil
	}
	return nil, fmt.Errorf("store: unsupported accumulator %s", op)
}

func projectStage(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := asMap(arg)
	if !ok {
		return nil, fmt.Errorf("store: $project requires a document")
	}
	includeID := true
	var fields []string
	for k, v := range spec {
		on := truthy(v)
		if k == IDField {
			includeID = on
			continue
		}
		if !on {
			return nil, fmt.Errorf("store: $project supports inclusion only (field %s)", k)
		}
		fields = append(fields, k)
	}

	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		row := make(map[string]interface{})
		if includeID {
			if id, ok := d[IDField]; ok {
				row[IDField] = id
			}
		}
		for _, f := range fields {
			if v, ok := lookupPath(d, f); ok {
				setPath(row, f, v)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// unwindStage emits one document per element of the array at the referenced
// path. Documents where the path is missing, null or an empty array are dropped.
func unwindStage(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	ref, ok := arg.(string)
	if !ok || !strings.HasPrefix(ref, "$") || len(ref) < 2 {
		return nil, fmt.Errorf("store: $unwind requires a field path")
	}
	path := ref[1:]

	var out []map[string]interface{}
	for _, d := range docs {
		v, present := lookupPath(d, path)
		if !present || v == nil {
			continue
		}
		items, isArray := toSlice(v)
		if !isArray {
			out = append(out, d)
			continue
		}
		for _, item := range items {
			c := cloneValue(d).(map[string]interface{})
			setPath(c, path, cloneValue(item))
			out = append(out, c)
		}
	}
	return out, nil
}

func truthy(v interface{}) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	f, ok := toFloat(v)
	return ok && f != 0
}
