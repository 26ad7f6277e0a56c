package store

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return map[string]interface{}(m), true
	case Filter:
		return map[string]interface{}(m), true
	}
	return nil, false
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = m
	for _, p := range parts {
		obj, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func unsetPath(m map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// cloneValue deep-copies maps and slices and normalizes nested documents to
// map[string]interface{} and arrays to []interface{}.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		return map[string]interface{}(t.Clone())
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []Document:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = vv
		}
		return out
	}
	return v
}

func isOperatorDoc(v interface{}) (map[string]interface{}, bool) {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// matches reports whether doc satisfies filter.
func matches(doc map[string]interface{}, filter Filter) (bool, error) {
	for path, want := range filter {
		got, present := lookupPath(doc, path)
		if ops, ok := isOperatorDoc(want); ok {
			for op, arg := range ops {
				ok, err := applyOperator(op, got, present, arg)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			continue
		}
		if !present || !fieldEquals(got, want) {
			return false, nil
		}
	}
	return true, nil
}

func applyOperator(op string, got interface{}, present bool, arg interface{}) (bool, error) {
	switch op {
	case "$eq":
		return present && fieldEquals(got, arg), nil
	case "$ne":
		return !present || !fieldEquals(got, arg), nil
	case "$exists":
		want, _ := arg.(bool)
		return present == want, nil
	case "$in":
		list, ok := toSlice(arg)
		if !ok {
			return false, fmt.Errorf("store: $in requires an array")
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if fieldEquals(got, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		c, ok := compareValues(got, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("store: unsupported filter operator %s", op)
}

// fieldEquals follows document-store semantics: a scalar matches an array
// field when any element equals it.
func fieldEquals(got, want interface{}) bool {
	if valuesEqual(got, want) {
		return true
	}
	if arr, ok := toSlice(got); ok {
		if _, wantIsArray := toSlice(want); !wantIsArray {
			for _, el := range arr {
				if valuesEqual(el, want) {
					return true
				}
			}
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return reflect.DeepEqual(cloneValue(a), cloneValue(b))
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string, []Document, []map[string]interface{}:
		return cloneValue(t).([]interface{}), true
	case []int:
		out := make([]interface{}, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareValues orders two scalars of the same family. ok is false when the
// values cannot be ordered against each other.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case x.Before(y):
			return -1, true
		case x.After(y):
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// sortDocuments orders docs in place. Missing fields sort first, as in MongoDB.
func sortDocuments(docs []map[string]interface{}, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, aok := lookupPath(docs[i], f.Field)
			b, bok := lookupPath(docs[j], f.Field)
			var c int
			switch {
			case !aok && !bok:
				c = 0
			case !aok:
				c = -1
			case !bok:
				c = 1
			default:
				c, _ = compareValues(a, b)
			}
			if c == 0 {
				continue
			}
			if f.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
