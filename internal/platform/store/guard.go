package store

import (
	"strings"

	"github.com/ehr/bridge/internal/platform/apperr"
)

// Operators a filter may use inside a field condition.
var filterOperators = map[string]bool{
	"$eq": true, "$ne": true, "$exists": true, "$in": true,
	"$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

// Stages a caller-supplied pipeline may contain. Writing stages ($out,
// $merge) and code evaluation are not in the set.
var pipelineStages = map[string]bool{
	"$match": true, "$group": true, "$sort": true, "$skip": true,
	"$limit": true, "$count": true, "$project": true, "$unwind": true,
}

var groupAccumulators = map[string]bool{
	"$sum": true, "$avg": true, "$min": true, "$max": true, "$first": true,
}

// ValidateFilter rejects filters outside the generic surface: top-level
// operators such as $where or $expr, unknown field operators, and literals
// that smuggle operator keys.
func ValidateFilter(f Filter) error {
	for path, want := range f {
		if strings.HasPrefix(path, "$") {
			return guardErr("filter operator %s is not allowed", path)
		}
		ops, ok := isOperatorDoc(want)
		if !ok {
			if err := checkLiteral(want); err != nil {
				return err
			}
			continue
		}
		for op, arg := range ops {
			if !filterOperators[op] {
				return guardErr("filter operator %s is not allowed", op)
			}
			if err := checkLiteral(arg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidatePipeline checks every stage against the read-only stage set and
// the expression forms the bridge supports. It does not execute anything.
func ValidatePipeline(pipeline []Document) error {
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return guardErr("pipeline stage %d must have exactly one operator", i)
		}
		for op, arg := range stage {
			if !pipelineStages[op] {
				return guardErr("pipeline stage %s is not allowed", op)
			}
			if err := validateStage(op, arg); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStage(op string, arg interface{}) error {
	switch op {
	case "$match":
		f, ok := asMap(arg)
		if !ok {
			return guardErr("$match requires a document")
		}
		return ValidateFilter(Filter(f))
	case "$group":
		spec, ok := asMap(arg)
		if !ok {
			return guardErr("$group requires a document")
		}
		for field, expr := range spec {
			if field == IDField {
				if err := checkLiteral(expr); err != nil {
					return err
				}
				continue
			}
			if strings.HasPrefix(field, "$") {
				return guardErr("$group output field %s is not allowed", field)
			}
			acc, ok := asMap(expr)
			if !ok || len(acc) != 1 {
				return guardErr("$group field %s needs a single accumulator", field)
			}
			for accOp, operand := range acc {
				if !groupAccumulators[accOp] {
					return guardErr("accumulator %s is not allowed", accOp)
				}
				if _, isMap := asMap(operand); isMap {
					return guardErr("accumulator %s takes a field path or a constant", accOp)
				}
				if err := checkLiteral(operand); err != nil {
					return err
				}
			}
		}
	case "$sort":
		spec, ok := asMap(arg)
		if !ok {
			return guardErr("$sort requires a document")
		}
		for field, dir := range spec {
			if _, ok := toFloat(dir); !ok || strings.HasPrefix(field, "$") {
				return guardErr("$sort takes field names mapped to 1 or -1")
			}
		}
	case "$skip", "$limit":
		if _, ok := toFloat(arg); !ok {
			return guardErr("%s requires a number", op)
		}
	case "$count":
		name, ok := arg.(string)
		if !ok || name == "" || strings.HasPrefix(name, "$") {
			return guardErr("$count requires a field name")
		}
	case "$project":
		spec, ok := asMap(arg)
		if !ok {
			return guardErr("$project requires a document")
		}
		for field, v := range spec {
			if strings.HasPrefix(field, "$") {
				return guardErr("$project field %s is not allowed", field)
			}
			switch v.(type) {
			case bool:
			default:
				if _, ok := toFloat(v); !ok {
					return guardErr("$project supports inclusion flags only (field %s)", field)
				}
			}
		}
	case "$unwind":
		ref, ok := arg.(string)
		if !ok || len(ref) < 2 || !strings.HasPrefix(ref, "$") {
			return guardErr("$unwind requires a field path")
		}
	}
	return nil
}

// checkLiteral walks v and rejects any document key that names an operator.
func checkLiteral(v interface{}) error {
	if m, ok := asMap(v); ok {
		for k, vv := range m {
			if strings.HasPrefix(k, "$") {
				return guardErr("operator %s is not allowed here", k)
			}
			if err := checkLiteral(vv); err != nil {
				return err
			}
		}
		return nil
	}
	if items, ok := toSlice(v); ok {
		for _, item := range items {
			if err := checkLiteral(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func guardErr(format string, args ...interface{}) error {
	return apperr.Validation("store.guard", format, args...)
}
