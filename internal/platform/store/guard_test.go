package store

import (
	"testing"

	"github.com/ehr/bridge/internal/platform/apperr"
)

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		wantErr bool
	}{
		{"equality", Filter{"patient_id": "P001"}, false},
		{"nested path", Filter{"sync_metadata.original_tenant": "A"}, false},
		{"allowed operators", Filter{"age": map[string]interface{}{"$gte": 18, "$lt": 65}, "status": map[string]interface{}{"$in": []interface{}{"Active"}}}, false},
		{"nil", nil, false},
		{"where", Filter{"$where": "this.a == 1"}, true},
		{"expr", Filter{"$expr": map[string]interface{}{"$eq": []interface{}{"$a", "$b"}}}, true},
		{"or", Filter{"$or": []interface{}{map[string]interface{}{"a": 1}}}, true},
		{"regex", Filter{"name": map[string]interface{}{"$regex": "^A"}}, true},
		{"function inside in", Filter{"a": map[string]interface{}{"$in": []interface{}{map[string]interface{}{"$function": "x"}}}}, true},
		{"operator hidden in literal", Filter{"address": map[string]interface{}{"city": "X", "$where": "1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.wantErr {
				if apperr.KindOf(err) != apperr.KindValidation {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name     string
		pipeline []Document
		wantErr  bool
	}{
		{"read stages", []Document{
			{"$match": map[string]interface{}{"status": "Active"}},
			{"$unwind": "$tags"},
			{"$group": map[string]interface{}{"_id": "$tags", "n": map[string]interface{}{"$sum": 1}, "oldest": map[string]interface{}{"$max": "$age"}}},
			{"$sort": map[string]interface{}{"n": -1}},
			{"$skip": 0},
			{"$limit": 10},
			{"$project": map[string]interface{}{"n": 1, "_id": true}},
		}, false},
		{"count", []Document{{"$count": "total"}}, false},
		{"merge", []Document{{"$merge": map[string]interface{}{"into": "x"}}}, true},
		{"out", []Document{{"$out": "x"}}, true},
		{"lookup", []Document{{"$lookup": map[string]interface{}{"from": "doctors"}}}, true},
		{"unknown accumulator", []Document{{"$group": map[string]interface{}{"_id": nil, "x": map[string]interface{}{"$push": "$a"}}}}, true},
		{"function accumulator", []Document{{"$group": map[string]interface{}{"_id": nil, "x": map[string]interface{}{"$function": map[string]interface{}{}}}}}, true},
		{"expression operand", []Document{{"$group": map[string]interface{}{"_id": nil, "x": map[string]interface{}{"$sum": map[string]interface{}{"$function": "f"}}}}}, true},
		{"where in match", []Document{{"$match": map[string]interface{}{"$where": "1"}}}, true},
		{"computed projection", []Document{{"$project": map[string]interface{}{"x": map[string]interface{}{"$function": "f"}}}}, true},
		{"unwind without path", []Document{{"$unwind": "tags"}}, true},
		{"count with operator name", []Document{{"$count": "$x"}}, true},
		{"empty stage", []Document{{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipeline(tt.pipeline)
			if tt.wantErr {
				if apperr.KindOf(err) != apperr.KindValidation {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
