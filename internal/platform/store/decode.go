package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Decode maps a document onto a struct using `mapstructure` tags. Timestamps
// stored as RFC 3339 strings are parsed into time.Time.
func Decode(doc interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			documentHook,
		),
	})
	if err != nil {
		return fmt.Errorf("store: build decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("store: decode document: %w", err)
	}
	return nil
}

// documentHook lets Document values decode like plain maps.
func documentHook(from reflect.Type, _ reflect.Type, data interface{}) (interface{}, error) {
	if from == reflect.TypeOf(Document{}) {
		return map[string]interface{}(data.(Document)), nil
	}
	return data, nil
}
