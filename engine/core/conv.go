package core

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// AsMapDefault converts a struct to a map through its JSON representation.
func AsMapDefault(v any) (map[string]any, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(bytes, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value to map: %w", err)
	}
	return m, nil
}

// FromMapDefault decodes a map into T with weakly-typed conversion. Used for
// LLM JSON payloads where numbers arrive as float64 and the like.
func FromMapDefault[T any](data any) (T, error) {
	var result T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           &result,
	})
	if err != nil {
		return result, err
	}
	return result, decoder.Decode(data)
}
