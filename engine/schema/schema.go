package schema

import (
	"context"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
)

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

// Schema is a JSON schema document. It is the contract the engine hands to
// the language model and validates responses against before trusting them.
type Schema map[string]any

type Result = jsonschema.EvaluationResult

func (s *Schema) String() string {
	bytes, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(bytes)
}

func (s *Schema) Compile() (*jsonschema.Schema, error) {
	if s == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks value against the schema; a nil schema accepts anything.
func (s *Schema) Validate(_ context.Context, value any) (*Result, error) {
	compiled, err := s.Compile()
	if err != nil {
		return nil, err
	}
	if compiled == nil {
		return nil, nil
	}
	result := compiled.Validate(value)
	if result.IsValid() {
		return result, nil
	}
	return nil, fmt.Errorf("schema validation failed: %v", result.Errors)
}

// -----------------------------------------------------------------------------
// Derivation
// -----------------------------------------------------------------------------

// FromStruct derives a Schema from a Go struct type. Additional properties
// are rejected so unexpected model output fails validation instead of
// slipping through.
func FromStruct[T any]() (*Schema, error) {
	reflector := &invopop.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	var v T
	generated := reflector.Reflect(&v)
	bytes, err := json.Marshal(generated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated schema: %w", err)
	}
	var result Schema
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, fmt.Errorf("failed to build schema map: %w", err)
	}
	delete(result, "$schema")
	return &result, nil
}
