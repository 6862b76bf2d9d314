package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FragmentsSchema requires raw_text_fragments to be an array of strings. It is
// what the local stages need from a structured-analysis record.
func FragmentsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{fragmentsField},
		"properties": map[string]any{
			fragmentsField: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"norm_references": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
}

// Schema is a compiled JSON schema.
type Schema struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles schemaMap once for repeated validation.
func CompileSchema(schemaMap map[string]any) (*Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks data against the schema. data is round-tripped through JSON
// so Go slices and ints validate like decoded values.
func (s *Schema) Validate(data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

var (
	fragmentsOnce   sync.Once
	fragmentsSchema *Schema
	fragmentsErr    error
)

// ValidateFragments checks a structured-analysis record against FragmentsSchema.
func ValidateFragments(data map[string]any) error {
	fragmentsOnce.Do(func() {
		fragmentsSchema, fragmentsErr = CompileSchema(FragmentsSchema())
	})
	if fragmentsErr != nil {
		return fragmentsErr
	}
	return fragmentsSchema.Validate(data)
}

// Fragments returns raw_text_fragments as strings. ok is false when the field is
// absent or not a list of strings.
func Fragments(data map[string]any) ([]string, bool) {
	switch v := data[fragmentsField].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
