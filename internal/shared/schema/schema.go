// Package schema compiles embedded JSON schemas and validates documents against them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("schema validation failed")

// Validator validates JSON documents against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles a schema document.
func Compile(name string, data []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is Compile for embedded schemas known to be valid.
func MustCompile(name string, data []byte) *Validator {
	v, err := Compile(name, data)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a JSON document.
func (v *Validator) Validate(data []byte) error {
	result := validateJSON(v.schema, data)
	if result.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for path, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %v", path, e))
	}
	sort.Strings(msgs)
	return fmt.Errorf("%w: %s: %s", ErrInvalid, v.name, strings.Join(msgs, "; "))
}

func (v *Validator) Name() string {
	return v.name
}

// validateJSON mirrors Schema.ValidateJSON from newer jsonschema releases,
// which are unavailable on the pinned toolchain.
func validateJSON(s *jsonschema.Schema, data []byte) *jsonschema.EvaluationResult {
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		result := jsonschema.NewEvaluationResult(s)
		//nolint:errcheck
		result.AddError(jsonschema.NewEvaluationError("format", "invalid_json", "Invalid JSON format"))
		return result
	}
	return s.Validate(parsed)
}
