package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks call arguments against each capability's declared
// parameter schema. Schemas are compiled once when the validator is
// built.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the parameter schema of every capability in reg.
// Capabilities without parameters accept any arguments.
func NewValidator(reg *Registry) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, s := range reg.Schemas() {
		if len(s.Parameters) == 0 {
			continue
		}
		raw, err := json.Marshal(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode schema for %s: %w", s.Name, err)
		}
		compiled, err := jsonschema.CompileString(s.Name+".schema.json", string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", s.Name, err)
		}
		v.schemas[s.Name] = compiled
	}
	return v, nil
}

// Validate returns an *InvalidArgsError when args do not satisfy the
// named tool's schema. A nil validator accepts everything.
func (v *Validator) Validate(name string, args map[string]any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[name]
	if !ok {
		return nil
	}

	// Normalize numeric types through a JSON round trip; workflow args
	// decoded from YAML carry ints.
	payload, err := json.Marshal(args)
	if err != nil {
		return &InvalidArgsError{ToolName: name, Err: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &InvalidArgsError{ToolName: name, Err: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return &InvalidArgsError{ToolName: name, Err: err}
	}
	return nil
}
