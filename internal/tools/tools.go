// Package tools defines the capability contract, the per-session
// capability registry, and the coordinator that executes reconstructed
// tool calls against it.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Schema describes a capability to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Result is what a capability reports back from an invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail builds a failed Result from an error.
func Fail(err error) Result { return Result{Error: err.Error()} }

// Capability is a single callable tool.
type Capability interface {
	Describe() Schema
	Invoke(ctx context.Context, args map[string]any) Result
}

// Tool adapts a plain handler function to Capability. Handler errors
// become failed Results.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// Describe implements Capability.
func (t *Tool) Describe() Schema {
	return Schema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Invoke implements Capability.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) Result {
	if t.Handler == nil {
		return Result{Error: fmt.Sprintf("tool %s has no handler", t.Name)}
	}
	data, err := t.Handler(ctx, args)
	if err != nil {
		return Fail(err)
	}
	return OK(data)
}

// ToolCall is a model-requested invocation reconstructed from the
// stream. Args is nil when the model never supplied arguments.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the coordinator's normalized outcome for one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Registry maps tool names to capabilities. It is built once with
// NewRegistry and never modified, so concurrent lookups are safe.
type Registry struct {
	caps  map[string]Capability
	names []string
}

// NewRegistry indexes caps by their described name. Nil entries are
// skipped. A duplicate name is an error.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c == nil {
			continue
		}
		name := c.Describe().Name
		if name == "" {
			return nil, fmt.Errorf("capability %T has an empty name", c)
		}
		if _, dup := r.caps[name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		r.caps[name] = c
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get looks up a capability by name. A nil registry holds nothing.
func (r *Registry) Get(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.caps[name]
	return c, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Schemas returns every capability's schema, ordered by name.
func (r *Registry) Schemas() []Schema {
	if r == nil {
		return nil
	}
	out := make([]Schema, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.caps[n].Describe())
	}
	return out
}

// Len reports the number of registered capabilities.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.caps)
}
