package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is the error text reported for a call whose name is
// not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolUnavailable identifies the tool that could not be found. It
// unwraps to ErrUnknownTool.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this session", e.ToolName)
}

func (e *ErrToolUnavailable) Unwrap() error { return ErrUnknownTool }

// InvalidArgsError reports arguments rejected by schema validation.
type InvalidArgsError struct {
	ToolName string
	Err      error
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

func (e *InvalidArgsError) Unwrap() error { return e.Err }
