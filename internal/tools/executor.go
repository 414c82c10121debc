package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/metrics"
)

// Executor runs tool calls against a Registry. Every call yields exactly
// one ToolResult; no failure mode of a capability escapes as an error or
// a panic.
type Executor struct {
	registry  *Registry
	validator *Validator
	logger    *slog.Logger
	bus       *events.Bus
	metrics   *metrics.Collector
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithValidator enables argument validation before invocation.
func WithValidator(v *Validator) ExecutorOption {
	return func(e *Executor) { e.validator = v }
}

// WithEvents publishes tool.call and tool.result events to bus.
func WithEvents(bus *events.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithMetrics records per-tool counters and latencies.
func WithMetrics(m *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor returns an Executor over reg.
func NewExecutor(reg *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{registry: reg, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs calls sequentially in order and returns one result per
// call, in the same order. A failing call does not stop later calls.
// Once ctx is done, the remaining calls are reported as failed without
// being invoked.
func (e *Executor) Execute(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			results[i] = ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("not executed: %v", err)}
			continue
		}
		results[i] = e.Invoke(ctx, call)
	}
	return results
}

// Invoke runs a single call. It is also handed to workflows as their
// tool invoker so scripted steps take the same path as model calls.
func (e *Executor) Invoke(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	turnID := TurnIDFromContext(ctx)
	log := e.logger.With("turn_id", turnID, "tool", call.Name, "call_id", call.ID)

	e.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
		"turn_id": turnID,
		"call_id": call.ID,
		"tool":    call.Name,
	})

	res := e.invoke(WithToolCallID(ctx, call.ID), call, log)
	res.ToolCallID = call.ID
	elapsed := time.Since(start)

	if res.Success {
		log.Debug("tool call succeeded", "elapsed", elapsed)
	} else {
		log.Warn("tool call failed", "error", res.Error, "elapsed", elapsed)
	}
	e.metrics.ObserveTool(call.Name, res.Success, elapsed)
	e.bus.Emit(events.SourceTools, events.KindToolResult, map[string]any{
		"turn_id":     turnID,
		"call_id":     call.ID,
		"tool":        call.Name,
		"ok":          res.Success,
		"duration_ms": elapsed.Milliseconds(),
	})
	return res
}

func (e *Executor) invoke(ctx context.Context, call ToolCall, log *slog.Logger) (res ToolResult) {
	capability, ok := e.registry.Get(call.Name)
	if !ok {
		return ToolResult{Error: ErrUnknownTool.Error()}
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := e.validator.Validate(call.Name, args); err != nil {
		return ToolResult{Error: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			res = ToolResult{Error: fmt.Sprintf("tool panicked: %v", r)}
		}
	}()

	out := capability.Invoke(ctx, args)
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return ToolResult{Data: out.Data, Error: msg}
	}
	return ToolResult{Success: true, Data: out.Data}
}
