package llm

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/tools"
)

// Response is the aggregated result of one generation pass.
type Response struct {
	Narrative string
	// Reasoning is kept for logging only. It is never shown to the
	// user or persisted.
	Reasoning string
	ToolCalls []tools.ToolCall
	// Events counts the events that carried at least one part.
	Events int
}

// AggregateOption configures Aggregate.
type AggregateOption func(*aggregator)

// OnFirstChunk registers fn to run once, when the first event with
// content arrives. Events with no parts do not count.
func OnFirstChunk(fn func()) AggregateOption {
	return func(a *aggregator) { a.onFirst = fn }
}

// OnText registers fn to receive each narrative fragment as it arrives.
func OnText(fn func(string)) AggregateOption {
	return func(a *aggregator) { a.onText = fn }
}

// WithAggregateLogger sets the logger for stream diagnostics.
func WithAggregateLogger(l *slog.Logger) AggregateOption {
	return func(a *aggregator) { a.logger = l }
}

// WithAggregateMetrics counts consumed parts by kind.
func WithAggregateMetrics(m *metrics.Collector) AggregateOption {
	return func(a *aggregator) { a.metrics = m }
}

// WithIDFunc overrides how tool call IDs are generated.
func WithIDFunc(fn func() string) AggregateOption {
	return func(a *aggregator) { a.newID = fn }
}

// pendingCall is a tool call still being assembled.
type pendingCall struct {
	key     string // transport continuation id, "" when correlated by name
	name    string
	args    map[string]any
	argsSet bool
	raw     strings.Builder
}

type aggregator struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	onFirst func()
	onText  func(string)
	newID   func() string

	narrative strings.Builder
	reasoning strings.Builder
	calls     []*pendingCall
	byKey     map[string]*pendingCall
}

// Aggregate consumes stream to exhaustion and assembles its content.
//
// Tool call fragments carrying a continuation ID are correlated by that
// ID. Fragments without one follow the positional rule: a fragment
// extends the most recently opened call when that call has the same
// name (or the fragment has no name) and has not yet received
// arguments; otherwise it opens a new call. Calls that never receive
// arguments are still returned, with nil Args.
//
// If the stream fails or ctx ends, the content gathered so far is
// returned together with the error.
func Aggregate(ctx context.Context, stream iter.Seq2[Event, error], opts ...AggregateOption) (Response, error) {
	a := &aggregator{
		logger: slog.Default(),
		newID:  newCallID,
		byKey:  make(map[string]*pendingCall),
	}
	for _, o := range opts {
		o(a)
	}

	var (
		events int
		err    error
	)
	for ev, serr := range stream {
		if serr != nil {
			err = serr
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}
		if len(ev.Parts) == 0 {
			continue
		}
		events++
		if events == 1 && a.onFirst != nil {
			a.onFirst()
		}
		for _, p := range ev.Parts {
			a.consume(ctx, p)
		}
	}
	if err == nil {
		err = ctx.Err()
	}

	resp := Response{
		Narrative: a.narrative.String(),
		Reasoning: a.reasoning.String(),
		ToolCalls: a.finish(),
		Events:    events,
	}
	a.logger.Debug("stream aggregated",
		"events", events,
		"narrative_len", len(resp.Narrative),
		"reasoning_len", len(resp.Reasoning),
		"tool_calls", len(resp.ToolCalls),
	)
	return resp, err
}

func (a *aggregator) consume(ctx context.Context, p Part) {
	a.metrics.StreamPart(p.Kind.String())
	switch p.Kind {
	case PartText:
		a.narrative.WriteString(p.Text)
		if a.onText != nil && p.Text != "" {
			a.onText(p.Text)
		}
	case PartThought:
		a.reasoning.WriteString(p.Text)
	case PartToolCall:
		if p.Call == nil {
			return
		}
		a.logger.Log(ctx, LevelTrace, "tool call fragment",
			"id", p.Call.ID,
			"name", p.Call.Name,
			"args", len(p.Call.Args),
			"delta_len", len(p.Call.ArgsDelta),
		)
		a.fragment(*p.Call)
	}
}

func (a *aggregator) fragment(f CallFragment) {
	var pc *pendingCall
	if f.ID != "" {
		pc = a.byKey[f.ID]
		if pc == nil {
			pc = a.open(f.ID, f.Name)
			a.byKey[f.ID] = pc
		}
	} else if last := a.last(); last != nil && last.key == "" && !last.argsSet && (f.Name == "" || f.Name == last.name) {
		pc = last
	} else {
		pc = a.open("", f.Name)
	}

	if pc.name == "" {
		pc.name = f.Name
	}
	if f.Args != nil {
		if pc.args == nil {
			pc.args = make(map[string]any, len(f.Args))
		}
		maps.Copy(pc.args, f.Args)
		pc.argsSet = true
	}
	if f.ArgsDelta != "" {
		pc.raw.WriteString(f.ArgsDelta)
		pc.argsSet = true
	}
}

func (a *aggregator) open(key, name string) *pendingCall {
	pc := &pendingCall{key: key, name: name}
	a.calls = append(a.calls, pc)
	return pc
}

func (a *aggregator) last() *pendingCall {
	if len(a.calls) == 0 {
		return nil
	}
	return a.calls[len(a.calls)-1]
}

func (a *aggregator) finish() []tools.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]tools.ToolCall, 0, len(a.calls))
	for _, pc := range a.calls {
		args := pc.args
		if raw := strings.TrimSpace(pc.raw.String()); raw != "" {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				a.logger.Warn("discarding undecodable tool arguments",
					"tool", pc.name, "error", err, "raw_len", len(raw))
			} else {
				if args == nil {
					args = make(map[string]any, len(decoded))
				}
				maps.Copy(args, decoded)
			}
		}
		out = append(out, tools.ToolCall{ID: a.newID(), Name: pc.name, Args: args})
	}
	return out
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "call_" + uuid.NewString()
	}
	return "call_" + id.String()
}
