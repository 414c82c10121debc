// Package llm defines the model streaming contract, the provider
// streamers that satisfy it, and the aggregator that turns one event
// stream into narrative text, reasoning text and tool calls.
package llm

import (
	"context"
	"iter"
	"log/slog"

	"github.com/nugget/parley/internal/tools"
)

// LevelTrace is used for per-event and raw payload logging.
const LevelTrace = slog.Level(-8)

// Role is the model-facing speaker of a transcript turn. Providers map
// it onto their own vocabulary.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one transcript entry.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is a single generation request.
type Request struct {
	Model      string
	System     string
	Transcript []Turn
	// Tools offered to the model. Nil means the model may not call tools.
	Tools           []tools.Schema
	MaxOutputTokens int
}

// PartKind classifies one content part of a stream event.
type PartKind int

const (
	PartText PartKind = iota
	PartThought
	PartToolCall
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartThought:
		return "thought"
	case PartToolCall:
		return "tool_call"
	}
	return "unknown"
}

// CallFragment is a piece of a tool call request. Any field may be
// empty: a fragment may carry only a name, only arguments, or both.
type CallFragment struct {
	// ID is a transport-supplied continuation marker that ties
	// fragments of the same call together. Empty when the transport
	// has none.
	ID   string
	Name string
	// Args are structured arguments, merged key-wise into the call.
	Args map[string]any
	// ArgsDelta is a chunk of the arguments' JSON text, concatenated
	// per call and decoded when the stream ends.
	ArgsDelta string
}

// Part is one content fragment.
type Part struct {
	Kind PartKind
	Text string
	Call *CallFragment
}

// Event is one unit of streamed model output.
type Event struct {
	Parts []Part
}

// TextEvent builds an event carrying one narrative fragment.
func TextEvent(s string) Event { return Event{Parts: []Part{{Kind: PartText, Text: s}}} }

// ThoughtEvent builds an event carrying one reasoning fragment.
func ThoughtEvent(s string) Event { return Event{Parts: []Part{{Kind: PartThought, Text: s}}} }

// CallEvent builds an event carrying one tool call fragment.
func CallEvent(f CallFragment) Event { return Event{Parts: []Part{{Kind: PartToolCall, Call: &f}}} }

// Streamer is a generative model that streams its output. The returned
// sequence yields events in arrival order; a non-nil error ends it.
type Streamer interface {
	Stream(ctx context.Context, req Request) iter.Seq2[Event, error]
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, req Request) iter.Seq2[Event, error]

// Stream implements Streamer.
func (f StreamerFunc) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return f(ctx, req)
}

// fail returns a sequence that yields err once.
func fail(err error) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		yield(Event{}, err)
	}
}
