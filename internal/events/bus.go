// Package events is an in-process broadcast bus for turn lifecycle
// events. The turn controller and the tool coordinator publish; the
// websocket endpoint, the MQTT bridge and tests subscribe. A nil *Bus
// accepts every call and does nothing, so publishers never need to
// guard.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceTurn  = "turn"
	SourceTools = "tools"
	SourceAPI   = "api"
	SourceDeps  = "deps"
)

// Kinds published by the turn controller and the tool coordinator.
const (
	// KindTurnStart: turn_id, session, text_len.
	KindTurnStart = "turn.start"
	// KindTurnState: turn_id, state.
	KindTurnState = "turn.state"
	// KindWorkflow: turn_id, category, action, confidence, outcome.
	KindWorkflow = "turn.workflow"
	// KindToolCall: turn_id, call_id, tool.
	KindToolCall = "tool.call"
	// KindToolResult: turn_id, call_id, tool, ok, duration_ms.
	KindToolResult = "tool.result"
	// KindTurnComplete: turn_id, session, path, tool_calls, elapsed_ms, content.
	KindTurnComplete = "turn.complete"
	// KindTurnError: turn_id, error.
	KindTurnError = "turn.error"
	// KindDependency: name, ready, error. Published when an external
	// dependency goes up or down.
	KindDependency = "dependency.state"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A subscriber
// whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current
// time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if bufSize < 0 {
		bufSize = 0
	}
	ch := make(chan Event, bufSize)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
