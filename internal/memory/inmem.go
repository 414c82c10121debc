package memory

import (
	"context"
	"slices"
	"sync"
)

// InMemoryBackend keeps sessions in process memory. It is used when no
// durable store is configured and in tests.
type InMemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]AgentMemory
}

// NewInMemoryBackend returns an empty backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{sessions: make(map[string]AgentMemory)}
}

// Load returns a copy of the stored memory, or an empty one.
func (b *InMemoryBackend) Load(_ context.Context, session string) (AgentMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mem := b.sessions[session]
	return AgentMemory{Messages: slices.Clone(mem.Messages), LastUpdated: mem.LastUpdated}, nil
}

// Save stores a copy of mem.
func (b *InMemoryBackend) Save(_ context.Context, session string, mem AgentMemory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[session] = AgentMemory{Messages: slices.Clone(mem.Messages), LastUpdated: mem.LastUpdated}
	return nil
}
