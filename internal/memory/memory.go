// Package memory holds a session's conversation history: an ordered,
// size-bounded log of messages that is loaded at session start and
// flushed to a Backend after every turn.
package memory

import (
	"context"
	"time"

	"github.com/nugget/parley/internal/tools"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one entry in the conversation log.
type Message struct {
	ID          string             `json:"id"`
	Role        Role               `json:"role"`
	Content     string             `json:"content"`
	Timestamp   time.Time          `json:"timestamp"`
	ToolCalls   []tools.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []tools.ToolResult `json:"tool_results,omitempty"`
}

// AgentMemory is the persisted state of one session.
type AgentMemory struct {
	Messages    []Message `json:"messages"`
	LastUpdated time.Time `json:"last_updated"`
}

// Backend stores a session's AgentMemory. Save replaces the stored
// state atomically; a reader never observes a partial write.
type Backend interface {
	Load(ctx context.Context, session string) (AgentMemory, error)
	Save(ctx context.Context, session string, mem AgentMemory) error
}
