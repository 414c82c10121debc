package agent

import (
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
)

// Transcript projects conversation history onto model roles. Tool
// messages are presented as user turns and assistant messages as model
// turns; the stored history is not modified.
func Transcript(history []memory.Message) []llm.Turn {
	out := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == memory.RoleAssistant {
			role = llm.RoleModel
		}
		out = append(out, llm.Turn{Role: role, Text: m.Content})
	}
	return out
}
