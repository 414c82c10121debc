package prompts

import "strings"

// DefaultSystemPrompt is used when the configuration supplies none.
const DefaultSystemPrompt = `You are Parley, a conversational assistant.

Answer directly and concisely. When a question depends on live
information (the current time, a web page, recent events), call one of
the available tools instead of guessing. Call each tool at most once per
request and prefer answering from the conversation when you can.`

// SystemPrompt assembles the system preamble from the configured base
// prompt and the current-conditions section. Empty parts are skipped.
func SystemPrompt(base, conditions string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))
	if c := strings.TrimSpace(conditions); c != "" {
		sb.WriteString("\n\n")
		sb.WriteString(c)
	}
	return sb.String()
}

// ErrorMessage is the user-visible content of a turn that failed.
func ErrorMessage(err error) string {
	return "I encountered an error: " + err.Error()
}

// EmptyResponseFallback is returned when the model produces no content
// at all for a turn.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
