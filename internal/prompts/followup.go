package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nugget/parley/internal/tools"
)

// maxResultChars bounds the serialized data of a single tool result in
// the follow-up prompt.
const maxResultChars = 8000

// ToolResults renders the follow-up user turn that reports tool results
// back to the model. Results are numbered in call order and labelled by
// call id so the model can match each one to its request.
func ToolResults(calls []tools.ToolCall, results []tools.ToolResult) string {
	names := make(map[string]string, len(calls))
	for _, c := range calls {
		names[c.ID] = c.Name
	}

	var sb strings.Builder
	sb.WriteString("Results of the tool calls you requested:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] call_id=%s tool=%s\n", i+1, r.ToolCallID, names[r.ToolCallID])
		if !r.Success {
			fmt.Fprintf(&sb, "status: error\nerror: %s\n", r.Error)
			continue
		}
		sb.WriteString("status: ok\n")
		sb.WriteString(renderData(r.Data))
		sb.WriteString("\n")
	}
	sb.WriteString("\nUsing these results, answer my previous message. Do not request any more tools.")
	return sb.String()
}

func renderData(v any) string {
	var s string
	switch d := v.(type) {
	case nil:
		return "(no data)"
	case string:
		s = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			s = fmt.Sprintf("%v", d)
		} else {
			s = string(b)
		}
	}
	if len(s) > maxResultChars {
		s = truncateUTF8(s, maxResultChars) + "\n[truncated]"
	}
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
