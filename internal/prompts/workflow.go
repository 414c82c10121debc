package prompts

import "strings"

// WorkflowSummary renders a completed workflow as assistant content.
// Empty sections are omitted.
func WorkflowSummary(summary string, actions, recommendations, nextSteps []string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(summary))
	section(&sb, "Actions Completed", actions)
	section(&sb, "Recommendations", recommendations)
	section(&sb, "Next Steps", nextSteps)
	return strings.TrimSpace(sb.String())
}

func section(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("\n\n## ")
	sb.WriteString(title)
	for _, it := range items {
		sb.WriteString("\n- ")
		sb.WriteString(it)
	}
}
