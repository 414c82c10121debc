// Package router classifies user utterances into intents and runs the
// scripted workflows bound to them.
package router

import (
	"context"
	"errors"

	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/tools"
)

const (
	// WorkflowConfidenceThreshold is the minimum classification
	// confidence at which a workflow is attempted.
	WorkflowConfidenceThreshold = 0.8

	// ActionGenericAssistance marks an utterance with no specific
	// handler. It never triggers a workflow.
	ActionGenericAssistance = "generic_assistance"
)

// Intent is a classification result.
type Intent struct {
	Category   string  `json:"category"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// ShouldRunWorkflow reports whether intent passes the workflow gate.
func ShouldRunWorkflow(in Intent) bool {
	return in.Confidence >= WorkflowConfidenceThreshold && in.Action != ActionGenericAssistance
}

// ToolInvoker runs one tool call on behalf of a workflow.
type ToolInvoker func(ctx context.Context, call tools.ToolCall) tools.ToolResult

// IntentRouter classifies utterances and executes workflows.
type IntentRouter interface {
	Classify(ctx context.Context, text string, history []memory.Message) (Intent, error)
	RunWorkflow(ctx context.Context, intent Intent, text string, invoke ToolInvoker) (Outcome, error)
}

// Outcome is the result of a workflow attempt: one of Completed,
// Deferred or Failed.
type Outcome interface {
	outcome() string
}

// Completed means the workflow handled the utterance.
type Completed struct {
	Summary         string
	Actions         []string
	Recommendations []string
	NextSteps       []string
}

// Deferred means the workflow declined and the default flow should run.
type Deferred struct {
	Reason string
}

// Failed means the workflow ran and failed.
type Failed struct {
	Err error
}

func (Completed) outcome() string { return "completed" }
func (Deferred) outcome() string  { return "deferred" }
func (Failed) outcome() string    { return "failed" }

// OutcomeName returns a short label for o, suitable for metrics.
func OutcomeName(o Outcome) string {
	if o == nil {
		return "none"
	}
	return o.outcome()
}

// WorkflowResult is the wire form of an Outcome.
type WorkflowResult struct {
	Success         bool     `json:"success"`
	Summary         string   `json:"summary,omitempty"`
	Actions         []string `json:"actions,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	NextSteps       []string `json:"next_steps,omitempty"`
	UseDefaultFlow  bool     `json:"use_default_flow,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// FromResult converts the wire form into an Outcome. A request to use
// the default flow wins over the success flag.
func FromResult(r WorkflowResult) Outcome {
	switch {
	case r.UseDefaultFlow:
		return Deferred{Reason: r.Error}
	case !r.Success:
		msg := r.Error
		if msg == "" {
			msg = "workflow reported failure"
		}
		return Failed{Err: errors.New(msg)}
	}
	return Completed{
		Summary:         r.Summary,
		Actions:         r.Actions,
		Recommendations: r.Recommendations,
		NextSteps:       r.NextSteps,
	}
}
