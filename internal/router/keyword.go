package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/tools"
)

// DefaultMaxAuditLog bounds the decision log when no limit is set.
const DefaultMaxAuditLog = 1000

// UtterancePlaceholder in a workflow step's string argument is replaced
// with the user's utterance.
const UtterancePlaceholder = "{{utterance}}"

var fallbackIntent = Intent{Category: "general", Action: ActionGenericAssistance, Confidence: 0.1}

// Rule maps keywords to an intent.
type Rule struct {
	Category   string
	Action     string
	Keywords   []string
	Confidence float64
}

// Step is one tool call in a workflow.
type Step struct {
	Tool        string
	Description string
	Args        map[string]any
}

// Workflow is a scripted sequence of tool calls bound to an action.
type Workflow struct {
	Action          string
	Summary         string
	Defer           bool
	Steps           []Step
	Recommendations []string
	NextSteps       []string
}

// KeywordConfig holds keyword router configuration.
type KeywordConfig struct {
	Rules       []Rule
	Workflows   []Workflow
	MaxAuditLog int // how many decisions to keep in memory
}

// KeywordConfigFrom converts the file configuration.
func KeywordConfigFrom(rc config.RouterConfig) KeywordConfig {
	var kc KeywordConfig
	for _, r := range rc.Rules {
		kc.Rules = append(kc.Rules, Rule(r))
	}
	for _, w := range rc.Workflows {
		wf := Workflow{
			Action:          w.Action,
			Summary:         w.Summary,
			Defer:           w.Defer,
			Recommendations: w.Recommendations,
			NextSteps:       w.NextSteps,
		}
		for _, s := range w.Steps {
			wf.Steps = append(wf.Steps, Step(s))
		}
		kc.Workflows = append(kc.Workflows, wf)
	}
	return kc
}

// Decision records why an utterance was classified the way it was.
type Decision struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	QueryLength int       `json:"query_length"`

	RulesEvaluated int      `json:"rules_evaluated"`
	RulesMatched   []string `json:"rules_matched"`

	Intent Intent `json:"intent"`

	// Filled in when a workflow runs for this decision.
	Workflow string `json:"workflow,omitempty"`
}

// Stats tracks classification and workflow statistics.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	ActionCounts     map[string]int64 `json:"action_counts"`
	CategoryCounts   map[string]int64 `json:"category_counts"`
	WorkflowOutcomes map[string]int64 `json:"workflow_outcomes"`
}

// KeywordRouter classifies by keyword rules and runs configured
// workflows through the supplied invoker.
type KeywordRouter struct {
	logger    *slog.Logger
	config    KeywordConfig
	workflows map[string]Workflow

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewKeywordRouter creates a keyword router.
func NewKeywordRouter(logger *slog.Logger, cfg KeywordConfig) *KeywordRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = DefaultMaxAuditLog
	}
	r := &KeywordRouter{
		logger:    logger,
		config:    cfg,
		workflows: make(map[string]Workflow, len(cfg.Workflows)),
		auditLog:  make([]Decision, 0, min(cfg.MaxAuditLog, 64)),
		stats: Stats{
			ActionCounts:     make(map[string]int64),
			CategoryCounts:   make(map[string]int64),
			WorkflowOutcomes: make(map[string]int64),
		},
	}
	for _, w := range cfg.Workflows {
		r.workflows[w.Action] = w
	}
	return r
}

// Classify implements IntentRouter. The matching rule with the highest
// confidence wins; ties go to the rule with more keyword hits, then to
// the earlier rule. Without a match the generic intent is returned.
func (r *KeywordRouter) Classify(ctx context.Context, text string, history []memory.Message) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	q := strings.ToLower(text)

	d := Decision{
		RequestID:      newRequestID(),
		Timestamp:      time.Now(),
		QueryLength:    len(text),
		RulesEvaluated: len(r.config.Rules),
		Intent:         fallbackIntent,
	}

	bestHits := 0
	matched := false
	for _, rule := range r.config.Rules {
		hits := 0
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		d.RulesMatched = append(d.RulesMatched, rule.Action)
		if !matched || rule.Confidence > d.Intent.Confidence ||
			(rule.Confidence == d.Intent.Confidence && hits > bestHits) {
			d.Intent = Intent{Category: rule.Category, Action: rule.Action, Confidence: rule.Confidence}
			bestHits = hits
			matched = true
		}
	}

	r.recordDecision(d)

	r.logger.Debug("utterance classified",
		"request_id", d.RequestID,
		"category", d.Intent.Category,
		"action", d.Intent.Action,
		"confidence", d.Intent.Confidence,
		"rules_matched", len(d.RulesMatched),
		"history", len(history),
	)
	return d.Intent, nil
}

// RunWorkflow implements IntentRouter. Steps run in order; the first
// failing step ends the workflow with Failed.
func (r *KeywordRouter) RunWorkflow(ctx context.Context, intent Intent, text string, invoke ToolInvoker) (Outcome, error) {
	wf, ok := r.workflows[intent.Action]
	if !ok {
		return r.finish(intent, Deferred{Reason: fmt.Sprintf("no workflow for action %q", intent.Action)}), nil
	}
	if wf.Defer {
		return r.finish(intent, Deferred{Reason: "workflow defers to the assistant"}), nil
	}

	var actions []string
	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		call := tools.ToolCall{
			ID:   fmt.Sprintf("wf_%s_%d", wf.Action, i+1),
			Name: step.Tool,
			Args: expandArgs(step.Args, text),
		}
		res := invoke(ctx, call)
		if !res.Success {
			r.logger.Warn("workflow step failed",
				"action", wf.Action,
				"step", i+1,
				"tool", step.Tool,
				"error", res.Error,
			)
			return r.finish(intent, Failed{Err: fmt.Errorf("step %d (%s): %s", i+1, step.Tool, res.Error)}), nil
		}
		desc := step.Description
		if desc == "" {
			desc = "Ran " + step.Tool
		}
		actions = append(actions, desc)
	}

	summary := wf.Summary
	if summary == "" {
		summary = fmt.Sprintf("Completed %s.", strings.ReplaceAll(wf.Action, "_", " "))
	}
	return r.finish(intent, Completed{
		Summary:         summary,
		Actions:         actions,
		Recommendations: wf.Recommendations,
		NextSteps:       wf.NextSteps,
	}), nil
}

func (r *KeywordRouter) finish(intent Intent, o Outcome) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.WorkflowOutcomes[OutcomeName(o)]++
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].Intent == intent {
			r.auditLog[i].Workflow = OutcomeName(o)
			break
		}
	}
	return o
}

// expandArgs copies args, substituting the utterance placeholder in
// string values.
func expandArgs(args map[string]any, text string) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			v = strings.ReplaceAll(s, UtterancePlaceholder, text)
		}
		out[k] = v
	}
	return out
}

// recordDecision adds a decision to the audit log.
func (r *KeywordRouter) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.ActionCounts[d.Intent.Action]++
	r.stats.CategoryCounts[d.Intent.Category]++
}

// AuditLog returns up to limit of the most recent decisions, oldest
// first. A non-positive limit returns all of them.
func (r *KeywordRouter) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	result := make([]Decision, limit)
	copy(result, r.auditLog[len(r.auditLog)-limit:])
	return result
}

// Stats returns a copy of the routing statistics.
func (r *KeywordRouter) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		TotalRequests:    r.stats.TotalRequests,
		ActionCounts:     maps.Clone(r.stats.ActionCounts),
		CategoryCounts:   maps.Clone(r.stats.CategoryCounts),
		WorkflowOutcomes: maps.Clone(r.stats.WorkflowOutcomes),
	}
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return time.Now().Format("20060102-150405.000")
}
