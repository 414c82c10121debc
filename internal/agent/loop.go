// Package agent implements the turn controller: the state machine that
// takes one user utterance through classification, an optional
// workflow, up to two generation passes with tool execution between
// them, and persistence.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/tools"
)

// MaxToolRounds is the number of tool execution rounds per turn. Tool
// calls requested by the pass after the last round are not executed.
const MaxToolRounds = 1

// Config holds the generation settings for a Loop.
type Config struct {
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
}

// Result describes a completed turn.
type Result struct {
	TurnID  string
	Path    Path
	Intent  router.Intent
	Reply   memory.Message
	Elapsed time.Duration
	// Err is the failure reported in Reply when Path is PathError.
	Err error
}

// Loop is the turn controller for one session. Turns are serialized:
// a turn holds the session lock from the moment its user message is
// appended until its reply is persisted.
type Loop struct {
	logger   *slog.Logger
	store    *memory.Store
	router   router.IntentRouter
	streamer llm.Streamer
	executor *tools.Executor
	config   Config

	conditions func() string
	bus        *events.Bus
	metrics    *metrics.Collector

	mu sync.Mutex
}

// Option configures a Loop.
type Option func(*Loop)

// WithConditions adds a dynamic section to every system prompt.
func WithConditions(fn func() string) Option {
	return func(l *Loop) { l.conditions = fn }
}

// WithEvents publishes turn lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithMetrics records turn and stream metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates a turn controller. The store should already be loaded.
func NewLoop(logger *slog.Logger, store *memory.Store, rtr router.IntentRouter, streamer llm.Streamer, exec *tools.Executor, cfg Config, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:   logger,
		store:    store,
		router:   rtr,
		streamer: streamer,
		executor: exec,
		config:   cfg,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Session returns the session this loop serves.
func (l *Loop) Session() string { return l.store.Session() }

// History returns a copy of the session history.
func (l *Loop) History() []memory.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.History()
}

// Ask runs a turn and returns the reply.
func (l *Loop) Ask(ctx context.Context, text string) memory.Message {
	return l.ProcessTurn(ctx, text, nil).Reply
}

type turn struct {
	id    string
	text  string
	log   *slog.Logger
	state State
}

// ProcessTurn handles one user utterance. It never panics and never
// returns an error: failures become the reply "I encountered an error:
// ...", which is persisted like any other. onFirstChunk, if set, runs
// once when the first stream event of the turn arrives.
func (l *Loop) ProcessTurn(ctx context.Context, text string, onFirstChunk func()) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	t := &turn{id: newTurnID(), text: text}
	t.log = l.logger.With("turn_id", t.id, "session", l.store.Session())
	ctx = tools.WithTurnID(tools.WithSession(ctx, l.store.Session()), t.id)

	l.store.Append(memory.Message{Role: memory.RoleUser, Content: text})
	l.bus.Emit(events.SourceTurn, events.KindTurnStart, map[string]any{
		"turn_id":  t.id,
		"session":  l.store.Session(),
		"text_len": len(text),
	})
	t.log.Info("turn started", "text_len", len(text))

	res := Result{TurnID: t.id}
	reply, path, intent, err := l.safeRun(ctx, t, onFirstChunk)
	res.Intent = intent
	if err != nil {
		t.log.Error("turn failed", "state", t.state.String(), "error", err)
		l.bus.Emit(events.SourceTurn, events.KindTurnError, map[string]any{
			"turn_id": t.id,
			"error":   err.Error(),
		})
		// Tools that already ran stay on record with the error reply.
		reply = memory.Message{
			Role:        memory.RoleAssistant,
			Content:     prompts.ErrorMessage(err),
			ToolCalls:   reply.ToolCalls,
			ToolResults: reply.ToolResults,
		}
		path = PathError
		res.Err = err
	}

	l.setState(t, StatePersist)
	res.Reply = l.store.Append(reply)
	// The reply is saved even when the caller has gone away.
	if perr := l.store.Persist(context.WithoutCancel(ctx)); perr != nil {
		t.log.Error("memory persist failed", "error", perr)
	}
	l.setState(t, StateIdle)

	res.Path = path
	res.Elapsed = time.Since(start)
	l.metrics.ObserveTurn(string(path), err == nil, res.Elapsed)
	l.bus.Emit(events.SourceTurn, events.KindTurnComplete, map[string]any{
		"turn_id":    t.id,
		"session":    l.store.Session(),
		"path":       string(path),
		"tool_calls": len(reply.ToolCalls),
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"content":    reply.Content,
	})
	t.log.Info("turn completed",
		"path", path,
		"tool_calls", len(reply.ToolCalls),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res
}

// safeRun converts a panic anywhere in the turn into an error.
func (l *Loop) safeRun(ctx context.Context, t *turn, onFirstChunk func()) (reply memory.Message, path Path, intent router.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return l.run(ctx, t, onFirstChunk)
}

func (l *Loop) run(ctx context.Context, t *turn, onFirstChunk func()) (memory.Message, Path, router.Intent, error) {
	l.setState(t, StateClassifying)
	intent, err := l.classify(ctx, t)
	if err != nil {
		t.log.Warn("classification failed, using default flow", "error", err)
	} else if router.ShouldRunWorkflow(intent) {
		if reply, ok := l.attemptWorkflow(ctx, t, intent); ok {
			return reply, PathWorkflow, intent, nil
		}
	}

	reply, path, err := l.generate(ctx, t, onFirstChunk)
	return reply, path, intent, err
}

// classify asks the router for an intent. A panicking router is
// reported as a classification error.
func (l *Loop) classify(ctx context.Context, t *turn) (intent router.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("router classify panicked", "panic", r, "stack", string(debug.Stack()))
			intent, err = router.Intent{}, fmt.Errorf("classify panicked: %v", r)
		}
	}()
	return l.router.Classify(ctx, t.text, l.store.History())
}

// attemptWorkflow runs the workflow for intent. It reports false when
// the default flow should handle the turn instead; nothing the attempt
// did is recorded in that case.
func (l *Loop) attemptWorkflow(ctx context.Context, t *turn, intent router.Intent) (reply memory.Message, ok bool) {
	l.setState(t, StateWorkflowAttempt)
	log := t.log.With("category", intent.Category, "action", intent.Action, "confidence", intent.Confidence)
	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow panicked, using default flow", "panic", r, "stack", string(debug.Stack()))
			l.metrics.WorkflowAttempt(intent.Action, "error")
			reply, ok = memory.Message{}, false
		}
	}()

	var (
		calls   []tools.ToolCall
		results []tools.ToolResult
	)
	invoke := func(ctx context.Context, call tools.ToolCall) tools.ToolResult {
		r := l.executor.Invoke(ctx, call)
		calls = append(calls, call)
		results = append(results, r)
		return r
	}

	outcome, err := l.router.RunWorkflow(ctx, intent, t.text, invoke)
	name := router.OutcomeName(outcome)
	if err != nil {
		name = "error"
	}
	l.metrics.WorkflowAttempt(intent.Action, name)
	l.bus.Emit(events.SourceTurn, events.KindWorkflow, map[string]any{
		"turn_id":    t.id,
		"category":   intent.Category,
		"action":     intent.Action,
		"confidence": intent.Confidence,
		"outcome":    name,
	})

	if err != nil {
		log.Warn("workflow error, using default flow", "error", err)
		return memory.Message{}, false
	}
	switch o := outcome.(type) {
	case router.Completed:
		log.Info("workflow completed", "actions", len(o.Actions))
		return memory.Message{
			Role:        memory.RoleAssistant,
			Content:     prompts.WorkflowSummary(o.Summary, o.Actions, o.Recommendations, o.NextSteps),
			ToolCalls:   calls,
			ToolResults: results,
		}, true
	case router.Deferred:
		log.Info("workflow deferred, using default flow", "reason", o.Reason)
	case router.Failed:
		log.Warn("workflow failed, using default flow", "error", o.Err)
	default:
		log.Warn("workflow returned no outcome, using default flow")
	}
	return memory.Message{}, false
}

// generate runs the default flow: a generation pass with tools offered
// and, while tool rounds remain, tool execution followed by another pass.
func (l *Loop) generate(ctx context.Context, t *turn, onFirstChunk func()) (memory.Message, Path, error) {
	l.setState(t, StateDefaultGenerate)
	req := llm.Request{
		Model:           l.config.Model,
		System:          l.systemPrompt(),
		Transcript:      Transcript(l.store.History()),
		Tools:           l.executor.Registry().Schemas(),
		MaxOutputTokens: l.config.MaxOutputTokens,
	}

	resp, err := l.aggregate(ctx, t, req, llm.OnFirstChunk(onFirstChunk))
	if err != nil {
		return memory.Message{}, "", fmt.Errorf("generation failed: %w", err)
	}
	narrative := resp.Narrative

	var (
		allCalls   []tools.ToolCall
		allResults []tools.ToolResult
		path       = PathDirect
	)
	for round := 0; len(resp.ToolCalls) > 0; round++ {
		if round == MaxToolRounds {
			t.log.Info("ignoring tool calls beyond the round limit",
				"tool_calls", len(resp.ToolCalls),
				"max_tool_rounds", MaxToolRounds,
			)
			break
		}
		path = PathTools

		l.setState(t, StateExecuteTools)
		results := l.executor.Execute(ctx, resp.ToolCalls)
		allCalls = append(allCalls, resp.ToolCalls...)
		allResults = append(allResults, results...)

		l.setState(t, StateFollowupGenerate)
		req.Transcript = append(req.Transcript,
			llm.Turn{Role: llm.RoleModel, Text: modelTurnText(resp)},
			llm.Turn{Role: llm.RoleUser, Text: prompts.ToolResults(resp.ToolCalls, results)},
		)
		if round+1 >= MaxToolRounds {
			req.Tools = nil
		}
		resp, err = l.aggregate(ctx, t, req)
		if err != nil {
			return memory.Message{ToolCalls: allCalls, ToolResults: allResults}, "",
				fmt.Errorf("follow-up generation failed: %w", err)
		}
		narrative = resp.Narrative
	}

	if strings.TrimSpace(narrative) == "" {
		t.log.Warn("model produced no content")
		narrative = prompts.EmptyResponseFallback
	}
	return memory.Message{
		Role:        memory.RoleAssistant,
		Content:     narrative,
		ToolCalls:   allCalls,
		ToolResults: allResults,
	}, path, nil
}

func (l *Loop) aggregate(ctx context.Context, t *turn, req llm.Request, opts ...llm.AggregateOption) (llm.Response, error) {
	opts = append(opts,
		llm.WithAggregateLogger(t.log),
		llm.WithAggregateMetrics(l.metrics),
	)
	resp, err := llm.Aggregate(ctx, l.streamer.Stream(ctx, req), opts...)
	if err != nil {
		return resp, err
	}
	if resp.Reasoning != "" {
		t.log.Log(ctx, llm.LevelTrace, "model reasoning", "text", resp.Reasoning)
	}
	return resp, nil
}

func (l *Loop) systemPrompt() string {
	var cond string
	if l.conditions != nil {
		cond = l.conditions()
	}
	return prompts.SystemPrompt(l.config.SystemPrompt, cond)
}

func (l *Loop) setState(t *turn, s State) {
	t.state = s
	t.log.Log(context.Background(), llm.LevelTrace, "turn state", "state", s.String())
	l.bus.Emit(events.SourceTurn, events.KindTurnState, map[string]any{
		"turn_id": t.id,
		"state":   s.String(),
	})
}

// modelTurnText is the model's side of a tool round in the follow-up
// transcript. A pass that only requested tools still needs a non-empty
// turn there.
func modelTurnText(resp llm.Response) string {
	if strings.TrimSpace(resp.Narrative) != "" {
		return resp.Narrative
	}
	names := make([]string, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		names[i] = c.Name
	}
	return "(requested tools: " + strings.Join(names, ", ") + ")"
}

func newTurnID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
