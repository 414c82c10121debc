package agent

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/tools"
)

// scriptedStreamer replays one event list per generation pass and
// records every request it receives.
type scriptedStreamer struct {
	passes   [][]llm.Event
	errAt    map[int]error
	panicAt  int
	requests []llm.Request
}

func (s *scriptedStreamer) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.Event, error] {
	s.requests = append(s.requests, req)
	pass := len(s.requests)
	return func(yield func(llm.Event, error) bool) {
		if pass == s.panicAt {
			panic("streamer exploded")
		}
		if pass > len(s.passes) {
			yield(llm.Event{}, errors.New("unexpected generation pass"))
			return
		}
		for _, e := range s.passes[pass-1] {
			if !yield(e, nil) {
				return
			}
		}
		if err := s.errAt[pass]; err != nil {
			yield(llm.Event{}, err)
		}
	}
}

type fakeRouter struct {
	intent      router.Intent
	classifyErr error
	outcome     router.Outcome
	workflowErr error
	steps       []tools.ToolCall
	ran         int

	classifyPanic string
	workflowPanic string
}

func (r *fakeRouter) Classify(ctx context.Context, text string, history []memory.Message) (router.Intent, error) {
	if r.classifyPanic != "" {
		panic(r.classifyPanic)
	}
	return r.intent, r.classifyErr
}

func (r *fakeRouter) RunWorkflow(ctx context.Context, intent router.Intent, text string, invoke router.ToolInvoker) (router.Outcome, error) {
	r.ran++
	for _, s := range r.steps {
		invoke(ctx, s)
	}
	if r.workflowPanic != "" {
		panic(r.workflowPanic)
	}
	return r.outcome, r.workflowErr
}

func generic() *fakeRouter {
	return &fakeRouter{intent: router.Intent{Category: "general", Action: router.ActionGenericAssistance, Confidence: 0.1}}
}

type harness struct {
	loop     *Loop
	store    *memory.Store
	backend  *memory.InMemoryBackend
	streamer *scriptedStreamer
	router   *fakeRouter
	bus      *events.Bus
}

func newHarness(t *testing.T, rtr *fakeRouter, s *scriptedStreamer, caps ...tools.Capability) *harness {
	t.Helper()
	reg, err := tools.NewRegistry(caps...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	backend := memory.NewInMemoryBackend()
	store := memory.NewStore("test", backend, 50, slog.Default())
	store.Load(context.Background())
	bus := events.New()
	loop := NewLoop(slog.Default(), store, rtr, s,
		tools.NewExecutor(reg, slog.Default(), tools.WithEvents(bus)),
		Config{Model: "test-model"},
		WithEvents(bus),
		WithConditions(func() string { return "# Current Conditions" }),
	)
	return &harness{loop: loop, store: store, backend: backend, streamer: s, router: rtr, bus: bus}
}

func recordingTool(name string, got *[]map[string]any, data any) tools.Capability {
	return &tools.Tool{
		Name: name,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			*got = append(*got, args)
			return data, nil
		},
	}
}

func TestProcessTurn_DirectAnswer(t *testing.T) {
	h := newHarness(t, generic(), &scriptedStreamer{passes: [][]llm.Event{
		{llm.ThoughtEvent("simple arithmetic"), llm.TextEvent("2+2 "), llm.TextEvent("is 4.")},
	}})

	firstChunks := 0
	res := h.loop.ProcessTurn(context.Background(), "what's 2+2", func() { firstChunks++ })

	if res.Reply.Content != "2+2 is 4." {
		t.Errorf("reply = %q, want the first-pass narrative", res.Reply.Content)
	}
	if res.Path != PathDirect {
		t.Errorf("Path = %q, want %q", res.Path, PathDirect)
	}
	if firstChunks != 1 {
		t.Errorf("first chunk callback ran %d times, want 1", firstChunks)
	}
	if h.router.ran != 0 {
		t.Error("workflow attempted for a low-confidence intent")
	}
	if len(h.streamer.requests) != 1 {
		t.Fatalf("generation passes = %d, want 1", len(h.streamer.requests))
	}

	req := h.streamer.requests[0]
	if req.Model != "test-model" || !strings.Contains(req.System, "# Current Conditions") {
		t.Errorf("request model=%q system=%q", req.Model, req.System)
	}
	if diff := cmp.Diff([]llm.Turn{{Role: llm.RoleUser, Text: "what's 2+2"}}, req.Transcript); diff != "" {
		t.Errorf("transcript (-want +got):\n%s", diff)
	}

	hist := h.store.History()
	if len(hist) != 2 {
		t.Fatalf("memory has %d messages, want 2", len(hist))
	}
	if hist[0].Role != memory.RoleUser || hist[1].Role != memory.RoleAssistant {
		t.Errorf("roles = %q, %q", hist[0].Role, hist[1].Role)
	}
	if strings.Contains(hist[1].Content, "arithmetic") {
		t.Error("reasoning leaked into the reply")
	}

	saved, _ := h.backend.Load(context.Background(), "test")
	if len(saved.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(saved.Messages))
	}
}

func TestProcessTurn_WorkflowCompleted(t *testing.T) {
	rtr := &fakeRouter{
		intent:  router.Intent{Category: "scheduling", Action: "book_meeting", Confidence: 0.92},
		outcome: router.Completed{Summary: "Meeting booked", Actions: []string{"Created event"}},
		steps:   []tools.ToolCall{{ID: "wf_1", Name: "calendar_create", Args: map[string]any{"title": "sync"}}},
	}
	var got []map[string]any
	h := newHarness(t, rtr, &scriptedStreamer{}, recordingTool("calendar_create", &got, "evt-1"))

	res := h.loop.ProcessTurn(context.Background(), "book a meeting with Sam", nil)

	if res.Path != PathWorkflow {
		t.Errorf("Path = %q, want %q", res.Path, PathWorkflow)
	}
	for _, want := range []string{"Meeting booked", "Actions Completed", "- Created event"} {
		if !strings.Contains(res.Reply.Content, want) {
			t.Errorf("reply missing %q:\n%s", want, res.Reply.Content)
		}
	}
	if len(h.streamer.requests) != 0 {
		t.Errorf("generation passes = %d, want none", len(h.streamer.requests))
	}
	if len(got) != 1 {
		t.Errorf("workflow step invoked %d times, want 1", len(got))
	}
	if len(res.Reply.ToolCalls) != 1 || len(res.Reply.ToolResults) != 1 || !res.Reply.ToolResults[0].Success {
		t.Errorf("reply records calls=%v results=%v", res.Reply.ToolCalls, res.Reply.ToolResults)
	}
	if n := len(h.store.History()); n != 2 {
		t.Errorf("memory has %d messages, want 2", n)
	}
}

func TestProcessTurn_ToolRound(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{passes: [][]llm.Event{
		{llm.CallEvent(llm.CallFragment{Name: "get_weather"})},
		{llm.TextEvent("It is sunny.")},
	}}
	h := newHarness(t, generic(), s, recordingTool("get_weather", &got, map[string]any{"sky": "clear"}))

	res := h.loop.ProcessTurn(context.Background(), "weather?", nil)

	if res.Reply.Content != "It is sunny." {
		t.Errorf("reply = %q", res.Reply.Content)
	}
	if res.Path != PathTools {
		t.Errorf("Path = %q, want %q", res.Path, PathTools)
	}
	if len(got) != 1 {
		t.Fatalf("get_weather invoked %d times, want 1", len(got))
	}
	if got[0] == nil || len(got[0]) != 0 {
		t.Errorf("get_weather args = %#v, want empty map", got[0])
	}
	if len(res.Reply.ToolCalls) != 1 || len(res.Reply.ToolResults) != 1 {
		t.Fatalf("reply records calls=%v results=%v", res.Reply.ToolCalls, res.Reply.ToolResults)
	}
	call, result := res.Reply.ToolCalls[0], res.Reply.ToolResults[0]
	if !result.Success || result.ToolCallID != call.ID {
		t.Errorf("result = %+v for call %+v", result, call)
	}

	if len(s.requests) != 2 {
		t.Fatalf("generation passes = %d, want 2", len(s.requests))
	}
	first, follow := s.requests[0], s.requests[1]
	if len(first.Tools) != 1 {
		t.Errorf("first pass offered %d tools, want 1", len(first.Tools))
	}
	if follow.Tools != nil {
		t.Errorf("follow-up pass offered tools: %v", follow.Tools)
	}
	tr := follow.Transcript
	if len(tr) != 3 {
		t.Fatalf("follow-up transcript has %d turns, want 3", len(tr))
	}
	if tr[1].Role != llm.RoleModel || !strings.Contains(tr[1].Text, "get_weather") {
		t.Errorf("model turn = %+v", tr[1])
	}
	want := prompts.ToolResults(res.Reply.ToolCalls, res.Reply.ToolResults)
	if tr[2].Role != llm.RoleUser || tr[2].Text != want {
		t.Errorf("results turn = %+v, want %q", tr[2], want)
	}
	if !strings.Contains(tr[2].Text, call.ID) {
		t.Error("results turn does not label the call id")
	}
}

func TestProcessTurn_FollowupToolCallsIgnored(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{passes: [][]llm.Event{
		{llm.TextEvent("Looking."), llm.CallEvent(llm.CallFragment{Name: "lookup", Args: map[string]any{"q": "a"}})},
		{llm.TextEvent("Found it."), llm.CallEvent(llm.CallFragment{Name: "lookup", Args: map[string]any{"q": "b"}})},
	}}
	h := newHarness(t, generic(), s, recordingTool("lookup", &got, "hit"))

	res := h.loop.ProcessTurn(context.Background(), "find a", nil)

	if len(got) != MaxToolRounds {
		t.Errorf("lookup invoked %d times, want %d", len(got), MaxToolRounds)
	}
	if len(s.requests) != MaxToolRounds+1 {
		t.Errorf("generation passes = %d, want %d", len(s.requests), MaxToolRounds+1)
	}
	if res.Reply.Content != "Found it." {
		t.Errorf("reply = %q", res.Reply.Content)
	}
	if s.requests[1].Transcript[1].Text != "Looking." {
		t.Errorf("model turn = %q, want first-pass narrative", s.requests[1].Transcript[1].Text)
	}
}

func TestProcessTurn_ToolIsolation(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{passes: [][]llm.Event{
		{
			llm.CallEvent(llm.CallFragment{Name: "ok_tool", Args: map[string]any{"n": 1.0}}),
			llm.CallEvent(llm.CallFragment{Name: "missing_tool", Args: map[string]any{}}),
			llm.CallEvent(llm.CallFragment{Name: "ok_tool", Args: map[string]any{"n": 2.0}}),
		},
		{llm.TextEvent("done")},
	}}
	h := newHarness(t, generic(), s, recordingTool("ok_tool", &got, "fine"))

	res := h.loop.ProcessTurn(context.Background(), "go", nil)

	rs := res.Reply.ToolResults
	if len(rs) != 3 {
		t.Fatalf("results = %d, want 3", len(rs))
	}
	if !rs[0].Success || rs[1].Success || !rs[2].Success {
		t.Errorf("success flags = %v %v %v, want true false true", rs[0].Success, rs[1].Success, rs[2].Success)
	}
	if rs[1].Error != "unknown tool" {
		t.Errorf("missing tool error = %q", rs[1].Error)
	}
	for i, c := range res.Reply.ToolCalls {
		if rs[i].ToolCallID != c.ID {
			t.Errorf("result %d references %q, want %q", i, rs[i].ToolCallID, c.ID)
		}
	}
}

func TestProcessTurn_WorkflowGate(t *testing.T) {
	tests := []struct {
		name       string
		intent     router.Intent
		wantRan    int
		wantPasses int
	}{
		{"below threshold", router.Intent{Category: "scheduling", Action: "book_meeting", Confidence: 0.79}, 0, 1},
		{"at threshold", router.Intent{Category: "scheduling", Action: "book_meeting", Confidence: 0.8}, 1, 0},
		{"generic action", router.Intent{Category: "general", Action: router.ActionGenericAssistance, Confidence: 0.95}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rtr := &fakeRouter{intent: tt.intent, outcome: router.Completed{Summary: "done"}}
			s := &scriptedStreamer{passes: [][]llm.Event{{llm.TextEvent("generated")}}}
			h := newHarness(t, rtr, s)

			h.loop.ProcessTurn(context.Background(), "book it", nil)

			if rtr.ran != tt.wantRan {
				t.Errorf("workflow ran %d times, want %d", rtr.ran, tt.wantRan)
			}
			if len(s.requests) != tt.wantPasses {
				t.Errorf("generation passes = %d, want %d", len(s.requests), tt.wantPasses)
			}
		})
	}
}

func TestProcessTurn_FallbackTransparency(t *testing.T) {
	gated := router.Intent{Category: "scheduling", Action: "book_meeting", Confidence: 0.9}
	pass := [][]llm.Event{{llm.TextEvent("I can help with that.")}}

	run := func(rtr *fakeRouter, caps ...tools.Capability) (*harness, Result) {
		h := newHarness(t, rtr, &scriptedStreamer{passes: pass}, caps...)
		return h, h.loop.ProcessTurn(context.Background(), "book a meeting", nil)
	}

	base, baseRes := run(&fakeRouter{intent: router.Intent{Category: "scheduling", Action: "book_meeting", Confidence: 0.5}})
	ignoreVolatile := cmpopts.IgnoreFields(memory.Message{}, "ID", "Timestamp")

	var got []map[string]any
	cases := map[string]*fakeRouter{
		"deferred": {intent: gated, outcome: router.Deferred{Reason: "not scripted"}},
		"failed": {
			intent:  gated,
			outcome: router.Failed{Err: errors.New("calendar down")},
			steps:   []tools.ToolCall{{ID: "wf_1", Name: "calendar_create"}},
		},
		"error":          {intent: gated, workflowErr: errors.New("router offline")},
		"classify error": {classifyErr: errors.New("classifier timeout")},
	}
	for name, rtr := range cases {
		t.Run(name, func(t *testing.T) {
			h, res := run(rtr, recordingTool("calendar_create", &got, nil))
			if diff := cmp.Diff(base.streamer.requests[0].Transcript, h.streamer.requests[0].Transcript); diff != "" {
				t.Errorf("transcript differs from no attempt (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(base.store.History(), h.store.History(), ignoreVolatile); diff != "" {
				t.Errorf("history differs from no attempt (-want +got):\n%s", diff)
			}
			if res.Path != baseRes.Path {
				t.Errorf("Path = %q, want %q", res.Path, baseRes.Path)
			}
		})
	}
}

func TestProcessTurn_StreamError(t *testing.T) {
	s := &scriptedStreamer{
		passes: [][]llm.Event{{llm.TextEvent("partial")}},
		errAt:  map[int]error{1: errors.New("connection reset")},
	}
	h := newHarness(t, generic(), s)

	res := h.loop.ProcessTurn(context.Background(), "hello", nil)

	if res.Path != PathError || res.Err == nil {
		t.Errorf("Path = %q Err = %v, want error path", res.Path, res.Err)
	}
	if !strings.HasPrefix(res.Reply.Content, "I encountered an error: ") || !strings.Contains(res.Reply.Content, "connection reset") {
		t.Errorf("reply = %q", res.Reply.Content)
	}
	saved, _ := h.backend.Load(context.Background(), "test")
	if len(saved.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(saved.Messages))
	}
}

func TestProcessTurn_RecoversPanic(t *testing.T) {
	h := newHarness(t, generic(), &scriptedStreamer{panicAt: 1})

	res := h.loop.ProcessTurn(context.Background(), "hello", nil)

	if res.Path != PathError || !strings.Contains(res.Reply.Content, "streamer exploded") {
		t.Errorf("reply = %q path = %q", res.Reply.Content, res.Path)
	}
	if n := len(h.store.History()); n != 2 {
		t.Errorf("memory has %d messages, want 2", n)
	}
}

func TestProcessTurn_RouterPanicFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		router *fakeRouter
	}{
		{
			name: "workflow panics",
			router: &fakeRouter{
				intent:        router.Intent{Category: "scheduling", Action: "book", Confidence: 0.9},
				workflowPanic: "workflow blew up",
				steps:         []tools.ToolCall{{ID: "w1", Name: "calendar"}},
			},
		},
		{
			name:   "classify panics",
			router: &fakeRouter{classifyPanic: "classifier blew up"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []map[string]any
			s := &scriptedStreamer{passes: [][]llm.Event{{llm.TextEvent("default answer")}}}
			h := newHarness(t, tt.router, s, recordingTool("calendar", &got, "ok"))

			res := h.loop.ProcessTurn(context.Background(), "book a meeting", nil)

			if res.Path != PathDirect || res.Err != nil {
				t.Errorf("Path = %q Err = %v, want the default flow", res.Path, res.Err)
			}
			if res.Reply.Content != "default answer" {
				t.Errorf("reply = %q, want %q", res.Reply.Content, "default answer")
			}
			if len(s.requests) != 1 {
				t.Errorf("generation passes = %d, want 1", len(s.requests))
			}
			if len(res.Reply.ToolCalls) != 0 {
				t.Errorf("reply records workflow calls: %v", res.Reply.ToolCalls)
			}
		})
	}
}

func TestProcessTurn_EmptyFollowupUsesFallback(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{passes: [][]llm.Event{
		{llm.TextEvent("Let me check."), llm.CallEvent(llm.CallFragment{Name: "get_weather"})},
		{},
	}}
	h := newHarness(t, generic(), s, recordingTool("get_weather", &got, "sunny"))

	res := h.loop.ProcessTurn(context.Background(), "weather?", nil)

	if res.Reply.Content != prompts.EmptyResponseFallback {
		t.Errorf("reply = %q, want the empty-response fallback", res.Reply.Content)
	}
	if len(res.Reply.ToolCalls) != 1 {
		t.Errorf("reply records %d tool calls, want 1", len(res.Reply.ToolCalls))
	}
}

func TestProcessTurn_FollowupErrorKeepsToolRecords(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{
		passes: [][]llm.Event{
			{llm.CallEvent(llm.CallFragment{Name: "get_weather"})},
			{},
		},
		errAt: map[int]error{2: errors.New("connection reset")},
	}
	h := newHarness(t, generic(), s, recordingTool("get_weather", &got, "sunny"))

	res := h.loop.ProcessTurn(context.Background(), "weather?", nil)

	if res.Path != PathError {
		t.Fatalf("Path = %q, want %q", res.Path, PathError)
	}
	if len(res.Reply.ToolCalls) != 1 || len(res.Reply.ToolResults) != 1 {
		t.Fatalf("reply records calls=%v results=%v, want one of each", res.Reply.ToolCalls, res.Reply.ToolResults)
	}
	if res.Reply.ToolResults[0].ToolCallID != res.Reply.ToolCalls[0].ID {
		t.Errorf("result %+v does not match call %+v", res.Reply.ToolResults[0], res.Reply.ToolCalls[0])
	}
	saved, _ := h.backend.Load(context.Background(), "test")
	if len(saved.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(saved.Messages))
	}
	if len(saved.Messages[1].ToolCalls) != 1 {
		t.Errorf("persisted reply = %+v, want it to carry the tool call", saved.Messages[1])
	}
}

func TestProcessTurn_CanceledContextStillPersists(t *testing.T) {
	h := newHarness(t, generic(), &scriptedStreamer{passes: [][]llm.Event{{llm.TextEvent("x")}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.loop.ProcessTurn(ctx, "hello", nil)

	if res.Path != PathError {
		t.Errorf("Path = %q, want %q", res.Path, PathError)
	}
	saved, _ := h.backend.Load(context.Background(), "test")
	if len(saved.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(saved.Messages))
	}
}

func TestProcessTurn_EmptyResponse(t *testing.T) {
	h := newHarness(t, generic(), &scriptedStreamer{passes: [][]llm.Event{{}}})
	if got := h.loop.Ask(context.Background(), "hi"); got.Content != prompts.EmptyResponseFallback {
		t.Errorf("reply = %q, want fallback", got.Content)
	}
}

func TestProcessTurn_HistoryAcrossTurns(t *testing.T) {
	s := &scriptedStreamer{passes: [][]llm.Event{{llm.TextEvent("one")}, {llm.TextEvent("two")}}}
	h := newHarness(t, generic(), s)

	h.loop.Ask(context.Background(), "first")
	h.loop.Ask(context.Background(), "second")

	want := []llm.Turn{
		{Role: llm.RoleUser, Text: "first"},
		{Role: llm.RoleModel, Text: "one"},
		{Role: llm.RoleUser, Text: "second"},
	}
	if diff := cmp.Diff(want, s.requests[1].Transcript); diff != "" {
		t.Errorf("second transcript (-want +got):\n%s", diff)
	}
	if n := len(h.loop.History()); n != 4 {
		t.Errorf("history = %d messages, want 4", n)
	}
}

func TestProcessTurn_Events(t *testing.T) {
	var got []map[string]any
	s := &scriptedStreamer{passes: [][]llm.Event{
		{llm.CallEvent(llm.CallFragment{Name: "t", Args: map[string]any{}})},
		{llm.TextEvent("ok")},
	}}
	h := newHarness(t, generic(), s, recordingTool("t", &got, nil))
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)

	res := h.loop.ProcessTurn(context.Background(), "go", nil)

	var kinds []string
	var states []string
	for len(ch) > 0 {
		e := <-ch
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindTurnState {
			states = append(states, e.Data["state"].(string))
		}
		if e.Data["turn_id"] != res.TurnID {
			t.Errorf("%s event turn_id = %v, want %s", e.Kind, e.Data["turn_id"], res.TurnID)
		}
	}

	wantStates := []string{"classifying", "default_generate", "execute_tools", "followup_generate", "persist", "idle"}
	if diff := cmp.Diff(wantStates, states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if kinds[0] != events.KindTurnStart || kinds[len(kinds)-1] != events.KindTurnComplete {
		t.Errorf("kinds = %v", kinds)
	}
	for _, k := range []string{events.KindToolCall, events.KindToolResult} {
		found := false
		for _, g := range kinds {
			found = found || g == k
		}
		if !found {
			t.Errorf("no %s event in %v", k, kinds)
		}
	}
}
