package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/tools"
)

func anthropicSSE(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(e), &head)
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", head.Type, e)
	}
	return b.String()
}

func TestAnthropicStreamer_Stream(t *testing.T) {
	body := anthropicSSE(
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"user wants weather"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Checking."}}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":":\"Austin\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	)

	var sent anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	s := NewAnthropicStreamer("test-key", srv.URL, 2048, nil)
	resp, err := Aggregate(context.Background(), s.Stream(context.Background(), Request{
		Model:      "claude-sonnet-4-5",
		System:     "sys",
		Transcript: []Turn{{Role: RoleUser, Text: "weather?"}, {Role: RoleModel, Text: "where?"}, {Role: RoleUser, Text: "Austin"}},
		Tools:      []tools.Schema{{Name: "get_weather"}},
	}), seqIDs())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if resp.Narrative != "Checking." {
		t.Errorf("Narrative = %q", resp.Narrative)
	}
	if resp.Reasoning != "user wants weather" {
		t.Errorf("Reasoning = %q", resp.Reasoning)
	}
	want := []tools.ToolCall{{ID: "call-1", Name: "get_weather", Args: map[string]any{"city": "Austin"}}}
	if diff := cmp.Diff(want, resp.ToolCalls); diff != "" {
		t.Errorf("ToolCalls (-want +got):\n%s", diff)
	}

	if sent.System != "sys" || !sent.Stream {
		t.Errorf("request system=%q stream=%v", sent.System, sent.Stream)
	}
	if sent.Thinking == nil || sent.Thinking.BudgetTokens != 2048 {
		t.Errorf("Thinking = %+v", sent.Thinking)
	}
	if sent.MaxTokens <= 2048 {
		t.Errorf("MaxTokens = %d, must exceed thinking budget", sent.MaxTokens)
	}
	roles := []string{}
	for _, m := range sent.Messages {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"user", "assistant", "user"}, roles); diff != "" {
		t.Errorf("roles (-want +got):\n%s", diff)
	}
	if len(sent.Tools) != 1 || sent.Tools[0].InputSchema == nil {
		t.Errorf("Tools = %+v, want default input schema", sent.Tools)
	}
}

func TestAnthropicStreamer_ErrorEvent(t *testing.T) {
	body := anthropicSSE(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	resp, err := Aggregate(context.Background(),
		NewAnthropicStreamer("k", srv.URL, 0, nil).Stream(context.Background(), Request{Model: "m"}))
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("err = %v, want overloaded_error", err)
	}
	if resp.Narrative != "par" {
		t.Errorf("Narrative = %q, want partial text", resp.Narrative)
	}
}

func TestAnthropicStreamer_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid x-api-key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Aggregate(context.Background(),
		NewAnthropicStreamer("bad", srv.URL, 0, nil).Stream(context.Background(), Request{Model: "m"}))
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want StatusError 401", err)
	}
}
