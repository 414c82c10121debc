package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/tools"
)

const (
	anthropicAPIURL      = "https://api.anthropic.com"
	anthropicAPIVersion  = "2023-06-01"
	anthropicMaxTokens   = 4096
	anthropicMaxSSEBytes = 1024 * 1024
)

// AnthropicStreamer streams from the Anthropic Messages API.
type AnthropicStreamer struct {
	apiKey         string
	baseURL        string
	thinkingBudget int
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewAnthropicStreamer creates an Anthropic streamer. An empty baseURL
// uses the public API.
func NewAnthropicStreamer(apiKey, baseURL string, thinkingBudget int, logger *slog.Logger) *AnthropicStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	// Thinking and long prompts can delay response headers well past
	// the default transport's patience.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicStreamer{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		thinkingBudget: thinkingBudget,
		logger:         logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Streams are long-lived; ctx controls their lifetime.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *anthropicDelta `json:"delta,omitempty"`
	Error        *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Stream implements Streamer.
func (c *AnthropicStreamer) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	body := c.buildRequest(req)
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fail(fmt.Errorf("marshal request: %w", err))
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"system_len", len(body.System),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	return func(yield func(Event, error) bool) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
		if err != nil {
			yield(Event{}, fmt.Errorf("create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(Event{}, fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if err := httpkit.CheckResponse(resp); err != nil {
			c.logger.Error("API error", "status", resp.StatusCode, "error", err)
			yield(Event{}, fmt.Errorf("anthropic: %w", err))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), anthropicMaxSSEBytes)

		// Tool input deltas reference their content block by index;
		// the block's tool_use id is only sent when the block starts.
		blockIDs := make(map[int]string)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var se anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &se); err != nil {
				c.logger.Log(ctx, LevelTrace, "skipping malformed event", "error", err)
				continue
			}

			var ev Event
			switch se.Type {
			case "error":
				msg := "unknown stream error"
				if se.Error != nil {
					msg = se.Error.Type + ": " + se.Error.Message
				}
				yield(Event{}, fmt.Errorf("anthropic stream: %s", msg))
				return
			case "message_stop":
				return
			case "content_block_start":
				if b := se.ContentBlock; b != nil && b.Type == "tool_use" {
					blockIDs[se.Index] = b.ID
					ev = CallEvent(CallFragment{ID: b.ID, Name: b.Name})
				}
			case "content_block_delta":
				if se.Delta == nil {
					continue
				}
				switch se.Delta.Type {
				case "text_delta":
					ev = TextEvent(se.Delta.Text)
				case "thinking_delta":
					ev = ThoughtEvent(se.Delta.Thinking)
				case "input_json_delta":
					if se.Delta.PartialJSON != "" {
						ev = CallEvent(CallFragment{ID: blockIDs[se.Index], ArgsDelta: se.Delta.PartialJSON})
					}
				}
			}
			if len(ev.Parts) == 0 {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read stream: %w", err))
		}
	}
}

func (c *AnthropicStreamer) buildRequest(req Request) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = req.MaxOutputTokens
	}
	if c.thinkingBudget > 0 {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: c.thinkingBudget}
		// max_tokens must exceed the thinking budget.
		if out.MaxTokens <= c.thinkingBudget {
			out.MaxTokens = c.thinkingBudget + anthropicMaxTokens
		}
	}
	for _, t := range req.Transcript {
		role := "user"
		if t.Role == RoleModel {
			role = "assistant"
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: t.Text})
	}
	out.Tools = anthropicTools(req.Tools)
	return out
}

func anthropicTools(schemas []tools.Schema) []anthropicTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(schemas))
	for _, s := range schemas {
		var params any = s.Parameters
		if s.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: params,
		})
	}
	return out
}
