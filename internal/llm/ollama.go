package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/tools"
)

// DefaultOllamaURL is used when no Ollama URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaStreamer streams from a local Ollama server.
type OllamaStreamer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaStreamer creates an Ollama streamer.
func NewOllamaStreamer(baseURL string, logger *slog.Logger) *OllamaStreamer {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaStreamer{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large local models with tools can take minutes to finish.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Stream implements Streamer. Ollama streams newline-delimited JSON
// objects; tool calls arrive whole, without continuation ids.
func (c *OllamaStreamer) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: ollamaMessages(req.System, req.Transcript),
		Stream:   true,
		Tools:    ollamaTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxOutputTokens}
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fail(fmt.Errorf("marshal request: %w", err))
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
	)

	return func(yield func(Event, error) bool) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
		if err != nil {
			yield(Event{}, fmt.Errorf("create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(Event{}, fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if err := httpkit.CheckResponse(resp); err != nil {
			yield(Event{}, fmt.Errorf("ollama: %w", err))
			return
		}

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaChunk
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(Event{}, fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield(Event{}, fmt.Errorf("ollama: %s", chunk.Error))
				return
			}

			if ev := ollamaEvent(chunk.Message); len(ev.Parts) > 0 {
				if !yield(ev, nil) {
					return
				}
			}
			if chunk.Done {
				c.logger.Debug("stream complete",
					"model", chunk.Model,
					"input_tokens", chunk.PromptEvalCount,
					"output_tokens", chunk.EvalCount,
				)
				return
			}
		}
	}
}

// Ping checks that the Ollama server is reachable.
func (c *OllamaStreamer) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	return httpkit.CheckResponse(resp)
}

func ollamaEvent(m ollamaMessage) Event {
	var ev Event
	if m.Thinking != "" {
		ev.Parts = append(ev.Parts, Part{Kind: PartThought, Text: m.Thinking})
	}
	if m.Content != "" {
		ev.Parts = append(ev.Parts, Part{Kind: PartText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		ev.Parts = append(ev.Parts, Part{Kind: PartToolCall, Call: &CallFragment{
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		}})
	}
	return ev
}

func ollamaMessages(system string, transcript []Turn) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(transcript)+1)
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}
	for _, t := range transcript {
		role := "user"
		if t.Role == RoleModel {
			role = "assistant"
		}
		out = append(out, ollamaMessage{Role: role, Content: t.Text})
	}
	return out
}

func ollamaTools(schemas []tools.Schema) []ollamaTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ollamaTool{
			Type:     "function",
			Function: ollamaFunction{Name: s.Name, Description: s.Description, Parameters: params},
		})
	}
	return out
}
