package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/parley/internal/tools"
)

// OpenAIStreamer streams from the OpenAI chat completions API or any
// server that speaks it.
type OpenAIStreamer struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIStreamer creates an OpenAI streamer. An empty baseURL uses
// the public API.
func NewOpenAIStreamer(apiKey, baseURL string, logger *slog.Logger) *OpenAIStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Stream implements Streamer.
//
// Tool call deltas are keyed by their stream index, which is stable
// across chunks even when the call ID only appears on the first one.
func (o *OpenAIStreamer) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openAIMessages(req.System, req.Transcript),
		Stream:   true,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	o.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(chatReq.Messages),
		"tools", len(chatReq.Tools),
	)

	return func(yield func(Event, error) bool) {
		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(Event{}, fmt.Errorf("openai stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, fmt.Errorf("openai stream: %w", err))
				return
			}
			ev := openAIEvent(resp)
			if len(ev.Parts) == 0 {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func openAIEvent(resp openai.ChatCompletionStreamResponse) Event {
	var ev Event
	if len(resp.Choices) == 0 {
		return ev
	}
	delta := resp.Choices[0].Delta
	if delta.ReasoningContent != "" {
		ev.Parts = append(ev.Parts, Part{Kind: PartThought, Text: delta.ReasoningContent})
	}
	if delta.Content != "" {
		ev.Parts = append(ev.Parts, Part{Kind: PartText, Text: delta.Content})
	}
	for i, tc := range delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		ev.Parts = append(ev.Parts, Part{Kind: PartToolCall, Call: &CallFragment{
			ID:        "idx-" + strconv.Itoa(index),
			Name:      tc.Function.Name,
			ArgsDelta: tc.Function.Arguments,
		}})
	}
	return ev
}

func openAIMessages(system string, transcript []Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range transcript {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return out
}

func openAITools(schemas []tools.Schema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
