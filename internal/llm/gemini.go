package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/nugget/parley/internal/tools"
)

// GeminiStreamer streams from the Gemini API.
type GeminiStreamer struct {
	client         *genai.Client
	thinkingBudget int
	logger         *slog.Logger
}

// NewGeminiStreamer creates a Gemini streamer. A positive
// thinkingBudget requests reasoning parts from thinking models.
func NewGeminiStreamer(ctx context.Context, apiKey string, thinkingBudget int, logger *slog.Logger) (*GeminiStreamer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiStreamer{
		client:         client,
		thinkingBudget: thinkingBudget,
		logger:         logger.With("provider", "gemini"),
	}, nil
}

// Stream implements Streamer.
func (g *GeminiStreamer) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	contents := geminiContents(req.Transcript)
	config := g.buildConfig(req)

	g.logger.Debug("preparing request",
		"model", req.Model,
		"turns", len(contents),
		"tools", len(req.Tools),
		"system_len", len(req.System),
	)

	return func(yield func(Event, error) bool) {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				yield(Event{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			ev := geminiEvent(resp)
			if len(ev.Parts) == 0 {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (g *GeminiStreamer) buildConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxOutputTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = geminiTools(req.Tools)
	}
	if g.thinkingBudget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(min(g.thinkingBudget, math.MaxInt32))),
		}
	}
	return config
}

// geminiEvent flattens the first candidate of a stream chunk into an
// Event. Function call parts carry the server-assigned call ID when
// one is present.
func geminiEvent(resp *genai.GenerateContentResponse) Event {
	var ev Event
	if resp == nil || len(resp.Candidates) == 0 {
		return ev
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return ev
	}
	for _, p := range c.Content.Parts {
		switch {
		case p == nil:
		case p.FunctionCall != nil:
			ev.Parts = append(ev.Parts, Part{Kind: PartToolCall, Call: &CallFragment{
				ID:   p.FunctionCall.ID,
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}})
		case p.Thought:
			ev.Parts = append(ev.Parts, Part{Kind: PartThought, Text: p.Text})
		case p.Text != "":
			ev.Parts = append(ev.Parts, Part{Kind: PartText, Text: p.Text})
		}
	}
	return ev
}

func geminiContents(transcript []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(transcript))
	for _, t := range transcript {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(t.Text, role))
	}
	return out
}

func geminiTools(schemas []tools.Schema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  geminiSchema(s.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON Schema object into Gemini's schema type.
// Keywords Gemini does not understand are dropped.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	s.Enum = stringList(m["enum"])
	s.Required = stringList(m["required"])
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = geminiSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	return s
}

// stringList accepts both []string (Go literals) and []any (decoded JSON).
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		var out []string
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
