package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"

	"github.com/nugget/parley/internal/config"
)

// Provider names.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// MultiStreamer routes requests to a provider based on the model name.
type MultiStreamer struct {
	streamers map[string]Streamer // provider name → streamer
	models    map[string]string   // model name → provider name
	fallback  string
}

// NewMultiStreamer creates a router whose unmatched models go to the
// fallback provider.
func NewMultiStreamer(fallback string) *MultiStreamer {
	return &MultiStreamer{
		streamers: make(map[string]Streamer),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a streamer under a provider name.
func (m *MultiStreamer) AddProvider(name string, s Streamer) {
	m.streamers[name] = s
}

// AddModel pins a model name to a provider.
func (m *MultiStreamer) AddModel(model, provider string) {
	m.models[model] = provider
}

// Providers returns the registered provider names, sorted.
func (m *MultiStreamer) Providers() []string {
	names := make([]string, 0, len(m.streamers))
	for n := range m.streamers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderFor reports which provider serves model: an explicit AddModel
// mapping wins, then the model name prefix, then the fallback.
func (m *MultiStreamer) ProviderFor(model string) string {
	if p, ok := m.models[model]; ok {
		return p
	}
	if p := inferProvider(model); p != "" {
		if _, ok := m.streamers[p]; ok {
			return p
		}
	}
	return m.fallback
}

// Stream implements Streamer.
func (m *MultiStreamer) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	p := m.ProviderFor(req.Model)
	s, ok := m.streamers[p]
	if !ok {
		return fail(fmt.Errorf("no provider configured for model %q", req.Model))
	}
	return s.Stream(ctx, req)
}

func inferProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return ProviderGemini
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return ProviderOpenAI
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic
	}
	return ""
}

// NewFromConfig builds a MultiStreamer with every provider that has
// credentials configured. The model's explicit provider, if any, is
// pinned for the configured model name.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*MultiStreamer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc := cfg.Providers

	fallback := cfg.Model.Provider
	if fallback == "" {
		fallback = inferProvider(cfg.Model.Name)
	}
	if fallback == "" {
		fallback = ProviderOllama
	}
	m := NewMultiStreamer(fallback)

	if pc.Gemini.APIKey != "" {
		g, err := NewGeminiStreamer(ctx, pc.Gemini.APIKey, pc.Gemini.ThinkingBudget, logger)
		if err != nil {
			return nil, err
		}
		m.AddProvider(ProviderGemini, g)
	}
	if pc.OpenAI.APIKey != "" || pc.OpenAI.BaseURL != "" {
		m.AddProvider(ProviderOpenAI, NewOpenAIStreamer(pc.OpenAI.APIKey, pc.OpenAI.BaseURL, logger))
	}
	if pc.Anthropic.APIKey != "" {
		m.AddProvider(ProviderAnthropic, NewAnthropicStreamer(pc.Anthropic.APIKey, pc.Anthropic.BaseURL, pc.Anthropic.ThinkingBudget, logger))
	}
	if pc.Ollama.URL != "" {
		m.AddProvider(ProviderOllama, NewOllamaStreamer(pc.Ollama.URL, logger))
	}

	if cfg.Model.Provider != "" {
		m.AddModel(cfg.Model.Name, cfg.Model.Provider)
	}
	if _, ok := m.streamers[m.ProviderFor(cfg.Model.Name)]; !ok {
		return nil, fmt.Errorf("model %q needs provider %q, which has no credentials configured",
			cfg.Model.Name, m.ProviderFor(cfg.Model.Name))
	}

	logger.Info("model providers configured",
		"providers", m.Providers(),
		"model", cfg.Model.Name,
		"provider", m.ProviderFor(cfg.Model.Name),
	)
	return m, nil
}
