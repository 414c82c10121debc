package llm

import (
	"context"
	"iter"
	"testing"

	"github.com/nugget/parley/internal/config"
)

func namedStreamer(name string) Streamer {
	return StreamerFunc(func(ctx context.Context, req Request) iter.Seq2[Event, error] {
		return func(yield func(Event, error) bool) {
			yield(TextEvent(name), nil)
		}
	})
}

func TestMultiStreamer_Routing(t *testing.T) {
	m := NewMultiStreamer(ProviderOllama)
	for _, p := range []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama} {
		m.AddProvider(p, namedStreamer(p))
	}
	m.AddModel("my-finetune", ProviderOpenAI)

	tests := []struct {
		model string
		want  string
	}{
		{"gemini-2.5-flash", ProviderGemini},
		{"gpt-4o", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"qwen3:4b", ProviderOllama},
		{"my-finetune", ProviderOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := Aggregate(context.Background(), m.Stream(context.Background(), Request{Model: tt.model}))
			if err != nil {
				t.Fatal(err)
			}
			if resp.Narrative != tt.want {
				t.Errorf("routed to %q, want %q", resp.Narrative, tt.want)
			}
		})
	}
}

func TestMultiStreamer_PrefixWithoutProviderFallsBack(t *testing.T) {
	m := NewMultiStreamer(ProviderOllama)
	m.AddProvider(ProviderOllama, namedStreamer(ProviderOllama))
	if got := m.ProviderFor("claude-sonnet-4-5"); got != ProviderOllama {
		t.Errorf("ProviderFor = %q, want fallback", got)
	}
}

func TestMultiStreamer_NoProvider(t *testing.T) {
	m := NewMultiStreamer("missing")
	if _, err := Aggregate(context.Background(), m.Stream(context.Background(), Request{Model: "x"})); err == nil {
		t.Fatal("expected error with no providers")
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Name = "claude-sonnet-4-5"
	cfg.Model.Provider = ""
	cfg.Providers.Anthropic.APIKey = "k"
	cfg.Providers.Ollama.URL = "http://127.0.0.1:1"

	m, err := NewFromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if got := m.ProviderFor(cfg.Model.Name); got != ProviderAnthropic {
		t.Errorf("ProviderFor = %q, want anthropic", got)
	}
	if got := len(m.Providers()); got != 2 {
		t.Errorf("providers = %v, want anthropic and ollama", m.Providers())
	}

	cfg.Providers.Anthropic.APIKey = ""
	if _, err := NewFromConfig(context.Background(), cfg, nil); err == nil {
		t.Error("expected error when the model's provider has no credentials")
	}
}
