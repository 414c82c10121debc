package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "model:\n  name: x\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q", path, got)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/parley.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want config.yaml", got)
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_GEMINI_KEY", "sekret")
	path := writeConfig(t, `
model:
  name: gemini-2.5-flash
providers:
  gemini:
    api_key: ${PARLEY_TEST_GEMINI_KEY}
router:
  rules:
    - category: scheduling
      action: book_meeting
      keywords: [meeting, calendar]
      confidence: 0.92
  workflows:
    - action: book_meeting
      summary: Meeting booked
      steps:
        - tool: create_event
          args:
            title: Sync
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Gemini.APIKey != "sekret" {
		t.Errorf("api_key = %q, want env expansion", cfg.Providers.Gemini.APIKey)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Memory.MaxMessages != 50 || cfg.Memory.Driver != "sqlite" {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.Router.Mode != "keyword" || cfg.Router.Timeout != 10*time.Second {
		t.Errorf("Router = %+v", cfg.Router)
	}
	if len(cfg.Router.Workflows) != 1 || cfg.Router.Workflows[0].Steps[0].Args["title"] != "Sync" {
		t.Errorf("Workflows = %+v", cfg.Router.Workflows)
	}
	if cfg.MQTT.Enabled() {
		t.Error("MQTT should be disabled without a broker")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing model", "memory:\n  driver: sqlite\n", "model.name"},
		{"bad driver", "model:\n  name: m\nmemory:\n  driver: postgres\n", "memory.driver"},
		{"http without url", "model:\n  name: m\nrouter:\n  mode: http\n", "router.url"},
		{"confidence range", "model:\n  name: m\nrouter:\n  rules:\n    - action: a\n      confidence: 1.5\n", "confidence"},
		{"log level", "model:\n  name: m\nlog_level: loud\n", "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Memory.Driver != "memory" {
		t.Errorf("Default memory driver = %q, want memory", cfg.Memory.Driver)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	cfg := &Config{LogLevel: "trace", LogFormat: "text"}
	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "stream event")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output %q missing level=TRACE", buf.String())
	}
}
