package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/memory"
)

// HTTPRouter delegates classification and workflows to a remote
// service. The service runs its own tools, so the invoker passed to
// RunWorkflow is not used.
type HTTPRouter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPRouter creates a router for the service at baseURL.
func NewHTTPRouter(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRouter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type classifyRequest struct {
	Text    string         `json:"text"`
	History []historyEntry `json:"history,omitempty"`
}

type workflowRequest struct {
	Intent Intent `json:"intent"`
	Text   string `json:"text"`
}

// Classify implements IntentRouter.
func (h *HTTPRouter) Classify(ctx context.Context, text string, history []memory.Message) (Intent, error) {
	req := classifyRequest{Text: text}
	for _, m := range history {
		req.History = append(req.History, historyEntry{Role: string(m.Role), Content: m.Content})
	}
	var in Intent
	if err := h.post(ctx, "/classify", req, &in); err != nil {
		return Intent{}, fmt.Errorf("classify: %w", err)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Intent{}, fmt.Errorf("classify: confidence %v outside [0,1]", in.Confidence)
	}
	return in, nil
}

// RunWorkflow implements IntentRouter.
func (h *HTTPRouter) RunWorkflow(ctx context.Context, intent Intent, text string, _ ToolInvoker) (Outcome, error) {
	var res WorkflowResult
	if err := h.post(ctx, "/workflow", workflowRequest{Intent: intent, Text: text}, &res); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	return FromResult(res), nil
}

func (h *HTTPRouter) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	h.logger.Debug("router response", "path", path, "status", resp.StatusCode)
	return nil
}

// Ping checks that the classification service answers GET /health.
func (h *HTTPRouter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return httpkit.CheckResponse(resp)
}
