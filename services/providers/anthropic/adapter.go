package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/upb/llm-governance-gateway/services/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

var defaultModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-haiku-20240307",
}

// AnthropicAdapter implements the Provider interface for the Messages API
type AnthropicAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
	models     map[string]struct{}
}

// NewAnthropicAdapter creates a new Anthropic adapter
func NewAnthropicAdapter(config providers.ProviderConfig) *AnthropicAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	list := config.Models
	if len(list) == 0 {
		list = defaultModels
	}
	models := make(map[string]struct{}, len(list))
	for _, m := range list {
		models[m] = struct{}{}
	}

	return &AnthropicAdapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		models:     models,
	}
}

func (a *AnthropicAdapter) Name() string {
	return providerName
}

func (a *AnthropicAdapter) SupportsModel(model string) bool {
	_, ok := a.models[model]
	return ok
}

func (a *AnthropicAdapter) ListModels() []string {
	out := make([]string, 0, len(a.models))
	for m := range a.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ChatCompletion sends one messages request. System messages are lifted into
// the top-level system field.
func (a *AnthropicAdapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	if !a.SupportsModel(req.Model) {
		return nil, providers.NewProviderError(providerName, "INVALID_MODEL",
			fmt.Sprintf("model %s is not supported", req.Model), http.StatusBadRequest, false, nil)
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(providerName, "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(providerName, "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	a.setHeaders(httpReq)
	if traceID := req.Metadata["trace_id"]; traceID != "" {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "HTTP_ERROR", "request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "READ_ERROR", "failed to read response", httpResp.StatusCode, true, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var out messagesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, providers.NewProviderError(providerName, "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: providers.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Provider: providerName,
		Latency:  time.Since(start),
		Created:  time.Now().UTC(),
		Metadata: req.Metadata,
	}, nil
}

// IsAvailable checks that the models endpoint answers
func (a *AnthropicAdapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *AnthropicAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.config.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}

func buildRequest(req *providers.ChatRequest) *messagesRequest {
	out := &messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  make([]message, 0, len(req.Messages)),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = &req.Temperature
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		out.Messages = append(out.Messages, message{Role: msg.Role, Content: msg.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func handleErrorResponse(statusCode int, body []byte) error {
	// 529 is the overloaded status
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(providerName, "UNKNOWN_ERROR",
			fmt.Sprintf("unexpected status %d", statusCode), statusCode, retryable, nil)
	}
	return providers.NewProviderError(providerName, errResp.Error.Type, errResp.Error.Message, statusCode, retryable, nil)
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
