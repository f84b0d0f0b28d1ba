package providers

import (
	"context"
	"errors"
	"time"
)

// Provider is one upstream LLM backend
type Provider interface {
	// Name returns the provider name (e.g., "openai", "anthropic")
	Name() string

	// ChatCompletion performs a chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// IsAvailable checks if the provider is currently reachable
	IsAvailable(ctx context.Context) bool

	// SupportsModel reports whether the provider serves model
	SupportsModel(model string) bool

	// ListModels returns the models this provider is known to serve
	ListModels() []string
}

// ChatRequest is the provider-neutral completion request
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"` // carries trace_id and request_id
}

// Message is a single conversation turn
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral completion response
type ChatResponse struct {
	ID           string            `json:"id"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        Usage             `json:"usage"`
	Provider     string            `json:"provider"`
	Latency      time.Duration     `json:"latency"`
	Created      time.Time         `json:"created"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Models  []string // overrides the adapter's built-in model list when set
	Headers map[string]string
}

// ProviderError is an error reported by, or while talking to, a provider
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int // HTTP status, 0 when no response was received
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is worth trying on another provider
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
