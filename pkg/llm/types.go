package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// MessageRole is the closed set of chat roles.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Request is a vendor-agnostic completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage holds token accounting for a completion. Counts of zero mean the
// vendor omitted them and the caller should estimate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a vendor-agnostic completion response.
type Response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client completes chat requests against one vendor endpoint.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StatusError carries the upstream HTTP status so callers can classify
// failures (transient vs client error).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether an upstream error should count against the
// circuit breaker: network errors, 5xx, and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusTooManyRequests
	}
	// Non-HTTP errors (timeouts, connection resets) are transient.
	return true
}

// IsCredentialError reports whether the upstream rejected the credential.
func IsCredentialError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}
