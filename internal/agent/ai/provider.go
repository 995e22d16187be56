package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neboloop/glance/internal/agent/session"
)

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// ToolDefinition describes a tool available to the AI
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest represents a request to the AI provider
type ChatRequest struct {
	System    string            `json:"system,omitempty"`
	Messages  []session.Message `json:"messages"`
	Tools     []ToolDefinition  `json:"tools,omitempty"`
	Model     string            `json:"model,omitempty"` // Model override (e.g. from a skill)
	MaxTokens int               `json:"max_tokens,omitempty"`
}

// ChatResponse is a completed model turn: either text, tool calls, or both.
type ChatResponse struct {
	Text         string             `json:"text,omitempty"`
	ToolCalls    []session.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
}

// Provider is the model client consumed by the runner.
type Provider interface {
	// ID returns the provider identifier (e.g., "openai", "ollama")
	ID() string

	// Complete runs one chat completion with the tool catalogue attached.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// AnalyzeImage asks the vision model about a single image.
	AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error)
}

// Reason buckets provider failures by what the caller should do about them.
type Reason string

const (
	ReasonTransient Reason = "transient" // retry with backoff
	ReasonOverflow  Reason = "overflow"  // shrink history and retry
	ReasonPermanent Reason = "permanent" // surface to the caller
)

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider   string `json:"provider"`
	StatusCode int    `json:"status_code,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Reason     Reason `json:"reason"`
	Err        error  `json:"-"`
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	if e.StatusCode > 0 {
		fmt.Fprintf(&sb, " (%d)", e.StatusCode)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err from provider, classifying it by status code and
// message text.
func NewProviderError(provider string, status int, code string, err error) *ProviderError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	pe := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Err:        err,
	}
	pe.Reason = classify(status, code, msg)
	return pe
}

// Classify returns the reason for err. Errors that did not come from a
// provider are classified by their text.
func Classify(err error) Reason {
	if err == nil {
		return ReasonPermanent
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return classify(0, "", err.Error())
}

// IsContextOverflow checks if an error indicates context window overflow
func IsContextOverflow(err error) bool {
	return err != nil && Classify(err) == ReasonOverflow
}

// IsTransient reports whether err is worth retrying unchanged.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ReasonTransient
}

var overflowPatterns = []string{
	"context_length_exceeded",
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"input is too long",
	"too many tokens",
	"request too large",
	"reduce the length",
	"exceeds the model's",
	"string too long",
}

var transientPatterns = []string{
	"rate limit", "rate_limit", "too many requests",
	"timeout", "timed out", "deadline exceeded",
	"overloaded", "temporarily unavailable", "service unavailable",
	"bad gateway", "gateway timeout", "internal server error",
	"connection reset", "connection refused", "broken pipe",
	"unexpected eof", "server_error",
}

func classify(status int, code, msg string) Reason {
	lower := strings.ToLower(code + " " + msg)

	if status == 413 {
		return ReasonOverflow
	}
	for _, p := range overflowPatterns {
		if strings.Contains(lower, p) {
			return ReasonOverflow
		}
	}

	switch {
	case status == 408, status == 409, status == 429:
		return ReasonTransient
	case status >= 500 && status != 501:
		return ReasonTransient
	case status >= 400:
		return ReasonPermanent
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ReasonTransient
		}
	}
	return ReasonPermanent
}

// ClassifyErrorReason gives a finer label for logs and metrics.
// Returns: "overflow", "rate_limit", "auth", "timeout", "server", or "other"
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}
	if IsContextOverflow(err) {
		return "overflow"
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429:
			return "rate_limit"
		case pe.StatusCode == 401 || pe.StatusCode == 403:
			return "auth"
		case pe.StatusCode >= 500:
			return "server"
		}
	}

	lower := strings.ToLower(err.Error())
	for label, patterns := range map[string][]string{
		"rate_limit": {"rate limit", "too many requests", "throttl"},
		"auth":       {"unauthorized", "api key", "authentication", "forbidden"},
		"timeout":    {"timeout", "timed out", "deadline exceeded"},
	} {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return label
			}
		}
	}
	return "other"
}
