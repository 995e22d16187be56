package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	zkr "github.com/zalando/go-keyring"

	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/agent/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   Reason
	}{
		{"openai overflow code", 400, errors.New("context_length_exceeded: This model's maximum context length is 8192 tokens"), ReasonOverflow},
		{"anthropic overflow", 400, errors.New("prompt is too long: 210000 tokens > 200000 maximum"), ReasonOverflow},
		{"payload too large", 413, errors.New("request entity too large"), ReasonOverflow},
		{"rate limited", 429, errors.New("slow down"), ReasonTransient},
		{"server error", 503, errors.New("upstream"), ReasonTransient},
		{"not implemented", 501, errors.New("nope"), ReasonPermanent},
		{"bad request", 400, errors.New("invalid tool schema"), ReasonPermanent},
		{"network timeout", 0, errors.New("dial tcp: i/o timeout"), ReasonTransient},
		{"connection reset", 0, errors.New("read: connection reset by peer"), ReasonTransient},
		{"unknown", 0, errors.New("model not found"), ReasonPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := NewProviderError("test", tt.status, "", tt.err)
			if pe.Reason != tt.want {
				t.Errorf("reason = %s, want %s", pe.Reason, tt.want)
			}
			wrapped := fmt.Errorf("round 3: %w", pe)
			if Classify(wrapped) != tt.want {
				t.Errorf("Classify(wrapped) = %s, want %s", Classify(wrapped), tt.want)
			}
		})
	}
}

func TestClassifyPlainErrors(t *testing.T) {
	if !IsContextOverflow(errors.New("This request exceeds the context window")) {
		t.Error("plain overflow text not detected")
	}
	if !IsTransient(errors.New("429 Too Many Requests")) {
		t.Error("plain rate limit text not detected")
	}
	if IsTransient(nil) || IsContextOverflow(nil) {
		t.Error("nil must not classify")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	root := context.DeadlineExceeded
	pe := NewProviderError("openai", 0, "", root)
	if !errors.Is(pe, context.DeadlineExceeded) {
		t.Error("ProviderError should unwrap to its cause")
	}
	if pe.Error() != "openai: context deadline exceeded" {
		t.Errorf("Error() = %q", pe.Error())
	}
}

func TestClassifyErrorReason(t *testing.T) {
	if got := ClassifyErrorReason(NewProviderError("x", 429, "", errors.New("busy"))); got != "rate_limit" {
		t.Errorf("got %s", got)
	}
	if got := ClassifyErrorReason(NewProviderError("x", 401, "", errors.New("bad key"))); got != "auth" {
		t.Errorf("got %s", got)
	}
	if got := ClassifyErrorReason(errors.New("maximum context length exceeded")); got != "overflow" {
		t.Errorf("got %s", got)
	}
}

func TestRespondedToolCalls(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Role: session.RoleTool, ToolCallID: "a", Content: "ok"},
	}
	ids := respondedToolCalls(msgs)
	if !ids["a"] || ids["b"] {
		t.Errorf("responded = %v", ids)
	}
}

func TestOpenAIBuildMessagesDropsDanglingCalls(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "", "gpt-4o-mini", "", 0)
	req := &ChatRequest{
		System: "be brief",
		Messages: []session.Message{
			session.User("hi"),
			{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "x", Name: "read"}}},
			session.User("never mind"),
		},
	}
	msgs := p.buildMessages(req)
	// system + two user messages; the assistant turn had only a dangling call.
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}
}

func TestAnthropicMergesToolResults(t *testing.T) {
	p := NewAnthropicProvider("sk-test", "", "claude", "", 0)
	msgs := p.buildMessages([]session.Message{
		session.User("list files"),
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "1", Name: "glob", Arguments: []byte(`{"pattern":"*"}`)},
			{ID: "2", Name: "glob", Arguments: []byte(`{"pattern":"*.go"}`)},
		}},
		{Role: session.RoleTool, ToolCallID: "1", Content: "a"},
		{Role: session.RoleTool, ToolCallID: "2", Content: "b"},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant, merged tool results; got %d messages", len(msgs))
	}
	if len(msgs[2].Content) != 2 {
		t.Errorf("expected 2 tool result blocks, got %d", len(msgs[2].Content))
	}
}

func TestNormalizeFinish(t *testing.T) {
	cases := map[string]string{
		"length":     FinishLength,
		"max_tokens": FinishLength,
		"tool_use":   FinishToolCalls,
		"tool_calls": FinishToolCalls,
		"end_turn":   FinishStop,
		"":           FinishStop,
	}
	for in, want := range cases {
		if got := normalizeFinish(in); got != want {
			t.Errorf("normalizeFinish(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewFactory(t *testing.T) {
	zkr.MockInit()
	t.Setenv("ANTHROPIC_API_KEY", "")

	p, err := New(config.ProviderConfig{Type: "ollama", Model: "llava"})
	if err != nil || p.ID() != "ollama" {
		t.Fatalf("ollama: %v, %v", p, err)
	}
	p, err = New(config.ProviderConfig{Type: "openai", APIKey: "sk", Model: "gpt-4o"})
	if err != nil || p.ID() != "openai" {
		t.Fatalf("openai: %v, %v", p, err)
	}
	if _, err := New(config.ProviderConfig{Type: "anthropic"}); err == nil {
		t.Error("anthropic without key should fail")
	}
	if _, err := New(config.ProviderConfig{Type: "gemini"}); err == nil {
		t.Error("unknown type should fail")
	}
}
