// Package session defines the conversation transcript types shared by the
// runner, the context window manager and the model providers.
package session

import (
	"encoding/json"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part kinds.
const (
	PartText  = "text"
	PartImage = "image"
)

// Part is one element of a multi-part message. Images are carried either as
// raw bytes (attachments) or as a URL the provider can fetch.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageData []byte `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"` // e.g. image/jpeg
}

// ToolCall is a structured request from the model to run one tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in the conversation.
//
// Content holds plain text; Parts, when non-empty, replaces it with an ordered
// list of text and image parts. ToolCalls appears only on assistant messages
// and ToolCallID only on tool messages.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Text returns the textual content, joining text parts when the message is
// multi-part.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// HasImages reports whether the message carries any image part.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// User builds a plain user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// Assistant builds a plain assistant message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResult builds a tool-result message answering call.
func ToolResult(call ToolCall, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// Clone returns a deep copy of msgs so callers can rewrite history without
// touching the caller's slice.
func Clone(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Parts != nil {
			out[i].Parts = append([]Part(nil), m.Parts...)
		}
		if m.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
	}
	return out
}
