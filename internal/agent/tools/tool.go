// Package tools implements the agent's tool set and the dispatcher that
// validates and runs model-issued tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is one capability the model can call.
//
// Execute returns a failure Result for anything the model should see and
// react to. A returned error is reserved for conditions the dispatcher must
// classify itself, such as sandbox errors and cancellation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Result is the outcome of one tool call. A failure is distinct from a
// successful empty output.
type Result struct {
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Content    string           `json:"content"`
	IsError    bool             `json:"is_error,omitempty"`
	Background *BackgroundTask  `json:"background,omitempty"`
	Skill      *SkillActivation `json:"skill,omitempty"`
}

// BackgroundTask describes a detached command started by bash.
type BackgroundTask struct {
	TaskID     string `json:"task_id"`
	OutputFile string `json:"output_file"`
	PID        int    `json:"pid,omitempty"`
}

// SkillActivation is attached to a successful invoke_skill result so the
// runner can apply the skill's restrictions for the rest of the turn.
type SkillActivation struct {
	Name         string    `json:"name"`
	AllowedTools *[]string `json:"allowed_tools,omitempty"`
	Model        string    `json:"model,omitempty"`
	Context      string    `json:"context,omitempty"`
}

func ok(content string) *Result {
	return &Result{Content: content}
}

func fail(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// decode unmarshals validated arguments. Empty input is treated as {}.
func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
