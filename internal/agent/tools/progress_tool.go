package tools

import (
	"context"
	"encoding/json"

	"github.com/neboloop/glance/internal/events"
)

// ProgressInput are the arguments of progress_update.
type ProgressInput struct {
	Message string `json:"message,omitempty" jsonschema_description:"Short status line for the user"`
	Detail  string `json:"detail,omitempty" jsonschema_description:"Optional longer explanation"`
}

// ProgressTool lets the model narrate its plan. It has no side effects
// beyond the notification and always succeeds.
type ProgressTool struct {
	sink events.Sink
}

func NewProgressTool(sink events.Sink) *ProgressTool {
	if sink == nil {
		sink = events.Nop{}
	}
	return &ProgressTool{sink: sink}
}

func (t *ProgressTool) Name() string { return "progress_update" }

func (t *ProgressTool) Description() string {
	return "Tell the user what you are doing or about to do. Use it before long multi-step work."
}

func (t *ProgressTool) Schema() json.RawMessage { return schemaOf(&ProgressInput{}) }

func (t *ProgressTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in ProgressInput
	_ = json.Unmarshal(input, &in)
	t.sink.Emit(events.StageProgress, in.Message, in.Detail)
	return ok("ok"), nil
}
