package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/logging"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicProvider implements the Anthropic Messages API using the official SDK
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	visionModel string
	maxTokens   int
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL, model, visionModel string, maxTokens int) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if visionModel == "" {
		visionModel = model
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       model,
		visionModel: visionModel,
		maxTokens:   firstPositive(maxTokens, defaultAnthropicMaxTokens),
	}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Complete sends a non-streaming Messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(firstPositive(req.MaxTokens, p.maxTokens)),
		Messages:  p.buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warnf("[Anthropic] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]any); ok {
				for _, r := range required {
					if s, ok := r.(string); ok {
						toolParam.InputSchema.Required = append(toolParam.InputSchema.Required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	logging.Debugf("[Anthropic] Sending request: model=%s messages=%d tools=%d", model, len(params.Messages), len(req.Tools))

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	resp := &ChatResponse{FinishReason: normalizeFinish(string(msg.StopReason))}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, session.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

// AnalyzeImage sends the image as a base64 image block.
func (p *AnthropicProvider) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.visionModel),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(http.DetectContentType(image), base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(prompt),
			),
		},
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.wrapError(err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(b.Text)
		}
	}
	return out.String(), nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError(p.ID(), apiErr.StatusCode, "", err)
	}
	return NewProviderError(p.ID(), 0, "", err)
}

// buildMessages converts session messages to Anthropic format. Consecutive
// tool results are merged into one user message, as the API requires.
func (p *AnthropicProvider) buildMessages(msgs []session.Message) []anthropic.MessageParam {
	responded := respondedToolCalls(msgs)
	var (
		result      []anthropic.MessageParam
		toolResults []anthropic.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(toolResults) > 0 {
			result = append(result, anthropic.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, msg := range msgs {
		if msg.Role != session.RoleTool {
			flushResults()
		}
		switch msg.Role {
		case session.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Parts {
				if part.Type == session.PartImage && len(part.ImageData) > 0 {
					mediaType := part.MediaType
					if mediaType == "" {
						mediaType = http.DetectContentType(part.ImageData)
					}
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(part.ImageData)))
				}
			}
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}

		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				var input map[string]any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case session.RoleTool:
			if responded[msg.ToolCallID] {
				toolResults = append(toolResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			}

		case session.RoleSystem:
			// Mid-conversation system notes become user-visible context.
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock("[system] "+msg.Content)))
		}
	}
	flushResults()
	return result
}
