package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/logging"
)

// OpenAIProvider talks to OpenAI or any OpenAI-compatible /chat/completions
// endpoint (LM Studio, vLLM, DashScope, ...).
type OpenAIProvider struct {
	client      openai.Client
	model       string
	visionModel string
	maxTokens   int
}

// NewOpenAIProvider creates a new OpenAI provider. baseURL may be empty for
// the public API.
func NewOpenAIProvider(apiKey, baseURL, model, visionModel string, maxTokens int) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if visionModel == "" {
		visionModel = model
	}
	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       model,
		visionModel: visionModel,
		maxTokens:   maxTokens,
	}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Complete sends a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: p.buildMessages(req),
	}
	if limit := firstPositive(req.MaxTokens, p.maxTokens); limit > 0 {
		params.MaxCompletionTokens = openai.Int(int64(limit))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warnf("[OpenAI] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	logging.Debugf("[OpenAI] Sending request: model=%s messages=%d tools=%d", model, len(params.Messages), len(req.Tools))

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, NewProviderError(p.ID(), 0, "", errors.New("response contained no choices"))
	}

	choice := completion.Choices[0]
	resp := &ChatResponse{
		Text:         choice.Message.Content,
		FinishReason: normalizeFinish(string(choice.FinishReason)),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, session.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// AnalyzeImage sends the image inline as a base64 data URL.
func (p *OpenAIProvider) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.visionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(image, ""),
				}),
			}),
		},
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return "", NewProviderError(p.ID(), 0, "", errors.New("response contained no choices"))
	}
	return completion.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewProviderError(p.ID(), apiErr.StatusCode, apiErr.Code, err)
	}
	return NewProviderError(p.ID(), 0, "", err)
}

// buildMessages converts session messages to OpenAI format
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	responded := respondedToolCalls(req.Messages)

	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			if len(msg.Parts) == 0 {
				result = append(result, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case session.PartText:
					parts = append(parts, openai.TextContentPart(part.Text))
				case session.PartImage:
					url := part.ImageURL
					if url == "" {
						url = dataURL(part.ImageData, part.MediaType)
					}
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
				}
			}
			result = append(result, openai.UserMessage(parts))

		case session.RoleAssistant:
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				// Only include tool calls that have responses
				if !responded[tc.ID] {
					continue
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			text := msg.Text()
			if text == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if text != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})

		case session.RoleTool:
			if responded[msg.ToolCallID] {
				result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
			}

		case session.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		}
	}
	return result
}

// respondedToolCalls returns the ids of tool calls that have a matching tool
// result. Providers reject transcripts with dangling calls.
func respondedToolCalls(msgs []session.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == session.RoleTool && m.ToolCallID != "" {
			ids[m.ToolCallID] = true
		}
	}
	return ids
}

func dataURL(data []byte, mediaType string) string {
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func normalizeFinish(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
