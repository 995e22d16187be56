package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/logging"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface for Ollama (local models) using the official SDK
type OllamaProvider struct {
	client      *api.Client
	model       string
	visionModel string
	maxTokens   int
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL, model, visionModel string, maxTokens int) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "qwen3:4b"
	}
	if visionModel == "" {
		visionModel = model
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaURL)
	}

	// Longer timeout for local inference
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	return &OllamaProvider{
		client:      api.NewClient(parsedURL, httpClient),
		model:       model,
		visionModel: visionModel,
		maxTokens:   maxTokens,
	}
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Complete sends a non-streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: p.buildMessages(req),
		Stream:   &stream,
	}
	if limit := firstPositive(req.MaxTokens, p.maxTokens); limit > 0 {
		chatReq.Options = map[string]any{"num_predict": limit}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	logging.Debugf("[Ollama] Sending request: model=%s messages=%d tools=%d", model, len(chatReq.Messages), len(req.Tools))

	var (
		text      strings.Builder
		toolCalls []session.ToolCall
		done      string
	)
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			args, _ := json.Marshal(tc.Function.Arguments.ToMap())
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("ollama-call-%d", len(toolCalls)+1)
			}
			toolCalls = append(toolCalls, session.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
		}
		if resp.Done {
			done = resp.DoneReason
		}
		return nil
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	finish := normalizeFinish(done)
	if len(toolCalls) > 0 {
		finish = FinishToolCalls
	}
	return &ChatResponse{Text: text.String(), ToolCalls: toolCalls, FinishReason: finish}, nil
}

// AnalyzeImage sends the raw image bytes with the prompt.
func (p *OllamaProvider) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model: p.visionModel,
		Messages: []api.Message{{
			Role:    "user",
			Content: prompt,
			Images:  []api.ImageData{image},
		}},
		Stream: &stream,
	}

	var out strings.Builder
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", p.wrapError(err)
	}
	return out.String(), nil
}

func (p *OllamaProvider) wrapError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return NewProviderError(p.ID(), statusErr.StatusCode, "", err)
	}
	return NewProviderError(p.ID(), 0, "", err)
}

// buildMessages converts session messages to Ollama format
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	responded := respondedToolCalls(req.Messages)
	messages := make([]api.Message, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			m := api.Message{Role: "user", Content: msg.Text()}
			for _, part := range msg.Parts {
				if part.Type == session.PartImage && len(part.ImageData) > 0 {
					m.Images = append(m.Images, api.ImageData(part.ImageData))
				}
			}
			messages = append(messages, m)

		case session.RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				args := api.NewToolCallFunctionArguments()
				var argsMap map[string]any
				if err := json.Unmarshal(tc.Arguments, &argsMap); err == nil {
					for k, v := range argsMap {
						args.Set(k, v)
					}
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if m.Content != "" || len(m.ToolCalls) > 0 {
				messages = append(messages, m)
			}

		case session.RoleTool:
			if responded[msg.ToolCallID] {
				messages = append(messages, api.Message{
					Role:       "tool",
					Content:    msg.Content,
					ToolCallID: msg.ToolCallID,
					ToolName:   msg.ToolName,
				})
			}

		case session.RoleSystem:
			messages = append(messages, api.Message{Role: "system", Content: msg.Content})
		}
	}
	return messages
}

// buildTools converts tool definitions to Ollama format
func (p *OllamaProvider) buildTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))

	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			continue
		}

		params := api.ToolFunctionParameters{Type: "object"}
		if props, ok := schema["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, raw := range props {
				if obj, ok := raw.(map[string]any); ok {
					propsMap.Set(name, convertProperty(obj))
				}
			}
			params.Properties = propsMap
		}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func convertProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}
	if typ, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{typ}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}
	return result
}
