// Package openai provides a model.Client implementation backed by the
// OpenAI Chat Completions API, in the same shape as features/model/anthropic
// but against github.com/openai/openai-go — the pack's openai adapter was
// built against a different, flatter message model than this runtime's
// Parts-based one, so this is a fresh sibling rather than a port.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter, satisfied by openai.Client.Chat.Completions or a test
	// double.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// SmallModel is used when model.Request.ModelClass is
		// ModelClassSmall and Model is empty.
		SmallModel string

		// MaxTokens sets the default completion cap when a request does
		// not specify MaxTokens.
		MaxTokens int
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		smallModel   string
		maxTok       int
	}
)

// New builds an OpenAI-backed model client from the provided chat client and
// options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, smallModel: opts.SmallModel, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" && req.ModelClass == model.ModelClassSmall {
		modelID = c.smallModel
	}
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolList, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
		Tools:    toolList,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := textOf(m)
		switch m.Role {
		case model.ConversationRoleSystem:
			out = append(out, openai.SystemMessage(text))
		case model.ConversationRoleUser:
			out = append(out, openai.UserMessage(text))
		case model.ConversationRoleAssistant:
			out = append(out, encodeAssistantMessage(m, text))
		case model.ConversationRoleTool:
			id, content := toolResultOf(m)
			out = append(out, openai.ToolMessage(content, id))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeAssistantMessage(m *model.Message, text string) openai.ChatCompletionMessageParamUnion {
	for _, p := range m.Parts {
		if tu, ok := p.(model.ToolUsePart); ok {
			args, _ := json.Marshal(tu.Input)
			msg := openai.AssistantMessage(text)
			msg.OfAssistant.ToolCalls = []openai.ChatCompletionMessageToolCallUnionParam{
				{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tu.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tu.Name,
							Arguments: string(args),
						},
					},
				},
			}
			return msg
		}
	}
	return openai.AssistantMessage(text)
}

func toolResultOf(m *model.Message) (id, content string) {
	for _, p := range m.Parts {
		if tr, ok := p.(model.ToolResultPart); ok {
			switch c := tr.Content.(type) {
			case string:
				content = c
			default:
				b, _ := json.Marshal(c)
				content = string(b)
			}
			id = tr.ToolUseID
		}
	}
	return id, content
}

func textOf(m *model.Message) string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		var params shared.FunctionParameters
		data, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  params,
		}))
	}
	return out, nil
}

func translateResponse(resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]
	out := &model.Response{StopReason: string(choice.FinishReason)}

	if text := choice.Message.Content; text != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		fn := tc.Function
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Name:    tools.Ident(fn.Name),
			Payload: json.RawMessage(fn.Arguments),
			ID:      tc.ID,
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out, nil
}
