package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChatCompletions captures the subset of the OpenAI SDK used by the
// adapter, so tests can substitute a stub for the real completions service.
type OpenAIChatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI implements Provider on top of the OpenAI chat completions API.
type OpenAI struct {
	completions  OpenAIChatCompletions
	defaultModel string
}

// NewOpenAI builds an OpenAI-backed provider from a completions client.
func NewOpenAI(completions OpenAIChatCompletions, defaultModel string) (*OpenAI, error) {
	if completions == nil {
		return nil, errors.New("openai: completions client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &OpenAI{completions: completions, defaultModel: defaultModel}, nil
}

// NewOpenAIFromAPIKey constructs a provider using the default OpenAI HTTP
// client configured from the given API key.
func NewOpenAIFromAPIKey(apiKey, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAI(&c.Chat.Completions, defaultModel)
}

// ChatCompletion implements Provider.
func (o *OpenAI) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	params, err := o.prepareRequest(req)
	if err != nil {
		return Response{}, err
	}
	resp, err := o.completions.New(ctx, params)
	if err != nil {
		if isOpenAIRateLimited(err) {
			return Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("openai: chat.completions.new: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

func (o *OpenAI) prepareRequest(req Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = o.defaultModel
	}

	messages, err := encodeOpenAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    modelID,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeOpenAITools(req.Tools)
	}
	if req.ToolChoice != nil {
		tc, err := encodeOpenAIToolChoice(*req.ToolChoice)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

func encodeOpenAIMessages(msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case m.ToolResult != nil:
			out = append(out, openai.ToolMessage(m.ToolResult.Content, m.ToolResult.ToolCallID))
		case m.Role == RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool call arguments: %w", err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.AssistantMessage(m.Content)
			if assistant.OfAssistant != nil {
				assistant.OfAssistant.ToolCalls = calls
			}
			out = append(out, assistant)
		case m.Role == RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  s.InputSchema,
		}))
	}
	return out
}

func encodeOpenAIToolChoice(choice ToolChoice) (openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", ToolChoiceAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}, nil
	case ToolChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}, nil
	case ToolChoiceAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}, nil
	case ToolChoiceTool:
		if choice.Name == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("openai: tool choice mode tool requires a name")
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateOpenAIResponse(resp *openai.ChatCompletion) Response {
	out := Response{
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	out.FinishReason = mapOpenAIFinishReason(string(choice.FinishReason))
	return out
}

func mapOpenAIFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishMaxTokens
	case "tool_calls":
		return FinishToolUse
	default:
		return FinishOther
	}
}

func isOpenAIRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
