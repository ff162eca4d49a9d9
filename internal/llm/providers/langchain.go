// Package providers contains inference client adapters. The langchaingo
// adapter covers every provider langchaingo speaks (OpenAI, Anthropic,
// Google, Ollama); the wire format of any single provider stays below this
// boundary.
package providers

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/llms"

	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// LangchainClient adapts a langchaingo model to the InferenceClient contract.
type LangchainClient struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// LangchainOption is a functional option for configuring a LangchainClient.
type LangchainOption func(*LangchainClient)

// WithTemperature sets the sampling temperature (0.0-1.0).
func WithTemperature(temp float64) LangchainOption {
	return func(c *LangchainClient) {
		if temp >= 0.0 && temp <= 1.0 {
			c.temperature = temp
		}
	}
}

// WithMaxTokens sets the maximum tokens to generate.
func WithMaxTokens(n int) LangchainOption {
	return func(c *LangchainClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewLangchainClient wraps a langchaingo model. Low temperature by default;
// structured extraction wants consistency over creativity.
func NewLangchainClient(model llms.Model, opts ...LangchainOption) *LangchainClient {
	c := &LangchainClient{
		model:       model,
		temperature: 0.2,
		maxTokens:   4000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat implements llm.InferenceClient.
func (c *LangchainClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Reply, error) {
	content := toLangchainMessages(messages)

	callOpts := []llms.CallOption{
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	}
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangchainTools(tools)))
	}

	resp, err := c.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, types.WrapError(types.LLM_CALL_FAILED, "langchain completion failed", err)
	}

	return fromLangchainResponse(resp), nil
}

// toLangchainMessages converts helmsman messages to langchaingo MessageContent.
func toLangchainMessages(messages []llm.Message) []llms.MessageContent {
	result := make([]llms.MessageContent, 0, len(messages))

	for _, msg := range messages {
		role := llms.ChatMessageTypeHuman
		switch msg.Role {
		case llm.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case llm.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case llm.RoleUser:
			role = llms.ChatMessageTypeHuman
		}

		result = append(result, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(msg.Content)},
		})
	}

	return result
}

// toLangchainTools converts tool definitions to langchaingo Tool format.
func toLangchainTools(tools []llm.ToolDef) []llms.Tool {
	result := make([]llms.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return result
}

// fromLangchainResponse converts a langchaingo response to the reply union.
// A tool call wins over text when both are present: the model chose to
// invoke, the text is usually narration.
func fromLangchainResponse(resp *llms.ContentResponse) *llm.Reply {
	if resp == nil || len(resp.Choices) == 0 {
		return llm.TextReply("")
	}

	choice := resp.Choices[0]
	if len(choice.ToolCalls) > 0 {
		tc := choice.ToolCalls[0]
		call := llm.ToolCall{ID: tc.ID}
		if tc.FunctionCall != nil {
			call.Name = tc.FunctionCall.Name
			call.Arguments = json.RawMessage(tc.FunctionCall.Arguments)
		}
		return llm.ToolCallReply(call)
	}

	return llm.TextReply(choice.Content)
}
