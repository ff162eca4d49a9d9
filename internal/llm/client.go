package llm

import (
	"context"
)

// InferenceClient is the contract every inference provider adapter satisfies.
// Implementations send the conversation plus optional tool definitions and
// return either assistant text or a tool invocation.
//
// Implementations must be safe for concurrent use; one client is shared
// across all pipeline runs.
type InferenceClient interface {
	// Chat performs a synchronous completion. tools may be nil when the
	// caller only expects text. The returned Reply is never nil on a nil
	// error.
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Reply, error)
}

// ChatFunc adapts a plain function to the InferenceClient interface. Used by
// tests to script responses without a provider.
type ChatFunc func(ctx context.Context, messages []Message, tools []ToolDef) (*Reply, error)

// Chat implements InferenceClient.
func (f ChatFunc) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Reply, error) {
	return f(ctx, messages, tools)
}
