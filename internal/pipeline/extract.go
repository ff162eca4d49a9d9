package pipeline

import (
	"context"
	"fmt"

	"github.com/helmsman-ai/helmsman/internal/graph"
	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// ContextPair names one entity the request touches and the operations
// relevant to it.
type ContextPair struct {
	Entity     string   `json:"entity"`
	Operations []string `json:"operations"`
}

// AssignmentContext is the outcome of the extraction phase: the serviceable
// restatement of the request, anything the system cannot serve, and the
// entity/operation pairs that scope the knowledge graph query.
type AssignmentContext struct {
	Refined   string        `json:"refined"`
	Unhandled string        `json:"unhandled"`
	Contexts  []ContextPair `json:"contexts"`
}

// Tuples converts the context pairs into graph query tuples.
func (ac *AssignmentContext) Tuples() []graph.ContextTuple {
	tuples := make([]graph.ContextTuple, 0, len(ac.Contexts))
	for _, pair := range ac.Contexts {
		tuples = append(tuples, graph.ContextTuple{
			Entity:     pair.Entity,
			Operations: pair.Operations,
		})
	}
	return tuples
}

// validateAssignment enforces the semantic contract on extracted contexts.
// Violations consume a structural-retry attempt like any parse failure.
func validateAssignment(ac *AssignmentContext) error {
	if ac.Refined == "" && ac.Unhandled == "" {
		return types.NewError(types.STATE_INVALID_CONTEXT,
			"refined is empty but nothing was reported as unhandled")
	}
	for _, pair := range ac.Contexts {
		if pair.Entity == "" {
			return types.NewError(types.STATE_INVALID_CONTEXT, "context with empty entity")
		}
		if len(pair.Operations) == 0 {
			return types.NewError(types.STATE_INVALID_CONTEXT,
				fmt.Sprintf("entity %q carries no operations", pair.Entity))
		}
	}
	if ac.Refined != "" && len(ac.Contexts) == 0 {
		return types.NewError(types.STATE_INVALID_CONTEXT,
			fmt.Sprintf("refined request %q has no contexts", ac.Refined))
	}
	return nil
}

// extract runs the extraction phase: one structured conversion with
// corrective retries, bounded by the converter's attempt cap.
func (p *Pipeline) extract(ctx context.Context, text string) (*AssignmentContext, llm.Trace, error) {
	converter := llm.NewConverter(p.client,
		llm.WithMaxAttempts(p.maxAttempts),
		llm.WithSchemaHint(extractShape),
		llm.WithConverterLogger(p.logger))

	messages := []llm.Message{
		llm.NewSystemMessage(extractSystemPrompt),
		llm.NewUserMessage(text),
	}

	return llm.Convert(ctx, converter, messages, validateAssignment)
}
