package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/helmsman-ai/helmsman/internal/dictionary"
	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// normalizerSystemPrompt instructs the model to emit a workflow JSON
// document against the embedded dictionary.
const normalizerSystemPrompt = `You canonicalize natural-language requests into structured prompt schemas.

Decompose the request into one or more sequential steps. Each step names one
action, the entities it touches, the parameters it filters on, and any
grouping fields. Use ONLY tokens from the provided dictionary; a step that
needs no registered service uses the action "local".

Respond with exactly one JSON object, no prose.`

// workflowShape is restated on every corrective turn.
const workflowShape = `{
  "workflow_type": "sequential",
  "steps": [
    {
      "action": "<dictionary action or \"local\">",
      "entities": ["<dictionary entity>", ...],
      "group_by": ["<dictionary field>", ...],
      "params": {"<dictionary field>": <literal value>, ...}
    }
  ]
}`

// ParseError is returned when the normalizer exhausts its retry budget
// without ever receiving a parseable payload. The offending raw text is
// attached for diagnostics.
type ParseError struct {
	Attempts   int
	RawPayload string
	Cause      error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("[%s] normalization produced no parseable schema after %d attempts",
		types.SCHEMA_PARSE_FAILED, e.Attempts)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Normalizer converts free text into a validated PromptSchemaWorkflow using
// the LLM for canonicalization and the dictionary for validation.
//
// The retry asymmetry is deliberate: an exhausted parse failure is fatal
// (there is nothing to return), while an exhausted validation failure
// returns the best-effort workflow with its violations attached — the
// schema feeds optional caching and analytics, not execution correctness.
type Normalizer struct {
	client      llm.InferenceClient
	dict        *dictionary.Dictionary
	maxAttempts int
	logger      *slog.Logger
}

// NormalizerOption is a functional option for configuring a Normalizer.
type NormalizerOption func(*Normalizer)

// WithNormalizerAttempts sets the total attempt budget (default 3).
func WithNormalizerAttempts(n int) NormalizerOption {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.maxAttempts = n
		}
	}
}

// WithNormalizerLogger sets the structured logger.
func WithNormalizerLogger(logger *slog.Logger) NormalizerOption {
	return func(nz *Normalizer) {
		nz.logger = logger
	}
}

// NewNormalizer creates a Normalizer bound to an inference client and a
// dictionary.
func NewNormalizer(client llm.InferenceClient, dict *dictionary.Dictionary, opts ...NormalizerOption) *Normalizer {
	nz := &Normalizer{
		client:      client,
		dict:        dict,
		maxAttempts: 3,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(nz)
	}
	return nz
}

// Normalize turns text into a finalized workflow. Each retry feeds back
// every violation found, not just the first, plus the required JSON shape.
func (nz *Normalizer) Normalize(ctx context.Context, text string) (*Workflow, error) {
	messages := []llm.Message{
		llm.NewSystemMessage(normalizerSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf("Dictionary:\n%s\n\nRequest:\n%s\n\nRequired JSON shape:\n%s",
			nz.dict.PromptContext(), text, workflowShape)),
	}

	var (
		lastRaw        string
		lastParseErr   error
		lastWorkflow   *Workflow
		lastViolations []dictionary.Violation
	)

	for attempt := 1; attempt <= nz.maxAttempts; attempt++ {
		reply, err := nz.client.Chat(ctx, messages, nil)
		if err != nil {
			return nil, types.WrapError(types.LLM_CALL_FAILED, "normalization call failed", err)
		}

		raw := rawPayload(reply)
		lastRaw = raw

		wf, parseErr := parseWorkflow(raw)
		if parseErr != nil {
			lastParseErr = parseErr
			lastWorkflow = nil
			nz.logger.WarnContext(ctx, "normalizer payload did not parse",
				"attempt", attempt, "error", parseErr)

			if attempt < nz.maxAttempts {
				messages = appendFeedback(messages, raw, fmt.Sprintf(
					"The previous response did not contain valid JSON: %v.\nRespond with exactly one JSON object of this shape:\n%s",
					parseErr, workflowShape))
			}
			continue
		}

		wf.Finalize()
		lastParseErr = nil
		lastWorkflow = wf

		violations := wf.Validate(nz.dict)
		if len(violations) == 0 {
			return wf, nil
		}

		lastViolations = violations
		nz.logger.WarnContext(ctx, "normalized schema failed dictionary validation",
			"attempt", attempt, "violations", len(violations))

		if attempt < nz.maxAttempts {
			messages = appendFeedback(messages, raw, violationFeedback(violations))
		}
	}

	// Budget exhausted. A parse failure on the final attempt is fatal; a
	// validation failure returns the best-effort schema anyway.
	if lastWorkflow == nil {
		return nil, &ParseError{
			Attempts:   nz.maxAttempts,
			RawPayload: lastRaw,
			Cause:      lastParseErr,
		}
	}

	nz.logger.WarnContext(ctx, "returning best-effort schema with unresolved violations",
		"attempts", nz.maxAttempts, "violations", len(lastViolations))
	lastWorkflow.Violations = lastViolations
	return lastWorkflow, nil
}

// rawPayload flattens the reply union to the text the parser should see.
func rawPayload(reply *llm.Reply) string {
	if reply == nil {
		return ""
	}
	switch reply.Kind {
	case llm.ReplyToolCall:
		if reply.ToolCall != nil {
			return string(reply.ToolCall.Arguments)
		}
		return ""
	case llm.ReplyText:
		return reply.Text
	default:
		return ""
	}
}

// parseWorkflow runs the payload cleaner and unmarshals the workflow.
func parseWorkflow(raw string) (*Workflow, error) {
	payload, err := llm.ExtractPayload(raw)
	if err != nil {
		return nil, err
	}

	var wf Workflow
	if err := json.Unmarshal([]byte(payload), &wf); err != nil {
		return nil, fmt.Errorf("payload did not unmarshal: %w", err)
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}
	return &wf, nil
}

// violationFeedback lists every violation and restates the required shape.
func violationFeedback(violations []dictionary.Violation) string {
	var b strings.Builder
	b.WriteString("The previous schema used tokens outside the dictionary:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v.String())
		b.WriteString("\n")
	}
	b.WriteString("\nReplace every listed token with a dictionary member and respond again with exactly one JSON object of this shape:\n")
	b.WriteString(workflowShape)
	return b.String()
}

func appendFeedback(messages []llm.Message, raw, feedback string) []llm.Message {
	if raw == "" {
		raw = "(empty response)"
	}
	messages = append(messages, llm.NewAssistantMessage(raw))
	return append(messages, llm.NewUserMessage(feedback))
}
