package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// DefaultMaxAttempts is the structural retry budget for one conversion.
// Structural retries are count-bounded, never time-backed; transient network
// failures use their own backoff budget elsewhere.
const DefaultMaxAttempts = 3

// Converter drives one LLM-to-structured-output conversion. It sends the
// conversation, accepts either a tool call carrying a typed payload or a
// fenced JSON/YAML block, and on parse or validation failure appends a
// corrective user turn (restating the expected schema) before retrying.
type Converter struct {
	client      InferenceClient
	maxAttempts int
	schemaHint  string
	typeTag     string
	tool        *ToolDef
	logger      *slog.Logger
}

// ConverterOption is a functional option for configuring a Converter.
type ConverterOption func(*Converter)

// WithMaxAttempts sets the structural retry cap.
func WithMaxAttempts(n int) ConverterOption {
	return func(c *Converter) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithSchemaHint sets the schema text restated on every corrective turn.
func WithSchemaHint(hint string) ConverterOption {
	return func(c *Converter) {
		c.schemaHint = hint
	}
}

// WithTool offers a tool definition to the model; a tool call carrying the
// payload is preferred over fenced text when the provider supports it.
func WithTool(tool ToolDef) ConverterOption {
	return func(c *Converter) {
		c.tool = &tool
	}
}

// WithTypeTag requires fenced payloads to carry a matching "type"
// discriminator field. Payloads with a different tag are rejected as a
// structural failure.
func WithTypeTag(tag string) ConverterOption {
	return func(c *Converter) {
		c.typeTag = tag
	}
}

// WithConverterLogger sets the structured logger.
func WithConverterLogger(logger *slog.Logger) ConverterOption {
	return func(c *Converter) {
		c.logger = logger
	}
}

// NewConverter creates a Converter for the given inference client.
func NewConverter(client InferenceClient, opts ...ConverterOption) *Converter {
	c := &Converter{
		client:      client,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trace records how a conversion went, for diagnostic reporting.
type Trace struct {
	// Attempts is the number of LLM calls made.
	Attempts int

	// LastRaw is the raw payload of the final attempt, successful or not.
	LastRaw string
}

// Convert runs the conversion loop until the payload parses and passes
// validate (which may be nil), or the attempt cap is exhausted. Exhaustion
// returns an error naming the attempt count with the last raw payload
// attached. Provider-level call failures are not part of the structural
// budget and abort immediately.
func Convert[T any](ctx context.Context, c *Converter, messages []Message, validate func(*T) error) (*T, Trace, error) {
	var tools []ToolDef
	if c.tool != nil {
		tools = []ToolDef{*c.tool}
	}

	msgs := make([]Message, len(messages))
	copy(msgs, messages)

	trace := Trace{}
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		trace.Attempts = attempt

		reply, err := c.client.Chat(ctx, msgs, tools)
		if err != nil {
			return nil, trace, types.WrapError(types.LLM_CALL_FAILED, "inference call failed", err)
		}

		raw, value, err := decodeReply[T](reply, c.typeTag)
		trace.LastRaw = raw
		if err == nil && validate != nil {
			err = validate(value)
		}
		if err == nil {
			return value, trace, nil
		}

		lastErr = err
		c.logger.WarnContext(ctx, "structured output attempt failed",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", err)

		if attempt < c.maxAttempts {
			msgs = append(msgs, NewAssistantMessage(orPlaceholder(raw)))
			msgs = append(msgs, NewUserMessage(c.correction(err)))
		}
	}

	exhausted := &types.HelmsmanError{
		Code:    types.LLM_ATTEMPTS_EXHAUSTED,
		Message: fmt.Sprintf("no valid structured output after %d attempts", c.maxAttempts),
		Cause:   lastErr,
	}
	return nil, trace, exhausted
}

// correction builds the corrective user turn appended after a failed attempt.
func (c *Converter) correction(cause error) string {
	msg := fmt.Sprintf("The previous response was invalid: %v.\n"+
		"Respond again with a payload that fixes this.", cause)
	if c.schemaHint != "" {
		msg += "\n\nThe required shape is:\n" + c.schemaHint
	}
	return msg
}

// decodeReply turns a reply into a value of T, matching the response union
// exhaustively. Tool calls carry JSON arguments directly; text replies go
// through the payload cleaner, with fenced YAML accepted as an alternative.
func decodeReply[T any](reply *Reply, typeTag string) (string, *T, error) {
	if reply.IsEmpty() {
		return "", nil, types.NewError(types.LLM_EMPTY_RESPONSE, "model returned an empty response")
	}

	switch reply.Kind {
	case ReplyToolCall:
		raw := string(reply.ToolCall.Arguments)
		value, err := decodePayload[T](raw, typeTag, json.Unmarshal)
		return raw, value, err

	case ReplyText:
		// YAML-tagged fenced blocks are accepted alongside JSON.
		for _, block := range FencedBlocks(reply.Text) {
			if block.Lang == "yaml" || block.Lang == "yml" {
				value, err := decodePayload[T](block.Content, typeTag, yaml.Unmarshal)
				return block.Content, value, err
			}
		}

		raw, err := ExtractPayload(reply.Text)
		if err != nil {
			return reply.Text, nil, types.WrapError(types.LLM_NO_PAYLOAD, "no payload in response", err)
		}
		value, err := decodePayload[T](raw, typeTag, json.Unmarshal)
		return raw, value, err

	default:
		return "", nil, types.NewError(types.LLM_NO_PAYLOAD, fmt.Sprintf("unknown reply kind %q", reply.Kind))
	}
}

// decodePayload unmarshals raw into T after checking the optional type
// discriminator.
func decodePayload[T any](raw string, typeTag string, unmarshal func([]byte, any) error) (*T, error) {
	if typeTag != "" {
		var probe struct {
			Type string `json:"type" yaml:"type"`
		}
		if err := unmarshal([]byte(raw), &probe); err == nil && probe.Type != "" && probe.Type != typeTag {
			return nil, types.NewError(types.LLM_PARSE_FAILED,
				fmt.Sprintf("payload type %q does not match expected %q", probe.Type, typeTag))
		}
	}

	value := new(T)
	if err := unmarshal([]byte(raw), value); err != nil {
		return nil, types.WrapError(types.LLM_PARSE_FAILED, "payload did not parse", err)
	}
	return value, nil
}

func orPlaceholder(raw string) string {
	if raw == "" {
		return "(empty response)"
	}
	return raw
}
