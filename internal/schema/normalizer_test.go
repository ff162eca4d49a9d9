package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/dictionary"
	"github.com/helmsman-ai/helmsman/internal/handbook"
	"github.com/helmsman-ai/helmsman/internal/llm"
)

// scripted replays canned text replies in order and records the messages of
// every call.
type scripted struct {
	texts []string
	calls [][]llm.Message
}

func (s *scripted) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Reply, error) {
	s.calls = append(s.calls, messages)
	i := len(s.calls) - 1
	if i >= len(s.texts) {
		return llm.TextReply(""), nil
	}
	return llm.TextReply(s.texts[i]), nil
}

func normDict() *dictionary.Dictionary {
	return dictionary.Build(handbook.DictionarySource{
		Actions:    []string{"list", "sum"},
		Entities:   []string{"sale"},
		Fields:     []string{"state", "region"},
		Operators:  []string{"eq"},
		Aggregates: []string{"sum"},
	}, nil)
}

func TestNormalize_ValidFirstAttempt(t *testing.T) {
	client := &scripted{texts: []string{
		"```json\n{\"workflow_type\": \"sequential\", \"steps\": [{\"action\": \"list\", \"entities\": [\"sale\"], \"params\": {\"state\": \"California\"}}]}\n```",
	}}

	nz := NewNormalizer(client, normDict())
	wf, err := nz.Normalize(context.Background(), "Show sales in California")

	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, WorkflowSequential, wf.Type)
	assert.Empty(t, wf.Violations)
	assert.NotEmpty(t, wf.Steps[0].CacheKey)

	// The dictionary context must be embedded in the first user turn.
	first := client.calls[0]
	require.Len(t, first, 2)
	assert.Contains(t, first[1].Content, `"actions":["list","sum"]`)
}

func TestNormalize_SameShapeDifferentLiterals(t *testing.T) {
	reply := func(state string) string {
		return `{"workflow_type": "sequential", "steps": [{"action": "list", "entities": ["sale"], "params": {"state": "` + state + `"}}]}`
	}

	nz1 := NewNormalizer(&scripted{texts: []string{reply("California")}}, normDict())
	nz2 := NewNormalizer(&scripted{texts: []string{reply("Texas")}}, normDict())

	wf1, err := nz1.Normalize(context.Background(), "Show sales in California")
	require.NoError(t, err)
	wf2, err := nz2.Normalize(context.Background(), "Show sales in Texas")
	require.NoError(t, err)

	assert.Equal(t, wf1.Steps[0].CacheKey, wf2.Steps[0].CacheKey)
	assert.NotEqual(t, wf1.Steps[0].Params["state"], wf2.Steps[0].Params["state"])
}

func TestNormalize_RetryListsEveryViolation(t *testing.T) {
	client := &scripted{texts: []string{
		`{"steps": [{"action": "teleport", "entities": ["warehouse"], "params": {"velocity": 1}}]}`,
		`{"steps": [{"action": "list", "entities": ["sale"], "params": {"state": "CA"}}]}`,
	}}

	nz := NewNormalizer(client, normDict())
	wf, err := nz.Normalize(context.Background(), "do something odd")

	require.NoError(t, err)
	assert.Empty(t, wf.Violations)
	require.Len(t, client.calls, 2)

	// Feedback turn lists all three violations and restates the shape.
	feedback := client.calls[1][len(client.calls[1])-1]
	assert.Equal(t, llm.RoleUser, feedback.Role)
	assert.Contains(t, feedback.Content, `"teleport"`)
	assert.Contains(t, feedback.Content, `"warehouse"`)
	assert.Contains(t, feedback.Content, `"velocity"`)
	assert.Contains(t, feedback.Content, `"workflow_type"`)
}

func TestNormalize_ParseFailureFatalAfterThreeAttempts(t *testing.T) {
	client := &scripted{texts: []string{
		"no json here",
		"still nothing",
		"final garbage",
	}}

	nz := NewNormalizer(client, normDict())
	_, err := nz.Normalize(context.Background(), "anything")

	require.Error(t, err)
	assert.Len(t, client.calls, 3)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, "final garbage", perr.RawPayload)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestNormalize_ValidationFailureReturnsBestEffort(t *testing.T) {
	bad := `{"steps": [{"action": "teleport", "entities": ["sale"]}]}`
	client := &scripted{texts: []string{bad, bad, bad}}

	nz := NewNormalizer(client, normDict())
	wf, err := nz.Normalize(context.Background(), "beam me up")

	// Validation exhaustion is not fatal: the schema is advisory.
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Len(t, client.calls, 3)
	require.Len(t, wf.Violations, 1)
	assert.Equal(t, "teleport", wf.Violations[0].Token)
	assert.NotEmpty(t, wf.Steps[0].CacheKey)
}

func TestNormalize_ZeroActionDictionary(t *testing.T) {
	// Handbook with no actions: the action always fails validation while
	// the other categories pass.
	dict := dictionary.Build(handbook.DictionarySource{
		Entities:   []string{"sale"},
		Fields:     []string{"state"},
		Operators:  []string{"eq"},
		Aggregates: []string{"sum"},
	}, nil)

	reply := `{"steps": [{"action": "list", "entities": ["sale"], "params": {"state": "CA"}}]}`
	client := &scripted{texts: []string{reply, reply, reply}}

	nz := NewNormalizer(client, dict)
	wf, err := nz.Normalize(context.Background(), "Show sales in CA")

	require.NoError(t, err)
	require.Len(t, wf.Violations, 1)
	assert.Equal(t, dictionary.CategoryAction, wf.Violations[0].Category)
}

func TestNormalize_ToolCallPayloadAccepted(t *testing.T) {
	client := llm.ChatFunc(func(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Reply, error) {
		return llm.ToolCallReply(llm.ToolCall{
			Name:      "emit_schema",
			Arguments: []byte(`{"steps": [{"action": "sum", "entities": ["sale"], "group_by": ["region"]}]}`),
		}), nil
	})

	nz := NewNormalizer(client, normDict())
	wf, err := nz.Normalize(context.Background(), "total sales by region")

	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, []string{"region"}, wf.Steps[0].GroupBy)
}

func TestNormalize_ProviderErrorAbortsImmediately(t *testing.T) {
	calls := 0
	client := llm.ChatFunc(func(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Reply, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	nz := NewNormalizer(client, normDict())
	_, err := nz.Normalize(context.Background(), "anything")

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
