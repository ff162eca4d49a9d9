package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayload_CodeBlock(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected string
	}{
		{
			name:     "json tagged block",
			response: "Here you go:\n```json\n{\"action\": \"list\"}\n```\nDone.",
			expected: `{"action": "list"}`,
		},
		{
			name:     "untagged block",
			response: "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "skips non-json language blocks",
			response: "```python\nprint('hi')\n```\n```json\n{\"b\": 2}\n```",
			expected: `{"b": 2}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractPayload(tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExtractPayload_RawJSON(t *testing.T) {
	got, err := ExtractPayload(`Sure! The schema is {"action": "list", "entities": ["sale"]} as requested.`)
	require.NoError(t, err)
	assert.Equal(t, `{"action": "list", "entities": ["sale"]}`, got)
}

func TestExtractPayload_TrailingCommas(t *testing.T) {
	response := `{"action": "list", "entities": ["sale", "region",], "params": {"state": "CA",},}`

	got, err := ExtractPayload(response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"list","entities":["sale","region"],"params":{"state":"CA"}}`, got)
}

func TestExtractPayload_DuplicatedClosingBrackets(t *testing.T) {
	// The outer object closes, then the model keeps emitting brackets.
	response := `{"action": "list", "params": {"x": 1}}}}]`

	got, err := ExtractPayload(response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"list","params":{"x":1}}`, got)
}

func TestExtractPayload_ProseAroundPayload(t *testing.T) {
	response := "I analyzed your request.\n\n{\"steps\": [{\"action\": \"find\"}]}\n\nLet me know if that helps!"

	got, err := ExtractPayload(response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[{"action":"find"}]}`, got)
}

func TestExtractPayload_BracketsInsideStrings(t *testing.T) {
	response := `{"note": "use {braces} and \"quotes\" freely", "n": 1}`

	got, err := ExtractPayload(response)
	require.NoError(t, err)
	assert.Equal(t, response, got)
}

func TestExtractPayload_Failures(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{name: "empty", response: ""},
		{name: "whitespace only", response: "   \n\t"},
		{name: "no payload at all", response: "I cannot answer that."},
		{name: "truncated object", response: `{"action": "list", "entities": ["sa`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractPayload(tt.response)
			assert.Error(t, err)
		})
	}
}

func TestExtractPayloadAs(t *testing.T) {
	type schema struct {
		Action   string   `json:"action"`
		Entities []string `json:"entities"`
	}

	got, err := ExtractPayloadAs[schema]("```json\n{\"action\": \"sum\", \"entities\": [\"sale\"],}\n```")
	require.NoError(t, err)
	assert.Equal(t, "sum", got.Action)
	assert.Equal(t, []string{"sale"}, got.Entities)
}

func TestFencedBlocks(t *testing.T) {
	response := "```yaml\ntype: plan\n```\nand\n```json\n{}\n```"

	blocks := FencedBlocks(response)
	require.Len(t, blocks, 2)
	assert.Equal(t, "yaml", blocks[0].Lang)
	assert.Equal(t, "type: plan", blocks[0].Content)
	assert.Equal(t, "json", blocks[1].Lang)
}
