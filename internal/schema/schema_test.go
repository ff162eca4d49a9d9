package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/dictionary"
	"github.com/helmsman-ai/helmsman/internal/handbook"
)

func testDict(t *testing.T) *dictionary.Dictionary {
	t.Helper()
	return dictionary.Build(handbook.DictionarySource{
		Actions:    []string{"list", "sum", "book"},
		Entities:   []string{"sale", "flight"},
		Fields:     []string{"state", "period", "amount", "region"},
		Operators:  []string{"eq"},
		Aggregates: []string{"sum"},
	}, nil)
}

func TestComputeCacheKey_ValuesExcluded(t *testing.T) {
	california := PromptSchema{
		Action:   "list",
		Entities: []string{"sale"},
		Params:   map[string]any{"state": "California"},
	}
	texas := PromptSchema{
		Action:   "list",
		Entities: []string{"sale"},
		Params:   map[string]any{"state": "Texas"},
	}

	assert.Equal(t, california.ComputeCacheKey(), texas.ComputeCacheKey())
}

func TestComputeCacheKey_ShapeChangesKey(t *testing.T) {
	base := PromptSchema{
		Action:   "list",
		Entities: []string{"sale"},
		GroupBy:  []string{"region", "period"},
		Params:   map[string]any{"state": "CA"},
	}
	baseKey := base.ComputeCacheKey()

	t.Run("different action", func(t *testing.T) {
		s := base
		s.Action = "sum"
		assert.NotEqual(t, baseKey, s.ComputeCacheKey())
	})

	t.Run("different entity", func(t *testing.T) {
		s := base
		s.Entities = []string{"flight"}
		assert.NotEqual(t, baseKey, s.ComputeCacheKey())
	})

	t.Run("different param key", func(t *testing.T) {
		s := base
		s.Params = map[string]any{"period": "2024"}
		assert.NotEqual(t, baseKey, s.ComputeCacheKey())
	})

	t.Run("groupBy order matters", func(t *testing.T) {
		s := base
		s.GroupBy = []string{"period", "region"}
		assert.NotEqual(t, baseKey, s.ComputeCacheKey())
	})
}

func TestComputeCacheKey_EntityAndParamOrderIgnored(t *testing.T) {
	a := PromptSchema{
		Action:   "list",
		Entities: []string{"sale", "flight", "sale"},
		Params:   map[string]any{"state": 1, "period": 2},
	}
	b := PromptSchema{
		Action:   "list",
		Entities: []string{"flight", "sale"},
		Params:   map[string]any{"period": "x", "state": "y"},
	}

	assert.Equal(t, a.ComputeCacheKey(), b.ComputeCacheKey())
}

func TestFinalize(t *testing.T) {
	wf := &Workflow{
		Steps: []Step{
			{PromptSchema{Action: "list", Entities: []string{"sale"}}},
		},
	}
	wf.Finalize()

	assert.Equal(t, WorkflowSequential, wf.Type)
	assert.NotEmpty(t, wf.Steps[0].CacheKey)
	assert.Equal(t, wf.Steps[0].ComputeCacheKey(), wf.Steps[0].CacheKey)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	dict := testDict(t)
	wf := &Workflow{
		Type: WorkflowSequential,
		Steps: []Step{
			{PromptSchema{
				Action:   "teleport",                       // bad action
				Entities: []string{"sale", "warehouse"},    // one bad entity
				GroupBy:  []string{"region", "color"},      // one bad field
				Params:   map[string]any{"state": "CA", "velocity": 3}, // one bad param key
			}},
			{PromptSchema{
				Action:   "local",
				Entities: []string{"ghost"}, // bad entity
			}},
		},
	}

	violations := wf.Validate(dict)
	require.Len(t, violations, 5)

	tokens := make(map[string]bool)
	for _, v := range violations {
		tokens[v.Token] = true
	}
	for _, tok := range []string{"teleport", "warehouse", "color", "velocity", "ghost"} {
		assert.True(t, tokens[tok], "expected violation for %q", tok)
	}
}

func TestValidate_LocalActionAccepted(t *testing.T) {
	dict := testDict(t)
	wf := &Workflow{
		Steps: []Step{
			{PromptSchema{Action: ActionLocal, Entities: []string{"sale"}}},
		},
	}

	assert.Empty(t, wf.Validate(dict))
}

func TestValidate_MissingActionCategoryFailsActionOnly(t *testing.T) {
	// A handbook with zero dictionary actions: every action fails,
	// populated categories keep passing.
	dict := dictionary.Build(handbook.DictionarySource{
		Entities:   []string{"sale"},
		Fields:     []string{"state"},
		Operators:  []string{"eq"},
		Aggregates: []string{"sum"},
	}, nil)

	wf := &Workflow{
		Steps: []Step{
			{PromptSchema{
				Action:   "list",
				Entities: []string{"sale"},
				Params:   map[string]any{"state": "CA"},
			}},
		},
	}

	violations := wf.Validate(dict)
	require.Len(t, violations, 1)
	assert.Equal(t, dictionary.CategoryAction, violations[0].Category)
	assert.Equal(t, "list", violations[0].Token)
}
