package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/types"
)

func TestExecutionPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    ExecutionPlan
		wantErr string
	}{
		{
			name: "valid linear plan",
			plan: ExecutionPlan{
				StartNode: {},
				"fetch":   {Operation: "sales.list", Dependencies: []string{StartNode}},
				"report":  {Operation: "sales.aggregate", Dependencies: []string{"fetch"}},
			},
		},
		{
			name: "missing sentinel",
			plan: ExecutionPlan{
				"fetch": {Operation: "sales.list"},
			},
			wantErr: "missing the start_node sentinel",
		},
		{
			name: "sentinel with operation",
			plan: ExecutionPlan{
				StartNode: {Operation: "sales.list"},
			},
			wantErr: "must not carry an operation",
		},
		{
			name: "node without operation",
			plan: ExecutionPlan{
				StartNode: {},
				"fetch":   {Dependencies: []string{StartNode}},
			},
			wantErr: `node "fetch" has no operation`,
		},
		{
			name: "unknown dependency",
			plan: ExecutionPlan{
				StartNode: {},
				"fetch":   {Operation: "sales.list", Dependencies: []string{"ghost"}},
			},
			wantErr: `depends on unknown node "ghost"`,
		},
		{
			name: "self dependency",
			plan: ExecutionPlan{
				StartNode: {},
				"fetch":   {Operation: "sales.list", Dependencies: []string{"fetch"}},
			},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			plan: ExecutionPlan{
				StartNode: {},
				"a":       {Operation: "op", Dependencies: []string{"b"}},
				"b":       {Operation: "op", Dependencies: []string{"a"}},
			},
			wantErr: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, types.EXEC_PLAN_INVALID, types.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecode(t *testing.T) {
	raw := map[string]any{
		"start_node": map[string]any{},
		"fetch": map[string]any{
			"operation":    "sales.list",
			"dependencies": []any{"start_node"},
			"vars":         map[string]any{"region": "west"},
		},
	}

	p, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, "sales.list", p["fetch"].Operation)
	assert.Equal(t, []string{StartNode}, p["fetch"].Dependencies)
	assert.Equal(t, "west", p["fetch"].Vars["region"])
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	raw := map[string]any{
		"start_node": map[string]any{},
		"fetch": map[string]any{
			"operation": "sales.list",
			"bogus":     true,
		},
	}

	_, err := Decode(raw)
	require.Error(t, err)
	assert.Equal(t, types.EXEC_PLAN_INVALID, types.CodeOf(err))
}
