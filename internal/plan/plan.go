// Package plan models executable call plans: a DAG of operation invocations
// produced by the planning phase and run by the Engine. Node ids are chosen
// by the planner; the start_node sentinel anchors the graph and carries no
// operation.
package plan

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// StartNode is the sentinel node id every plan must contain. It has no
// operation and no dependencies; all entry nodes depend on it.
const StartNode = "start_node"

// Node is one step of an execution plan.
type Node struct {
	// Operation is the registry id to invoke. Empty only for StartNode.
	Operation string `json:"operation,omitempty" mapstructure:"operation"`

	// Dependencies lists node ids that must complete before this node runs.
	Dependencies []string `json:"dependencies,omitempty" mapstructure:"dependencies"`

	// Vars are the invocation arguments. String values of the form
	// ${nodeID.path} are resolved against upstream outputs at run time.
	Vars map[string]any `json:"vars,omitempty" mapstructure:"vars"`
}

// ExecutionPlan maps node id to node definition.
type ExecutionPlan map[string]Node

// Decode builds an ExecutionPlan from loosely typed planner output.
func Decode(raw map[string]any) (ExecutionPlan, error) {
	var p ExecutionPlan
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &p,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, types.WrapError(types.EXEC_PLAN_INVALID, "plan decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, types.WrapError(types.EXEC_PLAN_INVALID, "plan does not match expected shape", err)
	}
	return p, nil
}

// Validate checks the structural invariants: the start sentinel exists and is
// bare, every other node names an operation, all dependencies resolve, and
// the graph is acyclic.
func (p ExecutionPlan) Validate() error {
	sentinel, ok := p[StartNode]
	if !ok {
		return types.NewError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("plan is missing the %s sentinel", StartNode))
	}
	if sentinel.Operation != "" || len(sentinel.Dependencies) > 0 {
		return types.NewError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("%s must not carry an operation or dependencies", StartNode))
	}

	for id, node := range p {
		if id == StartNode {
			continue
		}
		if node.Operation == "" {
			return types.NewError(types.EXEC_PLAN_INVALID,
				fmt.Sprintf("node %q has no operation", id))
		}
		for _, dep := range node.Dependencies {
			if _, ok := p[dep]; !ok {
				return types.NewError(types.EXEC_PLAN_INVALID,
					fmt.Sprintf("node %q depends on unknown node %q", id, dep))
			}
			if dep == id {
				return types.NewError(types.EXEC_PLAN_INVALID,
					fmt.Sprintf("node %q depends on itself", id))
			}
		}
	}

	if cycle := p.findCycle(); len(cycle) > 0 {
		return types.NewError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("dependency cycle: %v", cycle))
	}
	return nil
}

// NodeIDs returns the plan's node ids in sorted order.
func (p ExecutionPlan) NodeIDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findCycle runs a three-color DFS and returns the node ids on the first
// cycle found, or nil.
func (p ExecutionPlan) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p))

	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range p[id].Dependencies {
			switch color[dep] {
			case gray:
				// Found a back edge; the cycle is the stack suffix from dep.
				for i, s := range stack {
					if s == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
				return []string{dep, id}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range p.NodeIDs() {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
