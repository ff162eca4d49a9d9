package plan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ohler55/ojg/jp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// NodeStatus is the lifecycle state of one plan node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Result is the outcome of one plan execution. Outputs holds the decoded
// response of every completed node; Statuses covers every node including
// skipped ones.
type Result struct {
	Outputs  map[string]map[string]any
	Statuses map[string]NodeStatus
	Errors   map[string]error
	Duration time.Duration
}

// Completed reports whether every node finished successfully.
func (r *Result) Completed() bool {
	for _, status := range r.Statuses {
		if status != NodeCompleted {
			return false
		}
	}
	return true
}

// Engine executes validated plans against a registry, respecting
// dependencies and the parallelism limit. A failed node aborts only the
// nodes downstream of it; independent branches run to completion.
type Engine struct {
	registry    *Registry
	logger      *slog.Logger
	tracer      trace.Tracer
	maxParallel int
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineTracer enables span creation around plan and node execution.
func WithEngineTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithMaxParallel caps the number of nodes running concurrently.
func WithMaxParallel(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine creates an Engine over the given registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:    registry,
		logger:      slog.Default(),
		maxParallel: 10,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execState tracks per-node status and outputs during one run.
type execState struct {
	mu       sync.Mutex
	plan     ExecutionPlan
	statuses map[string]NodeStatus
	outputs  map[string]map[string]any
	errors   map[string]error
}

func newExecState(p ExecutionPlan) *execState {
	s := &execState{
		plan:     p,
		statuses: make(map[string]NodeStatus, len(p)),
		outputs:  make(map[string]map[string]any, len(p)),
		errors:   make(map[string]error),
	}
	for id := range p {
		s.statuses[id] = NodePending
	}
	// The sentinel completes immediately with an empty output.
	s.statuses[StartNode] = NodeCompleted
	s.outputs[StartNode] = map[string]any{}
	return s
}

// readyNodes returns pending nodes whose dependencies all completed, sorted
// for deterministic dispatch order.
func (s *execState) readyNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []string
	for id, status := range s.statuses {
		if status != NodePending {
			continue
		}
		if s.dependenciesCompleted(id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

func (s *execState) dependenciesCompleted(id string) bool {
	for _, dep := range s.plan[id].Dependencies {
		if s.statuses[dep] != NodeCompleted {
			return false
		}
	}
	return true
}

// skipDoomed marks pending nodes with a failed or skipped dependency as
// skipped, transitively. Returns how many nodes were skipped.
func (s *execState) skipDoomed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := 0
	for {
		progressed := false
		for id, status := range s.statuses {
			if status != NodePending {
				continue
			}
			for _, dep := range s.plan[id].Dependencies {
				if ds := s.statuses[dep]; ds == NodeFailed || ds == NodeSkipped {
					s.statuses[id] = NodeSkipped
					skipped++
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return skipped
		}
	}
}

func (s *execState) markRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = NodeRunning
}

func (s *execState) markCompleted(id string, output map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = NodeCompleted
	s.outputs[id] = output
}

func (s *execState) markFailed(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = NodeFailed
	s.errors[id] = err
}

func (s *execState) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range s.statuses {
		if status == NodePending || status == NodeRunning {
			return false
		}
	}
	return true
}

// snapshotOutput returns a node's output for interpolation.
func (s *execState) snapshotOutput(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[id]
	return out, ok
}

// Execute runs the plan. The returned Result always reflects every node's
// final status; the error is non-nil when any node failed, carrying the
// first failure in node-id order, or when execution deadlocked or was
// cancelled.
func (e *Engine) Execute(ctx context.Context, p ExecutionPlan) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "plan.execute",
			trace.WithAttributes(attribute.Int("plan.node_count", len(p))))
		defer span.End()
	}

	e.logger.InfoContext(ctx, "starting plan execution", "node_count", len(p))
	start := time.Now()
	state := newExecState(p)

	for {
		select {
		case <-ctx.Done():
			e.logger.WarnContext(ctx, "plan execution cancelled", "reason", ctx.Err())
			return e.buildResult(state, start), types.WrapError(
				types.EXEC_OPERATION_FAILED, "plan execution cancelled", ctx.Err())
		default:
		}

		ready := state.readyNodes()
		if len(ready) == 0 {
			// Cascade skips below failed branches before judging completion.
			if state.skipDoomed() > 0 {
				continue
			}
			if state.isComplete() {
				break
			}
			e.logger.ErrorContext(ctx, "plan deadlocked")
			return e.buildResult(state, start), types.NewError(types.EXEC_DEADLOCK,
				"no runnable nodes but plan is not complete")
		}

		e.executeBatch(ctx, ready, state)
	}

	result := e.buildResult(state, start)
	e.logger.InfoContext(ctx, "plan execution finished",
		"duration", result.Duration,
		"completed", result.Completed())

	if err := firstFailure(state); err != nil {
		return result, err
	}
	return result, nil
}

// executeBatch runs a set of ready nodes under the parallelism cap.
func (e *Engine) executeBatch(ctx context.Context, ready []string, state *execState) {
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup

	for _, id := range ready {
		wg.Add(1)
		sem <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			state.markRunning(id)
			output, err := e.executeNode(ctx, id, state)
			if err != nil {
				e.logger.WarnContext(ctx, "plan node failed", "node", id, "error", err)
				state.markFailed(id, err)
				return
			}
			state.markCompleted(id, output)
		}(id)
	}

	wg.Wait()
}

func (e *Engine) executeNode(ctx context.Context, id string, state *execState) (map[string]any, error) {
	node := state.plan[id]

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "plan.node",
			trace.WithAttributes(
				attribute.String("node.id", id),
				attribute.String("node.operation", node.Operation),
			))
		defer span.End()
	}

	invoker, ok := e.registry.Resolve(node.Operation)
	if !ok {
		return nil, types.NewError(types.EXEC_UNKNOWN_OP,
			fmt.Sprintf("node %q: operation %q is not registered", id, node.Operation))
	}

	vars, err := resolveVars(node.Vars, state)
	if err != nil {
		return nil, err
	}

	return invoker.Invoke(ctx, vars)
}

// buildResult copies the final state into a Result.
func (e *Engine) buildResult(state *execState, start time.Time) *Result {
	state.mu.Lock()
	defer state.mu.Unlock()

	result := &Result{
		Outputs:  make(map[string]map[string]any, len(state.outputs)),
		Statuses: make(map[string]NodeStatus, len(state.statuses)),
		Errors:   make(map[string]error, len(state.errors)),
		Duration: time.Since(start),
	}
	for id, out := range state.outputs {
		result.Outputs[id] = out
	}
	for id, status := range state.statuses {
		result.Statuses[id] = status
	}
	for id, err := range state.errors {
		result.Errors[id] = err
	}
	return result
}

func firstFailure(state *execState) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	var failed []string
	for id := range state.errors {
		failed = append(failed, id)
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return state.errors[failed[0]]
}

// resolveVars materializes a node's vars, replacing ${nodeID.path}
// references with values drawn from upstream outputs. Resolution recurses
// into nested maps and slices; only whole-string values are treated as
// references.
func resolveVars(vars map[string]any, state *execState) (map[string]any, error) {
	if len(vars) == 0 {
		return map[string]any{}, nil
	}

	resolved := make(map[string]any, len(vars))
	for k, v := range vars {
		value, err := resolveValue(v, state)
		if err != nil {
			return nil, err
		}
		resolved[k] = value
	}
	return resolved, nil
}

func resolveValue(v any, state *execState) (any, error) {
	switch value := v.(type) {
	case string:
		if ref, ok := varReference(value); ok {
			return resolveReference(ref, state)
		}
		return value, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, inner := range value {
			resolved, err := resolveValue(inner, state)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, inner := range value {
			resolved, err := resolveValue(inner, state)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func varReference(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// resolveReference looks up "nodeID.path" in the referenced node's output
// using a JSONPath expression for the path part. A bare "nodeID" yields the
// whole output map.
func resolveReference(ref string, state *execState) (any, error) {
	nodeID, path, hasPath := strings.Cut(ref, ".")

	output, ok := state.snapshotOutput(nodeID)
	if !ok {
		return nil, types.NewError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("reference %q points at a node with no output", ref))
	}
	if !hasPath {
		return output, nil
	}

	expr, err := jp.ParseString("$." + path)
	if err != nil {
		return nil, types.WrapError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("reference %q is not a valid path", ref), err)
	}

	matches := expr.Get(output)
	if len(matches) == 0 {
		return nil, types.NewError(types.EXEC_PLAN_INVALID,
			fmt.Sprintf("reference %q matched nothing in the output of %q", ref, nodeID))
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return matches, nil
}
