// Package pipeline drives one prompt through the orchestration phases:
// extract the serviceable request, plan grounded operation calls, execute
// the plan, and summarize the result. A background task normalizes the
// prompt into its cache schema after the answer is produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-ai/helmsman/internal/dictionary"
	"github.com/helmsman-ai/helmsman/internal/graph"
	"github.com/helmsman-ai/helmsman/internal/handbook"
	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/plan"
	"github.com/helmsman-ai/helmsman/internal/schema"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// Phase names the stages of one run.
type Phase string

const (
	PhaseExtract   Phase = "EXTRACT"
	PhasePlan      Phase = "PLAN"
	PhaseExecute   Phase = "EXECUTE"
	PhaseSummary   Phase = "SUMMARY"
	PhaseCompleted Phase = "COMPLETED"
)

// DefaultNormalizeTimeout bounds how long a run waits for the background
// normalization before reporting it as timed out.
const DefaultNormalizeTimeout = 20 * time.Second

// Outcome is the result of one handled prompt.
type Outcome struct {
	// Content is the answer text.
	Content string

	// ReportPath points at the diagnostic report, or "" when reporting is
	// disabled.
	ReportPath string
}

// Pipeline handles prompts end to end. Safe for concurrent use: per-run
// state lives on the stack, shared components are read-mostly.
type Pipeline struct {
	client     llm.InferenceClient
	store      *graph.Store
	registry   *plan.Registry
	engine     *plan.Engine
	normalizer *schema.Normalizer
	cache      schema.Cache
	reports    *ReportWriter

	logger           *slog.Logger
	tracer           trace.Tracer
	maxAttempts      int
	normalizeTimeout time.Duration
	registryOpts     []plan.RegistryOption
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithTracer enables span creation around each phase.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithSchemaCache enables schema recording after normalization.
func WithSchemaCache(cache schema.Cache) Option {
	return func(p *Pipeline) {
		p.cache = cache
	}
}

// WithReportDir enables per-run diagnostic reports under dir.
func WithReportDir(dir string) Option {
	return func(p *Pipeline) {
		p.reports = NewReportWriter(dir, p.logger)
	}
}

// WithNormalizeTimeout bounds the wait for background normalization.
func WithNormalizeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.normalizeTimeout = d
		}
	}
}

// WithMaxAttempts caps structural LLM retries in the extract and plan
// phases.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRegistry replaces the registry built from the handbook. Intended for
// tests that stub out operation invocations.
func WithRegistry(registry *plan.Registry) Option {
	return func(p *Pipeline) {
		p.registry = registry
	}
}

// WithRegistryOptions forwards options to the handbook-built registry.
func WithRegistryOptions(opts ...plan.RegistryOption) Option {
	return func(p *Pipeline) {
		p.registryOpts = opts
	}
}

// New creates a Pipeline over a handbook, an LLM client, and an initialized
// graph store. The operation registry, dictionary, and normalizer derive
// from the handbook.
func New(client llm.InferenceClient, hb *handbook.Handbook, store *graph.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:           client,
		store:            store,
		logger:           slog.Default(),
		maxAttempts:      llm.DefaultMaxAttempts,
		normalizeTimeout: DefaultNormalizeTimeout,
		reports:          NewReportWriter("", nil),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry == nil {
		p.registry = plan.BuildRegistry(hb, p.registryOpts...)
	}
	p.engine = plan.NewEngine(p.registry,
		plan.WithEngineLogger(p.logger),
		plan.WithEngineTracer(p.tracer))

	dict := dictionary.Build(hb.Dictionary, p.logger)
	p.normalizer = schema.NewNormalizer(p.client, dict,
		schema.WithNormalizerLogger(p.logger))

	return p
}

// HandlePrompt runs one prompt through the full phase sequence. The
// diagnostic report is written whether the run succeeds or fails; the
// returned error carries the failing phase's typed cause.
func (p *Pipeline) HandlePrompt(ctx context.Context, text string) (*Outcome, error) {
	if !p.store.IsInitialized() {
		return nil, types.NewError(types.STATE_NOT_INITIALIZED,
			"knowledge graph store is not initialized")
	}

	runID := uuid.NewString()
	logger := p.logger.With("request_id", runID)

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "pipeline.handle_prompt",
			trace.WithAttributes(attribute.String("request_id", runID)))
		defer span.End()
	}

	report := &Report{
		RunID:     runID,
		Prompt:    text,
		StartedAt: time.Now(),
	}
	logger.InfoContext(ctx, "handling prompt")

	run := func(phase Phase, fn func(context.Context) (llm.Trace, error)) error {
		phaseCtx := ctx
		var span trace.Span
		if p.tracer != nil {
			phaseCtx, span = p.tracer.Start(ctx, "pipeline."+string(phase))
			defer span.End()
		}

		started := time.Now()
		tr, err := fn(phaseCtx)

		pr := PhaseReport{
			Phase:     string(phase),
			StartedAt: started,
			Duration:  time.Since(started),
		}
		if tr.Attempts > 1 {
			pr.Retries = tr.Attempts - 1
		}
		if err != nil {
			pr.Error = err.Error()
			report.LastRawPayload = tr.LastRaw
		}
		report.Phases = append(report.Phases, pr)
		return err
	}

	var assignment *AssignmentContext
	if err := run(PhaseExtract, func(ctx context.Context) (llm.Trace, error) {
		ac, tr, err := p.extract(ctx, text)
		assignment = ac
		return tr, err
	}); err != nil {
		return p.fail(ctx, logger, report, err)
	}

	var execPlan plan.ExecutionPlan
	if err := run(PhasePlan, func(ctx context.Context) (llm.Trace, error) {
		ep, tr, err := p.buildPlan(ctx, assignment)
		execPlan = ep
		return tr, err
	}); err != nil {
		return p.fail(ctx, logger, report, err)
	}

	var result *plan.Result
	if err := run(PhaseExecute, func(ctx context.Context) (llm.Trace, error) {
		r, err := p.engine.Execute(ctx, execPlan)
		result = r
		if r != nil {
			report.NodeStatuses = nodeStatuses(r)
		}
		return llm.Trace{}, err
	}); err != nil {
		return p.fail(ctx, logger, report, err)
	}

	var content string
	_ = run(PhaseSummary, func(ctx context.Context) (llm.Trace, error) {
		content = summarize(result)
		return llm.Trace{}, nil
	})

	report.Normalization = p.normalizeInBackground(ctx, logger, text)

	report.CompletedAt = time.Now()
	reportPath := p.reports.Write(ctx, report)
	logger.InfoContext(ctx, "prompt completed",
		"phase", PhaseCompleted,
		"duration", report.CompletedAt.Sub(report.StartedAt))

	return &Outcome{Content: content, ReportPath: reportPath}, nil
}

// buildPlan runs the planning phase: ground the contexts in the knowledge
// graph, then convert the refined request into a validated execution plan.
func (p *Pipeline) buildPlan(ctx context.Context, assignment *AssignmentContext) (plan.ExecutionPlan, llm.Trace, error) {
	nodes, err := p.store.QueryByContext(ctx, assignment.Tuples())
	if err != nil {
		return nil, llm.Trace{}, err
	}

	converter := llm.NewConverter(p.client,
		llm.WithMaxAttempts(p.maxAttempts),
		llm.WithConverterLogger(p.logger))

	messages := []llm.Message{
		llm.NewSystemMessage(planSystemPrompt),
		llm.NewUserMessage(renderGroundingContext(nodes) + "\nRequest: " + assignment.Refined),
	}

	var execPlan plan.ExecutionPlan
	_, tr, err := llm.Convert(ctx, converter, messages, func(raw *map[string]any) error {
		decoded, err := plan.Decode(*raw)
		if err != nil {
			return err
		}
		if err := decoded.Validate(); err != nil {
			return err
		}
		execPlan = decoded
		return nil
	})
	if err != nil {
		return nil, tr, err
	}
	return execPlan, tr, nil
}

// normalizeInBackground runs schema normalization on its own cancellable
// context and waits a bounded time for it. The outcome only ever lands in
// the report; it cannot fail the request.
func (p *Pipeline) normalizeInBackground(ctx context.Context, logger *slog.Logger, text string) *NormalizationReport {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.normalizeTimeout)
	defer cancel()

	done := make(chan *NormalizationReport, 1)
	go func() {
		done <- p.normalize(bgCtx, logger, text)
	}()

	select {
	case nr := <-done:
		return nr
	case <-bgCtx.Done():
		logger.WarnContext(ctx, "schema normalization timed out")
		return &NormalizationReport{Outcome: "timed_out"}
	}
}

func (p *Pipeline) normalize(ctx context.Context, logger *slog.Logger, text string) *NormalizationReport {
	workflow, err := p.normalizer.Normalize(ctx, text)
	if err != nil {
		var parseErr *schema.ParseError
		if errors.As(err, &parseErr) {
			logger.WarnContext(ctx, "schema normalization unparseable", "attempts", parseErr.Attempts)
			return &NormalizationReport{Outcome: "parse_failed", Error: err.Error()}
		}
		return &NormalizationReport{Outcome: "error", Error: err.Error()}
	}

	nr := &NormalizationReport{Outcome: "recorded"}
	for _, v := range workflow.Violations {
		nr.Violations = append(nr.Violations, v.String())
	}
	if len(nr.Violations) > 0 {
		nr.Outcome = "violations"
		nr.Error = types.NewError(types.SCHEMA_VALIDATION_FAILED,
			fmt.Sprintf("%d unresolved dictionary violations in best-effort schema", len(nr.Violations))).Error()
	}

	if p.cache != nil {
		for _, step := range workflow.Steps {
			entry, err := p.cache.Record(ctx, step)
			if err != nil {
				logger.WarnContext(ctx, "schema cache record failed", "error", err)
				nr.Error = err.Error()
				continue
			}
			nr.CacheKeys = append(nr.CacheKeys, entry.Key)
		}
	}
	return nr
}

// fail finalizes the report on a phase error and surfaces the typed cause.
func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, report *Report, err error) (*Outcome, error) {
	report.Error = err.Error()
	report.CompletedAt = time.Now()
	reportPath := p.reports.Write(ctx, report)

	logger.ErrorContext(ctx, "prompt failed",
		"error", err,
		"code", types.CodeOf(err))

	if reportPath != "" {
		return &Outcome{ReportPath: reportPath}, err
	}
	return nil, err
}

func nodeStatuses(result *plan.Result) map[string]string {
	statuses := make(map[string]string, len(result.Statuses))
	for id, status := range result.Statuses {
		statuses[id] = string(status)
	}
	return statuses
}
