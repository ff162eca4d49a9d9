// Package schema turns free-text requests into canonical prompt schemas with
// deterministic cache keys. The cache key fingerprints a request's shape —
// literal values are deliberately excluded so that structurally identical
// requests collapse to one key. This subsystem feeds caching and telemetry;
// it never gates execution correctness.
package schema

import (
	"sort"
	"strings"

	"github.com/helmsman-ai/helmsman/internal/dictionary"
)

// ActionLocal is the reserved action for steps answerable without calling
// any registered service.
const ActionLocal = "local"

// WorkflowType enumerates how a workflow's steps relate. Only sequential
// decomposition is supported.
type WorkflowType string

const (
	// WorkflowSequential runs steps strictly in order, each grounded on the
	// previous step's outcome.
	WorkflowSequential WorkflowType = "sequential"
)

// PromptSchema is the canonical structured form of one natural-language
// request. Mutated only by the normalizer; read-only once part of a Step.
type PromptSchema struct {
	Action   string         `json:"action"`
	Entities []string       `json:"entities"`
	GroupBy  []string       `json:"group_by,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	CacheKey string         `json:"cache_key,omitempty"`
}

// Step is one sub-request of a workflow.
type Step struct {
	PromptSchema
}

// Workflow is the decomposition of one request into sequential sub-requests
// (e.g. "find a flight, then book it"). Created by the normalizer, read-only
// afterward.
type Workflow struct {
	Type  WorkflowType `json:"workflow_type"`
	Steps []Step       `json:"steps"`

	// Violations is populated when the normalizer exhausts its validation
	// retry budget and returns the workflow best-effort anyway.
	Violations []dictionary.Violation `json:"-"`
}

// ComputeCacheKey derives the deterministic fingerprint of the schema's
// shape. The key is built from the action, the sorted unique entity set, the
// sorted unique parameter key set, and groupBy in declared (not sorted)
// order. Parameter values never contribute: "sales in California" and
// "sales in Texas" share a key, while referencing a different field set
// changes it.
func (s *PromptSchema) ComputeCacheKey() string {
	paramKeys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		paramKeys = append(paramKeys, k)
	}

	var b strings.Builder
	b.WriteString("action=")
	b.WriteString(s.Action)
	b.WriteString(";entities=")
	b.WriteString(strings.Join(sortedUnique(s.Entities), ","))
	b.WriteString(";params=")
	b.WriteString(strings.Join(sortedUnique(paramKeys), ","))
	b.WriteString(";group=")
	b.WriteString(strings.Join(s.GroupBy, ","))
	return b.String()
}

// Finalize fills derived fields after the normalizer parses a workflow:
// defaults the workflow type and computes every step's cache key.
func (w *Workflow) Finalize() {
	if w.Type == "" {
		w.Type = WorkflowSequential
	}
	for i := range w.Steps {
		w.Steps[i].CacheKey = w.Steps[i].ComputeCacheKey()
	}
}

// Validate checks every step against the dictionary and returns all
// violations found, not just the first. A step's action must be ActionLocal
// or a dictionary action; every entity, parameter key, and groupBy field
// must be a dictionary member.
func (w *Workflow) Validate(dict *dictionary.Dictionary) []dictionary.Violation {
	var violations []dictionary.Violation

	for i, step := range w.Steps {
		if step.Action != ActionLocal && !dict.Has(dictionary.CategoryAction, step.Action) {
			violations = append(violations, dictionary.Violation{
				Category: dictionary.CategoryAction, Token: step.Action, Step: i,
			})
		}
		for _, entity := range step.Entities {
			if !dict.Has(dictionary.CategoryEntity, entity) {
				violations = append(violations, dictionary.Violation{
					Category: dictionary.CategoryEntity, Token: entity, Step: i,
				})
			}
		}
		for _, key := range sortedKeys(step.Params) {
			if !dict.Has(dictionary.CategoryField, key) {
				violations = append(violations, dictionary.Violation{
					Category: dictionary.CategoryField, Token: key, Step: i,
				})
			}
		}
		for _, field := range step.GroupBy {
			if !dict.Has(dictionary.CategoryField, field) {
				violations = append(violations, dictionary.Violation{
					Category: dictionary.CategoryField, Token: field, Step: i,
				})
			}
		}
	}

	return violations
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// sortedKeys keeps violation order deterministic across runs.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
