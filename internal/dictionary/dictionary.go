// Package dictionary holds the canonical vocabulary extracted from a
// handbook's service definitions. The dictionary is immutable after build,
// shared read-only across all pipeline runs, and rebuilt whenever the
// handbook changes. It exists for one purpose: validating normalized prompt
// schemas against the vocabulary the deployment actually understands.
package dictionary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/helmsman-ai/helmsman/internal/handbook"
)

// Category names one of the five vocabulary sets.
type Category string

const (
	CategoryAction    Category = "actions"
	CategoryEntity    Category = "entities"
	CategoryField     Category = "fields"
	CategoryOperator  Category = "operators"
	CategoryAggregate Category = "aggregates"
)

// Categories lists all five categories in declaration order.
var Categories = []Category{
	CategoryAction, CategoryEntity, CategoryField, CategoryOperator, CategoryAggregate,
}

// Dictionary is the immutable five-set vocabulary. A category absent from
// the source stays empty: membership checks against it always fail, which
// surfaces as validation violations rather than a load error.
type Dictionary struct {
	sets    map[Category]map[string]struct{}
	missing map[Category]bool
}

// Build constructs a Dictionary from the handbook's dictionary source.
// Missing categories are logged as warnings.
func Build(src handbook.DictionarySource, logger *slog.Logger) *Dictionary {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dictionary{
		sets:    make(map[Category]map[string]struct{}, len(Categories)),
		missing: make(map[Category]bool, len(Categories)),
	}

	raw := map[Category][]string{
		CategoryAction:    src.Actions,
		CategoryEntity:    src.Entities,
		CategoryField:     src.Fields,
		CategoryOperator:  src.Operators,
		CategoryAggregate: src.Aggregates,
	}

	for _, cat := range Categories {
		tokens := raw[cat]
		set := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if tok != "" {
				set[tok] = struct{}{}
			}
		}
		d.sets[cat] = set

		if len(set) == 0 {
			d.missing[cat] = true
			logger.Warn("dictionary category is empty; validation will reject every token in it",
				"category", string(cat))
		}
	}

	return d
}

// Has reports whether token is a member of the category. Always false for a
// missing category.
func (d *Dictionary) Has(cat Category, token string) bool {
	set, ok := d.sets[cat]
	if !ok {
		return false
	}
	_, ok = set[token]
	return ok
}

// Missing reports whether the category was absent from the source.
func (d *Dictionary) Missing(cat Category) bool {
	return d.missing[cat]
}

// Tokens returns the sorted members of a category.
func (d *Dictionary) Tokens(cat Category) []string {
	set := d.sets[cat]
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Size returns the total number of tokens across all categories.
func (d *Dictionary) Size() int {
	n := 0
	for _, set := range d.sets {
		n += len(set)
	}
	return n
}

// PromptContext serializes the dictionary as a compact JSON object for
// embedding in an LLM prompt. Structured on purpose: the model normalizes
// against an exact vocabulary, not a prose description of one.
func (d *Dictionary) PromptContext() string {
	doc := make(map[string][]string, len(Categories))
	for _, cat := range Categories {
		doc[string(cat)] = d.Tokens(cat)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Only string slices go in; this cannot fail in practice.
		return "{}"
	}
	return string(data)
}

// Violation is one token that failed dictionary membership.
type Violation struct {
	Category Category `json:"category"`
	Token    string   `json:"token"`
	Step     int      `json:"step"`
}

// String renders the violation for feedback prompts and logs.
func (v Violation) String() string {
	return fmt.Sprintf("step %d: %q is not a known member of %s", v.Step, v.Token, v.Category)
}
