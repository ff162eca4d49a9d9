// Package handbook models the bundle of service definitions, documentation,
// examples, and dictionary source that grounds one deployment's knowledge
// base. A handbook is loaded once, indexed into the knowledge graph, and
// rebuilt wholesale whenever its content changes.
package handbook

import (
	"fmt"
	"strings"
)

// Handbook is the parsed bundle for one deployment.
type Handbook struct {
	Name          string           `yaml:"name"`
	Services      []Service        `yaml:"services"`
	Documentation []DocEntry       `yaml:"documentation"`
	Examples      []Example        `yaml:"examples"`
	Dictionary    DictionarySource `yaml:"dictionary"`
}

// Service is one registered downstream service with its callable operations.
type Service struct {
	Name       string      `yaml:"name"`
	BaseURL    string      `yaml:"base_url"`
	Entities   []string    `yaml:"entities"`
	Operations []Operation `yaml:"operations"`
}

// Operation describes one callable operation of a service.
type Operation struct {
	ID             string         `yaml:"id"`
	Method         string         `yaml:"method"`
	Path           string         `yaml:"path"`
	Signature      string         `yaml:"signature"`
	Category       string         `yaml:"category"`
	Entity         string         `yaml:"entity"`
	Description    string         `yaml:"description"`
	Fields         []string       `yaml:"fields"`
	RequestSchema  map[string]any `yaml:"request_schema"`
	ResponseSchema map[string]any `yaml:"response_schema"`
}

// DocEntry is one documentation chunk, tagged with the entities and
// operations it talks about.
type DocEntry struct {
	Title      string   `yaml:"title"`
	Content    string   `yaml:"content"`
	Entities   []string `yaml:"entities"`
	Operations []string `yaml:"operations"`
}

// Example is one worked prompt/answer pair, tagged like documentation.
type Example struct {
	Title      string   `yaml:"title"`
	Prompt     string   `yaml:"prompt"`
	Content    string   `yaml:"content"`
	Entities   []string `yaml:"entities"`
	Operations []string `yaml:"operations"`
}

// DictionarySource is the raw five-category vocabulary as it appears in the
// handbook document. Absence of a category is a warning at build time, not a
// load failure.
type DictionarySource struct {
	Actions    []string `yaml:"actions"`
	Entities   []string `yaml:"entities"`
	Fields     []string `yaml:"fields"`
	Operators  []string `yaml:"operators"`
	Aggregates []string `yaml:"aggregates"`
}

// Validate checks the structural invariants of a parsed handbook: service
// names and operation ids must be present and unique, and every operation
// must name an entity.
func (h *Handbook) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("handbook name is required")
	}

	seenSvc := make(map[string]bool)
	seenOp := make(map[string]bool)
	for _, svc := range h.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seenSvc[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seenSvc[svc.Name] = true

		for _, op := range svc.Operations {
			if op.ID == "" {
				return fmt.Errorf("service %q: operation with empty id", svc.Name)
			}
			if seenOp[op.ID] {
				return fmt.Errorf("duplicate operation id %q", op.ID)
			}
			seenOp[op.ID] = true

			if op.Entity == "" {
				return fmt.Errorf("operation %q: entity is required", op.ID)
			}
			if op.Method == "" || op.Path == "" {
				return fmt.Errorf("operation %q: method and path are required", op.ID)
			}
		}
	}

	return nil
}

// OperationByID returns the operation with the given id and the service that
// owns it, or false if no such operation exists.
func (h *Handbook) OperationByID(id string) (Operation, Service, bool) {
	for _, svc := range h.Services {
		for _, op := range svc.Operations {
			if op.ID == id {
				return op, svc, true
			}
		}
	}
	return Operation{}, Service{}, false
}

// Operations returns all operations across all services.
func (h *Handbook) Operations() []Operation {
	var ops []Operation
	for _, svc := range h.Services {
		ops = append(ops, svc.Operations...)
	}
	return ops
}

// Entities returns the de-duplicated set of entity names referenced by
// services and operations, in first-seen order.
func (h *Handbook) Entities() []string {
	seen := make(map[string]bool)
	var out []string

	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, svc := range h.Services {
		for _, e := range svc.Entities {
			add(e)
		}
		for _, op := range svc.Operations {
			add(op.Entity)
		}
	}
	return out
}
