// Package graph implements the knowledge graph store: a directed property
// graph of entities, operations, documentation chunks, examples, and fields,
// indexed from a handbook and queried for request-scoped grounding context.
// Storage sits behind the Driver interface so backends stay interchangeable.
package graph

import (
	"crypto/sha256"
	"fmt"
)

// NodeType tags the polymorphic node variants.
type NodeType string

const (
	NodeEntity    NodeType = "entity"
	NodeOperation NodeType = "operation"
	NodeDocChunk  NodeType = "doc_chunk"
	NodeExample   NodeType = "example"
	NodeField     NodeType = "field"
)

// EdgeType names the directed, typed relationships between nodes.
type EdgeType string

const (
	EdgeHasEntity        EdgeType = "HAS_ENTITY"
	EdgeHasOperation     EdgeType = "HAS_OPERATION"
	EdgeHasField         EdgeType = "HAS_FIELD"
	EdgeHasExample       EdgeType = "HAS_EXAMPLE"
	EdgeHasDocumentation EdgeType = "HAS_DOCUMENTATION"
)

// Node is one knowledge graph node. Nodes are upserted whole by key and
// never mutated field-by-field: a changed source document produces a full
// replacement.
type Node struct {
	// Key is the globally unique, deterministic identity of the node,
	// derived from its semantic identity via NodeKey.
	Key string `json:"key"`

	// Type tags the variant.
	Type NodeType `json:"node_type"`

	// Name is the human-facing identifier: entity name, operation id,
	// doc title, example title, field name.
	Name string `json:"name"`

	// Props carries the type-specific attributes. For operations: method,
	// path, signature, category, request/response schemas, description.
	Props map[string]any `json:"props,omitempty"`
}

// Edge is a directed, typed relationship between two node keys.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Record pairs a node with its full outbound edge set. Upserting a record
// replaces the node and all of its outbound edges (delete-then-recreate),
// so a re-indexed document leaves no stale fan-out behind.
type Record struct {
	Node  Node
	Edges []Edge
}

// ContextTuple is one (entity, requested operations) pair of a grounding
// query. An empty operation list requests everything linked to the entity.
type ContextTuple struct {
	Entity     string   `json:"entity"`
	Operations []string `json:"operations"`
}

// NodeKey derives a node's deterministic key from its semantic identity, so
// indexing the same source twice is idempotent.
func NodeKey(t NodeType, identity string) string {
	sum := sha256.Sum256([]byte(string(t) + "\x00" + identity))
	return fmt.Sprintf("%s:%x", t, sum[:12])
}

// candidateOperations resolves the operation-name set a candidate node is
// associated with. Operation nodes stand for themselves; every other node
// type is associated through its outbound HAS_OPERATION edges (opNames).
// An empty result marks the node as entity-level/global.
func candidateOperations(node Node, opNames []string) []string {
	if node.Type == NodeOperation {
		return []string{node.Name}
	}
	return opNames
}

// operationsIntersect implements the query inclusion rule: include when the
// requested set is empty, the node has no operations, or the sets intersect.
func operationsIntersect(requested, nodeOps []string) bool {
	if len(requested) == 0 || len(nodeOps) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(requested))
	for _, op := range requested {
		want[op] = struct{}{}
	}
	for _, op := range nodeOps {
		if _, ok := want[op]; ok {
			return true
		}
	}
	return false
}
