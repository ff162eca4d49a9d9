package graph

import (
	"context"
	"sync"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// MemoryDriver is the embedded Driver backend. It keeps the whole graph in
// process memory with forward/reverse adjacency and an entity-name index so
// context queries touch only the fan-out of the matched entities.
type MemoryDriver struct {
	mu          sync.RWMutex
	initialized bool

	nodes map[string]Node
	out   map[string][]Edge // outbound edges by from-key
	in    map[string][]Edge // inbound edges by to-key

	// entityKeys indexes entity nodes by name for O(1) query entry.
	entityKeys map[string][]string
}

// NewMemoryDriver creates an empty in-memory graph driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{}
}

// Initialize implements Driver.
func (d *MemoryDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}
	d.reset()
	d.initialized = true
	return nil
}

// IsInitialized implements Driver.
func (d *MemoryDriver) IsInitialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// UpsertNodes implements Driver.
func (d *MemoryDriver) UpsertNodes(ctx context.Context, records []Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return types.NewError(types.GRAPH_NOT_INITIALIZED, "memory driver not initialized")
	}

	// Validate the whole batch before touching state so a bad record cannot
	// leave a half-applied batch behind.
	for _, rec := range records {
		if rec.Node.Key == "" {
			return types.NewError(types.GRAPH_UPSERT_FAILED, "node with empty key")
		}
		for _, edge := range rec.Edges {
			if edge.From != rec.Node.Key {
				return types.NewError(types.GRAPH_UPSERT_FAILED,
					"record edge does not originate at its node")
			}
		}
	}

	for _, rec := range records {
		d.unindexNode(rec.Node.Key)
		d.dropOutbound(rec.Node.Key)

		d.nodes[rec.Node.Key] = rec.Node
		d.indexNode(rec.Node)

		for _, edge := range rec.Edges {
			d.out[edge.From] = append(d.out[edge.From], edge)
			d.in[edge.To] = append(d.in[edge.To], edge)
		}
	}

	return nil
}

// DeleteNodesByKeys implements Driver.
func (d *MemoryDriver) DeleteNodesByKeys(ctx context.Context, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return types.NewError(types.GRAPH_NOT_INITIALIZED, "memory driver not initialized")
	}

	for _, key := range keys {
		d.unindexNode(key)
		d.dropOutbound(key)
		d.dropInbound(key)
		delete(d.nodes, key)
	}
	return nil
}

// ClearAll implements Driver.
func (d *MemoryDriver) ClearAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return types.NewError(types.GRAPH_NOT_INITIALIZED, "memory driver not initialized")
	}
	d.reset()
	return nil
}

// QueryByContext implements Driver.
func (d *MemoryDriver) QueryByContext(ctx context.Context, tuples []ContextTuple) ([]Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil, types.NewError(types.GRAPH_NOT_INITIALIZED, "memory driver not initialized")
	}

	seen := make(map[string]struct{})
	var result []Node

	for _, tuple := range tuples {
		for _, entityKey := range d.entityKeys[tuple.Entity] {
			for _, inEdge := range d.in[entityKey] {
				if inEdge.Type != EdgeHasEntity {
					continue
				}

				candidate, ok := d.nodes[inEdge.From]
				if !ok {
					continue
				}
				if _, dup := seen[candidate.Key]; dup {
					continue
				}

				ops := candidateOperations(candidate, d.operationNames(candidate.Key))
				if operationsIntersect(tuple.Operations, ops) {
					seen[candidate.Key] = struct{}{}
					result = append(result, candidate)
				}
			}
		}
	}

	return result, nil
}

// Shutdown implements Driver.
func (d *MemoryDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	d.initialized = false
	return nil
}

// NodeCount returns the number of stored nodes. Test helper.
func (d *MemoryDriver) NodeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// EdgeCount returns the number of stored edges. Test helper.
func (d *MemoryDriver) EdgeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, edges := range d.out {
		n += len(edges)
	}
	return n
}

// OutboundEdges returns a copy of a node's outbound edges. Test helper.
func (d *MemoryDriver) OutboundEdges(key string) []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Edge(nil), d.out[key]...)
}

// operationNames resolves the names of nodes reached via HAS_OPERATION.
func (d *MemoryDriver) operationNames(key string) []string {
	var names []string
	for _, edge := range d.out[key] {
		if edge.Type != EdgeHasOperation {
			continue
		}
		if target, ok := d.nodes[edge.To]; ok {
			names = append(names, target.Name)
		}
	}
	return names
}

func (d *MemoryDriver) reset() {
	d.nodes = make(map[string]Node)
	d.out = make(map[string][]Edge)
	d.in = make(map[string][]Edge)
	d.entityKeys = make(map[string][]string)
}

func (d *MemoryDriver) indexNode(node Node) {
	if node.Type == NodeEntity {
		d.entityKeys[node.Name] = append(d.entityKeys[node.Name], node.Key)
	}
}

func (d *MemoryDriver) unindexNode(key string) {
	node, ok := d.nodes[key]
	if !ok || node.Type != NodeEntity {
		return
	}
	keys := d.entityKeys[node.Name]
	for i, k := range keys {
		if k == key {
			d.entityKeys[node.Name] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
}

// dropOutbound removes every outbound edge of key, including the reverse
// entries on the targets.
func (d *MemoryDriver) dropOutbound(key string) {
	for _, edge := range d.out[key] {
		inEdges := d.in[edge.To]
		for i, in := range inEdges {
			if in.From == key && in.Type == edge.Type && in.To == edge.To {
				d.in[edge.To] = append(inEdges[:i], inEdges[i+1:]...)
				break
			}
		}
	}
	delete(d.out, key)
}

// dropInbound removes every edge pointing at key from its sources.
func (d *MemoryDriver) dropInbound(key string) {
	for _, edge := range d.in[key] {
		outEdges := d.out[edge.From]
		for i, out := range outEdges {
			if out.To == key && out.Type == edge.Type {
				d.out[edge.From] = append(outEdges[:i], outEdges[i+1:]...)
				break
			}
		}
	}
	delete(d.in, key)
}
