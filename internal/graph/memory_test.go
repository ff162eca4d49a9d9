package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/types"
)

func newInitializedDriver(t *testing.T) *MemoryDriver {
	t.Helper()
	d := NewMemoryDriver()
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

// smallGraph builds: entity "sale"; operations op1/op2 pointing at it; one
// doc linked to sale+op1; one example linked to sale with no operations.
func smallGraph() []Record {
	saleKey := NodeKey(NodeEntity, "sale")
	op1Key := NodeKey(NodeOperation, "sales.list")
	op2Key := NodeKey(NodeOperation, "sales.aggregate")
	docKey := NodeKey(NodeDocChunk, "listing docs")
	exKey := NodeKey(NodeExample, "global example")

	return []Record{
		{Node: Node{Key: saleKey, Type: NodeEntity, Name: "sale"}},
		{
			Node:  Node{Key: op1Key, Type: NodeOperation, Name: "sales.list"},
			Edges: []Edge{{From: op1Key, To: saleKey, Type: EdgeHasEntity}},
		},
		{
			Node:  Node{Key: op2Key, Type: NodeOperation, Name: "sales.aggregate"},
			Edges: []Edge{{From: op2Key, To: saleKey, Type: EdgeHasEntity}},
		},
		{
			Node: Node{Key: docKey, Type: NodeDocChunk, Name: "listing docs"},
			Edges: []Edge{
				{From: docKey, To: saleKey, Type: EdgeHasEntity},
				{From: docKey, To: op1Key, Type: EdgeHasOperation},
			},
		},
		{
			Node:  Node{Key: exKey, Type: NodeExample, Name: "global example"},
			Edges: []Edge{{From: exKey, To: saleKey, Type: EdgeHasEntity}},
		},
	}
}

func TestMemoryDriver_RequiresInitialize(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	_, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "sale"}})
	assert.Equal(t, types.GRAPH_NOT_INITIALIZED, types.CodeOf(err))

	err = d.UpsertNodes(ctx, smallGraph())
	assert.Equal(t, types.GRAPH_NOT_INITIALIZED, types.CodeOf(err))
}

func TestMemoryDriver_UpsertIdempotent(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))
	nodes, edges := d.NodeCount(), d.EdgeCount()

	// Indexing identical content twice must not grow the graph.
	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))
	assert.Equal(t, nodes, d.NodeCount())
	assert.Equal(t, edges, d.EdgeCount())
}

func TestMemoryDriver_EdgeReplacement(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))

	regionKey := NodeKey(NodeEntity, "region")
	docKey := NodeKey(NodeDocChunk, "listing docs")

	// Re-upsert the doc pointing at entity B instead of A.
	require.NoError(t, d.UpsertNodes(ctx, []Record{
		{Node: Node{Key: regionKey, Type: NodeEntity, Name: "region"}},
		{
			Node:  Node{Key: docKey, Type: NodeDocChunk, Name: "listing docs"},
			Edges: []Edge{{From: docKey, To: regionKey, Type: EdgeHasEntity}},
		},
	}))

	out := d.OutboundEdges(docKey)
	require.Len(t, out, 1)
	assert.Equal(t, regionKey, out[0].To)

	// No stale fan-out: the doc no longer appears under "sale" but does
	// under "region".
	saleNodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "sale"}})
	require.NoError(t, err)
	for _, n := range saleNodes {
		assert.NotEqual(t, docKey, n.Key)
	}

	regionNodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "region"}})
	require.NoError(t, err)
	require.Len(t, regionNodes, 1)
	assert.Equal(t, docKey, regionNodes[0].Key)
}

func TestMemoryDriver_QueryFiltering(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))

	t.Run("empty operation filter returns everything", func(t *testing.T) {
		nodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "sale"}})
		require.NoError(t, err)
		assert.Len(t, nodes, 4) // op1, op2, doc, example
	})

	t.Run("operation filter keeps intersecting and global nodes", func(t *testing.T) {
		nodes, err := d.QueryByContext(ctx, []ContextTuple{
			{Entity: "sale", Operations: []string{"sales.list"}},
		})
		require.NoError(t, err)

		names := nodeNames(nodes)
		// op1 stands for itself, the doc intersects via op1, the example
		// has no operations and counts as entity-level.
		assert.ElementsMatch(t, []string{"sales.list", "listing docs", "global example"}, names)
	})

	t.Run("non-matching filter keeps only global nodes", func(t *testing.T) {
		nodes, err := d.QueryByContext(ctx, []ContextTuple{
			{Entity: "sale", Operations: []string{"sales.delete"}},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"global example"}, nodeNames(nodes))
	})

	t.Run("unknown entity yields nothing", func(t *testing.T) {
		nodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "ghost"}})
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("duplicate tuples deduplicate results", func(t *testing.T) {
		nodes, err := d.QueryByContext(ctx, []ContextTuple{
			{Entity: "sale"},
			{Entity: "sale", Operations: []string{"sales.list"}},
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 4)
	})
}

func TestMemoryDriver_UpsertBatchIsAtomic(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()

	valid := Node{Key: NodeKey(NodeEntity, "sale"), Type: NodeEntity, Name: "sale"}
	batch := []Record{
		{Node: valid},
		{Node: Node{Type: NodeEntity, Name: "no key"}},
	}

	err := d.UpsertNodes(ctx, batch)
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_UPSERT_FAILED, types.CodeOf(err))

	// A rejected batch applies nothing, including its valid records.
	assert.Equal(t, 0, d.NodeCount())
	assert.Equal(t, 0, d.EdgeCount())

	mismatched := []Record{
		{
			Node:  valid,
			Edges: []Edge{{From: "someone-else", To: valid.Key, Type: EdgeHasEntity}},
		},
	}
	err = d.UpsertNodes(ctx, mismatched)
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_UPSERT_FAILED, types.CodeOf(err))
	assert.Equal(t, 0, d.NodeCount())
}

func TestMemoryDriver_DeleteNodesByKeys(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))

	op1Key := NodeKey(NodeOperation, "sales.list")
	require.NoError(t, d.DeleteNodesByKeys(ctx, []string{op1Key}))

	nodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "sale"}})
	require.NoError(t, err)
	for _, n := range nodes {
		assert.NotEqual(t, op1Key, n.Key)
	}
}

func TestMemoryDriver_ClearAll(t *testing.T) {
	d := newInitializedDriver(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertNodes(ctx, smallGraph()))

	require.NoError(t, d.ClearAll(ctx))
	assert.Equal(t, 0, d.NodeCount())
	assert.Equal(t, 0, d.EdgeCount())

	nodes, err := d.QueryByContext(ctx, []ContextTuple{{Entity: "sale"}})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestNodeKey_Deterministic(t *testing.T) {
	assert.Equal(t, NodeKey(NodeEntity, "sale"), NodeKey(NodeEntity, "sale"))
	assert.NotEqual(t, NodeKey(NodeEntity, "sale"), NodeKey(NodeField, "sale"))
	assert.NotEqual(t, NodeKey(NodeEntity, "sale"), NodeKey(NodeEntity, "sales"))
}

func nodeNames(nodes []Node) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}
