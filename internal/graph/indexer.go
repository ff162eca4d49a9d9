package graph

import (
	"github.com/helmsman-ai/helmsman/internal/handbook"
)

// BuildRecords converts a handbook into the full node/edge set of the
// knowledge graph. Keys derive from semantic identity, so building the same
// handbook twice yields an identical record set and upserting it is
// idempotent.
//
// Layout:
//   - one entity node per distinct entity, with HAS_DOCUMENTATION and
//     HAS_EXAMPLE edges to the material that mentions it
//   - one operation node per operation, with HAS_ENTITY and HAS_FIELD edges
//   - one field node per distinct operation field
//   - one doc-chunk node per documentation entry and one example node per
//     example, each with HAS_ENTITY and HAS_OPERATION edges
func BuildRecords(hb *handbook.Handbook) []Record {
	var records []Record

	fieldKeys := make(map[string]string)
	fieldRecord := func(name string) string {
		if key, ok := fieldKeys[name]; ok {
			return key
		}
		key := NodeKey(NodeField, name)
		fieldKeys[name] = key
		records = append(records, Record{
			Node: Node{Key: key, Type: NodeField, Name: name},
		})
		return key
	}

	// Operation nodes with their entity and field fan-out.
	for _, svc := range hb.Services {
		for _, op := range svc.Operations {
			opKey := NodeKey(NodeOperation, op.ID)
			props := map[string]any{
				"method":    op.Method,
				"path":      op.Path,
				"signature": op.Signature,
				"category":  op.Category,
				"service":   svc.Name,
			}
			if op.Description != "" {
				props["description"] = op.Description
			}
			if len(op.RequestSchema) > 0 {
				props["request_schema"] = op.RequestSchema
			}
			if len(op.ResponseSchema) > 0 {
				props["response_schema"] = op.ResponseSchema
			}

			edges := []Edge{{
				From: opKey,
				To:   NodeKey(NodeEntity, op.Entity),
				Type: EdgeHasEntity,
			}}
			for _, field := range op.Fields {
				edges = append(edges, Edge{
					From: opKey,
					To:   fieldRecord(field),
					Type: EdgeHasField,
				})
			}

			records = append(records, Record{
				Node:  Node{Key: opKey, Type: NodeOperation, Name: op.ID, Props: props},
				Edges: edges,
			})
		}
	}

	// Documentation chunks.
	docEdges := make(map[string][]Edge) // entity key -> HAS_DOCUMENTATION edges
	for _, doc := range hb.Documentation {
		docKey := NodeKey(NodeDocChunk, doc.Title+"\n"+doc.Content)

		var edges []Edge
		for _, entity := range doc.Entities {
			entityKey := NodeKey(NodeEntity, entity)
			edges = append(edges, Edge{From: docKey, To: entityKey, Type: EdgeHasEntity})
			docEdges[entityKey] = append(docEdges[entityKey], Edge{
				From: entityKey, To: docKey, Type: EdgeHasDocumentation,
			})
		}
		for _, opID := range doc.Operations {
			edges = append(edges, Edge{
				From: docKey,
				To:   NodeKey(NodeOperation, opID),
				Type: EdgeHasOperation,
			})
		}

		records = append(records, Record{
			Node: Node{
				Key:  docKey,
				Type: NodeDocChunk,
				Name: doc.Title,
				Props: map[string]any{
					"title":   doc.Title,
					"content": doc.Content,
				},
			},
			Edges: edges,
		})
	}

	// Examples.
	exampleEdges := make(map[string][]Edge) // entity key -> HAS_EXAMPLE edges
	for _, ex := range hb.Examples {
		exKey := NodeKey(NodeExample, ex.Title+"\n"+ex.Prompt)

		var edges []Edge
		for _, entity := range ex.Entities {
			entityKey := NodeKey(NodeEntity, entity)
			edges = append(edges, Edge{From: exKey, To: entityKey, Type: EdgeHasEntity})
			exampleEdges[entityKey] = append(exampleEdges[entityKey], Edge{
				From: entityKey, To: exKey, Type: EdgeHasExample,
			})
		}
		for _, opID := range ex.Operations {
			edges = append(edges, Edge{
				From: exKey,
				To:   NodeKey(NodeOperation, opID),
				Type: EdgeHasOperation,
			})
		}

		records = append(records, Record{
			Node: Node{
				Key:  exKey,
				Type: NodeExample,
				Name: ex.Title,
				Props: map[string]any{
					"title":   ex.Title,
					"prompt":  ex.Prompt,
					"content": ex.Content,
				},
			},
			Edges: edges,
		})
	}

	// Entity nodes last, so their doc/example fan-out is complete.
	for _, entity := range hb.Entities() {
		entityKey := NodeKey(NodeEntity, entity)
		records = append(records, Record{
			Node:  Node{Key: entityKey, Type: NodeEntity, Name: entity},
			Edges: append(docEdges[entityKey], exampleEdges[entityKey]...),
		})
	}

	return records
}
