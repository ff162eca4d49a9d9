package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// Neo4jDriver implements Driver for Neo4j graph databases. It provides
// connection pooling via the underlying driver, connect-time retries with
// doubling backoff, and keeps all Cypher below the Driver interface.
type Neo4jDriver struct {
	config Config

	mu          sync.RWMutex
	driver      neo4j.DriverWithContext
	initialized bool
}

// NewNeo4jDriver creates a Neo4j driver with the given configuration. The
// driver must be initialized via Initialize() before use.
func NewNeo4jDriver(config Config) (*Neo4jDriver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Neo4jDriver{config: config}, nil
}

// Initialize implements Driver. Connection establishment retries with
// doubling backoff capped at the configured connection timeout; this is the
// network retry budget, independent of any structural retry elsewhere.
func (d *Neo4jDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	auth := neo4j.BasicAuth(d.config.Username, d.config.Password, "")
	driverConfig := func(config *neo4j.Config) {
		config.MaxConnectionPoolSize = d.config.MaxConnectionPoolSize
		config.ConnectionAcquisitionTimeout = d.config.ConnectionTimeout
	}

	var driver neo4j.DriverWithContext
	var lastErr error
	maxRetries := 10
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		driver, err = neo4j.NewDriverWithContext(d.config.URI, auth, driverConfig)
		if err == nil {
			err = driver.VerifyConnectivity(ctx)
			if err == nil {
				d.driver = driver
				break
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return types.WrapError(types.GRAPH_CONNECTION_FAILED,
				"connection attempt cancelled", ctx.Err())
		}

		delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.WrapError(types.GRAPH_CONNECTION_FAILED,
				"connection attempt cancelled", ctx.Err())
		}
	}

	if d.driver == nil {
		return types.WrapError(types.GRAPH_CONNECTION_FAILED,
			fmt.Sprintf("failed to connect after %d attempts", maxRetries), lastErr)
	}

	if err := d.ensureConstraints(ctx); err != nil {
		_ = d.driver.Close(ctx)
		d.driver = nil
		return err
	}

	d.initialized = true
	return nil
}

// IsInitialized implements Driver.
func (d *Neo4jDriver) IsInitialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// Health returns the current health status of the Neo4j connection.
func (d *Neo4jDriver) Health(ctx context.Context) types.HealthStatus {
	d.mu.RLock()
	driver := d.driver
	d.mu.RUnlock()

	if driver == nil {
		return types.Unhealthy("driver not initialized")
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(healthCtx); err != nil {
		return types.Unhealthy(fmt.Sprintf("connectivity check failed: %v", err))
	}
	return types.Healthy("connected to Neo4j")
}

// UpsertNodes implements Driver. Each record is merged by key, its outbound
// edges dropped and recreated, all inside one write transaction so the
// batch commits or fails as a whole.
func (d *Neo4jDriver) UpsertNodes(ctx context.Context, records []Record) error {
	session, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, rec := range records {
			propsJSON, err := json.Marshal(rec.Node.Props)
			if err != nil {
				return nil, fmt.Errorf("node %s: props did not marshal: %w", rec.Node.Key, err)
			}

			if _, err := tx.Run(ctx, `
				MERGE (n:KnowledgeNode {key: $key})
				SET n.node_type = $type, n.name = $name, n.props_json = $props
			`, map[string]any{
				"key":   rec.Node.Key,
				"type":  string(rec.Node.Type),
				"name":  rec.Node.Name,
				"props": string(propsJSON),
			}); err != nil {
				return nil, err
			}

			// Replace the full outbound edge set before adding new ones.
			if _, err := tx.Run(ctx, `
				MATCH (n:KnowledgeNode {key: $key})-[r]->()
				DELETE r
			`, map[string]any{"key": rec.Node.Key}); err != nil {
				return nil, err
			}

			for _, edge := range rec.Edges {
				cypher := fmt.Sprintf(`
					MATCH (a:KnowledgeNode {key: $from})
					MERGE (b:KnowledgeNode {key: $to})
					MERGE (a)-[:%s]->(b)
				`, edge.Type)
				if _, err := tx.Run(ctx, cypher, map[string]any{
					"from": edge.From,
					"to":   edge.To,
				}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})

	if err != nil {
		return types.WrapError(types.GRAPH_UPSERT_FAILED, "upsert batch failed", err)
	}
	return nil
}

// DeleteNodesByKeys implements Driver.
func (d *Neo4jDriver) DeleteNodesByKeys(ctx context.Context, keys []string) error {
	session, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (n:KnowledgeNode)
			WHERE n.key IN $keys
			DETACH DELETE n
		`, map[string]any{"keys": keys})
		return nil, err
	})

	if err != nil {
		return types.WrapError(types.GRAPH_DELETE_FAILED, "delete by keys failed", err)
	}
	return nil
}

// ClearAll implements Driver.
func (d *Neo4jDriver) ClearAll(ctx context.Context) error {
	session, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `MATCH (n:KnowledgeNode) DETACH DELETE n`, nil)
		return nil, err
	})

	if err != nil {
		return types.WrapError(types.GRAPH_DELETE_FAILED, "clear all failed", err)
	}
	return nil
}

// QueryByContext implements Driver. One traversal per distinct entity; the
// inclusion rule is applied in Go so its semantics stay identical across
// backends.
func (d *Neo4jDriver) QueryByContext(ctx context.Context, tuples []ContextTuple) ([]Node, error) {
	session, err := d.readSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close(ctx)

	seen := make(map[string]struct{})
	var result []Node

	for _, tuple := range tuples {
		records, err := d.queryEntity(ctx, session, tuple.Entity)
		if err != nil {
			return nil, err
		}

		for _, cand := range records {
			if _, dup := seen[cand.node.Key]; dup {
				continue
			}
			ops := candidateOperations(cand.node, cand.ops)
			if operationsIntersect(tuple.Operations, ops) {
				seen[cand.node.Key] = struct{}{}
				result = append(result, cand.node)
			}
		}
	}

	return result, nil
}

// Shutdown implements Driver.
func (d *Neo4jDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.driver == nil {
		return nil
	}
	if err := d.driver.Close(ctx); err != nil {
		return types.WrapError(types.GRAPH_CONNECTION_FAILED, "failed to close driver", err)
	}
	d.driver = nil
	d.initialized = false
	return nil
}

type entityCandidate struct {
	node Node
	ops  []string
}

// queryEntity fetches the inbound HAS_ENTITY neighborhood of one entity
// together with each candidate's HAS_OPERATION fan-out.
func (d *Neo4jDriver) queryEntity(ctx context.Context, session neo4j.SessionWithContext, entity string) ([]entityCandidate, error) {
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (k:KnowledgeNode)-[:HAS_ENTITY]->(e:KnowledgeNode {node_type: 'entity', name: $entity})
			OPTIONAL MATCH (k)-[:HAS_OPERATION]->(o:KnowledgeNode)
			RETURN k.key AS key, k.node_type AS node_type, k.name AS name,
			       k.props_json AS props, collect(o.name) AS ops
		`, map[string]any{"entity": entity})
		if err != nil {
			return nil, err
		}

		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		candidates := make([]entityCandidate, 0, len(records))
		for _, record := range records {
			cand, err := recordToCandidate(record)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, cand)
		}
		return candidates, nil
	})

	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "context query failed", err)
	}
	return result.([]entityCandidate), nil
}

func recordToCandidate(record *neo4j.Record) (entityCandidate, error) {
	cand := entityCandidate{}

	key, _ := record.Get("key")
	nodeType, _ := record.Get("node_type")
	name, _ := record.Get("name")
	cand.node = Node{
		Key:  asString(key),
		Type: NodeType(asString(nodeType)),
		Name: asString(name),
	}

	if props, ok := record.Get("props"); ok {
		if s := asString(props); s != "" && s != "null" {
			if err := json.Unmarshal([]byte(s), &cand.node.Props); err != nil {
				return cand, fmt.Errorf("node %s: props did not unmarshal: %w", cand.node.Key, err)
			}
		}
	}

	if raw, ok := record.Get("ops"); ok {
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if s := asString(v); s != "" {
					cand.ops = append(cand.ops, s)
				}
			}
		}
	}

	return cand, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// ensureConstraints creates the key uniqueness constraint.
func (d *Neo4jDriver) ensureConstraints(ctx context.Context) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: d.config.Database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			CREATE CONSTRAINT knowledge_node_key IF NOT EXISTS
			FOR (n:KnowledgeNode) REQUIRE n.key IS UNIQUE
		`, nil)
		return nil, err
	})

	if err != nil {
		return types.WrapError(types.GRAPH_CONNECTION_FAILED, "constraint creation failed", err)
	}
	return nil
}

func (d *Neo4jDriver) session(ctx context.Context) (neo4j.SessionWithContext, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized || d.driver == nil {
		return nil, types.NewError(types.GRAPH_NOT_INITIALIZED, "neo4j driver not initialized")
	}
	return d.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: d.config.Database}), nil
}

func (d *Neo4jDriver) readSession(ctx context.Context) (neo4j.SessionWithContext, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized || d.driver == nil {
		return nil, types.NewError(types.GRAPH_NOT_INITIALIZED, "neo4j driver not initialized")
	}
	return d.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: d.config.Database,
		AccessMode:   neo4j.AccessModeRead,
	}), nil
}
