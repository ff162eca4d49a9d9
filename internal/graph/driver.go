package graph

import (
	"context"
	"time"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// Driver is the backend contract of the knowledge graph store. Multiple
// interchangeable backends implement it; no backend-specific query syntax
// leaks above this interface. Implementations must be safe for concurrent
// use.
type Driver interface {
	// Initialize prepares the backend (connects, creates constraints).
	// Must be called before any other method.
	Initialize(ctx context.Context) error

	// IsInitialized reports whether Initialize has completed successfully.
	IsInitialized() bool

	// UpsertNodes stores the records idempotently by node key. Each
	// node's outbound edges are fully replaced. The batch commits or
	// fails as a whole.
	UpsertNodes(ctx context.Context, records []Record) error

	// DeleteNodesByKeys removes the nodes and all edges touching them.
	DeleteNodesByKeys(ctx context.Context, keys []string) error

	// ClearAll wipes every node and edge.
	ClearAll(ctx context.Context) error

	// QueryByContext answers a grounding query: for each tuple, the
	// candidate nodes linked to the entity whose operation sets pass the
	// inclusion rule, de-duplicated across tuples. Runs in time
	// proportional to the fan-out of the matched entities.
	QueryByContext(ctx context.Context, tuples []ContextTuple) ([]Node, error)

	// Shutdown releases backend resources.
	Shutdown(ctx context.Context) error
}

// Config holds backend connection settings.
type Config struct {
	// URI is the connection URI. For Neo4j: "bolt://host:port",
	// "bolt+s://host:port", or "neo4j://host:port" for routing.
	URI string `yaml:"uri"`

	// Username for authentication.
	Username string `yaml:"username"`

	// Password for authentication.
	Password string `yaml:"password"`

	// Database name; empty uses the backend default.
	Database string `yaml:"database"`

	// ClearOnStartup wipes all vertex classes before the first index pass.
	ClearOnStartup bool `yaml:"clear_on_startup"`

	// ConnectionTimeout bounds connection establishment.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// MaxConnectionPoolSize limits the driver connection pool. Zero uses
	// the driver default.
	MaxConnectionPoolSize int `yaml:"max_connection_pool_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URI:                   "bolt://localhost:7687",
		Username:              "neo4j",
		ConnectionTimeout:     30 * time.Second,
		MaxConnectionPoolSize: 50,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.URI == "" {
		return types.NewError(types.GRAPH_INVALID_CONFIG, "URI cannot be empty")
	}
	if c.Username == "" {
		return types.NewError(types.GRAPH_INVALID_CONFIG, "Username cannot be empty")
	}
	if c.ConnectionTimeout <= 0 {
		return types.NewError(types.GRAPH_INVALID_CONFIG, "ConnectionTimeout must be positive")
	}
	return nil
}
