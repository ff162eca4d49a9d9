package graph

import (
	"context"
	"log/slog"
	"sync"

	"github.com/helmsman-ai/helmsman/internal/handbook"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// Store is the process-wide knowledge graph store. It wraps a Driver with
// the initialization-before-use contract and the exclusive rebuild
// operation; concurrent pipeline runs query it read-only.
//
// Rebuild holds the write lock for its whole duration, so concurrent
// queries block until the rebuild commits rather than observing a partially
// indexed graph.
type Store struct {
	driver Driver
	logger *slog.Logger

	clearOnStartup bool

	mu          sync.RWMutex
	initialized bool
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithClearOnStartup wipes all vertex classes during Initialize, before the
// first index pass.
func WithClearOnStartup(clear bool) StoreOption {
	return func(s *Store) {
		s.clearOnStartup = clear
	}
}

// WithStoreLogger sets the structured logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store over the given backend driver.
func NewStore(driver Driver, opts ...StoreOption) *Store {
	s := &Store{
		driver: driver,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize prepares the backend and, when configured, clears it. Must be
// called before Rebuild or QueryByContext.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if err := s.driver.Initialize(ctx); err != nil {
		return err
	}

	if s.clearOnStartup {
		s.logger.InfoContext(ctx, "clearing knowledge graph on startup")
		if err := s.driver.ClearAll(ctx); err != nil {
			return err
		}
	}

	s.initialized = true
	return nil
}

// IsInitialized reports whether Initialize has completed.
func (s *Store) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Rebuild wipes the graph and indexes the handbook from scratch under the
// exclusive lock. Incremental re-indexing of a single changed file is not
// supported: any content change triggers a full rebuild. The pass commits
// or fails as a whole; backend errors are never swallowed.
func (s *Store) Rebuild(ctx context.Context, hb *handbook.Handbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.NewError(types.GRAPH_NOT_INITIALIZED, "store not initialized")
	}

	if err := s.driver.ClearAll(ctx); err != nil {
		return types.WrapError(types.INDEX_FAILED, "clear before rebuild failed", err)
	}

	records := BuildRecords(hb)
	if err := s.driver.UpsertNodes(ctx, records); err != nil {
		return types.WrapError(types.INDEX_FAILED, "index pass failed", err)
	}

	s.logger.InfoContext(ctx, "knowledge graph rebuilt",
		"handbook", hb.Name,
		"records", len(records))
	return nil
}

// QueryByContext answers a grounding query. Fails fast when the store is
// not initialized rather than silently returning nothing.
func (s *Store) QueryByContext(ctx context.Context, tuples []ContextTuple) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, types.NewError(types.GRAPH_NOT_INITIALIZED, "store not initialized")
	}
	return s.driver.QueryByContext(ctx, tuples)
}

// Shutdown releases the backend.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	return s.driver.Shutdown(ctx)
}
