package flowdef

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fetcher retrieves a flow definition from the platform.
// It returns (nil, nil) when the flow does not exist.
type Fetcher interface {
	FlowDefinition(ctx context.Context, flowUUID string) (*Definition, error)
}

// StaticFetcher serves definitions from memory, keyed by flow UUID.
type StaticFetcher map[string]*Definition

// FlowDefinition implements Fetcher.
func (s StaticFetcher) FlowDefinition(_ context.Context, flowUUID string) (*Definition, error) {
	return s[flowUUID], nil
}

// Cache memoizes flow definitions for the lifetime of one export job.
// Absent flows are cached as Unknown. A failed fetch yields Unknown for that
// lookup only, so a later lookup fetches again.
type Cache struct {
	fetcher Fetcher
	logger  *zap.Logger

	mu      sync.Mutex
	defs    map[string]*Definition
	fetches int
}

// NewCache creates a cache backed by fetcher.
func NewCache(fetcher Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		defs:    make(map[string]*Definition),
	}
}

// Lookup returns the definition of flowUUID, fetching it on first use.
// It never returns nil.
func (c *Cache) Lookup(ctx context.Context, flowUUID string) *Definition {
	key := flowUUID
	if parsed, err := uuid.Parse(flowUUID); err == nil {
		key = parsed.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if def, ok := c.defs[key]; ok {
		return def
	}

	def, keep := c.fetch(ctx, key)
	if keep {
		c.defs[key] = def
	}
	return def
}

// fetch resolves key. keep is false when the result must not be cached.
func (c *Cache) fetch(ctx context.Context, key string) (def *Definition, keep bool) {
	if _, err := uuid.Parse(key); err != nil {
		c.logger.Warn("Flow reference is not a UUID, using unknown definition",
			zap.String("flow_uuid", key))
		return Unknown, true
	}
	if c.fetcher == nil {
		return Unknown, true
	}

	c.fetches++
	def, err := c.fetcher.FlowDefinition(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to fetch flow definition, using unknown definition for now",
			zap.String("flow_uuid", key),
			zap.Error(err))
		return Unknown, false
	}
	if def == nil {
		c.logger.Debug("Flow definition not found", zap.String("flow_uuid", key))
		return Unknown, true
	}

	c.logger.Debug("Cached flow definition",
		zap.String("flow_uuid", key),
		zap.String("flow_name", def.Name),
		zap.Int("action_sets", len(def.ActionSets)))
	return def, true
}

// Store inserts a definition without fetching, replacing nothing already cached.
func (c *Cache) Store(def *Definition) {
	if !def.Known() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.UUID]; !ok {
		c.defs[def.UUID] = def
	}
}

// Len returns the number of cached flows, unknown ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.defs)
}

// Fetches returns how many remote lookups the cache has issued.
func (c *Cache) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}
