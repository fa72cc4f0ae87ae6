package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/matt-riley/flagstaff/internal/core"
)

// EnvironmentStore is the environment persistence surface that
// CachedEnvironmentStore decorates.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error)
	GetEnvironment(ctx context.Context, name string) (core.Environment, error)
	ListEnvironments(ctx context.Context) ([]core.Environment, error)
	ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error)
	AddEnvironmentToProject(ctx context.Context, projectID, environment string) (bool, error)
}

const (
	environmentKeyPrefix        = "env:"
	projectEnvironmentKeyPrefix = "project-envs:"
)

// CachedEnvironmentStore serves environment reads from a bounded in-memory
// cache. Writes through this store clear the cache; writes made elsewhere are
// picked up by calling Invalidate or after the TTL expires.
type CachedEnvironmentStore struct {
	next  EnvironmentStore
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedEnvironmentStore wraps next with a ristretto cache whose entries
// live for ttl. A non-positive ttl keeps entries until invalidated.
func NewCachedEnvironmentStore(next EnvironmentStore, ttl time.Duration) (*CachedEnvironmentStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create environment cache: %w", err)
	}
	return &CachedEnvironmentStore{next: next, cache: cache, ttl: ttl}, nil
}

func (c *CachedEnvironmentStore) set(key string, value any) {
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, value, 1, c.ttl)
	} else {
		c.cache.Set(key, value, 1)
	}
	c.cache.Wait()
}

// Invalidate drops every cached entry.
func (c *CachedEnvironmentStore) Invalidate() {
	c.cache.Clear()
}

// Close releases the cache's background goroutines.
func (c *CachedEnvironmentStore) Close() {
	c.cache.Close()
}

func (c *CachedEnvironmentStore) CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error) {
	created, err := c.next.CreateEnvironment(ctx, env)
	if err != nil {
		return core.Environment{}, err
	}
	c.Invalidate()
	return created, nil
}

func (c *CachedEnvironmentStore) GetEnvironment(ctx context.Context, name string) (core.Environment, error) {
	key := environmentKeyPrefix + name
	if cached, ok := c.cache.Get(key); ok {
		if env, ok := cached.(core.Environment); ok {
			return env, nil
		}
	}
	env, err := c.next.GetEnvironment(ctx, name)
	if err != nil {
		return core.Environment{}, err
	}
	c.set(key, env)
	return env, nil
}

// ListEnvironments is not cached; it backs admin listings only.
func (c *CachedEnvironmentStore) ListEnvironments(ctx context.Context) ([]core.Environment, error) {
	return c.next.ListEnvironments(ctx)
}

func (c *CachedEnvironmentStore) ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error) {
	key := projectEnvironmentKeyPrefix + projectID
	if cached, ok := c.cache.Get(key); ok {
		if envs, ok := cached.([]core.Environment); ok {
			return slices.Clone(envs), nil
		}
	}
	envs, err := c.next.ListProjectEnvironments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.set(key, slices.Clone(envs))
	return envs, nil
}

func (c *CachedEnvironmentStore) AddEnvironmentToProject(ctx context.Context, projectID, environment string) (bool, error) {
	added, err := c.next.AddEnvironmentToProject(ctx, projectID, environment)
	if err != nil {
		return false, err
	}
	c.Invalidate()
	return added, nil
}
