// Package ristretto adapts dgraph-io/ristretto to the gateway's cache
// interface, specialized to string keys.
package ristretto

import (
	"fmt"
	"time"

	ristr "github.com/dgraph-io/ristretto/v2"

	"github.com/narrowlink/gateway/cache"
)

// Params sizes a cache instance.
type Params struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// Backoff sizes the control loop's issuance backoff cache: one entry per
// tenancy that recently failed issuance, so a few thousand tracked keys
// and a few megabytes is generous.
var Backoff = Params{
	NumCounters: 1e4,
	MaxCost:     1 << 22,
	BufferItems: 64,
}

// Cache wraps a ristretto cache behind cache.Cache[string, V].
type Cache[V any] struct {
	c *ristr.Cache[string, V]
}

var _ cache.Cache[string, any] = (*Cache[any])(nil)

// New builds a cache sized by p.
func New[V any](p Params) (*Cache[V], error) {
	c, err := ristr.NewCache[string, V](&ristr.Config[string, V]{
		NumCounters: p.NumCounters,
		MaxCost:     p.MaxCost,
		BufferItems: p.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache[V]{c: c}, nil
}

func (rc *Cache[V]) Get(key string) (V, bool) {
	value, found := rc.c.Get(key)
	if !found {
		var zero V
		return zero, false
	}
	return value, true
}

func (rc *Cache[V]) Set(key string, value V, cost int64) bool {
	return rc.c.Set(key, value, cost)
}

func (rc *Cache[V]) SetWithTTL(key string, value V, cost int64, ttl time.Duration) bool {
	return rc.c.SetWithTTL(key, value, cost, ttl)
}

// Wait blocks until buffered writes are applied, so a Get immediately
// after a Set observes it. Tests need this; production callers tolerate
// the eventual consistency.
func (rc *Cache[V]) Wait() {
	rc.c.Wait()
}
