/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Tier names the layer that answered a lookup.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierRemote     Tier = "remote"
	TierPersistent Tier = "persistent"
)

// Store is the byte-level contract for the remote (T2) and persistent (T3)
// tiers. A (nil, false, nil) return is a miss; errors are backend failures
// and are treated as misses by the tiered cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TieredCache chains the in-process LRU with optional remote and persistent
// stores. Hits in a lower tier backfill the tiers above; writes go to T1 and
// T2 synchronously and to T3 through the background syncer. Corrupted bytes
// are evicted from the tier that served them and reported as a miss, never as
// an error.
type TieredCache struct {
	memory     *LRU
	remote     Store
	persistent Store
	syncer     *Syncer
}

type TieredOption func(*TieredCache)

// WithRemote wires the T2 key/value store.
func WithRemote(store Store) TieredOption {
	return func(c *TieredCache) { c.remote = store }
}

// WithPersistent wires the T3 store behind a write-behind syncer.
func WithPersistent(store Store, syncer *Syncer) TieredOption {
	return func(c *TieredCache) {
		c.persistent = store
		c.syncer = syncer
	}
}

func NewTieredCache(maxEntries int, opts ...TieredOption) *TieredCache {
	c := &TieredCache{memory: NewLRU(maxEntries)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get resolves key through the tiers. The returned value is always one of the
// whitelisted data shapes; ok is false on a full miss.
func (c *TieredCache) Get(ctx context.Context, key Key) (any, Tier, bool) {
	ks := key.String()
	if value, ok := c.memory.Get(ks); ok {
		hits.WithLabelValues(string(TierMemory)).Inc()
		return value, TierMemory, true
	}
	if value, ok := c.getStore(ctx, c.remote, TierRemote, ks); ok {
		c.memory.Put(ks, value)
		c.observeSize()
		return value, TierRemote, true
	}
	if value, ok := c.getStore(ctx, c.persistent, TierPersistent, ks); ok {
		c.memory.Put(ks, value)
		c.observeSize()
		if c.remote != nil {
			if data, err := Encode(value); err == nil {
				_ = c.remote.Set(ctx, ks, data, DefaultTTL)
			}
		}
		return value, TierPersistent, true
	}
	misses.Inc()
	return nil, "", false
}

// Put validates the value's shape, writes T1 and T2, and hands the bytes to
// the syncer for the persistent tier. Non-data values are refused silently;
// a value that cannot cross a tier boundary must not be served from one.
func (c *TieredCache) Put(ctx context.Context, key Key, value any, ttl time.Duration) {
	data, err := Encode(value)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "refusing cache write", "key", key.String())
		return
	}
	ks := key.String()
	c.memory.Put(ks, value)
	c.observeSize()
	if c.remote != nil {
		if err := c.remote.Set(ctx, ks, data, ttl); err != nil {
			logr.FromContextOrDiscard(ctx).V(1).Info("remote tier write failed", "key", ks, "error", err)
		}
	}
	if c.syncer != nil {
		c.syncer.Add(ks, data, ttl)
	}
}

func (c *TieredCache) getStore(ctx context.Context, store Store, tier Tier, key string) (any, bool) {
	if store == nil {
		return nil, false
	}
	data, ok, err := store.Get(ctx, key)
	if err != nil {
		logr.FromContextOrDiscard(ctx).V(1).Info("tier lookup failed", "tier", tier, "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	value, err := Decode(data)
	if err != nil {
		corrupted.WithLabelValues(string(tier)).Inc()
		_ = store.Delete(ctx, key)
		return nil, false
	}
	hits.WithLabelValues(string(tier)).Inc()
	return value, true
}

func (c *TieredCache) observeSize() {
	memorySize.Set(float64(c.memory.Len()))
}

// Reset drops the in-process tier. Used by tests.
func (c *TieredCache) Reset() {
	c.memory.Reset()
	c.observeSize()
}
