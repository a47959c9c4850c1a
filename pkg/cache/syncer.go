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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Syncer batches writes to the persistent tier so the request path never
// waits on it. Entries accumulate in memory and are flushed when the batch
// fills or the flush interval elapses; later writes to the same key replace
// earlier ones within a batch.
type Syncer struct {
	store         Store
	flushInterval time.Duration
	maxBatch      int
	clock         clock.WithTicker

	mu      sync.Mutex
	pending map[string]syncEntry
	kick    chan struct{}
}

type syncEntry struct {
	data []byte
	ttl  time.Duration
}

func NewSyncer(store Store, flushInterval time.Duration, maxBatch int, clk clock.WithTicker) *Syncer {
	return &Syncer{
		store:         store,
		flushInterval: flushInterval,
		maxBatch:      maxBatch,
		clock:         clk,
		pending:       map[string]syncEntry{},
		kick:          make(chan struct{}, 1),
	}
}

// Add queues one write. Never blocks.
func (s *Syncer) Add(key string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	s.pending[key] = syncEntry{data: data, ttl: ttl}
	full := len(s.pending) >= s.maxBatch
	s.mu.Unlock()
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Start runs the flush loop until ctx is done, then flushes what is pending
// so shutdown does not abandon queued writes.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		ticker := s.clock.NewTicker(s.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Flush(context.WithoutCancel(ctx))
				return
			case <-ticker.C():
				s.Flush(ctx)
			case <-s.kick:
				s.Flush(ctx)
			}
		}
	}()
}

// Flush writes the current batch. A failed write is logged and dropped; the
// persistent tier is an optimization, not a source of truth.
func (s *Syncer) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = map[string]syncEntry{}
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	syncerBatchSize.Observe(float64(len(batch)))
	log := logr.FromContextOrDiscard(ctx)
	for key, entry := range batch {
		if err := s.store.Set(ctx, key, entry.data, entry.ttl); err != nil {
			log.V(1).Info("persistent tier write failed", "key", key, "error", err)
		}
	}
}

// Pending reports the number of queued writes. Used by tests.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
