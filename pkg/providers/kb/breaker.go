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

package kb

import (
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/errors"
)

const breakerTripThreshold = 3

// breakers holds one circuit breaker per knowledge base. An open breaker also
// marks the knowledge base unavailable so chain walks skip it without paying
// the acquire and timeout machinery.
type breakers struct {
	mu          sync.Mutex
	byID        map[string]*gobreaker.CircuitBreaker
	unavailable *gocache.Cache
}

func newBreakers(unavailable *gocache.Cache) *breakers {
	return &breakers{
		byID:        map[string]*gobreaker.CircuitBreaker{},
		unavailable: unavailable,
	}
}

func (b *breakers) forID(id string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byID[id]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    id,
		Timeout: cache.UnavailableComponentTTL,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.unavailable.Set(name, struct{}{}, cache.UnavailableComponentTTL)
				breakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateClosed, gobreaker.StateHalfOpen:
				b.unavailable.Delete(name)
			}
		},
	})
	b.byID[id] = cb
	return cb
}

func (b *breakers) execute(id string, fn func() (any, error)) (any, error) {
	result, err := b.forID(id).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.New(errors.KindComponentTimeout, "knowledge base %s circuit is open", id)
	}
	return result, err
}
