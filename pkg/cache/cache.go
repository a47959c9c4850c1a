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

// Package cache implements the multi-tier lookup cache for KB enrichment
// results plus the small TTL caches the rest of the engine leans on. Values
// crossing a tier boundary are encoded as data-only JSON; nothing the cache
// returns is ever executed.
package cache

import (
	"fmt"
	"time"
)

const (
	// DefaultTTL is the lifetime of enrichment results in the remote tier.
	DefaultTTL = 15 * time.Minute
	// DefaultCleanupInterval triggers the janitor on in-process TTL caches.
	DefaultCleanupInterval = 1 * time.Minute
	// SelectionTTL caches NER ensemble selections; short because telemetry
	// moves the latency weights.
	SelectionTTL = 30 * time.Second
	// TrustDecisionTTL caches trust evaluations keyed by descriptor hash.
	TrustDecisionTTL = 1 * time.Hour
	// UnavailableComponentTTL is how long a KB provider stays skipped after
	// its circuit breaker opens.
	UnavailableComponentTTL = 3 * time.Minute
)

// Key addresses one enrichment result: the chain that produced it, the entity
// type, and the normalized surface text.
type Key struct {
	Chain          string
	Type           string
	NormalizedText string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Chain, k.Type, k.NormalizedText)
}
