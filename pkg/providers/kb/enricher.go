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

// Package kb runs the enrichment stage: each qualifying entity is resolved
// against the domain's knowledge-base chain, first hit wins, with a tiered
// cache in front and a circuit breaker per knowledge base. Enrichment never
// fails a request; a chain that yields nothing leaves the entity as it was.
package kb

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
)

const retryDelay = 100 * time.Millisecond

// Enrichment is the stage output for one request.
type Enrichment struct {
	Entities       []v1.EntityRecord
	ComponentsUsed []string
	Warnings       []v1.Diagnostic
}

type Enricher struct {
	manager     *hotswap.Manager
	cache       *cache.TieredCache
	telemetry   *telemetry.Store
	breakers    *breakers
	unavailable *gocache.Cache
	clock       clock.Clock

	maxConcurrent int64
	sem           *semaphore.Weighted
}

func NewEnricher(manager *hotswap.Manager, tiered *cache.TieredCache, store *telemetry.Store, maxConcurrent int64, clk clock.Clock) *Enricher {
	unavailable := gocache.New(cache.UnavailableComponentTTL, cache.DefaultCleanupInterval)
	return &Enricher{
		manager:       manager,
		cache:         tiered,
		telemetry:     store,
		breakers:      newBreakers(unavailable),
		unavailable:   unavailable,
		clock:         clk,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(maxConcurrent),
	}
}

// decoration is one entity's enrichment outcome, keyed for identity-free
// matching back onto the input set.
type decoration struct {
	key      v1.EntityKey
	kbID     string
	record   *Record
	warnings []v1.Diagnostic
	errored  bool
}

// Enrich decorates qualifying entities from the domain's chain. The result
// preserves input order; entities below the confidence floor, and entities
// the whole chain fails for, pass through unchanged.
func (e *Enricher) Enrich(ctx context.Context, entities []v1.EntityRecord, domain string, cfg *config.PipelineConfig) *Enrichment {
	ready := lo.SliceToMap(e.manager.Ready(v1.KindKBProvider), func(d v1.ComponentDescriptor) (string, struct{}) {
		return d.ID, struct{}{}
	})
	chain := lo.Filter(cfg.KB.Chain(domain), func(id string, _ int) bool {
		_, registered := ready[id]
		return registered
	})
	enrichment := &Enrichment{Entities: entities, ComponentsUsed: chain}
	for _, id := range lo.Without(cfg.KB.Chain(domain), chain...) {
		enrichment.Warnings = append(enrichment.Warnings, v1.Diagnostic{
			Stage:       v1.StageEnrichment,
			ComponentID: id,
			Kind:        string(errors.KindComponentError),
			Message:     "configured knowledge base is not registered, skipping",
		})
	}
	if len(chain) == 0 || len(entities) == 0 {
		return enrichment
	}

	// The semaphore is per-process unless the request overrides the cap, in
	// which case the request gets its own gate.
	sem := e.sem
	if int64(cfg.KB.MaxConcurrent) != e.maxConcurrent {
		sem = semaphore.NewWeighted(int64(cfg.KB.MaxConcurrent))
	}

	eligible := lo.Filter(entities, func(entity v1.EntityRecord, _ int) bool {
		return cfg.KB.EnrichAll || entity.Confidence >= cfg.KB.MinConfidenceForEnrichment
	})
	decorations := make([]decoration, len(eligible))
	var wg sync.WaitGroup
	for i, entity := range eligible {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decorations[i] = e.enrichOne(ctx, entity, domain, chain, sem, cfg)
		}()
	}
	wg.Wait()

	byKey := map[v1.EntityKey]*decoration{}
	errored := 0
	for i := range decorations {
		byKey[decorations[i].key] = &decorations[i]
		enrichment.Warnings = append(enrichment.Warnings, decorations[i].warnings...)
		if decorations[i].errored {
			errored++
		}
	}
	if errored == len(decorations) && errored > 0 {
		logr.FromContextOrDiscard(ctx).Error(nil, "every enrichment lookup in the batch failed",
			"domain", domain, "entities", len(decorations))
	}

	enrichment.Entities = lo.Map(entities, func(entity v1.EntityRecord, _ int) v1.EntityRecord {
		d, ok := byKey[entity.Key()]
		if !ok || d.record == nil {
			return entity
		}
		return apply(entity, d.kbID, d.record)
	})
	return enrichment
}

// enrichOne resolves one entity: cache first, then the chain in order under
// the concurrency gate.
func (e *Enricher) enrichOne(ctx context.Context, entity v1.EntityRecord, domain string, chain []string, sem *semaphore.Weighted, cfg *config.PipelineConfig) decoration {
	d := decoration{key: entity.Key()}
	key := cache.Key{
		Chain:          strings.Join(chain, ","),
		Type:           entity.Type,
		NormalizedText: normalizeText(entity.Text),
	}
	if value, _, ok := e.cache.Get(ctx, key); ok {
		if cached, ok := resultFromValue(value); ok {
			d.kbID, d.record = cached.kbID, &cached.record
			return d
		}
	}

	for _, id := range chain {
		if _, skip := e.unavailable.Get(id); skip {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			d.warnings = append(d.warnings, v1.Diagnostic{
				Stage:   v1.StageEnrichment,
				Kind:    string(errors.KindCancelRequested),
				Message: "enrichment cancelled while waiting for a lookup slot",
			})
			return d
		}
		record, err := e.lookup(ctx, id, entity, domain, cfg)
		sem.Release(1)
		if err != nil {
			d.errored = true
			d.warnings = append(d.warnings, v1.Diagnostic{
				Stage:       v1.StageEnrichment,
				ComponentID: id,
				Kind:        string(errors.KindOf(err)),
				Message:     err.Error(),
			})
			continue
		}
		if record == nil {
			continue // a miss, try the next knowledge base
		}
		d.kbID, d.record = id, record
		e.cache.Put(ctx, key, cachedResult{kbID: id, record: *record}.value(), cache.DefaultTTL)
		return d
	}
	if d.record == nil && len(d.warnings) == 0 {
		d.warnings = append(d.warnings, v1.Diagnostic{
			Stage:   v1.StageEnrichment,
			Kind:    string(errors.KindComponentError),
			Message: "no knowledge base in the chain answered for " + entity.Type,
		})
	}
	return d
}

// lookup runs one KB call under its timeout, breaker, and single retry, and
// records a telemetry sample for it.
func (e *Enricher) lookup(ctx context.Context, id string, entity v1.EntityRecord, domain string, cfg *config.PipelineConfig) (*Record, error) {
	lease, err := e.manager.Acquire(v1.KindKBProvider, id)
	if err != nil {
		return nil, errors.Wrap(errors.KindComponentError, err).WithComponent(id)
	}
	defer lease.Release()
	provider, ok := lease.Instance().(Provider)
	if !ok {
		return nil, errors.New(errors.KindComponentError, "slot %s does not hold a KB provider", id)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, cfg.PerLookupTimeout())
	defer cancel()

	start := e.clock.Now()
	var record *Record
	err = retry.Do(func() error {
		result, lookupErr := e.breakers.execute(id, func() (any, error) {
			return provider.Lookup(lookupCtx, entity.Text, entity.Type)
		})
		if lookupErr != nil {
			return lookupErr
		}
		record, _ = result.(*Record)
		return nil
	},
		retry.Context(lookupCtx),
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryable),
	)
	latency := e.clock.Since(start)

	sample := v1.PerformanceSample{
		ComponentID: id,
		Kind:        v1.KindKBProvider,
		Domain:      domain,
		LatencyMS:   float64(latency) / float64(time.Millisecond),
		Timestamp:   e.clock.Now(),
	}
	if err != nil {
		kind := errors.KindOf(err)
		if kind == errors.KindComponentError && lookupCtx.Err() != nil {
			kind = errors.KindComponentTimeout
		}
		sample.Error = true
		sample.ErrorKind = string(kind)
		e.telemetry.Record(sample)
		lookups.WithLabelValues(id, "error").Inc()
		return nil, errors.Wrap(kind, err).WithComponent(id)
	}
	if record != nil {
		sample.AccuracyProxy = 1
		if seconds := latency.Seconds(); seconds > 0 {
			sample.ThroughputEPS = 1 / seconds
		}
		lookups.WithLabelValues(id, "hit").Inc()
	} else {
		lookups.WithLabelValues(id, "miss").Inc()
	}
	e.telemetry.Record(sample)
	return record, nil
}

// apply decorates a copy of the entity with the record. Confidence is never
// lowered and an existing kb identity is never overwritten.
func apply(entity v1.EntityRecord, kbID string, record *Record) v1.EntityRecord {
	if entity.KBID != "" {
		return entity
	}
	out := *entity.DeepCopy()
	out.SourceStage = v1.SourceStageEnriched
	out.KBID = kbID
	out.KBEntityID = record.EntityID
	out.CanonicalName = record.CanonicalName
	out.Definition = record.Definition
	out.SemanticTypes = lo.Uniq(record.SemanticTypes)
	if len(record.Relationships) > 0 {
		out.Relationships = map[string][]string{}
		for label, targets := range record.Relationships {
			out.Relationships[label] = append([]string{}, targets...)
		}
	}
	return out
}

// normalizeText lowercases and collapses whitespace for the cache key.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
