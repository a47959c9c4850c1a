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

// Package ner runs the named-entity stage: it scores the registered models
// for a domain, fans the request text out to the chosen ensemble in parallel,
// and fuses the raw spans by majority vote.
package ner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
)

const (
	f1Weight       = 0.40
	latencyWeight  = 0.30
	providerWeight = 0.20
	coverageWeight = 0.10

	retryDelay = 100 * time.Millisecond
)

type Provider struct {
	manager    *hotswap.Manager
	telemetry  *telemetry.Store
	router     Router
	selections *gocache.Cache
	clock      clock.Clock
}

type Option func(*Provider)

// WithRouter wires A/B trial routing into the selection path.
func WithRouter(router Router) Option {
	return func(p *Provider) { p.router = router }
}

func NewProvider(manager *hotswap.Manager, store *telemetry.Store, clk clock.Clock, opts ...Option) *Provider {
	p := &Provider{
		manager:    manager,
		telemetry:  store,
		selections: gocache.New(cache.SelectionTTL, cache.DefaultCleanupInterval),
		clock:      clk,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Select picks the ensemble for a domain. Explicit model ids in the config
// bypass scoring; otherwise eligible models are ranked by the composite score
// and the top k taken, min_models ≤ k ≤ max_models. Results are memoized
// briefly, keyed by domain, criteria, and registry generation.
func (p *Provider) Select(domain string, cfg *config.PipelineConfig) ([]ScoredModel, error) {
	if len(cfg.NER.ModelIDs) > 0 {
		return p.selectExplicit(cfg.NER.ModelIDs)
	}
	memoKey := fmt.Sprint(lo.Must(hashstructure.Hash(struct {
		Domain     string
		Criteria   config.NERConfig
		Generation uint64
	}{domain, cfg.NER, p.manager.Generation()}, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})))
	if cached, ok := p.selections.Get(memoKey); ok {
		return cached.([]ScoredModel), nil
	}
	selected, err := p.selectScored(domain, cfg)
	if err != nil {
		return nil, err
	}
	p.selections.SetDefault(memoKey, selected)
	return selected, nil
}

func (p *Provider) selectExplicit(ids []string) ([]ScoredModel, error) {
	ready := p.manager.Ready(v1.KindNERModel)
	var selected []ScoredModel
	for _, id := range ids {
		if descriptor, ok := lo.Find(ready, func(d v1.ComponentDescriptor) bool { return d.ID == id }); ok {
			selected = append(selected, ScoredModel{Descriptor: descriptor})
		}
	}
	if len(selected) == 0 {
		return nil, errors.New(errors.KindNoModelsAvailable, "none of the configured models %v are registered", ids)
	}
	return selected, nil
}

func (p *Provider) selectScored(domain string, cfg *config.PipelineConfig) ([]ScoredModel, error) {
	required := cfg.NER.RequiredTypes(domain)
	var eligible []ScoredModel
	for _, descriptor := range p.manager.Ready(v1.KindNERModel) {
		if !descriptor.ServesDomain(domain) || descriptor.F1(domain) < cfg.NER.MinF1 {
			continue
		}
		observedP95, haveSamples := p.telemetry.LatencyP95(v1.SampleKey{
			Kind:        v1.KindNERModel,
			ComponentID: descriptor.ID,
			Domain:      domain,
		})
		latency := 1.0
		if haveSamples {
			if observedP95 > cfg.NER.MaxLatencyMS {
				continue
			}
			latency = max(0, 1-observedP95/cfg.NER.MaxLatencyMS)
		}
		eligible = append(eligible, ScoredModel{
			Descriptor: descriptor,
			Score: f1Weight*descriptor.F1(domain) +
				latencyWeight*latency +
				providerWeight*descriptor.ProviderWeight +
				coverageWeight*descriptor.Coverage(required),
		})
	}
	if len(eligible) < cfg.NER.MinModels {
		return nil, errors.New(errors.KindNoModelsAvailable,
			"%d eligible models for domain %q, need at least %d", len(eligible), domain, cfg.NER.MinModels)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Descriptor.ID < eligible[j].Descriptor.ID
	})
	k := min(len(eligible), cfg.NER.MaxModels)
	if !cfg.NER.EnsembleMode {
		k = 1
	}
	return eligible[:k], nil
}

type modelResult struct {
	id       string
	entities []RawEntity
	latency  time.Duration
	err      error
}

// Extract runs the selected ensemble in parallel and fuses the raw spans.
// Per-model failures degrade into warnings; only an empty selection is fatal.
func (p *Provider) Extract(ctx context.Context, text, domain, requestID string, cfg *config.PipelineConfig) (*Extraction, error) {
	selected, err := p.Select(domain, cfg)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(selected, func(m ScoredModel, _ int) string { return m.Descriptor.ID })
	if p.router != nil {
		ids = lo.Uniq(lo.Map(ids, func(id string, _ int) string {
			return p.router.Route(v1.KindNERModel, domain, requestID, id)
		}))
	}

	results := make([]modelResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = p.invoke(gctx, id, text, cfg)
			return nil
		})
	}
	_ = g.Wait()

	extraction := &Extraction{ComponentsUsed: ids}
	succeeded := lo.Filter(results, func(r modelResult, _ int) bool { return r.err == nil })
	for _, r := range results {
		if r.err != nil {
			kind := errors.KindOf(r.err)
			extraction.Warnings = append(extraction.Warnings, v1.Diagnostic{
				Stage:       v1.StageNER,
				ComponentID: r.id,
				Kind:        string(kind),
				Message:     r.err.Error(),
			})
		}
	}
	if len(succeeded) == 0 {
		logr.FromContextOrDiscard(ctx).V(1).Info("every model in the ensemble failed", "models", ids)
		p.record(domain, results, nil)
		return extraction, nil
	}

	fused := fuse(succeeded, cfg)
	p.record(domain, results, fused)
	extraction.Entities = lo.Filter(fused, func(e v1.EntityRecord, _ int) bool {
		return e.Confidence >= cfg.NER.MinConfidence
	})
	return extraction, nil
}

// invoke runs one model under its per-model timeout through a hot-swap lease.
// Transient errors get one retry inside the budget.
func (p *Provider) invoke(ctx context.Context, id, text string, cfg *config.PipelineConfig) modelResult {
	lease, err := p.manager.Acquire(v1.KindNERModel, id)
	if err != nil {
		return modelResult{id: id, err: errors.Wrap(errors.KindComponentError, err).WithComponent(id)}
	}
	defer lease.Release()
	model, ok := lease.Instance().(Model)
	if !ok {
		return modelResult{id: id, err: errors.New(errors.KindComponentError, "slot %s does not hold a NER model", id)}
	}

	modelCtx, cancel := context.WithTimeout(ctx, cfg.PerModelTimeout())
	defer cancel()

	start := p.clock.Now()
	var entities []RawEntity
	err = retry.Do(func() error {
		var extractErr error
		entities, extractErr = model.Extract(modelCtx, text)
		return extractErr
	},
		retry.Context(modelCtx),
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryable),
	)
	latency := p.clock.Since(start)
	if err != nil {
		kind := errors.KindOf(err)
		if kind == errors.KindComponentError && modelCtx.Err() != nil {
			kind = errors.KindComponentTimeout
		}
		return modelResult{id: id, latency: latency, err: errors.Wrap(kind, err).WithComponent(id)}
	}
	return modelResult{id: id, entities: entities, latency: latency}
}

// record emits one PerformanceSample per model. Accuracy is the fraction of
// the model's raw spans that survived into the fused majority.
func (p *Provider) record(domain string, results []modelResult, fused []v1.EntityRecord) {
	fusedKeys := lo.SliceToMap(fused, func(e v1.EntityRecord) (RawEntity, struct{}) {
		return RawEntity{Type: e.Type, Start: e.Start, End: e.End}, struct{}{}
	})
	for _, r := range results {
		sample := v1.PerformanceSample{
			ComponentID: r.id,
			Kind:        v1.KindNERModel,
			Domain:      domain,
			LatencyMS:   float64(r.latency) / float64(time.Millisecond),
			Timestamp:   p.clock.Now(),
		}
		if r.err != nil {
			sample.Error = true
			sample.ErrorKind = string(errors.KindOf(r.err))
		} else {
			if seconds := r.latency.Seconds(); seconds > 0 {
				sample.ThroughputEPS = float64(len(r.entities)) / seconds
			}
			if len(r.entities) > 0 {
				agreed := lo.CountBy(r.entities, func(e RawEntity) bool {
					_, ok := fusedKeys[RawEntity{Type: e.Type, Start: e.Start, End: e.End}]
					return ok
				})
				sample.AccuracyProxy = float64(agreed) / float64(len(r.entities))
			}
		}
		p.telemetry.Record(sample)
		stageEntities.WithLabelValues(r.id, domain).Add(float64(len(r.entities)))
	}
}

// Reset drops the selection memo. Used by tests.
func (p *Provider) Reset() {
	p.selections.Flush()
}
