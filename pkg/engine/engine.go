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

// Package engine wires the pipeline together: config layers, hot-swap slots,
// trust gating, telemetry, caching, and the optimizer behind one facade. A
// host constructs one Engine, registers its components, and calls Process;
// Shutdown retires every slot and stops the background loops.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/metrics"
	"github.com/lexgraph/lexgraph/pkg/optimizer"
	"github.com/lexgraph/lexgraph/pkg/pipeline"
	"github.com/lexgraph/lexgraph/pkg/providers/kb"
	"github.com/lexgraph/lexgraph/pkg/providers/ner"
	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
	"github.com/lexgraph/lexgraph/pkg/trust"
)

type Engine struct {
	opts         *Options
	log          logr.Logger
	loader       *config.DefaultLoader
	manager      *hotswap.Manager
	validator    *trust.Validator
	store        *telemetry.Store
	tiered       *cache.TieredCache
	syncer       *cache.Syncer
	optimizer    *optimizer.Optimizer
	orchestrator *pipeline.Orchestrator
	cancel       context.CancelFunc
}

// New builds a fully wired engine. The returned engine owns background
// goroutines (telemetry drain, config watcher, cache syncer) that run until
// Shutdown.
func New(opts ...Option) (*Engine, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if err := options.TrustPolicy.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindConfigInvalid, fmt.Errorf("validating trust policy, %w", err))
	}
	log := options.Logger.WithName("lexgraph")
	background, cancel := context.WithCancel(logr.NewContext(context.Background(), log))

	loader := config.NewDefaultLoader()
	if options.ConfigFile != "" {
		if err := loader.LoadFile(options.ConfigFile); err != nil {
			cancel()
			return nil, err
		}
	}
	baseline, err := loader.Resolve("", nil)
	if err != nil {
		cancel()
		return nil, err
	}

	store := telemetry.NewStore(options.TelemetryWindow, options.TelemetryQueueDepth)
	store.Start(background)

	var tieredOpts []cache.TieredOption
	var syncer *cache.Syncer
	if options.RemoteStore != nil {
		tieredOpts = append(tieredOpts, cache.WithRemote(options.RemoteStore))
	}
	if options.PersistentStore != nil {
		syncer = cache.NewSyncer(options.PersistentStore, options.SyncFlushInterval, options.SyncMaxBatch, options.Clock)
		syncer.Start(background)
		tieredOpts = append(tieredOpts, cache.WithPersistent(options.PersistentStore, syncer))
	}
	tiered := cache.NewTieredCache(options.CacheMaxEntries, tieredOpts...)

	optimizerOpts := []optimizer.Option{optimizer.WithCostWeights(options.CostWeights)}
	if recorder, ok := options.PersistentStore.(optimizer.TrialRecorder); ok {
		optimizerOpts = append(optimizerOpts, optimizer.WithTrialRecorder(recorder))
	}
	opt := optimizer.New(store, baseline.Optimizer, options.Clock, optimizerOpts...)

	manager := hotswap.NewManager(options.Clock)
	e := &Engine{
		opts:      options,
		log:       log,
		loader:    loader,
		manager:   manager,
		validator: trust.NewValidator(options.TrustPolicy),
		store:     store,
		tiered:    tiered,
		syncer:    syncer,
		optimizer: opt,
		orchestrator: pipeline.NewOrchestrator(
			loader,
			ner.NewProvider(manager, store, options.Clock, ner.WithRouter(opt)),
			kb.NewEnricher(manager, tiered, store, options.MaxConcurrentLookups, options.Clock),
			pattern.NewProvider(manager, store, options.Clock, pattern.WithPacks(options.Packs...)),
			options.Clock,
		),
		cancel: cancel,
	}

	if options.ConfigFile != "" && options.WatchConfig {
		watcher, err := config.NewWatcher(loader, options.ConfigFile)
		if err != nil {
			// reload is an optimization; the loaded layers keep serving
			log.Error(err, "config watch unavailable, keeping static config", "path", options.ConfigFile)
		} else {
			watcher.Start(background)
		}
	}
	return e, nil
}

// Process runs one request through the enabled stages.
func (e *Engine) Process(ctx context.Context, text, domain string, overrides *config.Overrides) (*v1.PipelineResult, error) {
	return e.orchestrator.Process(e.withLog(ctx), text, domain, overrides)
}

// RegisterModel trust-gates and registers a NER model.
func (e *Engine) RegisterModel(ctx context.Context, descriptor v1.ComponentDescriptor, model ner.Model) error {
	return e.register(ctx, v1.KindNERModel, descriptor, model)
}

// RegisterKB trust-gates and registers a knowledge base provider.
func (e *Engine) RegisterKB(ctx context.Context, descriptor v1.ComponentDescriptor, provider kb.Provider) error {
	return e.register(ctx, v1.KindKBProvider, descriptor, provider)
}

// RegisterMatcher trust-gates and registers a custom pattern matcher.
func (e *Engine) RegisterMatcher(ctx context.Context, descriptor v1.ComponentDescriptor, matcher pattern.Matcher) error {
	return e.register(ctx, v1.KindPatternMatcher, descriptor, matcher)
}

func (e *Engine) register(ctx context.Context, kind v1.ComponentKind, descriptor v1.ComponentDescriptor, instance any) error {
	descriptor, err := e.admit(kind, descriptor)
	if err != nil {
		return err
	}
	return e.manager.Register(e.withLog(ctx), descriptor, instance)
}

// PrepareSwap trust-gates and stages a replacement instance for an existing
// component. ExecuteSwap promotes it.
func (e *Engine) PrepareSwap(ctx context.Context, descriptor v1.ComponentDescriptor, instance any) error {
	descriptor, err := e.admit(descriptor.Kind, descriptor)
	if err != nil {
		return err
	}
	return e.manager.PrepareSwap(e.withLog(ctx), descriptor, instance)
}

// ExecuteSwap promotes the prepared candidate and drains the previous
// instance under the engine grace period.
func (e *Engine) ExecuteSwap(ctx context.Context, kind v1.ComponentKind, id string) error {
	return e.manager.ExecuteSwap(e.withLog(ctx), kind, id, e.opts.GracePeriod)
}

// Retire drains a component without replacement.
func (e *Engine) Retire(ctx context.Context, kind v1.ComponentKind, id string) error {
	return e.manager.Retire(e.withLog(ctx), kind, id, e.opts.GracePeriod)
}

// admit runs the trust policy over the descriptor before any slot exists. A
// rejected component is never instantiated anywhere.
func (e *Engine) admit(kind v1.ComponentKind, descriptor v1.ComponentDescriptor) (v1.ComponentDescriptor, error) {
	if descriptor.Kind == "" {
		descriptor.Kind = kind
	}
	if descriptor.Kind != kind {
		return descriptor, errors.New(errors.KindConfigInvalid, "descriptor %s carries kind %s, expected %s", descriptor.ID, descriptor.Kind, kind)
	}
	decision, err := e.validator.Validate(descriptor)
	if err != nil {
		return descriptor, err
	}
	descriptor.TrustLevel = decision.Level
	e.log.V(1).Info("component admitted", "component", descriptor.String(), "trustLevel", decision.Level, "reason", decision.Reason)
	return descriptor, nil
}

// Recommend surfaces the optimizer's advisory comparison for a cohort.
func (e *Engine) Recommend(kind v1.ComponentKind, domain string) *optimizer.Recommendation {
	return e.optimizer.Recommend(kind, domain)
}

// StartTrial begins an A/B experiment routing a share of the control's
// traffic to the treatment.
func (e *Engine) StartTrial(experimentID string, kind v1.ComponentKind, controlID, treatmentID string, trafficSplit float64, duration time.Duration) error {
	return e.optimizer.StartTrial(experimentID, kind, controlID, treatmentID, trafficSplit, duration)
}

// ConcludeTrial scores both arms of an expired experiment and declares the
// winner.
func (e *Engine) ConcludeTrial(ctx context.Context, experimentID string) (*optimizer.Trial, error) {
	return e.optimizer.ConcludeTrial(e.withLog(ctx), experimentID)
}

// Trials snapshots every known experiment.
func (e *Engine) Trials() []optimizer.Trial {
	return e.optimizer.Trials()
}

// Telemetry returns a best-effort stream of every ingested sample. The cancel
// function unsubscribes and closes the channel.
func (e *Engine) Telemetry(buffer int) (<-chan v1.PerformanceSample, func()) {
	return e.store.Subscribe(buffer)
}

// Registry exposes the engine's prometheus registry for host scraping.
func (e *Engine) Registry() *prometheus.Registry {
	return metrics.Registry
}

// Components snapshots the hot-swap slot table.
func (e *Engine) Components() []hotswap.SlotInfo {
	return e.manager.Snapshot()
}

// Shutdown retires every slot, stops the background loops, and flushes the
// persistent cache tier. The context bounds the slot drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx = e.withLog(ctx)
	e.manager.RetireAll(ctx, e.opts.GracePeriod)
	e.cancel()
	if e.syncer != nil {
		e.syncer.Flush(ctx)
	}
	e.log.V(1).Info("engine shut down")
	return ctx.Err()
}

// withLog ensures every context the engine hands down carries a logger.
func (e *Engine) withLog(ctx context.Context) context.Context {
	if _, err := logr.FromContext(ctx); err != nil {
		return logr.NewContext(ctx, e.log)
	}
	return ctx
}
