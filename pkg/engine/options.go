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

package engine

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
	"github.com/lexgraph/lexgraph/pkg/trust"
	"github.com/lexgraph/lexgraph/pkg/utils/env"
)

// Options are the engine-level knobs. Request-scoped behavior lives in
// pkg/config; everything here is fixed for the engine's lifetime.
type Options struct {
	Logger               logr.Logger
	ConfigFile           string
	WatchConfig          bool
	CacheMaxEntries      int
	TelemetryWindow      int
	TelemetryQueueDepth  int
	MaxConcurrentLookups int64
	GracePeriod          time.Duration
	SyncFlushInterval    time.Duration
	SyncMaxBatch         int
	TrustPolicy          trust.Policy
	Clock                clock.WithTicker
	RemoteStore          cache.Store
	PersistentStore      cache.Store
	CostWeights          map[string]float64
	Packs                []pattern.Pack
}

type Option func(*Options)

// DefaultOptions resolves every knob from the environment with built-in
// fallbacks. Explicit Option values override these.
func DefaultOptions() *Options {
	return &Options{
		Logger:               defaultLogger(env.WithDefaultInt("LEXGRAPH_LOG_LEVEL", 0)),
		ConfigFile:           env.WithDefaultString("LEXGRAPH_CONFIG_FILE", ""),
		WatchConfig:          env.WithDefaultBool("LEXGRAPH_WATCH_CONFIG", true),
		CacheMaxEntries:      env.WithDefaultInt("LEXGRAPH_CACHE_MAX_ENTRIES", 10000),
		TelemetryWindow:      env.WithDefaultInt("LEXGRAPH_TELEMETRY_WINDOW", 1000),
		TelemetryQueueDepth:  env.WithDefaultInt("LEXGRAPH_TELEMETRY_QUEUE_DEPTH", 5000),
		MaxConcurrentLookups: env.WithDefaultInt64("LEXGRAPH_KB_MAX_CONCURRENT", 10),
		GracePeriod:          env.WithDefaultDuration("LEXGRAPH_GRACE_PERIOD", hotswap.DefaultGracePeriod),
		SyncFlushInterval:    env.WithDefaultDuration("LEXGRAPH_SYNC_FLUSH_INTERVAL", 5*time.Second),
		SyncMaxBatch:         env.WithDefaultInt("LEXGRAPH_SYNC_MAX_BATCH", 128),
		TrustPolicy: trust.Policy{
			MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{
				v1.KindNERModel:       v1.TrustLevelUnverified,
				v1.KindKBProvider:     v1.TrustLevelUnverified,
				v1.KindPatternMatcher: v1.TrustLevelUnverified,
			},
		},
		Clock: clock.RealClock{},
	}
}

func defaultLogger(verbosity int) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	logger, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(logger)
}

// WithLogger replaces the root logger injected into every context the engine
// creates.
func WithLogger(log logr.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithConfigFile layers a YAML config file over the built-in defaults and
// watches it for changes unless watching is disabled.
func WithConfigFile(path string) Option {
	return func(o *Options) { o.ConfigFile = path }
}

// WithConfigWatch toggles the fsnotify reload of the config file.
func WithConfigWatch(watch bool) Option {
	return func(o *Options) { o.WatchConfig = watch }
}

// WithTrustPolicy replaces the registration trust policy.
func WithTrustPolicy(policy trust.Policy) Option {
	return func(o *Options) { o.TrustPolicy = policy }
}

// WithClock injects the clock used by every time-dependent component.
func WithClock(clk clock.WithTicker) Option {
	return func(o *Options) { o.Clock = clk }
}

// WithRemoteStore wires the T2 cache tier.
func WithRemoteStore(store cache.Store) Option {
	return func(o *Options) { o.RemoteStore = store }
}

// WithPersistentStore wires the T3 cache tier behind the write-behind syncer.
// A store that also implements optimizer.TrialRecorder receives concluded
// trial outcomes.
func WithPersistentStore(store cache.Store) Option {
	return func(o *Options) { o.PersistentStore = store }
}

// WithCacheMaxEntries bounds the in-process cache tier.
func WithCacheMaxEntries(n int) Option {
	return func(o *Options) { o.CacheMaxEntries = n }
}

// WithTelemetryBuffer sizes the per-component sample window and the ingest
// queue.
func WithTelemetryBuffer(window, queueDepth int) Option {
	return func(o *Options) {
		o.TelemetryWindow = window
		o.TelemetryQueueDepth = queueDepth
	}
}

// WithMaxConcurrentLookups bounds process-wide KB lookup concurrency.
func WithMaxConcurrentLookups(n int64) Option {
	return func(o *Options) { o.MaxConcurrentLookups = n }
}

// WithGracePeriod bounds how long swaps and shutdown wait for draining slots.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) { o.GracePeriod = d }
}

// WithSyncer tunes the persistent tier's write-behind batching.
func WithSyncer(flushInterval time.Duration, maxBatch int) Option {
	return func(o *Options) {
		o.SyncFlushInterval = flushInterval
		o.SyncMaxBatch = maxBatch
	}
}

// WithCostWeights supplies per-component cost for the COST strategy.
func WithCostWeights(weights map[string]float64) Option {
	return func(o *Options) { o.CostWeights = weights }
}

// WithPacks adds pattern rule packs to the built-in set.
func WithPacks(packs ...pattern.Pack) Option {
	return func(o *Options) { o.Packs = packs }
}
