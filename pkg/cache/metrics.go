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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	cacheSubsystem = "cache"
)

var (
	hits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: cacheSubsystem,
			Name:      "hits_total",
			Help:      "Lookups answered, labeled by the tier that answered.",
		},
		[]string{
			metrics.TierLabel,
		})
	misses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: cacheSubsystem,
			Name:      "misses_total",
			Help:      "Lookups that fell through every tier.",
		})
	corrupted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: cacheSubsystem,
			Name:      "corrupted_entries_total",
			Help:      "Entries evicted because their bytes did not decode to a whitelisted shape.",
		},
		[]string{
			metrics.TierLabel,
		})
	memorySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: cacheSubsystem,
			Name:      "memory_entries",
			Help:      "Entries currently resident in the in-process tier.",
		})
	syncerBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: cacheSubsystem,
			Name:      "syncer_batch_size",
			Help:      "Entries written per persistent-tier flush.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		})
)

func init() {
	metrics.Registry.MustRegister(hits, misses, corrupted, memorySize, syncerBatchSize)
}
