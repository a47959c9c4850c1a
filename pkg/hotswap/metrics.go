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

package hotswap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	hotswapSubsystem = "hotswap"
	stateLabel       = "state"
)

var (
	slotStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: hotswapSubsystem,
			Name:      "slots",
			Help:      "Component slots per state.",
		},
		[]string{
			stateLabel,
		})
	swaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: hotswapSubsystem,
			Name:      "swaps_total",
			Help:      "Executed component swaps.",
		},
		[]string{
			metrics.KindLabel,
		})
	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: hotswapSubsystem,
			Name:      "drain_duration_seconds",
			Help:      "Time spent waiting for outgoing slots to drain.",
			Buckets:   metrics.DurationBuckets(),
		})
)

func init() {
	metrics.Registry.MustRegister(slotStates, swaps, drainDuration)
}
