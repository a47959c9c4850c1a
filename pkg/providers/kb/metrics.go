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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	kbSubsystem = "kb"
)

var (
	lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: kbSubsystem,
			Name:      "lookups_total",
			Help:      "Knowledge base lookups by outcome.",
		},
		[]string{
			metrics.ComponentLabel,
			metrics.ResultLabel,
		})
	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: kbSubsystem,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker transitions to the open state.",
		},
		[]string{
			metrics.ComponentLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(lookups, breakerTrips)
}
