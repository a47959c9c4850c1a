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

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	telemetrySubsystem = "telemetry"
)

var (
	samplesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: telemetrySubsystem,
			Name:      "samples_recorded_total",
			Help:      "Performance samples accepted into the telemetry queue.",
		},
		[]string{
			metrics.KindLabel,
			metrics.ComponentLabel,
			metrics.DomainLabel,
		})
	samplesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: telemetrySubsystem,
			Name:      "samples_dropped_total",
			Help:      "Performance samples dropped because the telemetry queue was full.",
		})
)

func init() {
	metrics.Registry.MustRegister(samplesRecorded, samplesDropped)
}
