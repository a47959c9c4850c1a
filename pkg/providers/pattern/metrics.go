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

package pattern

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	patternSubsystem = "pattern"
)

var (
	matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: patternSubsystem,
			Name:      "matches_total",
			Help:      "Raw pattern matches per pack before overlap resolution.",
		},
		[]string{
			metrics.ComponentLabel,
			metrics.DomainLabel,
		})
	validationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: patternSubsystem,
			Name:      "validation_failures_total",
			Help:      "Matches retained unvalidated after failing their domain rule.",
		},
		[]string{
			metrics.ComponentLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(matches, validationFailures)
}
