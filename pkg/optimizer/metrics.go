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

package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	optimizerSubsystem = "optimizer"
)

var (
	recommendations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: optimizerSubsystem,
			Name:      "recommendations_total",
			Help:      "Recommendation evaluations by outcome.",
		},
		[]string{
			metrics.KindLabel,
			metrics.ResultLabel,
		})
	trialsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: optimizerSubsystem,
			Name:      "trials_active",
			Help:      "A/B trials currently routing traffic.",
		})
	trialConclusions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: optimizerSubsystem,
			Name:      "trial_conclusions_total",
			Help:      "Concluded A/B trials.",
		},
		[]string{
			metrics.KindLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(recommendations, trialsActive, trialConclusions)
}
