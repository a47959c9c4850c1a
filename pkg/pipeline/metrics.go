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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	pipelineSubsystem = "pipeline"
)

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "requests_total",
			Help:      "Processed requests by outcome.",
		},
		[]string{
			metrics.ResultLabel,
		})
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per stage.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{
			metrics.StageLabel,
		})
	stageEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_entities_total",
			Help:      "Entities held after each stage ran.",
		},
		[]string{
			metrics.StageLabel,
		})
	warnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "warnings_total",
			Help:      "Diagnostics surfaced on results.",
		},
		[]string{
			metrics.StageLabel,
			metrics.KindLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(requests, stageDuration, stageEntities, warnings)
}
