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

package ner

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

const (
	nerSubsystem = "ner"
)

var stageEntities = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: nerSubsystem,
		Name:      "raw_entities_total",
		Help:      "Raw entities emitted per model before voting.",
	},
	[]string{
		metrics.ComponentLabel,
		metrics.DomainLabel,
	})

func init() {
	metrics.Registry.MustRegister(stageEntities)
}
