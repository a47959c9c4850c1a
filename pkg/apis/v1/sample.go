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

package v1

import (
	"time"
)

// PerformanceSample is one observation of one component invocation. Samples
// are immutable once written; the telemetry store keeps a bounded window per
// (kind, component, domain) and drops older samples.
type PerformanceSample struct {
	ComponentID string        `json:"component_id"`
	Kind        ComponentKind `json:"kind"`
	Domain      string        `json:"domain,omitempty"`
	LatencyMS   float64       `json:"latency_ms"`
	// ThroughputEPS is entities emitted per second of component wall time.
	ThroughputEPS float64 `json:"throughput_eps"`
	// AccuracyProxy is agreement with the ensemble majority for NER models,
	// the fraction of emitted matches the stage kept for pattern matchers,
	// and the hit fraction for KB providers.
	AccuracyProxy float64   `json:"accuracy_proxy"`
	Error         bool      `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SampleKey groups samples into telemetry windows.
type SampleKey struct {
	Kind        ComponentKind
	ComponentID string
	Domain      string
}

func (s PerformanceSample) Key() SampleKey {
	return SampleKey{Kind: s.Kind, ComponentID: s.ComponentID, Domain: s.Domain}
}
