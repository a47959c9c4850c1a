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

package test

import (
	. "github.com/onsi/gomega" //nolint:staticcheck
	prom "github.com/prometheus/client_model/go"
	"github.com/samber/lo"

	"github.com/lexgraph/lexgraph/pkg/metrics"
)

// FindMetricWithLabelValues gathers the engine registry and returns the first
// metric of the named family whose labels carry every given value.
func FindMetricWithLabelValues(name string, labelValues map[string]string) (*prom.Metric, bool) {
	families, err := metrics.Registry.Gather()
	ExpectWithOffset(1, err).To(BeNil())
	family, found := lo.Find(families, func(family *prom.MetricFamily) bool {
		return family.GetName() == name
	})
	if !found {
		return nil, false
	}
	for _, m := range family.Metric {
		remaining := lo.Assign(labelValues)
		for _, pair := range m.Label {
			if v, ok := remaining[pair.GetName()]; ok && v == pair.GetValue() {
				delete(remaining, pair.GetName())
			}
		}
		if len(remaining) == 0 {
			return m, true
		}
	}
	return nil, false
}
