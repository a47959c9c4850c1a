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

package fake

import (
	"context"

	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
)

// PatternMatcher is a scripted matcher. It emits whatever Matches holds.
type PatternMatcher struct {
	Matches          AtomicPtr[[]pattern.RawMatch]
	CalledWith       AtomicPtrSlice[string]
	HealthCheckError AtomicError
}

func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

func (m *PatternMatcher) Match(text string) []pattern.RawMatch {
	m.CalledWith.Add(&text)
	if m.Matches.IsNil() {
		return nil
	}
	return *m.Matches.Clone()
}

func (m *PatternMatcher) HealthCheck(_ context.Context) error {
	return m.HealthCheckError.Get()
}

func (m *PatternMatcher) Reset() {
	m.Matches.Reset()
	m.CalledWith.Reset()
	m.HealthCheckError.Reset()
}
