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
	"sync/atomic"
	"time"

	"github.com/lexgraph/lexgraph/pkg/providers/ner"
)

// ExtractInput records one call to a fake model.
type ExtractInput struct {
	Text string
}

// NERModel is a scripted model. By default it extracts nothing; pin entities
// through ExtractBehavior.Output, script failures through
// ExtractBehavior.Error, and simulate slowness through SetDelay.
type NERModel struct {
	ExtractBehavior  MockedFunction[ExtractInput, []ner.RawEntity]
	HealthCheckError AtomicError

	delayNanos atomic.Int64
}

func NewNERModel() *NERModel {
	return &NERModel{}
}

// SetDelay makes every Extract wait before answering, or until the context
// expires, whichever comes first.
func (m *NERModel) SetDelay(d time.Duration) {
	m.delayNanos.Store(int64(d))
}

func (m *NERModel) Extract(ctx context.Context, text string) ([]ner.RawEntity, error) {
	if d := time.Duration(m.delayNanos.Load()); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	out, err := m.ExtractBehavior.Invoke(&ExtractInput{Text: text}, func(*ExtractInput) (*[]ner.RawEntity, error) {
		return &[]ner.RawEntity{}, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (m *NERModel) HealthCheck(_ context.Context) error {
	return m.HealthCheckError.Get()
}

func (m *NERModel) Reset() {
	m.ExtractBehavior.Reset()
	m.HealthCheckError.Reset()
	m.delayNanos.Store(0)
}
