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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexgraph/lexgraph/pkg/providers/kb"
)

// LookupInput records one call to a fake knowledge base.
type LookupInput struct {
	Text       string
	EntityType string
}

// KBProvider is a scripted knowledge base. Records seeded through AddRecord
// answer by lowercased text; everything else is a miss. LookupBehavior.Output
// overrides the seeded records, and LookupBehavior.Error scripts failures.
type KBProvider struct {
	LookupBehavior   MockedFunction[LookupInput, kb.Record]
	HealthCheckError AtomicError

	mu      sync.Mutex
	records map[string]kb.Record

	delayNanos atomic.Int64
}

func NewKBProvider() *KBProvider {
	return &KBProvider{records: map[string]kb.Record{}}
}

// AddRecord seeds an answer for a surface form.
func (p *KBProvider) AddRecord(text string, record kb.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[strings.ToLower(text)] = record
}

// SetDelay makes every Lookup wait before answering, or until the context
// expires, whichever comes first.
func (p *KBProvider) SetDelay(d time.Duration) {
	p.delayNanos.Store(int64(d))
}

func (p *KBProvider) Lookup(ctx context.Context, text string, entityType string) (*kb.Record, error) {
	if d := time.Duration(p.delayNanos.Load()); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	return p.LookupBehavior.Invoke(&LookupInput{Text: text, EntityType: entityType}, func(input *LookupInput) (*kb.Record, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if record, ok := p.records[strings.ToLower(input.Text)]; ok {
			return &record, nil
		}
		return nil, nil
	})
}

func (p *KBProvider) HealthCheck(_ context.Context) error {
	return p.HealthCheckError.Get()
}

func (p *KBProvider) Reset() {
	p.LookupBehavior.Reset()
	p.HealthCheckError.Reset()
	p.mu.Lock()
	p.records = map[string]kb.Record{}
	p.mu.Unlock()
	p.delayNanos.Store(0)
}
