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

// Package telemetry routes PerformanceSamples from the request path to the
// optimizer and to host subscribers. Recording never blocks a request: the
// queue sheds load by dropping samples once full.
package telemetry

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/utils/ringbuffer"
)

// Recorder accepts telemetry from the request path.
type Recorder interface {
	Record(sample v1.PerformanceSample)
}

// Store is the terminal Recorder: a bounded queue drained by a single writer
// goroutine into per-(kind, component, domain) ring buffers. Readers snapshot
// windows under a short read lock.
type Store struct {
	windowSize int
	queue      chan v1.PerformanceSample

	mu      sync.RWMutex
	windows map[v1.SampleKey]*ringbuffer.RingBuffer[v1.PerformanceSample]

	subMu   sync.Mutex
	subs    map[int]chan v1.PerformanceSample
	nextSub int
}

func NewStore(windowSize int, queueDepth int) *Store {
	return &Store{
		windowSize: windowSize,
		queue:      make(chan v1.PerformanceSample, queueDepth),
		windows:    map[v1.SampleKey]*ringbuffer.RingBuffer[v1.PerformanceSample]{},
		subs:       map[int]chan v1.PerformanceSample{},
	}
}

// Record enqueues the sample without blocking. Samples are dropped with a
// counter when the queue is full.
func (s *Store) Record(sample v1.PerformanceSample) {
	select {
	case s.queue <- sample:
		samplesRecorded.WithLabelValues(string(sample.Kind), sample.ComponentID, sample.Domain).Inc()
	default:
		samplesDropped.Inc()
	}
}

// Start runs the drain loop until ctx is done, then consumes whatever is
// still queued so shutdown never loses buffered samples, and closes all
// subscriber channels.
func (s *Store) Start(ctx context.Context) {
	go func() {
		defer s.closeSubs()
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case sample := <-s.queue:
						s.ingest(sample)
					default:
						return
					}
				}
			case sample := <-s.queue:
				s.ingest(sample)
			}
		}
	}()
}

func (s *Store) ingest(sample v1.PerformanceSample) {
	s.mu.Lock()
	buf, ok := s.windows[sample.Key()]
	if !ok {
		buf = ringbuffer.New[v1.PerformanceSample](s.windowSize)
		s.windows[sample.Key()] = buf
	}
	buf.Insert(sample)
	s.mu.Unlock()
	s.publish(sample)
}

// Snapshot copies the current window for a key.
func (s *Store) Snapshot(key v1.SampleKey) []v1.PerformanceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.windows[key]
	if !ok {
		return nil
	}
	return slices.Clone(buf.Items())
}

// Cohort returns every component's window for a (kind, domain) pair.
func (s *Store) Cohort(kind v1.ComponentKind, domain string) map[string][]v1.PerformanceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]v1.PerformanceSample{}
	for key, buf := range s.windows {
		if key.Kind == kind && key.Domain == domain {
			out[key.ComponentID] = slices.Clone(buf.Items())
		}
	}
	return out
}

// ComponentWindow merges every domain's window for one component. Trial
// evaluation reads this; routing assigns treatments regardless of domain, so
// conclusions weigh all traffic the treatment received.
func (s *Store) ComponentWindow(kind v1.ComponentKind, componentID string) []v1.PerformanceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []v1.PerformanceSample
	for key, buf := range s.windows {
		if key.Kind == kind && key.ComponentID == componentID {
			out = append(out, buf.Items()...)
		}
	}
	return out
}

// LatencyP95 estimates the component's 95th percentile latency over its
// window; ok is false when the window is empty.
func (s *Store) LatencyP95(key v1.SampleKey) (float64, bool) {
	window := s.Snapshot(key)
	if len(window) == 0 {
		return 0, false
	}
	latencies := lo.Map(window, func(sample v1.PerformanceSample, _ int) float64 { return sample.LatencyMS })
	slices.Sort(latencies)
	idx := (len(latencies) - 1) * 95 / 100
	return latencies[idx], true
}

// Subscribe registers a host channel fed best-effort with every ingested
// sample. The returned cancel removes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan v1.PerformanceSample, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan v1.PerformanceSample, buffer)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Store) publish(sample v1.PerformanceSample) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- sample:
		default:
		}
	}
}

func (s *Store) closeSubs() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
}

// Reset drops all windows. Used by tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = map[v1.SampleKey]*ringbuffer.RingBuffer[v1.PerformanceSample]{}
}
