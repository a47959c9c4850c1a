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

// Package hotswap owns the component slot table: the mapping from (kind, id)
// to the live instance serving requests. Stages acquire short-lived leases;
// operators replace instances without dropping the leases already out. The
// manager is the single authority for slot state; all transitions happen
// under its lock while request counters stay atomic.
package hotswap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

type SlotState string

const (
	StateLoading  SlotState = "loading"
	StateReady    SlotState = "ready"
	StateDraining SlotState = "draining"
	StateRetired  SlotState = "retired"
)

var SlotStates = []SlotState{StateLoading, StateReady, StateDraining, StateRetired}

// DefaultGracePeriod bounds how long a swap waits for the outgoing slot to
// drain before letting its remaining leases run out on their own.
const DefaultGracePeriod = 5 * time.Second

const drainPollInterval = 10 * time.Millisecond

// HealthChecker is implemented by instances that can verify themselves before
// serving. Instances without it pass registration unconditionally.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type slotKey struct {
	kind v1.ComponentKind
	id   string
}

type slot struct {
	descriptor     v1.ComponentDescriptor
	instance       any
	state          SlotState
	activeRequests atomic.Int64
}

// SlotInfo is a point-in-time view of one slot for observability and tests.
type SlotInfo struct {
	Descriptor     v1.ComponentDescriptor
	State          SlotState
	ActiveRequests int64
}

// Lease is a stage's hold on one instance for the duration of one call. The
// slot cannot retire while leases are outstanding. Release is idempotent.
type Lease struct {
	manager  *Manager
	slot     *slot
	released atomic.Bool
}

func (l *Lease) Instance() any {
	return l.slot.instance
}

func (l *Lease) Descriptor() v1.ComponentDescriptor {
	return l.slot.descriptor
}

func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.manager.release(l.slot)
	}
}

// Manager is the hot-swap slot table.
type Manager struct {
	mu         sync.RWMutex
	ready      map[slotKey]*slot
	prepared   map[slotKey]*slot
	draining   map[*slot]struct{}
	generation atomic.Uint64
	clock      clock.WithTicker
}

func NewManager(clk clock.WithTicker) *Manager {
	return &Manager{
		ready:    map[slotKey]*slot{},
		prepared: map[slotKey]*slot{},
		draining: map[*slot]struct{}{},
		clock:    clk,
	}
}

// Register creates the first slot for (kind, id): LOADING, health check,
// READY. Replacing an existing READY slot goes through PrepareSwap and
// ExecuteSwap instead.
func (m *Manager) Register(ctx context.Context, descriptor v1.ComponentDescriptor, instance any) error {
	key := slotKey{kind: descriptor.Kind, id: descriptor.ID}
	m.mu.Lock()
	if _, ok := m.ready[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("component %s is already registered, prepare a swap instead", &descriptor)
	}
	s := &slot{descriptor: descriptor, instance: instance, state: StateLoading}
	m.mu.Unlock()

	if err := healthCheck(ctx, instance); err != nil {
		s.state = StateRetired
		return fmt.Errorf("health checking %s, %w", &descriptor, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ready[key]; ok {
		return fmt.Errorf("component %s was registered concurrently", &descriptor)
	}
	s.state = StateReady
	m.ready[key] = s
	m.generation.Add(1)
	m.observeStates()
	logr.FromContextOrDiscard(ctx).V(1).Info("registered component", "component", descriptor.String())
	return nil
}

// Acquire leases the READY slot for (kind, id).
func (m *Manager) Acquire(kind v1.ComponentKind, id string) (*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ready[slotKey{kind: kind, id: id}]
	if !ok {
		return nil, fmt.Errorf("no ready slot for %s/%s", kind, id)
	}
	s.activeRequests.Add(1)
	return &Lease{manager: m, slot: s}, nil
}

func (m *Manager) release(s *slot) {
	remaining := s.activeRequests.Add(-1)
	if remaining > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state == StateDraining && s.activeRequests.Load() == 0 {
		s.state = StateRetired
		delete(m.draining, s)
		m.observeStates()
	}
}

// PrepareSwap stages a candidate instance for (kind, id). The candidate sits
// in LOADING until ExecuteSwap promotes it; a second prepare for the same key
// replaces the first.
func (m *Manager) PrepareSwap(ctx context.Context, descriptor v1.ComponentDescriptor, instance any) error {
	if err := healthCheck(ctx, instance); err != nil {
		return fmt.Errorf("health checking swap candidate %s, %w", &descriptor, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey{kind: descriptor.Kind, id: descriptor.ID}
	m.prepared[key] = &slot{descriptor: descriptor, instance: instance, state: StateLoading}
	logr.FromContextOrDiscard(ctx).V(1).Info("prepared swap candidate", "component", descriptor.String())
	return nil
}

// ExecuteSwap atomically promotes the prepared candidate to READY and marks
// the previous READY slot DRAINING, then waits up to gracePeriod for the old
// slot to drain. Leases still out after grace stay valid until released.
func (m *Manager) ExecuteSwap(ctx context.Context, kind v1.ComponentKind, id string, gracePeriod time.Duration) error {
	key := slotKey{kind: kind, id: id}
	m.mu.Lock()
	candidate, ok := m.prepared[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no prepared candidate for %s/%s", kind, id)
	}
	delete(m.prepared, key)
	previous := m.ready[key]
	candidate.state = StateReady
	m.ready[key] = candidate
	if previous != nil {
		previous.state = StateDraining
		m.draining[previous] = struct{}{}
	}
	m.generation.Add(1)
	swaps.WithLabelValues(string(kind)).Inc()
	m.observeStates()
	m.mu.Unlock()

	logr.FromContextOrDiscard(ctx).Info("swapped component", "component", candidate.descriptor.String())
	if previous == nil {
		return nil
	}
	return m.drain(ctx, previous, gracePeriod)
}

// Retire drains the READY slot for (kind, id) without replacement.
func (m *Manager) Retire(ctx context.Context, kind v1.ComponentKind, id string, gracePeriod time.Duration) error {
	key := slotKey{kind: kind, id: id}
	m.mu.Lock()
	s, ok := m.ready[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no ready slot for %s/%s", kind, id)
	}
	delete(m.ready, key)
	s.state = StateDraining
	m.draining[s] = struct{}{}
	m.generation.Add(1)
	m.observeStates()
	m.mu.Unlock()
	return m.drain(ctx, s, gracePeriod)
}

// RetireAll drains every READY slot. Used by engine shutdown.
func (m *Manager) RetireAll(ctx context.Context, gracePeriod time.Duration) {
	m.mu.RLock()
	keys := lo.Keys(m.ready)
	m.mu.RUnlock()
	for _, key := range keys {
		_ = m.Retire(ctx, key.kind, key.id, gracePeriod)
	}
}

func (m *Manager) drain(ctx context.Context, s *slot, gracePeriod time.Duration) error {
	start := m.clock.Now()
	defer func() {
		drainDuration.Observe(m.clock.Since(start).Seconds())
	}()
	timeout := m.clock.NewTimer(gracePeriod)
	defer timeout.Stop()
	ticker := m.clock.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if s.activeRequests.Load() == 0 {
			m.mu.Lock()
			if s.state == StateDraining && s.activeRequests.Load() == 0 {
				s.state = StateRetired
				delete(m.draining, s)
				m.observeStates()
			}
			m.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C():
			// Outstanding leases stay valid; release retires the slot later.
			logr.FromContextOrDiscard(ctx).V(1).Info("grace period elapsed with leases outstanding",
				"component", s.descriptor.String(), "activeRequests", s.activeRequests.Load())
			return nil
		case <-ticker.C():
		}
	}
}

// Ready returns the descriptors of every READY slot of the kind. The NER
// selection path scores these.
func (m *Manager) Ready(kind v1.ComponentKind) []v1.ComponentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []v1.ComponentDescriptor
	for key, s := range m.ready {
		if key.kind == kind {
			out = append(out, s.descriptor)
		}
	}
	return out
}

// Generation increments on every topology change; selection memos key on it.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// Snapshot lists every slot the manager still tracks.
func (m *Manager) Snapshot() []SlotInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SlotInfo
	for _, s := range m.ready {
		out = append(out, SlotInfo{Descriptor: s.descriptor, State: s.state, ActiveRequests: s.activeRequests.Load()})
	}
	for _, s := range m.prepared {
		out = append(out, SlotInfo{Descriptor: s.descriptor, State: s.state, ActiveRequests: s.activeRequests.Load()})
	}
	for s := range m.draining {
		out = append(out, SlotInfo{Descriptor: s.descriptor, State: s.state, ActiveRequests: s.activeRequests.Load()})
	}
	return out
}

// observeStates recomputes the per-state slot gauges. Caller holds the lock.
func (m *Manager) observeStates() {
	counts := map[SlotState]int{}
	for _, s := range m.ready {
		counts[s.state]++
	}
	for _, s := range m.prepared {
		counts[s.state]++
	}
	for s := range m.draining {
		counts[s.state]++
	}
	for _, state := range SlotStates {
		slotStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func healthCheck(ctx context.Context, instance any) error {
	if checker, ok := instance.(HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}
