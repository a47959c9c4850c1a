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

package cache

import (
	"container/list"
	"sync"
)

// LRU is the in-process T1 tier: a bounded map with least-recently-used
// eviction. When an insert pushes the size past maxEntries, roughly the
// coldest tenth of entries is dropped in a single pass so inserts stay O(1)
// amortized. One lock guards both the map and the recency list.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	recency    *list.List // front = most recent
}

type lruEntry struct {
	key   string
	value any
}

func NewLRU(maxEntries int) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		entries:    map[string]*list.Element{},
		recency:    list.New(),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	l.recency.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

func (l *LRU) Put(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.entries[key]; ok {
		elem.Value.(*lruEntry).value = value
		l.recency.MoveToFront(elem)
		return
	}
	l.entries[key] = l.recency.PushFront(&lruEntry{key: key, value: value})
	if len(l.entries) > l.maxEntries {
		l.evict()
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.entries[key]; ok {
		l.recency.Remove(elem)
		delete(l.entries, key)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evict drops ~10% of the least-recently-used entries, at least one. Caller
// holds the lock.
func (l *LRU) evict() {
	drop := max(l.maxEntries/10, 1)
	for range drop {
		back := l.recency.Back()
		if back == nil {
			return
		}
		delete(l.entries, back.Value.(*lruEntry).key)
		l.recency.Remove(back)
	}
}

// Reset drops all entries. Used by tests.
func (l *LRU) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = map[string]*list.Element{}
	l.recency = list.New()
}
