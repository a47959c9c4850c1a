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

// Package ringbuffer provides a fixed-capacity buffer that overwrites its
// oldest entry when full. It is not safe for concurrent use; callers guard it.
package ringbuffer

type RingBuffer[T any] struct {
	items []T
	head  int
	full  bool
}

func New[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, 0, size)}
}

// Insert appends item, replacing the oldest entry once the buffer is full.
func (r *RingBuffer[T]) Insert(item T) {
	if !r.full {
		r.items = append(r.items, item)
		if len(r.items) == cap(r.items) {
			r.full = true
		}
		return
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % cap(r.items)
}

// Items returns the backing slice in physical order. Callers that need the
// contents after releasing their lock must copy.
func (r *RingBuffer[T]) Items() []T {
	return r.items
}

func (r *RingBuffer[T]) Len() int {
	return len(r.items)
}

func (r *RingBuffer[T]) Reset() {
	r.items = r.items[:0]
	r.head = 0
	r.full = false
}
