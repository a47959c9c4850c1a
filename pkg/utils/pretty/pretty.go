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

// Package pretty keeps log output short: compact JSON rendering, truncated
// slices, and a hash-backed monitor that reports only when a watched value
// actually changes.
package pretty

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// Concise renders o as one-line JSON for log values.
func Concise(o any) string {
	b, err := json.Marshal(o)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// Slice truncates a slice after maxItems so a logged list can't grow without bound.
func Slice[T any](s []T, maxItems int) string {
	var sb strings.Builder
	for i, elem := range s {
		if i > maxItems-1 {
			fmt.Fprintf(&sb, " and %d other(s)", len(s)-i)
			break
		} else if i > 0 {
			fmt.Fprint(&sb, ", ")
		}
		fmt.Fprint(&sb, elem)
	}
	return sb.String()
}

// ChangeMonitor reduces logging for values that rarely change, such as the
// resolved configuration layers and the component registry. Recorded hashes
// expire so a stable value still gets re-logged once per expiry window rather
// than only at startup.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

func NewChangeMonitor() *ChangeMonitor {
	return NewChangeMonitorWithExpiry(24 * time.Hour)
}

func NewChangeMonitorWithExpiry(expiry time.Duration) *ChangeMonitor {
	return &ChangeMonitor{
		lastSeen: cache.New(expiry, expiry/2),
	}
}

// HasChanged returns true if the hash of value differs from the hash recorded
// under key on the previous call.
func (c *ChangeMonitor) HasChanged(key string, value any) bool {
	hv, _ := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	existing, ok := c.lastSeen.Get(key)
	var existingHash uint64
	if ok {
		existingHash = existing.(uint64)
	}
	if !ok || existingHash != hv {
		c.lastSeen.SetDefault(key, hv)
		return true
	}
	return false
}
