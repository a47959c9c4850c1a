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

package kb

import (
	"context"

	"github.com/samber/lo"
)

// Record is a knowledge base's answer for one entity.
type Record struct {
	EntityID      string              `json:"entity_id"`
	CanonicalName string              `json:"canonical_name"`
	Definition    string              `json:"definition,omitempty"`
	SemanticTypes []string            `json:"semantic_types,omitempty"`
	Relationships map[string][]string `json:"relationships,omitempty"`
}

// Provider is the contract a knowledge base client implements. A (nil, nil)
// return is a miss, not an error.
type Provider interface {
	Lookup(ctx context.Context, text string, entityType string) (*Record, error)
}

// cachedResult is the data shape a hit takes across cache tier boundaries.
// It exists so decode stays a mechanical field walk over whitelisted types.
type cachedResult struct {
	kbID   string
	record Record
}

func (c cachedResult) value() map[string]any {
	out := map[string]any{
		"kb_id":          c.kbID,
		"entity_id":      c.record.EntityID,
		"canonical_name": c.record.CanonicalName,
	}
	if c.record.Definition != "" {
		out["definition"] = c.record.Definition
	}
	if len(c.record.SemanticTypes) > 0 {
		out["semantic_types"] = lo.Map(c.record.SemanticTypes, func(t string, _ int) any { return t })
	}
	if len(c.record.Relationships) > 0 {
		relationships := map[string]any{}
		for label, targets := range c.record.Relationships {
			relationships[label] = lo.Map(targets, func(t string, _ int) any { return t })
		}
		out["relationships"] = relationships
	}
	return out
}

// resultFromValue rebuilds a cached hit from a whitelisted value. ok is false
// for any shape that is not a well-formed hit; callers treat that as a miss.
func resultFromValue(value any) (cachedResult, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return cachedResult{}, false
	}
	kbID, ok := m["kb_id"].(string)
	if !ok || kbID == "" {
		return cachedResult{}, false
	}
	entityID, ok := m["entity_id"].(string)
	if !ok {
		return cachedResult{}, false
	}
	canonical, ok := m["canonical_name"].(string)
	if !ok {
		return cachedResult{}, false
	}
	out := cachedResult{kbID: kbID, record: Record{EntityID: entityID, CanonicalName: canonical}}
	out.record.Definition, _ = m["definition"].(string)
	if raw, ok := m["semantic_types"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				out.record.SemanticTypes = append(out.record.SemanticTypes, s)
			}
		}
	}
	if raw, ok := m["relationships"].(map[string]any); ok {
		out.record.Relationships = map[string][]string{}
		for label, targets := range raw {
			list, ok := targets.([]any)
			if !ok {
				continue
			}
			for _, t := range list {
				if s, ok := t.(string); ok {
					out.record.Relationships[label] = append(out.record.Relationships[label], s)
				}
			}
		}
	}
	return out, true
}
