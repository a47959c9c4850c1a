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

package pipeline

import (
	"sort"

	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
)

// postProcess dedups, resolves cross-stage overlaps, and orders the final
// entity set. It is pure and idempotent: applying it to its own output
// changes nothing.
func postProcess(entities []v1.EntityRecord, cfg *config.PipelineConfig) []v1.EntityRecord {
	out := entities
	if cfg.Post.DeduplicationEnabled {
		out = dedupe(out, cfg)
	}
	if cfg.Post.MergeOverlapping {
		out = resolveCrossStageOverlaps(out)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End > out[j].End
		}
		return out[i].Type < out[j].Type
	})
	return out
}

type dedupeKey struct {
	start int
	end   int
	typ   string
}

// dedupe collapses records with identical spans whose types are equal under
// the alias table. The merged record keeps the stronger entity's fields,
// carries the canonical type, and unions source attributions.
func dedupe(entities []v1.EntityRecord, cfg *config.PipelineConfig) []v1.EntityRecord {
	groups := map[dedupeKey][]v1.EntityRecord{}
	var order []dedupeKey
	for _, entity := range entities {
		key := dedupeKey{start: entity.Start, end: entity.End, typ: cfg.Post.Canonical(entity.Type)}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entity)
	}
	return lo.Map(order, func(key dedupeKey, _ int) v1.EntityRecord {
		return merge(groups[key], key.typ)
	})
}

// merge picks the strongest record of a duplicate group: higher confidence,
// then validated, then the longer canonical name, then the lexicographically
// first type for determinism.
func merge(group []v1.EntityRecord, canonicalType string) v1.EntityRecord {
	winner := group[0]
	for _, candidate := range group[1:] {
		if stronger(&candidate, &winner) {
			winner = candidate
		}
	}
	merged := *winner.DeepCopy()
	merged.Type = canonicalType
	if len(group) > 1 {
		merged.SourceIDs = map[string]float64{}
		for _, entity := range group {
			for id, confidence := range entity.SourceIDs {
				merged.SourceIDs[id] = max(merged.SourceIDs[id], confidence)
			}
		}
		merged.Validated = lo.SomeBy(group, func(e v1.EntityRecord) bool { return e.Validated })
	}
	return merged
}

func stronger(a, b *v1.EntityRecord) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Validated != b.Validated {
		return a.Validated
	}
	if len(a.CanonicalName) != len(b.CanonicalName) {
		return len(a.CanonicalName) > len(b.CanonicalName)
	}
	return a.Type < b.Type
}

// resolveCrossStageOverlaps drops a model-derived entity when a validated
// pattern entity fully contains its span. Containment plus validation is the
// only override condition; partial overlaps and unvalidated patterns leave
// both records standing.
func resolveCrossStageOverlaps(entities []v1.EntityRecord) []v1.EntityRecord {
	patterns := lo.Filter(entities, func(e v1.EntityRecord, _ int) bool {
		return e.SourceStage == v1.SourceStagePattern && e.Validated
	})
	return lo.Filter(entities, func(e v1.EntityRecord, _ int) bool {
		if e.SourceStage == v1.SourceStagePattern {
			return true
		}
		overridden := lo.SomeBy(patterns, func(p v1.EntityRecord) bool {
			return (p.Start != e.Start || p.End != e.End) && p.Contains(&e)
		})
		return !overridden
	})
}
