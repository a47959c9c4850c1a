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

package ner

import (
	"sort"

	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
)

const agreementBoostWeight = 0.10

type span struct {
	start int
	end   int
}

type vote struct {
	modelID    string
	text       string
	entityType string
	confidence float64
}

// fuse merges per-model raw entities into one record per span by majority
// vote. The winning type is the mode of the group's votes, ties broken by
// summed confidence then lexicographic type. Fused confidence is the group
// mean plus an agreement boost; a single-model ensemble passes through with
// no boost.
func fuse(results []modelResult, cfg *config.PipelineConfig) []v1.EntityRecord {
	ensembleSize := len(results)
	groups := map[span][]vote{}
	for _, r := range results {
		for _, e := range r.entities {
			key := span{start: e.Start, end: e.End}
			groups[key] = append(groups[key], vote{
				modelID:    r.id,
				text:       e.Text,
				entityType: e.Type,
				confidence: e.Confidence,
			})
		}
	}

	var fused []v1.EntityRecord
	for key, votes := range groups {
		if len(votes) < cfg.NER.MinVotes && ensembleSize >= cfg.NER.MinModelsForQuorum {
			continue
		}
		winner := winningType(votes)
		winnerVotes := lo.CountBy(votes, func(v vote) bool { return v.entityType == winner })
		confidence := lo.SumBy(votes, func(v vote) float64 { return v.confidence }) / float64(len(votes))
		if ensembleSize > 1 {
			confidence += agreementBoostWeight * float64(winnerVotes) / float64(ensembleSize)
		}
		text := votes[0].text
		fused = append(fused, v1.EntityRecord{
			Text:        text,
			Type:        winner,
			Start:       key.start,
			End:         key.end,
			Confidence:  min(confidence, 1.0),
			SourceStage: v1.SourceStageNER,
			SourceIDs: lo.SliceToMap(votes, func(v vote) (string, float64) {
				return v.modelID, v.confidence
			}),
		})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Start != fused[j].Start {
			return fused[i].Start < fused[j].Start
		}
		return fused[i].End > fused[j].End
	})
	return fused
}

// winningType is the mode of the votes; ties go to the type with the highest
// summed confidence, then lexicographically first.
func winningType(votes []vote) string {
	byType := lo.GroupBy(votes, func(v vote) string { return v.entityType })
	types := lo.Keys(byType)
	sort.Slice(types, func(i, j int) bool {
		a, b := byType[types[i]], byType[types[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		sumA := lo.SumBy(a, func(v vote) float64 { return v.confidence })
		sumB := lo.SumBy(b, func(v vote) float64 { return v.confidence })
		if sumA != sumB {
			return sumA > sumB
		}
		return types[i] < types[j]
	})
	return types[0]
}
