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

package v1

import (
	"maps"
	"slices"
	"strings"
)

// SourceStage records which stage produced or last decorated an entity.
type SourceStage string

const (
	SourceStageNER      SourceStage = "ner"
	SourceStagePattern  SourceStage = "pattern"
	SourceStageEnriched SourceStage = "enriched"
)

// EntityRecord is the unit that flows between pipeline stages. It is created
// by the NER or pattern stages, decorated in place by enrichment, and merged
// by post-processing. Start and End are character offsets into the request
// text as submitted, never into a normalized form.
type EntityRecord struct {
	Text           string              `json:"text"`
	Type           string              `json:"type"`
	Start          int                 `json:"start"`
	End            int                 `json:"end"`
	Confidence     float64             `json:"confidence"`
	SourceStage    SourceStage         `json:"source_stage"`
	SourceIDs      map[string]float64  `json:"source_ids"`
	NormalizedText string              `json:"normalized_text,omitempty"`
	KBID           string              `json:"kb_id,omitempty"`
	KBEntityID     string              `json:"kb_entity_id,omitempty"`
	CanonicalName  string              `json:"canonical_name,omitempty"`
	Definition     string              `json:"definition,omitempty"`
	SemanticTypes  []string            `json:"semantic_types,omitempty"`
	Relationships  map[string][]string `json:"relationships,omitempty"`
	Validated      bool                `json:"validated"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
}

// EntityKey identifies an entity by value. Records are copied across stage
// boundaries, so enrichment matches results back to their originals with this
// tuple, never with pointer identity.
type EntityKey struct {
	Start int
	End   int
	Text  string
	Type  string
}

func (e *EntityRecord) Key() EntityKey {
	return EntityKey{
		Start: e.Start,
		End:   e.End,
		Text:  strings.ToLower(e.Text),
		Type:  e.Type,
	}
}

// Span reports whether the record's offsets are well-formed for a text of the
// given length.
func (e *EntityRecord) SpanValid(textLen int) bool {
	return 0 <= e.Start && e.Start < e.End && e.End <= textLen
}

// Contains reports whether the record's span fully contains the other's.
func (e *EntityRecord) Contains(other *EntityRecord) bool {
	return e.Start <= other.Start && other.End <= e.End
}

// Overlaps reports whether the two spans share at least one character.
func (e *EntityRecord) Overlaps(other *EntityRecord) bool {
	return e.Start < other.End && other.Start < e.End
}

// DeepCopy returns a copy that shares no mutable state with the original.
func (e *EntityRecord) DeepCopy() *EntityRecord {
	if e == nil {
		return nil
	}
	out := *e
	out.SourceIDs = maps.Clone(e.SourceIDs)
	out.SemanticTypes = slices.Clone(e.SemanticTypes)
	if e.Relationships != nil {
		out.Relationships = make(map[string][]string, len(e.Relationships))
		for k, v := range e.Relationships {
			out.Relationships[k] = slices.Clone(v)
		}
	}
	out.Metadata = maps.Clone(e.Metadata)
	return &out
}
