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
	"context"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

// RawEntity is one span as a model emits it, before voting. Offsets index the
// text handed to Extract.
type RawEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Model is the contract a NER model implements. Zero entities is a valid
// answer; errors are model-level failures the stage degrades around.
type Model interface {
	Extract(ctx context.Context, text string) ([]RawEntity, error)
}

// Router redirects a selected component to an A/B treatment. The optimizer
// implements it; a nil router keeps the selection as scored.
type Router interface {
	Route(kind v1.ComponentKind, domain string, requestID string, currentID string) string
}

// ScoredModel is one selection candidate with its composite score.
type ScoredModel struct {
	Descriptor v1.ComponentDescriptor
	Score      float64
}

// Extraction is the NER stage output for one request.
type Extraction struct {
	Entities       []v1.EntityRecord
	ComponentsUsed []string
	Warnings       []v1.Diagnostic
}
