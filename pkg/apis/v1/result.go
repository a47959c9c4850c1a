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
	"fmt"
	"time"
)

// Stage names the pipeline phases. The orchestrator runs enabled stages in
// declaration order.
type Stage string

const (
	StageNER            Stage = "ner"
	StageEnrichment     Stage = "enrichment"
	StagePatterns       Stage = "patterns"
	StagePostProcessing Stage = "post_processing"
)

// AllStages is the canonical execution order.
var AllStages = []Stage{StageNER, StageEnrichment, StagePatterns, StagePostProcessing}

// Diagnostic is one recovered problem surfaced on the result. Kind carries
// the error taxonomy name so callers and telemetry can aggregate without
// parsing messages.
type Diagnostic struct {
	Stage       Stage  `json:"stage,omitempty"`
	ComponentID string `json:"component_id,omitempty"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.ComponentID != "" {
		return fmt.Sprintf("%s(%s/%s): %s", d.Kind, d.Stage, d.ComponentID, d.Message)
	}
	return fmt.Sprintf("%s(%s): %s", d.Kind, d.Stage, d.Message)
}

// PipelineResult is the engine's output for one request. It is always
// renderable: stage failures degrade into Warnings and Errors rather than
// truncating the result.
type PipelineResult struct {
	RequestID string `json:"request_id"`
	Domain    string `json:"domain,omitempty"`
	// Entities is strictly ordered by (start asc, end desc, type asc) and
	// contains no two records with identical (start, end, type).
	Entities       []EntityRecord          `json:"entities"`
	StageTimings   map[Stage]time.Duration `json:"stage_timings"`
	ComponentsUsed map[Stage][]string      `json:"components_used,omitempty"`
	Warnings       []Diagnostic            `json:"warnings,omitempty"`
	Errors         []Diagnostic            `json:"errors,omitempty"`
	Cancelled      bool                    `json:"cancelled,omitempty"`
}
