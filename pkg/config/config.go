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

// Package config builds the request-scoped PipelineConfig by layering the
// built-in defaults, the global layer, the domain layer, and per-request
// overrides. A resolved PipelineConfig is immutable and safe to share.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

// Strategy selects how the optimizer collapses a telemetry window into a
// single score.
type Strategy string

const (
	StrategyLatency    Strategy = "latency"
	StrategyAccuracy   Strategy = "accuracy"
	StrategyThroughput Strategy = "throughput"
	StrategyBalanced   Strategy = "balanced"
	StrategyCost       Strategy = "cost"
)

var Strategies = []Strategy{StrategyLatency, StrategyAccuracy, StrategyThroughput, StrategyBalanced, StrategyCost}

// PipelineConfig is the snapshot of knobs for exactly one request.
type PipelineConfig struct {
	EnabledStages     []v1.Stage      `json:"enabled_stages" validate:"dive,oneof=ner enrichment patterns post_processing"`
	DeadlineMS        int64           `json:"deadline_ms" validate:"gt=0"`
	PerStageFractions StageFractions  `json:"per_stage_fractions"`
	MaxTextBytes      int             `json:"max_text_bytes" validate:"gt=0"`
	NER               NERConfig       `json:"ner"`
	KB                KBConfig        `json:"kb"`
	Patterns          PatternsConfig  `json:"patterns"`
	Post              PostConfig      `json:"post"`
	TrustPolicy       TrustConfig     `json:"trust_policy"`
	Optimizer         OptimizerConfig `json:"optimizer"`
}

// StageFractions apportions the request deadline across stages. The fractions
// may sum to less than one; the remainder is slack.
type StageFractions struct {
	NER            float64 `json:"ner" yaml:"ner" validate:"min=0,max=1"`
	Enrichment     float64 `json:"enrichment" yaml:"enrichment" validate:"min=0,max=1"`
	Patterns       float64 `json:"patterns" yaml:"patterns" validate:"min=0,max=1"`
	PostProcessing float64 `json:"post_processing" yaml:"post_processing" validate:"min=0,max=1"`
}

func (s StageFractions) Of(stage v1.Stage) float64 {
	switch stage {
	case v1.StageNER:
		return s.NER
	case v1.StageEnrichment:
		return s.Enrichment
	case v1.StagePatterns:
		return s.Patterns
	case v1.StagePostProcessing:
		return s.PostProcessing
	}
	return 0
}

func (s StageFractions) Sum() float64 {
	return s.NER + s.Enrichment + s.Patterns + s.PostProcessing
}

type NERConfig struct {
	// ModelIDs pins the ensemble explicitly; empty means use selection criteria.
	ModelIDs              []string            `json:"model_ids,omitempty"`
	MinF1                 float64             `json:"min_f1" validate:"min=0,max=1"`
	MaxLatencyMS          float64             `json:"max_latency_ms" validate:"gt=0"`
	MinModels             int                 `json:"min_models" validate:"min=1"`
	MaxModels             int                 `json:"max_models" validate:"min=1"`
	MinConfidence         float64             `json:"min_confidence" validate:"min=0,max=1"`
	EnsembleMode          bool                `json:"ensemble_mode"`
	MinModelsForQuorum    int                 `json:"min_models_for_quorum" validate:"min=1"`
	MinVotes              int                 `json:"min_votes" validate:"min=1"`
	PerModelTimeoutMS     int64               `json:"per_model_timeout_ms" validate:"min=0"`
	RequiredTypesByDomain map[string][]string `json:"required_types_by_domain,omitempty"`
}

// RequiredTypes returns the entity types a domain expects models to cover.
func (n NERConfig) RequiredTypes(domain string) []string {
	return n.RequiredTypesByDomain[domain]
}

type KBConfig struct {
	ChainByDomain              map[string][]string `json:"chain_by_domain"`
	EnrichAll                  bool                `json:"enrich_all"`
	MinConfidenceForEnrichment float64             `json:"min_confidence_for_enrichment" validate:"min=0,max=1"`
	PerLookupTimeoutMS         int64               `json:"per_lookup_timeout_ms" validate:"gt=0"`
	MaxConcurrent              int                 `json:"max_concurrent" validate:"min=1"`
}

// Chain returns the KB chain for a domain. Unknown and empty domains have no
// chain, which makes enrichment a no-op.
func (k KBConfig) Chain(domain string) []string {
	return k.ChainByDomain[domain]
}

type PatternsConfig struct {
	Domains          []string `json:"domains,omitempty"`
	MinConfidence    float64  `json:"min_confidence" validate:"min=0,max=1"`
	AutoDetectDomain bool     `json:"auto_detect_domain"`
}

type PostConfig struct {
	DeduplicationEnabled bool `json:"deduplication_enabled"`
	MergeOverlapping     bool `json:"merge_overlapping"`
	// TypeAliases collapses equivalent entity types during dedup, e.g.
	// MEDICATION -> DRUG. Keys and values are entity types.
	TypeAliases map[string]string `json:"type_aliases,omitempty"`
}

// Canonical maps an entity type through the alias table.
func (p PostConfig) Canonical(entityType string) string {
	if canonical, ok := p.TypeAliases[entityType]; ok {
		return canonical
	}
	return entityType
}

type TrustConfig struct {
	MinTrustLevelByKind map[v1.ComponentKind]v1.TrustLevel `json:"min_trust_level_by_kind"`
}

// Min returns the policy minimum for a kind, defaulting closed to trusted for
// kinds the config does not mention.
func (t TrustConfig) Min(kind v1.ComponentKind) v1.TrustLevel {
	if lvl, ok := t.MinTrustLevelByKind[kind]; ok {
		return lvl
	}
	return v1.TrustLevelTrusted
}

type OptimizerConfig struct {
	Strategy             Strategy `json:"strategy" validate:"oneof=latency accuracy throughput balanced cost"`
	MinSamples           int      `json:"min_samples" validate:"min=2"`
	PerformanceThreshold float64  `json:"performance_threshold" validate:"min=0"`
}

// Default returns a fresh config carrying the built-in defaults. Every call
// allocates; resolved configs never share mutable state.
func Default() *PipelineConfig {
	return &PipelineConfig{
		EnabledStages: []v1.Stage{v1.StageNER, v1.StageEnrichment, v1.StagePatterns, v1.StagePostProcessing},
		DeadlineMS:    30000,
		PerStageFractions: StageFractions{
			NER:            0.5,
			Enrichment:     0.35,
			Patterns:       0.1,
			PostProcessing: 0.05,
		},
		MaxTextBytes: 100 * 1024,
		NER: NERConfig{
			MinF1:              0.0,
			MaxLatencyMS:       2000,
			MinModels:          1,
			MaxModels:          3,
			MinConfidence:      0.7,
			EnsembleMode:       true,
			MinModelsForQuorum: 2,
			MinVotes:           1,
			PerModelTimeoutMS:  0,
		},
		KB: KBConfig{
			ChainByDomain: map[string][]string{
				"medical":    {"umls", "rxnorm", "snomed"},
				"legal":      {"usc", "courtlistener", "cfr"},
				"scientific": {"umls", "pubchem"},
			},
			MinConfidenceForEnrichment: 0.7,
			PerLookupTimeoutMS:         5000,
			MaxConcurrent:              10,
		},
		Patterns: PatternsConfig{
			Domains:       []string{"medical", "legal"},
			MinConfidence: 0.5,
		},
		Post: PostConfig{
			DeduplicationEnabled: true,
			MergeOverlapping:     true,
			TypeAliases: map[string]string{
				"MEDICATION": "DRUG",
				"MEDICINE":   "DRUG",
				"DISEASE":    "CONDITION",
				"DIAGNOSIS":  "CONDITION",
			},
		},
		TrustPolicy: TrustConfig{
			MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{
				v1.KindNERModel:       v1.TrustLevelUnverified,
				v1.KindKBProvider:     v1.TrustLevelUnverified,
				v1.KindPatternMatcher: v1.TrustLevelUnverified,
			},
		},
		Optimizer: OptimizerConfig{
			Strategy:             StrategyBalanced,
			MinSamples:           10,
			PerformanceThreshold: 0.05,
		},
	}
}

// Deadline is the total request budget.
func (c *PipelineConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// StageBudget is the sub-deadline allotted to one stage.
func (c *PipelineConfig) StageBudget(stage v1.Stage) time.Duration {
	return time.Duration(c.PerStageFractions.Of(stage) * float64(c.Deadline()))
}

// StageEnabled reports whether a stage participates in the request.
func (c *PipelineConfig) StageEnabled(stage v1.Stage) bool {
	return lo.Contains(c.EnabledStages, stage)
}

// PerModelTimeout resolves the per-model budget inside the NER stage; zero
// configures half the stage budget.
func (c *PipelineConfig) PerModelTimeout() time.Duration {
	if c.NER.PerModelTimeoutMS > 0 {
		return time.Duration(c.NER.PerModelTimeoutMS) * time.Millisecond
	}
	return c.StageBudget(v1.StageNER) / 2
}

// PerLookupTimeout is the budget for a single KB lookup.
func (c *PipelineConfig) PerLookupTimeout() time.Duration {
	return time.Duration(c.KB.PerLookupTimeoutMS) * time.Millisecond
}

// Validate leverages struct tags with go-playground/validator plus the
// cross-field constraints the tags cannot express.
func (c *PipelineConfig) Validate() error {
	return multierr.Combine(
		c.validateFractions(),
		c.validateModels(),
		c.validateTrustLevels(),
		validator.New().Struct(c),
	)
}

func (c *PipelineConfig) validateFractions() error {
	if sum := c.PerStageFractions.Sum(); sum > 1.0+1e-9 {
		return fmt.Errorf("per_stage_fractions sum to %0.3f, must not exceed 1.0", sum)
	}
	return nil
}

func (c *PipelineConfig) validateModels() (err error) {
	if c.NER.MinModels > c.NER.MaxModels {
		err = multierr.Append(err, fmt.Errorf("ner.min_models %d exceeds ner.max_models %d", c.NER.MinModels, c.NER.MaxModels))
	}
	return err
}

func (c *PipelineConfig) validateTrustLevels() (err error) {
	for kind, lvl := range c.TrustPolicy.MinTrustLevelByKind {
		if lvl.Rank() < 0 {
			err = multierr.Append(err, fmt.Errorf("trust_policy.min_trust_level_by_kind[%s] has unknown level %q", kind, lvl))
		}
	}
	return err
}
