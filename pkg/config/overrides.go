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

package config

import (
	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

// Overrides is one optional configuration layer: the global file layer, a
// domain layer, or the per-request overrides. Nil fields leave the lower
// layer untouched; slices and maps replace the lower layer's value wholesale
// when non-nil.
type Overrides struct {
	EnabledStages     []v1.Stage          `json:"enabled_stages,omitempty" yaml:"enabled_stages"`
	DeadlineMS        *int64              `json:"deadline_ms,omitempty" yaml:"deadline_ms"`
	PerStageFractions *StageFractions     `json:"per_stage_fractions,omitempty" yaml:"per_stage_fractions"`
	MaxTextBytes      *int                `json:"max_text_bytes,omitempty" yaml:"max_text_bytes"`
	NER               *NEROverrides       `json:"ner,omitempty" yaml:"ner"`
	KB                *KBOverrides        `json:"kb,omitempty" yaml:"kb"`
	Patterns          *PatternsOverrides  `json:"patterns,omitempty" yaml:"patterns"`
	Post              *PostOverrides      `json:"post,omitempty" yaml:"post"`
	TrustPolicy       *TrustOverrides     `json:"trust_policy,omitempty" yaml:"trust_policy"`
	Optimizer         *OptimizerOverrides `json:"optimizer,omitempty" yaml:"optimizer"`
}

type NEROverrides struct {
	ModelIDs              []string            `json:"model_ids,omitempty" yaml:"model_ids"`
	MinF1                 *float64            `json:"min_f1,omitempty" yaml:"min_f1"`
	MaxLatencyMS          *float64            `json:"max_latency_ms,omitempty" yaml:"max_latency_ms"`
	MinModels             *int                `json:"min_models,omitempty" yaml:"min_models"`
	MaxModels             *int                `json:"max_models,omitempty" yaml:"max_models"`
	MinConfidence         *float64            `json:"min_confidence,omitempty" yaml:"min_confidence"`
	EnsembleMode          *bool               `json:"ensemble_mode,omitempty" yaml:"ensemble_mode"`
	MinModelsForQuorum    *int                `json:"min_models_for_quorum,omitempty" yaml:"min_models_for_quorum"`
	MinVotes              *int                `json:"min_votes,omitempty" yaml:"min_votes"`
	PerModelTimeoutMS     *int64              `json:"per_model_timeout_ms,omitempty" yaml:"per_model_timeout_ms"`
	RequiredTypesByDomain map[string][]string `json:"required_types_by_domain,omitempty" yaml:"required_types_by_domain"`
}

type KBOverrides struct {
	ChainByDomain              map[string][]string `json:"chain_by_domain,omitempty" yaml:"chain_by_domain"`
	EnrichAll                  *bool               `json:"enrich_all,omitempty" yaml:"enrich_all"`
	MinConfidenceForEnrichment *float64            `json:"min_confidence_for_enrichment,omitempty" yaml:"min_confidence_for_enrichment"`
	PerLookupTimeoutMS         *int64              `json:"per_lookup_timeout_ms,omitempty" yaml:"per_lookup_timeout_ms"`
	MaxConcurrent              *int                `json:"max_concurrent,omitempty" yaml:"max_concurrent"`
}

type PatternsOverrides struct {
	Domains          []string `json:"domains,omitempty" yaml:"domains"`
	MinConfidence    *float64 `json:"min_confidence,omitempty" yaml:"min_confidence"`
	AutoDetectDomain *bool    `json:"auto_detect_domain,omitempty" yaml:"auto_detect_domain"`
}

type PostOverrides struct {
	DeduplicationEnabled *bool             `json:"deduplication_enabled,omitempty" yaml:"deduplication_enabled"`
	MergeOverlapping     *bool             `json:"merge_overlapping,omitempty" yaml:"merge_overlapping"`
	TypeAliases          map[string]string `json:"type_aliases,omitempty" yaml:"type_aliases"`
}

type TrustOverrides struct {
	MinTrustLevelByKind map[v1.ComponentKind]v1.TrustLevel `json:"min_trust_level_by_kind,omitempty" yaml:"min_trust_level_by_kind"`
}

type OptimizerOverrides struct {
	Strategy             *Strategy `json:"strategy,omitempty" yaml:"strategy"`
	MinSamples           *int      `json:"min_samples,omitempty" yaml:"min_samples"`
	PerformanceThreshold *float64  `json:"performance_threshold,omitempty" yaml:"performance_threshold"`
}

func (o *Overrides) applyTo(c *PipelineConfig) {
	if o == nil {
		return
	}
	if o.EnabledStages != nil {
		c.EnabledStages = o.EnabledStages
	}
	c.DeadlineMS = lo.FromPtrOr(o.DeadlineMS, c.DeadlineMS)
	c.PerStageFractions = lo.FromPtrOr(o.PerStageFractions, c.PerStageFractions)
	c.MaxTextBytes = lo.FromPtrOr(o.MaxTextBytes, c.MaxTextBytes)
	o.NER.applyTo(&c.NER)
	o.KB.applyTo(&c.KB)
	o.Patterns.applyTo(&c.Patterns)
	o.Post.applyTo(&c.Post)
	o.TrustPolicy.applyTo(&c.TrustPolicy)
	o.Optimizer.applyTo(&c.Optimizer)
}

func (o *NEROverrides) applyTo(c *NERConfig) {
	if o == nil {
		return
	}
	if o.ModelIDs != nil {
		c.ModelIDs = o.ModelIDs
	}
	c.MinF1 = lo.FromPtrOr(o.MinF1, c.MinF1)
	c.MaxLatencyMS = lo.FromPtrOr(o.MaxLatencyMS, c.MaxLatencyMS)
	c.MinModels = lo.FromPtrOr(o.MinModels, c.MinModels)
	c.MaxModels = lo.FromPtrOr(o.MaxModels, c.MaxModels)
	c.MinConfidence = lo.FromPtrOr(o.MinConfidence, c.MinConfidence)
	c.EnsembleMode = lo.FromPtrOr(o.EnsembleMode, c.EnsembleMode)
	c.MinModelsForQuorum = lo.FromPtrOr(o.MinModelsForQuorum, c.MinModelsForQuorum)
	c.MinVotes = lo.FromPtrOr(o.MinVotes, c.MinVotes)
	c.PerModelTimeoutMS = lo.FromPtrOr(o.PerModelTimeoutMS, c.PerModelTimeoutMS)
	if o.RequiredTypesByDomain != nil {
		c.RequiredTypesByDomain = o.RequiredTypesByDomain
	}
}

func (o *KBOverrides) applyTo(c *KBConfig) {
	if o == nil {
		return
	}
	if o.ChainByDomain != nil {
		c.ChainByDomain = o.ChainByDomain
	}
	c.EnrichAll = lo.FromPtrOr(o.EnrichAll, c.EnrichAll)
	c.MinConfidenceForEnrichment = lo.FromPtrOr(o.MinConfidenceForEnrichment, c.MinConfidenceForEnrichment)
	c.PerLookupTimeoutMS = lo.FromPtrOr(o.PerLookupTimeoutMS, c.PerLookupTimeoutMS)
	c.MaxConcurrent = lo.FromPtrOr(o.MaxConcurrent, c.MaxConcurrent)
}

func (o *PatternsOverrides) applyTo(c *PatternsConfig) {
	if o == nil {
		return
	}
	if o.Domains != nil {
		c.Domains = o.Domains
	}
	c.MinConfidence = lo.FromPtrOr(o.MinConfidence, c.MinConfidence)
	c.AutoDetectDomain = lo.FromPtrOr(o.AutoDetectDomain, c.AutoDetectDomain)
}

func (o *PostOverrides) applyTo(c *PostConfig) {
	if o == nil {
		return
	}
	c.DeduplicationEnabled = lo.FromPtrOr(o.DeduplicationEnabled, c.DeduplicationEnabled)
	c.MergeOverlapping = lo.FromPtrOr(o.MergeOverlapping, c.MergeOverlapping)
	if o.TypeAliases != nil {
		c.TypeAliases = o.TypeAliases
	}
}

func (o *TrustOverrides) applyTo(c *TrustConfig) {
	if o == nil {
		return
	}
	if o.MinTrustLevelByKind != nil {
		c.MinTrustLevelByKind = o.MinTrustLevelByKind
	}
}

func (o *OptimizerOverrides) applyTo(c *OptimizerConfig) {
	if o == nil {
		return
	}
	c.Strategy = lo.FromPtrOr(o.Strategy, c.Strategy)
	c.MinSamples = lo.FromPtrOr(o.MinSamples, c.MinSamples)
	c.PerformanceThreshold = lo.FromPtrOr(o.PerformanceThreshold, c.PerformanceThreshold)
}
