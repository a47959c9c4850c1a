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

// Package pattern runs the structured-text stage: regexp rule packs for
// codes, citations, dosages, and routes, plus registered custom matchers.
// Matches are confidence-adjusted by their surrounding context, validated by
// pure per-type rules, and normalized to a canonical surface form.
package pattern

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
)

const (
	contextWindow   = 40
	supportingBoost = 0.15
	negatingPenalty = 0.20
	invalidPenalty  = 0.20
	cueThreshold    = 2
	matcherPriority = 0
)

type Provider struct {
	manager   *hotswap.Manager
	telemetry *telemetry.Store
	packs     map[string]Pack
	compiled  *gocache.Cache
	clock     clock.Clock
}

type Option func(*Provider)

// WithPacks adds packs to the built-in set, replacing any built-in with the
// same name.
func WithPacks(packs ...Pack) Option {
	return func(p *Provider) {
		for _, pack := range packs {
			p.packs[pack.Name] = pack
		}
	}
}

func NewProvider(manager *hotswap.Manager, store *telemetry.Store, clk clock.Clock, opts ...Option) *Provider {
	p := &Provider{
		manager:   manager,
		telemetry: store,
		packs: lo.SliceToMap(BuiltinPacks(), func(pack Pack) (string, Pack) {
			return pack.Name, pack
		}),
		compiled: gocache.New(gocache.NoExpiration, cache.DefaultCleanupInterval),
		clock:    clk,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// candidate carries the rule priority alongside the record for overlap
// resolution.
type candidate struct {
	entity   v1.EntityRecord
	priority int
}

// Match extracts structured spans from the text. A tagged request uses the
// pack with that name; an untagged request uses cue detection when enabled
// and otherwise skips pack matching. Registered matchers always run if they
// serve the domain.
func (p *Provider) Match(ctx context.Context, text, domain string, cfg *config.PipelineConfig) *MatchResult {
	result := &MatchResult{}
	var candidates []candidate
	for _, pack := range p.activePacks(text, domain, cfg) {
		candidates = append(candidates, p.matchPack(ctx, pack, text, domain)...)
		result.ComponentsUsed = append(result.ComponentsUsed, pack.Name)
	}

	var outcomes []matcherOutcome
	for _, descriptor := range p.manager.Ready(v1.KindPatternMatcher) {
		if !descriptor.ServesDomain(domain) {
			continue
		}
		start := p.clock.Now()
		matched, err := p.matchCustom(descriptor.ID, text)
		outcomes = append(outcomes, matcherOutcome{
			id:      descriptor.ID,
			latency: p.clock.Since(start),
			matched: matched,
			err:     err,
		})
		if err != nil {
			result.Warnings = append(result.Warnings, v1.Diagnostic{
				Stage:       v1.StagePatterns,
				ComponentID: descriptor.ID,
				Kind:        string(errors.KindOf(err)),
				Message:     err.Error(),
			})
			continue
		}
		candidates = append(candidates, matched...)
		result.ComponentsUsed = append(result.ComponentsUsed, descriptor.ID)
	}

	kept := resolveOverlaps(lo.Filter(candidates, func(c candidate, _ int) bool {
		return c.entity.SpanValid(len(text))
	}))
	result.Entities = lo.FilterMap(kept, func(c candidate, _ int) (v1.EntityRecord, bool) {
		return c.entity, c.entity.Confidence >= cfg.Patterns.MinConfidence
	})
	sort.Slice(result.Entities, func(i, j int) bool {
		if result.Entities[i].Start != result.Entities[j].Start {
			return result.Entities[i].Start < result.Entities[j].Start
		}
		return result.Entities[i].End > result.Entities[j].End
	})
	p.record(domain, outcomes, result.Entities)
	return result
}

// matcherOutcome is one custom matcher invocation, kept for telemetry.
type matcherOutcome struct {
	id      string
	latency time.Duration
	matched []candidate
	err     error
}

// record emits one PerformanceSample per custom matcher. Accuracy is the
// fraction of the matcher's matches that the stage kept after span checks,
// overlap resolution, and the confidence floor.
func (p *Provider) record(domain string, outcomes []matcherOutcome, kept []v1.EntityRecord) {
	keptKeys := lo.SliceToMap(kept, func(e v1.EntityRecord) (v1.EntityKey, struct{}) {
		return e.Key(), struct{}{}
	})
	for _, o := range outcomes {
		sample := v1.PerformanceSample{
			ComponentID: o.id,
			Kind:        v1.KindPatternMatcher,
			Domain:      domain,
			LatencyMS:   float64(o.latency) / float64(time.Millisecond),
			Timestamp:   p.clock.Now(),
		}
		if o.err != nil {
			sample.Error = true
			sample.ErrorKind = string(errors.KindOf(o.err))
		} else {
			if seconds := o.latency.Seconds(); seconds > 0 {
				sample.ThroughputEPS = float64(len(o.matched)) / seconds
			}
			if len(o.matched) > 0 {
				surviving := lo.CountBy(o.matched, func(c candidate) bool {
					_, ok := keptKeys[c.entity.Key()]
					return ok
				})
				sample.AccuracyProxy = float64(surviving) / float64(len(o.matched))
			}
		}
		p.telemetry.Record(sample)
	}
}

// activePacks resolves which rule packs apply to this request.
func (p *Provider) activePacks(text, domain string, cfg *config.PipelineConfig) []Pack {
	var packs []Pack
	for _, name := range cfg.Patterns.Domains {
		pack, ok := p.packs[name]
		if !ok {
			continue
		}
		switch {
		case domain == name:
			packs = append(packs, pack)
		case domain == "" && cfg.Patterns.AutoDetectDomain && cueScore(text, pack.Cues) >= cueThreshold:
			packs = append(packs, pack)
		}
	}
	return packs
}

// cueScore counts distinct cue keywords present in the text.
func cueScore(text string, cues []string) int {
	lowered := strings.ToLower(text)
	return lo.CountBy(cues, func(cue string) bool {
		return strings.Contains(lowered, cue)
	})
}

func (p *Provider) matchPack(ctx context.Context, pack Pack, text, domain string) []candidate {
	var candidates []candidate
	for _, compiledRule := range p.compile(ctx, pack) {
		for _, span := range compiledRule.re.FindAllStringIndex(text, -1) {
			candidates = append(candidates, score(compiledRule.rule, text, span[0], span[1]))
		}
	}
	matches.WithLabelValues(pack.Name, domain).Add(float64(len(candidates)))
	return candidates
}

// score builds the record for one regexp hit: context adjustment, validation,
// normalization.
func score(rule Rule, text string, start, end int) candidate {
	match := text[start:end]
	confidence := rule.Base
	if rule.Base == 0 {
		confidence = defaultBase
	}
	window := strings.ToLower(text[max(0, start-contextWindow):min(len(text), end+contextWindow)])
	if lo.SomeBy(rule.Supporting, func(kw string) bool { return strings.Contains(window, strings.ToLower(kw)) }) {
		confidence += supportingBoost
	}
	if lo.SomeBy(rule.Negating, func(kw string) bool { return strings.Contains(window, strings.ToLower(kw)) }) {
		confidence -= negatingPenalty
	}
	confidence = min(1, max(0, confidence))

	validated := rule.Validate == nil || rule.Validate(match)
	if !validated {
		confidence = max(0, confidence-invalidPenalty)
		validationFailures.WithLabelValues(rule.ID).Inc()
	}
	normalized := match
	if rule.Normalize != nil {
		normalized = rule.Normalize(match)
	}
	return candidate{
		priority: rule.Priority,
		entity: v1.EntityRecord{
			Text:           match,
			Type:           rule.Type,
			Start:          start,
			End:            end,
			Confidence:     confidence,
			SourceStage:    v1.SourceStagePattern,
			SourceIDs:      map[string]float64{rule.ID: confidence},
			NormalizedText: normalized,
			Validated:      validated,
		},
	}
}

// matchCustom runs one registered matcher through its lease. Matcher output
// is taken at face value and competes in overlap resolution at the lowest
// priority.
func (p *Provider) matchCustom(id, text string) ([]candidate, error) {
	lease, err := p.manager.Acquire(v1.KindPatternMatcher, id)
	if err != nil {
		return nil, errors.Wrap(errors.KindComponentError, err).WithComponent(id)
	}
	defer lease.Release()
	matcher, ok := lease.Instance().(Matcher)
	if !ok {
		return nil, errors.New(errors.KindComponentError, "slot %s does not hold a pattern matcher", id)
	}
	return lo.Map(matcher.Match(text), func(m RawMatch, _ int) candidate {
		return candidate{
			priority: matcherPriority,
			entity: v1.EntityRecord{
				Text:        m.Text,
				Type:        m.Type,
				Start:       m.Start,
				End:         m.End,
				Confidence:  min(1, max(0, m.Confidence)),
				SourceStage: v1.SourceStagePattern,
				SourceIDs:   map[string]float64{m.PatternID: m.Confidence},
				Validated:   false,
			},
		}
	}), nil
}

// resolveOverlaps keeps at most one match per overlapping region: higher
// confidence wins, then the longer span, then the higher priority, then the
// lexicographically first type.
func resolveOverlaps(candidates []candidate) []candidate {
	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.entity.Confidence != b.entity.Confidence {
			return a.entity.Confidence > b.entity.Confidence
		}
		alen, blen := a.entity.End-a.entity.Start, b.entity.End-b.entity.Start
		if alen != blen {
			return alen > blen
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.entity.Type < b.entity.Type
	})
	var kept []candidate
	for _, c := range ranked {
		overlapping := lo.SomeBy(kept, func(k candidate) bool {
			return k.entity.Overlaps(&c.entity)
		})
		if !overlapping {
			kept = append(kept, c)
		}
	}
	return kept
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// compile returns the pack's compiled rules, building them once per
// (name, revision). Rules that fail to compile are dropped with a log line;
// the built-in packs always compile.
func (p *Provider) compile(ctx context.Context, pack Pack) []compiledRule {
	key := pack.Name + "@" + pack.Revision
	if cached, ok := p.compiled.Get(key); ok {
		return cached.([]compiledRule)
	}
	var compiled []compiledRule
	for _, rule := range pack.Rules {
		re, err := regexp.Compile(rule.Expr)
		if err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "dropping uncompilable pattern rule", "pack", pack.Name, "rule", rule.ID)
			continue
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	p.compiled.Set(key, compiled, gocache.NoExpiration)
	return compiled
}
