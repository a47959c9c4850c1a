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

// Package pipeline sequences the stages for one request: NER, enrichment,
// patterns, post-processing. Stages run under proportional sub-deadlines of
// the request budget; a stage that runs out of time contributes what it has
// and the request keeps going. Only an invalid request or an empty NER
// selection fails Process.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/providers/kb"
	"github.com/lexgraph/lexgraph/pkg/providers/ner"
	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
)

type Orchestrator struct {
	loader   config.Loader
	ner      *ner.Provider
	enricher *kb.Enricher
	patterns *pattern.Provider
	clock    clock.Clock
}

func NewOrchestrator(loader config.Loader, nerProvider *ner.Provider, enricher *kb.Enricher, patternProvider *pattern.Provider, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		loader:   loader,
		ner:      nerProvider,
		enricher: enricher,
		patterns: patternProvider,
		clock:    clk,
	}
}

// Process runs the enabled stages over the text. The returned result is
// always renderable when err is nil: recovered stage problems surface as
// Warnings and Errors on the result, never as a truncated entity set.
func (o *Orchestrator) Process(ctx context.Context, text, domain string, overrides *config.Overrides) (*v1.PipelineResult, error) {
	cfg, err := o.loader.Resolve(domain, overrides)
	if err != nil {
		requests.WithLabelValues("invalid").Inc()
		return nil, errors.Wrap(errors.KindConfigInvalid, err)
	}
	if len(text) > cfg.MaxTextBytes {
		requests.WithLabelValues("invalid").Inc()
		return nil, errors.New(errors.KindConfigInvalid, "text is %d bytes, limit is %d", len(text), cfg.MaxTextBytes)
	}

	requestID := uuid.NewString()
	log := logr.FromContextOrDiscard(ctx).WithValues("request_id", requestID, "domain", domain)
	ctx = logr.NewContext(ctx, log)
	ctx, cancel := context.WithTimeout(ctx, cfg.Deadline())
	defer cancel()

	result := &v1.PipelineResult{
		RequestID:      requestID,
		Domain:         domain,
		StageTimings:   map[v1.Stage]time.Duration{},
		ComponentsUsed: map[v1.Stage][]string{},
	}

	var entities []v1.EntityRecord
	var lastStage v1.Stage
	for _, stage := range v1.AllStages {
		if !cfg.StageEnabled(stage) {
			continue
		}
		if ctx.Err() != nil {
			o.noteCancellation(ctx, stage, result, "request ended before this stage ran, returning best-effort result")
			break
		}
		lastStage = stage
		var fatal error
		switch stage {
		case v1.StageNER:
			fatal = o.runStage(ctx, stage, cfg, result, func(stageCtx context.Context) error {
				extraction, err := o.ner.Extract(stageCtx, text, domain, requestID, cfg)
				if err != nil {
					return err
				}
				entities = extraction.Entities
				result.ComponentsUsed[stage] = extraction.ComponentsUsed
				result.Warnings = append(result.Warnings, extraction.Warnings...)
				return nil
			})
		case v1.StageEnrichment:
			fatal = o.runStage(ctx, stage, cfg, result, func(stageCtx context.Context) error {
				enrichment := o.enricher.Enrich(stageCtx, entities, domain, cfg)
				entities = enrichment.Entities
				result.ComponentsUsed[stage] = enrichment.ComponentsUsed
				result.Warnings = append(result.Warnings, enrichment.Warnings...)
				return nil
			})
		case v1.StagePatterns:
			fatal = o.runStage(ctx, stage, cfg, result, func(stageCtx context.Context) error {
				matched := o.patterns.Match(stageCtx, text, domain, cfg)
				entities = append(entities, matched.Entities...)
				result.ComponentsUsed[stage] = matched.ComponentsUsed
				result.Warnings = append(result.Warnings, matched.Warnings...)
				return nil
			})
		case v1.StagePostProcessing:
			fatal = o.runStage(ctx, stage, cfg, result, func(context.Context) error {
				entities = postProcess(entities, cfg)
				return nil
			})
		}
		if fatal != nil {
			requests.WithLabelValues("fatal").Inc()
			return nil, fatal
		}
		stageEntities.WithLabelValues(string(stage)).Add(float64(len(entities)))
	}

	// the budget can also run out inside the final enabled stage, where no
	// later iteration observes it
	if ctx.Err() != nil && !result.Cancelled {
		o.noteCancellation(ctx, lastStage, result, "request budget ran out during this stage, returning best-effort result")
	}

	// keep the ordering and dedup invariants even on a cancelled request
	if result.Cancelled && cfg.StageEnabled(v1.StagePostProcessing) {
		entities = postProcess(entities, cfg)
	}
	result.Entities = entities
	for _, warning := range result.Warnings {
		warnings.WithLabelValues(string(warning.Stage), warning.Kind).Inc()
	}
	switch {
	case result.Cancelled:
		requests.WithLabelValues("cancelled").Inc()
	default:
		requests.WithLabelValues("ok").Inc()
	}
	log.V(1).Info("request processed", "entities", len(result.Entities), "warnings", len(result.Warnings))
	return result, nil
}

// runStage runs one stage under its proportional sub-deadline. Fatal errors
// propagate; everything else degrades. A panicking stage is recorded on the
// result and treated as having produced nothing.
func (o *Orchestrator) runStage(ctx context.Context, stage v1.Stage, cfg *config.PipelineConfig, result *v1.PipelineResult, fn func(context.Context) error) (fatal error) {
	stageCtx, cancel := context.WithTimeout(ctx, cfg.StageBudget(stage))
	defer cancel()
	start := o.clock.Now()
	defer func() {
		elapsed := o.clock.Since(start)
		result.StageTimings[stage] = elapsed
		stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
		if recovered := recover(); recovered != nil {
			result.Errors = append(result.Errors, v1.Diagnostic{
				Stage:   stage,
				Kind:    string(errors.KindComponentError),
				Message: fmt.Sprintf("stage panicked: %v", recovered),
			})
		}
	}()

	if err := fn(stageCtx); err != nil {
		if errors.IsFatal(err) {
			return err
		}
		result.Errors = append(result.Errors, v1.Diagnostic{
			Stage:   stage,
			Kind:    string(errors.KindOf(err)),
			Message: err.Error(),
		})
		return nil
	}
	if stageCtx.Err() != nil && ctx.Err() == nil {
		result.Warnings = append(result.Warnings, v1.Diagnostic{
			Stage:   stage,
			Kind:    string(errors.KindStageDeadlineExceeded),
			Message: fmt.Sprintf("stage exhausted its %s budget, keeping partial output", cfg.StageBudget(stage)),
		})
	}
	return nil
}

// noteCancellation marks the result when the request context ends before the
// pipeline could finish.
func (o *Orchestrator) noteCancellation(ctx context.Context, stage v1.Stage, result *v1.PipelineResult, message string) {
	result.Cancelled = true
	kind := errors.KindCancelRequested
	if ctx.Err() == context.DeadlineExceeded {
		kind = errors.KindStageDeadlineExceeded
	}
	result.Warnings = append(result.Warnings, v1.Diagnostic{
		Stage:   stage,
		Kind:    string(kind),
		Message: message,
	})
}
