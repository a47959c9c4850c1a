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

// Package optimizer turns telemetry windows into swap recommendations and
// routes A/B trial traffic. It only ever advises; executing a swap stays with
// the host through the hot-swap manager.
package optimizer

import (
	"sort"
	"sync"

	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
)

type Optimizer struct {
	store *telemetry.Store
	cfg   config.OptimizerConfig
	clock clock.Clock

	costs    map[string]float64
	recorder TrialRecorder

	mu     sync.Mutex
	trials map[string]*Trial
}

type Option func(*Optimizer)

// WithCostWeights declares relative cost per component id for the cost
// strategy. Undeclared components cost the midpoint.
func WithCostWeights(costs map[string]float64) Option {
	return func(o *Optimizer) { o.costs = costs }
}

// WithTrialRecorder persists concluded trials beyond process memory.
func WithTrialRecorder(recorder TrialRecorder) Option {
	return func(o *Optimizer) { o.recorder = recorder }
}

func New(store *telemetry.Store, cfg config.OptimizerConfig, clk clock.Clock, opts ...Option) *Optimizer {
	o := &Optimizer{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		costs:  map[string]float64{},
		trials: map[string]*Trial{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Recommendation is an advisory comparison of the incumbent against the best
// scoring alternative in its cohort.
type Recommendation struct {
	Kind           v1.ComponentKind `json:"kind"`
	Domain         string           `json:"domain"`
	CurrentID      string           `json:"current_id"`
	CandidateID    string           `json:"candidate_id"`
	CurrentScore   float64          `json:"current_score"`
	CandidateScore float64          `json:"candidate_score"`
	PValue         float64          `json:"p_value"`
}

// scoredComponent is one cohort member with its per-sample score series.
type scoredComponent struct {
	id      string
	scores  []float64
	mean    float64
	samples int
}

// Recommend compares the cohort for a (kind, domain) under the configured
// strategy. The incumbent is the component carrying the most recent traffic.
// A nil return means keep the incumbent: either nothing scores better by at
// least the performance threshold, or the improvement is not statistically
// significant.
func (o *Optimizer) Recommend(kind v1.ComponentKind, domain string) *Recommendation {
	scored := o.scoreCohort(kind, domain)
	if len(scored) < 2 {
		recommendations.WithLabelValues(string(kind), "insufficient_cohort").Inc()
		return nil
	}
	// incumbent carries the most samples; candidates are ranked by mean score
	current := scored[0]
	for _, c := range scored[1:] {
		if c.samples > current.samples {
			current = c
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].mean != scored[j].mean {
			return scored[i].mean > scored[j].mean
		}
		return scored[i].id < scored[j].id
	})
	best := scored[0]
	if best.id == current.id || best.mean-current.mean < o.cfg.PerformanceThreshold {
		recommendations.WithLabelValues(string(kind), "keep").Inc()
		return nil
	}
	p := welchP(best.scores, current.scores)
	if p >= significanceLevel {
		recommendations.WithLabelValues(string(kind), "not_significant").Inc()
		return nil
	}
	recommendations.WithLabelValues(string(kind), "recommend").Inc()
	return &Recommendation{
		Kind:           kind,
		Domain:         domain,
		CurrentID:      current.id,
		CandidateID:    best.id,
		CurrentScore:   current.mean,
		CandidateScore: best.mean,
		PValue:         p,
	}
}

// scoreCohort scores every component with enough samples in the window.
func (o *Optimizer) scoreCohort(kind v1.ComponentKind, domain string) []scoredComponent {
	cohort := o.store.Cohort(kind, domain)
	for id, samples := range cohort {
		if len(samples) < o.cfg.MinSamples {
			delete(cohort, id)
		}
	}
	stats := statsOf(cohort, o.costs)
	scored := make([]scoredComponent, 0, len(cohort))
	for id, samples := range cohort {
		scores := scoreAll(samples, o.cfg.Strategy, stats, costOf(o.costs, id))
		scored = append(scored, scoredComponent{
			id:      id,
			scores:  scores,
			mean:    mean(scores),
			samples: len(samples),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].id < scored[j].id })
	return scored
}
