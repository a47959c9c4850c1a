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

package optimizer

import (
	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
)

const (
	balancedAccuracyWeight = 0.60
	balancedLatencyWeight  = 0.40
	costAccuracyWeight     = 0.50
	costCostWeight         = 0.50

	// defaultCostWeight applies to components the host declared no cost for.
	defaultCostWeight = 0.5
)

// cohortStats holds the min-max bounds used to normalize metrics across a
// cohort, so scores compare components against their peers rather than
// against absolute numbers.
type cohortStats struct {
	minLatency, maxLatency       float64
	minThroughput, maxThroughput float64
	minCost, maxCost             float64
}

func statsOf(cohort map[string][]v1.PerformanceSample, costs map[string]float64) cohortStats {
	stats := cohortStats{}
	first := true
	for id, samples := range cohort {
		cost := costOf(costs, id)
		for _, sample := range samples {
			if first {
				stats.minLatency, stats.maxLatency = sample.LatencyMS, sample.LatencyMS
				stats.minThroughput, stats.maxThroughput = sample.ThroughputEPS, sample.ThroughputEPS
				stats.minCost, stats.maxCost = cost, cost
				first = false
				continue
			}
			stats.minLatency = min(stats.minLatency, sample.LatencyMS)
			stats.maxLatency = max(stats.maxLatency, sample.LatencyMS)
			stats.minThroughput = min(stats.minThroughput, sample.ThroughputEPS)
			stats.maxThroughput = max(stats.maxThroughput, sample.ThroughputEPS)
			stats.minCost = min(stats.minCost, cost)
			stats.maxCost = max(stats.maxCost, cost)
		}
	}
	return stats
}

func costOf(costs map[string]float64, componentID string) float64 {
	if cost, ok := costs[componentID]; ok {
		return cost
	}
	return defaultCostWeight
}

// normalize maps v into [0,1] against the cohort bounds. A degenerate cohort
// where every observation is equal normalizes to the midpoint.
func normalize(v, low, high float64) float64 {
	if high <= low {
		return 0.5
	}
	return (v - low) / (high - low)
}

// score collapses one sample into the strategy's scalar. An errored sample
// contributes zero accuracy regardless of what the component reported.
func score(sample v1.PerformanceSample, strategy config.Strategy, stats cohortStats, cost float64) float64 {
	accuracy := sample.AccuracyProxy
	if sample.Error {
		accuracy = 0
	}
	switch strategy {
	case config.StrategyLatency:
		return 1 - normalize(sample.LatencyMS, stats.minLatency, stats.maxLatency)
	case config.StrategyAccuracy:
		return accuracy
	case config.StrategyThroughput:
		return normalize(sample.ThroughputEPS, stats.minThroughput, stats.maxThroughput)
	case config.StrategyCost:
		return costAccuracyWeight*accuracy - costCostWeight*normalize(cost, stats.minCost, stats.maxCost)
	default:
		return balancedAccuracyWeight*accuracy - balancedLatencyWeight*normalize(sample.LatencyMS, stats.minLatency, stats.maxLatency)
	}
}

func scoreAll(samples []v1.PerformanceSample, strategy config.Strategy, stats cohortStats, cost float64) []float64 {
	return lo.Map(samples, func(sample v1.PerformanceSample, _ int) float64 {
		return score(sample, strategy, stats, cost)
	})
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}
