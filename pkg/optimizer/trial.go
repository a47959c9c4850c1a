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
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/errors"
)

const bucketSpace = 10000

type TrialStatus string

const (
	TrialActive    TrialStatus = "active"
	TrialConcluded TrialStatus = "concluded"
)

// Trial is one A/B experiment diverting a share of a control component's
// traffic to a treatment.
type Trial struct {
	ExperimentID   string           `json:"experiment_id"`
	Kind           v1.ComponentKind `json:"kind"`
	ControlID      string           `json:"control_id"`
	TreatmentID    string           `json:"treatment_id"`
	TrafficSplit   float64          `json:"traffic_split"`
	StartedAt      time.Time        `json:"started_at"`
	EndsAt         time.Time        `json:"ends_at"`
	Status         TrialStatus      `json:"status"`
	WinnerID       string           `json:"winner_id,omitempty"`
	ControlScore   float64          `json:"control_score,omitempty"`
	TreatmentScore float64          `json:"treatment_score,omitempty"`
	PValue         float64          `json:"p_value,omitempty"`
}

// TrialRecorder persists concluded trials. The postgres cache store satisfies
// it.
type TrialRecorder interface {
	RecordTrialOutcome(ctx context.Context, experimentID string, outcome []byte) error
}

// StartTrial begins routing trafficSplit of the control's invocations to the
// treatment for the duration.
func (o *Optimizer) StartTrial(experimentID string, kind v1.ComponentKind, controlID, treatmentID string, trafficSplit float64, duration time.Duration) error {
	if experimentID == "" || controlID == "" || treatmentID == "" {
		return errors.New(errors.KindConfigInvalid, "trial ids must be non-empty")
	}
	if controlID == treatmentID {
		return errors.New(errors.KindConfigInvalid, "trial control and treatment are both %q", controlID)
	}
	if trafficSplit <= 0 || trafficSplit > 1 {
		return errors.New(errors.KindConfigInvalid, "traffic split %0.3f outside (0, 1]", trafficSplit)
	}
	if duration <= 0 {
		return errors.New(errors.KindConfigInvalid, "trial duration must be positive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.trials[experimentID]; ok && existing.Status == TrialActive {
		return errors.New(errors.KindConfigInvalid, "experiment %q is already running", experimentID)
	}
	now := o.clock.Now()
	o.trials[experimentID] = &Trial{
		ExperimentID: experimentID,
		Kind:         kind,
		ControlID:    controlID,
		TreatmentID:  treatmentID,
		TrafficSplit: trafficSplit,
		StartedAt:    now,
		EndsAt:       now.Add(duration),
		Status:       TrialActive,
	}
	trialsActive.Inc()
	return nil
}

// Route assigns this request to the treatment when an active trial covers the
// selected component. Bucketing hashes (experiment, request), so one request
// lands on the same side however many times it is routed, while distinct
// requests spread across the split.
func (o *Optimizer) Route(kind v1.ComponentKind, _ string, requestID string, currentID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	for _, trial := range o.trials {
		if trial.Status != TrialActive || trial.Kind != kind || trial.ControlID != currentID {
			continue
		}
		if !now.Before(trial.EndsAt) {
			continue
		}
		if bucket(trial.ExperimentID, requestID) < int(trial.TrafficSplit*bucketSpace) {
			return trial.TreatmentID
		}
	}
	return currentID
}

func bucket(experimentID, requestID string) int {
	h := lo.Must(hashstructure.Hash(struct {
		Experiment string
		Request    string
	}{experimentID, requestID}, hashstructure.FormatV2, nil))
	return int(h % bucketSpace)
}

// ConcludeTrial scores both arms over the trial window and declares a winner.
// The treatment wins only when it scores higher with statistical
// significance; otherwise the control stands.
func (o *Optimizer) ConcludeTrial(ctx context.Context, experimentID string) (*Trial, error) {
	o.mu.Lock()
	trial, ok := o.trials[experimentID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("unknown experiment %q", experimentID)
	}
	if trial.Status != TrialActive {
		o.mu.Unlock()
		return nil, fmt.Errorf("experiment %q already concluded", experimentID)
	}
	if o.clock.Now().Before(trial.EndsAt) {
		o.mu.Unlock()
		return nil, fmt.Errorf("experiment %q runs until %s", experimentID, trial.EndsAt.Format(time.RFC3339))
	}
	o.mu.Unlock()

	inWindow := func(sample v1.PerformanceSample, _ int) bool {
		return !sample.Timestamp.Before(trial.StartedAt)
	}
	cohort := map[string][]v1.PerformanceSample{
		trial.ControlID:   lo.Filter(o.store.ComponentWindow(trial.Kind, trial.ControlID), inWindow),
		trial.TreatmentID: lo.Filter(o.store.ComponentWindow(trial.Kind, trial.TreatmentID), inWindow),
	}
	stats := statsOf(cohort, o.costs)
	controlScores := scoreAll(cohort[trial.ControlID], o.cfg.Strategy, stats, costOf(o.costs, trial.ControlID))
	treatmentScores := scoreAll(cohort[trial.TreatmentID], o.cfg.Strategy, stats, costOf(o.costs, trial.TreatmentID))

	o.mu.Lock()
	// a concurrent call may have concluded the trial while the arms were
	// being scored outside the lock
	if trial.Status != TrialActive {
		o.mu.Unlock()
		return nil, fmt.Errorf("experiment %q already concluded", experimentID)
	}
	trial.Status = TrialConcluded
	trial.ControlScore = mean(controlScores)
	trial.TreatmentScore = mean(treatmentScores)
	trial.PValue = welchP(treatmentScores, controlScores)
	trial.WinnerID = trial.ControlID
	if trial.TreatmentScore > trial.ControlScore && trial.PValue < significanceLevel {
		trial.WinnerID = trial.TreatmentID
	}
	concluded := *trial
	o.mu.Unlock()
	trialsActive.Dec()
	trialConclusions.WithLabelValues(string(trial.Kind)).Inc()

	if o.recorder != nil {
		outcome := lo.Must(json.Marshal(concluded))
		if err := o.recorder.RecordTrialOutcome(ctx, experimentID, outcome); err != nil {
			return &concluded, fmt.Errorf("persisting trial outcome, %w", err)
		}
	}
	return &concluded, nil
}

// Trials snapshots every known trial, active and concluded.
func (o *Optimizer) Trials() []Trial {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := lo.Map(lo.Values(o.trials), func(t *Trial, _ int) Trial { return *t })
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out
}
