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

package test

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

// EntityOptions customizes an EntityRecord.
type EntityOptions struct {
	Text        string
	Type        string
	Start       int
	End         int
	Confidence  float64
	SourceStage v1.SourceStage
	SourceIDs   map[string]float64
	Validated   bool
}

// Entity creates a test entity with defaults that can be overridden by
// EntityOptions. Overrides are applied in order with a last write wins
// semantic.
func Entity(overrides ...EntityOptions) v1.EntityRecord {
	options := EntityOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge entity options: %s", err))
		}
	}
	if options.Text == "" {
		options.Text = "Lisinopril"
	}
	if options.Type == "" {
		options.Type = "DRUG"
	}
	if options.End == 0 {
		options.End = options.Start + len(options.Text)
	}
	if options.Confidence == 0 {
		options.Confidence = 0.9
	}
	if options.SourceStage == "" {
		options.SourceStage = v1.SourceStageNER
	}
	if options.SourceIDs == nil {
		options.SourceIDs = map[string]float64{"model-a": options.Confidence}
	}
	return v1.EntityRecord{
		Text:        options.Text,
		Type:        options.Type,
		Start:       options.Start,
		End:         options.End,
		Confidence:  options.Confidence,
		SourceStage: options.SourceStage,
		SourceIDs:   options.SourceIDs,
		Validated:   options.Validated,
	}
}

// DescriptorOptions customizes a ComponentDescriptor.
type DescriptorOptions struct {
	Kind           v1.ComponentKind
	ID             string
	Version        string
	SourceURL      string
	Domains        []string
	Capabilities   []string
	Checksum       string
	F1ByDomain     map[string]float64
	ProviderWeight float64
}

// Descriptor creates a test descriptor with defaults that can be overridden
// by DescriptorOptions.
func Descriptor(overrides ...DescriptorOptions) v1.ComponentDescriptor {
	options := DescriptorOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge descriptor options: %s", err))
		}
	}
	if options.Kind == "" {
		options.Kind = v1.KindNERModel
	}
	if options.ID == "" {
		options.ID = "model-a"
	}
	if options.Version == "" {
		options.Version = "1.0.0"
	}
	if options.SourceURL == "" {
		options.SourceURL = "https://models.example.com/" + options.ID
	}
	if options.F1ByDomain == nil {
		options.F1ByDomain = map[string]float64{"": 0.85, "medical": 0.9}
	}
	if options.ProviderWeight == 0 {
		options.ProviderWeight = 0.8
	}
	return v1.ComponentDescriptor{
		Kind:                 options.Kind,
		ID:                   options.ID,
		Version:              options.Version,
		SourceURL:            options.SourceURL,
		Domains:              options.Domains,
		DeclaredCapabilities: options.Capabilities,
		Checksum:             options.Checksum,
		F1ByDomain:           options.F1ByDomain,
		ProviderWeight:       options.ProviderWeight,
	}
}

// SampleOptions customizes a PerformanceSample.
type SampleOptions struct {
	ComponentID   string
	Kind          v1.ComponentKind
	Domain        string
	LatencyMS     float64
	ThroughputEPS float64
	AccuracyProxy float64
	Error         bool
	ErrorKind     string
	Timestamp     time.Time
}

// Sample creates a test performance sample with defaults that can be
// overridden by SampleOptions.
func Sample(overrides ...SampleOptions) v1.PerformanceSample {
	options := SampleOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge sample options: %s", err))
		}
	}
	if options.ComponentID == "" {
		options.ComponentID = "model-a"
	}
	if options.Kind == "" {
		options.Kind = v1.KindNERModel
	}
	if options.LatencyMS == 0 {
		options.LatencyMS = 120
	}
	if options.ThroughputEPS == 0 {
		options.ThroughputEPS = 40
	}
	if options.AccuracyProxy == 0 && !options.Error {
		options.AccuracyProxy = 0.9
	}
	if options.Timestamp.IsZero() {
		options.Timestamp = time.Now()
	}
	return v1.PerformanceSample{
		ComponentID:   options.ComponentID,
		Kind:          options.Kind,
		Domain:        options.Domain,
		LatencyMS:     options.LatencyMS,
		ThroughputEPS: options.ThroughputEPS,
		AccuracyProxy: options.AccuracyProxy,
		Error:         options.Error,
		ErrorKind:     options.ErrorKind,
		Timestamp:     options.Timestamp,
	}
}
