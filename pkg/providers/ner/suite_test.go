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

package ner_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/fake"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/providers/ner"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
	"github.com/lexgraph/lexgraph/pkg/test"
)

var (
	ctx      context.Context
	stop     context.CancelFunc
	cfg      *config.PipelineConfig
	manager  *hotswap.Manager
	store    *telemetry.Store
	provider *ner.Provider
)

func TestNER(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NERProvider")
}

var _ = BeforeEach(func() {
	ctx, stop = context.WithCancel(context.Background())
	cfg = config.Default()
	manager = hotswap.NewManager(clock.RealClock{})
	store = telemetry.NewStore(100, 1000)
	store.Start(ctx)
	provider = ner.NewProvider(manager, store, clock.RealClock{})
})

var _ = AfterEach(func() {
	stop()
})

func registerModel(id string, opts ...test.DescriptorOptions) *fake.NERModel {
	model := fake.NewNERModel()
	opts = append([]test.DescriptorOptions{{ID: id}}, opts...)
	ExpectWithOffset(1, manager.Register(ctx, test.Descriptor(opts...), model)).To(Succeed())
	return model
}

func raw(text, entityType string, start int, confidence float64) ner.RawEntity {
	return ner.RawEntity{Text: text, Type: entityType, Start: start, End: start + len(text), Confidence: confidence}
}

var _ = Describe("Select", func() {
	It("should honor explicitly pinned model ids", func() {
		registerModel("model-a")
		registerModel("model-b")
		cfg.NER.ModelIDs = []string{"model-b"}

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(selected).To(HaveLen(1))
		Expect(selected[0].Descriptor.ID).To(Equal("model-b"))
	})
	It("should fail when none of the pinned ids are registered", func() {
		registerModel("model-a")
		cfg.NER.ModelIDs = []string{"model-z"}

		_, err := provider.Select("medical", cfg)
		Expect(errors.IsNoModelsAvailable(err)).To(BeTrue())
	})
	It("should rank eligible models by the composite score", func() {
		registerModel("model-a", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.80}})
		registerModel("model-b", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.95}})

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(selected[0].Descriptor.ID).To(Equal("model-b"))
		Expect(selected[0].Score).To(BeNumerically(">", selected[1].Score))
	})
	It("should exclude models below the F1 floor", func() {
		registerModel("model-a", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.60}})
		registerModel("model-b", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.95}})
		cfg.NER.MinF1 = 0.8

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(selected, func(m ner.ScoredModel, _ int) string { return m.Descriptor.ID })).To(ConsistOf("model-b"))
	})
	It("should exclude models tagged for other domains", func() {
		registerModel("model-a", test.DescriptorOptions{Domains: []string{"legal"}})
		registerModel("model-b")

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(selected, func(m ner.ScoredModel, _ int) string { return m.Descriptor.ID })).To(ConsistOf("model-b"))
	})
	It("should exclude models whose observed p95 exceeds the latency ceiling", func() {
		registerModel("model-a")
		registerModel("model-b")
		for range 20 {
			store.Record(test.Sample(test.SampleOptions{ComponentID: "model-a", Domain: "medical", LatencyMS: 5000}))
		}
		Eventually(func() []v1.PerformanceSample {
			return store.Snapshot(v1.SampleKey{Kind: v1.KindNERModel, ComponentID: "model-a", Domain: "medical"})
		}).Should(HaveLen(20))

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(selected, func(m ner.ScoredModel, _ int) string { return m.Descriptor.ID })).To(ConsistOf("model-b"))
	})
	It("should fail when fewer models qualify than min_models", func() {
		registerModel("model-a", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.5}})
		cfg.NER.MinF1 = 0.8

		_, err := provider.Select("medical", cfg)
		Expect(errors.IsNoModelsAvailable(err)).To(BeTrue())
	})
	It("should cap the ensemble at max_models", func() {
		for i := range 5 {
			registerModel(fmt.Sprintf("model-%d", i))
		}
		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(selected).To(HaveLen(cfg.NER.MaxModels))
	})
	It("should pick exactly one model outside ensemble mode", func() {
		registerModel("model-a")
		registerModel("model-b")
		cfg.NER.EnsembleMode = false

		selected, err := provider.Select("medical", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(selected).To(HaveLen(1))
	})
	It("should invalidate the memoized selection when the registry changes", func() {
		registerModel("model-a")
		first := lo.Must(provider.Select("medical", cfg))
		Expect(first).To(HaveLen(1))

		registerModel("model-b")
		second := lo.Must(provider.Select("medical", cfg))
		Expect(second).To(HaveLen(2))
	})
})

var _ = Describe("Extract", func() {
	It("should fuse agreeing models with an agreement boost", func() {
		a := registerModel("model-a")
		b := registerModel("model-b")
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.8)})
		b.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.7)})

		extraction, err := provider.Extract(ctx, "Lisinopril 10mg", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(HaveLen(1))
		// mean 0.75 plus 0.10 * 2/2
		Expect(extraction.Entities[0].Confidence).To(BeNumerically("~", 0.85, 1e-9))
		Expect(extraction.Entities[0].SourceIDs).To(HaveLen(2))
	})
	It("should pass a single model through without a boost", func() {
		a := registerModel("model-a")
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.8)})
		cfg.NER.EnsembleMode = false

		extraction, err := provider.Extract(ctx, "Lisinopril 10mg", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities[0].Confidence).To(Equal(0.8))
	})
	It("should resolve type disagreement on a span by majority", func() {
		a := registerModel("model-a")
		b := registerModel("model-b")
		c := registerModel("model-c")
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("aspirin", "DRUG", 0, 0.9)})
		b.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("aspirin", "DRUG", 0, 0.8)})
		c.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("aspirin", "CHEMICAL", 0, 0.95)})

		extraction, err := provider.Extract(ctx, "aspirin", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(HaveLen(1))
		Expect(extraction.Entities[0].Type).To(Equal("DRUG"))
	})
	It("should drop spans below the vote quorum", func() {
		a := registerModel("model-a")
		registerModel("model-b")
		registerModel("model-c")
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("maybe", "DRUG", 0, 0.99)})
		cfg.NER.MinVotes = 2

		extraction, err := provider.Extract(ctx, "maybe", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(BeEmpty())
	})
	It("should filter fused entities below min_confidence", func() {
		a := registerModel("model-a")
		cfg.NER.EnsembleMode = false
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("weak", "DRUG", 0, 0.4)})

		extraction, err := provider.Extract(ctx, "weak", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(BeEmpty())
	})
	It("should degrade a failing model into a warning and keep going", func() {
		a := registerModel("model-a")
		b := registerModel("model-b")
		a.ExtractBehavior.Error.Set(fmt.Errorf("weights corrupted"), fake.MaxCalls(-1))
		b.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.9)})
		cfg.NER.MinVotes = 1

		extraction, err := provider.Extract(ctx, "Lisinopril", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(HaveLen(1))
		Expect(extraction.Warnings).To(ContainElement(SatisfyAll(
			HaveField("ComponentID", "model-a"),
			HaveField("Stage", v1.StageNER),
		)))
	})
	It("should retry a transient model failure once", func() {
		a := registerModel("model-a")
		cfg.NER.EnsembleMode = false
		a.ExtractBehavior.Error.Set(fmt.Errorf("transient"))
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.9)})

		extraction, err := provider.Extract(ctx, "Lisinopril", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(HaveLen(1))
		Expect(extraction.Warnings).To(BeEmpty())
	})
	It("should classify a model that outlives its budget as a timeout", func() {
		a := registerModel("model-a")
		b := registerModel("model-b")
		a.SetDelay(time.Second)
		b.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.9)})
		cfg.NER.PerModelTimeoutMS = 20
		cfg.NER.MinVotes = 1

		extraction, err := provider.Extract(ctx, "Lisinopril", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(HaveLen(1))
		Expect(extraction.Warnings).To(ContainElement(HaveField("Kind", string(errors.KindComponentTimeout))))
	})
	It("should return empty with warnings when every model fails", func() {
		a := registerModel("model-a")
		b := registerModel("model-b")
		a.ExtractBehavior.Error.Set(fmt.Errorf("down"), fake.MaxCalls(-1))
		b.ExtractBehavior.Error.Set(fmt.Errorf("down"), fake.MaxCalls(-1))

		extraction, err := provider.Extract(ctx, "text", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.Entities).To(BeEmpty())
		Expect(extraction.Warnings).To(HaveLen(2))
	})
	It("should fail the stage when no model can be selected", func() {
		_, err := provider.Extract(ctx, "text", "medical", "req-1", cfg)
		Expect(errors.IsNoModelsAvailable(err)).To(BeTrue())
	})
	It("should record a sample per invoked model", func() {
		a := registerModel("model-a")
		a.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.9)})
		cfg.NER.EnsembleMode = false

		lo.Must(provider.Extract(ctx, "Lisinopril", "medical", "req-1", cfg))
		Eventually(func() []v1.PerformanceSample {
			return store.Snapshot(v1.SampleKey{Kind: v1.KindNERModel, ComponentID: "model-a", Domain: "medical"})
		}).Should(HaveLen(1))
	})
})

type rerouter struct {
	to string
}

func (r rerouter) Route(_ v1.ComponentKind, _ string, _ string, currentID string) string {
	if r.to != "" {
		return r.to
	}
	return currentID
}

var _ = Describe("Routing", func() {
	It("should honor the router's treatment assignment", func() {
		registerModel("model-a")
		b := registerModel("model-b", test.DescriptorOptions{F1ByDomain: map[string]float64{"medical": 0.2}})
		b.ExtractBehavior.Output.Set(&[]ner.RawEntity{raw("Lisinopril", "DRUG", 0, 0.9)})
		cfg.NER.EnsembleMode = false
		cfg.NER.MinF1 = 0.5

		routed := ner.NewProvider(manager, store, clock.RealClock{}, ner.WithRouter(rerouter{to: "model-b"}))
		extraction, err := routed.Extract(ctx, "Lisinopril", "medical", "req-1", cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(extraction.ComponentsUsed).To(Equal([]string{"model-b"}))
		Expect(extraction.Entities).To(HaveLen(1))
	})
})
