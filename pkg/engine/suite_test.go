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

package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/engine"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/fake"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/providers/kb"
	"github.com/lexgraph/lexgraph/pkg/providers/ner"
	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
	"github.com/lexgraph/lexgraph/pkg/test"
	"github.com/lexgraph/lexgraph/pkg/trust"
)

var ctx = context.Background()

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine")
}

func newEngine(opts ...engine.Option) *engine.Engine {
	eng, err := engine.New(append([]engine.Option{
		engine.WithLogger(logr.Discard()),
		engine.WithConfigWatch(false),
		engine.WithGracePeriod(2 * time.Second),
	}, opts...)...)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	DeferCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})
	return eng
}

func registerModel(eng *engine.Engine, id string, entities ...ner.RawEntity) *fake.NERModel {
	model := fake.NewNERModel()
	if entities != nil {
		model.ExtractBehavior.Output.Set(&entities)
	}
	ExpectWithOffset(1, eng.RegisterModel(ctx, test.Descriptor(test.DescriptorOptions{ID: id}), model)).To(Succeed())
	return model
}

func registerKB(eng *engine.Engine, id string) *fake.KBProvider {
	provider := fake.NewKBProvider()
	descriptor := test.Descriptor(test.DescriptorOptions{Kind: v1.KindKBProvider, ID: id})
	ExpectWithOffset(1, eng.RegisterKB(ctx, descriptor, provider)).To(Succeed())
	return provider
}

func raw(text, entityType string, start int, confidence float64) ner.RawEntity {
	return ner.RawEntity{Text: text, Type: entityType, Start: start, End: start + len(text), Confidence: confidence}
}

func entityAt(entities []v1.EntityRecord, start int, entityType string) *v1.EntityRecord {
	entity, ok := lo.Find(entities, func(e v1.EntityRecord) bool {
		return e.Start == start && e.Type == entityType
	})
	if !ok {
		return nil
	}
	return &entity
}

const clinicalNote = "Patient prescribed Lisinopril 10 mg PO daily for I10"

var _ = Describe("Process", func() {
	It("should enrich a clinical note end to end", func() {
		eng := newEngine()
		drugStart := strings.Index(clinicalNote, "Lisinopril")
		registerModel(eng, "model-a", raw("Lisinopril", "DRUG", drugStart, 0.92))
		umls := registerKB(eng, "umls")
		umls.AddRecord("Lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})

		result, err := eng.Process(ctx, clinicalNote, "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(result.Entities, func(e v1.EntityRecord, _ int) string { return e.Type })).
			To(Equal([]string{"DRUG", "DOSAGE", "ROUTE", "ICD10_CODE"}))

		drug := entityAt(result.Entities, drugStart, "DRUG")
		Expect(drug).ToNot(BeNil())
		Expect(drug.KBID).To(Equal("umls"))
		Expect(drug.KBEntityID).To(Equal("C0065374"))
		Expect(drug.SourceStage).To(Equal(v1.SourceStageEnriched))

		route := entityAt(result.Entities, strings.Index(clinicalNote, "PO daily"), "ROUTE")
		Expect(route).ToNot(BeNil())
		Expect(route.NormalizedText).To(Equal("PO"))

		code := entityAt(result.Entities, strings.Index(clinicalNote, "I10"), "ICD10_CODE")
		Expect(code).ToNot(BeNil())
		Expect(code.Validated).To(BeTrue())
	})
	It("should fuse a two model disagreement into one entity", func() {
		eng := newEngine()
		registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.8))
		registerModel(eng, "model-b", raw("Aspirin", "CHEMICAL", 0, 0.7))

		result, err := eng.Process(ctx, "Aspirin", "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Entities).To(HaveLen(1))
		Expect(result.Entities[0].Type).To(Equal("DRUG"))
		Expect(result.Entities[0].Confidence).To(BeNumerically("~", 0.80, 1e-9))
		Expect(result.Entities[0].SourceIDs).To(SatisfyAll(HaveKey("model-a"), HaveKey("model-b")))
	})
	It("should fall through the knowledge base chain on a timeout", func() {
		eng := newEngine()
		drugStart := strings.Index(clinicalNote, "Lisinopril")
		registerModel(eng, "model-a", raw("Lisinopril", "DRUG", drugStart, 0.9))
		umls := registerKB(eng, "umls")
		umls.SetDelay(time.Second)
		rxnorm := registerKB(eng, "rxnorm")
		rxnorm.AddRecord("Lisinopril", kb.Record{EntityID: "203644", CanonicalName: "lisinopril"})
		overrides := &config.Overrides{KB: &config.KBOverrides{
			ChainByDomain:      map[string][]string{"medical": {"umls", "rxnorm"}},
			PerLookupTimeoutMS: lo.ToPtr(int64(50)),
		}}

		result, err := eng.Process(ctx, clinicalNote, "medical", overrides)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(SatisfyAll(
			HaveField("ComponentID", "umls"),
			HaveField("Kind", string(errors.KindComponentTimeout)),
		)))
		drug := entityAt(result.Entities, drugStart, "DRUG")
		Expect(drug).ToNot(BeNil())
		Expect(drug.KBID).To(Equal("rxnorm"))
		Expect(drug.KBEntityID).To(Equal("203644"))
	})
	It("should keep partial output when the ner stage runs out of budget", func() {
		eng := newEngine()
		drugStart := strings.Index(clinicalNote, "Lisinopril")
		slow := registerModel(eng, "model-a")
		slow.SetDelay(time.Second)
		registerModel(eng, "model-b", raw("Lisinopril", "DRUG", drugStart, 0.9))
		overrides := &config.Overrides{
			DeadlineMS:        lo.ToPtr(int64(500)),
			PerStageFractions: &config.StageFractions{NER: 0.1, Enrichment: 0.3, Patterns: 0.3, PostProcessing: 0.3},
			NER:               &config.NEROverrides{PerModelTimeoutMS: lo.ToPtr(int64(5000))},
		}

		result, err := eng.Process(ctx, clinicalNote, "medical", overrides)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(SatisfyAll(
			HaveField("Stage", v1.StageNER),
			HaveField("Kind", string(errors.KindStageDeadlineExceeded)),
		)))
		Expect(entityAt(result.Entities, drugStart, "DRUG")).ToNot(BeNil())
	})
	It("should serve matches from a registered custom matcher", func() {
		eng := newEngine()
		matcher := fake.NewPatternMatcher()
		matcher.Matches.Set(&[]pattern.RawMatch{{
			PatternID:  "mrn-matcher",
			Type:       "MRN",
			Text:       "MRN-00421",
			Start:      0,
			End:        9,
			Confidence: 0.9,
		}})
		descriptor := test.Descriptor(test.DescriptorOptions{Kind: v1.KindPatternMatcher, ID: "mrn-matcher", Domains: []string{"medical"}})
		Expect(eng.RegisterMatcher(ctx, descriptor, matcher)).To(Succeed())
		overrides := &config.Overrides{EnabledStages: []v1.Stage{v1.StagePatterns, v1.StagePostProcessing}}

		result, err := eng.Process(ctx, "MRN-00421 admitted today", "medical", overrides)
		Expect(err).ToNot(HaveOccurred())
		Expect(entityAt(result.Entities, 0, "MRN")).ToNot(BeNil())
	})
})

var _ = Describe("HotSwap", func() {
	It("should finish in-flight requests on the old instance", func() {
		eng := newEngine()
		old := registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.8))
		old.SetDelay(300 * time.Millisecond)

		results := make(chan *v1.PipelineResult, 1)
		go func() {
			defer GinkgoRecover()
			result, err := eng.Process(ctx, "Aspirin", "medical", nil)
			Expect(err).ToNot(HaveOccurred())
			results <- result
		}()
		time.Sleep(100 * time.Millisecond)

		replacement := fake.NewNERModel()
		out := []ner.RawEntity{raw("Aspirin", "DRUG", 0, 0.95)}
		replacement.ExtractBehavior.Output.Set(&out)
		Expect(eng.PrepareSwap(ctx, test.Descriptor(test.DescriptorOptions{ID: "model-a", Version: "2.0.0"}), replacement)).To(Succeed())
		Expect(eng.ExecuteSwap(ctx, v1.KindNERModel, "model-a")).To(Succeed())

		var first *v1.PipelineResult
		Eventually(results).WithTimeout(2 * time.Second).Should(Receive(&first))
		Expect(first.Entities).To(HaveLen(1))
		Expect(first.Entities[0].Confidence).To(BeNumerically("~", 0.8, 1e-9))

		second, err := eng.Process(ctx, "Aspirin", "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Entities).To(HaveLen(1))
		Expect(second.Entities[0].Confidence).To(BeNumerically("~", 0.95, 1e-9))

		Expect(eng.Components()).To(ConsistOf(SatisfyAll(
			HaveField("Descriptor.Version", "2.0.0"),
			HaveField("State", Not(BeEmpty())),
		)))
	})
	It("should retire a component without replacement", func() {
		eng := newEngine()
		registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.9))
		Expect(eng.Retire(ctx, v1.KindNERModel, "model-a")).To(Succeed())
		_, err := eng.Process(ctx, "Aspirin", "medical", nil)
		Expect(errors.IsNoModelsAvailable(err)).To(BeTrue())
	})
})

var _ = Describe("Trust", func() {
	policy := trust.Policy{
		MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{
			v1.KindNERModel:       v1.TrustLevelUnverified,
			v1.KindKBProvider:     v1.TrustLevelTrusted,
			v1.KindPatternMatcher: v1.TrustLevelUnverified,
		},
		RequiredSchemes: []string{"https"},
		AllowedSources:  []string{"example.com"},
	}
	It("should reject a knowledge base served over a forbidden scheme", func() {
		eng := newEngine(engine.WithTrustPolicy(policy))
		drugStart := strings.Index(clinicalNote, "Lisinopril")
		registerModel(eng, "model-a", raw("Lisinopril", "DRUG", drugStart, 0.9))

		descriptor := test.Descriptor(test.DescriptorOptions{
			Kind:      v1.KindKBProvider,
			ID:        "umls",
			SourceURL: "http://kb.example.com/umls",
		})
		err := eng.RegisterKB(ctx, descriptor, fake.NewKBProvider())
		Expect(errors.IsTrustRejected(err)).To(BeTrue())
		Expect(lo.Filter(eng.Components(), func(s hotswap.SlotInfo, _ int) bool {
			return s.Descriptor.Kind == v1.KindKBProvider
		})).To(BeEmpty())

		result, err := eng.Process(ctx, clinicalNote, "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(HaveField("ComponentID", "umls")))
		drug := entityAt(result.Entities, drugStart, "DRUG")
		Expect(drug).ToNot(BeNil())
		Expect(drug.KBID).To(BeEmpty())
	})
	It("should reject a swap candidate the policy does not trust", func() {
		eng := newEngine(engine.WithTrustPolicy(policy))
		registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.9))
		descriptor := test.Descriptor(test.DescriptorOptions{
			ID:        "model-a",
			Version:   "2.0.0",
			SourceURL: "http://models.example.com/model-a",
		})
		err := eng.PrepareSwap(ctx, descriptor, fake.NewNERModel())
		Expect(errors.IsTrustRejected(err)).To(BeTrue())
		Expect(eng.ExecuteSwap(ctx, v1.KindNERModel, "model-a")).ToNot(Succeed())
	})
	It("should refuse descriptors whose kind disagrees with the registration call", func() {
		eng := newEngine()
		descriptor := test.Descriptor(test.DescriptorOptions{Kind: v1.KindKBProvider, ID: "mislabeled"})
		err := eng.RegisterModel(ctx, descriptor, fake.NewNERModel())
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())
	})
})

var _ = Describe("Configuration", func() {
	writeConfig := func(path, body string) {
		ExpectWithOffset(1, os.WriteFile(path, []byte(body), 0o600)).To(Succeed())
	}
	It("should layer a config file over the defaults", func() {
		path := filepath.Join(GinkgoT().TempDir(), "lexgraph.yaml")
		writeConfig(path, "global:\n  max_text_bytes: 32\n")
		eng := newEngine(engine.WithConfigFile(path))
		registerModel(eng, "model-a")

		_, err := eng.Process(ctx, strings.Repeat("a", 64), "medical", nil)
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())
	})
	It("should pick up config file changes", func() {
		path := filepath.Join(GinkgoT().TempDir(), "lexgraph.yaml")
		writeConfig(path, "global:\n  max_text_bytes: 32\n")
		eng := newEngine(engine.WithConfigFile(path), engine.WithConfigWatch(true))
		registerModel(eng, "model-a")
		_, err := eng.Process(ctx, strings.Repeat("a", 64), "medical", nil)
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())

		writeConfig(path, "global:\n  max_text_bytes: 100000\n")
		Eventually(func() error {
			_, err := eng.Process(ctx, strings.Repeat("a", 64), "medical", nil)
			return err
		}).WithTimeout(3 * time.Second).WithPolling(100 * time.Millisecond).Should(Succeed())
	})
	It("should fail construction on an unreadable config file", func() {
		_, err := engine.New(
			engine.WithLogger(logr.Discard()),
			engine.WithConfigFile(filepath.Join(GinkgoT().TempDir(), "missing.yaml")),
		)
		Expect(err).To(HaveOccurred())
	})
	It("should fail construction on an invalid trust policy", func() {
		_, err := engine.New(
			engine.WithLogger(logr.Discard()),
			engine.WithTrustPolicy(trust.Policy{
				MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{v1.KindNERModel: "bogus"},
			}),
		)
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())
	})
})

var _ = Describe("Telemetry", func() {
	It("should stream samples to subscribers", func() {
		eng := newEngine()
		registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.9))
		samples, unsubscribe := eng.Telemetry(16)
		defer unsubscribe()

		_, err := eng.Process(ctx, "Aspirin", "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Eventually(samples).WithTimeout(2 * time.Second).Should(Receive(HaveField("ComponentID", "model-a")))
	})
	It("should stream samples from every stage that ran a component", func() {
		eng := newEngine()
		registerModel(eng, "model-a", raw("Aspirin", "DRUG", 0, 0.9))
		matcher := fake.NewPatternMatcher()
		matcher.Matches.Set(&[]pattern.RawMatch{{
			PatternID:  "mrn-matcher",
			Type:       "MRN",
			Text:       "MRN-00421",
			Start:      8,
			End:        17,
			Confidence: 0.9,
		}})
		descriptor := test.Descriptor(test.DescriptorOptions{Kind: v1.KindPatternMatcher, ID: "mrn-matcher", Domains: []string{"medical"}})
		Expect(eng.RegisterMatcher(ctx, descriptor, matcher)).To(Succeed())
		samples, unsubscribe := eng.Telemetry(16)
		defer unsubscribe()

		result, err := eng.Process(ctx, "Aspirin MRN-00421", "medical", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(entityAt(result.Entities, 8, "MRN")).ToNot(BeNil())
		Eventually(samples).WithTimeout(2 * time.Second).Should(Receive(SatisfyAll(
			HaveField("Kind", v1.KindNERModel),
			HaveField("ComponentID", "model-a"),
		)))
		Eventually(samples).WithTimeout(2 * time.Second).Should(Receive(SatisfyAll(
			HaveField("Kind", v1.KindPatternMatcher),
			HaveField("ComponentID", "mrn-matcher"),
			HaveField("Error", BeFalse()),
		)))
	})
})

var _ = Describe("Optimizer", func() {
	It("should validate trial parameters and track started trials", func() {
		eng := newEngine()
		err := eng.StartTrial("exp-1", v1.KindNERModel, "model-a", "model-b", 1.5, time.Minute)
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())
		Expect(eng.StartTrial("exp-1", v1.KindNERModel, "model-a", "model-b", 0.2, time.Minute)).To(Succeed())
		Expect(eng.Trials()).To(HaveLen(1))
	})
	It("should return no recommendation without a cohort", func() {
		eng := newEngine()
		Expect(eng.Recommend(v1.KindNERModel, "medical")).To(BeNil())
	})
})

var _ = Describe("Shutdown", func() {
	It("should retire every slot", func() {
		eng := newEngine()
		registerModel(eng, "model-a")
		registerKB(eng, "umls")
		Expect(eng.Shutdown(ctx)).To(Succeed())
		Expect(eng.Components()).To(BeEmpty())
	})
})
