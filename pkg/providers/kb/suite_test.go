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

package kb_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/fake"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/providers/kb"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
	"github.com/lexgraph/lexgraph/pkg/test"
)

var (
	ctx      context.Context
	stop     context.CancelFunc
	cfg      *config.PipelineConfig
	manager  *hotswap.Manager
	store    *telemetry.Store
	tiered   *cache.TieredCache
	enricher *kb.Enricher
	umls     *fake.KBProvider
	rxnorm   *fake.KBProvider
)

func TestKB(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KBEnricher")
}

var _ = BeforeEach(func() {
	ctx, stop = context.WithCancel(context.Background())
	cfg = config.Default()
	cfg.KB.ChainByDomain = map[string][]string{"medical": {"umls", "rxnorm"}}
	manager = hotswap.NewManager(clock.RealClock{})
	store = telemetry.NewStore(100, 1000)
	store.Start(ctx)
	tiered = cache.NewTieredCache(1000)
	enricher = kb.NewEnricher(manager, tiered, store, 10, clock.RealClock{})
	umls = fake.NewKBProvider()
	rxnorm = fake.NewKBProvider()
	Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{Kind: v1.KindKBProvider, ID: "umls"}), umls)).To(Succeed())
	Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{Kind: v1.KindKBProvider, ID: "rxnorm"}), rxnorm)).To(Succeed())
})

var _ = AfterEach(func() {
	stop()
})

func enrich(entities ...v1.EntityRecord) *kb.Enrichment {
	return enricher.Enrich(ctx, entities, "medical", cfg)
}

var _ = Describe("Chain", func() {
	It("should decorate from the first knowledge base that answers", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		rxnorm.AddRecord("lisinopril", kb.Record{EntityID: "29046", CanonicalName: "lisinopril"})

		result := enrich(test.Entity())
		Expect(result.Entities).To(HaveLen(1))
		Expect(result.Entities[0].KBID).To(Equal("umls"))
		Expect(result.Entities[0].KBEntityID).To(Equal("C0065374"))
		Expect(result.Entities[0].CanonicalName).To(Equal("Lisinopril"))
		Expect(result.Entities[0].SourceStage).To(Equal(v1.SourceStageEnriched))
		Expect(rxnorm.LookupBehavior.Calls()).To(BeZero())
	})
	It("should fall through a miss to the next knowledge base", func() {
		rxnorm.AddRecord("lisinopril", kb.Record{EntityID: "29046", CanonicalName: "lisinopril"})

		result := enrich(test.Entity())
		Expect(result.Entities[0].KBID).To(Equal("rxnorm"))
		Expect(umls.LookupBehavior.Calls()).To(Equal(1))
	})
	It("should leave the entity untouched when the whole chain misses", func() {
		entity := test.Entity()
		result := enrich(entity)
		Expect(result.Entities[0]).To(Equal(entity))
		Expect(result.Entities[0].KBID).To(BeEmpty())
	})
	It("should never lower confidence while decorating", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		result := enrich(test.Entity(test.EntityOptions{Confidence: 0.92}))
		Expect(result.Entities[0].Confidence).To(Equal(0.92))
	})
	It("should skip an unregistered knowledge base with a warning", func() {
		cfg.KB.ChainByDomain["medical"] = []string{"umls", "snomed"}
		result := enrich(test.Entity())
		Expect(result.ComponentsUsed).To(Equal([]string{"umls"}))
		Expect(result.Warnings).To(ContainElement(HaveField("ComponentID", "snomed")))
	})
	It("should be a no-op for a domain with no chain", func() {
		entity := test.Entity()
		result := enricher.Enrich(ctx, []v1.EntityRecord{entity}, "maritime", cfg)
		Expect(result.Entities[0]).To(Equal(entity))
		Expect(result.ComponentsUsed).To(BeEmpty())
		Expect(umls.LookupBehavior.Calls()).To(BeZero())
	})
})

var _ = Describe("Eligibility", func() {
	It("should pass entities below the confidence floor through untouched", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		result := enrich(test.Entity(test.EntityOptions{Confidence: 0.5}))
		Expect(result.Entities[0].KBID).To(BeEmpty())
		Expect(umls.LookupBehavior.Calls()).To(BeZero())
	})
	It("should enrich low-confidence entities when enrich_all is set", func() {
		cfg.KB.EnrichAll = true
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		result := enrich(test.Entity(test.EntityOptions{Confidence: 0.5}))
		Expect(result.Entities[0].KBID).To(Equal("umls"))
	})
	It("should preserve input order with a mixed batch", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		low := test.Entity(test.EntityOptions{Text: "aspirin", Start: 20, Confidence: 0.4})
		high := test.Entity(test.EntityOptions{Start: 0})

		result := enrich(high, low)
		Expect(result.Entities[0].KBID).To(Equal("umls"))
		Expect(result.Entities[1].Text).To(Equal("aspirin"))
		Expect(result.Entities[1].KBID).To(BeEmpty())
	})
})

var _ = Describe("Cache", func() {
	It("should serve repeated lookups from the cache", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		Expect(enrich(test.Entity()).Entities[0].KBID).To(Equal("umls"))
		Expect(umls.LookupBehavior.Calls()).To(Equal(1))

		Expect(enrich(test.Entity()).Entities[0].KBID).To(Equal("umls"))
		Expect(umls.LookupBehavior.Calls()).To(Equal(1))
	})
	It("should treat surface forms differing only in case and spacing as one key", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		enrich(test.Entity(test.EntityOptions{Text: "Lisinopril"}))
		enrich(test.Entity(test.EntityOptions{Text: "  LISINOPRIL "}))
		Expect(umls.LookupBehavior.Calls()).To(Equal(1))
	})
	It("should round-trip relationships and semantic types through the cache", func() {
		umls.AddRecord("lisinopril", kb.Record{
			EntityID:      "C0065374",
			CanonicalName: "Lisinopril",
			SemanticTypes: []string{"T109", "T121"},
			Relationships: map[string][]string{"treats": {"hypertension"}},
		})
		enrich(test.Entity())
		result := enrich(test.Entity())
		Expect(result.Entities[0].SemanticTypes).To(ConsistOf("T109", "T121"))
		Expect(result.Entities[0].Relationships).To(HaveKeyWithValue("treats", ConsistOf("hypertension")))
	})
})

var _ = Describe("Failures", func() {
	It("should retry a transient failure once inside the lookup budget", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		umls.LookupBehavior.Error.Set(fmt.Errorf("connection reset"))

		result := enrich(test.Entity())
		Expect(result.Entities[0].KBID).To(Equal("umls"))
		Expect(result.Warnings).To(BeEmpty())
	})
	It("should warn and fall through when a knowledge base keeps failing", func() {
		umls.LookupBehavior.Error.Set(fmt.Errorf("connection reset"), fake.MaxCalls(-1))
		rxnorm.AddRecord("lisinopril", kb.Record{EntityID: "29046", CanonicalName: "lisinopril"})

		result := enrich(test.Entity())
		Expect(result.Entities[0].KBID).To(Equal("rxnorm"))
		Expect(result.Warnings).To(ContainElement(SatisfyAll(
			HaveField("ComponentID", "umls"),
			HaveField("Stage", v1.StageEnrichment),
		)))
	})
	It("should classify a lookup that outlives its budget as a timeout", func() {
		cfg.KB.PerLookupTimeoutMS = 20
		umls.SetDelay(500 * time.Millisecond)
		rxnorm.AddRecord("lisinopril", kb.Record{EntityID: "29046", CanonicalName: "lisinopril"})

		result := enrich(test.Entity())
		Expect(result.Entities[0].KBID).To(Equal("rxnorm"))
		Expect(result.Warnings).To(ContainElement(SatisfyAll(
			HaveField("ComponentID", "umls"),
			HaveField("Kind", string(errors.KindComponentTimeout)),
		)))
	})
	It("should open the breaker after repeated failures and skip the knowledge base", func() {
		umls.LookupBehavior.Error.Set(fmt.Errorf("connection reset"), fake.MaxCalls(-1))
		rxnorm.AddRecord("lisinopril", kb.Record{EntityID: "29046", CanonicalName: "lisinopril"})

		// each eligible entity drives up to two attempts through the breaker
		enrich(test.Entity(), test.Entity(test.EntityOptions{Text: "aspirin", Start: 20}))
		failed := umls.LookupBehavior.FailedCalls()
		Expect(failed).To(BeNumerically(">=", 3))

		result := enrich(test.Entity(test.EntityOptions{Text: "metformin", Start: 40}))
		Expect(result.Entities[0].KBID).To(BeEmpty())
		Expect(umls.LookupBehavior.FailedCalls()).To(Equal(failed))
	})
})

var _ = Describe("Telemetry", func() {
	It("should record a sample per lookup", func() {
		umls.AddRecord("lisinopril", kb.Record{EntityID: "C0065374", CanonicalName: "Lisinopril"})
		enrich(test.Entity())
		Eventually(func() []v1.PerformanceSample {
			return store.Snapshot(v1.SampleKey{Kind: v1.KindKBProvider, ComponentID: "umls", Domain: "medical"})
		}).Should(HaveLen(1))
	})
	It("should record error samples with their kind", func() {
		umls.LookupBehavior.Error.Set(fmt.Errorf("connection reset"), fake.MaxCalls(-1))
		enrich(test.Entity())
		Eventually(func() []v1.PerformanceSample {
			return store.Snapshot(v1.SampleKey{Kind: v1.KindKBProvider, ComponentID: "umls", Domain: "medical"})
		}).Should(ContainElement(HaveField("Error", true)))
	})
})
