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

package pattern_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/config"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/fake"
	"github.com/lexgraph/lexgraph/pkg/hotswap"
	"github.com/lexgraph/lexgraph/pkg/providers/pattern"
	"github.com/lexgraph/lexgraph/pkg/telemetry"
	"github.com/lexgraph/lexgraph/pkg/test"
)

var (
	ctx      context.Context
	stop     context.CancelFunc
	cfg      *config.PipelineConfig
	manager  *hotswap.Manager
	store    *telemetry.Store
	provider *pattern.Provider
)

func TestPattern(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PatternProvider")
}

var _ = BeforeEach(func() {
	ctx, stop = context.WithCancel(context.Background())
	cfg = config.Default()
	manager = hotswap.NewManager(clock.RealClock{})
	store = telemetry.NewStore(100, 1000)
	store.Start(ctx)
	provider = pattern.NewProvider(manager, store, clock.RealClock{})
})

var _ = AfterEach(func() {
	stop()
})

func match(text, domain string) *pattern.MatchResult {
	return provider.Match(ctx, text, domain, cfg)
}

func byType(result *pattern.MatchResult, entityType string) []v1.EntityRecord {
	return lo.Filter(result.Entities, func(e v1.EntityRecord, _ int) bool { return e.Type == entityType })
}

var _ = Describe("MedicalPack", func() {
	It("should extract and validate an ICD-10 code", func() {
		result := match("Patient diagnosed with E11.9 and hypertension.", "medical")
		codes := byType(result, "ICD10_CODE")
		Expect(codes).To(HaveLen(1))
		Expect(codes[0].Text).To(Equal("E11.9"))
		Expect(codes[0].Validated).To(BeTrue())
		// base 0.8 plus the supporting keyword boost
		Expect(codes[0].Confidence).To(BeNumerically("~", 0.95, 1e-9))
		Expect(codes[0].SourceStage).To(Equal(v1.SourceStagePattern))
	})
	It("should retain a code from an excluded chapter as unvalidated", func() {
		result := match("Chart listed U07.1 as the cause.", "medical")
		codes := byType(result, "ICD10_CODE")
		Expect(codes).To(HaveLen(1))
		Expect(codes[0].Validated).To(BeFalse())
		// base 0.8 minus the validation penalty
		Expect(codes[0].Confidence).To(BeNumerically("~", 0.6, 1e-9))
	})
	It("should penalize matches near a negating keyword", func() {
		result := match("The model A12 unit shipped in May.", "medical")
		codes := byType(result, "ICD10_CODE")
		Expect(codes).To(HaveLen(1))
		Expect(codes[0].Validated).To(BeTrue())
		Expect(codes[0].Confidence).To(BeNumerically("~", 0.6, 1e-9))
	})
	It("should validate CPT codes against the declared ranges", func() {
		valid := match("procedure 80048 performed", "medical")
		Expect(byType(valid, "CPT_CODE")[0].Validated).To(BeTrue())

		cfg.Patterns.MinConfidence = 0
		invalid := match("procedure 99999 performed", "medical")
		Expect(byType(invalid, "CPT_CODE")[0].Validated).To(BeFalse())
	})
	It("should normalize dosage units", func() {
		result := match("Take 10 ug daily with food.", "medical")
		doses := byType(result, "DOSAGE")
		Expect(doses).To(HaveLen(1))
		Expect(doses[0].NormalizedText).To(Equal("10 mcg"))
		Expect(doses[0].Validated).To(BeTrue())
	})
	It("should canonicalize administration routes", func() {
		result := match("administer 5 mg PO daily", "medical")
		Expect(byType(result, "DOSAGE")).To(HaveLen(1))
		routes := byType(result, "ROUTE")
		Expect(routes).To(HaveLen(1))
		Expect(routes[0].NormalizedText).To(Equal("PO"))
	})
})

var _ = Describe("LegalPack", func() {
	It("should extract and normalize a USC citation", func() {
		result := match("claims under 42 U.S.C. 1983 were dismissed", "legal")
		citations := byType(result, "USC_CITATION")
		Expect(citations).To(HaveLen(1))
		Expect(citations[0].NormalizedText).To(Equal("42 U.S.C. § 1983"))
		Expect(citations[0].Validated).To(BeTrue())
	})
	It("should mark title 53 as unvalidated", func() {
		result := match("pursuant to 53 U.S.C. 101", "legal")
		citations := byType(result, "USC_CITATION")
		Expect(citations).To(HaveLen(1))
		Expect(citations[0].Validated).To(BeFalse())
	})
	It("should extract and normalize a CFR citation", func() {
		result := match("exempt per regulation 40 CFR 261.4", "legal")
		citations := byType(result, "CFR_CITATION")
		Expect(citations).To(HaveLen(1))
		Expect(citations[0].NormalizedText).To(Equal("40 C.F.R. § 261.4"))
		Expect(citations[0].Validated).To(BeTrue())
	})
	It("should validate case citations against the reporter allow-list", func() {
		result := match("See 410 U.S. 113 for the holding.", "legal")
		citations := byType(result, "CASE_CITATION")
		Expect(citations).To(HaveLen(1))
		Expect(citations[0].Validated).To(BeTrue())
	})
})

var _ = Describe("Normalization", func() {
	It("should be idempotent for every built-in rule", func() {
		samples := map[string][]string{
			"icd10":         {"E11.9", "A12"},
			"dosage":        {"10 ug", "5 CC", "2.5 mg"},
			"route":         {"orally", "IV", "topical"},
			"usc":           {"42 USC 1983", "18 U.S.C. § 922(g)"},
			"cfr":           {"40 CFR 261.4"},
			"case-citation": {"410 U.S. 113", "98 S.Ct. 2733"},
		}
		for _, pack := range pattern.BuiltinPacks() {
			for _, rule := range pack.Rules {
				if rule.Normalize == nil {
					continue
				}
				for _, sample := range samples[rule.ID] {
					once := rule.Normalize(sample)
					Expect(rule.Normalize(once)).To(Equal(once), "rule %s on %q", rule.ID, sample)
				}
			}
		}
	})
})

var _ = Describe("DomainSelection", func() {
	It("should run no packs for an untagged request by default", func() {
		result := match("Patient prescribed 10 mg daily", "")
		Expect(result.Entities).To(BeEmpty())
		Expect(result.ComponentsUsed).To(BeEmpty())
	})
	It("should union packs that clear the cue threshold when auto-detect is on", func() {
		cfg.Patterns.AutoDetectDomain = true
		result := match("Patient prescribed 10 mg daily", "")
		Expect(result.ComponentsUsed).To(ConsistOf("medical"))
		Expect(byType(result, "DOSAGE")).To(HaveLen(1))
	})
	It("should ignore packs outside the configured set", func() {
		cfg.Patterns.Domains = []string{"legal"}
		result := match("Patient diagnosed with E11.9", "medical")
		Expect(result.Entities).To(BeEmpty())
	})
})

var _ = Describe("CustomMatchers", func() {
	It("should run registered matchers serving the domain", func() {
		matcher := fake.NewPatternMatcher()
		matcher.Matches.Set(&[]pattern.RawMatch{{PatternID: "lot", Type: "LOT_NUMBER", Text: "LOT-9", Start: 0, End: 5, Confidence: 0.9}})
		Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{
			Kind: v1.KindPatternMatcher, ID: "lot-matcher", Domains: []string{"medical"},
		}), matcher)).To(Succeed())

		result := match("LOT-9 recorded for the patient", "medical")
		Expect(result.ComponentsUsed).To(ContainElement("lot-matcher"))
		Expect(byType(result, "LOT_NUMBER")).To(HaveLen(1))
	})
	It("should skip matchers tagged for other domains", func() {
		matcher := fake.NewPatternMatcher()
		Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{
			Kind: v1.KindPatternMatcher, ID: "citations", Domains: []string{"legal"},
		}), matcher)).To(Succeed())

		match("Patient diagnosed with E11.9", "medical")
		Expect(matcher.CalledWith.Len()).To(BeZero())
	})
	It("should push one telemetry sample per matcher that ran", func() {
		matcher := fake.NewPatternMatcher()
		matcher.Matches.Set(&[]pattern.RawMatch{
			{PatternID: "mrn", Type: "MRN", Text: "MRN-1234", Start: 0, End: 8, Confidence: 0.97},
			{PatternID: "mrn", Type: "MRN", Text: "MRN-9999", Start: 50, End: 40, Confidence: 0.97},
		})
		Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{
			Kind: v1.KindPatternMatcher, ID: "mrn-matcher", Domains: []string{"medical"},
		}), matcher)).To(Succeed())

		result := match("MRN-1234 admitted today", "medical")
		Expect(byType(result, "MRN")).To(HaveLen(1))

		var samples []v1.PerformanceSample
		Eventually(func() []v1.PerformanceSample {
			samples = store.ComponentWindow(v1.KindPatternMatcher, "mrn-matcher")
			return samples
		}).Should(HaveLen(1))
		Expect(samples[0].Domain).To(Equal("medical"))
		Expect(samples[0].Error).To(BeFalse())
		// one of the two emitted spans is malformed and gets dropped
		Expect(samples[0].AccuracyProxy).To(BeNumerically("~", 0.5, 1e-9))
		Expect(samples[0].LatencyMS).To(BeNumerically(">=", 0))
	})
	It("should mark the sample when a matcher fails", func() {
		Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{
			Kind: v1.KindPatternMatcher, ID: "broken", Domains: []string{"medical"},
		}), fake.NewKBProvider())).To(Succeed())

		match("Patient diagnosed with E11.9", "medical")
		Eventually(func() []v1.PerformanceSample {
			return store.ComponentWindow(v1.KindPatternMatcher, "broken")
		}).Should(ContainElement(And(
			HaveField("Error", BeTrue()),
			HaveField("ErrorKind", Equal(string(errors.KindComponentError))),
		)))
	})
	It("should resolve overlaps in favor of the higher confidence", func() {
		matcher := fake.NewPatternMatcher()
		matcher.Matches.Set(&[]pattern.RawMatch{{PatternID: "override", Type: "STUDY_CODE", Text: "E11.9", Start: 23, End: 28, Confidence: 0.99}})
		Expect(manager.Register(ctx, test.Descriptor(test.DescriptorOptions{
			Kind: v1.KindPatternMatcher, ID: "study-codes", Domains: []string{"medical"},
		}), matcher)).To(Succeed())

		result := match("Patient diagnosed with E11.9", "medical")
		Expect(byType(result, "STUDY_CODE")).To(HaveLen(1))
		Expect(byType(result, "ICD10_CODE")).To(BeEmpty())
	})
})

var _ = Describe("Filtering", func() {
	It("should drop matches below min_confidence", func() {
		cfg.Patterns.MinConfidence = 0.9
		// no supporting keyword nearby, so the code stays at its base
		result := match("record shows E11.9 only", "medical")
		Expect(byType(result, "ICD10_CODE")).To(BeEmpty())
	})
	It("should sort entities by start then descending end", func() {
		result := match("Take 10 mg PO after diagnosis of E11.9", "medical")
		starts := lo.Map(result.Entities, func(e v1.EntityRecord, _ int) int { return e.Start })
		Expect(starts).To(Equal(lo.Map(result.Entities, func(e v1.EntityRecord, _ int) int { return e.Start })))
		for i := 1; i < len(result.Entities); i++ {
			Expect(result.Entities[i].Start).To(BeNumerically(">=", result.Entities[i-1].Start))
		}
	})
})
