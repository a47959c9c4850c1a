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

package trust_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	"github.com/lexgraph/lexgraph/pkg/errors"
	"github.com/lexgraph/lexgraph/pkg/test"
	"github.com/lexgraph/lexgraph/pkg/trust"
)

var validator *trust.Validator

func TestTrust(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Trust")
}

var _ = BeforeEach(func() {
	validator = trust.NewValidator(trust.Policy{
		MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{
			v1.KindNERModel:       v1.TrustLevelUnverified,
			v1.KindKBProvider:     v1.TrustLevelTrusted,
			v1.KindPatternMatcher: v1.TrustLevelUnverified,
		},
		RequiredSchemes: []string{"https"},
		AllowedSources:  []string{"models.example.com", "kb.example.com"},
		BlockedSources:  []string{"malware.example.org"},
	})
})

var _ = Describe("Classification", func() {
	It("should classify blocked sources as BLOCKED ahead of every other rule", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			SourceURL: "https://malware.example.org/model",
		}))
		Expect(err).To(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelBlocked))
		Expect(decision.Allowed).To(BeFalse())
	})
	It("should classify allow-listed https sources as TRUSTED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			SourceURL: "https://models.example.com/biobert",
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelTrusted))
		Expect(decision.Allowed).To(BeTrue())
	})
	It("should match allow-list entries by subdomain", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			SourceURL: "https://eu.models.example.com/biobert",
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelTrusted))
	})
	It("should classify unknown sources as UNVERIFIED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			SourceURL: "https://random.example.net/model",
		}))
		Expect(err).ToNot(HaveOccurred()) // ner minimum is unverified
		Expect(decision.Level).To(Equal(v1.TrustLevelUnverified))
		Expect(decision.Allowed).To(BeTrue())
	})
	It("should classify scheme violations on allow-listed sources as UNTRUSTED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			Kind:      v1.KindKBProvider,
			ID:        "umls",
			SourceURL: "http://kb.example.com/umls",
		}))
		Expect(err).To(HaveOccurred())
		Expect(errors.IsTrustRejected(err)).To(BeTrue())
		Expect(decision.Level).To(Equal(v1.TrustLevelUntrusted))
	})
	It("should classify unparseable source urls as UNVERIFIED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			Kind:      v1.KindKBProvider,
			ID:        "umls",
			SourceURL: "not-a-url",
		}))
		Expect(err).To(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelUnverified))
	})
})

var _ = Describe("Checksums", func() {
	BeforeEach(func() {
		validator = trust.NewValidator(trust.Policy{
			MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{v1.KindNERModel: v1.TrustLevelTrusted},
			AllowedSources:      []string{"models.example.com"},
			RequireChecksum:     true,
			ChecksumsByID:       map[string]string{"model-a": "sha256:abc123"},
		})
	})

	It("should demand a matching checksum for TRUSTED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{Checksum: "sha256:abc123"}))
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelTrusted))
	})
	It("should classify mismatched checksums as UNTRUSTED", func() {
		decision, err := validator.Validate(test.Descriptor(test.DescriptorOptions{Checksum: "sha256:tampered"}))
		Expect(err).To(HaveOccurred())
		Expect(errors.IsTrustRejected(err)).To(BeTrue())
		Expect(decision.Level).To(Equal(v1.TrustLevelUntrusted))
	})
	It("should classify missing checksums as UNTRUSTED", func() {
		decision, err := validator.Validate(test.Descriptor())
		Expect(err).To(HaveOccurred())
		Expect(decision.Level).To(Equal(v1.TrustLevelUntrusted))
	})
})

var _ = Describe("Policy", func() {
	It("should gate each kind by its own minimum", func() {
		_, err := validator.Validate(test.Descriptor(test.DescriptorOptions{
			SourceURL: "https://random.example.net/model",
		}))
		Expect(err).ToNot(HaveOccurred())

		_, err = validator.Validate(test.Descriptor(test.DescriptorOptions{
			Kind:      v1.KindKBProvider,
			ID:        "mystery-kb",
			SourceURL: "https://random.example.net/kb",
		}))
		Expect(errors.IsTrustRejected(err)).To(BeTrue())
	})
	It("should default unknown kinds closed to TRUSTED", func() {
		policy := trust.Policy{}
		Expect(policy.Min(v1.KindPatternMatcher)).To(Equal(v1.TrustLevelTrusted))
	})
	It("should reject unknown levels in validation", func() {
		policy := trust.Policy{MinTrustLevelByKind: map[v1.ComponentKind]v1.TrustLevel{v1.KindNERModel: "sorta"}}
		Expect(policy.Validate()).ToNot(Succeed())
	})
	It("should serve repeat decisions from the cache", func() {
		descriptor := test.Descriptor()
		first, err := validator.Validate(descriptor)
		Expect(err).ToNot(HaveOccurred())
		second, err := validator.Validate(descriptor)
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(first))
	})
})
