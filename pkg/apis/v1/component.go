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

package v1

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
)

// ComponentKind enumerates the swappable component families.
type ComponentKind string

const (
	KindNERModel       ComponentKind = "ner_model"
	KindKBProvider     ComponentKind = "kb_provider"
	KindPatternMatcher ComponentKind = "pattern_matcher"
)

var ComponentKinds = []ComponentKind{KindNERModel, KindKBProvider, KindPatternMatcher}

// TrustLevel classifies a component source at registration time. Levels are
// totally ordered; see Rank.
type TrustLevel string

const (
	TrustLevelBlocked    TrustLevel = "blocked"
	TrustLevelUntrusted  TrustLevel = "untrusted"
	TrustLevelUnverified TrustLevel = "unverified"
	TrustLevelVerified   TrustLevel = "verified"
	TrustLevelTrusted    TrustLevel = "trusted"
)

var trustLevelRank = map[TrustLevel]int{
	TrustLevelBlocked:    0,
	TrustLevelUntrusted:  1,
	TrustLevelUnverified: 2,
	TrustLevelVerified:   3,
	TrustLevelTrusted:    4,
}

// Rank maps the level onto its position in the total order. Unknown levels
// rank below blocked so they can never satisfy a policy minimum.
func (t TrustLevel) Rank() int {
	if r, ok := trustLevelRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t satisfies a policy minimum of min.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t.Rank() >= min.Rank()
}

// ComponentDescriptor identifies one swappable unit: a NER model, a KB
// provider, or a pattern matcher. Descriptors are immutable once registered;
// the trust validator fills TrustLevel before any slot is created.
type ComponentDescriptor struct {
	Kind                 ComponentKind `json:"kind"`
	ID                   string        `json:"id"`
	Version              string        `json:"version"`
	SourceURL            string        `json:"source_url"`
	Domains              []string      `json:"domains,omitempty"`
	DeclaredCapabilities []string      `json:"declared_capabilities,omitempty"`
	Checksum             string        `json:"checksum,omitempty"`
	TrustLevel           TrustLevel    `json:"trust_level,omitempty"`

	// Selection inputs for NER models. F1ByDomain holds declared or measured
	// F1 per domain; ProviderWeight reflects operator confidence in the
	// publisher, in [0,1].
	F1ByDomain     map[string]float64 `json:"f1_by_domain,omitempty"`
	ProviderWeight float64            `json:"provider_weight,omitempty"`
}

// ServesDomain reports eligibility for a domain tag. A descriptor with no
// domains is domain-agnostic and serves every domain including the empty one;
// a tagged descriptor serves only its tags.
func (c *ComponentDescriptor) ServesDomain(domain string) bool {
	if len(c.Domains) == 0 {
		return true
	}
	if domain == "" {
		return false
	}
	return lo.Contains(c.Domains, domain)
}

// F1 returns the declared F1 for the domain, falling back to the empty-domain
// entry for agnostic descriptors.
func (c *ComponentDescriptor) F1(domain string) float64 {
	if f1, ok := c.F1ByDomain[domain]; ok {
		return f1
	}
	return c.F1ByDomain[""]
}

// Coverage is the fraction of required entity types the component claims to
// emit. An empty requirement list counts as full coverage.
func (c *ComponentDescriptor) Coverage(requiredTypes []string) float64 {
	if len(requiredTypes) == 0 {
		return 1.0
	}
	claimed := lo.CountBy(requiredTypes, func(t string) bool {
		return lo.Contains(c.DeclaredCapabilities, t)
	})
	return float64(claimed) / float64(len(requiredTypes))
}

func (c *ComponentDescriptor) Hash() string {
	return fmt.Sprint(lo.Must(hashstructure.Hash(c, hashstructure.FormatV2, &hashstructure.HashOptions{
		SlicesAsSets:    true,
		IgnoreZeroValue: true,
		ZeroNil:         true,
	})))
}

func (c *ComponentDescriptor) String() string {
	return fmt.Sprintf("%s/%s@%s", c.Kind, c.ID, c.Version)
}
