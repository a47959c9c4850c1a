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

// Package trust decides at registration time whether a component source is
// allowed. The validator classifies the descriptor's source into a trust
// level and compares it against the policy minimum for the component's kind.
// It never loads or calls the component.
package trust

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
	lexcache "github.com/lexgraph/lexgraph/pkg/cache"
	"github.com/lexgraph/lexgraph/pkg/errors"
)

// Policy is the static trust configuration. Hosts construct it once at engine
// start; it is immutable afterwards.
type Policy struct {
	// MinTrustLevelByKind gates each component family. Kinds absent from the
	// map default closed to TRUSTED.
	MinTrustLevelByKind map[v1.ComponentKind]v1.TrustLevel `validate:"dive,oneof=blocked untrusted unverified verified trusted"`
	// RequiredSchemes lists acceptable URL schemes, e.g. ["https"]. Empty
	// accepts any scheme.
	RequiredSchemes []string
	// AllowedSources are source hosts that may reach TRUSTED. Matching is by
	// exact host or dot-suffix (models.example.com matches example.com).
	AllowedSources []string
	// BlockedSources always classify as BLOCKED, ahead of every other rule.
	BlockedSources []string
	// RequireChecksum demands a descriptor checksum that matches the
	// allow-list entry's pin before a source can be TRUSTED.
	RequireChecksum bool
	// ChecksumsByID pins expected checksums per component id when
	// RequireChecksum is set.
	ChecksumsByID map[string]string
}

func (p *Policy) Min(kind v1.ComponentKind) v1.TrustLevel {
	if lvl, ok := p.MinTrustLevelByKind[kind]; ok {
		return lvl
	}
	return v1.TrustLevelTrusted
}

func (p *Policy) Validate() error {
	var err error
	for kind, lvl := range p.MinTrustLevelByKind {
		if lvl.Rank() < 0 {
			err = multierr.Append(err, fmt.Errorf("min trust level for %s has unknown level %q", kind, lvl))
		}
	}
	return multierr.Append(err, validator.New().Struct(p))
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Level   v1.TrustLevel
	Allowed bool
	Reason  string
}

// Validator evaluates descriptors against one policy. Decisions are cached by
// descriptor hash; descriptors are immutable so the cache never goes stale
// within its TTL.
type Validator struct {
	policy    Policy
	decisions *cache.Cache
}

func NewValidator(policy Policy) *Validator {
	return &Validator{
		policy:    policy,
		decisions: cache.New(lexcache.TrustDecisionTTL, lexcache.DefaultCleanupInterval),
	}
}

// Validate classifies the descriptor and returns the decision. A disallowed
// component yields a TrustRejected error alongside the decision so callers
// can surface the reason.
func (v *Validator) Validate(descriptor v1.ComponentDescriptor) (Decision, error) {
	if cached, ok := v.decisions.Get(descriptor.Hash()); ok {
		return v.finish(descriptor, cached.(Decision))
	}
	decision := v.classify(descriptor)
	decision.Allowed = decision.Level.AtLeast(v.policy.Min(descriptor.Kind))
	v.decisions.SetDefault(descriptor.Hash(), decision)
	outcomes.WithLabelValues(string(descriptor.Kind), string(decision.Level), fmt.Sprint(decision.Allowed)).Inc()
	return v.finish(descriptor, decision)
}

func (v *Validator) finish(descriptor v1.ComponentDescriptor, decision Decision) (Decision, error) {
	if decision.Allowed {
		return decision, nil
	}
	return decision, errors.New(errors.KindTrustRejected, "component %s classified %s (%s), policy requires %s",
		&descriptor, decision.Level, decision.Reason, v.policy.Min(descriptor.Kind)).WithComponent(descriptor.ID)
}

func (v *Validator) classify(descriptor v1.ComponentDescriptor) Decision {
	source, err := url.Parse(descriptor.SourceURL)
	if err != nil || source.Host == "" {
		return Decision{Level: v1.TrustLevelUnverified, Reason: "source url is unparseable"}
	}
	host := strings.ToLower(source.Hostname())

	if matchesHost(host, v.policy.BlockedSources) {
		return Decision{Level: v1.TrustLevelBlocked, Reason: "source host is blocked"}
	}
	if !matchesHost(host, v.policy.AllowedSources) {
		return Decision{Level: v1.TrustLevelUnverified, Reason: "source host is not allow-listed"}
	}
	if len(v.policy.RequiredSchemes) > 0 && !lo.Contains(v.policy.RequiredSchemes, strings.ToLower(source.Scheme)) {
		return Decision{Level: v1.TrustLevelUntrusted, Reason: fmt.Sprintf("scheme %q is not permitted", source.Scheme)}
	}
	if v.policy.RequireChecksum {
		expected := v.policy.ChecksumsByID[descriptor.ID]
		if expected == "" || descriptor.Checksum != expected {
			return Decision{Level: v1.TrustLevelUntrusted, Reason: "checksum missing or mismatched"}
		}
	}
	return Decision{Level: v1.TrustLevelTrusted, Reason: "allow-listed source"}
}

// matchesHost reports whether host equals an entry or is a subdomain of one.
func matchesHost(host string, entries []string) bool {
	return lo.SomeBy(entries, func(entry string) bool {
		entry = strings.ToLower(entry)
		return host == entry || strings.HasSuffix(host, "."+entry)
	})
}

// Reset clears the decision cache. Used by tests.
func (v *Validator) Reset() {
	v.decisions.Flush()
}
