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

package pattern

import (
	v1 "github.com/lexgraph/lexgraph/pkg/apis/v1"
)

// RawMatch is one span as a registered matcher emits it, before confidence
// adjustment and overlap resolution.
type RawMatch struct {
	PatternID  string  `json:"pattern_id"`
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Matcher is the contract a registered pattern matcher implements. Match must
// be pure with respect to its input.
type Matcher interface {
	Match(text string) []RawMatch
}

// Rule is one structured-text pattern inside a pack. Validate and Normalize
// are pure; a nil Validate always passes and a nil Normalize is the identity.
type Rule struct {
	ID         string
	Type       string
	Expr       string
	Base       float64
	Priority   int
	Supporting []string
	Negating   []string
	Validate   func(match string) bool
	Normalize  func(match string) string
}

// Pack groups the rules for one domain. Cues drive auto detection when a
// request carries no domain tag. Compiled packs are cached per
// (name, revision); bump Revision when replacing a pack's rules.
type Pack struct {
	Name     string
	Revision string
	Cues     []string
	Rules    []Rule
}

// MatchResult is the pattern stage output for one request.
type MatchResult struct {
	Entities       []v1.EntityRecord
	ComponentsUsed []string
	Warnings       []v1.Diagnostic
}
