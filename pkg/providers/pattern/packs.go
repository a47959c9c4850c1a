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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const defaultBase = 0.8

// BuiltinPacks returns fresh copies of the packs that ship with the engine.
func BuiltinPacks() []Pack {
	return []Pack{medicalPack(), legalPack()}
}

var (
	icd10Parse  = regexp.MustCompile(`^([A-Z])[0-9]{2}`)
	dosageParse = regexp.MustCompile(`(?i)^([0-9]+(?:\.[0-9]+)?)\s*([a-zµ]+)$`)
	uscParse    = regexp.MustCompile(`(?i)^([0-9]{1,2})\s+U\.?\s?S\.?\s?C\.?\s*(?:§\s*)?([0-9]+[a-z]*(?:\([a-z0-9]+\))*)$`)
	cfrParse    = regexp.MustCompile(`(?i)^([0-9]{1,2})\s+C\.?\s?F\.?\s?R\.?\s*(?:§\s*)?([0-9]+(?:\.[0-9]+)*)$`)
	caseParse   = regexp.MustCompile(`^([0-9]+)\s+(.+?)\s+([0-9]+)$`)
)

// canonical dosage units, keyed by every accepted spelling
var dosageUnits = map[string]string{
	"mg": "mg", "mcg": "mcg", "µg": "mcg", "ug": "mcg",
	"g": "g", "kg": "kg",
	"ml": "mL", "cc": "mL",
	"unit": "units", "units": "units", "iu": "IU",
}

// canonical administration routes, keyed by every accepted spelling
var routes = map[string]string{
	"po": "PO", "oral": "PO", "orally": "PO",
	"iv": "IV", "intravenous": "IV", "intravenously": "IV",
	"im": "IM", "intramuscular": "IM",
	"sc": "SC", "subcutaneous": "SC", "subq": "SC",
	"sl": "SL", "sublingual": "SL",
	"pr": "PR", "topical": "TOP",
}

var caseReporters = map[string]struct{}{
	"U.S.":        {},
	"S. Ct.":      {},
	"F.2d":        {},
	"F.3d":        {},
	"F.4th":       {},
	"F. Supp.":    {},
	"F. Supp. 2d": {},
	"F. Supp. 3d": {},
}

// cptRanges are the code blocks CPT assigns; anything else is an arbitrary
// five digit number.
var cptRanges = [][2]int{
	{100, 1999},
	{10021, 69990},
	{70010, 79999},
	{80047, 89398},
	{90281, 99607},
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func medicalPack() Pack {
	return Pack{
		Name:     "medical",
		Revision: "1",
		Cues: []string{
			"patient", "diagnosis", "diagnosed", "prescribed", "dose", "dosage",
			"treatment", "symptoms", "hospital", "clinical", "mg", "physician",
		},
		Rules: []Rule{
			{
				ID:         "icd10",
				Type:       "ICD10_CODE",
				Expr:       `\b[A-Z][0-9]{2}(?:\.[0-9A-Z]{1,4})?\b`,
				Base:       defaultBase,
				Priority:   3,
				Supporting: []string{"diagnosis", "diagnosed", "icd", "condition", "billing code"},
				Negating:   []string{"serial", "part number", "model"},
				Validate: func(match string) bool {
					groups := icd10Parse.FindStringSubmatch(match)
					if groups == nil {
						return false
					}
					letter := groups[1][0]
					return (letter >= 'A' && letter <= 'T') || (letter >= 'V' && letter <= 'Z')
				},
				Normalize: func(match string) string {
					return collapseSpaces(strings.ToUpper(match))
				},
			},
			{
				ID:         "cpt",
				Type:       "CPT_CODE",
				Expr:       `\b[0-9]{5}\b`,
				Base:       0.6,
				Priority:   2,
				Supporting: []string{"cpt", "procedure", "billing", "performed"},
				Negating:   []string{"zip", "p.o. box", "suite"},
				Validate: func(match string) bool {
					code, err := strconv.Atoi(match)
					if err != nil {
						return false
					}
					for _, r := range cptRanges {
						if code >= r[0] && code <= r[1] {
							return true
						}
					}
					return false
				},
			},
			{
				ID:         "dosage",
				Type:       "DOSAGE",
				Expr:       `(?i)\b[0-9]+(?:\.[0-9]+)?\s*(?:mg|mcg|µg|ug|g|kg|ml|cc|units?|iu)\b`,
				Base:       defaultBase,
				Priority:   2,
				Supporting: []string{"prescribed", "dose", "take", "administer", "daily"},
				Negating:   []string{"weighs", "weight of", "distance"},
				Validate: func(match string) bool {
					groups := dosageParse.FindStringSubmatch(match)
					if groups == nil {
						return false
					}
					value, err := strconv.ParseFloat(groups[1], 64)
					if err != nil || value <= 0 {
						return false
					}
					_, known := dosageUnits[strings.ToLower(groups[2])]
					return known
				},
				Normalize: func(match string) string {
					groups := dosageParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return collapseSpaces(match)
					}
					unit, ok := dosageUnits[strings.ToLower(groups[2])]
					if !ok {
						unit = strings.ToLower(groups[2])
					}
					return groups[1] + " " + unit
				},
			},
			{
				ID:         "route",
				Type:       "ROUTE",
				Expr:       `(?i)\b(?:po|iv|im|sc|subq|sl|pr|oral(?:ly)?|intravenous(?:ly)?|intramuscular|subcutaneous|sublingual|topical)\b`,
				Base:       0.6,
				Priority:   1,
				Supporting: []string{"administer", "route", "given", "dose", "mg"},
				Negating:   []string{"post office", "italy"},
				Validate: func(match string) bool {
					_, known := routes[strings.ToLower(match)]
					return known
				},
				Normalize: func(match string) string {
					if canonical, ok := routes[strings.ToLower(match)]; ok {
						return canonical
					}
					return collapseSpaces(match)
				},
			},
		},
	}
}

func legalPack() Pack {
	return Pack{
		Name:     "legal",
		Revision: "1",
		Cues: []string{
			"plaintiff", "defendant", "court", "statute", "pursuant", "u.s.c.",
			"holding", "appeal", "motion", "jurisdiction", "cfr", "regulation",
		},
		Rules: []Rule{
			{
				ID:         "usc",
				Type:       "USC_CITATION",
				Expr:       `\b[0-9]{1,2}\s+U\.?\s?S\.?\s?C\.?\s*(?:§\s*)?[0-9]+[a-z]*(?:\([a-z0-9]+\))*`,
				Base:       defaultBase,
				Priority:   3,
				Supporting: []string{"pursuant", "under", "violation", "statute", "section"},
				Negating:   []string{"u.s. customs"},
				Validate: func(match string) bool {
					groups := uscParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return false
					}
					title, err := strconv.Atoi(groups[1])
					return err == nil && title >= 1 && title <= 54 && title != 53
				},
				Normalize: func(match string) string {
					groups := uscParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return collapseSpaces(match)
					}
					return fmt.Sprintf("%s U.S.C. § %s", groups[1], groups[2])
				},
			},
			{
				ID:         "cfr",
				Type:       "CFR_CITATION",
				Expr:       `\b[0-9]{1,2}\s+C\.?\s?F\.?\s?R\.?\s*(?:§\s*)?[0-9]+(?:\.[0-9]+)*`,
				Base:       defaultBase,
				Priority:   3,
				Supporting: []string{"regulation", "regulatory", "pursuant", "compliance"},
				Negating:   nil,
				Validate: func(match string) bool {
					groups := cfrParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return false
					}
					title, err := strconv.Atoi(groups[1])
					return err == nil && title >= 1 && title <= 50
				},
				Normalize: func(match string) string {
					groups := cfrParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return collapseSpaces(match)
					}
					return fmt.Sprintf("%s C.F.R. § %s", groups[1], groups[2])
				},
			},
			{
				ID:         "case-citation",
				Type:       "CASE_CITATION",
				Expr:       `\b[0-9]+\s+(?:U\.S\.|S\.\s?Ct\.|F\.2d|F\.3d|F\.4th|F\.\s?Supp\.(?:\s?2d|\s?3d)?)\s+[0-9]+\b`,
				Base:       defaultBase,
				Priority:   2,
				Supporting: []string{"v.", "held", "court", "see", "citing"},
				Negating:   nil,
				Validate: func(match string) bool {
					groups := caseParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return false
					}
					_, known := caseReporters[normalizeReporter(groups[2])]
					return known
				},
				Normalize: func(match string) string {
					groups := caseParse.FindStringSubmatch(collapseSpaces(match))
					if groups == nil {
						return collapseSpaces(match)
					}
					return fmt.Sprintf("%s %s %s", groups[1], normalizeReporter(groups[2]), groups[3])
				},
			},
		},
	}
}

// normalizeReporter pads the dotted abbreviations so "S.Ct." and "S. Ct."
// compare equal against the allow-list.
func normalizeReporter(reporter string) string {
	r := collapseSpaces(reporter)
	switch strings.ReplaceAll(r, " ", "") {
	case "S.Ct.":
		return "S. Ct."
	case "F.Supp.":
		return "F. Supp."
	case "F.Supp.2d":
		return "F. Supp. 2d"
	case "F.Supp.3d":
		return "F. Supp. 3d"
	}
	return r
}
