// Package verify cross-checks the structured-analysis reference text against
// an independently derived word set and grades the coverage.
package verify

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
)

// FuzzyMatch pairs a missing reference word with its closest candidate.
type FuzzyMatch struct {
	Term  string  `json:"term"`
	Match string  `json:"match"`
	Score float64 `json:"score"`
}

// CoverageReport is recomputed per run and never mutated.
type CoverageReport struct {
	ReferenceWords          []string              `json:"reference_words"`
	CandidateWords          []string              `json:"candidate_words"`
	Matched                 []string              `json:"matched"`
	Missing                 []string              `json:"missing"`
	FuzzyMatches            []FuzzyMatch          `json:"fuzzy_matches"`
	CoveragePercentage      float64               `json:"coverage_percentage"`
	FuzzyCoveragePercentage float64               `json:"fuzzy_coverage_percentage"`
	QualityTier             constants.QualityTier `json:"quality_tier"`
	RAGReady                bool                  `json:"rag_ready"`
	Recommendations         []string              `json:"recommendations"`
}

type Verifier struct {
	cfg common.VerifyConfig
}

// New validates the thresholds and returns a verifier.
func New(cfg common.VerifyConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg}, nil
}

// Default uses high=90, medium=70 and fuzzy=0.85.
func Default() *Verifier {
	return &Verifier{cfg: common.VerifyConfig{HighThreshold: 90, MediumThreshold: 70, FuzzyThreshold: 0.85}}
}

// Verify tokenizes reference with the stage-3 rule and compares it with the
// candidate words. Output slices are sorted so equal input gives equal output.
func (v *Verifier) Verify(reference, candidates []string) CoverageReport {
	ref := make(map[string]struct{})
	for _, f := range reference {
		for _, tok := range Tokenize(f) {
			ref[tok] = struct{}{}
		}
	}
	cand := make(map[string]struct{})
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if utf8.RuneCountInString(c) >= minTokenRunes {
			cand[c] = struct{}{}
		}
	}

	rep := CoverageReport{
		ReferenceWords:  sortedKeys(ref),
		CandidateWords:  sortedKeys(cand),
		Matched:         []string{},
		Missing:         []string{},
		FuzzyMatches:    []FuzzyMatch{},
		Recommendations: []string{},
	}
	for _, w := range rep.ReferenceWords {
		if _, ok := cand[w]; ok {
			rep.Matched = append(rep.Matched, w)
		} else {
			rep.Missing = append(rep.Missing, w)
		}
	}

	rep.FuzzyMatches = v.fuzzy(rep.Missing, rep.CandidateWords, ref)

	if n := len(rep.ReferenceWords); n > 0 {
		rep.CoveragePercentage = round2(float64(len(rep.Matched)) / float64(n) * 100)
		rep.FuzzyCoveragePercentage = round2(float64(len(rep.Matched)+len(rep.FuzzyMatches)) / float64(n) * 100)
	}

	switch {
	case rep.CoveragePercentage >= v.cfg.HighThreshold:
		rep.QualityTier, rep.RAGReady = constants.QualityHigh, true
	case rep.CoveragePercentage >= v.cfg.MediumThreshold:
		rep.QualityTier = constants.QualityMedium
	default:
		rep.QualityTier = constants.QualityLow
	}
	rep.Recommendations = v.recommend(rep)
	return rep
}

// fuzzy pairs each missing word with the most similar candidate that is not a
// reference word. A candidate is used at most once.
func (v *Verifier) fuzzy(missing, candidates []string, ref map[string]struct{}) []FuzzyMatch {
	out := []FuzzyMatch{}
	used := make(map[string]bool)
	for _, term := range missing {
		best, bestScore := "", 0.0
		for _, c := range candidates {
			if _, isRef := ref[c]; isRef || used[c] {
				continue
			}
			if s := levenshtein.Similarity(term, c, nil); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best != "" && bestScore >= v.cfg.FuzzyThreshold {
			used[best] = true
			out = append(out, FuzzyMatch{Term: term, Match: best, Score: round2(bestScore)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

func (v *Verifier) recommend(rep CoverageReport) []string {
	var out []string
	if len(rep.ReferenceWords) == 0 {
		return append(out, "no reference text extracted: structured analysis returned no raw_text_fragments")
	}
	if rep.CoveragePercentage >= v.cfg.HighThreshold {
		return []string{}
	}
	out = append(out, fmt.Sprintf("%d of %d words missing: manual review recommended",
		len(rep.Missing), len(rep.ReferenceWords)))
	if rep.QualityTier == constants.QualityLow {
		out = append(out, fmt.Sprintf("coverage %.2f%% is below %.0f%%: re-run the analysis with a stronger provider or a higher render DPI",
			rep.CoveragePercentage, v.cfg.MediumThreshold))
	}
	if n := len(rep.FuzzyMatches); n > 0 {
		fm := rep.FuzzyMatches[0]
		out = append(out, fmt.Sprintf("%d missing words have close variants (e.g. %q ~ %q): check for recognition errors",
			n, fm.Term, fm.Match))
	}
	if len(rep.Missing) > 0 {
		out = append(out, "missing: "+strings.Join(head(rep.Missing, 10), ", "))
	}
	return out
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
