package ocr

import (
	"regexp"
	"strings"
)

var (
	reDate     = regexp.MustCompile(`\b\d{1,2}[./]\d{1,2}[./](19|20)\d{2}\b|\b(19|20)\d{2}-\d{2}-\d{2}\b`)
	reNorm     = regexp.MustCompile(`(?i)\b(iso|din|en|iec)\s*\d{3,5}\b`)
	reRevision = regexp.MustCompile(`(?i)\b(rev(ision)?|version|stand|ausgabe)\b`)
)

// heuristicConfidence scores decoded text by the artifacts a QM document
// usually carries: dates, norm references and revision markers.
func heuristicConfidence(txt string) float32 {
	score := float32(0.2)
	if reDate.MatchString(txt) {
		score += 0.2
	}
	if reNorm.MatchString(txt) {
		score += 0.2
	}
	if reRevision.MatchString(strings.ToLower(txt)) {
		score += 0.15
	}
	if len(txt) > 200 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// blendConfidence weights engine confidence over the heuristic when present.
func blendConfidence(engine float32, txt string) float32 {
	heur := heuristicConfidence(txt)
	if engine <= 0 {
		return heur
	}
	c := 0.7*engine + 0.3*heur
	if c > 1 {
		c = 1
	}
	return c
}
