package verify

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var reToken = regexp.MustCompile(`[\p{L}\p{N}\-/()]+`)

const (
	minTokenRunes = 2
	// Digit runs this long are kept as identifiers (ISO 13485, DIN 5008).
	minStandardNumber = 4
)

// Extraction is the stage-3 output.
type Extraction struct {
	Words             []string `json:"extracted_words"`
	Total             int      `json:"total_words"`
	DuplicatesRemoved int      `json:"duplicates_removed"`
}

// Tokenize splits text into lowercase word tokens made of letters, digits,
// hyphens, slashes and parentheses. Tokens shorter than two runes and numeric
// tokens are dropped, except bare digit runs of at least four digits.
func Tokenize(text string) []string {
	var out []string
	for _, raw := range reToken.FindAllString(text, -1) {
		tok := strings.ToLower(strings.Trim(raw, "-/()"))
		if utf8.RuneCountInString(tok) < minTokenRunes {
			continue
		}
		if !hasLetter(tok) && !isStandardNumber(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Extract tokenizes every fragment and returns the sorted distinct words.
func Extract(fragments []string) Extraction {
	seen := make(map[string]struct{})
	total := 0
	for _, f := range fragments {
		for _, tok := range Tokenize(f) {
			total++
			seen[tok] = struct{}{}
		}
	}
	words := sortedKeys(seen)
	return Extraction{Words: words, Total: total, DuplicatesRemoved: total - len(words)}
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func isStandardNumber(s string) bool {
	if len(s) < minStandardNumber {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
