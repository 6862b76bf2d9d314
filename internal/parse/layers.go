package parse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Layer is one recovery strategy. It reports ok=false when it cannot produce
// a record from text.
type Layer func(text string, expected []string) (map[string]any, bool)

type namedLayer struct {
	name string
	fn   Layer
}

var layers = []namedLayer{
	{"direct", parseDirect},
	{"repair", parseRepaired},
	{"block_extraction", parseBlocks},
	{"fuzzy_fields", parseFuzzy},
	{"minimal", parseMinimal},
}

func decodeObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func parseDirect(text string, _ []string) (map[string]any, bool) {
	return decodeObject(stripComments(stripFences(text)))
}

func parseRepaired(text string, _ []string) (map[string]any, bool) {
	return decodeObject(repair(stripComments(stripFences(text))))
}

// parseBlocks scans for balanced {...} blocks outside strings and keeps the
// largest decodable one holding every expected field.
func parseBlocks(text string, expected []string) (map[string]any, bool) {
	var (
		best    map[string]any
		bestLen int
		stack   []int
	)
	inStr, esc := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if len(stack) > 0 {
				inStr = true
			}
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) == 0 {
				continue
			}
			start := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			block := text[start : i+1]
			if len(block) <= bestLen {
				continue
			}
			m, ok := decodeObject(block)
			if !ok {
				m, ok = decodeObject(repair(stripComments(block)))
			}
			if ok && hasAll(m, expected) {
				best, bestLen = m, len(block)
			}
		}
	}
	return best, best != nil
}

func hasAll(m map[string]any, fields []string) bool {
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return false
		}
	}
	return true
}

const minFuzzyFields = 3

var reQuoted = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)'`)

// parseFuzzy pulls individual fields out of text with per-field patterns for
// arrays, strings and numbers.
func parseFuzzy(text string, expected []string) (map[string]any, bool) {
	need := min(minFuzzyFields, len(expected))
	if need == 0 {
		return nil, false
	}
	out := make(map[string]any)
	for _, f := range expected {
		if v, ok := fuzzyField(text, f); ok {
			out[f] = v
		}
	}
	return out, len(out) >= need
}

func fuzzyField(text, field string) (any, bool) {
	key := `(?i)(?:^|[^\w])["']?` + regexp.QuoteMeta(field) + `["']?\s*[:=]\s*`

	if m := regexp.MustCompile(key + `\[([^\]]*)\]`).FindStringSubmatch(text); m != nil {
		return splitArray(m[1]), true
	}
	if m := regexp.MustCompile(key + `"((?:[^"\\]|\\.)*)"`).FindStringSubmatch(text); m != nil {
		return unquote(m[1]), true
	}
	if m := regexp.MustCompile(key + `'((?:[^'\\]|\\.)*)'`).FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := regexp.MustCompile(key + `(-?\d+(?:\.\d+)?)\b`).FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

func splitArray(body string) []any {
	out := []any{}
	if ms := reQuoted.FindAllStringSubmatch(body, -1); len(ms) > 0 {
		for _, m := range ms {
			if m[1] != "" || m[2] == "" {
				out = append(out, unquote(m[1]))
			} else {
				out = append(out, m[2])
			}
		}
		return out
	}
	for _, part := range strings.Split(body, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func unquote(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

var reKeyValue = regexp.MustCompile(`^[\s"'*\-]*([\p{L}_][\p{L}\p{N}_ ]{0,40}?)["']?\s*[:=]\s*(.+?)\s*,?\s*$`)

// parseMinimal reads `key: value` lines and always succeeds. Expected fields
// that are still missing are filled in by the parser's defaults.
func parseMinimal(text string, expected []string) (map[string]any, bool) {
	want := make(map[string]bool, len(expected))
	for _, f := range expected {
		want[f] = true
	}
	out := make(map[string]any)
	for _, ln := range strings.Split(stripFences(text), "\n") {
		m := reKeyValue.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), " ", "_")
		if len(want) > 0 && !want[key] {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = strings.Trim(m[2], `"'`)
	}
	return out, true
}

// textLines returns the content lines of text, skipping fences and bare
// punctuation.
func textLines(text string) []any {
	out := []any{}
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "```") || strings.Trim(ln, "{}[],:\"'") == "" {
			continue
		}
		out = append(out, ln)
	}
	return out
}
