package parse

import (
	"strings"
	"unicode"
)

// stripFences returns the body of the first ``` fenced block, or s trimmed
// when there is none.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	// skip the language tag line
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// stripComments removes // line comments outside double-quoted strings.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
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
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

var literals = map[string]string{
	"True":  "true",
	"False": "false",
	"None":  "null",
	"true":  "true",
	"false": "false",
	"null":  "null",
}

// repair rewrites the common ways models break JSON in one string-aware pass:
// trailing commas, bare keys, single-quoted strings, Python literals and raw
// newlines inside strings.
func repair(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 16)

	var quote rune // 0 outside a string
	esc := false
	for i := 0; i < len(rs); i++ {
		c := rs[i]

		if quote != 0 {
			switch {
			case esc:
				esc = false
				if quote == '\'' && c == '\'' {
					b.WriteRune('\'')
					continue
				}
				b.WriteRune('\\')
				b.WriteRune(c)
			case c == '\\':
				esc = true
			case c == quote:
				quote = 0
				b.WriteRune('"')
			case c == '"':
				b.WriteString(`\"`)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
			case c == '\t':
				b.WriteString(`\t`)
			default:
				b.WriteRune(c)
			}
			continue
		}

		switch {
		case c == '"' || c == '\'':
			quote = c
			b.WriteRune('"')
		case c == ',':
			if j := nextNonSpace(rs, i+1); j < len(rs) && (rs[j] == '}' || rs[j] == ']') {
				continue
			}
			b.WriteRune(c)
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '-') {
				j++
			}
			word := string(rs[i:j])
			if k := nextNonSpace(rs, j); k < len(rs) && rs[k] == ':' {
				b.WriteString(`"` + word + `"`)
			} else if lit, ok := literals[word]; ok {
				b.WriteString(lit)
			} else {
				b.WriteString(word)
			}
			i = j - 1
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func nextNonSpace(rs []rune, i int) int {
	for i < len(rs) && unicode.IsSpace(rs[i]) {
		i++
	}
	return i
}
