package parse

import (
	"sort"
	"strings"
)

const fragmentsField = "raw_text_fragments"

func defaultSynonyms() map[string]string {
	return map[string]string{
		"text_fragments":       fragmentsField,
		"raw_text":             fragmentsField,
		"fragments":            fragmentsField,
		"norms":                "norm_references",
		"standards":            "norm_references",
		"referenced_norms":     "norm_references",
		"doc_number":           "document_number",
		"document_no":          "document_number",
		"rev":                  "revision",
		"version":              "revision",
		"valid_from":           "effective_date",
		"date":                 "effective_date",
		"type":                 "document_type",
		"doc_type":             "document_type",
		"compliance":           "compliance_status",
		"score":                "compliance_score",
		"met_requirements":     "requirements_met",
		"missing_requirements": "gaps",
	}
}

// normalizeRecord renames synonyms to canonical fields, trims strings and drops
// nulls in place. It returns the renames as "from->to".
func normalizeRecord(m map[string]any, synonyms map[string]string) []string {
	if m == nil {
		return nil
	}
	var renamed []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		canon := strings.ToLower(strings.TrimSpace(k))
		if to, ok := synonyms[canon]; ok {
			canon = to
		}
		if canon == k {
			continue
		}
		if _, exists := m[canon]; !exists {
			m[canon] = m[k]
			renamed = append(renamed, k+"->"+canon)
		}
		delete(m, k)
	}

	for k, v := range m {
		switch t := v.(type) {
		case nil:
			delete(m, k)
		case string:
			m[k] = strings.TrimSpace(t)
		}
	}

	// a single string where a list of fragments is expected
	if s, ok := m[fragmentsField].(string); ok {
		m[fragmentsField] = textLines(s)
	}
	return renamed
}
