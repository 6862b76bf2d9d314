package constants

import (
	"strings"
)

type DocumentType string

const (
	Generic         DocumentType = "generic"
	QMHandbook      DocumentType = "qm_handbook"
	Procedure       DocumentType = "procedure"
	WorkInstruction DocumentType = "work_instruction"
	Form            DocumentType = "form"
	Certificate     DocumentType = "certificate"
)

var allDocumentTypes = []DocumentType{
	Generic,
	QMHandbook,
	Procedure,
	WorkInstruction,
	Form,
	Certificate,
}

func DocumentTypes() []string {
	result := make([]string, len(allDocumentTypes))
	for i, dt := range allDocumentTypes {
		result[i] = string(dt)
	}
	return result
}

// CanonicalDocumentType maps free-form labels (including common German QM terms)
// onto a known document type. Unknown labels resolve to Generic with ok=false.
func CanonicalDocumentType(input string) (DocumentType, bool) {
	if input == "" {
		return Generic, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	synonyms := map[string]DocumentType{
		"qmh":                 QMHandbook,
		"handbook":            QMHandbook,
		"qm_handbuch":         QMHandbook,
		"handbuch":            QMHandbook,
		"sop":                 Procedure,
		"verfahrensanweisung": Procedure,
		"va":                  Procedure,
		"wi":                  WorkInstruction,
		"arbeitsanweisung":    WorkInstruction,
		"aa":                  WorkInstruction,
		"formblatt":           Form,
		"formular":            Form,
		"checklist":           Form,
		"zertifikat":          Certificate,
		"certification":       Certificate,
	}
	if dt, ok := synonyms[normalized]; ok {
		return dt, true
	}

	for _, dt := range allDocumentTypes {
		if normalized == string(dt) {
			return dt, true
		}
	}
	return Generic, false
}
