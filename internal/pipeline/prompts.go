package pipeline

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/qmdoc/constants"
)

//go:embed prompts/*.yaml
var promptFS embed.FS

// PromptSet holds the prompts for one document type.
type PromptSet struct {
	DocumentType       string `yaml:"document_type"`
	System             string `yaml:"system"`
	ContextSetup       string `yaml:"context_setup"`
	StructuredAnalysis string `yaml:"structured_analysis"`
	NormCompliance     string `yaml:"norm_compliance"`
}

// Prompts maps document types to prompt sets. Types without a file, and
// prompts a file leaves empty, fall back to generic.
type Prompts struct {
	sets map[constants.DocumentType]PromptSet
}

// LoadPrompts reads the embedded prompt files.
func LoadPrompts() (*Prompts, error) {
	return loadPrompts(promptFS, "prompts")
}

func loadPrompts(fsys fs.FS, dir string) (*Prompts, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	p := &Prompts{sets: make(map[constants.DocumentType]PromptSet)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		b, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var ps PromptSet
		if err := yaml.Unmarshal(b, &ps); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		dt, ok := constants.CanonicalDocumentType(ps.DocumentType)
		if !ok {
			return nil, fmt.Errorf("%s: unknown document_type %q", e.Name(), ps.DocumentType)
		}
		p.sets[dt] = ps
	}
	g, ok := p.sets[constants.Generic]
	if !ok || g.System == "" || g.ContextSetup == "" || g.StructuredAnalysis == "" || g.NormCompliance == "" {
		return nil, fmt.Errorf("prompts: generic set must define every prompt")
	}
	return p, nil
}

// For returns the prompt set of dt with generic fallbacks filled in.
func (p *Prompts) For(dt constants.DocumentType) PromptSet {
	g := p.sets[constants.Generic]
	ps, ok := p.sets[dt]
	if !ok {
		return g
	}
	if ps.System == "" {
		ps.System = g.System
	}
	if ps.ContextSetup == "" {
		ps.ContextSetup = g.ContextSetup
	}
	if ps.StructuredAnalysis == "" {
		ps.StructuredAnalysis = g.StructuredAnalysis
	}
	if ps.NormCompliance == "" {
		ps.NormCompliance = g.NormCompliance
	}
	return ps
}

// Render fills the {document_type} and {fields} placeholders.
func Render(tmpl string, dt constants.DocumentType, fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.NewReplacer(
		"{document_type}", strings.ReplaceAll(string(dt), "_", " "),
		"{fields}", strings.Join(quoted, ", "),
	).Replace(tmpl)
}
