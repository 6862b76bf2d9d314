// Package parse recovers structured records from free-form model responses.
// Parsing never fails: five layers are tried in order and the last one always
// yields a record, with confidence dropping as the layers get more lenient.
package parse

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/qmdoc/internal/metrics"
)

// Confidence levels by resolving layer.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Record is a recovered response.
type Record struct {
	Data       map[string]any `json:"data"`
	Layer      int            `json:"layer"`
	LayerName  string         `json:"layer_name"`
	Attempts   int            `json:"attempts"`
	Confidence string         `json:"confidence"`
	Defaulted  []string       `json:"defaulted,omitempty"`
	Renamed    []string       `json:"renamed,omitempty"`
}

type Parser struct {
	defaults map[string]any
	synonyms map[string]string
	logger   *slog.Logger
}

type Option func(*Parser)

// WithDefaults sets the low-confidence value used for an expected field the
// minimal layer could not recover. Fields without a default become "".
func WithDefaults(d map[string]any) Option {
	return func(p *Parser) {
		for k, v := range d {
			p.defaults[k] = v
		}
	}
}

// WithSynonyms adds field renames applied to every record.
func WithSynonyms(s map[string]string) Option {
	return func(p *Parser) {
		for k, v := range s {
			p.synonyms[k] = v
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Parser{
		defaults: map[string]any{},
		synonyms: defaultSynonyms(),
		logger:   logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse resolves raw into a record using the first layer that succeeds.
func (p *Parser) Parse(raw string, expected []string) Record {
	start := time.Now()
	var (
		rec  Record
		data map[string]any
	)
	for i, l := range layers {
		m, ok := l.fn(raw, expected)
		if !ok {
			continue
		}
		data = m
		rec.Layer, rec.LayerName, rec.Attempts = i+1, l.name, i+1
		break
	}

	rec.Renamed = normalizeRecord(data, p.synonyms)
	if rec.Layer == len(layers) {
		rec.Defaulted = p.fillDefaults(data, raw, expected)
	}
	rec.Data = data
	rec.Confidence = confidenceFor(rec.Layer)

	metrics.ParserLayer.WithLabelValues(strconv.Itoa(rec.Layer)).Inc()
	p.logger.Info("parse.resolved",
		"layer", rec.Layer,
		"layer_name", rec.LayerName,
		"attempts", rec.Attempts,
		"confidence", rec.Confidence,
		"fields", len(data),
		"defaulted", rec.Defaulted,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return rec
}

func (p *Parser) fillDefaults(data map[string]any, raw string, expected []string) []string {
	var filled []string
	for _, f := range expected {
		if _, ok := data[f]; ok {
			continue
		}
		filled = append(filled, f)
		if f == fragmentsField {
			data[f] = textLines(raw)
			continue
		}
		if d, ok := p.defaults[f]; ok {
			data[f] = d
		} else {
			data[f] = ""
		}
	}

	// list-valued defaults keep their shape when a line supplied a scalar
	for f, d := range p.defaults {
		if _, isList := d.([]any); !isList {
			continue
		}
		if s, ok := data[f].(string); ok {
			data[f] = splitList(s)
		}
	}
	return filled
}

func splitList(s string) []any {
	out := []any{}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.Trim(strings.TrimSpace(part), `"'[]`); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func confidenceFor(layer int) string {
	switch layer {
	case 1, 2:
		return ConfidenceHigh
	case 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
