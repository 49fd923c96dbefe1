// Package parser runs the Fridge-tag export pipeline: split, extract, aggregate, validate
// and project.
package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-fridgetag/internal/aggregate"
	"github.com/resident-x/go-fridgetag/internal/config"
	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/extract"
	"github.com/resident-x/go-fridgetag/internal/report"
	"github.com/resident-x/go-fridgetag/internal/schema"
	"github.com/resident-x/go-fridgetag/internal/splitter"
	"github.com/resident-x/go-fridgetag/internal/validation"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options controls a single parse.
type Options struct {
	// Debug keeps debug-only warnings (skipped lines, pass-through fields) in the result.
	Debug bool
	// Permissive re-sorts out-of-order history records instead of failing.
	Permissive bool
}

// Result is the outcome of a parse. Raw and Warnings are set as far as the pipeline got,
// also when Parse returns an error.
type Result struct {
	ID               string              `json:"id"`
	Document         *domain.Document    `json:"-"`
	Report           *report.Report      `json:"data,omitempty"`
	Raw              *aggregate.Document `json:"raw,omitempty"`
	Warnings         []domain.Warning    `json:"warnings"`
	CertificateValid bool                `json:"certificateValid"`
}

// Parser parses Berlinger Fridge-tag text exports. A Parser holds no per-parse state and may
// be used from several goroutines.
type Parser struct {
	config    *config.Config
	schema    *schema.Schema
	validator *validation.Validator
	logger    zerolog.Logger
}

// NewParser creates a new Parser instance.
func NewParser(cfg *config.Config) (*Parser, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Parser.TemperatureMin >= cfg.Parser.TemperatureMax {
		return nil, fmt.Errorf("invalid temperature bounds %v..%v", cfg.Parser.TemperatureMin, cfg.Parser.TemperatureMax)
	}

	logger := log.With().Str("component", "parser").Logger()
	s := schema.Default()

	return &Parser{
		config: cfg,
		schema: s,
		validator: validation.NewValidator(validation.Options{
			Schema:         s,
			TemperatureMin: cfg.Parser.TemperatureMin,
			TemperatureMax: cfg.Parser.TemperatureMax,
		}, logger),
		logger: logger,
	}, nil
}

// DefaultOptions returns the parse options configured for this parser.
func (p *Parser) DefaultOptions() Options {
	return Options{Debug: p.config.Parser.Debug, Permissive: p.config.Parser.Permissive}
}

// Parse converts the content of an export into a validated document and its report.
func (p *Parser) Parse(ctx context.Context, content []byte, opts Options) (*Result, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context error: %w", ctx.Err())
	}

	res := &Result{ID: uuid.NewString()}
	var warnings []domain.Warning
	defer func() {
		res.Warnings = p.filterWarnings(warnings, opts.Debug)
	}()

	content = bytes.TrimPrefix(content, utf8BOM)
	p.logf("Starting to parse export of %d bytes", len(content))

	split, err := splitter.Split(content, p.schema)
	if err != nil {
		p.logf("Splitting failed: %v", err)
		return res, err
	}
	warnings = append(warnings, split.Warnings...)
	p.logf("Split %d lines into %d sections", split.LineCount, len(split.Sections))

	sections := make([]aggregate.Extracted, 0, len(split.Sections))
	for _, sec := range split.Sections {
		spec, _ := p.schema.Section(sec.Name)
		fields, w, err := extract.Extract(sec, spec)
		warnings = append(warnings, w...)
		if err != nil {
			p.logf("Extraction of section %s failed: %v", sec.Name, err)
			return res, err
		}
		sections = append(sections, aggregate.Extracted{Section: sec, Fields: fields})
	}

	signed := content
	if split.SignatureOffset >= 0 {
		signed = content[:split.SignatureOffset]
	}

	raw, w := aggregate.Aggregate(sections, p.schema, signed)
	warnings = append(warnings, w...)
	res.Raw = raw
	p.logf("Aggregated %d history entries", len(raw.Entries))

	level := validation.ValidationLevelStrict
	if opts.Permissive {
		level = validation.ValidationLevelPermissive
	}

	doc, w, err := p.validator.Validate(raw, level)
	warnings = append(warnings, w...)
	if err != nil {
		return res, err
	}

	res.Document = doc
	res.Report = report.Project(doc)
	res.CertificateValid = doc.CertificateValid()

	p.logf("Parsing complete. Serial=%s, Model=%s, HistoryRecords=%d, Alarms=%d, CertificateValid=%v",
		doc.Header.SerialNumber, doc.Header.Model, len(doc.History), len(doc.Alarms), res.CertificateValid)

	return res, nil
}

// Revalidate re-checks a document restored from a report.
func (p *Parser) Revalidate(doc *domain.Document) error {
	return p.validator.Revalidate(doc)
}

// filterWarnings drops debug-only warnings unless debug is set and logs the rest.
func (p *Parser) filterWarnings(warnings []domain.Warning, debug bool) []domain.Warning {
	out := make([]domain.Warning, 0, len(warnings))
	for _, w := range warnings {
		if w.Debug {
			p.logf("%s", w.String())
			if !debug {
				continue
			}
		} else {
			p.logger.Warn().
				Str("stage", w.Stage).
				Str("section", w.Section).
				Int("line", w.Line).
				Str("field", w.Field).
				Msg(w.Message)
		}
		out = append(out, w)
	}
	return out
}

// SetCustomLogger allows updating the logger (useful for tests).
func (p *Parser) SetCustomLogger(logger *zerolog.Logger) {
	p.logger = logger.With().Str("component", "parser").Logger()
}

// GetValidationStatistics returns statistics from the validator.
func (p *Parser) GetValidationStatistics() map[string]interface{} {
	if p.validator == nil {
		return map[string]interface{}{}
	}
	return p.validator.GetStatistics()
}

// logf logs a message at debug level.
func (p *Parser) logf(format string, args ...interface{}) {
	p.logger.Debug().Msgf(format, args...)
}
