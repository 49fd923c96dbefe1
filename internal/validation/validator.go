// Package validation turns a raw aggregate into the canonical Fridge-tag document, checking
// every field against the schema and the cross-record invariants.
package validation

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-fridgetag/internal/aggregate"
	"github.com/resident-x/go-fridgetag/internal/certificate"
	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/extract"
	"github.com/resident-x/go-fridgetag/internal/schema"
)

const stage = "validator"

// Default temperature bounds in °C.
const (
	DefaultTemperatureMin = -50.0
	DefaultTemperatureMax = 100.0
)

// ValidationLevel defines how out-of-order records are treated.
type ValidationLevel int

const (
	// ValidationLevelPermissive re-sorts out-of-order records and reports a warning.
	ValidationLevelPermissive ValidationLevel = iota
	// ValidationLevelStrict fails with a SequenceOrderError.
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelPermissive:
		return "permissive"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Options configures a Validator.
type Options struct {
	Schema         *schema.Schema
	TemperatureMin float64
	TemperatureMax float64
}

// RuleContext is handed to document rules.
type RuleContext struct {
	Raw            *aggregate.Document
	Doc            *domain.Document
	TemperatureMin float64
	TemperatureMax float64
}

// DocumentRule defines a cross-field check on the normalised document.
type DocumentRule struct {
	Name        string
	Description string
	Check       func(ctx *RuleContext) []domain.Violation
}

// Validator validates and normalises raw documents. It holds no per-parse state and may be
// shared between goroutines.
type Validator struct {
	schema  *schema.Schema
	tempMin float64
	tempMax float64
	rules   []*DocumentRule
	logger  zerolog.Logger

	// Statistics
	validationsPerformed atomic.Int64
	errorsFound          atomic.Int64
	warningsFound        atomic.Int64
	certificatesInvalid  atomic.Int64
}

// NewValidator creates a new validator.
func NewValidator(opts Options, logger zerolog.Logger) *Validator {
	if opts.Schema == nil {
		opts.Schema = schema.Default()
	}
	if opts.TemperatureMin == 0 && opts.TemperatureMax == 0 {
		opts.TemperatureMin = DefaultTemperatureMin
		opts.TemperatureMax = DefaultTemperatureMax
	}

	v := &Validator{
		schema:  opts.Schema,
		tempMin: opts.TemperatureMin,
		tempMax: opts.TemperatureMax,
		logger:  logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultRules()

	return v
}

// Validate checks a raw document and returns the canonical model. Checks run in a fixed
// order: section presence, field values (all violations reported together), record order,
// aggregate consistency. Certificate problems only produce warnings.
func (v *Validator) Validate(raw *aggregate.Document, level ValidationLevel) (*domain.Document, []domain.Warning, error) {
	v.validationsPerformed.Add(1)

	r := &run{v: v, raw: raw, level: level}
	doc, err := r.execute()

	v.warningsFound.Add(int64(len(r.warnings)))
	if err != nil {
		v.errorsFound.Add(1)
		v.logger.Debug().Err(err).Msg("Validation failed")
		return nil, r.warnings, err
	}

	v.logger.Debug().
		Str("serial", doc.Header.SerialNumber).
		Int("history_records", len(doc.History)).
		Int("alarms", len(doc.Alarms)).
		Bool("certificate_valid", doc.CertificateValid()).
		Msg("Document validated")

	return doc, r.warnings, nil
}

// run carries the state of one validation.
type run struct {
	v          *Validator
	raw        *aggregate.Document
	level      ValidationLevel
	violations []domain.Violation
	warnings   []domain.Warning

	// source position of every history record, aligned with doc.History
	sources []int
	// aggregate problems found while normalising, reported after the order check
	inconsistent []domain.Violation
}

func (r *run) execute() (*domain.Document, error) {
	for _, name := range r.v.schema.RequiredSections() {
		if !r.raw.Has(name) {
			return nil, domain.NewMissingRequiredSectionError(name)
		}
	}

	r.checkSchema()
	doc := r.normalize()

	ctx := &RuleContext{Raw: r.raw, Doc: doc, TemperatureMin: r.v.tempMin, TemperatureMax: r.v.tempMax}
	for _, rule := range r.v.rules {
		r.violations = append(r.violations, rule.Check(ctx)...)
	}
	if len(r.violations) > 0 {
		return nil, domain.NewValidationError(r.violations)
	}

	if err := r.order(doc); err != nil {
		return nil, err
	}
	if len(r.inconsistent) > 0 {
		return nil, domain.NewInconsistentAggregateError(schema.SectionHistory, r.inconsistent)
	}

	r.deriveAlarms(doc)
	r.verifyCertificate(doc)

	return doc, nil
}

func (r *run) verifyCertificate(doc *domain.Document) {
	if doc.Certificate == nil {
		r.warn(schema.SectionCertificate, 0, "", "export carries no certificate", false)
		r.v.certificatesInvalid.Add(1)
		return
	}

	res := certificate.Apply(doc.Certificate, r.raw.SignedContent)
	if !res.Valid {
		r.v.certificatesInvalid.Add(1)
		line := 0
		if sig, ok := r.raw.Certificate.Get("Sig"); ok {
			line = sig.Line
		}
		r.warn(schema.SectionCertificate, line, "Sig", "certificate invalid: "+res.Reason, false)
	}
}

func (r *run) violate(section string, index int, v *extract.Value, field, message string) {
	viol := domain.Violation{Section: section, Index: index, Field: field, Message: message}
	if v != nil {
		viol.Line = v.Line
		viol.Value = v.Raw
	}
	r.violations = append(r.violations, viol)
}

func (r *run) warn(section string, line int, field, message string, debug bool) {
	r.warnings = append(r.warnings, domain.Warning{
		Stage:   stage,
		Section: section,
		Line:    line,
		Field:   field,
		Message: message,
		Debug:   debug,
	})
}

var serialPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// registerDefaultRules registers the cross-field document rules.
func (v *Validator) registerDefaultRules() {
	v.rules = []*DocumentRule{
		{
			Name:        "device_model_supported",
			Description: "Device must be a Fridge-tag 2, 2L or 2E",
			Check: func(ctx *RuleContext) []domain.Violation {
				val, ok := ctx.Raw.Header.Get("Device")
				if !ok || ctx.Doc.Header.Model != "" {
					return nil
				}
				return []domain.Violation{{
					Section: schema.SectionHeader,
					Line:    val.Line,
					Field:   "Device",
					Index:   -1,
					Value:   val.Raw,
					Message: fmt.Sprintf("unsupported device model %q", val.Raw),
				}}
			},
		},
		{
			Name:        "serial_number_format",
			Description: "Serial number must be alphanumeric",
			Check: func(ctx *RuleContext) []domain.Violation {
				serial := ctx.Doc.Header.SerialNumber
				if serial == "" || serialPattern.MatchString(serial) {
					return nil
				}
				val, _ := ctx.Raw.Configuration.Get("Serial")
				return []domain.Violation{{
					Section: schema.SectionConfiguration,
					Line:    val.Line,
					Field:   "Serial",
					Index:   -1,
					Value:   serial,
					Message: "serial number contains invalid characters",
				}}
			},
		},
		{
			Name:        "threshold_order",
			Description: "Lower alarm threshold must be below the upper alarm threshold",
			Check: func(ctx *RuleContext) []domain.Violation {
				cfg := ctx.Doc.Configuration
				if cfg.LowerThreshold == nil || cfg.UpperThreshold == nil || *cfg.LowerThreshold < *cfg.UpperThreshold {
					return nil
				}
				viol := domain.Violation{
					Section: schema.SectionAlarmSettings,
					Field:   lowChannel + ".T AL",
					Index:   -1,
					Value:   fmt.Sprintf("%.1f", *cfg.LowerThreshold),
					Message: fmt.Sprintf("lower threshold %.1f is not below upper threshold %.1f",
						*cfg.LowerThreshold, *cfg.UpperThreshold),
				}
				if val, ok := ctx.Raw.AlarmSettings.Get(lowChannel); ok {
					viol.Line = val.Line
				}
				return []domain.Violation{viol}
			},
		},
	}
}

// AddRule adds a custom document rule.
func (v *Validator) AddRule(rule *DocumentRule) {
	v.rules = append(v.rules, rule)

	v.logger.Debug().
		Str("rule", rule.Name).
		Msg("Added custom document rule")
}

// GetStatistics returns validation statistics.
func (v *Validator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed.Load(),
		"errors_found":          v.errorsFound.Load(),
		"warnings_found":        v.warningsFound.Load(),
		"certificates_invalid":  v.certificatesInvalid.Load(),
		"document_rules":        len(v.rules),
		"temperature_min":       v.tempMin,
		"temperature_max":       v.tempMax,
	}
}
