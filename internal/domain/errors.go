package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind identifies one entry of the parse error taxonomy.
type ErrorKind int

// Error kinds.
const (
	KindMalformedSection ErrorKind = iota + 1
	KindFieldCoercion
	KindMissingRequiredSection
	KindValidation
	KindSequenceOrder
	KindInconsistentAggregate
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformedSection:
		return "MalformedSectionError"
	case KindFieldCoercion:
		return "FieldCoercionError"
	case KindMissingRequiredSection:
		return "MissingRequiredSectionError"
	case KindValidation:
		return "ValidationError"
	case KindSequenceOrder:
		return "SequenceOrderError"
	case KindInconsistentAggregate:
		return "InconsistentAggregateError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is.
var (
	ErrMalformedSection       = &ParseError{Kind: KindMalformedSection, Index: -1}
	ErrFieldCoercion          = &ParseError{Kind: KindFieldCoercion, Index: -1}
	ErrMissingRequiredSection = &ParseError{Kind: KindMissingRequiredSection, Index: -1}
	ErrValidation             = &ParseError{Kind: KindValidation, Index: -1}
	ErrSequenceOrder          = &ParseError{Kind: KindSequenceOrder, Index: -1}
	ErrInconsistentAggregate  = &ParseError{Kind: KindInconsistentAggregate, Index: -1}
)

// Violation is one failed check inside a batch error.
type Violation struct {
	Section string `json:"section,omitempty"`
	Line    int    `json:"line,omitempty"`
	Field   string `json:"field,omitempty"`
	Index   int    `json:"index"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// String formats the violation with its position.
func (v Violation) String() string {
	var parts []string
	if v.Section != "" {
		parts = append(parts, "section "+v.Section)
	}
	if v.Index >= 0 {
		parts = append(parts, fmt.Sprintf("index %d", v.Index))
	}
	if v.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", v.Line))
	}
	if v.Field != "" {
		parts = append(parts, "field "+v.Field)
	}
	if len(parts) == 0 {
		return v.Message
	}
	return fmt.Sprintf("%s (%s)", v.Message, strings.Join(parts, ", "))
}

// ParseError is the structured failure of a parse, carrying enough positional context to
// locate the problem in the source file. Index is -1 when no record index applies.
type ParseError struct {
	Kind       ErrorKind
	Message    string
	Section    string
	Line       int
	Field      string
	Index      int
	Value      string
	Violations []Violation
	Err        error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}

	var pos []string
	if e.Section != "" {
		pos = append(pos, "section "+e.Section)
	}
	if e.Index >= 0 {
		pos = append(pos, fmt.Sprintf("index %d", e.Index))
	}
	if e.Line > 0 {
		pos = append(pos, fmt.Sprintf("line %d", e.Line))
	}
	if e.Field != "" {
		pos = append(pos, "field "+e.Field)
	}
	if len(pos) > 0 {
		b.WriteString(" (" + strings.Join(pos, ", ") + ")")
	}
	for _, v := range e.Violations {
		b.WriteString("; " + v.String())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches any ParseError of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// MarshalJSON renders the error for API responses.
func (e *ParseError) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind       string      `json:"kind"`
		Message    string      `json:"message"`
		Section    string      `json:"section,omitempty"`
		Line       int         `json:"line,omitempty"`
		Field      string      `json:"field,omitempty"`
		Index      *int        `json:"index,omitempty"`
		Value      string      `json:"value,omitempty"`
		Violations []Violation `json:"violations,omitempty"`
	}{
		Kind:       e.Kind.String(),
		Message:    e.Message,
		Section:    e.Section,
		Line:       e.Line,
		Field:      e.Field,
		Value:      e.Value,
		Violations: e.Violations,
	}
	if e.Index >= 0 {
		idx := e.Index
		out.Index = &idx
	}
	return json.Marshal(out)
}

// NewMalformedSectionError reports structural corruption of the export.
func NewMalformedSectionError(section string, line int, message string) *ParseError {
	return &ParseError{Kind: KindMalformedSection, Section: section, Line: line, Index: -1, Message: message}
}

// NewFieldCoercionError reports a value that could not be read as its declared type.
func NewFieldCoercionError(section string, line int, field, value string, err error) *ParseError {
	msg := fmt.Sprintf("cannot coerce %q", value)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &ParseError{
		Kind:    KindFieldCoercion,
		Section: section,
		Line:    line,
		Field:   field,
		Value:   value,
		Index:   -1,
		Message: msg,
		Err:     err,
	}
}

// NewMissingRequiredSectionError reports an absent mandatory section.
func NewMissingRequiredSectionError(section string) *ParseError {
	return &ParseError{
		Kind:    KindMissingRequiredSection,
		Section: section,
		Index:   -1,
		Message: fmt.Sprintf("required section %q is missing", section),
	}
}

// NewValidationError reports every out-of-domain field found in one pass.
func NewValidationError(violations []Violation) *ParseError {
	return &ParseError{
		Kind:       KindValidation,
		Index:      -1,
		Message:    fmt.Sprintf("%d field(s) failed validation", len(violations)),
		Violations: violations,
	}
}

// NewSequenceOrderError reports a repeating record that breaks chronological order.
func NewSequenceOrderError(section string, index, line int, message string) *ParseError {
	return &ParseError{Kind: KindSequenceOrder, Section: section, Index: index, Line: line, Message: message}
}

// NewInconsistentAggregateError reports history entries whose aggregates contradict each other.
// Index refers to the first offending entry.
func NewInconsistentAggregateError(section string, violations []Violation) *ParseError {
	e := &ParseError{
		Kind:       KindInconsistentAggregate,
		Section:    section,
		Index:      -1,
		Message:    fmt.Sprintf("%d history record(s) violate min <= avg <= max", len(violations)),
		Violations: violations,
	}
	if len(violations) > 0 {
		e.Index = violations[0].Index
		e.Line = violations[0].Line
	}
	return e
}
