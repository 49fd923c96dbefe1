// Package extract coerces the lines of one section into typed field values.
package extract

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/schema"
	"github.com/resident-x/go-fridgetag/internal/splitter"
)

const (
	stage = "extractor"

	// NotReported is the placeholder the device writes for values it did not record.
	NotReported = "---"

	segmentSeparator = ", "
)

// Device timestamp layouts, tried before ISO-8601.
var deviceLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	siblingSegment = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 ]*:(\s|$)`)
	zoneSuffix     = regexp.MustCompile(`(Z|[+-]\d{2}(:?\d{2})?)$`)
)

// Extract coerces every line of sec according to spec. Unknown identifiers are kept as
// pass-through text. The first value that cannot be coerced fails the section.
func Extract(sec splitter.Section, spec *schema.SectionSpec) (*Fields, []domain.Warning, error) {
	ex := &extractor{section: sec, spec: spec}
	fields := NewFields()

	for _, line := range sec.Lines {
		for _, seg := range segments(line, spec) {
			v, err := ex.value(seg.key, seg.value, line.Number, lookup(spec, seg.key))
			if err != nil {
				return nil, ex.warnings, err
			}
			if v == nil {
				continue
			}
			if fields.Set(v) {
				ex.warn(line.Number, seg.key, "field repeated, last value wins", false)
			}
		}
	}

	return fields, ex.warnings, nil
}

type segment struct {
	key   string
	value string
}

// segments splits "Min T: +22.6, TS Min T: 23:56" into the field and its siblings. Dict
// fields keep their whole value.
func segments(line splitter.Line, spec *schema.SectionSpec) []segment {
	first := segment{key: line.Key, value: line.Value}
	if f := lookup(spec, line.Key); f != nil && f.Type == schema.TypeDict {
		return []segment{first}
	}

	parts := strings.Split(line.Value, segmentSeparator)
	if len(parts) == 1 {
		return []segment{first}
	}
	for _, p := range parts[1:] {
		if !siblingSegment.MatchString(strings.TrimSpace(p)) {
			return []segment{first}
		}
	}

	out := []segment{{key: line.Key, value: strings.TrimSpace(parts[0])}}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), ":")
		out = append(out, segment{key: strings.TrimSpace(k), value: strings.TrimSpace(v)})
	}
	return out
}

func lookup(spec *schema.SectionSpec, key string) *schema.FieldSpec {
	if spec == nil {
		return nil
	}
	f, ok := spec.Field(key)
	if !ok {
		return nil
	}
	return f
}

type extractor struct {
	section  splitter.Section
	spec     *schema.SectionSpec
	warnings []domain.Warning
}

// value coerces one raw value. It returns nil for values the device marked as not reported.
func (ex *extractor) value(key, raw string, line int, spec *schema.FieldSpec) (*Value, error) {
	if raw == NotReported {
		return nil, nil
	}

	if spec == nil {
		ex.warn(line, key, "unrecognized field kept as text", true)
		return &Value{Key: key, Raw: raw, Line: line, Typed: raw}, nil
	}

	v := &Value{Key: key, Raw: raw, Line: line, Type: spec.Type, Known: true}
	if raw == "" && spec.Type != schema.TypeText && spec.Type != schema.TypeDict {
		return nil, nil
	}

	var err error
	switch spec.Type {
	case schema.TypeText, schema.TypeEnum:
		v.Typed = raw
	case schema.TypeInt:
		v.Typed, err = strconv.ParseInt(raw, 10, 64)
	case schema.TypeFloat:
		v.Typed, err = parseFloat(raw)
	case schema.TypeTimestamp:
		v.Typed, err = ParseTimestamp(raw)
	case schema.TypeClock:
		v.Typed, err = domain.ParseClockTime(raw)
	case schema.TypeFloats:
		v.Typed, err = parseFloats(raw)
	case schema.TypeDict:
		v.Typed, err = ex.dict(key, raw, line, spec)
	default:
		err = fmt.Errorf("unsupported field type %q", spec.Type)
	}
	if err != nil {
		var pe *domain.ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, domain.NewFieldCoercionError(ex.sectionPath(), line, key, raw, err)
	}
	return v, nil
}

// dict parses an inline mapping such as "t Acc: 549, TS A: 16:02, C A: 1".
func (ex *extractor) dict(key, raw string, line int, spec *schema.FieldSpec) (*Fields, error) {
	fields := NewFields()
	if strings.TrimSpace(raw) == "" {
		return fields, nil
	}

	for _, part := range strings.Split(raw, segmentSeparator) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, domain.NewFieldCoercionError(ex.sectionPath(), line, key, raw,
				fmt.Errorf("segment %q is not a key: value pair", part))
		}
		k = strings.TrimSpace(k)
		inner, _ := spec.Field(k)
		val, err := ex.value(key+"."+k, strings.TrimSpace(v), line, inner)
		if err != nil {
			return nil, err
		}
		if val == nil {
			continue
		}
		val.Key = k
		fields.Set(val)
	}
	return fields, nil
}

func (ex *extractor) sectionPath() string {
	if ex.section.Path != "" {
		return ex.section.Path
	}
	return ex.section.Name
}

func (ex *extractor) warn(line int, field, message string, debug bool) {
	ex.warnings = append(ex.warnings, domain.Warning{
		Stage:   stage,
		Section: ex.sectionPath(),
		Line:    line,
		Field:   field,
		Message: message,
		Debug:   debug,
	})
}

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", strings.TrimSpace(raw))
	}
	return v, nil
}

func parseFloats(raw string) ([]float64, error) {
	fields := strings.Fields(raw)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := parseFloat(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseTimestamp reads the device layouts first and falls back to ISO-8601.
func ParseTimestamp(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range deviceLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return Timestamp{Time: t, Naive: true, DateOnly: len(layout) == len("2006-01-02")}, nil
		}
	}

	t, err := iso8601.ParseString(raw)
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: t, Naive: !hasZone(raw)}, nil
}

func hasZone(raw string) bool {
	i := strings.IndexAny(raw, "Tt ")
	if i < 0 {
		return false
	}
	return zoneSuffix.MatchString(raw[i+1:])
}
