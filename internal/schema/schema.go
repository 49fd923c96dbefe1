// Package schema provides the field schema table of Fridge-tag exports: section markers,
// field types and value constraints.
package schema

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed fridgetag.yaml
var embeddedSchema []byte

// Well-known section names.
const (
	SectionHeader        = "header"
	SectionConfiguration = "configuration"
	SectionAlarmSettings = "alarm_settings"
	SectionHistory       = "history"
	SectionHistoryEntry  = "history_entry"
	SectionHistoryAlarms = "history_alarms"
	SectionCertificate   = "certificate"
)

// FieldType is the declared coercion target of a field.
type FieldType string

// Field types.
const (
	TypeText      FieldType = "text"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeTimestamp FieldType = "timestamp"
	TypeClock     FieldType = "clock"
	TypeEnum      FieldType = "enum"
	TypeFloats    FieldType = "floats"
	TypeDict      FieldType = "dict"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeText, TypeInt, TypeFloat, TypeTimestamp, TypeClock, TypeEnum, TypeFloats, TypeDict:
		return true
	}
	return false
}

// SectionKind describes how the lines of a section are organised.
type SectionKind string

// Section kinds.
const (
	KindScalar    SectionKind = "scalar"    // one mapping of fields
	KindRepeating SectionKind = "repeating" // one block per record, keyed by a counter
	KindIndexed   SectionKind = "indexed"   // numeric keys, each holding an inline mapping
)

// FieldSpec declares one field.
type FieldSpec struct {
	Name     string                `yaml:"-"`
	Type     FieldType             `yaml:"type"`
	Required bool                  `yaml:"required"`
	Min      *float64              `yaml:"min"`
	Max      *float64              `yaml:"max"`
	Enum     []string              `yaml:"enum"`
	Unit     string                `yaml:"unit"`
	Fields   map[string]*FieldSpec `yaml:"fields"`

	lookup fieldLookup
}

// UnmarshalYAML accepts both the short form ("Vers: text") and the full mapping.
func (f *FieldSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Type = FieldType(value.Value)
		return nil
	}

	type plain FieldSpec
	return value.Decode((*plain)(f))
}

// Field returns the nested spec of a dict field.
func (f *FieldSpec) Field(key string) (*FieldSpec, bool) {
	return f.lookup.find(key)
}

// AllowsEnum reports whether v is one of the enumerated values (case-insensitive).
func (f *FieldSpec) AllowsEnum(v string) bool {
	for _, e := range f.Enum {
		if strings.EqualFold(e, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// SectionSpec declares one section of the export.
type SectionSpec struct {
	Name     string                `yaml:"name"`
	Parent   string                `yaml:"parent"`
	Marker   string                `yaml:"marker"`
	Kind     SectionKind           `yaml:"kind"`
	Required bool                  `yaml:"required"`
	Fields   map[string]*FieldSpec `yaml:"fields"`
	Entry    *FieldSpec            `yaml:"entry"`

	marker *regexp.Regexp
	lookup fieldLookup
}

var indexKey = regexp.MustCompile(`^[0-9]+$`)

// Field returns the spec of a field of this section. Indexed sections answer every numeric
// key with their entry spec.
func (s *SectionSpec) Field(key string) (*FieldSpec, bool) {
	if s.Kind == KindIndexed && s.Entry != nil && indexKey.MatchString(strings.TrimSpace(key)) {
		return s.Entry, true
	}
	return s.lookup.find(key)
}

// Matches reports whether a block opener key opens this section.
func (s *SectionSpec) Matches(key string) bool {
	return s.marker != nil && s.marker.MatchString(strings.TrimSpace(key))
}

// RequiredFields returns the names of the required fields in a stable order.
func (s *SectionSpec) RequiredFields() []string {
	var names []string
	for name, f := range s.Fields {
		if f.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Schema is an immutable, validated schema table.
type Schema struct {
	Version  int               `yaml:"version"`
	Relocate map[string]string `yaml:"relocate"`
	Sections []*SectionSpec    `yaml:"sections"`

	byName   map[string]*SectionSpec
	relocate map[string]string
}

var (
	defaultOnce   sync.Once
	defaultSchema *Schema
	defaultErr    error
)

// Default returns the embedded schema table. It is parsed once and shared read-only.
func Default() *Schema {
	defaultOnce.Do(func() {
		defaultSchema, defaultErr = Parse(embeddedSchema)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded fridge-tag schema is invalid: %v", defaultErr))
	}
	return defaultSchema
}

// Parse builds a schema table from its YAML form.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	s.byName = make(map[string]*SectionSpec, len(s.Sections))
	for _, sec := range s.Sections {
		if err := s.prepareSection(sec); err != nil {
			return nil, err
		}
	}

	root, ok := s.byName[SectionHeader]
	if !ok {
		return nil, fmt.Errorf("schema has no %q section", SectionHeader)
	}
	if root.Parent != "" || root.Marker != "" {
		return nil, fmt.Errorf("section %q must be a top-level section without marker", SectionHeader)
	}

	for _, sec := range s.Sections {
		if sec.Parent != "" {
			if _, ok := s.byName[sec.Parent]; !ok {
				return nil, fmt.Errorf("section %q: unknown parent %q", sec.Name, sec.Parent)
			}
		}
	}

	s.relocate = make(map[string]string, len(s.Relocate))
	for key, owner := range s.Relocate {
		if _, ok := s.byName[owner]; !ok {
			return nil, fmt.Errorf("relocation of %q: unknown section %q", key, owner)
		}
		s.relocate[FoldKey(key)] = owner
	}

	return &s, nil
}

func (s *Schema) prepareSection(sec *SectionSpec) error {
	if sec.Name == "" {
		return fmt.Errorf("section without name")
	}
	if _, dup := s.byName[sec.Name]; dup {
		return fmt.Errorf("duplicate section %q", sec.Name)
	}

	switch sec.Kind {
	case "":
		sec.Kind = KindScalar
	case KindScalar, KindRepeating, KindIndexed:
	default:
		return fmt.Errorf("section %q: unknown kind %q", sec.Name, sec.Kind)
	}

	if sec.Marker != "" {
		re, err := regexp.Compile(sec.Marker)
		if err != nil {
			return fmt.Errorf("section %q: invalid marker: %w", sec.Name, err)
		}
		sec.marker = re
	} else if sec.Name != SectionHeader {
		return fmt.Errorf("section %q: marker is required", sec.Name)
	}

	if sec.Kind == KindIndexed {
		if sec.Entry == nil {
			return fmt.Errorf("section %q: indexed sections need an entry spec", sec.Name)
		}
		if err := prepareField(sec.Name+"[]", sec.Entry); err != nil {
			return err
		}
	}

	lookup, err := prepareFields(sec.Name, sec.Fields)
	if err != nil {
		return err
	}
	sec.lookup = lookup

	s.byName[sec.Name] = sec
	return nil
}

// fieldLookup resolves keys exactly first and falls back to a case-insensitive match
// when that match is unambiguous ("T AL" and "t AL" are distinct fields).
type fieldLookup struct {
	exact  map[string]*FieldSpec
	folded map[string]*FieldSpec // nil value: more than one field folds to the key
}

func (l fieldLookup) find(key string) (*FieldSpec, bool) {
	k := NormalizeKey(key)
	if spec, ok := l.exact[k]; ok {
		return spec, true
	}
	spec := l.folded[strings.ToLower(k)]
	return spec, spec != nil
}

func prepareFields(path string, fields map[string]*FieldSpec) (fieldLookup, error) {
	lookup := fieldLookup{
		exact:  make(map[string]*FieldSpec, len(fields)),
		folded: make(map[string]*FieldSpec, len(fields)),
	}
	for name, f := range fields {
		if f == nil {
			return lookup, fmt.Errorf("%s.%s: empty field spec", path, name)
		}
		f.Name = name
		if err := prepareField(path+"."+name, f); err != nil {
			return lookup, err
		}
		key := NormalizeKey(name)
		if _, dup := lookup.exact[key]; dup {
			return lookup, fmt.Errorf("%s.%s: duplicate field", path, name)
		}
		lookup.exact[key] = f

		folded := strings.ToLower(key)
		if _, seen := lookup.folded[folded]; seen {
			lookup.folded[folded] = nil
		} else {
			lookup.folded[folded] = f
		}
	}
	return lookup, nil
}

func prepareField(path string, f *FieldSpec) error {
	if !f.Type.valid() {
		return fmt.Errorf("%s: unknown field type %q", path, f.Type)
	}
	if f.Type == TypeEnum && len(f.Enum) == 0 {
		return fmt.Errorf("%s: enum field without values", path)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("%s: min %v exceeds max %v", path, *f.Min, *f.Max)
	}
	if f.Type == TypeDict {
		lookup, err := prepareFields(path, f.Fields)
		if err != nil {
			return err
		}
		f.lookup = lookup
	}
	return nil
}

// Section returns a section by name.
func (s *Schema) Section(name string) (*SectionSpec, bool) {
	sec, ok := s.byName[name]
	return sec, ok
}

// Root returns the header section.
func (s *Schema) Root() *SectionSpec {
	return s.byName[SectionHeader]
}

// MatchSection returns the child section of parent opened by key. Top-level sections have
// an empty parent.
func (s *Schema) MatchSection(parent, key string) (*SectionSpec, bool) {
	if parent == SectionHeader {
		parent = ""
	}
	for _, sec := range s.Sections {
		if sec.Parent == parent && sec.Matches(key) {
			return sec, true
		}
	}
	return nil, false
}

// Owner returns the section that owns a relocated top-level key.
func (s *Schema) Owner(key string) (string, bool) {
	owner, ok := s.relocate[FoldKey(key)]
	return owner, ok
}

// RequiredSections returns the names of the mandatory sections in declaration order.
func (s *Schema) RequiredSections() []string {
	var names []string
	for _, sec := range s.Sections {
		if sec.Required {
			names = append(names, sec.Name)
		}
	}
	return names
}

// NormalizeKey collapses the surrounding and inner whitespace of a field identifier. Case is
// kept: the device uses it to tell fields apart.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(key), " ")
}

// FoldKey is NormalizeKey with case folded.
func FoldKey(key string) string {
	return strings.ToLower(NormalizeKey(key))
}
