// Package aggregate assembles extracted sections into one raw, untyped-by-domain document.
// Aggregation never fails: anything it cannot place is kept and reported as a warning.
package aggregate

import (
	"fmt"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/extract"
	"github.com/resident-x/go-fridgetag/internal/schema"
	"github.com/resident-x/go-fridgetag/internal/splitter"
)

const stage = "aggregator"

// Extracted pairs a split section with its extracted fields.
type Extracted struct {
	Section splitter.Section
	Fields  *extract.Fields
}

// HistoryEntry is one raw history block with its per-day alarm counters.
type HistoryEntry struct {
	Key    string          `json:"key"`
	Path   string          `json:"path"`
	Line   int             `json:"line"`
	Fields *extract.Fields `json:"fields"`
	Alarms *extract.Fields `json:"alarms,omitempty"`
}

// Document is the raw aggregate of one export.
type Document struct {
	Header        *extract.Fields            `json:"header"`
	Configuration *extract.Fields            `json:"configuration,omitempty"`
	AlarmSettings *extract.Fields            `json:"alarmSettings,omitempty"`
	History       *extract.Fields            `json:"history,omitempty"`
	Entries       []HistoryEntry             `json:"entries,omitempty"`
	Certificate   *extract.Fields            `json:"certificate,omitempty"`
	Extra         map[string]*extract.Fields `json:"extra,omitempty"`
	Present       map[string]bool            `json:"-"`
	SignedContent []byte                     `json:"-"`
}

// Has reports whether a section appeared in the export.
func (d *Document) Has(section string) bool {
	return d.Present[section]
}

type aggregator struct {
	schema   *schema.Schema
	doc      *Document
	entries  map[int]int // splitter section index -> Entries index
	warnings []domain.Warning
}

// Aggregate merges the extracted sections, which must be in the order Split produced them,
// into a Document.
func Aggregate(sections []Extracted, s *schema.Schema, signed []byte) (*Document, []domain.Warning) {
	a := &aggregator{
		schema: s,
		doc: &Document{
			Header:        extract.NewFields(),
			Present:       make(map[string]bool),
			SignedContent: signed,
		},
		entries: make(map[int]int),
	}

	for i, ex := range sections {
		a.add(i, ex)
	}
	a.relocate()

	return a.doc, a.warnings
}

func (a *aggregator) add(i int, ex Extracted) {
	sec := ex.Section
	fields := ex.Fields
	if fields == nil {
		fields = extract.NewFields()
	}
	a.doc.Present[sec.Name] = true

	switch sec.Name {
	case schema.SectionHeader:
		a.doc.Header = a.merge(a.doc.Header, fields, sec)
	case schema.SectionConfiguration:
		a.doc.Configuration = a.replace(a.doc.Configuration, fields, sec)
	case schema.SectionAlarmSettings:
		a.doc.AlarmSettings = a.replace(a.doc.AlarmSettings, fields, sec)
	case schema.SectionHistory:
		a.doc.History = a.replace(a.doc.History, fields, sec)
	case schema.SectionCertificate:
		a.doc.Certificate = a.replace(a.doc.Certificate, fields, sec)
	case schema.SectionHistoryEntry:
		a.entries[i] = len(a.doc.Entries)
		a.doc.Entries = append(a.doc.Entries, HistoryEntry{
			Key:    sec.Key,
			Path:   sec.Path,
			Line:   sec.Line,
			Fields: fields,
		})
	case schema.SectionHistoryAlarms:
		idx, ok := a.entries[sec.Parent]
		if !ok {
			a.warn(sec, "alarm counters outside of a history entry kept as extra")
			a.extra(sec, fields)
			return
		}
		entry := &a.doc.Entries[idx]
		if entry.Alarms != nil {
			a.warn(sec, "alarm block repeated, last one wins")
		}
		entry.Alarms = fields
	default:
		a.extra(sec, fields)
	}
}

func (a *aggregator) replace(current, next *extract.Fields, sec splitter.Section) *extract.Fields {
	if current != nil {
		a.warn(sec, fmt.Sprintf("section %q repeated, last one wins", sec.Key))
	}
	return next
}

// merge adds the fields of a second header block to the first one.
func (a *aggregator) merge(into, from *extract.Fields, sec splitter.Section) *extract.Fields {
	for _, v := range from.Values() {
		if into.Set(v) {
			a.warnField(sec, v, "field repeated, last value wins")
		}
	}
	return into
}

func (a *aggregator) extra(sec splitter.Section, fields *extract.Fields) {
	if a.doc.Extra == nil {
		a.doc.Extra = make(map[string]*extract.Fields)
	}
	key := sec.Path
	if key == "" {
		key = sec.Name
	}
	a.doc.Extra[key] = fields
}

// relocate moves top-level keys owned by another section (the signature) into it.
func (a *aggregator) relocate() {
	kept := extract.NewFields()
	for _, v := range a.doc.Header.Values() {
		owner, ok := a.schema.Owner(v.Key)
		if !ok {
			kept.Set(v)
			continue
		}

		target := a.section(owner)
		if target == nil {
			a.warnings = append(a.warnings, domain.Warning{
				Stage:   stage,
				Section: schema.SectionHeader,
				Line:    v.Line,
				Field:   v.Key,
				Message: fmt.Sprintf("cannot relocate field to section %q", owner),
			})
			kept.Set(v)
			continue
		}
		if ownerSpec, ok := a.schema.Section(owner); ok {
			if f, ok := ownerSpec.Field(v.Key); ok {
				v.Known = true
				v.Type = f.Type
			}
		}
		target.Set(v)
	}
	a.doc.Header = kept
	a.doc.Present[schema.SectionHeader] = kept.Len() > 0
}

func (a *aggregator) section(name string) *extract.Fields {
	switch name {
	case schema.SectionCertificate:
		if a.doc.Certificate == nil {
			a.doc.Certificate = extract.NewFields()
		}
		return a.doc.Certificate
	case schema.SectionConfiguration:
		if a.doc.Configuration == nil {
			a.doc.Configuration = extract.NewFields()
		}
		return a.doc.Configuration
	case schema.SectionHistory:
		if a.doc.History == nil {
			a.doc.History = extract.NewFields()
		}
		return a.doc.History
	default:
		return nil
	}
}

func (a *aggregator) warn(sec splitter.Section, message string) {
	a.warnings = append(a.warnings, domain.Warning{
		Stage:   stage,
		Section: sec.Name,
		Line:    sec.Line,
		Message: message,
	})
}

func (a *aggregator) warnField(sec splitter.Section, v *extract.Value, message string) {
	a.warnings = append(a.warnings, domain.Warning{
		Stage:   stage,
		Section: sec.Name,
		Line:    v.Line,
		Field:   v.Key,
		Message: message,
	})
}
