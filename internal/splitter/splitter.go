// Package splitter partitions a Fridge-tag export into the sections declared by the schema.
package splitter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/schema"
)

const stage = "splitter"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Line is one "Key: value" line of the export.
type Line struct {
	Number int    `json:"line"`
	Offset int    `json:"offset"`
	Indent int    `json:"indent"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// Section is an ordered group of lines belonging to one schema section.
type Section struct {
	Name   string `json:"name"`
	Key    string `json:"key,omitempty"`
	Path   string `json:"path,omitempty"`
	Parent int    `json:"parent"`
	Line   int    `json:"line,omitempty"`
	Lines  []Line `json:"lines"`
}

// Result is the output of Split.
type Result struct {
	Sections        []Section
	Warnings        []domain.Warning
	SignatureOffset int
	LineCount       int
}

// frame is one open block on the indentation stack.
type frame struct {
	indent      int
	childIndent int
	section     int // index into Result.Sections, -1 when the block is ignored
	spec        *schema.SectionSpec
	path        string
}

type splitState struct {
	schema  *schema.Schema
	result  *Result
	stack   []*frame
	pending *Line
}

// Split scans the export and returns its sections in source order. The header section is
// always the first one and collects the top-level fields.
func Split(content []byte, s *schema.Schema) (*Result, error) {
	content = bytes.TrimPrefix(content, utf8BOM)

	st := &splitState{
		schema: s,
		result: &Result{
			Sections:        []Section{{Name: schema.SectionHeader, Parent: -1}},
			SignatureOffset: -1,
		},
	}
	st.stack = []*frame{{indent: -1, childIndent: -1, section: 0, spec: s.Root()}}

	offset := 0
	number := 0
	for offset < len(content) {
		end := bytes.IndexByte(content[offset:], '\n')
		var raw []byte
		next := len(content)
		if end >= 0 {
			raw = content[offset : offset+end]
			next = offset + end + 1
		} else {
			raw = content[offset:]
		}
		number++
		st.scan(string(bytes.TrimRight(raw, "\r")), number, offset)
		offset = next
	}
	st.result.LineCount = number

	pendingErr := st.flushAtEOF()

	if !st.hasHeaderFields() {
		return nil, domain.NewMissingRequiredSectionError(schema.SectionHeader)
	}
	if pendingErr != nil {
		return nil, pendingErr
	}

	return st.result, nil
}

func (st *splitState) scan(text string, number, offset int) {
	indent := 0
	for indent < len(text) && (text[indent] == ' ' || text[indent] == '\t') {
		indent++
	}
	body := strings.TrimSpace(text[indent:])
	if body == "" || strings.HasPrefix(body, "#") || strings.HasPrefix(body, ";") {
		return
	}

	colon := strings.Index(body, ":")
	if colon <= 0 {
		st.warn(number, "", fmt.Sprintf("ignored line without key: %q", body), false)
		return
	}

	line := Line{
		Number: number,
		Offset: offset,
		Indent: indent,
		Key:    strings.TrimSpace(body[:colon]),
		Value:  strings.TrimSpace(body[colon+1:]),
	}

	if st.pending != nil {
		opener := *st.pending
		st.pending = nil
		if line.Indent > opener.Indent {
			st.open(opener)
		} else {
			st.closeEmpty(opener)
		}
	}

	st.place(line)
}

// place attaches a line to the innermost block that can hold it.
func (st *splitState) place(line Line) {
	for len(st.stack) > 1 && line.Indent <= st.top().indent {
		st.stack = st.stack[:len(st.stack)-1]
	}

	top := st.top()
	if top.childIndent < 0 {
		top.childIndent = line.Indent
	} else if line.Indent > top.childIndent {
		st.warn(line.Number, st.sectionName(top), fmt.Sprintf("ignored orphaned line %q", line.Key), false)
		return
	}

	if line.Value == "" {
		pending := line
		st.pending = &pending
		return
	}

	if top.section < 0 {
		st.warn(line.Number, "", fmt.Sprintf("skipped line %q of ignored block", line.Key), true)
		return
	}

	if len(st.stack) == 1 && schema.FoldKey(line.Key) == "sig" && st.result.SignatureOffset < 0 {
		st.result.SignatureOffset = line.Offset
	}

	sec := &st.result.Sections[top.section]
	sec.Lines = append(sec.Lines, line)
}

// hasHeaderFields reports whether a top-level line belongs to the header. Lines relocated to
// another section, such as the trailing signature, do not count.
func (st *splitState) hasHeaderFields() bool {
	for _, line := range st.result.Sections[0].Lines {
		if owner, ok := st.schema.Owner(line.Key); !ok || owner == schema.SectionHeader {
			return true
		}
	}
	return false
}

// open turns a pending "Key:" line into a block.
func (st *splitState) open(opener Line) {
	top := st.top()

	if top.section < 0 {
		st.push(opener, -1, nil, "")
		return
	}

	spec, ok := st.schema.MatchSection(top.spec.Name, opener.Key)
	if !ok {
		st.warn(opener.Number, top.spec.Name, fmt.Sprintf("ignored unknown block %q", opener.Key), false)
		st.push(opener, -1, nil, "")
		return
	}

	path := opener.Key
	if top.path != "" {
		path = top.path + "/" + opener.Key
	}
	st.result.Sections = append(st.result.Sections, Section{
		Name:   spec.Name,
		Key:    opener.Key,
		Path:   path,
		Parent: top.section,
		Line:   opener.Number,
	})
	st.push(opener, len(st.result.Sections)-1, spec, path)
}

// closeEmpty resolves a "Key:" line that received no body: an empty section when the key is
// a section marker, otherwise a field without value.
func (st *splitState) closeEmpty(opener Line) {
	top := st.top()
	if top.section < 0 {
		return
	}

	if spec, ok := st.schema.MatchSection(top.spec.Name, opener.Key); ok {
		path := opener.Key
		if top.path != "" {
			path = top.path + "/" + opener.Key
		}
		st.result.Sections = append(st.result.Sections, Section{
			Name:   spec.Name,
			Key:    opener.Key,
			Path:   path,
			Parent: top.section,
			Line:   opener.Number,
		})
		st.warn(opener.Number, spec.Name, fmt.Sprintf("section %q has no entries", opener.Key), false)
		return
	}

	sec := &st.result.Sections[top.section]
	sec.Lines = append(sec.Lines, opener)
}

// flushAtEOF resolves a trailing "Key:" line. A section marker without body at the end of
// the file means the export was cut off.
func (st *splitState) flushAtEOF() error {
	if st.pending == nil {
		return nil
	}
	opener := *st.pending
	st.pending = nil

	top := st.top()
	if top.section < 0 {
		return nil
	}
	if spec, ok := st.schema.MatchSection(top.spec.Name, opener.Key); ok {
		return domain.NewMalformedSectionError(spec.Name, opener.Number,
			fmt.Sprintf("section %q opened but not closed before end of file", opener.Key))
	}

	sec := &st.result.Sections[top.section]
	sec.Lines = append(sec.Lines, opener)
	return nil
}

func (st *splitState) push(opener Line, section int, spec *schema.SectionSpec, path string) {
	st.stack = append(st.stack, &frame{
		indent:      opener.Indent,
		childIndent: -1,
		section:     section,
		spec:        spec,
		path:        path,
	})
}

func (st *splitState) top() *frame {
	return st.stack[len(st.stack)-1]
}

func (st *splitState) sectionName(f *frame) string {
	if f.spec == nil {
		return ""
	}
	return f.spec.Name
}

func (st *splitState) warn(line int, section, message string, debug bool) {
	st.result.Warnings = append(st.result.Warnings, domain.Warning{
		Stage:   stage,
		Section: section,
		Line:    line,
		Message: message,
		Debug:   debug,
	})
}

// Children returns the indices of the direct child sections of the section at index parent.
func (r *Result) Children(parent int) []int {
	var out []int
	for i, sec := range r.Sections {
		if sec.Parent == parent && i != parent {
			out = append(out, i)
		}
	}
	return out
}
