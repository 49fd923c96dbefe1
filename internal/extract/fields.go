package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/schema"
)

// Timestamp is a coerced timestamp. Naive values carry no zone information and are
// interpreted in the device clock offset by the validator.
type Timestamp struct {
	Time     time.Time `json:"time"`
	Naive    bool      `json:"naive,omitempty"`
	DateOnly bool      `json:"dateOnly,omitempty"`
}

// In returns the timestamp located in loc when it is naive.
func (t Timestamp) In(loc *time.Location) time.Time {
	if !t.Naive || loc == nil {
		return t.Time
	}
	tt := t.Time
	return time.Date(tt.Year(), tt.Month(), tt.Day(), tt.Hour(), tt.Minute(), tt.Second(), tt.Nanosecond(), loc)
}

// Value is one extracted field. Typed holds string, int64, float64, Timestamp,
// domain.ClockTime, []float64 or *Fields depending on the declared type.
type Value struct {
	Key   string           `json:"key"`
	Raw   string           `json:"raw"`
	Line  int              `json:"line"`
	Type  schema.FieldType `json:"type,omitempty"`
	Known bool             `json:"known"`
	Typed interface{}      `json:"value"`
}

// Fields is an ordered set of extracted values addressed by normalised key. Keys are
// case-sensitive; a lookup falls back to a case-insensitive match when only one key fits.
type Fields struct {
	values []*Value
	index  map[string]int
	folded map[string]int // -1: several keys fold together
}

// NewFields creates an empty field set.
func NewFields() *Fields {
	return &Fields{index: make(map[string]int), folded: make(map[string]int)}
}

// Set stores a value. A value with the same key is replaced in place and reported.
func (f *Fields) Set(v *Value) (replaced bool) {
	key := schema.NormalizeKey(v.Key)
	if i, ok := f.index[key]; ok {
		f.values[i] = v
		return true
	}
	i := len(f.values)
	f.index[key] = i
	f.values = append(f.values, v)

	folded := strings.ToLower(key)
	if _, seen := f.folded[folded]; seen {
		f.folded[folded] = -1
	} else {
		f.folded[folded] = i
	}
	return false
}

// Get returns the value stored under key.
func (f *Fields) Get(key string) (*Value, bool) {
	if f == nil {
		return nil, false
	}
	k := schema.NormalizeKey(key)
	if i, ok := f.index[k]; ok {
		return f.values[i], true
	}
	if i, ok := f.folded[strings.ToLower(k)]; ok && i >= 0 {
		return f.values[i], true
	}
	return nil, false
}

// Values returns the values in source order.
func (f *Fields) Values() []*Value {
	if f == nil {
		return nil
	}
	return f.values
}

// Len returns the number of values.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.values)
}

// Text returns a text value.
func (f *Fields) Text(key string) (string, bool) {
	v, ok := f.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.Typed.(string)
	return s, ok
}

// Int returns an integer value.
func (f *Fields) Int(key string) (int64, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.Typed.(int64)
	return n, ok
}

// Float returns a floating point value.
func (f *Fields) Float(key string) (float64, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.Typed.(float64)
	return n, ok
}

// Timestamp returns a timestamp value.
func (f *Fields) Timestamp(key string) (Timestamp, bool) {
	v, ok := f.Get(key)
	if !ok {
		return Timestamp{}, false
	}
	ts, ok := v.Typed.(Timestamp)
	return ts, ok
}

// Clock returns a time-of-day value.
func (f *Fields) Clock(key string) (domain.ClockTime, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	c, ok := v.Typed.(domain.ClockTime)
	return c, ok
}

// Floats returns a sample list.
func (f *Fields) Floats(key string) ([]float64, bool) {
	v, ok := f.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := v.Typed.([]float64)
	return s, ok
}

// Dict returns a nested inline mapping.
func (f *Fields) Dict(key string) (*Fields, bool) {
	v, ok := f.Get(key)
	if !ok {
		return nil, false
	}
	d, ok := v.Typed.(*Fields)
	return d, ok
}

// Unknown returns the pass-through values that no field spec declared.
func (f *Fields) Unknown() map[string]string {
	out := make(map[string]string)
	for _, v := range f.Values() {
		if !v.Known {
			out[v.Key] = v.Raw
		}
	}
	return out
}

// MarshalJSON renders the fields as an object in source order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range f.Values() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(v.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v.Typed)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
