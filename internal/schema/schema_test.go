package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchema(t *testing.T) {
	s := Default()
	require.NotNil(t, s)
	assert.Same(t, s, Default())

	for _, name := range []string{
		SectionHeader, SectionConfiguration, SectionAlarmSettings, SectionHistory,
		SectionHistoryEntry, SectionHistoryAlarms, SectionCertificate,
	} {
		_, ok := s.Section(name)
		assert.True(t, ok, "section %s", name)
	}

	assert.Equal(t, []string{SectionHeader, SectionConfiguration}, s.RequiredSections())
	assert.Equal(t, SectionHeader, s.Root().Name)
}

func TestMatchSection(t *testing.T) {
	s := Default()

	tests := []struct {
		parent   string
		key      string
		expected string
		ok       bool
	}{
		{"", "Conf", SectionConfiguration, true},
		{SectionHeader, "Hist", SectionHistory, true},
		{"", "Cert", SectionCertificate, true},
		{SectionConfiguration, "Alarm", SectionAlarmSettings, true},
		{SectionHistory, "12", SectionHistoryEntry, true},
		{SectionHistoryEntry, "Alarm", SectionHistoryAlarms, true},
		{"", "Alarm", "", false},
		{SectionHistory, "Alarm", "", false},
		{"", "Unknown", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.parent+"/"+tt.key, func(t *testing.T) {
			sec, ok := s.MatchSection(tt.parent, tt.key)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, sec.Name)
			}
		})
	}
}

func TestSectionField(t *testing.T) {
	s := Default()

	conf, _ := s.Section(SectionConfiguration)
	zone, ok := conf.Field("zone")
	require.True(t, ok)
	assert.Equal(t, TypeFloat, zone.Type)
	require.NotNil(t, zone.Min)
	assert.Equal(t, -14.0, *zone.Min)

	intSensor, ok := conf.Field("Int  Sensor")
	require.True(t, ok)
	assert.Equal(t, TypeDict, intSensor.Type)
	offset, ok := intSensor.Field("Offset")
	require.True(t, ok)
	assert.Equal(t, TypeFloat, offset.Type)

	unit, ok := conf.Field("Temp unit")
	require.True(t, ok)
	assert.True(t, unit.AllowsEnum("c"))
	assert.False(t, unit.AllowsEnum("K"))

	assert.Equal(t, []string{"Serial"}, conf.RequiredFields())

	alarms, _ := s.Section(SectionHistoryAlarms)
	entry, ok := alarms.Field("1")
	require.True(t, ok)
	assert.Equal(t, TypeDict, entry.Type)
	count, ok := entry.Field("C A")
	require.True(t, ok)
	assert.Equal(t, TypeInt, count.Type)

	_, ok = alarms.Field("x")
	assert.False(t, ok)
}

func TestOwner(t *testing.T) {
	s := Default()
	owner, ok := s.Owner("Sig")
	require.True(t, ok)
	assert.Equal(t, SectionCertificate, owner)

	_, ok = s.Owner("Device")
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "sections: [\n"},
		{"missing header", "sections:\n  - name: other\n    marker: '^X$'\n"},
		{"unknown kind", "sections:\n  - name: header\n    kind: table\n"},
		{"unknown type", "sections:\n  - name: header\n    fields:\n      A: bogus\n"},
		{"bad marker", "sections:\n  - name: header\n  - name: x\n    marker: '('\n"},
		{"missing marker", "sections:\n  - name: header\n  - name: x\n"},
		{"unknown parent", "sections:\n  - name: header\n  - name: x\n    marker: '^X$'\n    parent: nope\n"},
		{"duplicate", "sections:\n  - name: header\n  - name: header\n"},
		{"enum without values", "sections:\n  - name: header\n    fields:\n      U: enum\n"},
		{"min above max", "sections:\n  - name: header\n    fields:\n      A: {type: int, min: 5, max: 1}\n"},
		{"indexed without entry", "sections:\n  - name: header\n  - name: x\n    marker: '^X$'\n    kind: indexed\n"},
		{"bad relocation", "relocate:\n  Sig: nowhere\nsections:\n  - name: header\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseCustomSchema(t *testing.T) {
	data := []byte(`
sections:
  - name: header
    fields:
      Device: {type: text, required: true}
  - name: extra
    marker: '^Extra$'
    fields:
      Count: int
`)
	s, err := Parse(data)
	require.NoError(t, err)

	sec, ok := s.MatchSection("", "Extra")
	require.True(t, ok)
	assert.Equal(t, KindScalar, sec.Kind)

	f, ok := sec.Field("count")
	require.True(t, ok)
	assert.Equal(t, "Count", f.Name)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "TS Report Creation", NormalizeKey("  TS   Report Creation "))
	assert.Equal(t, "t Acc", NormalizeKey("t Acc"))
	assert.Equal(t, "ts report creation", FoldKey("  TS   Report Creation "))
}

func TestFieldLookupIsCaseSensitive(t *testing.T) {
	s := Default()
	settings, _ := s.Section(SectionAlarmSettings)
	entry, ok := settings.Field("0")
	require.True(t, ok)

	limit, ok := entry.Field("T AL")
	require.True(t, ok)
	assert.Equal(t, TypeFloat, limit.Type)

	minutes, ok := entry.Field("t AL")
	require.True(t, ok)
	assert.Equal(t, TypeInt, minutes.Type)

	// "t al" folds to both fields
	_, ok = entry.Field("t al")
	assert.False(t, ok)

	conf, _ := s.Section(SectionConfiguration)
	serial, ok := conf.Field("SERIAL")
	require.True(t, ok)
	assert.Equal(t, "Serial", serial.Name)
}
