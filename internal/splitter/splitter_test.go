package splitter

import (
	"errors"
	"testing"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleExport = `Device: Fridge-tag 2L
Vers: 2.3
Conf:
 Serial: 160400343951
 CID:
 Alarm:
  0: T AL: +8.0, t AL: 600
  1: T AL: -0.5, t AL: 60
 Int Sensor: Timeout: 10, Offset: +0.0
Hist:
 TS Actv: 2025-06-10 08:00

 # first day
 1:
  Date: 2025-06-11
  Min T: +4.0, TS Min T: 03:10
  Alarm:
   0: t Acc: 0, TS A: 00:00, C A: 0
  Events: 0
 2:
  Date: 2025-06-12
Cert:
 Vers: 0
Sig: 1A2B
`

func names(r *Result) []string {
	out := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		out = append(out, s.Name)
	}
	return out
}

func TestSplitSections(t *testing.T) {
	result, err := Split([]byte(sampleExport), schema.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.SectionHeader,
		schema.SectionConfiguration,
		schema.SectionAlarmSettings,
		schema.SectionHistory,
		schema.SectionHistoryEntry,
		schema.SectionHistoryAlarms,
		schema.SectionHistoryEntry,
		schema.SectionCertificate,
	}, names(result))
	assert.Empty(t, result.Warnings)

	header := result.Sections[0]
	require.Len(t, header.Lines, 3)
	assert.Equal(t, "Device", header.Lines[0].Key)
	assert.Equal(t, "Fridge-tag 2L", header.Lines[0].Value)
	assert.Equal(t, "Sig", header.Lines[2].Key)
	assert.Equal(t, header.Lines[2].Offset, result.SignatureOffset)

	conf := result.Sections[1]
	assert.Equal(t, "Conf", conf.Path)
	require.Len(t, conf.Lines, 3)
	assert.Equal(t, "CID", conf.Lines[1].Key)
	assert.Equal(t, "", conf.Lines[1].Value)
	assert.Equal(t, "Int Sensor", conf.Lines[2].Key)

	alarms := result.Sections[2]
	assert.Equal(t, 1, alarms.Parent)
	assert.Equal(t, "Conf/Alarm", alarms.Path)
	require.Len(t, alarms.Lines, 2)
	assert.Equal(t, "0", alarms.Lines[0].Key)
	assert.Equal(t, "T AL: +8.0, t AL: 600", alarms.Lines[0].Value)

	entry := result.Sections[4]
	assert.Equal(t, "1", entry.Key)
	assert.Equal(t, "Hist/1", entry.Path)
	assert.Equal(t, 14, entry.Line)
	require.Len(t, entry.Lines, 3)
	assert.Equal(t, "Events", entry.Lines[2].Key)

	dayAlarms := result.Sections[5]
	assert.Equal(t, 4, dayAlarms.Parent)
	assert.Equal(t, "Hist/1/Alarm", dayAlarms.Path)

	assert.Equal(t, []int{4, 6}, result.Children(3))
	assert.Equal(t, 24, result.LineCount)
}

func TestSplitToleratesCRLFAndBOM(t *testing.T) {
	content := "\xEF\xBB\xBFDevice: Fridge-tag 2\r\nConf:\r\n Serial: 1\r\n\r\n; comment\r\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)

	require.Len(t, result.Sections, 2)
	assert.Equal(t, "Fridge-tag 2", result.Sections[0].Lines[0].Value)
	assert.Equal(t, "1", result.Sections[1].Lines[0].Value)
	assert.Equal(t, -1, result.SignatureOffset)
}

func TestSplitTabsCountAsOneColumn(t *testing.T) {
	content := "Device: Fridge-tag 2\nConf:\n\tSerial: 1\n\tLot: 7\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Sections, 2)
	assert.Len(t, result.Sections[1].Lines, 2)
	assert.Equal(t, 1, result.Sections[1].Lines[0].Indent)
}

func TestSplitUnknownBlockIsWarning(t *testing.T) {
	content := `Device: Fridge-tag 2E
Extras:
 Foo: 1
 Bar: 2
Conf:
 Serial: 9
`
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{schema.SectionHeader, schema.SectionConfiguration}, names(result))
	require.Len(t, result.Warnings, 3)
	assert.Contains(t, result.Warnings[0].Message, "unknown block")
	assert.Equal(t, 2, result.Warnings[0].Line)
	assert.False(t, result.Warnings[0].Debug)
	assert.True(t, result.Warnings[1].Debug)
	assert.True(t, result.Warnings[2].Debug)
}

func TestSplitLineWithoutKeyIsWarning(t *testing.T) {
	content := "Device: Fridge-tag 2\ngarbage line\nConf:\n Serial: 1\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, 2, result.Warnings[0].Line)
	assert.Equal(t, "splitter", result.Warnings[0].Stage)
}

func TestSplitOrphanedLineIsWarning(t *testing.T) {
	content := "Device: Fridge-tag 2\nConf:\n Serial: 1\n   Stray: 2\n Lot: 3\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "orphaned")
	assert.Len(t, result.Sections[1].Lines, 2)
}

func TestSplitEmptySectionMidFile(t *testing.T) {
	content := "Device: Fridge-tag 2\nHist:\nConf:\n Serial: 1\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{schema.SectionHeader, schema.SectionHistory, schema.SectionConfiguration}, names(result))
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "no entries")
}

func TestSplitMissingHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"comments only", "# nothing\n\n"},
		{"sections only", "Conf:\n Serial: 1\nHist:\n"},
		{"signature only", "Conf:\n Serial: 1\nSig: 1A2B\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split([]byte(tt.content), schema.Default())
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMissingRequiredSection))

			var pe *domain.ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, schema.SectionHeader, pe.Section)
		})
	}
}

func TestSplitTruncatedSection(t *testing.T) {
	content := "Device: Fridge-tag 2\nConf:\n Serial: 1\nHist:\n 1:\n  Date: 2025-06-11\n 2:\n"
	_, err := Split([]byte(content), schema.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedSection))

	var pe *domain.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.SectionHistoryEntry, pe.Section)
	assert.Equal(t, 7, pe.Line)
}

func TestSplitTrailingEmptyFieldIsNotMalformed(t *testing.T) {
	content := "Device: Fridge-tag 2\nConf:\n Serial: 1\n CID:\n"
	result, err := Split([]byte(content), schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Sections[1].Lines, 2)
	assert.Equal(t, "CID", result.Sections[1].Lines[1].Key)
}
