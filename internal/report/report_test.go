package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-fridgetag/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func clockAt(h, m int) *domain.ClockTime {
	c := domain.ClockTime(h*60 + m)
	return &c
}

func testDocument() *domain.Document {
	loc := time.FixedZone("UTC+2.0", 2*3600)
	day1 := time.Date(2016, 4, 19, 0, 0, 0, 0, loc)
	day2 := time.Date(2016, 4, 20, 0, 0, 0, 0, loc)
	start := day1.Add(15*time.Hour + 2*time.Minute)
	end := start.Add(45 * time.Minute)
	activated := time.Date(2016, 4, 19, 14, 49, 0, 0, loc)

	return &domain.Document{
		Header: domain.DeviceHeader{
			DeviceType:       "Fridge-tag 2L",
			Model:            domain.ModelFridgeTag2L,
			SerialNumber:     "160400343951",
			SoftwareVersion:  "2.3",
			FirmwareVersion:  "1.1.6",
			ClockOffsetHours: ptr(2.0),
			SensorType:       ptr(int64(1)),
			PCBVersion:       "A",
			LotNumber:        "L12",
		},
		Configuration: domain.ConfigurationRecord{
			LowerThreshold: ptr(-0.5),
			UpperThreshold: ptr(8.0),
			AlarmSettings: []domain.AlarmSetting{
				{Channel: "0", TemperatureLimit: ptr(8.0), TimeLimitMinutes: ptr(int64(600))},
				{Channel: "1", TemperatureLimit: ptr(-0.5), TimeLimitMinutes: ptr(int64(60))},
			},
			ReportingInterval: 24 * time.Hour,
			ActivationTime:    &activated,
			TemperatureUnit:   "C",
		},
		History: []domain.HistoryRecord{
			{
				Index: 0, Key: "1", Timestamp: day1,
				Min: 2.1, Max: 9.5, Avg: 5.2,
				MinAt: clockAt(3, 10), MaxAt: clockAt(15, 11),
				Events: ptr(int64(0)),
				Alarms: []domain.DailyAlarm{
					{Channel: "0", AccumulatedMinutes: ptr(int64(45)), Timestamp: clockAt(15, 2), Count: ptr(int64(1))},
					{Channel: "1", AccumulatedMinutes: ptr(int64(0)), Timestamp: clockAt(0, 0), Count: ptr(int64(0))},
				},
				SensorTimeoutMinutes: ptr(int64(0)),
				CheckedAM:            clockAt(8, 0),
			},
			{
				Index: 1, Key: "2", Timestamp: day2,
				Min: 4, Max: 6, Avg: 5,
				Samples: []float64{4, 5, 6},
				Derived: true,
			},
		},
		Alarms: []domain.AlarmRecord{
			{Type: domain.AlarmHighExcursion, Channel: "0", HistoryIndex: 0, Start: start, End: &end,
				PeakTemperature: ptr(9.5), Count: ptr(int64(1))},
			{Type: domain.AlarmDeviceFault, Channel: "int_sensor", HistoryIndex: 1, Start: day2},
		},
		Certificate: &domain.CertificateData{
			Version:   "0",
			Issuer:    "Berlinger",
			Signature: "1A2B",
			Valid:     true,
			Scheme:    "crc16-ccitt",
		},
	}
}

func TestProject(t *testing.T) {
	r := Project(testDocument())

	assert.Equal(t, "Fridge-tag 2L", r.DeviceModel)
	assert.Equal(t, "160400343951", r.SerialNumber)
	assert.Equal(t, "L12", r.Configuration.LotNumber)
	assert.Equal(t, int64(1440), r.Configuration.ReportingIntervalMinutes)
	assert.Equal(t, ptr(-0.5), r.Configuration.Thresholds.Lower)
	require.NotNil(t, r.ActivationTimestamp)
	assert.Equal(t, "2016-04-19T14:49:00+02:00", *r.ActivationTimestamp)
	assert.Nil(t, r.ReportCreationTimestamp)
	assert.True(t, r.CertificateValid)

	require.Len(t, r.HistoryRecords, 2)
	h := r.HistoryRecords[0]
	assert.Equal(t, "2016-04-19T00:00:00+02:00", h.Timestamp)
	assert.Equal(t, "2016-04-19", h.Date)
	assert.Equal(t, 9.5, h.MaxTemperature)
	assert.Equal(t, "00:45", h.Alarms["0"].AccumulatedTime)
	assert.Equal(t, int64(0), h.InternalSensorTimeout.AccumulatedSensorTimeout)
	require.NotNil(t, h.CheckedTimestamps)
	assert.Nil(t, h.CheckedTimestamps.TimestampPM)
	assert.True(t, r.HistoryRecords[1].Derived)

	require.Len(t, r.Alarms, 2)
	assert.Equal(t, "2016-04-19T15:02:00+02:00", r.Alarms[0].Start)
	assert.Equal(t, "PT45M", r.Alarms[0].Duration)
	assert.Nil(t, r.Alarms[1].End)
	assert.Empty(t, r.Alarms[1].Duration)
}

func TestProjectOmitsUnreported(t *testing.T) {
	doc := testDocument()
	doc.Certificate = nil
	doc.Header.ClockOffsetHours = nil

	var buf bytes.Buffer
	require.NoError(t, Project(doc).WriteJSON(&buf))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.NotContains(t, out, "certificate")
	assert.NotContains(t, out, "clockOffsetHours")
	assert.NotContains(t, out, "sensor")
	assert.NotContains(t, out, "reportCreationTimestamp")
	assert.Equal(t, false, out["certificateValid"])

	records := out["historyRecords"].([]interface{})
	second := records[1].(map[string]interface{})
	assert.NotContains(t, second, "timestampMinTemperature")
	assert.NotContains(t, second, "alarms")
}

func TestProjectCopiesSamples(t *testing.T) {
	doc := testDocument()
	r := Project(doc)

	r.HistoryRecords[1].Samples[0] = 99
	assert.Equal(t, []float64{4, 5, 6}, doc.History[1].Samples)

	back, err := r.Document()
	require.NoError(t, err)
	back.History[1].Samples[1] = -1
	assert.Equal(t, []float64{99, 5, 6}, r.HistoryRecords[1].Samples)
}

func TestRoundTrip(t *testing.T) {
	first := Project(testDocument())

	doc, err := first.Document()
	require.NoError(t, err)
	assert.Equal(t, first, Project(doc))

	assert.Equal(t, domain.ModelFridgeTag2L, doc.Header.Model)
	require.Len(t, doc.History[0].Alarms, 2)
	assert.Equal(t, "0", doc.History[0].Alarms[0].Channel)
	assert.True(t, doc.History[0].Timestamp.Equal(testDocument().History[0].Timestamp))
}

func TestJSONRoundTrip(t *testing.T) {
	r := Project(testDocument())

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, r, &decoded)
}

func TestYAMLRoundTrip(t *testing.T) {
	r := Project(testDocument())

	var buf bytes.Buffer
	require.NoError(t, r.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "serialNumber: \"160400343951\"")

	var decoded Report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, r, &decoded)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Project(testDocument()).WriteXLSX(&buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetDevice, SheetHistory, SheetAlarms}, f.GetSheetList())

	serial, err := f.GetCellValue(SheetDevice, "B4")
	require.NoError(t, err)
	assert.Equal(t, "160400343951", serial)

	date, err := f.GetCellValue(SheetHistory, "B2")
	require.NoError(t, err)
	assert.Equal(t, "2016-04-19", date)

	minAt, err := f.GetCellValue(SheetHistory, "E2")
	require.NoError(t, err)
	assert.Equal(t, "03:10", minAt)

	typ, err := f.GetCellValue(SheetAlarms, "A2")
	require.NoError(t, err)
	assert.Equal(t, "high_excursion", typ)

	rows, err := f.GetRows(SheetAlarms)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestDocumentErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Report)
		errMsg string
	}{
		{
			name:   "unsupported model",
			mutate: func(r *Report) { r.DeviceModel = "Q-tag CLm" },
			errMsg: "unsupported device model",
		},
		{
			name:   "bad history timestamp",
			mutate: func(r *Report) { r.HistoryRecords[1].Timestamp = "2016-04-20" },
			errMsg: "history record 1",
		},
		{
			name:   "bad activation timestamp",
			mutate: func(r *Report) { r.ActivationTimestamp = ptr("yesterday") },
			errMsg: "activationTimestamp",
		},
		{
			name:   "duration mismatch",
			mutate: func(r *Report) { r.Alarms[0].Duration = "PT1H" },
			errMsg: "does not match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Project(testDocument())
			tt.mutate(r)

			_, err := r.Document()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"xlsx", FormatXLSX, false},
		{"csv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "application/yaml", FormatYAML.ContentType())
}
