package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-fridgetag/internal/domain"
)

// Format is an output encoding of a report.
type Format string

// Supported output formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatXLSX Format = "xlsx"
)

// ParseFormat parses a format name. An empty name selects JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Write renders the report in the given format.
func (r *Report) Write(w io.Writer, f Format) error {
	switch f {
	case FormatJSON, "":
		return r.WriteJSON(w)
	case FormatYAML:
		return r.WriteYAML(w)
	case FormatXLSX:
		return r.WriteXLSX(w)
	default:
		return fmt.Errorf("unsupported output format %q", f)
	}
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML writes the report as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

// Worksheet names of the XLSX rendering.
const (
	SheetDevice  = "Device"
	SheetHistory = "History"
	SheetAlarms  = "Alarms"
)

var (
	historyHeaders = []string{"Key", "Date", "Timestamp", "Min T (°C)", "TS Min T", "Max T (°C)", "TS Max T",
		"Avrg T (°C)", "Alarm Count", "Events", "Derived"}
	alarmHeaders = []string{"Type", "Channel", "History Record", "Start", "End", "Duration", "Peak T (°C)", "Count"}
)

// WriteXLSX writes the report as a workbook with Device, History and Alarms sheets.
func (r *Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetDevice); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{SheetHistory, SheetAlarms} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := r.writeDeviceSheet(f, headerStyle); err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(r.HistoryRecords))
	for _, h := range r.HistoryRecords {
		var count int64
		for _, a := range h.Alarms {
			if a.AlarmCount != nil {
				count += *a.AlarmCount
			}
		}
		rows = append(rows, []interface{}{h.Key, h.Date, h.Timestamp, h.MinTemperature, clock(h.TimestampMinTemperature),
			h.MaxTemperature, clock(h.TimestampMaxTemperature), h.AverageTemperature, count, deref(h.EventCount), h.Derived})
	}
	if err := writeTable(f, SheetHistory, historyHeaders, rows, headerStyle); err != nil {
		return err
	}

	rows = rows[:0]
	for _, a := range r.Alarms {
		end := ""
		if a.End != nil {
			end = *a.End
		}
		var peak interface{} = ""
		if a.PeakTemperature != nil {
			peak = *a.PeakTemperature
		}
		rows = append(rows, []interface{}{string(a.Type), a.Channel, a.HistoryIndex, a.Start, end, a.Duration, peak, deref(a.Count)})
	}
	if err := writeTable(f, SheetAlarms, alarmHeaders, rows, headerStyle); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func (r *Report) writeDeviceSheet(f *excelize.File, headerStyle int) error {
	rows := [][]interface{}{
		{"Device Type", r.DeviceType},
		{"Device Model", r.DeviceModel},
		{"Serial Number", r.SerialNumber},
		{"Software Version", r.SoftwareVersion},
		{"Firmware Version", r.FirmwareVersion},
		{"Reporting Interval (min)", r.Configuration.ReportingIntervalMinutes},
		{"Certificate Valid", r.CertificateValid},
	}
	if r.ClockOffsetHours != nil {
		rows = append(rows, []interface{}{"Clock Offset (h)", *r.ClockOffsetHours})
	}
	if t := r.Configuration.Thresholds.Lower; t != nil {
		rows = append(rows, []interface{}{"Lower Threshold (°C)", *t})
	}
	if t := r.Configuration.Thresholds.Upper; t != nil {
		rows = append(rows, []interface{}{"Upper Threshold (°C)", *t})
	}
	if r.ActivationTimestamp != nil {
		rows = append(rows, []interface{}{"Activation", *r.ActivationTimestamp})
	}
	if r.ReportCreationTimestamp != nil {
		rows = append(rows, []interface{}{"Report Creation", *r.ReportCreationTimestamp})
	}
	return writeTable(f, SheetDevice, []string{"Field", "Value"}, rows, headerStyle)
}

func writeTable(f *excelize.File, sheet string, headers []string, rows [][]interface{}, headerStyle int) error {
	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}

	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set %s header style: %w", sheet, err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return fmt.Errorf("failed to convert column number: %w", err)
	}
	if err := f.SetColWidth(sheet, "A", lastCol, 18); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func clock(c *domain.ClockTime) string {
	if c == nil {
		return ""
	}
	return c.String()
}

func deref(v *int64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
