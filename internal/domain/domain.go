// Package domain provides the canonical Fridge-tag model and the interfaces shared by the
// go-fridgetag components.
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Model is a Fridge-tag hardware variant.
type Model string

// Supported device variants.
const (
	ModelFridgeTag2  Model = "Fridge-tag 2"
	ModelFridgeTag2L Model = "Fridge-tag 2L"
	ModelFridgeTag2E Model = "Fridge-tag 2E"
)

// SupportedModels lists the variants the parser accepts, in display order.
var SupportedModels = []Model{ModelFridgeTag2, ModelFridgeTag2L, ModelFridgeTag2E}

// ParseModel maps the free-text "Device" value of an export onto a Model.
// Vendor prefixes such as "Q-tag" are tolerated.
func ParseModel(s string) (Model, bool) {
	v := strings.ToLower(strings.Join(strings.Fields(s), " "))
	idx := strings.LastIndex(v, "fridge-tag 2")
	if idx < 0 {
		return "", false
	}

	switch suffix := strings.TrimSpace(v[idx+len("fridge-tag 2"):]); suffix {
	case "":
		return ModelFridgeTag2, true
	case "l":
		return ModelFridgeTag2L, true
	case "e":
		return ModelFridgeTag2E, true
	default:
		return "", false
	}
}

// AlarmType classifies an AlarmRecord.
type AlarmType string

// Alarm types.
const (
	AlarmHighExcursion AlarmType = "high_excursion"
	AlarmLowExcursion  AlarmType = "low_excursion"
	AlarmDeviceFault   AlarmType = "device_fault"
)

// Valid reports whether the alarm type belongs to the closed enumeration.
func (t AlarmType) Valid() bool {
	switch t {
	case AlarmHighExcursion, AlarmLowExcursion, AlarmDeviceFault:
		return true
	}
	return false
}

// ClockTime is a time of day in minutes after midnight as reported by the device ("HH:MM").
type ClockTime int

// String formats the clock time as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// MarshalText implements encoding.TextMarshaler.
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClockTime) UnmarshalText(text []byte) error {
	v, err := ParseClockTime(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseClockTime parses an "HH:MM" value.
func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return ClockTime(h*60 + m), nil
}

// DeviceHeader identifies the physical unit.
type DeviceHeader struct {
	DeviceType       string
	Model            Model
	SerialNumber     string
	SoftwareVersion  string
	FirmwareVersion  string
	ClockOffsetHours *float64
	SensorType       *int64
	PCBVersion       string
	CustomerID       string
	LotNumber        string
}

// ClockOffset returns the device clock offset as a fixed time zone.
func (h DeviceHeader) ClockOffset() *time.Location {
	if h.ClockOffsetHours == nil || *h.ClockOffsetHours == 0 {
		return time.UTC
	}
	seconds := int(*h.ClockOffsetHours * 3600)
	return time.FixedZone(fmt.Sprintf("UTC%+.1f", *h.ClockOffsetHours), seconds)
}

// AlarmSetting is one configured alarm channel.
type AlarmSetting struct {
	Channel          string
	TemperatureLimit *float64
	TimeLimitMinutes *int64
}

// ConfigurationRecord holds alarm thresholds and logging configuration.
type ConfigurationRecord struct {
	LowerThreshold      *float64
	UpperThreshold      *float64
	AlarmSettings       []AlarmSetting
	ReportingInterval   time.Duration
	ActivationTime      *time.Time
	ReportCreationTime  *time.Time
	MeasurementDelay    *int64
	MovingAverage       *int64
	UserAlarmConfig     *int64
	UserClockConfig     *int64
	AlarmIndication     *int64
	TemperatureUnit     string
	ReportHistoryLength *int64
	DetailedReport      *int64
	UseExternalDevices  *int64
	Extra               map[string]string
}

// DailyAlarm is the per-day counter of one alarm channel.
type DailyAlarm struct {
	Channel            string
	AccumulatedMinutes *int64
	Timestamp          *ClockTime
	Count              *int64
}

// HistoryRecord is one reporting interval summary.
type HistoryRecord struct {
	Index                int
	Key                  string
	Timestamp            time.Time
	Min                  float64
	Max                  float64
	Avg                  float64
	MinAt                *ClockTime
	MaxAt                *ClockTime
	Status               *string
	Events               *int64
	Alarms               []DailyAlarm
	SensorTimeoutMinutes *int64
	CheckedAM            *ClockTime
	CheckedPM            *ClockTime
	Samples              []float64
	Derived              bool
	Extra                map[string]string
}

// AlarmRecord is one excursion or fault event.
type AlarmRecord struct {
	Type            AlarmType
	Channel         string
	HistoryIndex    int
	Start           time.Time
	End             *time.Time
	PeakTemperature *float64
	Count           *int64
}

// SensorInfo holds sensor calibration metadata.
type SensorInfo struct {
	SensorID          string
	CalibrationDate   *time.Time
	CalibrationResult *int64
	OffsetTolerance   *float64
	TimeoutMinutes    *int64
}

// CertificateData is the authentication block of an export.
type CertificateData struct {
	Version              string
	LotNumber            string
	Issuer               string
	ValidFrom            *time.Time
	Owner                string
	PublicKey            string
	SignatureCertificate string
	Signature            string

	Valid  bool
	Scheme string
	Reason string
}

// Document is the validated aggregate root handed to callers.
type Document struct {
	Header        DeviceHeader
	Configuration ConfigurationRecord
	History       []HistoryRecord
	Alarms        []AlarmRecord
	Sensor        *SensorInfo
	Certificate   *CertificateData
	Extra         map[string]string
}

// CertificateValid reports the derived certificate fact.
func (d *Document) CertificateValid() bool {
	return d.Certificate != nil && d.Certificate.Valid
}

// Warning is a non-fatal finding reported alongside a result.
type Warning struct {
	Stage   string `json:"stage"`
	Section string `json:"section,omitempty"`
	Line    int    `json:"line,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Debug   bool   `json:"-"`
}

// String formats the warning with its position.
func (w Warning) String() string {
	var b strings.Builder
	b.WriteString(w.Stage)
	if w.Section != "" {
		b.WriteString(" [" + w.Section + "]")
	}
	if w.Line > 0 {
		fmt.Fprintf(&b, " line %d", w.Line)
	}
	if w.Field != "" {
		b.WriteString(" field " + w.Field)
	}
	b.WriteString(": " + w.Message)
	return b.String()
}

// MessagePublisher defines the interface for publishing parsed reports.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}
