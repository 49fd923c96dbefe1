// Package report projects a validated Fridge-tag document onto its serialisable output shape
// and restores documents from it.
package report

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/sosodev/duration"

	"github.com/resident-x/go-fridgetag/internal/domain"
)

// Report is the serialisable projection of a domain.Document. Optional values are pointers
// or omitempty so that fields the device did not report are omitted.
type Report struct {
	DeviceType              string            `json:"deviceType" yaml:"deviceType"`
	DeviceModel             string            `json:"deviceModel" yaml:"deviceModel"`
	SerialNumber            string            `json:"serialNumber" yaml:"serialNumber"`
	SoftwareVersion         string            `json:"softwareVersion,omitempty" yaml:"softwareVersion,omitempty"`
	FirmwareVersion         string            `json:"firmwareVersion,omitempty" yaml:"firmwareVersion,omitempty"`
	SensorType              *int64            `json:"sensorType,omitempty" yaml:"sensorType,omitempty"`
	ClockOffsetHours        *float64          `json:"clockOffsetHours,omitempty" yaml:"clockOffsetHours,omitempty"`
	Configuration           Configuration     `json:"configuration" yaml:"configuration"`
	HistoryRecords          []HistoryRecord   `json:"historyRecords" yaml:"historyRecords"`
	Alarms                  []Alarm           `json:"alarms" yaml:"alarms"`
	ActivationTimestamp     *string           `json:"activationTimestamp,omitempty" yaml:"activationTimestamp,omitempty"`
	ReportCreationTimestamp *string           `json:"reportCreationTimestamp,omitempty" yaml:"reportCreationTimestamp,omitempty"`
	Sensor                  *Sensor           `json:"sensor,omitempty" yaml:"sensor,omitempty"`
	Certificate             *Certificate      `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	CertificateValid        bool              `json:"certificateValid" yaml:"certificateValid"`
	Extra                   map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Configuration is the projected configuration record.
type Configuration struct {
	PCBVersion               string            `json:"pcbVersion,omitempty" yaml:"pcbVersion,omitempty"`
	CustomerID               string            `json:"customerId,omitempty" yaml:"customerId,omitempty"`
	LotNumber                string            `json:"lotNumber,omitempty" yaml:"lotNumber,omitempty"`
	Thresholds               Thresholds        `json:"thresholds" yaml:"thresholds"`
	AlarmSettings            []AlarmSetting    `json:"alarmSettings,omitempty" yaml:"alarmSettings,omitempty"`
	ReportingIntervalMinutes int64             `json:"reportingIntervalMinutes" yaml:"reportingIntervalMinutes"`
	MeasurementDelay         *int64            `json:"measurementDelay,omitempty" yaml:"measurementDelay,omitempty"`
	MovingAverage            *int64            `json:"movingAverage,omitempty" yaml:"movingAverage,omitempty"`
	UserAlarmConfig          *int64            `json:"userAlarmConfig,omitempty" yaml:"userAlarmConfig,omitempty"`
	UserClockConfig          *int64            `json:"userClockConfig,omitempty" yaml:"userClockConfig,omitempty"`
	AlarmIndication          *int64            `json:"alarmIndication,omitempty" yaml:"alarmIndication,omitempty"`
	TemperatureUnit          string            `json:"temperatureUnit,omitempty" yaml:"temperatureUnit,omitempty"`
	ReportHistoryLength      *int64            `json:"reportHistoryLength,omitempty" yaml:"reportHistoryLength,omitempty"`
	DetailedReport           *int64            `json:"detailedReport,omitempty" yaml:"detailedReport,omitempty"`
	UseExternalDevices       *int64            `json:"useExternalDevices,omitempty" yaml:"useExternalDevices,omitempty"`
	Extra                    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Thresholds are the lower and upper alarm limits in °C.
type Thresholds struct {
	Lower *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
}

// AlarmSetting is one configured alarm channel.
type AlarmSetting struct {
	Channel          string   `json:"channel" yaml:"channel"`
	TemperatureLimit *float64 `json:"temperatureLimit,omitempty" yaml:"temperatureLimit,omitempty"`
	TimeLimitMinutes *int64   `json:"timeLimitMinutes,omitempty" yaml:"timeLimitMinutes,omitempty"`
}

// HistoryRecord is one projected reporting interval.
type HistoryRecord struct {
	Key                     string                `json:"key" yaml:"key"`
	Timestamp               string                `json:"timestamp" yaml:"timestamp"`
	Date                    string                `json:"date" yaml:"date"`
	MinTemperature          float64               `json:"minTemperature" yaml:"minTemperature"`
	MaxTemperature          float64               `json:"maxTemperature" yaml:"maxTemperature"`
	AverageTemperature      float64               `json:"averageTemperature" yaml:"averageTemperature"`
	TimestampMinTemperature *domain.ClockTime     `json:"timestampMinTemperature,omitempty" yaml:"timestampMinTemperature,omitempty"`
	TimestampMaxTemperature *domain.ClockTime     `json:"timestampMaxTemperature,omitempty" yaml:"timestampMaxTemperature,omitempty"`
	Status                  *string               `json:"status,omitempty" yaml:"status,omitempty"`
	EventCount              *int64                `json:"eventCount,omitempty" yaml:"eventCount,omitempty"`
	Alarms                  map[string]DailyAlarm `json:"alarms,omitempty" yaml:"alarms,omitempty"`
	InternalSensorTimeout   *SensorTimeout        `json:"internalSensorTimeout,omitempty" yaml:"internalSensorTimeout,omitempty"`
	CheckedTimestamps       *Checked              `json:"checkedTimestamps,omitempty" yaml:"checkedTimestamps,omitempty"`
	Samples                 []float64             `json:"samples,omitempty" yaml:"samples,omitempty"`
	Derived                 bool                  `json:"derived,omitempty" yaml:"derived,omitempty"`
	Extra                   map[string]string     `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// DailyAlarm is the per-day counter of one alarm channel.
type DailyAlarm struct {
	AccumulatedMinutes *int64            `json:"accumulatedMinutes,omitempty" yaml:"accumulatedMinutes,omitempty"`
	AccumulatedTime    string            `json:"accumulatedTime,omitempty" yaml:"accumulatedTime,omitempty"`
	AlarmTimestamp     *domain.ClockTime `json:"alarmTimestamp,omitempty" yaml:"alarmTimestamp,omitempty"`
	AlarmCount         *int64            `json:"alarmCount,omitempty" yaml:"alarmCount,omitempty"`
}

// SensorTimeout is the accumulated internal sensor timeout of a day.
type SensorTimeout struct {
	AccumulatedSensorTimeout int64 `json:"accumulatedSensorTimeout" yaml:"accumulatedSensorTimeout"`
}

// Checked holds the morning and evening check times.
type Checked struct {
	TimestampAM *domain.ClockTime `json:"timestampAm,omitempty" yaml:"timestampAm,omitempty"`
	TimestampPM *domain.ClockTime `json:"timestampPm,omitempty" yaml:"timestampPm,omitempty"`
}

// Alarm is one projected alarm record.
type Alarm struct {
	Type            domain.AlarmType `json:"type" yaml:"type"`
	Channel         string           `json:"channel" yaml:"channel"`
	HistoryIndex    int              `json:"historyIndex" yaml:"historyIndex"`
	Start           string           `json:"start" yaml:"start"`
	End             *string          `json:"end,omitempty" yaml:"end,omitempty"`
	Duration        string           `json:"duration,omitempty" yaml:"duration,omitempty"`
	PeakTemperature *float64         `json:"peakTemperature,omitempty" yaml:"peakTemperature,omitempty"`
	Count           *int64           `json:"count,omitempty" yaml:"count,omitempty"`
}

// Sensor is the projected sensor calibration metadata.
type Sensor struct {
	SensorID          string   `json:"sensorId,omitempty" yaml:"sensorId,omitempty"`
	CalibrationDate   *string  `json:"calibrationDate,omitempty" yaml:"calibrationDate,omitempty"`
	CalibrationResult *int64   `json:"calibrationResult,omitempty" yaml:"calibrationResult,omitempty"`
	OffsetTolerance   *float64 `json:"offsetTolerance,omitempty" yaml:"offsetTolerance,omitempty"`
	TimeoutMinutes    *int64   `json:"timeoutMinutes,omitempty" yaml:"timeoutMinutes,omitempty"`
}

// Certificate is the projected certificate block with its verification outcome.
type Certificate struct {
	Version              string  `json:"version,omitempty" yaml:"version,omitempty"`
	LotNumber            string  `json:"lotNumber,omitempty" yaml:"lotNumber,omitempty"`
	IssuerName           string  `json:"issuerName,omitempty" yaml:"issuerName,omitempty"`
	ValidFromTimestamp   *string `json:"validFromTimestamp,omitempty" yaml:"validFromTimestamp,omitempty"`
	OwnerName            string  `json:"ownerName,omitempty" yaml:"ownerName,omitempty"`
	PublicKey            string  `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
	SignatureCertificate string  `json:"signatureCertificate,omitempty" yaml:"signatureCertificate,omitempty"`
	Signature            string  `json:"signature,omitempty" yaml:"signature,omitempty"`
	Verified             bool    `json:"verified" yaml:"verified"`
	Scheme               string  `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Reason               string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Project maps a validated document onto its report shape. It does not modify doc.
func Project(doc *domain.Document) *Report {
	h := doc.Header
	cfg := doc.Configuration

	r := &Report{
		DeviceType:              h.DeviceType,
		DeviceModel:             string(h.Model),
		SerialNumber:            h.SerialNumber,
		SoftwareVersion:         h.SoftwareVersion,
		FirmwareVersion:         h.FirmwareVersion,
		SensorType:              h.SensorType,
		ClockOffsetHours:        h.ClockOffsetHours,
		HistoryRecords:          make([]HistoryRecord, 0, len(doc.History)),
		Alarms:                  make([]Alarm, 0, len(doc.Alarms)),
		ActivationTimestamp:     formatTime(cfg.ActivationTime),
		ReportCreationTimestamp: formatTime(cfg.ReportCreationTime),
		CertificateValid:        doc.CertificateValid(),
		Extra:                   copyMap(doc.Extra),
		Configuration: Configuration{
			PCBVersion:               h.PCBVersion,
			CustomerID:               h.CustomerID,
			LotNumber:                h.LotNumber,
			Thresholds:               Thresholds{Lower: cfg.LowerThreshold, Upper: cfg.UpperThreshold},
			ReportingIntervalMinutes: int64(cfg.ReportingInterval / time.Minute),
			MeasurementDelay:         cfg.MeasurementDelay,
			MovingAverage:            cfg.MovingAverage,
			UserAlarmConfig:          cfg.UserAlarmConfig,
			UserClockConfig:          cfg.UserClockConfig,
			AlarmIndication:          cfg.AlarmIndication,
			TemperatureUnit:          cfg.TemperatureUnit,
			ReportHistoryLength:      cfg.ReportHistoryLength,
			DetailedReport:           cfg.DetailedReport,
			UseExternalDevices:       cfg.UseExternalDevices,
			Extra:                    copyMap(cfg.Extra),
		},
	}

	for _, s := range cfg.AlarmSettings {
		r.Configuration.AlarmSettings = append(r.Configuration.AlarmSettings, AlarmSetting(s))
	}

	for _, rec := range doc.History {
		r.HistoryRecords = append(r.HistoryRecords, projectHistory(rec))
	}

	for _, a := range doc.Alarms {
		alarm := Alarm{
			Type:            a.Type,
			Channel:         a.Channel,
			HistoryIndex:    a.HistoryIndex,
			Start:           a.Start.Format(time.RFC3339),
			End:             formatTime(a.End),
			PeakTemperature: a.PeakTemperature,
			Count:           a.Count,
		}
		if a.End != nil {
			alarm.Duration = duration.Format(a.End.Sub(a.Start))
		}
		r.Alarms = append(r.Alarms, alarm)
	}

	if s := doc.Sensor; s != nil {
		r.Sensor = &Sensor{
			SensorID:          s.SensorID,
			CalibrationDate:   formatTime(s.CalibrationDate),
			CalibrationResult: s.CalibrationResult,
			OffsetTolerance:   s.OffsetTolerance,
			TimeoutMinutes:    s.TimeoutMinutes,
		}
	}

	if c := doc.Certificate; c != nil {
		r.Certificate = &Certificate{
			Version:              c.Version,
			LotNumber:            c.LotNumber,
			IssuerName:           c.Issuer,
			ValidFromTimestamp:   formatTime(c.ValidFrom),
			OwnerName:            c.Owner,
			PublicKey:            c.PublicKey,
			SignatureCertificate: c.SignatureCertificate,
			Signature:            c.Signature,
			Verified:             c.Valid,
			Scheme:               c.Scheme,
			Reason:               c.Reason,
		}
	}

	return r
}

func projectHistory(rec domain.HistoryRecord) HistoryRecord {
	out := HistoryRecord{
		Key:                     rec.Key,
		Timestamp:               rec.Timestamp.Format(time.RFC3339),
		Date:                    rec.Timestamp.Format(time.DateOnly),
		MinTemperature:          rec.Min,
		MaxTemperature:          rec.Max,
		AverageTemperature:      rec.Avg,
		TimestampMinTemperature: rec.MinAt,
		TimestampMaxTemperature: rec.MaxAt,
		Status:                  rec.Status,
		EventCount:              rec.Events,
		Samples:                 slices.Clone(rec.Samples),
		Derived:                 rec.Derived,
		Extra:                   copyMap(rec.Extra),
	}

	if len(rec.Alarms) > 0 {
		out.Alarms = make(map[string]DailyAlarm, len(rec.Alarms))
		for _, a := range rec.Alarms {
			d := DailyAlarm{
				AccumulatedMinutes: a.AccumulatedMinutes,
				AlarmTimestamp:     a.Timestamp,
				AlarmCount:         a.Count,
			}
			if a.AccumulatedMinutes != nil {
				d.AccumulatedTime = fmt.Sprintf("%02d:%02d", *a.AccumulatedMinutes/60, *a.AccumulatedMinutes%60)
			}
			out.Alarms[a.Channel] = d
		}
	}
	if rec.SensorTimeoutMinutes != nil {
		out.InternalSensorTimeout = &SensorTimeout{AccumulatedSensorTimeout: *rec.SensorTimeoutMinutes}
	}
	if rec.CheckedAM != nil || rec.CheckedPM != nil {
		out.CheckedTimestamps = &Checked{TimestampAM: rec.CheckedAM, TimestampPM: rec.CheckedPM}
	}
	return out
}

// Document restores the canonical model from a report.
func (r *Report) Document() (*domain.Document, error) {
	model, ok := domain.ParseModel(r.DeviceModel)
	if !ok {
		return nil, fmt.Errorf("unsupported device model %q", r.DeviceModel)
	}

	doc := &domain.Document{
		Header: domain.DeviceHeader{
			DeviceType:       r.DeviceType,
			Model:            model,
			SerialNumber:     r.SerialNumber,
			SoftwareVersion:  r.SoftwareVersion,
			FirmwareVersion:  r.FirmwareVersion,
			ClockOffsetHours: r.ClockOffsetHours,
			SensorType:       r.SensorType,
			PCBVersion:       r.Configuration.PCBVersion,
			CustomerID:       r.Configuration.CustomerID,
			LotNumber:        r.Configuration.LotNumber,
		},
		History: make([]domain.HistoryRecord, 0, len(r.HistoryRecords)),
		Alarms:  make([]domain.AlarmRecord, 0, len(r.Alarms)),
		Extra:   copyMap(r.Extra),
	}

	c := r.Configuration
	cfg := domain.ConfigurationRecord{
		LowerThreshold:      c.Thresholds.Lower,
		UpperThreshold:      c.Thresholds.Upper,
		ReportingInterval:   time.Duration(c.ReportingIntervalMinutes) * time.Minute,
		MeasurementDelay:    c.MeasurementDelay,
		MovingAverage:       c.MovingAverage,
		UserAlarmConfig:     c.UserAlarmConfig,
		UserClockConfig:     c.UserClockConfig,
		AlarmIndication:     c.AlarmIndication,
		TemperatureUnit:     c.TemperatureUnit,
		ReportHistoryLength: c.ReportHistoryLength,
		DetailedReport:      c.DetailedReport,
		UseExternalDevices:  c.UseExternalDevices,
		Extra:               copyMap(c.Extra),
	}
	for _, s := range c.AlarmSettings {
		cfg.AlarmSettings = append(cfg.AlarmSettings, domain.AlarmSetting(s))
	}

	var err error
	if cfg.ActivationTime, err = parseTime("activationTimestamp", r.ActivationTimestamp); err != nil {
		return nil, err
	}
	if cfg.ReportCreationTime, err = parseTime("reportCreationTimestamp", r.ReportCreationTimestamp); err != nil {
		return nil, err
	}
	doc.Configuration = cfg

	for i, h := range r.HistoryRecords {
		rec, err := restoreHistory(i, h)
		if err != nil {
			return nil, err
		}
		doc.History = append(doc.History, rec)
	}

	for i, a := range r.Alarms {
		start, err := time.Parse(time.RFC3339, a.Start)
		if err != nil {
			return nil, fmt.Errorf("alarm %d: invalid start: %w", i, err)
		}
		end, err := parseTime(fmt.Sprintf("alarm %d end", i), a.End)
		if err != nil {
			return nil, err
		}
		if end != nil && a.Duration != "" {
			d, err := duration.Parse(a.Duration)
			if err != nil {
				return nil, fmt.Errorf("alarm %d: invalid duration: %w", i, err)
			}
			if d.ToTimeDuration() != end.Sub(start) {
				return nil, fmt.Errorf("alarm %d: duration %s does not match start and end", i, a.Duration)
			}
		}
		doc.Alarms = append(doc.Alarms, domain.AlarmRecord{
			Type:            a.Type,
			Channel:         a.Channel,
			HistoryIndex:    a.HistoryIndex,
			Start:           start,
			End:             end,
			PeakTemperature: a.PeakTemperature,
			Count:           a.Count,
		})
	}

	if s := r.Sensor; s != nil {
		calibrated, err := parseTime("sensor calibrationDate", s.CalibrationDate)
		if err != nil {
			return nil, err
		}
		doc.Sensor = &domain.SensorInfo{
			SensorID:          s.SensorID,
			CalibrationDate:   calibrated,
			CalibrationResult: s.CalibrationResult,
			OffsetTolerance:   s.OffsetTolerance,
			TimeoutMinutes:    s.TimeoutMinutes,
		}
	}

	if ct := r.Certificate; ct != nil {
		validFrom, err := parseTime("certificate validFromTimestamp", ct.ValidFromTimestamp)
		if err != nil {
			return nil, err
		}
		doc.Certificate = &domain.CertificateData{
			Version:              ct.Version,
			LotNumber:            ct.LotNumber,
			Issuer:               ct.IssuerName,
			ValidFrom:            validFrom,
			Owner:                ct.OwnerName,
			PublicKey:            ct.PublicKey,
			SignatureCertificate: ct.SignatureCertificate,
			Signature:            ct.Signature,
			Valid:                ct.Verified,
			Scheme:               ct.Scheme,
			Reason:               ct.Reason,
		}
	}

	return doc, nil
}

func restoreHistory(i int, h HistoryRecord) (domain.HistoryRecord, error) {
	ts, err := time.Parse(time.RFC3339, h.Timestamp)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("history record %d: invalid timestamp: %w", i, err)
	}

	rec := domain.HistoryRecord{
		Index:     i,
		Key:       h.Key,
		Timestamp: ts,
		Min:       h.MinTemperature,
		Max:       h.MaxTemperature,
		Avg:       h.AverageTemperature,
		MinAt:     h.TimestampMinTemperature,
		MaxAt:     h.TimestampMaxTemperature,
		Status:    h.Status,
		Events:    h.EventCount,
		Samples:   slices.Clone(h.Samples),
		Derived:   h.Derived,
		Extra:     copyMap(h.Extra),
	}

	channels := make([]string, 0, len(h.Alarms))
	for ch := range h.Alarms {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(a, b int) bool {
		if len(channels[a]) != len(channels[b]) {
			return len(channels[a]) < len(channels[b])
		}
		return channels[a] < channels[b]
	})
	for _, ch := range channels {
		a := h.Alarms[ch]
		rec.Alarms = append(rec.Alarms, domain.DailyAlarm{
			Channel:            ch,
			AccumulatedMinutes: a.AccumulatedMinutes,
			Timestamp:          a.AlarmTimestamp,
			Count:              a.AlarmCount,
		})
	}

	if h.InternalSensorTimeout != nil {
		v := h.InternalSensorTimeout.AccumulatedSensorTimeout
		rec.SensorTimeoutMinutes = &v
	}
	if h.CheckedTimestamps != nil {
		rec.CheckedAM = h.CheckedTimestamps.TimestampAM
		rec.CheckedPM = h.CheckedTimestamps.TimestampPM
	}
	return rec, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseTime(name string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
