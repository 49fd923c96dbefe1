package validation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/schema"
)

const (
	sectionAlarms      = "alarms"
	sensorFaultChannel = "int_sensor"
)

// order enforces strictly increasing history timestamps. Permissive runs re-sort the
// records (stable), keep the last of two records for the same period and warn.
func (r *run) order(doc *domain.Document) error {
	hist := doc.History

	first := -1
	for i := 1; i < len(hist); i++ {
		if !hist[i].Timestamp.After(hist[i-1].Timestamp) {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	line := r.raw.Entries[r.sources[first]].Line
	if r.level == ValidationLevelStrict {
		return domain.NewSequenceOrderError(schema.SectionHistory, first, line,
			fmt.Sprintf("history record %q (%s) is not after record %q (%s)",
				hist[first].Key, hist[first].Timestamp.Format(time.RFC3339),
				hist[first-1].Key, hist[first-1].Timestamp.Format(time.RFC3339)))
	}

	positions := make([]int, len(hist))
	for i := range positions {
		positions[i] = i
	}
	sort.SliceStable(positions, func(a, b int) bool {
		return hist[positions[a]].Timestamp.Before(hist[positions[b]].Timestamp)
	})

	sorted := make([]domain.HistoryRecord, 0, len(hist))
	sources := make([]int, 0, len(hist))
	for _, p := range positions {
		rec := hist[p]
		if n := len(sorted); n > 0 && sorted[n-1].Timestamp.Equal(rec.Timestamp) {
			r.warn(schema.SectionHistory, r.raw.Entries[r.sources[p]].Line, "Date",
				fmt.Sprintf("history record %q repeats the period of record %q, last one wins", rec.Key, sorted[n-1].Key), false)
			sorted[n-1] = rec
			sources[n-1] = r.sources[p]
			continue
		}
		sorted = append(sorted, rec)
		sources = append(sources, r.sources[p])
	}
	for i := range sorted {
		sorted[i].Index = i
	}

	r.warn(schema.SectionHistory, line, "Date", "history records out of chronological order were re-sorted", false)
	doc.History = sorted
	r.sources = sources
	return nil
}

// maxMinutes is the largest minute count a time.Duration can hold.
const maxMinutes = int64(math.MaxInt64 / int64(time.Minute))

// minutes converts a minute count to a duration, rejecting negative and overflowing counts.
func minutes(n int64) (time.Duration, bool) {
	if n < 0 || n > maxMinutes {
		return 0, false
	}
	return time.Duration(n) * time.Minute, true
}

// deriveAlarms builds alarm records from the per-day alarm counters and internal sensor
// timeouts. Alarms are ordered by start time.
func (r *run) deriveAlarms(doc *domain.Document) {
	cfg := doc.Configuration

	for i := range doc.History {
		rec := &doc.History[i]
		day := startOfDay(rec.Timestamp)

		for _, counter := range rec.Alarms {
			if counter.Count == nil || *counter.Count <= 0 {
				continue
			}

			typ, ok := classify(counter.Channel, cfg, rec)
			if !ok {
				r.warn(schema.SectionHistory, r.raw.Entries[r.sources[i]].Line, "Alarm."+counter.Channel,
					"alarm channel has no configured limit, alarm not classified", false)
				continue
			}

			start := day
			if counter.Timestamp != nil {
				start = day.Add(time.Duration(*counter.Timestamp) * time.Minute)
			}
			alarm := domain.AlarmRecord{
				Type:         typ,
				Channel:      counter.Channel,
				HistoryIndex: i,
				Start:        start,
				Count:        counter.Count,
			}
			if counter.AccumulatedMinutes != nil {
				if d, ok := minutes(*counter.AccumulatedMinutes); ok {
					end := start.Add(d)
					alarm.End = &end
				} else {
					r.warn(schema.SectionHistory, r.raw.Entries[r.sources[i]].Line, "Alarm."+counter.Channel+".t Acc",
						"accumulated alarm time out of range, alarm end dropped", false)
				}
			}
			peak := rec.Max
			if typ == domain.AlarmLowExcursion {
				peak = rec.Min
			}
			alarm.PeakTemperature = &peak

			doc.Alarms = append(doc.Alarms, alarm)
		}

		if rec.SensorTimeoutMinutes != nil && *rec.SensorTimeoutMinutes > 0 {
			d, ok := minutes(*rec.SensorTimeoutMinutes)
			if !ok {
				r.warn(schema.SectionHistory, r.raw.Entries[r.sources[i]].Line, "Int Sensor timeout.t AccST",
					"sensor timeout out of range, device fault dropped", false)
				continue
			}
			end := day.Add(d)
			doc.Alarms = append(doc.Alarms, domain.AlarmRecord{
				Type:         domain.AlarmDeviceFault,
				Channel:      sensorFaultChannel,
				HistoryIndex: i,
				Start:        day,
				End:          &end,
			})
		}
	}

	sort.SliceStable(doc.Alarms, func(a, b int) bool {
		return doc.Alarms[a].Start.Before(doc.Alarms[b].Start)
	})
}

// classify maps an alarm channel onto an excursion type. Channels other than the standard
// high (0) and low (1) ones are classified by their limit.
func classify(channel string, cfg domain.ConfigurationRecord, rec *domain.HistoryRecord) (domain.AlarmType, bool) {
	switch channel {
	case highChannel:
		return domain.AlarmHighExcursion, true
	case lowChannel:
		return domain.AlarmLowExcursion, true
	}

	for _, s := range cfg.AlarmSettings {
		if s.Channel != channel || s.TemperatureLimit == nil {
			continue
		}
		reference := rec.Avg
		if cfg.LowerThreshold != nil && cfg.UpperThreshold != nil {
			reference = (*cfg.LowerThreshold + *cfg.UpperThreshold) / 2
		}
		if *s.TemperatureLimit >= reference {
			return domain.AlarmHighExcursion, true
		}
		return domain.AlarmLowExcursion, true
	}
	return "", false
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Revalidate re-checks the invariants of an already normalised document, for example one
// restored from a serialised report.
func (v *Validator) Revalidate(doc *domain.Document) error {
	var violations []domain.Violation
	add := func(section, field string, index int, message string) {
		violations = append(violations, domain.Violation{Section: section, Field: field, Index: index, Message: message})
	}

	known := false
	for _, m := range domain.SupportedModels {
		if doc.Header.Model == m {
			known = true
		}
	}
	if !known {
		add(schema.SectionHeader, "Device", -1, fmt.Sprintf("unsupported device model %q", doc.Header.Model))
	}
	if doc.Header.SerialNumber == "" {
		add(schema.SectionConfiguration, "Serial", -1, "serial number is missing")
	}

	cfg := doc.Configuration
	if cfg.LowerThreshold != nil && cfg.UpperThreshold != nil && *cfg.LowerThreshold >= *cfg.UpperThreshold {
		add(schema.SectionAlarmSettings, lowChannel+".T AL", -1, "lower threshold is not below upper threshold")
	}

	for i, rec := range doc.History {
		for _, t := range []float64{rec.Min, rec.Max, rec.Avg} {
			if t < v.tempMin || t > v.tempMax {
				add(schema.SectionHistory, "", i, fmt.Sprintf("temperature %v outside plausible range", t))
				break
			}
		}
	}
	for i, a := range doc.Alarms {
		if !a.Type.Valid() {
			add(sectionAlarms, "type", i, fmt.Sprintf("unknown alarm type %q", a.Type))
		}
		if a.End != nil && a.End.Before(a.Start) {
			add(sectionAlarms, "end", i, "alarm ends before it starts")
		}
		if a.HistoryIndex < 0 || a.HistoryIndex >= len(doc.History) {
			add(sectionAlarms, "historyIndex", i, "alarm does not reference a history record")
		}
	}
	if len(violations) > 0 {
		return domain.NewValidationError(violations)
	}

	for i := 1; i < len(doc.History); i++ {
		if !doc.History[i].Timestamp.After(doc.History[i-1].Timestamp) {
			return domain.NewSequenceOrderError(schema.SectionHistory, i, 0, "history records are not strictly increasing")
		}
	}
	for i := 1; i < len(doc.Alarms); i++ {
		if doc.Alarms[i].Start.Before(doc.Alarms[i-1].Start) {
			return domain.NewSequenceOrderError(sectionAlarms, i, 0, "alarms are not ordered by start time")
		}
	}

	var inconsistent []domain.Violation
	for i, rec := range doc.History {
		if rec.Min > rec.Avg || rec.Avg > rec.Max {
			inconsistent = append(inconsistent, domain.Violation{
				Section: schema.SectionHistory,
				Index:   i,
				Message: fmt.Sprintf("min %.1f, avg %.1f and max %.1f violate min <= avg <= max", rec.Min, rec.Avg, rec.Max),
			})
		}
	}
	if len(inconsistent) > 0 {
		return domain.NewInconsistentAggregateError(schema.SectionHistory, inconsistent)
	}

	return nil
}
