package validation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/extract"
	"github.com/resident-x/go-fridgetag/internal/schema"
)

const (
	highChannel = "0"
	lowChannel  = "1"

	temperatureUnit = "C"

	// Supplied aggregates may differ from the sample-derived ones by the device rounding.
	aggregateTolerance = 0.05

	defaultReportingInterval = 24 * time.Hour
)

// checkSchema applies the declared field constraints to every section.
func (r *run) checkSchema() {
	s := r.v.schema
	spec := func(name string) *schema.SectionSpec {
		sec, _ := s.Section(name)
		return sec
	}

	r.checkFields(r.raw.Header, spec(schema.SectionHeader), schema.SectionHeader, -1)
	r.checkFields(r.raw.Configuration, spec(schema.SectionConfiguration), schema.SectionConfiguration, -1)
	r.checkFields(r.raw.AlarmSettings, spec(schema.SectionAlarmSettings), schema.SectionAlarmSettings, -1)
	r.checkFields(r.raw.History, spec(schema.SectionHistory), schema.SectionHistory, -1)
	r.checkFields(r.raw.Certificate, spec(schema.SectionCertificate), schema.SectionCertificate, -1)

	for i, entry := range r.raw.Entries {
		r.checkFields(entry.Fields, spec(schema.SectionHistoryEntry), schema.SectionHistory, i)
		r.checkFields(entry.Alarms, spec(schema.SectionHistoryAlarms), schema.SectionHistory, i)
	}
}

func (r *run) checkFields(fields *extract.Fields, sec *schema.SectionSpec, section string, index int) {
	if sec == nil || fields == nil {
		return
	}

	for _, name := range sec.RequiredFields() {
		if sec.Name == schema.SectionHistoryEntry && isAggregateField(name) {
			continue
		}
		v, ok := fields.Get(name)
		if !ok {
			r.violate(section, index, nil, name, "required field is missing")
			continue
		}
		if s, isText := v.Typed.(string); isText && s == "" {
			r.violate(section, index, v, name, "required field is empty")
		}
	}

	for _, v := range fields.Values() {
		spec, ok := sec.Field(v.Key)
		if !ok || !v.Known {
			continue
		}
		r.checkValue(spec, v, v.Key, section, index)
	}
}

func (r *run) checkValue(spec *schema.FieldSpec, v *extract.Value, field, section string, index int) {
	switch spec.Type {
	case schema.TypeInt, schema.TypeFloat:
		n, ok := number(v.Typed)
		if ok {
			r.checkRange(spec, n, v, field, section, index)
		}
	case schema.TypeFloats:
		samples, _ := v.Typed.([]float64)
		for _, n := range samples {
			r.checkRange(spec, n, v, field, section, index)
		}
	case schema.TypeEnum:
		if s, _ := v.Typed.(string); !spec.AllowsEnum(s) {
			r.violate(section, index, v, field, fmt.Sprintf("value must be one of %v", spec.Enum))
		}
	case schema.TypeDict:
		nested, _ := v.Typed.(*extract.Fields)
		for _, name := range requiredNested(spec) {
			if _, ok := nested.Get(name); !ok {
				r.violate(section, index, v, field+"."+name, "required field is missing")
			}
		}
		for _, inner := range nested.Values() {
			innerSpec, ok := spec.Field(inner.Key)
			if !ok || !inner.Known {
				continue
			}
			r.checkValue(innerSpec, inner, field+"."+inner.Key, section, index)
		}
	}
}

func (r *run) checkRange(spec *schema.FieldSpec, n float64, v *extract.Value, field, section string, index int) {
	if spec.Min != nil && n < *spec.Min {
		r.violate(section, index, v, field, fmt.Sprintf("value %v is below minimum %v", n, *spec.Min))
		return
	}
	if spec.Max != nil && n > *spec.Max {
		r.violate(section, index, v, field, fmt.Sprintf("value %v is above maximum %v", n, *spec.Max))
		return
	}
	if spec.Unit == temperatureUnit && (n < r.v.tempMin || n > r.v.tempMax) {
		r.violate(section, index, v, field, fmt.Sprintf("temperature %v outside plausible range %v..%v",
			n, r.v.tempMin, r.v.tempMax))
	}
}

func requiredNested(spec *schema.FieldSpec) []string {
	var names []string
	for name, f := range spec.Fields {
		if f.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isAggregateField(name string) bool {
	switch schema.FoldKey(name) {
	case "min t", "max t", "avrg t":
		return true
	}
	return false
}

// normalize builds the canonical document. Problems that make a value unusable are
// recorded as violations.
func (r *run) normalize() *domain.Document {
	raw := r.raw
	doc := &domain.Document{}

	h := &doc.Header
	h.DeviceType, _ = raw.Header.Text("Device")
	if model, ok := domain.ParseModel(h.DeviceType); ok {
		h.Model = model
	}
	h.SoftwareVersion, _ = raw.Header.Text("Vers")
	h.FirmwareVersion, _ = raw.Header.Text("Fw Vers")
	h.SensorType = intPtr(raw.Header, "Sensor")

	conf := raw.Configuration
	h.SerialNumber, _ = conf.Text("Serial")
	h.PCBVersion, _ = conf.Text("PCB")
	h.CustomerID, _ = conf.Text("CID")
	h.LotNumber, _ = conf.Text("Lot")
	h.ClockOffsetHours = floatPtr(conf, "Zone")
	if h.ClockOffsetHours != nil && math.Abs(*h.ClockOffsetHours) > 14 {
		h.ClockOffsetHours = nil
	}
	loc := h.ClockOffset()

	doc.Configuration = r.configuration(loc)
	doc.Sensor = sensorInfo(raw.Header, conf, loc)
	doc.Certificate = certificateData(raw.Certificate, loc)
	doc.History = r.history(loc)
	doc.Extra = r.extra()

	return doc
}

func (r *run) configuration(loc *time.Location) domain.ConfigurationRecord {
	conf := r.raw.Configuration
	cfg := domain.ConfigurationRecord{
		ReportingInterval:   defaultReportingInterval,
		MeasurementDelay:    intPtr(conf, "Measurement delay"),
		MovingAverage:       intPtr(conf, "Moving Avrg"),
		UserAlarmConfig:     intPtr(conf, "User Alarm Config"),
		UserClockConfig:     intPtr(conf, "User Clock Config"),
		AlarmIndication:     intPtr(conf, "Alarm Indication"),
		ReportHistoryLength: intPtr(conf, "Report history length"),
		DetailedReport:      intPtr(conf, "Det Report"),
		UseExternalDevices:  intPtr(conf, "Use ext devices"),
		ActivationTime:      timePtr(r.raw.History, "TS Actv", loc),
		ReportCreationTime:  timePtr(r.raw.History, "TS Report Creation", loc),
	}
	cfg.TemperatureUnit, _ = conf.Text("Temp unit")
	if n, ok := conf.Int("Log Interval"); ok && n > 0 {
		if d, ok := minutes(n); ok {
			cfg.ReportingInterval = d
		}
	}

	for _, v := range sortedByIndex(r.raw.AlarmSettings) {
		entry, _ := v.Typed.(*extract.Fields)
		setting := domain.AlarmSetting{
			Channel:          v.Key,
			TemperatureLimit: floatPtr(entry, "T AL"),
			TimeLimitMinutes: intPtr(entry, "t AL"),
		}
		cfg.AlarmSettings = append(cfg.AlarmSettings, setting)

		switch v.Key {
		case highChannel:
			cfg.UpperThreshold = setting.TemperatureLimit
		case lowChannel:
			cfg.LowerThreshold = setting.TemperatureLimit
		}
	}

	if unknown := conf.Unknown(); len(unknown) > 0 {
		cfg.Extra = unknown
	}
	return cfg
}

func sensorInfo(header, conf *extract.Fields, loc *time.Location) *domain.SensorInfo {
	info := &domain.SensorInfo{
		CalibrationDate:   timePtr(conf, "Test TS", loc),
		CalibrationResult: intPtr(conf, "Test Res"),
	}
	if sensor, ok := header.Int("Sensor"); ok {
		info.SensorID = strconv.FormatInt(sensor, 10)
	}
	if internal, ok := conf.Dict("Int Sensor"); ok {
		info.OffsetTolerance = floatPtr(internal, "Offset")
		info.TimeoutMinutes = intPtr(internal, "Timeout")
	}

	if info.SensorID == "" && info.CalibrationDate == nil && info.CalibrationResult == nil &&
		info.OffsetTolerance == nil && info.TimeoutMinutes == nil {
		return nil
	}
	return info
}

func certificateData(cert *extract.Fields, loc *time.Location) *domain.CertificateData {
	if cert == nil {
		return nil
	}
	data := &domain.CertificateData{ValidFrom: timePtr(cert, "Valid from", loc)}
	data.Version, _ = cert.Text("Vers")
	data.LotNumber, _ = cert.Text("Lot")
	data.Issuer, _ = cert.Text("Issuer")
	data.Owner, _ = cert.Text("Owner")
	data.PublicKey, _ = cert.Text("Public Key")
	data.SignatureCertificate, _ = cert.Text("Sig Cert")
	data.Signature, _ = cert.Text("Sig")
	return data
}

func (r *run) history(loc *time.Location) []domain.HistoryRecord {
	records := make([]domain.HistoryRecord, 0, len(r.raw.Entries))
	r.sources = make([]int, 0, len(r.raw.Entries))

	for i, entry := range r.raw.Entries {
		f := entry.Fields
		rec := domain.HistoryRecord{
			Index:  i,
			Key:    entry.Key,
			MinAt:  clockPtr(f, "TS Min T"),
			MaxAt:  clockPtr(f, "TS Max T"),
			Events: intPtr(f, "Events"),
		}
		if ts, ok := f.Timestamp("Date"); ok {
			rec.Timestamp = ts.In(loc)
		}
		if status, ok := f.Text("Status"); ok && status != "" {
			rec.Status = &status
		}
		if timeout, ok := f.Dict("Int Sensor timeout"); ok {
			rec.SensorTimeoutMinutes = intPtr(timeout, "t AccST")
		}
		if checked, ok := f.Dict("Checked"); ok {
			rec.CheckedAM = clockPtr(checked, "TS AM")
			rec.CheckedPM = clockPtr(checked, "TS PM")
		}
		for _, v := range sortedByIndex(entry.Alarms) {
			counters, _ := v.Typed.(*extract.Fields)
			rec.Alarms = append(rec.Alarms, domain.DailyAlarm{
				Channel:            v.Key,
				AccumulatedMinutes: intPtr(counters, "t Acc"),
				Timestamp:          clockPtr(counters, "TS A"),
				Count:              intPtr(counters, "C A"),
			})
		}
		if unknown := f.Unknown(); len(unknown) > 0 {
			rec.Extra = unknown
		}

		r.aggregates(&rec, f, i, entry.Line)

		records = append(records, rec)
		r.sources = append(r.sources, i)
	}
	return records
}

// aggregates fills min, max and average, deriving missing ones from the samples and
// checking supplied ones for consistency.
func (r *run) aggregates(rec *domain.HistoryRecord, f *extract.Fields, index, line int) {
	samples, _ := f.Floats("Samples")
	rec.Samples = samples

	var derivedMin, derivedMax, derivedAvg float64
	if len(samples) > 0 {
		derivedMin, derivedMax, derivedAvg = summarize(samples)
	}

	fill := func(key string, derived float64, dst *float64) {
		if v, ok := f.Float(key); ok {
			*dst = v
			if len(samples) > 0 && math.Abs(v-derived) > aggregateTolerance {
				r.inconsistent = append(r.inconsistent, domain.Violation{
					Section: schema.SectionHistory,
					Index:   index,
					Line:    line,
					Field:   key,
					Value:   strconv.FormatFloat(v, 'f', -1, 64),
					Message: fmt.Sprintf("supplied %s %.2f differs from samples (%.2f)", key, v, derived),
				})
			}
			return
		}
		if len(samples) == 0 {
			r.violate(schema.SectionHistory, index, nil, key, "required aggregate is missing and no samples were recorded")
			return
		}
		*dst = derived
		rec.Derived = true
	}

	fill("Min T", derivedMin, &rec.Min)
	fill("Max T", derivedMax, &rec.Max)
	fill("Avrg T", derivedAvg, &rec.Avg)

	if rec.Min > rec.Avg || rec.Avg > rec.Max {
		r.inconsistent = append(r.inconsistent, domain.Violation{
			Section: schema.SectionHistory,
			Index:   index,
			Line:    line,
			Field:   "Avrg T",
			Message: fmt.Sprintf("min %.1f, avg %.1f and max %.1f violate min <= avg <= max", rec.Min, rec.Avg, rec.Max),
		})
	}
}

func summarize(samples []float64) (lo, hi, avg float64) {
	lo, hi = samples[0], samples[0]
	sum := 0.0
	for _, s := range samples {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
		sum += s
	}
	avg = math.Round(sum/float64(len(samples))*100) / 100
	return lo, hi, avg
}

func (r *run) extra() map[string]string {
	out := r.raw.Header.Unknown()
	for path, fields := range r.raw.Extra {
		for _, v := range fields.Values() {
			out[path+"."+v.Key] = v.Raw
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sortedByIndex returns the values of an indexed section ordered by numeric key.
func sortedByIndex(fields *extract.Fields) []*extract.Value {
	values := append([]*extract.Value(nil), fields.Values()...)
	sort.SliceStable(values, func(i, j int) bool {
		a, errA := strconv.Atoi(values[i].Key)
		b, errB := strconv.Atoi(values[j].Key)
		if errA != nil || errB != nil {
			return values[i].Key < values[j].Key
		}
		return a < b
	})

	out := values[:0]
	for _, v := range values {
		if _, ok := v.Typed.(*extract.Fields); ok {
			out = append(out, v)
		}
	}
	return out
}

func intPtr(f *extract.Fields, key string) *int64 {
	if v, ok := f.Int(key); ok {
		return &v
	}
	return nil
}

func floatPtr(f *extract.Fields, key string) *float64 {
	if v, ok := f.Float(key); ok {
		return &v
	}
	return nil
}

func clockPtr(f *extract.Fields, key string) *domain.ClockTime {
	if v, ok := f.Clock(key); ok {
		return &v
	}
	return nil
}

func timePtr(f *extract.Fields, key string, loc *time.Location) *time.Time {
	if v, ok := f.Timestamp(key); ok {
		t := v.In(loc)
		return &t
	}
	return nil
}
