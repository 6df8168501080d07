package weather

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
	ConditionMist    Condition = "mist"
)

// Site is one monitored location (usually an airfield).
type Site struct {
	ID          string  `json:"id" yaml:"id" validate:"required,max=32,hostname_rfc1123"`
	Name        string  `json:"name" yaml:"name"`
	ICAO        string  `json:"icao,omitempty" yaml:"icao"`
	Latitude    float64 `json:"latitude" yaml:"latitude" validate:"latitude"`
	Longitude   float64 `json:"longitude" yaml:"longitude" validate:"longitude"`
	ElevationFt float64 `json:"elevation_ft" yaml:"elevation_ft"`
	Timezone    string  `json:"timezone" yaml:"timezone" validate:"required,timezone"`
}

// Location resolves the site's timezone. Unknown zones fall back to UTC.
func (s Site) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Source identifies an upstream provider role for a site.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
	SourceMETAR   Source = "metar"
	SourceNOTAM   Source = "notam"

	// SourceDerived marks values computed from other fields.
	SourceDerived Source = "derived"
)

// Field names one canonical observation quantity.
type Field string

const (
	FieldTemperature   Field = "temperature"    // °C
	FieldDewpoint      Field = "dewpoint"       // °C
	FieldHumidity      Field = "humidity"       // %
	FieldWindSpeed     Field = "wind_speed"     // kt
	FieldWindDirection Field = "wind_direction" // degrees true
	FieldGustSpeed     Field = "gust_speed"     // kt
	FieldPressure      Field = "pressure"       // altimeter, hPa
	FieldVisibility    Field = "visibility"     // statute miles
	FieldCeiling       Field = "ceiling"        // ft AGL
	FieldCloudCover    Field = "cloud_cover"    // FEW/SCT/BKN/OVC/CLR
	FieldPrecipitation Field = "precipitation"  // mm
	FieldWeather       Field = "weather"        // Condition

	FieldDewpointSpread   Field = "dewpoint_spread"
	FieldGustFactor       Field = "gust_factor"
	FieldPressureAltitude Field = "pressure_altitude"
	FieldDensityAltitude  Field = "density_altitude"
	FieldFlightCategory   Field = "flight_category"
)

// MergedFields lists every field the merge engine handles, in merge order.
var MergedFields = []Field{
	FieldTemperature, FieldDewpoint, FieldHumidity,
	FieldWindSpeed, FieldWindDirection, FieldGustSpeed,
	FieldPressure, FieldVisibility, FieldCeiling, FieldCloudCover,
	FieldPrecipitation, FieldWeather,
}

// DerivedFields are recomputed on every merge and never carried forward.
var DerivedFields = []Field{
	FieldDewpointSpread, FieldGustFactor, FieldPressureAltitude,
	FieldDensityAltitude, FieldFlightCategory,
}

// AllFields returns merged and derived fields together.
func AllFields() []Field {
	out := make([]Field, 0, len(MergedFields)+len(DerivedFields))
	out = append(out, MergedFields...)
	return append(out, DerivedFields...)
}

// FieldGroup is a set of fields only meaningful together. Lead decides
// which source the group is taken from.
type FieldGroup struct {
	Name    string
	Lead    Field
	Members []Field
}

var (
	TemperatureGroup = FieldGroup{
		Name:    "temperature",
		Lead:    FieldTemperature,
		Members: []Field{FieldTemperature, FieldDewpoint, FieldHumidity},
	}
	WindGroup = FieldGroup{
		Name:    "wind",
		Lead:    FieldWindSpeed,
		Members: []Field{FieldWindSpeed, FieldWindDirection, FieldGustSpeed},
	}
)

// Groups lists the field groups known to the merge engine.
var Groups = []FieldGroup{TemperatureGroup, WindGroup}

func groupOf(f Field) (FieldGroup, bool) {
	for _, g := range Groups {
		for _, m := range g.Members {
			if m == f {
				return g, true
			}
		}
	}
	return FieldGroup{}, false
}

type valueKind uint8

const (
	kindNumber valueKind = iota + 1
	kindText
)

// Value is a numeric or enumerated field value. The zero Value is invalid
// and treated as null.
type Value struct {
	kind valueKind
	num  float64
	text string
}

// Num builds a numeric value.
func Num(v float64) Value { return Value{kind: kindNumber, num: v} }

// Text builds an enumerated value.
func Text(s string) Value { return Value{kind: kindText, text: s} }

// Valid reports whether the value carries data.
func (v Value) Valid() bool { return v.kind != 0 }

// Float returns the numeric value, if any.
func (v Value) Float() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}

// String returns the enumerated value, or the number formatted.
func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindText:
		return v.text
	default:
		return "null"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.num)
	case kindText:
		return json.Marshal(v.text)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value{}
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*v = Num(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("weather: value must be number or string: %s", b)
	}
	*v = Text(s)
	return nil
}

// Sample is a single adapter-supplied value with the time it was measured.
type Sample struct {
	Value      Value     `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// PartialObservation is what a source adapter hands back: the fields it could
// supply, each with its own capture time.
type PartialObservation struct {
	Source    Source           `json:"source"`
	Provider  string           `json:"provider"`
	FetchedAt time.Time        `json:"fetched_at"`
	Samples   map[Field]Sample `json:"samples"`
}

// Set records a numeric sample.
func (p *PartialObservation) Set(f Field, v float64, at time.Time) {
	p.put(f, Sample{Value: Num(v), CapturedAt: at})
}

// SetText records an enumerated sample.
func (p *PartialObservation) SetText(f Field, s string, at time.Time) {
	if s == "" {
		return
	}
	p.put(f, Sample{Value: Text(s), CapturedAt: at})
}

func (p *PartialObservation) put(f Field, s Sample) {
	if p.Samples == nil {
		p.Samples = make(map[Field]Sample)
	}
	p.Samples[f] = s
}

// Lookup returns a usable sample for f with its effective capture time.
func (p *PartialObservation) Lookup(f Field) (Sample, bool) {
	if p == nil {
		return Sample{}, false
	}
	s, ok := p.Samples[f]
	if !ok || !s.Value.Valid() {
		return Sample{}, false
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = p.FetchedAt
	}
	s.CapturedAt = s.CapturedAt.UTC()
	return s, true
}

// Observation is one site's fused state. An absent key is a null field.
type Observation map[Field]Value

// FieldSourceMap records which source supplied each populated field.
type FieldSourceMap map[Field]Source

// FieldObsTimeMap records when each populated field was measured (UTC).
type FieldObsTimeMap map[Field]time.Time

// Snapshot bundles an observation with its provenance maps.
type Snapshot struct {
	Data     Observation     `json:"data"`
	Sources  FieldSourceMap  `json:"sources"`
	ObsTimes FieldObsTimeMap `json:"obs_times"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Data:     make(Observation),
		Sources:  make(FieldSourceMap),
		ObsTimes: make(FieldObsTimeMap),
	}
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := NewSnapshot()
	for f, v := range s.Data {
		out.Data[f] = v
	}
	for f, src := range s.Sources {
		out.Sources[f] = src
	}
	for f, t := range s.ObsTimes {
		out.ObsTimes[f] = t
	}
	return out
}

// Set populates f with full provenance.
func (s Snapshot) Set(f Field, v Value, src Source, at time.Time) {
	s.Data[f] = v
	s.Sources[f] = src
	s.ObsTimes[f] = at.UTC()
}

// Clear nulls f and drops its provenance.
func (s Snapshot) Clear(f Field) {
	delete(s.Data, f)
	delete(s.Sources, f)
	delete(s.ObsTimes, f)
}

// Float returns f as a number when populated.
func (s Snapshot) Float(f Field) (float64, bool) {
	v, ok := s.Data[f]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// FieldsFrom lists populated fields attributed to src.
func (s Snapshot) FieldsFrom(src Source) []Field {
	var out []Field
	for _, f := range AllFields() {
		if s.Sources[f] == src {
			if _, ok := s.Data[f]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}
