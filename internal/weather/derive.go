package weather

import (
	"math"
	"strings"
	"time"
)

// DerivedTolerance is the largest spread of input observation times for
// which a derived quantity is still computed.
const DerivedTolerance = 60 * time.Second

// Flight categories.
const (
	CategoryVFR  = "VFR"
	CategoryMVFR = "MVFR"
	CategoryIFR  = "IFR"
	CategoryLIFR = "LIFR"
)

// Derive recomputes every derived field of s in place. Inputs whose
// observation times differ by more than DerivedTolerance produce null.
func Derive(s Snapshot, elevationFt float64) {
	for _, f := range DerivedFields {
		s.Clear(f)
	}

	if t, td, at, ok := pair(s, FieldTemperature, FieldDewpoint); ok {
		s.Set(FieldDewpointSpread, Num(round1(t-td)), SourceDerived, at)
	}

	if gust, wind, at, ok := pair(s, FieldGustSpeed, FieldWindSpeed); ok {
		s.Set(FieldGustFactor, Num(round1(gust-wind)), SourceDerived, at)
	}

	if p, ok := s.Float(FieldPressure); ok && p > 0 {
		pa := pressureAltitude(elevationFt, p)
		s.Set(FieldPressureAltitude, Num(math.Round(pa)), SourceDerived, s.ObsTimes[FieldPressure])

		if t, _, at, ok := pair(s, FieldTemperature, FieldPressure); ok {
			s.Set(FieldDensityAltitude, Num(math.Round(densityAltitude(pa, t))), SourceDerived, at)
		}
	}

	if cat, at, ok := flightCategory(s); ok {
		s.Set(FieldFlightCategory, Text(cat), SourceDerived, at)
	}
}

// pair returns two numeric fields and the older of their observation times
// when both are present and measured within DerivedTolerance of each other.
func pair(s Snapshot, a, b Field) (float64, float64, time.Time, bool) {
	va, okA := s.Float(a)
	vb, okB := s.Float(b)
	if !okA || !okB {
		return 0, 0, time.Time{}, false
	}
	at, ok := within(s.ObsTimes[a], s.ObsTimes[b])
	if !ok {
		return 0, 0, time.Time{}, false
	}
	return va, vb, at, true
}

func within(a, b time.Time) (time.Time, bool) {
	if a.IsZero() || b.IsZero() {
		return time.Time{}, false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	if d > DerivedTolerance {
		return time.Time{}, false
	}
	if a.Before(b) {
		return a, true
	}
	return b, true
}

// pressureAltitude uses the standard atmosphere relation with the altimeter
// setting in hPa.
func pressureAltitude(elevationFt, altimeterHpa float64) float64 {
	return elevationFt + 145366.45*(1-math.Pow(altimeterHpa/1013.25, 0.190284))
}

func densityAltitude(pressureAltFt, tempC float64) float64 {
	isa := 15 - 1.98*pressureAltFt/1000
	return pressureAltFt + 118.8*(tempC-isa)
}

func flightCategory(s Snapshot) (string, time.Time, bool) {
	vis, ok := s.Float(FieldVisibility)
	if !ok {
		return "", time.Time{}, false
	}

	ceiling := math.Inf(1)
	at := s.ObsTimes[FieldVisibility]
	if c, ok := s.Float(FieldCeiling); ok {
		t, ok := within(at, s.ObsTimes[FieldCeiling])
		if !ok {
			return "", time.Time{}, false
		}
		ceiling, at = c, t
	} else {
		// Without a ceiling, only a reported non-ceiling sky counts as unlimited.
		cover, ok := s.Data[FieldCloudCover]
		if !ok || !unlimitedCover(cover.String()) {
			return "", time.Time{}, false
		}
		t, ok := within(at, s.ObsTimes[FieldCloudCover])
		if !ok {
			return "", time.Time{}, false
		}
		at = t
	}

	switch {
	case ceiling < 500 || vis < 1:
		return CategoryLIFR, at, true
	case ceiling < 1000 || vis < 3:
		return CategoryIFR, at, true
	case ceiling <= 3000 || vis <= 5:
		return CategoryMVFR, at, true
	default:
		return CategoryVFR, at, true
	}
}

func unlimitedCover(cover string) bool {
	switch strings.ToUpper(cover) {
	case "CLR", "SKC", "NSC", "CAVOK", "FEW", "SCT":
		return true
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
