package weather

import "time"

// DefaultMaxStale bounds how long a field may be carried forward from the
// previous record when no source supplies it.
const DefaultMaxStale = 3 * time.Hour

// MergePolicy configures carry-forward limits per field.
type MergePolicy struct {
	DefaultMaxStale time.Duration
	MaxStale        map[Field]time.Duration
}

// DefaultMergePolicy returns a policy with DefaultMaxStale for every field.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{DefaultMaxStale: DefaultMaxStale}
}

func (p MergePolicy) maxStale(f Field) time.Duration {
	if d, ok := p.MaxStale[f]; ok && d > 0 {
		return d
	}
	if p.DefaultMaxStale > 0 {
		return p.DefaultMaxStale
	}
	return DefaultMaxStale
}

// Merge fuses this cycle's fetches with the previous record, field by field.
//
// For every field the first usable value wins, in order: primary, each
// secondary in the order given, then the previous value if it is not older
// than the field's max-stale. Carried values keep their original source and
// observation time. A fresh sample measured before the value already held is
// ignored, so a field never moves backwards in time.
//
// Groups are taken as a unit: partners (dewpoint, humidity, wind direction,
// gust) come from the source that supplied the lead this cycle, and only a
// partner that source lacks falls back to the other sources in order. A
// partner is never carried forward next to a freshly refreshed lead.
//
// Derived fields are not produced here; see Derive. Merge performs no I/O.
func Merge(primary *PartialObservation, secondary []PartialObservation, previous Snapshot, policy MergePolicy, now time.Time) (Observation, FieldSourceMap, FieldObsTimeMap) {
	candidates := make([]*PartialObservation, 0, 1+len(secondary))
	if primary != nil {
		candidates = append(candidates, primary)
	}
	for i := range secondary {
		candidates = append(candidates, &secondary[i])
	}

	out := NewSnapshot()
	leadFrom := make(map[string]*PartialObservation)

	for _, f := range MergedFields {
		g, grouped := groupOf(f)
		order := candidates
		if lead, ok := leadFrom[g.Name]; grouped && ok {
			order = preferring(lead, candidates)
		}

		if s, c, ok := pickFresh(order, f, previous); ok {
			out.Set(f, s.Value, c.Source, s.CapturedAt)
			if grouped && g.Lead == f {
				leadFrom[g.Name] = c
			}
			continue
		}

		if _, ok := leadFrom[g.Name]; grouped && ok {
			continue
		}

		if v, src, at, ok := carryForward(previous, f, policy.maxStale(f), now); ok {
			out.Set(f, v, src, at)
		}
	}

	return out.Data, out.Sources, out.ObsTimes
}

// MergeSnapshot is Merge returning a Snapshot.
func MergeSnapshot(primary *PartialObservation, secondary []PartialObservation, previous Snapshot, policy MergePolicy, now time.Time) Snapshot {
	data, sources, times := Merge(primary, secondary, previous, policy, now)
	return Snapshot{Data: data, Sources: sources, ObsTimes: times}
}

func pickFresh(candidates []*PartialObservation, f Field, previous Snapshot) (Sample, *PartialObservation, bool) {
	prevAt, hasPrev := previousTime(previous, f)
	for _, c := range candidates {
		s, ok := c.Lookup(f)
		if !ok {
			continue
		}
		if hasPrev && s.CapturedAt.Before(prevAt) {
			continue
		}
		return s, c, true
	}
	return Sample{}, nil, false
}

// preferring returns candidates with first moved to the front.
func preferring(first *PartialObservation, candidates []*PartialObservation) []*PartialObservation {
	out := make([]*PartialObservation, 0, len(candidates))
	out = append(out, first)
	for _, c := range candidates {
		if c != first {
			out = append(out, c)
		}
	}
	return out
}

func previousTime(previous Snapshot, f Field) (time.Time, bool) {
	if _, ok := previous.Data[f]; !ok {
		return time.Time{}, false
	}
	at, ok := previous.ObsTimes[f]
	if !ok || at.IsZero() {
		return time.Time{}, false
	}
	return at, true
}

func carryForward(previous Snapshot, f Field, maxStale time.Duration, now time.Time) (Value, Source, time.Time, bool) {
	v, ok := previous.Data[f]
	if !ok || !v.Valid() {
		return Value{}, "", time.Time{}, false
	}
	at, ok := previousTime(previous, f)
	if !ok {
		return Value{}, "", time.Time{}, false
	}
	if now.Sub(at) > maxStale {
		return Value{}, "", time.Time{}, false
	}
	src := previous.Sources[f]
	if src == "" {
		return Value{}, "", time.Time{}, false
	}
	return v, src, at, true
}
