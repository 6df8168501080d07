// Package staleness classifies data age into serving tiers and withholds
// values that are too old to be shown as current.
package staleness

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/i474232898/airfield-wx/internal/weather"
)

// Tier is the serving decision for data of a given age.
type Tier int

const (
	// TierFresh is served as-is.
	TierFresh Tier = iota
	// TierWarning is served as-is and flagged for refresh.
	TierWarning
	// TierError withholds the offending source's fields.
	TierError
	// TierFailClosed withholds the source's fields (observations) or the
	// whole payload (notices).
	TierFailClosed
)

func (t Tier) String() string {
	switch t {
	case TierFresh:
		return "fresh"
	case TierWarning:
		return "warning"
	case TierError:
		return "error"
	case TierFailClosed:
		return "fail_closed"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Machine-readable reasons attached to withheld data.
const (
	ReasonErrorThreshold = "source_error_threshold"
	ReasonFailClosed     = "source_fail_closed"
)

// Thresholds are the age boundaries of the warning, error and fail-closed tiers.
type Thresholds struct {
	Warning    time.Duration `json:"warning" yaml:"warning"`
	Error      time.Duration `json:"error" yaml:"error"`
	FailClosed time.Duration `json:"fail_closed" yaml:"fail_closed"`
}

var errThresholdOrder = errors.New("thresholds must satisfy 0 < warning < error < fail_closed")

// Validate checks the thresholds are positive and strictly increasing.
func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Warning >= t.Error || t.Error >= t.FailClosed {
		return fmt.Errorf("%w (got %s/%s/%s)", errThresholdOrder, t.Warning, t.Error, t.FailClosed)
	}
	return nil
}

// Classify maps an age onto a tier.
func Classify(age time.Duration, th Thresholds) Tier {
	switch {
	case age >= th.FailClosed:
		return TierFailClosed
	case age >= th.Error:
		return TierError
	case age >= th.Warning:
		return TierWarning
	default:
		return TierFresh
	}
}

// Seconds renders an age the way it is reported to clients.
func Seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// ThresholdsFunc resolves the thresholds that apply to one source.
type ThresholdsFunc func(weather.Source) Thresholds

// Withheld describes one field nulled before serving.
type Withheld struct {
	Field      weather.Field  `json:"field"`
	Source     weather.Source `json:"source"`
	Tier       Tier           `json:"tier"`
	AgeSeconds int64          `json:"age_seconds"`
	Reason     string         `json:"reason"`
}

// SourceReport summarizes one source's contribution to a record. Age is the
// age of the newest field the source supplied.
type SourceReport struct {
	Tier       Tier  `json:"tier"`
	AgeSeconds int64 `json:"age_seconds"`
	Fields     int   `json:"fields"`
	Withheld   int   `json:"withheld"`
}

// Report is the outcome of ApplyObservation.
type Report struct {
	Tier     Tier                            `json:"tier"`
	Sources  map[weather.Source]SourceReport `json:"sources"`
	Withheld []Withheld                      `json:"withheld,omitempty"`
}

// FailClosed reports whether any field was withheld at the fail-closed tier.
func (r Report) FailClosed() bool {
	for _, w := range r.Withheld {
		if w.Tier == TierFailClosed {
			return true
		}
	}
	return false
}

// NeedsRefresh reports whether any data reached the warning tier.
func (r Report) NeedsRefresh() bool {
	return r.Tier >= TierWarning
}

// ApplyObservation classifies every merged field of s against the thresholds
// of the source that supplied it and returns a copy with error and
// fail-closed fields removed. Other sources' fields are untouched, so live
// data degrades field by field rather than disappearing. Derived fields are
// left to the caller to recompute.
func ApplyObservation(s weather.Snapshot, now time.Time, thresholds ThresholdsFunc) (weather.Snapshot, Report) {
	out := s.Clone()
	report := Report{Sources: make(map[weather.Source]SourceReport)}
	newest := make(map[weather.Source]time.Duration)

	for _, f := range weather.MergedFields {
		if _, ok := s.Data[f]; !ok {
			continue
		}
		src := s.Sources[f]
		age := now.Sub(s.ObsTimes[f])
		tier := Classify(age, thresholds(src))

		sr := report.Sources[src]
		sr.Fields++
		if n, seen := newest[src]; !seen || age < n {
			newest[src] = age
		}
		if tier > report.Tier {
			report.Tier = tier
		}

		if tier >= TierError {
			reason := ReasonErrorThreshold
			if tier == TierFailClosed {
				reason = ReasonFailClosed
			}
			out.Clear(f)
			sr.Withheld++
			report.Withheld = append(report.Withheld, Withheld{
				Field:      f,
				Source:     src,
				Tier:       tier,
				AgeSeconds: Seconds(age),
				Reason:     reason,
			})
		}
		report.Sources[src] = sr
	}

	for src, age := range newest {
		sr := report.Sources[src]
		sr.AgeSeconds = Seconds(age)
		sr.Tier = Classify(age, thresholds(src))
		report.Sources[src] = sr
	}

	sort.SliceStable(report.Withheld, func(i, j int) bool {
		return report.Withheld[i].Field < report.Withheld[j].Field
	})

	return out, report
}
