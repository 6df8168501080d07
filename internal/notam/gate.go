// Package notam gates airfield notices: stale notice data is withdrawn as a
// whole, and each notice is re-validated against its own effective window
// every time it is served.
package notam

import (
	"context"
	"fmt"
	"time"

	"github.com/i474232898/airfield-wx/internal/staleness"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// Reasons reported when notices are withheld.
const (
	ReasonNoData         = "no_data"
	ReasonCacheFailClose = "cache_fail_closed"
)

// DailyWindow limits a notice to a local time-of-day range ("HH:MM"). A
// window whose end is before its start runs past midnight.
type DailyWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Notice is one advisory.
type Notice struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Classification string       `json:"classification,omitempty"`
	Issued         time.Time    `json:"issued"`
	EffectiveStart time.Time    `json:"effective_start"`
	EffectiveEnd   *time.Time   `json:"effective_end,omitempty"` // nil = permanent
	Schedule       *DailyWindow `json:"schedule,omitempty"`
}

// ActiveAt reports whether the notice is in force at now, evaluated in loc.
func (n Notice) ActiveAt(now time.Time, loc *time.Location) bool {
	if now.Before(n.EffectiveStart) {
		return false
	}
	if n.EffectiveEnd != nil && !now.Before(*n.EffectiveEnd) {
		return false
	}
	if n.Schedule == nil {
		return true
	}
	from, err1 := clockMinutes(n.Schedule.From)
	to, err2 := clockMinutes(n.Schedule.To)
	if err1 != nil || err2 != nil {
		// An unparseable schedule cannot be verified.
		return false
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	if from <= to {
		return m >= from && m < to
	}
	return m >= from || m < to
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("notam: bad clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NoticeRecord is the cached notice set of one site.
type NoticeRecord struct {
	SiteID    string    `json:"site_id"`
	Notices   []Notice  `json:"notices"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Key is the store key of a site's notice record.
func Key(siteID string) string {
	return store.Key("notam", siteID)
}

// Adapter fetches the current notices for a site.
type Adapter interface {
	Name() string
	FetchNotices(ctx context.Context, site weather.Site) ([]Notice, error)
}

// DefaultThresholds apply to notice data unless configured otherwise.
func DefaultThresholds() staleness.Thresholds {
	return staleness.Thresholds{Warning: 30 * time.Minute, Error: 2 * time.Hour, FailClosed: 6 * time.Hour}
}

// Result is what the serving layer sends for notices.
type Result struct {
	Notams          []Notice       `json:"notams"`
	FailClosed      bool           `json:"failclosed"`
	Reason          string         `json:"reason,omitempty"`
	CacheAgeSeconds int64          `json:"cache_age_seconds"`
	Stale           bool           `json:"stale"`
	Tier            staleness.Tier `json:"tier"`
	Excluded        int            `json:"excluded"`
	Refreshing      bool           `json:"refreshing"`
}

// Gate applies the notice staleness policy.
type Gate struct {
	Thresholds staleness.Thresholds
}

// Apply decides what may be shown from rec. Past the fail-closed threshold
// nothing is shown; below it every notice must also be active at now.
func (g Gate) Apply(rec *NoticeRecord, now time.Time, loc *time.Location) Result {
	if rec == nil {
		return Result{Notams: []Notice{}, FailClosed: true, Reason: ReasonNoData, Tier: staleness.TierFailClosed}
	}
	if loc == nil {
		loc = time.UTC
	}

	age := now.Sub(rec.FetchedAt)
	tier := staleness.Classify(age, g.Thresholds)
	res := Result{
		Notams:          []Notice{},
		CacheAgeSeconds: staleness.Seconds(age),
		Stale:           tier >= staleness.TierWarning,
		Tier:            tier,
	}
	if tier == staleness.TierFailClosed {
		res.FailClosed = true
		res.Reason = ReasonCacheFailClose
		return res
	}

	for _, n := range rec.Notices {
		if n.ActiveAt(now, loc) {
			res.Notams = append(res.Notams, n)
		} else {
			res.Excluded++
		}
	}
	return res
}
