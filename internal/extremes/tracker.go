// Package extremes tracks the per-site daily high and low of selected fields,
// keyed by the site's local calendar date.
package extremes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

const dateLayout = "2006-01-02"

// TrackedFields are the fields with a daily high/low. Peak gust is the high
// of gust_speed.
var TrackedFields = []weather.Field{
	weather.FieldTemperature,
	weather.FieldWindSpeed,
	weather.FieldGustSpeed,
	weather.FieldPressure,
}

// Extremes holds one field's high and low for a day.
type Extremes struct {
	High   float64   `json:"high"`
	HighAt time.Time `json:"high_at"`
	Low    float64   `json:"low"`
	LowAt  time.Time `json:"low_at"`
}

// DailyExtremes is the persisted record of one site and local date.
type DailyExtremes struct {
	SiteID string                     `json:"site_id"`
	Date   string                     `json:"date"`
	Fields map[weather.Field]Extremes `json:"fields"`
}

// Reading is what clients see for one field.
type Reading struct {
	High   *float64   `json:"high"`
	HighAt *time.Time `json:"high_at,omitempty"`
	Low    *float64   `json:"low"`
	LowAt  *time.Time `json:"low_at,omitempty"`
}

// Empty reports whether no value is known for today.
func (r Reading) Empty() bool { return r.High == nil && r.Low == nil }

// Key is the store key of one site's extremes for a local date.
func Key(siteID, date string) string {
	return store.Key("extremes", siteID, date)
}

// Tracker updates and reads daily extremes.
type Tracker struct {
	kv  store.KV
	now func() time.Time
	log *log.Logger

	mu    sync.Mutex
	sites map[string]*sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.log = logging.Component(l, "extremes") }
}

// NewTracker returns a tracker persisting into kv.
func NewTracker(kv store.KV, opts ...Option) *Tracker {
	t := &Tracker{
		kv:    kv,
		now:   time.Now,
		log:   logging.Discard(),
		sites: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Today returns the site's current local date.
func (t *Tracker) Today(site weather.Site) string {
	return t.now().In(site.Location()).Format(dateLayout)
}

// Update folds one observation into today's extremes. A reading whose local
// date is not today is ignored (it returns false). Readings may arrive in any
// order; equal values keep the earliest timestamp.
func (t *Tracker) Update(ctx context.Context, site weather.Site, field weather.Field, value float64, ts time.Time) (bool, error) {
	loc := site.Location()
	today := t.Today(site)
	if ts.In(loc).Format(dateLayout) != today {
		return false, nil
	}

	mu := t.siteLock(site.ID)
	mu.Lock()
	defer mu.Unlock()

	day, err := t.load(ctx, site.ID, today)
	if err != nil {
		return false, err
	}

	ts = ts.UTC()
	cur, seen := day.Fields[field]
	changed := false
	if !seen {
		cur = Extremes{High: value, HighAt: ts, Low: value, LowAt: ts}
		changed = true
	} else {
		if value > cur.High || (value == cur.High && ts.Before(cur.HighAt)) {
			cur.High, cur.HighAt = value, ts
			changed = true
		}
		if value < cur.Low || (value == cur.Low && ts.Before(cur.LowAt)) {
			cur.Low, cur.LowAt = value, ts
			changed = true
		}
	}
	if !changed {
		return true, nil
	}

	day.Fields[field] = cur
	if err := store.PutJSON(ctx, t.kv, Key(site.ID, today), day); err != nil {
		return false, fmt.Errorf("extremes: save %s/%s: %w", site.ID, today, err)
	}
	return true, nil
}

// UpdateSnapshot applies every tracked numeric field of s, using each
// field's own observation time. Derived and carried values are folded in
// too; carried values repeat an earlier reading and change nothing.
func (t *Tracker) UpdateSnapshot(ctx context.Context, site weather.Site, s weather.Snapshot) error {
	var errs []error
	for _, f := range TrackedFields {
		v, ok := s.Float(f)
		if !ok {
			continue
		}
		if _, err := t.Update(ctx, site, f, v, s.ObsTimes[f]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Read returns today's extremes for field. When nothing is stored yet and
// fallback was observed today, the fallback value is reported as both high
// and low.
func (t *Tracker) Read(ctx context.Context, site weather.Site, field weather.Field, fallback *weather.Sample) (Reading, error) {
	today := t.Today(site)
	day, err := t.load(ctx, site.ID, today)
	if err != nil {
		return Reading{}, err
	}

	if e, ok := day.Fields[field]; ok {
		return Reading{High: ptr(e.High), HighAt: ptr(e.HighAt), Low: ptr(e.Low), LowAt: ptr(e.LowAt)}, nil
	}
	if fallback != nil {
		v, ok := fallback.Value.Float()
		if ok && fallback.CapturedAt.In(site.Location()).Format(dateLayout) == today {
			at := fallback.CapturedAt.UTC()
			return Reading{High: ptr(v), HighAt: ptr(at), Low: ptr(v), LowAt: ptr(at)}, nil
		}
	}
	return Reading{}, nil
}

// ReadAll reads every tracked field, using s as the fallback source.
func (t *Tracker) ReadAll(ctx context.Context, site weather.Site, s weather.Snapshot) map[weather.Field]Reading {
	out := make(map[weather.Field]Reading)
	for _, f := range TrackedFields {
		var fb *weather.Sample
		if v, ok := s.Data[f]; ok {
			fb = &weather.Sample{Value: v, CapturedAt: s.ObsTimes[f]}
		}
		r, err := t.Read(ctx, site, f, fb)
		if err != nil {
			t.log.Warn("read extremes failed", "site", site.ID, "field", f, "err", err)
			continue
		}
		if !r.Empty() {
			out[f] = r
		}
	}
	return out
}

// Prune deletes the site's records for every date other than today.
func (t *Tracker) Prune(ctx context.Context, site weather.Site) (int, error) {
	prefix := store.Key("extremes", site.ID) + "/"
	keys, err := t.kv.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("extremes: list %s: %w", site.ID, err)
	}
	today := t.Today(site)
	removed := 0
	for _, k := range keys {
		if strings.TrimPrefix(k, prefix) == today {
			continue
		}
		if err := t.kv.Delete(ctx, k); err != nil {
			return removed, fmt.Errorf("extremes: delete %s: %w", k, err)
		}
		removed++
	}
	return removed, nil
}

func (t *Tracker) load(ctx context.Context, siteID, date string) (DailyExtremes, error) {
	day := DailyExtremes{SiteID: siteID, Date: date}
	err := store.GetJSON(ctx, t.kv, Key(siteID, date), &day)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return DailyExtremes{}, fmt.Errorf("extremes: load %s/%s: %w", siteID, date, err)
	}
	if day.Fields == nil {
		day.Fields = make(map[weather.Field]Extremes)
	}
	return day, nil
}

func (t *Tracker) siteLock(siteID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.sites[siteID]
	if !ok {
		m = &sync.Mutex{}
		t.sites[siteID] = m
	}
	return m
}

func ptr[T any](v T) *T { return &v }
