package cache

import (
	"context"
	"errors"
	"time"

	"github.com/i474232898/airfield-wx/internal/breaker"
	"github.com/i474232898/airfield-wx/internal/extremes"
	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/staleness"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// Cache states reported to the serving layer.
const (
	StateMiss  = "MISS"
	StateHit   = "HIT"
	StateStale = "STALE"
)

// Per-source outcomes of a refresh.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// SourceStatus records what one source did during the last refresh.
type SourceStatus struct {
	Provider string    `json:"provider"`
	Status   string    `json:"status"`
	Fields   int       `json:"fields,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`

	// Merged lists the fields this source holds in the merged record,
	// including values carried forward from earlier refreshes.
	Merged []weather.Field `json:"merged,omitempty"`
}

// CacheRecord is the persisted, merged state of one site.
type CacheRecord struct {
	SiteID string `json:"site_id"`
	weather.Snapshot
	FetchedAt    time.Time                       `json:"fetched_at"`
	SourceStatus map[weather.Source]SourceStatus `json:"source_status"`
	RefreshID    string                          `json:"refresh_id,omitempty"`
}

// Key is the store key of a site's cache record.
func Key(siteID string) string {
	return store.Key("cache", siteID)
}

// Result is the answer to one read: the best available data plus the flags
// that say how far it can be trusted.
type Result struct {
	SiteID          string                             `json:"site_id"`
	Data            weather.Observation                `json:"data"`
	Sources         weather.FieldSourceMap             `json:"sources"`
	ObsTimes        weather.FieldObsTimeMap            `json:"obs_times"`
	Extremes        map[weather.Field]extremes.Reading `json:"extremes,omitempty"`
	FetchedAt       time.Time                          `json:"fetched_at"`
	CacheAgeSeconds int64                              `json:"cache_age_seconds"`
	Stale           bool                               `json:"stale"`
	FailClosed      bool                               `json:"failclosed"`
	Refreshing      bool                               `json:"refreshing"`
	Tier            staleness.Tier                     `json:"tier"`
	Withheld        []staleness.Withheld               `json:"withheld,omitempty"`
	SourceStatus    map[weather.Source]SourceStatus    `json:"source_status"`
	State           string                             `json:"-"`
}

// Binding assigns an adapter to a source role.
type Binding struct {
	Source  weather.Source
	Adapter weather.Adapter
}

// Site is everything the controller needs to serve one site.
type Site struct {
	Info weather.Site

	// Sources in priority order; the SourcePrimary binding, if any, is
	// merged first.
	Sources []Binding
	Notices notam.Adapter

	RefreshInterval       time.Duration
	NoticeRefreshInterval time.Duration
	Thresholds            staleness.ThresholdsFunc
	NoticeThresholds      staleness.Thresholds
	MergePolicy           weather.MergePolicy
}

func (s *Site) withDefaults() {
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = 5 * time.Minute
	}
	if s.NoticeRefreshInterval <= 0 {
		s.NoticeRefreshInterval = 15 * time.Minute
	}
	if s.Thresholds == nil {
		th := staleness.Thresholds{Warning: 10 * time.Minute, Error: time.Hour, FailClosed: 3 * time.Hour}
		s.Thresholds = func(weather.Source) staleness.Thresholds { return th }
	}
	if s.NoticeThresholds == (staleness.Thresholds{}) {
		s.NoticeThresholds = notam.DefaultThresholds()
	}
	if s.MergePolicy.DefaultMaxStale <= 0 {
		s.MergePolicy = weather.DefaultMergePolicy()
	}
}

// SourceReport is one row of a site's source health listing.
type SourceReport struct {
	Source   weather.Source       `json:"source"`
	Provider string               `json:"provider"`
	State    string               `json:"state"`
	Health   breaker.SourceHealth `json:"health"`
	Last     *SourceStatus        `json:"last,omitempty"`
}

func (c *Controller) loadRecord(ctx context.Context, siteID string) (*CacheRecord, error) {
	var rec CacheRecord
	if err := store.GetJSON(ctx, c.kv, Key(siteID), &rec); err != nil {
		return nil, err
	}
	if rec.Data == nil {
		rec.Data = make(weather.Observation)
	}
	if rec.Sources == nil {
		rec.Sources = make(weather.FieldSourceMap)
	}
	if rec.ObsTimes == nil {
		rec.ObsTimes = make(weather.FieldObsTimeMap)
	}
	return &rec, nil
}

// loadOrNil treats a missing or unreadable record as no record.
func (c *Controller) loadOrNil(ctx context.Context, siteID string) *CacheRecord {
	rec, err := c.loadRecord(ctx, siteID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("cache record unreadable; treating as miss", "site", siteID, "err", err)
		}
		return nil
	}
	return rec
}

func (c *Controller) loadNotices(ctx context.Context, siteID string) *notam.NoticeRecord {
	var rec notam.NoticeRecord
	if err := store.GetJSON(ctx, c.kv, notam.Key(siteID), &rec); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("notice record unreadable; treating as miss", "site", siteID, "err", err)
		}
		return nil
	}
	return &rec
}
