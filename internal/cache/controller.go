// Package cache serves merged site data stale-while-revalidate: cached data
// is answered immediately and at most one background refresh per site runs
// across every server process.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/airfield-wx/internal/breaker"
	"github.com/i474232898/airfield-wx/internal/extremes"
	"github.com/i474232898/airfield-wx/internal/lock"
	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/staleness"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

var (
	// ErrUnknownSite is returned for site IDs that are not configured.
	ErrUnknownSite = errors.New("cache: unknown site")

	// ErrUnavailable is returned when there is no cached data and a
	// synchronous fetch produced none.
	ErrUnavailable = errors.New("cache: data unavailable")

	errNoSource = errors.New("no source returned data")
)

const (
	kindObservation = "observation"
	kindNotice      = "notice"
)

// Defaults for the refresh budgets.
const (
	DefaultRefreshBudget  = 45 * time.Second
	DefaultAdapterTimeout = 10 * time.Second

	// warningRetry is the minimum record age before warning-tier fields
	// inside the refresh interval trigger a background refresh.
	warningRetry = time.Minute
)

// Controller coordinates reads and refreshes for every configured site.
type Controller struct {
	kv       store.KV
	locker   lock.Locker
	breaker  *breaker.Breaker
	extremes *extremes.Tracker
	metrics  *Metrics
	log      *log.Logger
	now      func() time.Time

	refreshBudget  time.Duration
	adapterTimeout time.Duration

	sites map[string]*Site
	order []string

	group singleflight.Group
	wg    sync.WaitGroup
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.log = logging.Component(l, "cache") }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRefreshBudget bounds the wall-clock time of one refresh.
func WithRefreshBudget(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.refreshBudget = d
		}
	}
}

// WithAdapterTimeout bounds a single adapter call.
func WithAdapterTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.adapterTimeout = d
		}
	}
}

// New builds a controller over the given sites.
func New(kv store.KV, locker lock.Locker, br *breaker.Breaker, tr *extremes.Tracker, sites []*Site, opts ...Option) *Controller {
	c := &Controller{
		kv:             kv,
		locker:         locker,
		breaker:        br,
		extremes:       tr,
		log:            logging.Discard(),
		now:            time.Now,
		refreshBudget:  DefaultRefreshBudget,
		adapterTimeout: DefaultAdapterTimeout,
		sites:          make(map[string]*Site, len(sites)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(prometheus.NewRegistry())
	}
	for _, s := range sites {
		s.withDefaults()
		c.sites[s.Info.ID] = s
		c.order = append(c.order, s.Info.ID)
	}
	sort.Strings(c.order)
	return c
}

// Sites lists the configured sites ordered by ID.
func (c *Controller) Sites() []weather.Site {
	out := make([]weather.Site, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sites[id].Info)
	}
	return out
}

// Site returns the configuration of one site.
func (c *Controller) Site(siteID string) (*Site, error) {
	s, ok := c.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return s, nil
}

// Wait blocks until detached refreshes have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Get returns the current data for a site.
//
// With no cached record the data is fetched synchronously; concurrent misses
// in this process share one fetch. A cached record younger than the refresh
// interval is served as-is, unless some of its fields have reached the
// warning tier. An older one is served immediately. In both refresh cases a
// caller that wins the site's refresh lock refreshes it in the background.
func (c *Controller) Get(ctx context.Context, siteID string) (Result, error) {
	site, err := c.Site(siteID)
	if err != nil {
		return Result{}, err
	}

	rec := c.loadOrNil(ctx, siteID)
	if rec == nil {
		c.metrics.reads.WithLabelValues(siteID, kindObservation, StateMiss).Inc()
		v, err, _ := c.group.Do(siteID, func() (any, error) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshBudget)
			defer cancel()
			r, err := c.Refresh(rctx, siteID)
			return &r, err
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, siteID, err)
		}
		return c.serve(ctx, site, v.(*CacheRecord), StateMiss, false), nil
	}

	refresh := func(rctx context.Context) error {
		_, err := c.Refresh(rctx, siteID)
		return err
	}

	age := c.now().Sub(rec.FetchedAt)
	if age < site.RefreshInterval {
		c.metrics.reads.WithLabelValues(siteID, kindObservation, StateHit).Inc()
		res := c.serve(ctx, site, rec, StateHit, false)
		if res.Tier >= staleness.TierWarning && age >= warningRetry {
			res.Refreshing = c.spawn(ctx, siteID, lock.RefreshKey(siteID), kindObservation, refresh)
		}
		return res, nil
	}

	c.metrics.reads.WithLabelValues(siteID, kindObservation, StateStale).Inc()
	refreshing := c.spawn(ctx, siteID, lock.RefreshKey(siteID), kindObservation, refresh)
	res := c.serve(ctx, site, rec, StateStale, refreshing)
	res.Stale = true
	return res, nil
}

// spawn starts fn in the background if the lock for key can be taken right
// now. It reports whether a refresh was started.
func (c *Controller) spawn(ctx context.Context, siteID, key, kind string, fn func(context.Context) error) bool {
	lease, ok, err := c.locker.TryAcquire(ctx, key)
	if err != nil {
		c.log.Warn("refresh lock unavailable", "site", siteID, "key", key, "err", err)
		return false
	}
	if !ok {
		c.metrics.lockContention.WithLabelValues(siteID, kind).Inc()
		c.log.Debug("refresh already in flight", "site", siteID, "key", key)
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				c.log.Warn("release refresh lock failed", "site", siteID, "key", key, "err", err)
			}
		}()
		defer func() {
			if p := recover(); p != nil {
				c.log.Error("background refresh panicked", "site", siteID, "kind", kind, "panic", p)
			}
		}()

		rctx, cancel := context.WithTimeout(context.Background(), c.refreshBudget)
		defer cancel()
		if err := fn(rctx); err != nil {
			c.log.Warn("background refresh failed", "site", siteID, "kind", kind, "err", err)
		}
	}()
	return true
}

// serve applies the staleness policy to rec and assembles the response.
func (c *Controller) serve(ctx context.Context, site *Site, rec *CacheRecord, state string, refreshing bool) Result {
	now := c.now()
	snap, report := staleness.ApplyObservation(rec.Snapshot, now, site.Thresholds)
	weather.Derive(snap, site.Info.ElevationFt)

	for _, w := range report.Withheld {
		c.metrics.withheldFields.WithLabelValues(site.Info.ID, w.Reason).Inc()
	}

	res := Result{
		SiteID:          site.Info.ID,
		Data:            snap.Data,
		Sources:         snap.Sources,
		ObsTimes:        snap.ObsTimes,
		FetchedAt:       rec.FetchedAt,
		CacheAgeSeconds: staleness.Seconds(now.Sub(rec.FetchedAt)),
		Stale:           report.NeedsRefresh(),
		FailClosed:      report.FailClosed(),
		Refreshing:      refreshing,
		Tier:            report.Tier,
		Withheld:        report.Withheld,
		SourceStatus:    rec.SourceStatus,
		State:           state,
	}
	if c.extremes != nil {
		res.Extremes = c.extremes.ReadAll(ctx, site.Info, snap)
	}
	return res
}

type fetchResult struct {
	binding Binding
	partial weather.PartialObservation
	status  SourceStatus
}

// Refresh fetches every source of a site, merges the results into the
// persisted record and saves it. It fails only when no source returned
// data; a failed save is logged and the merged record is still returned.
func (c *Controller) Refresh(ctx context.Context, siteID string) (CacheRecord, error) {
	site, err := c.Site(siteID)
	if err != nil {
		return CacheRecord{}, err
	}
	started := c.now()
	defer func() {
		c.metrics.refreshDuration.WithLabelValues(siteID, kindObservation).Observe(c.now().Sub(started).Seconds())
	}()

	results := c.fetchAll(ctx, site)

	var (
		primary   *weather.PartialObservation
		secondary []weather.PartialObservation
		statuses  = make(map[weather.Source]SourceStatus, len(results))
	)
	for i := range results {
		r := &results[i]
		statuses[r.binding.Source] = r.status
		if r.status.Status != StatusOK {
			continue
		}
		if r.binding.Source == weather.SourcePrimary && primary == nil {
			primary = &r.partial
			continue
		}
		secondary = append(secondary, r.partial)
	}
	if primary == nil && len(secondary) == 0 {
		c.metrics.refreshes.WithLabelValues(siteID, kindObservation, "failed").Inc()
		return CacheRecord{}, fmt.Errorf("refresh %s: %w", siteID, errNoSource)
	}

	// Reload right before merging so a refresh that finished elsewhere in
	// the meantime is merged with, never overwritten.
	previous := weather.NewSnapshot()
	if cur := c.loadOrNil(ctx, siteID); cur != nil {
		previous = cur.Snapshot
	}

	now := c.now()
	snap := weather.MergeSnapshot(primary, secondary, previous, site.MergePolicy, now)
	weather.Derive(snap, site.Info.ElevationFt)

	if c.extremes != nil {
		if err := c.extremes.UpdateSnapshot(ctx, site.Info, snap); err != nil {
			c.log.Warn("update daily extremes failed", "site", siteID, "err", err)
		}
	}

	for src, st := range statuses {
		st.Merged = snap.FieldsFrom(src)
		statuses[src] = st
	}

	rec := CacheRecord{
		SiteID:       siteID,
		Snapshot:     snap,
		FetchedAt:    now.UTC(),
		SourceStatus: statuses,
		RefreshID:    uuid.NewString(),
	}
	if err := store.PutJSON(ctx, c.kv, Key(siteID), rec); err != nil {
		c.metrics.persistErrors.WithLabelValues(siteID, kindObservation).Inc()
		c.log.Error("persist cache record failed", "site", siteID, "err", err)
	}

	c.metrics.refreshes.WithLabelValues(siteID, kindObservation, "ok").Inc()
	c.log.Info("refreshed", "site", siteID, "fields", len(snap.Data), "refresh_id", rec.RefreshID)
	return rec, nil
}

// fetchAll calls every source not held open by the breaker, concurrently,
// each under its own timeout.
func (c *Controller) fetchAll(ctx context.Context, site *Site) []fetchResult {
	results := make([]fetchResult, len(site.Sources))
	var wg sync.WaitGroup

	for i, b := range site.Sources {
		results[i].binding = b
		results[i].status.Provider = b.Adapter.Name()

		if c.breaker != nil && c.breaker.ShouldSkip(ctx, site.Info.ID, b.Source) {
			results[i].status.Status = StatusSkipped
			results[i].status.At = c.now().UTC()
			c.metrics.adapterFetches.WithLabelValues(site.Info.ID, string(b.Source), StatusSkipped).Inc()
			continue
		}

		wg.Add(1)
		go func(i int, b Binding) {
			defer wg.Done()

			actx, cancel := context.WithTimeout(ctx, c.adapterTimeout)
			defer cancel()

			p, err := b.Adapter.Fetch(actx, site.Info)
			r := &results[i]
			r.status.At = c.now().UTC()
			if c.breaker != nil {
				c.breaker.RecordFetch(ctx, site.Info.ID, b.Source, err)
			}
			if err != nil {
				r.status.Status = StatusFailed
				r.status.Severity = weather.SeverityOf(err).String()
				r.status.Error = err.Error()
				c.metrics.adapterFetches.WithLabelValues(site.Info.ID, string(b.Source), StatusFailed).Inc()
				c.log.Warn("source fetch failed", "site", site.Info.ID, "source", b.Source, "provider", b.Adapter.Name(), "err", err)
				return
			}

			p.Source = b.Source
			if p.Provider == "" {
				p.Provider = b.Adapter.Name()
			}
			if p.FetchedAt.IsZero() {
				p.FetchedAt = r.status.At
			}
			r.partial = p
			r.status.Status = StatusOK
			r.status.Fields = len(p.Samples)
			c.metrics.adapterFetches.WithLabelValues(site.Info.ID, string(b.Source), StatusOK).Inc()
		}(i, b)
	}

	wg.Wait()
	return results
}

// GetNotices returns the notices of a site through the same
// stale-while-revalidate path, gated by the notice staleness policy.
func (c *Controller) GetNotices(ctx context.Context, siteID string) (notam.Result, error) {
	site, err := c.Site(siteID)
	if err != nil {
		return notam.Result{}, err
	}
	gate := notam.Gate{Thresholds: site.NoticeThresholds}
	loc := site.Info.Location()

	rec := c.loadNotices(ctx, siteID)
	if rec == nil {
		c.metrics.reads.WithLabelValues(siteID, kindNotice, StateMiss).Inc()
		if site.Notices == nil {
			return gate.Apply(nil, c.now(), loc), nil
		}
		v, err, _ := c.group.Do("notam/"+siteID, func() (any, error) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshBudget)
			defer cancel()
			return c.RefreshNotices(rctx, siteID)
		})
		if err != nil {
			c.log.Warn("notice fetch failed; withholding notices", "site", siteID, "err", err)
			return gate.Apply(nil, c.now(), loc), nil
		}
		return gate.Apply(v.(*notam.NoticeRecord), c.now(), loc), nil
	}

	res := gate.Apply(rec, c.now(), loc)
	if c.now().Sub(rec.FetchedAt) < site.NoticeRefreshInterval || site.Notices == nil {
		c.metrics.reads.WithLabelValues(siteID, kindNotice, StateHit).Inc()
		return res, nil
	}

	c.metrics.reads.WithLabelValues(siteID, kindNotice, StateStale).Inc()
	res.Stale = true
	res.Refreshing = c.spawn(ctx, siteID, lock.NoticeRefreshKey(siteID), kindNotice, func(rctx context.Context) error {
		_, err := c.RefreshNotices(rctx, siteID)
		return err
	})
	return res, nil
}

// RefreshNotices fetches and stores a site's notices. The stored record is
// replaced as a whole: a notice set is only meaningful when complete.
func (c *Controller) RefreshNotices(ctx context.Context, siteID string) (*notam.NoticeRecord, error) {
	site, err := c.Site(siteID)
	if err != nil {
		return nil, err
	}
	if site.Notices == nil {
		return nil, fmt.Errorf("refresh notices %s: no notice source configured", siteID)
	}
	started := c.now()
	defer func() {
		c.metrics.refreshDuration.WithLabelValues(siteID, kindNotice).Observe(c.now().Sub(started).Seconds())
	}()

	if c.breaker != nil && c.breaker.ShouldSkip(ctx, siteID, weather.SourceNOTAM) {
		c.metrics.adapterFetches.WithLabelValues(siteID, string(weather.SourceNOTAM), StatusSkipped).Inc()
		c.metrics.refreshes.WithLabelValues(siteID, kindNotice, "failed").Inc()
		return nil, fmt.Errorf("refresh notices %s: source skipped by breaker", siteID)
	}

	actx, cancel := context.WithTimeout(ctx, c.adapterTimeout)
	defer cancel()
	notices, err := site.Notices.FetchNotices(actx, site.Info)
	if c.breaker != nil {
		c.breaker.RecordFetch(ctx, siteID, weather.SourceNOTAM, err)
	}
	if err != nil {
		c.metrics.adapterFetches.WithLabelValues(siteID, string(weather.SourceNOTAM), StatusFailed).Inc()
		c.metrics.refreshes.WithLabelValues(siteID, kindNotice, "failed").Inc()
		return nil, fmt.Errorf("refresh notices %s: %w", siteID, err)
	}
	c.metrics.adapterFetches.WithLabelValues(siteID, string(weather.SourceNOTAM), StatusOK).Inc()

	if notices == nil {
		notices = []notam.Notice{}
	}
	rec := &notam.NoticeRecord{SiteID: siteID, Notices: notices, FetchedAt: c.now().UTC()}
	if err := store.PutJSON(ctx, c.kv, notam.Key(siteID), rec); err != nil {
		c.metrics.persistErrors.WithLabelValues(siteID, kindNotice).Inc()
		c.log.Error("persist notice record failed", "site", siteID, "err", err)
	}
	c.metrics.refreshes.WithLabelValues(siteID, kindNotice, "ok").Inc()
	return rec, nil
}

// Sources reports breaker health and the last refresh outcome per source.
func (c *Controller) Sources(ctx context.Context, siteID string) ([]SourceReport, error) {
	site, err := c.Site(siteID)
	if err != nil {
		return nil, err
	}
	var last map[weather.Source]SourceStatus
	if rec := c.loadOrNil(ctx, siteID); rec != nil {
		last = rec.SourceStatus
	}

	now := c.now()
	out := make([]SourceReport, 0, len(site.Sources)+1)
	add := func(src weather.Source, provider string) {
		r := SourceReport{Source: src, Provider: provider, State: breaker.StateClosed}
		if c.breaker != nil {
			r.Health = c.breaker.Health(ctx, siteID, src)
			r.State = r.Health.State(now)
		}
		if st, ok := last[src]; ok {
			r.Last = &st
		}
		out = append(out, r)
	}
	for _, b := range site.Sources {
		add(b.Source, b.Adapter.Name())
	}
	if site.Notices != nil {
		add(weather.SourceNOTAM, site.Notices.Name())
	}
	return out, nil
}
