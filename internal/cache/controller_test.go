package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airfield-wx/internal/breaker"
	"github.com/i474232898/airfield-wx/internal/extremes"
	"github.com/i474232898/airfield-wx/internal/lock"
	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/staleness"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeAdapter struct {
	name  string
	calls atomic.Int32
	fetch func(ctx context.Context, site weather.Site) (weather.PartialObservation, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	f.calls.Add(1)
	return f.fetch(ctx, site)
}

func returning(fields map[weather.Field]float64, at func() time.Time) func(context.Context, weather.Site) (weather.PartialObservation, error) {
	return func(context.Context, weather.Site) (weather.PartialObservation, error) {
		var p weather.PartialObservation
		ts := at()
		for f, v := range fields {
			p.Set(f, v, ts)
		}
		return p, nil
	}
}

func failing(sev weather.Severity) func(context.Context, weather.Site) (weather.PartialObservation, error) {
	return func(context.Context, weather.Site) (weather.PartialObservation, error) {
		return weather.PartialObservation{}, &weather.FetchError{Provider: "fake", Severity: sev, Err: errors.New("boom")}
	}
}

// countingLocker records how many acquisitions were refused.
type countingLocker struct {
	lock.Locker
	refused atomic.Int32
}

func (l *countingLocker) TryAcquire(ctx context.Context, key string) (lock.Lease, bool, error) {
	lease, ok, err := l.Locker.TryAcquire(ctx, key)
	if err == nil && !ok {
		l.refused.Add(1)
	}
	return lease, ok, err
}

type harness struct {
	ctrl    *Controller
	kv      store.KV
	clock   *clock
	locker  *countingLocker
	primary *fakeAdapter
	backup  *fakeAdapter
	notices *fakeNotices
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, kv store.KV) *harness {
	t.Helper()
	if kv == nil {
		kv = store.NewMemoryStore()
	}
	h := &harness{
		kv:      kv,
		clock:   &clock{t: time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)},
		primary: &fakeAdapter{name: "primary-feed"},
		backup:  &fakeAdapter{name: "backup-feed"},
		notices: &fakeNotices{},
		reg:     prometheus.NewRegistry(),
	}
	h.primary.fetch = returning(map[weather.Field]float64{weather.FieldTemperature: 21, weather.FieldPressure: 1015}, h.clock.Now)
	h.backup.fetch = returning(map[weather.Field]float64{weather.FieldTemperature: 19, weather.FieldVisibility: 10}, h.clock.Now)

	fl, err := lock.NewFileLocker(t.TempDir(), lock.DefaultTTL, lock.WithFileClock(h.clock.Now))
	require.NoError(t, err)
	h.locker = &countingLocker{Locker: fl}

	br := breaker.New(breaker.NewKVHealthStore(kv), breaker.DefaultPolicy(), breaker.WithClock(h.clock.Now))
	tr := extremes.NewTracker(kv, extremes.WithClock(h.clock.Now))
	site := &Site{
		Info:            weather.Site{ID: "kspb", Name: "Scappoose", Timezone: "America/Los_Angeles"},
		Sources:         []Binding{{Source: weather.SourcePrimary, Adapter: h.primary}, {Source: weather.SourceBackup, Adapter: h.backup}},
		Notices:         h.notices,
		RefreshInterval: 10 * time.Minute,
	}
	h.ctrl = New(kv, h.locker, br, tr, []*Site{site},
		WithClock(h.clock.Now), WithMetrics(NewMetrics(h.reg)))
	t.Cleanup(h.ctrl.Wait)
	return h
}

func (h *harness) seed(t *testing.T, age time.Duration) {
	t.Helper()
	at := h.clock.Now().Add(-age)
	snap := weather.NewSnapshot()
	snap.Set(weather.FieldTemperature, weather.Num(15), weather.SourcePrimary, at)
	require.NoError(t, store.PutJSON(context.Background(), h.kv, Key("kspb"), CacheRecord{
		SiteID: "kspb", Snapshot: snap, FetchedAt: at,
	}))
}

func TestGetMissFetchesAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.ctrl.Get(ctx, "kspb")
	require.NoError(t, err)

	assert.Equal(t, StateMiss, res.State)
	assert.False(t, res.Stale)
	assert.Equal(t, weather.Num(21), res.Data[weather.FieldTemperature])
	assert.Equal(t, weather.SourcePrimary, res.Sources[weather.FieldTemperature])
	assert.Equal(t, weather.SourceBackup, res.Sources[weather.FieldVisibility])
	assert.Equal(t, StatusOK, res.SourceStatus[weather.SourceBackup].Status)
	assert.Contains(t, res.SourceStatus[weather.SourcePrimary].Merged, weather.FieldTemperature)
	assert.Contains(t, res.SourceStatus[weather.SourceBackup].Merged, weather.FieldVisibility)
	assert.NotContains(t, res.SourceStatus[weather.SourceBackup].Merged, weather.FieldTemperature)
	assert.Contains(t, res.Extremes, weather.FieldTemperature)

	_, err = h.kv.Get(ctx, Key("kspb"))
	require.NoError(t, err)

	res, err = h.ctrl.Get(ctx, "kspb")
	require.NoError(t, err)
	assert.Equal(t, StateHit, res.State)
	assert.False(t, res.Refreshing)
	assert.Equal(t, int32(1), h.primary.calls.Load())
}

func TestGetUnknownSite(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctrl.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestGetMissWithNoSourcesIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.fetch = failing(weather.SeverityTransient)
	h.backup.fetch = failing(weather.SeverityPermanent)

	_, err := h.ctrl.Get(context.Background(), "kspb")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = h.kv.Get(context.Background(), Key("kspb"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetMissSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.primary.fetch = func(ctx context.Context, _ weather.Site) (weather.PartialObservation, error) {
		cancel()
		if err := ctx.Err(); err != nil {
			return weather.PartialObservation{}, err
		}
		var p weather.PartialObservation
		p.Set(weather.FieldTemperature, 21, h.clock.Now())
		return p, nil
	}

	res, err := h.ctrl.Get(ctx, "kspb")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.SourceStatus[weather.SourcePrimary].Status)
}

func TestConcurrentStaleReadsRefreshOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 15*time.Minute)

	release := make(chan struct{})
	inner := h.primary.fetch
	h.primary.fetch = func(ctx context.Context, s weather.Site) (weather.PartialObservation, error) {
		<-release
		return inner(ctx, s)
	}

	const n = 12
	var (
		wg         sync.WaitGroup
		refreshing atomic.Int32
		start      = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.ctrl.Get(context.Background(), "kspb")
			assert.NoError(t, err)
			assert.True(t, res.Stale)
			assert.Equal(t, weather.Num(15), res.Data[weather.FieldTemperature])
			if res.Refreshing {
				refreshing.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	close(release)
	h.ctrl.Wait()

	assert.Equal(t, int32(1), refreshing.Load())
	assert.Equal(t, int32(n-1), h.locker.refused.Load())
	assert.Equal(t, int32(1), h.primary.calls.Load())

	res, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	assert.Equal(t, StateHit, res.State)
	assert.Equal(t, weather.Num(21), res.Data[weather.FieldTemperature])
}

func TestWarningTierReadsReturnImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 15*time.Minute) // 1.5x the refresh interval

	release := make(chan struct{})
	h.primary.fetch = func(ctx context.Context, _ weather.Site) (weather.PartialObservation, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return weather.PartialObservation{}, errors.New("slow")
	}

	first, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	second, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	close(release)
	h.ctrl.Wait()

	assert.True(t, first.Stale)
	assert.True(t, first.Refreshing)
	assert.True(t, second.Stale)
	assert.False(t, second.Refreshing)
	assert.Equal(t, int64(900), second.CacheAgeSeconds)
	assert.Equal(t, int32(1), h.primary.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.lockContention.WithLabelValues("kspb", kindObservation)))
}

func TestWarningTierFieldsRefreshInsideInterval(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()
	snap := weather.NewSnapshot()
	snap.Set(weather.FieldTemperature, weather.Num(15), weather.SourcePrimary, now.Add(-15*time.Minute))
	put := func(fetched time.Time) {
		require.NoError(t, store.PutJSON(context.Background(), h.kv, Key("kspb"), CacheRecord{
			SiteID: "kspb", Snapshot: snap, FetchedAt: fetched,
		}))
	}

	// Just refreshed: the field is old but another attempt is not due yet.
	put(now.Add(-30 * time.Second))
	res, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	assert.Equal(t, StateHit, res.State)
	assert.True(t, res.Stale)
	assert.False(t, res.Refreshing)

	put(now.Add(-2 * time.Minute))
	res, err = h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.Equal(t, StateHit, res.State)
	assert.Equal(t, staleness.TierWarning, res.Tier)
	assert.True(t, res.Stale)
	assert.True(t, res.Refreshing)
	assert.Equal(t, int32(1), h.primary.calls.Load())
}

func TestBackupServesWhilePrimaryBreakerOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	t1000 := time.Unix(1000, 0).UTC()
	h.clock.Set(t1000.Add(30 * time.Second))

	h.primary.fetch = failing(weather.SeverityTransient)
	h.backup.fetch = func(context.Context, weather.Site) (weather.PartialObservation, error) {
		var p weather.PartialObservation
		p.Set(weather.FieldTemperature, 18.0, t1000)
		return p, nil
	}

	for i := 0; i < 3; i++ {
		_, err := h.ctrl.Refresh(ctx, "kspb")
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), h.primary.calls.Load())

	rec, err := h.ctrl.Refresh(ctx, "kspb")
	require.NoError(t, err)
	assert.Equal(t, int32(3), h.primary.calls.Load(), "open breaker skips the primary")
	assert.Equal(t, StatusSkipped, rec.SourceStatus[weather.SourcePrimary].Status)

	res, err := h.ctrl.Get(ctx, "kspb")
	require.NoError(t, err)
	assert.Equal(t, weather.Num(18.0), res.Data[weather.FieldTemperature])
	assert.Equal(t, weather.SourceBackup, res.Sources[weather.FieldTemperature])
	assert.Equal(t, t1000, res.ObsTimes[weather.FieldTemperature])

	reports, err := h.ctrl.Sources(ctx, "kspb")
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Equal(t, weather.SourcePrimary, reports[0].Source)
	assert.Equal(t, breaker.StateOpen, reports[0].State)
	assert.Equal(t, 3, reports[0].Health.ConsecutiveFailures)
}

func TestStaleSourceFieldsAreWithheld(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()
	snap := weather.NewSnapshot()
	snap.Set(weather.FieldTemperature, weather.Num(15), weather.SourcePrimary, now.Add(-4*time.Hour))
	snap.Set(weather.FieldVisibility, weather.Num(10), weather.SourceBackup, now.Add(-2*time.Minute))
	require.NoError(t, store.PutJSON(context.Background(), h.kv, Key("kspb"), CacheRecord{
		SiteID: "kspb", Snapshot: snap, FetchedAt: now.Add(-2 * time.Minute),
	}))

	res, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)

	assert.Equal(t, StateHit, res.State)
	assert.True(t, res.FailClosed)
	assert.NotContains(t, res.Data, weather.FieldTemperature)
	assert.Contains(t, res.Data, weather.FieldVisibility)
	require.Len(t, res.Withheld, 1)
	assert.Equal(t, weather.SourcePrimary, res.Withheld[0].Source)
}

// failingPuts rejects writes of cache records.
type failingPuts struct {
	store.KV
}

func (f failingPuts) Put(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, "cache/") {
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, value)
}

func TestPersistFailureStillReturnsData(t *testing.T) {
	h := newHarness(t, failingPuts{KV: store.NewMemoryStore()})

	res, err := h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	assert.Equal(t, weather.Num(21), res.Data[weather.FieldTemperature])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.persistErrors.WithLabelValues("kspb", kindObservation)))

	res, err = h.ctrl.Get(context.Background(), "kspb")
	require.NoError(t, err)
	assert.Equal(t, StateMiss, res.State)
}

func TestRefreshMergesWithLatestRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()

	snap := weather.NewSnapshot()
	snap.Set(weather.FieldCeiling, weather.Num(2500), weather.SourceMETAR, now.Add(-5*time.Minute))
	require.NoError(t, store.PutJSON(ctx, h.kv, Key("kspb"), CacheRecord{SiteID: "kspb", Snapshot: snap, FetchedAt: now}))

	rec, err := h.ctrl.Refresh(ctx, "kspb")
	require.NoError(t, err)

	assert.Equal(t, weather.Num(2500), rec.Data[weather.FieldCeiling])
	assert.Equal(t, now.Add(-5*time.Minute), rec.ObsTimes[weather.FieldCeiling])
	assert.NotEmpty(t, rec.RefreshID)
}

type fakeNotices struct {
	calls   atomic.Int32
	notices []notam.Notice
	err     error
}

func (f *fakeNotices) Name() string { return "notice-feed" }

func (f *fakeNotices) FetchNotices(context.Context, weather.Site) ([]notam.Notice, error) {
	f.calls.Add(1)
	return f.notices, f.err
}

func TestGetNotices(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()
	h.notices.notices = []notam.Notice{
		{ID: "A1", Text: "TWY A CLSD", EffectiveStart: now.Add(-time.Hour)},
		{ID: "A2", Text: "RWY 15 LGT U/S", EffectiveStart: now.Add(time.Hour)},
	}

	res, err := h.ctrl.GetNotices(ctx, "kspb")
	require.NoError(t, err)
	assert.False(t, res.FailClosed)
	require.Len(t, res.Notams, 1)
	assert.Equal(t, "A1", res.Notams[0].ID)

	// Seven hours later the cached set is withdrawn and a refresh is started.
	h.clock.Set(now.Add(7 * time.Hour))
	h.notices.err = errors.New("feed down")

	res, err = h.ctrl.GetNotices(ctx, "kspb")
	require.NoError(t, err)
	h.ctrl.Wait()
	assert.True(t, res.FailClosed)
	assert.Empty(t, res.Notams)
	assert.Equal(t, notam.ReasonCacheFailClose, res.Reason)
	assert.True(t, res.Refreshing)
	assert.Equal(t, int32(2), h.notices.calls.Load())
}

func TestGetNoticesMissFailureFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.notices.err = errors.New("feed down")

	res, err := h.ctrl.GetNotices(context.Background(), "kspb")
	require.NoError(t, err)
	assert.True(t, res.FailClosed)
	assert.Equal(t, notam.ReasonNoData, res.Reason)
}
