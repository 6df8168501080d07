// Package scheduler runs periodic housekeeping: pruning old daily extremes,
// sweeping expired refresh leases and compacting the state backend. Data
// refreshes are driven by reads, never by this scheduler.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron"

	"github.com/i474232898/airfield-wx/internal/extremes"
	"github.com/i474232898/airfield-wx/internal/lock"
	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

const defaultInterval = 10 * time.Minute

// Report summarises one housekeeping pass.
type Report struct {
	Pruned int
	Swept  int
	Errors int
}

// Scheduler periodically tidies persisted state for the configured sites.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sites     []weather.Site
	interval  time.Duration
	timeout   time.Duration

	tracker *extremes.Tracker
	locker  lock.Locker
	kv      store.KV
	log     *log.Logger
}

// New creates a new Scheduler. locker and kv are optional; they are only
// visited when they implement lock.Sweeper or store.Maintainer.
func New(sites []weather.Site, interval time.Duration, tracker *extremes.Tracker, locker lock.Locker, kv store.KV, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		sites:     sites,
		interval:  interval,
		timeout:   time.Minute,
		tracker:   tracker,
		locker:    locker,
		kv:        kv,
		log:       logging.Component(logger, "housekeeping"),
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.sites) == 0 {
		s.log.Info("no sites configured; nothing to schedule")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// RunOnce performs a single housekeeping pass. Failures are logged and
// counted; one failing site does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep Report
		wg  sync.WaitGroup
	)

	if s.tracker != nil {
		for _, site := range s.sites {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.tracker.Prune(ctx, site)
				mu.Lock()
				defer mu.Unlock()
				rep.Pruned += n
				if err != nil {
					rep.Errors++
					s.log.Warn("prune extremes failed", "site", site.ID, "err", err)
				}
			}()
		}
	}
	wg.Wait()

	if sw, ok := s.locker.(lock.Sweeper); ok {
		n, err := sw.Sweep(ctx)
		rep.Swept = n
		if err != nil {
			rep.Errors++
			s.log.Warn("sweep leases failed", "err", err)
		}
	}

	if m, ok := s.kv.(store.Maintainer); ok {
		if err := m.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rep.Errors++
			s.log.Warn("state maintenance failed", "err", err)
		}
	}

	s.log.Debug("housekeeping done", "pruned", rep.Pruned, "swept", rep.Swept, "errors", rep.Errors)
	return rep
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
