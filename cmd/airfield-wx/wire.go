package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/i474232898/airfield-wx/internal/breaker"
	"github.com/i474232898/airfield-wx/internal/cache"
	"github.com/i474232898/airfield-wx/internal/config"
	"github.com/i474232898/airfield-wx/internal/extremes"
	"github.com/i474232898/airfield-wx/internal/lock"
	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
	"github.com/i474232898/airfield-wx/internal/weather/providers"
)

// runtime holds everything a command needs, built from one AppConfig.
type runtime struct {
	cfg      *config.AppConfig
	log      *log.Logger
	kv       store.KV
	locker   lock.Locker
	tracker  *extremes.Tracker
	ctrl     *cache.Controller
	registry *prometheus.Registry
	closers  []func() error
}

func build(ctx context.Context, cfg *config.AppConfig, logger *log.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kv, err := store.Open(store.Config{Backend: cfg.StateBackend, Dir: cfg.StateDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	rt.kv = kv
	rt.closers = append(rt.closers, kv.Close)

	switch cfg.LockBackend {
	case "redis":
		rl, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.LockTTL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.locker = rl
		rt.closers = append(rt.closers, rl.Close)
	default:
		fl, err := lock.NewFileLocker(cfg.LockDir, cfg.LockTTL, lock.WithFileLogger(logger))
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.locker = fl
	}

	br := breaker.New(breaker.NewKVHealthStore(kv), breaker.DefaultPolicy(), breaker.WithLogger(logger))
	rt.tracker = extremes.NewTracker(kv, extremes.WithLogger(logger))

	sites, err := buildSites(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.ctrl = cache.New(kv, rt.locker, br, rt.tracker, sites,
		cache.WithLogger(logger),
		cache.WithMetrics(cache.NewMetrics(rt.registry)),
		cache.WithRefreshBudget(cfg.RefreshBudget),
		cache.WithAdapterTimeout(cfg.AdapterTimeout),
	)
	return rt, nil
}

// Close releases the state backend and lock client.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close failed", "err", err)
		}
	}
	rt.closers = nil
}

// buildSites binds adapters to every configured site. Adapters are shared
// per provider so each upstream gets a single rate limiter.
func buildSites(cfg *config.AppConfig, logger *log.Logger) ([]*cache.Site, error) {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	adapters := make(map[string]weather.Adapter)
	adapter := func(name string) (weather.Adapter, error) {
		if a, ok := adapters[name]; ok {
			return a, nil
		}
		hc := providers.DefaultHTTPConfig(client, providers.NewLimiter(cfg.ProviderRatePerMinute))
		var a weather.Adapter
		switch name {
		case config.AdapterOpenMeteo:
			a = providers.NewOpenMeteoProvider(hc)
		case config.AdapterOpenWeather:
			a = providers.NewOpenWeatherProvider(hc, cfg.OpenWeatherAPIKey)
		case config.AdapterWeatherAPI:
			a = providers.NewWeatherAPIProvider(hc, cfg.WeatherAPIKey)
		case config.AdapterMETAR:
			a = providers.NewMETARProvider(hc)
		default:
			return nil, fmt.Errorf("unknown adapter %q", name)
		}
		adapters[name] = a
		return a, nil
	}

	var notices notam.Adapter
	if cfg.NoticeFeedURL != "" {
		hc := providers.DefaultHTTPConfig(client, providers.NewLimiter(cfg.ProviderRatePerMinute))
		notices = providers.NewNoticeFeedProvider(hc, cfg.NoticeFeedURL, cfg.NoticeFeedAPIKey)
	}

	out := make([]*cache.Site, 0, len(cfg.Sites.Sites))
	for _, sc := range cfg.Sites.Sites {
		site := &cache.Site{
			Info:                  sc.Site,
			RefreshInterval:       sc.RefreshInterval,
			NoticeRefreshInterval: sc.NoticeRefreshInterval,
			Thresholds:            cfg.Sites.ThresholdsFor(sc),
			NoticeThresholds:      cfg.Sites.Thresholds.Notices,
		}

		bind := func(src weather.Source, name string) error {
			a, err := adapter(name)
			if err != nil {
				return fmt.Errorf("site %s: %w", sc.ID, err)
			}
			site.Sources = append(site.Sources, cache.Binding{Source: src, Adapter: a})
			return nil
		}
		if err := bind(weather.SourcePrimary, sc.Primary); err != nil {
			return nil, err
		}
		if sc.Backup != "" {
			if err := bind(weather.SourceBackup, sc.Backup); err != nil {
				return nil, err
			}
		}
		if sc.METAR && sc.Primary != config.AdapterMETAR && sc.Backup != config.AdapterMETAR {
			if err := bind(weather.SourceMETAR, config.AdapterMETAR); err != nil {
				return nil, err
			}
		}

		if sc.Notices {
			if notices != nil {
				site.Notices = notices
			} else {
				logger.Warn("notices enabled but WX_NOTICE_FEED_URL is unset", "site", sc.ID)
			}
		}
		out = append(out, site)
	}
	return out, nil
}
