package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/airfield-wx/internal/staleness"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// Adapter names accepted in the sites file.
const (
	AdapterOpenMeteo   = "openmeteo"
	AdapterOpenWeather = "openweather"
	AdapterWeatherAPI  = "weatherapi"
	AdapterMETAR       = "metar"
)

var validate = validator.New()

type AppConfig struct {
	Port string

	SitesFile string

	// State persistence (file, badger, sqlite, memory).
	StateBackend string
	StateDir     string

	// Refresh lock (file or redis).
	LockBackend string
	LockDir     string
	RedisAddr   string
	LockTTL     time.Duration

	RefreshBudget        time.Duration
	AdapterTimeout       time.Duration
	HTTPTimeout          time.Duration
	HousekeepingInterval time.Duration

	// ProviderRatePerMinute paces outbound calls per provider (0 = unpaced).
	ProviderRatePerMinute int

	LogLevel string

	OpenWeatherAPIKey string
	WeatherAPIKey     string
	NoticeFeedURL     string
	NoticeFeedAPIKey  string

	Sites SitesFile
}

// Load reads configuration from environment with sensible defaults, then
// the sites file it points at.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", "err", err)
	}
	cfg := &AppConfig{}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.SitesFile = getenvDefault("WX_SITES_FILE", "sites.yaml")
	cfg.StateBackend = getenvDefault("WX_STATE_BACKEND", "file")
	cfg.StateDir = getenvDefault("WX_STATE_DIR", "var/state")
	cfg.LockBackend = getenvDefault("WX_LOCK_BACKEND", "file")
	cfg.LockDir = getenvDefault("WX_LOCK_DIR", "var/locks")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.ProviderRatePerMinute = getenvInt("WX_PROVIDER_RATE_PER_MINUTE", 30)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	cfg.OpenWeatherAPIKey = os.Getenv("OPENWEATHER_API_KEY")
	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")
	cfg.NoticeFeedURL = os.Getenv("WX_NOTICE_FEED_URL")
	cfg.NoticeFeedAPIKey = os.Getenv("WX_NOTICE_FEED_API_KEY")

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"WX_LOCK_TTL", "2m", &cfg.LockTTL},
		{"WX_REFRESH_BUDGET", "45s", &cfg.RefreshBudget},
		{"WX_ADAPTER_TIMEOUT", "10s", &cfg.AdapterTimeout},
		{"HTTP_TIMEOUT", "15s", &cfg.HTTPTimeout},
		{"WX_HOUSEKEEPING_INTERVAL", "10m", &cfg.HousekeepingInterval},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sites, err := LoadSites(cfg.SitesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sites = sites
	return cfg, nil
}

func (c *AppConfig) validate() error {
	v := struct {
		StateBackend string `validate:"oneof=file badger sqlite memory"`
		LockBackend  string `validate:"oneof=file redis"`
		RedisAddr    string `validate:"required_if=LockBackend redis"`
	}{c.StateBackend, c.LockBackend, c.RedisAddr}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if c.RefreshBudget <= c.AdapterTimeout {
		return fmt.Errorf("WX_REFRESH_BUDGET (%s) must exceed WX_ADAPTER_TIMEOUT (%s)", c.RefreshBudget, c.AdapterTimeout)
	}
	if c.LockTTL <= c.RefreshBudget {
		return fmt.Errorf("WX_LOCK_TTL (%s) must exceed WX_REFRESH_BUDGET (%s)", c.LockTTL, c.RefreshBudget)
	}
	return nil
}

// ThresholdSet holds the observation and notice staleness thresholds.
// Sites with a single observation source get Single; sites with several get
// Redundant. Sources overrides either by source name.
type ThresholdSet struct {
	Single    staleness.Thresholds            `yaml:"single"`
	Redundant staleness.Thresholds            `yaml:"redundant"`
	Sources   map[string]staleness.Thresholds `yaml:"sources"`
	Notices   staleness.Thresholds            `yaml:"notices"`
}

// DefaultThresholds apply when the sites file sets none.
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{
		Single:    staleness.Thresholds{Warning: 10 * time.Minute, Error: time.Hour, FailClosed: 3 * time.Hour},
		Redundant: staleness.Thresholds{Warning: 20 * time.Minute, Error: 90 * time.Minute, FailClosed: 4 * time.Hour},
		Notices:   staleness.Thresholds{Warning: 30 * time.Minute, Error: 2 * time.Hour, FailClosed: 6 * time.Hour},
	}
}

// SiteConfig is one entry of the sites file.
type SiteConfig struct {
	weather.Site `yaml:",inline"`

	Primary string `yaml:"primary" validate:"required,oneof=openmeteo openweather weatherapi metar"`
	Backup  string `yaml:"backup" validate:"omitempty,oneof=openmeteo openweather weatherapi metar,nefield=Primary"`
	METAR   bool   `yaml:"metar"`
	Notices bool   `yaml:"notices"`

	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	NoticeRefreshInterval time.Duration `yaml:"notice_refresh_interval"`
}

// Redundant reports whether the site has more than one observation source.
func (s SiteConfig) Redundant() bool {
	n := 1
	if s.Backup != "" {
		n++
	}
	if s.METAR && s.Primary != AdapterMETAR && s.Backup != AdapterMETAR {
		n++
	}
	return n > 1
}

// SitesFile is the decoded sites file.
type SitesFile struct {
	Thresholds ThresholdSet `yaml:"thresholds"`
	Sites      []SiteConfig `yaml:"sites" validate:"required,min=1,dive"`
}

// ThresholdsFor resolves the per-source thresholds of a site.
func (f SitesFile) ThresholdsFor(site SiteConfig) staleness.ThresholdsFunc {
	base := f.Thresholds.Single
	if site.Redundant() {
		base = f.Thresholds.Redundant
	}
	overrides := f.Thresholds.Sources
	return func(src weather.Source) staleness.Thresholds {
		if th, ok := overrides[string(src)]; ok {
			return th
		}
		return base
	}
}

// LoadSites reads and validates the sites file at path.
func LoadSites(path string) (SitesFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SitesFile{}, fmt.Errorf("read sites file: %w", err)
	}
	return ParseSites(b)
}

// ParseSites decodes and validates a sites file. Unset thresholds and
// intervals take their defaults.
func ParseSites(b []byte) (SitesFile, error) {
	f := SitesFile{Thresholds: DefaultThresholds()}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return SitesFile{}, fmt.Errorf("decode sites file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return SitesFile{}, fmt.Errorf("invalid sites file: %w", err)
	}

	var errs []error
	check := func(name string, th staleness.Thresholds) {
		if err := th.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("thresholds.%s: %w", name, err))
		}
	}
	check("single", f.Thresholds.Single)
	check("redundant", f.Thresholds.Redundant)
	check("notices", f.Thresholds.Notices)
	for src, th := range f.Thresholds.Sources {
		check("sources."+src, th)
	}

	seen := make(map[string]bool)
	for i := range f.Sites {
		s := &f.Sites[i]
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("site %s: duplicate id", s.ID))
		}
		seen[s.ID] = true
		if s.RefreshInterval <= 0 {
			s.RefreshInterval = 5 * time.Minute
		}
		if s.NoticeRefreshInterval <= 0 {
			s.NoticeRefreshInterval = 15 * time.Minute
		}
		if (s.METAR || s.Notices || s.Primary == AdapterMETAR || s.Backup == AdapterMETAR) && s.ICAO == "" {
			errs = append(errs, fmt.Errorf("site %s: icao is required for metar and notices", s.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return SitesFile{}, err
	}
	return f, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
