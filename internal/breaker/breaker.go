// Package breaker implements the per (site, source) circuit breaker that stops
// calling a failing provider for a backoff period.
package breaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/store"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// States reported by SourceHealth.State.
const (
	StateClosed = "closed"
	StateOpen   = "open"
)

// SourceHealth is the persisted breaker state of one (site, source).
type SourceHealth struct {
	SiteID              string           `json:"site_id"`
	Source              weather.Source   `json:"source"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSeverity        weather.Severity `json:"last_severity"`
	LastFailure         time.Time        `json:"last_failure,omitempty"`
	LastSuccess         time.Time        `json:"last_success,omitempty"`
	BackoffUntil        time.Time        `json:"backoff_until,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
}

// Open reports whether calls are currently suppressed.
func (h SourceHealth) Open(now time.Time) bool {
	return now.Before(h.BackoffUntil)
}

// State returns StateOpen or StateClosed at now.
func (h SourceHealth) State(now time.Time) string {
	if h.Open(now) {
		return StateOpen
	}
	return StateClosed
}

// Policy decides when a breaker opens and for how long.
type Policy struct {
	TransientThreshold int
	PermanentThreshold int

	TransientBase time.Duration
	TransientMax  time.Duration
	PermanentBase time.Duration
	PermanentMax  time.Duration
}

// DefaultPolicy opens after 3 transient or 1 permanent failure.
func DefaultPolicy() Policy {
	return Policy{
		TransientThreshold: 3,
		PermanentThreshold: 1,
		TransientBase:      time.Minute,
		TransientMax:       30 * time.Minute,
		PermanentBase:      5 * time.Minute,
		PermanentMax:       2 * time.Hour,
	}
}

// Backoff returns how long a source stays open after its n-th consecutive
// failure. Zero means the breaker stays closed.
func (p Policy) Backoff(failures int, sev weather.Severity) time.Duration {
	threshold, base, limit := p.TransientThreshold, p.TransientBase, p.TransientMax
	if sev == weather.SeverityPermanent {
		threshold, base, limit = p.PermanentThreshold, p.PermanentBase, p.PermanentMax
	}
	if threshold < 1 {
		threshold = 1
	}
	if failures < threshold {
		return 0
	}
	exp := failures - threshold
	if exp > 30 {
		exp = 30
	}
	d := base * time.Duration(math.Pow(2, float64(exp)))
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

// HealthStore persists SourceHealth records. Load returns store.ErrNotFound
// for sources never seen.
type HealthStore interface {
	LoadHealth(ctx context.Context, siteID string, src weather.Source) (SourceHealth, error)
	SaveHealth(ctx context.Context, h SourceHealth) error
}

// KVHealthStore keeps one JSON record per (site, source) in a store.KV.
type KVHealthStore struct {
	kv store.KV
}

// NewKVHealthStore wraps kv.
func NewKVHealthStore(kv store.KV) *KVHealthStore {
	return &KVHealthStore{kv: kv}
}

// HealthKey is the store key of one source's breaker record.
func HealthKey(siteID string, src weather.Source) string {
	return store.Key("health", siteID, string(src))
}

func (s *KVHealthStore) LoadHealth(ctx context.Context, siteID string, src weather.Source) (SourceHealth, error) {
	var h SourceHealth
	if err := store.GetJSON(ctx, s.kv, HealthKey(siteID, src), &h); err != nil {
		return SourceHealth{}, err
	}
	return h, nil
}

func (s *KVHealthStore) SaveHealth(ctx context.Context, h SourceHealth) error {
	return store.PutJSON(ctx, s.kv, HealthKey(h.SiteID, h.Source), h)
}

// Breaker gates adapter calls per (site, source).
type Breaker struct {
	store  HealthStore
	policy Policy
	now    func() time.Time
	log    *log.Logger

	locks sync.Map // site/source -> *sync.Mutex
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Breaker) { b.log = logging.Component(l, "breaker") }
}

// New creates a Breaker over hs.
func New(hs HealthStore, policy Policy, opts ...Option) *Breaker {
	b := &Breaker{
		store:  hs,
		policy: policy,
		now:    time.Now,
		log:    logging.Discard(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ShouldSkip reports whether the source is open and must not be called this
// cycle. A health lookup failure never skips.
func (b *Breaker) ShouldSkip(ctx context.Context, siteID string, src weather.Source) bool {
	h, err := b.store.LoadHealth(ctx, siteID, src)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.log.Warn("health lookup failed; calling source", "site", siteID, "source", src, "err", err)
		}
		return false
	}
	return h.Open(b.now())
}

// Health returns the current record, zero-valued for unseen sources.
func (b *Breaker) Health(ctx context.Context, siteID string, src weather.Source) SourceHealth {
	h, err := b.store.LoadHealth(ctx, siteID, src)
	if err != nil {
		return SourceHealth{SiteID: siteID, Source: src}
	}
	return h
}

// RecordOutcome updates the breaker after a call. A success closes it
// immediately regardless of the failure count.
func (b *Breaker) RecordOutcome(ctx context.Context, siteID string, src weather.Source, success bool, sev weather.Severity) {
	b.record(ctx, siteID, src, success, sev, "")
}

// RecordFetch is RecordOutcome driven by an adapter error (nil = success).
func (b *Breaker) RecordFetch(ctx context.Context, siteID string, src weather.Source, err error) {
	if err == nil {
		b.record(ctx, siteID, src, true, weather.SeverityTransient, "")
		return
	}
	b.record(ctx, siteID, src, false, weather.SeverityOf(err), err.Error())
}

func (b *Breaker) record(ctx context.Context, siteID string, src weather.Source, success bool, sev weather.Severity, msg string) {
	mu := b.lockFor(siteID, src)
	mu.Lock()
	defer mu.Unlock()

	now := b.now().UTC()
	h, err := b.store.LoadHealth(ctx, siteID, src)
	if err != nil {
		h = SourceHealth{}
	}
	h.SiteID = siteID
	h.Source = src

	if success {
		if h.ConsecutiveFailures > 0 || !h.BackoffUntil.IsZero() {
			b.log.Info("source recovered", "site", siteID, "source", src, "after_failures", h.ConsecutiveFailures)
		}
		h.ConsecutiveFailures = 0
		h.BackoffUntil = time.Time{}
		h.LastError = ""
		h.LastSuccess = now
	} else {
		h.ConsecutiveFailures++
		h.LastSeverity = sev
		h.LastFailure = now
		if msg != "" {
			h.LastError = msg
		}
		if d := b.policy.Backoff(h.ConsecutiveFailures, sev); d > 0 {
			h.BackoffUntil = now.Add(d)
			b.log.Warn("circuit open", "site", siteID, "source", src,
				"failures", h.ConsecutiveFailures, "severity", sev, "backoff", d)
		}
	}

	if err := b.store.SaveHealth(ctx, h); err != nil {
		b.log.Error("persist source health failed", "site", siteID, "source", src, "err", err)
	}
}

func (b *Breaker) lockFor(siteID string, src weather.Source) *sync.Mutex {
	m, _ := b.locks.LoadOrStore(siteID+"/"+string(src), &sync.Mutex{})
	return m.(*sync.Mutex)
}
