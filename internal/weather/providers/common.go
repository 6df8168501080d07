// Package providers contains the HTTP source adapters. Each one turns a
// provider's current-conditions payload into a weather.PartialObservation in
// canonical units (°C, kt, hPa, statute miles, ft).
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/airfield-wx/internal/weather"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
	// Limiter paces outbound requests to the provider; nil means unpaced.
	Limiter *rate.Limiter
}

// DefaultHTTPConfig is the retry policy shared by the adapters. Retries are
// kept short: the caller's per-adapter timeout bounds the whole call.
func DefaultHTTPConfig(client *http.Client, limiter *rate.Limiter) HTTPClientConfig {
	return HTTPClientConfig{
		Client:  client,
		Limiter: limiter,
		Backoff: BackoffConfig{
			MaxRetries:      2,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

// NewLimiter allows perMinute requests per minute with a small burst.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 2)
}

func newCircuit(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
	errNotConfigured = errors.New("adapter not configured")
	errDecode        = errors.New("undecodable payload")
	errNoData        = errors.New("no observation in payload")
)

// statusError carries the HTTP status of a rejected response.
type statusError struct {
	Code int
}

func (e *statusError) Error() string { return fmt.Sprintf("%v: %d", errUnexpected, e.Code) }
func (e *statusError) Unwrap() error { return errUnexpected }

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return false
	}
	return true
}

// classify wraps err with the severity the source breaker keys on: rate
// limiting, 5xx and network trouble are transient; rejected requests,
// missing configuration and garbage payloads are permanent.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var fe *weather.FetchError
	if errors.As(err, &fe) {
		return err
	}
	sev := weather.SeverityTransient
	var se *statusError
	switch {
	case errors.As(err, &se):
		sev = weather.SeverityPermanent
	case errors.Is(err, errNotConfigured), errors.Is(err, errDecode), errors.Is(err, errNoHTTPClient), errors.Is(err, errInvalidConfig):
		sev = weather.SeverityPermanent
	}
	return &weather.FetchError{Provider: provider, Severity: sev, Err: err}
}

// doRequestWithResilience executes the HTTP request with pacing, retries,
// exponential backoff and a circuit breaker.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", errRateLimited, err)
			}
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		// Ensure the request obeys context cancellation.
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			drain(resp)

			// Handle rate limiting and server errors explicitly.
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, errRateLimited
			}
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
			}
			return nil, &statusError{Code: resp.StatusCode}
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		lastErr = err
		if !retryable(err) || attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		// Backoff with exponential delay.
		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			// continue to next attempt
		}

		attempt++
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// Unit conversions.
const (
	msToKt   = 1.943844
	kphToKt  = 1 / 1.852
	mPerMile = 1609.344
)

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// coverFromPercent maps total cloud cover onto the METAR layer vocabulary.
func coverFromPercent(pct float64) string {
	octas := math.Round(pct / 12.5)
	switch {
	case octas <= 0:
		return "CLR"
	case octas <= 2:
		return "FEW"
	case octas <= 4:
		return "SCT"
	case octas <= 7:
		return "BKN"
	default:
		return "OVC"
	}
}
