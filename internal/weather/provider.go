package weather

import (
	"context"
	"errors"
	"fmt"
)

// Adapter abstracts one upstream observation provider (sensor feed, METAR, ...).
// Implementations return only the fields they could obtain, each with the time
// it was measured.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, site Site) (PartialObservation, error)
}

// Severity is the coarse failure class the circuit breaker keys its backoff on.
type Severity int

const (
	// SeverityTransient covers timeouts, rate limiting and upstream 5xx.
	SeverityTransient Severity = iota
	// SeverityPermanent covers auth failures, bad requests and undecodable payloads.
	SeverityPermanent
)

func (s Severity) String() string {
	switch s {
	case SeverityPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// FetchError wraps an adapter failure with its severity.
type FetchError struct {
	Provider string
	Severity Severity
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Provider, e.Severity, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SeverityOf extracts the severity carried by err. Errors without one are
// treated as transient.
func SeverityOf(err error) Severity {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Severity
	}
	return SeverityTransient
}
