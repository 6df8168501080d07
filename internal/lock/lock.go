// Package lock provides the site-scoped refresh lease that lets exactly one
// process run a background refresh at a time.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an abandoned lease blocks other refreshers.
const DefaultTTL = 2 * time.Minute

// ErrLocked is returned internally when another holder owns the lease.
var ErrLocked = errors.New("lock: held by another refresher")

// Lease is an acquired lock. Release is idempotent and only removes the
// lease while it is still owned by this holder.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

// Locker hands out leases. TryAcquire never blocks waiting for a holder: it
// returns ok=false when the key is taken.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Lease, bool, error)
}

// Sweeper is implemented by lockers that can leave abandoned state behind.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RefreshKey is the lock key of one site's background refresh.
func RefreshKey(siteID string) string {
	return "refresh-" + siteID
}

// NoticeRefreshKey is the lock key of one site's notice refresh.
func NoticeRefreshKey(siteID string) string {
	return "notam-" + siteID
}
