package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/i474232898/airfield-wx/internal/logging"
	"github.com/i474232898/airfield-wx/internal/store"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// leaseFile is the on-disk lease.
type leaseFile struct {
	Token      string    `json:"token"`
	Key        string    `json:"key"`
	AcquiredAt time.Time `json:"acquired_at"`
	PID        int       `json:"pid"`
}

// FileLocker keeps one lease file per key in a directory shared by every
// process on the host. A short flock on a per-key guard file serializes the
// check-and-create, and the lease itself expires after TTL so a crashed
// holder never blocks refreshes for long.
type FileLocker struct {
	dir string
	ttl time.Duration
	now func() time.Time
	log *log.Logger
}

// FileOption customizes a FileLocker.
type FileOption func(*FileLocker)

// WithFileClock overrides the time source.
func WithFileClock(now func() time.Time) FileOption {
	return func(l *FileLocker) { l.now = now }
}

// WithFileLogger sets the logger.
func WithFileLogger(lg *log.Logger) FileOption {
	return func(l *FileLocker) { l.log = logging.Component(lg, "lock") }
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string, ttl time.Duration, opts ...FileOption) (*FileLocker, error) {
	if dir == "" {
		return nil, errors.New("lock: directory is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create %s: %w", dir, err)
	}
	l := &FileLocker{dir: dir, ttl: ttl, now: time.Now, log: logging.Discard()}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *FileLocker) leasePath(key string) string { return filepath.Join(l.dir, key+".lease") }
func (l *FileLocker) guardPath(key string) string { return filepath.Join(l.dir, key+".guard") }

// TryAcquire takes the lease for key unless a live one exists.
func (l *FileLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	if !keyPattern.MatchString(key) {
		return nil, false, fmt.Errorf("lock: invalid key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	unlock, err := guard(l.guardPath(key))
	if errors.Is(err, ErrLocked) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	now := l.now().UTC()
	if cur, err := readLease(l.leasePath(key)); err == nil {
		if now.Sub(cur.AcquiredAt) < l.ttl {
			return nil, false, nil
		}
		l.log.Warn("reclaiming expired lease", "key", key, "holder_pid", cur.PID, "acquired_at", cur.AcquiredAt)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("unreadable lease; reclaiming", "key", key, "err", err)
	}

	lf := leaseFile{Token: uuid.NewString(), Key: key, AcquiredAt: now, PID: os.Getpid()}
	b, err := json.Marshal(lf)
	if err != nil {
		return nil, false, err
	}
	if err := store.WriteFileAtomic(l.leasePath(key), b, 0o644); err != nil {
		return nil, false, fmt.Errorf("lock: write lease %s: %w", key, err)
	}
	return &fileLease{locker: l, key: key, token: lf.Token}, true, nil
}

// Sweep removes lease files whose TTL has passed.
func (l *FileLocker) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("lock: read %s: %w", l.dir, err)
	}
	now := l.now().UTC()
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lease") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".lease")
		cur, err := readLease(l.leasePath(key))
		if err == nil && now.Sub(cur.AcquiredAt) < l.ttl {
			continue
		}
		// Re-checked under the guard: the lease may have been reclaimed since.
		ok, err := l.removeIf(key, func(cur leaseFile, err error) bool {
			return err != nil || now.Sub(cur.AcquiredAt) >= l.ttl
		})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeIf deletes the lease under the guard when match reports true for the
// current contents, and reports whether it did. Unlike acquisition it waits
// briefly for a busy guard.
func (l *FileLocker) removeIf(key string, match func(leaseFile, error) bool) (bool, error) {
	unlock, err := guardWait(l.guardPath(key), 50, 10*time.Millisecond)
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, err := readLease(l.leasePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if !match(cur, err) {
		return false, nil
	}
	if err := os.Remove(l.leasePath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("lock: remove lease %s: %w", key, err)
	}
	return true, nil
}

func guardWait(path string, attempts int, pause time.Duration) (func(), error) {
	for i := 0; ; i++ {
		unlock, err := guard(path)
		if !errors.Is(err, ErrLocked) || i >= attempts {
			return unlock, err
		}
		time.Sleep(pause)
	}
}

func readLease(path string) (leaseFile, error) {
	var lf leaseFile
	b, err := os.ReadFile(path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(b, &lf); err != nil {
		return lf, fmt.Errorf("lock: decode %s: %w", path, err)
	}
	return lf, nil
}

type fileLease struct {
	locker *FileLocker
	key    string
	token  string
	once   sync.Once
	err    error
}

func (f *fileLease) Key() string   { return f.key }
func (f *fileLease) Token() string { return f.token }

func (f *fileLease) Release(context.Context) error {
	f.once.Do(func() {
		_, f.err = f.locker.removeIf(f.key, func(cur leaseFile, err error) bool {
			return err == nil && cur.Token == f.token
		})
	})
	return f.err
}
