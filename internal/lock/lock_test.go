package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airfield-wx/internal/store"
)

func TestFileLockerSingleWinner(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLocker(t.TempDir(), time.Minute)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := l.TryAcquire(ctx, RefreshKey("kspb"))
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestFileLockerSitesAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLocker(t.TempDir(), time.Minute)
	require.NoError(t, err)

	_, ok, err := l.TryAcquire(ctx, RefreshKey("kspb"))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, RefreshKey("khio"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileLockerReleaseAllowsReacquire(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLocker(t.TempDir(), time.Minute)
	require.NoError(t, err)

	lease, ok, err := l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, lease.Token())

	_, ok, _ = l.TryAcquire(ctx, "refresh-kspb")
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	_, ok, err = l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileLockerReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	l, err := NewFileLocker(dir, 2*time.Minute, WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	stale, ok, err := l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = l.TryAcquire(ctx, "refresh-kspb")
	assert.False(t, ok, "lease still live")

	now = now.Add(90 * time.Second)
	fresh, ok, err := l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, stale.Token(), fresh.Token())

	// The expired holder must not delete the new owner's lease.
	require.NoError(t, stale.Release(ctx))
	_, err = os.Stat(filepath.Join(dir, "refresh-kspb.lease"))
	assert.NoError(t, err)
	_, ok, _ = l.TryAcquire(ctx, "refresh-kspb")
	assert.False(t, ok)
}

func TestFileLockerSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	l, err := NewFileLocker(dir, time.Minute, WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, _, err = l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, _, err = l.TryAcquire(ctx, "refresh-khio")
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(dir, "refresh-kspb.lease"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "refresh-khio.lease"))
	assert.NoError(t, err)
}

func TestFileLockerSweepSparesLeaseReclaimedMeanwhile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	l, err := NewFileLocker(t.TempDir(), time.Minute, WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, ok, err := l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	require.True(t, ok)
	now = now.Add(2 * time.Minute)

	// Another process holds the guard while it reclaims the expired lease.
	unlock, err := guard(l.guardPath("refresh-kspb"))
	require.NoError(t, err)

	type sweepResult struct {
		n   int
		err error
	}
	done := make(chan sweepResult, 1)
	go func() {
		n, err := l.Sweep(ctx)
		done <- sweepResult{n, err}
	}()

	time.Sleep(50 * time.Millisecond)
	b, err := json.Marshal(leaseFile{Token: "reclaimed", Key: "refresh-kspb", AcquiredAt: now, PID: os.Getpid()})
	require.NoError(t, err)
	require.NoError(t, store.WriteFileAtomic(l.leasePath("refresh-kspb"), b, 0o644))
	unlock()

	res := <-done
	require.NoError(t, res.err)
	assert.Zero(t, res.n)

	cur, err := readLease(l.leasePath("refresh-kspb"))
	require.NoError(t, err)
	assert.Equal(t, "reclaimed", cur.Token)

	_, ok, err = l.TryAcquire(ctx, "refresh-kspb")
	require.NoError(t, err)
	assert.False(t, ok, "live holder keeps the lease")
}

func TestFileLockerRejectsBadKeys(t *testing.T) {
	l, err := NewFileLocker(t.TempDir(), time.Minute)
	require.NoError(t, err)

	_, _, err = l.TryAcquire(context.Background(), "../etc")
	assert.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := DialRedis(ctx, addr, 5*time.Second)
	require.NoError(t, err)
	defer r.Close()

	key := "test-" + time.Now().Format("150405.000000")
	lease, ok, err := r.TryAcquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	again, ok, err := r.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again.Release(ctx))
}
