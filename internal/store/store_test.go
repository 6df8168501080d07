package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()

	file, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	bc := DefaultBadgerConfig()
	bc.InMemory = true
	bc.SyncWrites = false
	bdb, err := OpenBadger(bc)
	require.NoError(t, err)

	sq, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)

	kvs := map[string]KV{
		"memory": NewMemoryStore(),
		"file":   file,
		"badger": bdb,
		"sqlite": sq,
	}
	t.Cleanup(func() {
		for _, kv := range kvs {
			_ = kv.Close()
		}
	})
	return kvs
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "cache/kspb")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Put(ctx, "cache/kspb", []byte(`{"a":1}`)))
			require.NoError(t, kv.Put(ctx, "cache/kspb", []byte(`{"a":2}`)))
			require.NoError(t, kv.Put(ctx, "health/kspb/primary", []byte(`{}`)))
			require.NoError(t, kv.Put(ctx, "health/kspb/backup", []byte(`{}`)))
			require.NoError(t, kv.Put(ctx, "health/k0s/primary", []byte(`{}`)))

			b, err := kv.Get(ctx, "cache/kspb")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":2}`, string(b))

			keys, err := kv.List(ctx, "health/kspb/")
			require.NoError(t, err)
			assert.Equal(t, []string{"health/kspb/backup", "health/kspb/primary"}, keys)

			require.NoError(t, kv.Delete(ctx, "health/kspb/backup"))
			require.NoError(t, kv.Delete(ctx, "health/kspb/backup"))
			keys, err = kv.List(ctx, "health/")
			require.NoError(t, err)
			assert.Len(t, keys, 2)

			assert.ErrorIs(t, kv.Put(ctx, "../escape", []byte("x")), ErrInvalidKey)
			assert.ErrorIs(t, kv.Put(ctx, "/abs", []byte("x")), ErrInvalidKey)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	type rec struct {
		Site  string  `json:"site"`
		Value float64 `json:"value"`
	}
	require.NoError(t, PutJSON(ctx, kv, Key("cache", "kspb"), rec{Site: "kspb", Value: 3.5}))

	var got rec
	require.NoError(t, GetJSON(ctx, kv, "cache/kspb", &got))
	assert.Equal(t, rec{Site: "kspb", Value: 3.5}, got)

	require.NoError(t, kv.Put(ctx, "cache/bad", []byte("{")))
	assert.Error(t, GetJSON(ctx, kv, "cache/bad", &got))
	assert.ErrorIs(t, GetJSON(ctx, kv, "cache/none", &got), ErrNotFound)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(`{"writer":` + string(rune('0'+i%10)) + `}`)
			assert.NoError(t, fs.Put(ctx, "cache/kspb", payload))
		}(i)
	}
	wg.Wait()

	b, err := fs.Get(ctx, "cache/kspb")
	require.NoError(t, err)
	assert.Regexp(t, `^\{"writer":[0-9]\}$`, string(b))

	entries, err := os.ReadDir(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kspb.json", entries[0].Name())
}

func TestOpenBackends(t *testing.T) {
	kv, err := Open(Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, kv)

	kv, err = Open(Config{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, kv)

	_, err = Open(Config{Backend: "etcd"})
	assert.Error(t, err)
}

func TestBadgerMaintainInMemory(t *testing.T) {
	bc := DefaultBadgerConfig()
	bc.InMemory = true
	bc.SyncWrites = false
	kv, err := OpenBadger(bc)
	require.NoError(t, err)
	defer kv.Close()

	var m Maintainer = kv
	assert.NoError(t, m.Maintain(context.Background()))
}
