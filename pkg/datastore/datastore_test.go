package datastore

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0600, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const testNumber = "+15550001111"

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	store, err := OpenPebble(filepath.Join(t.TempDir(), "accounts"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeAccountTree(t *testing.T, dir string, registered bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0700))
	body := `{"registered":false}`
	if registered {
		body = `{"registered":true}`
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", testNumber), []byte(body), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "keys.bin"), []byte("opaque"), 0600))
}

func TestTarballRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeAccountTree(t, src, true)

	data, err := PackTarball(src)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, ExtractTarball(data, dst))

	got, err := os.ReadFile(filepath.Join(dst, "data", "keys.bin"))
	require.NoError(t, err)
	assert.Equal(t, "opaque", string(got))
}

func TestExtractTarballRejectsTraversal(t *testing.T) {
	// A tarball whose entry climbs out of the target must be refused.
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "ok"), []byte("x"), 0600))
	data, err := PackTarball(src)
	require.NoError(t, err)

	// Corrupting a packed name is fiddly; exercise the guard directly
	// with a handmade archive instead.
	evil := buildTarball(t, map[string]string{"../escape": "x"})
	assert.Error(t, ExtractTarball(evil, t.TempDir()))
	assert.NoError(t, ExtractTarball(data, t.TempDir()))
}

func TestDownloadNoSuchAccount(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, testNumber, "node-a", t.TempDir())
	assert.ErrorIs(t, m.Download(context.Background()), ErrNoSuchAccount)
}

func TestDownloadExtractsAndClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeAccountTree(t, src, true)
	data, err := PackTarball(src)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, &Record{
		ID: testNumber, Datastore: data, LastUpdateMs: time.Now().UnixMilli(),
	}))

	stateDir := t.TempDir()
	m := NewManager(store, testNumber, "node-a", stateDir)
	require.NoError(t, m.Download(ctx))

	rec, err := store.Get(ctx, testNumber)
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.ActiveNodeName)
	assert.NotZero(t, rec.LastClaimMs)

	_, err = os.Stat(filepath.Join(m.Root(), "data", testNumber))
	assert.NoError(t, err)
}

func TestDownloadForcesAfterClaimTimeout(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{
		ID:             testNumber,
		LastUpdateMs:   time.Now().UnixMilli(),
		LastClaimMs:    time.Now().UnixMilli(),
		ActiveNodeName: "node-b",
	}))

	m := NewManager(store, testNumber, "node-a", t.TempDir())
	m.wait = 50 * time.Millisecond
	m.poll = 10 * time.Millisecond

	start := time.Now()
	require.NoError(t, m.Download(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "waited before forcing")

	rec, err := store.Get(ctx, testNumber)
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.ActiveNodeName, "forced claim after timeout")
}

func TestDownloadProceedsWhenFreed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{
		ID:             testNumber,
		LastUpdateMs:   time.Now().UnixMilli(),
		LastClaimMs:    time.Now().UnixMilli(),
		ActiveNodeName: "node-b",
	}))

	m := NewManager(store, testNumber, "node-a", t.TempDir())
	m.wait = time.Second
	m.poll = 10 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Free(ctx, testNumber)
	}()

	require.NoError(t, m.Download(ctx))
	rec, err := store.Get(ctx, testNumber)
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.ActiveNodeName)
}

func TestUploadRefusesUnregistered(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, testNumber, "node-a", t.TempDir())
	writeAccountTree(t, m.Root(), false)
	assert.ErrorIs(t, m.Upload(context.Background()), ErrNotRegistered)
}

func TestUploadAndMarkFreed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := NewManager(store, testNumber, "node-a", t.TempDir())
	writeAccountTree(t, m.Root(), true)
	require.NoError(t, m.Upload(ctx))

	rec, err := store.Get(ctx, testNumber)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Datastore)

	require.NoError(t, m.MarkFreed(ctx))
	rec, err = store.Get(ctx, testNumber)
	require.NoError(t, err)
	assert.Zero(t, rec.LastClaimMs)
	assert.Empty(t, rec.ActiveNodeName)
}

func TestSweepFreesStaleClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Upsert(ctx, &Record{
		ID: "+15550002222", LastUpdateMs: old, LastClaimMs: old, ActiveNodeName: "node-x",
	}))
	require.NoError(t, store.Upsert(ctx, &Record{
		ID: "+15550003333", LastUpdateMs: time.Now().UnixMilli(),
		LastClaimMs: time.Now().UnixMilli(), ActiveNodeName: "node-y",
	}))

	m := NewManager(store, testNumber, "node-a", t.TempDir())
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Get(ctx, "+15550002222")
	require.NoError(t, err)
	assert.Zero(t, rec.LastClaimMs)

	rec, err = store.Get(ctx, "+15550003333")
	require.NoError(t, err)
	assert.Equal(t, "node-y", rec.ActiveNodeName, "recent claims survive the sweep")
}
