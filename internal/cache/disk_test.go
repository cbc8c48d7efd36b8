package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

func testKey(digest string) Key {
	return Key{Digest: digest, Path: "example.com/%2F.html"}
}

func TestDiskRoundTrip(t *testing.T) {
	backend, err := newDiskBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)

	key := testKey("aabbccdd00112233")
	payload := []byte("<html><body>rendered page</body></html>")

	require.NoError(t, backend.Set(context.Background(), key, payload, time.Hour))

	got, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDiskMiss(t *testing.T) {
	backend, err := newDiskBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)

	got, err := backend.Get(context.Background(), testKey("ffee00112233"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDiskTTLExpiry(t *testing.T) {
	root := t.TempDir()
	backend, err := newDiskBackend(root, 50*time.Millisecond)
	require.NoError(t, err)

	key := testKey("aa00000000")
	require.NoError(t, backend.Set(context.Background(), key, []byte("fresh"), 0))

	got, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Age the entry past the TTL via its mtime.
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(backend.path(key), old, old))

	got, err = backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, got, "stale entry must read as a miss")
}

func TestDiskOverwrite(t *testing.T) {
	backend, err := newDiskBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)

	key := testKey("bb11111111")
	require.NoError(t, backend.Set(context.Background(), key, []byte("first"), 0))
	require.NoError(t, backend.Set(context.Background(), key, []byte("second"), 0))

	got, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestDiskLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	backend, err := newDiskBackend(root, time.Hour)
	require.NoError(t, err)

	key := testKey("cc22222222")
	require.NoError(t, backend.Set(context.Background(), key, []byte("data"), 0))

	var files []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, filepath.Base(path))
		}
		return nil
	})
	require.Len(t, files, 1)
	assert.Equal(t, key.Digest+".zst", files[0])
}

func TestFacadeSwallowsBackendErrors(t *testing.T) {
	cache := NewWithBackend(failingBackend{}, logging.NewNop())

	assert.Nil(t, cache.Get(context.Background(), testKey("aa")))
	// Set must not panic or propagate.
	cache.Set(context.Background(), testKey("aa"), []byte("x"), time.Hour)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, Key) ([]byte, error) {
	return nil, assert.AnError
}

func (failingBackend) Set(context.Context, Key, []byte, time.Duration) error {
	return assert.AnError
}

func (failingBackend) Name() string { return "failing" }
