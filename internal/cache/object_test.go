package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
)

// fakeStore is a minimal object store speaking plain GET/PUT.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fails   int // initial requests to reject with 503
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fails > 0 {
			s.fails--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			s.objects[r.URL.Path] = data
		case http.MethodGet:
			data, ok := s.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Write(data)
		}
	})
}

func newObjectFixture(t *testing.T) (*objectBackend, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)

	backend, err := newObjectBackend(config.CacheConfig{
		Endpoint: server.URL,
		Bucket:   "prerender",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	return backend, store
}

func TestObjectRoundTrip(t *testing.T) {
	backend, _ := newObjectFixture(t)

	key := Key{Digest: "aa", Path: "example.com/%2Fpage.html"}
	payload := []byte("<html>stored</html>")

	require.NoError(t, backend.Set(context.Background(), key, payload, time.Hour))

	got, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestObjectMiss(t *testing.T) {
	backend, _ := newObjectFixture(t)

	got, err := backend.Get(context.Background(), Key{Digest: "bb", Path: "example.com/%2Fmissing.html"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestObjectRetriesTransientFailures(t *testing.T) {
	backend, store := newObjectFixture(t)

	key := Key{Digest: "cc", Path: "example.com/%2Fretry.html"}
	require.NoError(t, backend.Set(context.Background(), key, []byte("v"), 0))

	store.mu.Lock()
	store.fails = 2
	store.mu.Unlock()

	got, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
