package testutil

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/gridflow/internal/cache"
	"github.com/roach88/gridflow/internal/store"
)

// CacheServer is a cache service running on a loopback port for the
// duration of one test.
type CacheServer struct {
	Addr  string
	Store *store.Store
}

// StartCacheServer runs a cache service over a fresh SQLite store in
// t.TempDir(), bound to 127.0.0.1:0. It is stopped when the test ends.
func StartCacheServer(t testing.TB) *CacheServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache store: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		st.Close()
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cache.NewServer(st).Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("cache server: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("cache server did not stop")
		}
		st.Close()
	})
	return &CacheServer{Addr: ln.Addr().String(), Store: st}
}

// Client returns a client for the server, closed when the test ends.
func (s *CacheServer) Client(t testing.TB) *cache.Client {
	t.Helper()
	c := cache.NewClient(s.Addr)
	t.Cleanup(func() { c.Close() })
	return c
}
