package cli

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridflow/internal/metrics"
	"github.com/roach88/gridflow/internal/store"
	"github.com/roach88/gridflow/internal/testutil"
)

func TestCacheCommands(t *testing.T) {
	srv := testutil.StartCacheServer(t)

	stdout, _, err := execute(t, "cache", "ping", "--endpoint", srv.Addr)
	require.NoError(t, err)
	assert.Equal(t, srv.Addr+": ok\n", stdout)

	_, _, err = execute(t, "cache", "get", "--endpoint", srv.Addr, "k1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), `key "k1" not found`)

	stdout, _, err = execute(t, "cache", "put", "--endpoint", srv.Addr, "k1", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "stored k1\n", stdout)

	_, _, err = execute(t, "cache", "put", "--endpoint", srv.Addr, "k1", "second")
	require.NoError(t, err, "inserting an existing key is not an error")

	stdout, _, err = execute(t, "cache", "get", "--endpoint", srv.Addr, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", stdout, "first value wins")

	stdout, _, err = execute(t, "cache", "delete", "--endpoint", srv.Addr, "k1")
	require.NoError(t, err)
	assert.Equal(t, "deleted k1\n", stdout)

	n, err := srv.Store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheCommands_EndpointFromConfig(t *testing.T) {
	srv := testutil.StartCacheServer(t)
	cfg := writeFile(t, "gridflow.cue", "cache_endpoint: \""+srv.Addr+"\"\n")

	stdout, _, err := execute(t, "cache", "ping", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, srv.Addr+": ok\n", stdout)
}

func TestCacheCommands_Unavailable(t *testing.T) {
	// reserve a port and release it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, _, err = execute(t, "cache", "ping", "--endpoint", addr)
	require.Error(t, err)
	assert.Equal(t, ExitRuntimeError, GetExitCode(err))
	assert.Contains(t, err.Error(), "cache service unavailable")
}

func TestMetricsServer(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer st.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.ServerRequest("get", "hit")

	e := newMetricsServer(reg, st)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gridflow_cacheserver_requests_total{command="get",result="hit"} 1`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, st.Close())
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
