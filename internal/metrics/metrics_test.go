package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilRegistryDisables(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// all recorders are nil-safe
	m.StepFinished("succeeded", "native", time.Second)
	m.CacheLookup("hit")
	m.FlowFinished("success")
	m.ServerRequest("get", "ok")
	m.ConnOpened()
	m.ConnClosed()
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.StepFinished("succeeded", "native", 10*time.Millisecond)
	m.StepFinished("succeeded", "subprocess", time.Second)
	m.StepFinished("cancelled", "", 0)
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.CacheLookup("miss")
	m.ServerRequest("insert", "ok")
	m.ConnOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverRequests.WithLabelValues("insert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverConns))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stepDuration))
}

func TestNew_TwiceOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := New(reg)
	require.NoError(t, err)
	m2, err := New(reg)
	require.NoError(t, err)

	m1.CacheLookup("hit")
	m2.CacheLookup("hit")
	assert.Equal(t, 2.0, testutil.ToFloat64(m1.cacheLookups.WithLabelValues("hit")))
}
