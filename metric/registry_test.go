package metric

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterCollectors(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_hist", Help: "h"}, []string{"op"})

	require.NoError(t, registry.RegisterCounter("owner", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("owner", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogramVec("owner", "test_hist", hist))

	counter.Inc()
	gauge.Set(3)
	hist.WithLabelValues("deploy").Observe(0.1)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_hist"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "d"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "d"})

	require.NoError(t, registry.RegisterCounter("a", "dup_total", first))

	err := registry.RegisterCounter("a", "dup_total", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterCounter("b", "dup_total", second)
	require.Error(t, err, "prometheus rejects the same fully-qualified name")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone", Help: "g"})
	require.NoError(t, registry.RegisterGauge("owner", "gone", gauge))

	assert.True(t, registry.Unregister("owner", "gone"))
	assert.False(t, registry.Unregister("owner", "gone"))
	assert.False(t, gatheredNames(t, registry)["gone"])

	require.NoError(t, registry.RegisterGauge("owner", "gone", gauge), "name is free again")
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("owner", name, c))
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, registry)
	for i := 0; i < 20; i++ {
		assert.True(t, names[fmt.Sprintf("concurrent_%d", i)])
	}
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordReceived("debug")
	m.RecordReceived("debug")
	m.RecordSent("inject", 3)
	m.RecordSent("inject", 0)
	m.RecordNodeError("function")
	m.SetActiveNodes("t1", 4)
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("debug")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("inject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeErrors.WithLabelValues("function")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveNodes.WithLabelValues("t1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	m.ForgetFlow("t1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.ActiveNodes))
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived("x")
		m.RecordSent("x", 1)
		m.RecordNodeError("x")
		m.SetActiveNodes("f", 1)
		m.ForgetFlow("f")
		m.RecordNATSStatus(false)
		m.RecordNATSReconnect()
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestHandler_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordReceived("debug")

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "semflow_node_messages_received_total")
}
