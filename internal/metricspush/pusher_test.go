package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/energyguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "energyguard_ratelimit_checks_total",
		Help: "test",
	}, []string{"result"})
	checks.WithLabelValues("ALLOWED").Add(3)
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "energyguard_test_latency_seconds",
		Help: "test",
	})
	latency.Observe(0.2)
	require.NoError(t, registry.Register(checks))
	require.NoError(t, registry.Register(latency))
	return registry
}

type capturedWrite struct {
	mu      sync.Mutex
	headers http.Header
	request prompb.WriteRequest
	calls   int
}

func newRemoteWriteServer(t *testing.T, status int) (*httptest.Server, *capturedWrite) {
	t.Helper()
	captured := &capturedWrite{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)

		captured.mu.Lock()
		defer captured.mu.Unlock()
		captured.calls++
		captured.headers = r.Header.Clone()
		require.NoError(t, captured.request.Unmarshal(raw))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestRemoteWritePushesCountersOnly(t *testing.T) {
	srv, captured := newRemoteWriteServer(t, http.StatusNoContent)
	pusher := NewRemoteWritePusher(srv.URL, "token-1")
	pusher.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	require.NoError(t, pusher.Push(context.Background(), newTestRegistry(t)))

	captured.mu.Lock()
	defer captured.mu.Unlock()
	assert.Equal(t, "Bearer token-1", captured.headers.Get("Authorization"))
	assert.Equal(t, "snappy", captured.headers.Get("Content-Encoding"))
	require.Len(t, captured.request.Timeseries, 1)

	series := captured.request.Timeseries[0]
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "energyguard_ratelimit_checks_total"},
		{Name: "result", Value: "ALLOWED"},
	}, series.Labels)
	require.Len(t, series.Samples, 1)
	assert.Equal(t, 3.0, series.Samples[0].Value)
	assert.EqualValues(t, 1_700_000_000_000, series.Samples[0].Timestamp)
}

func TestRemoteWriteReportsRejection(t *testing.T) {
	srv, _ := newRemoteWriteServer(t, http.StatusBadRequest)
	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), newTestRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewPusherFromConfig(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))
	assert.Nil(t, NewPusher(config.Config{Push: config.MetricsPushConfig{Exporter: ExporterRemoteWrite}}, log))
	assert.Nil(t, NewPusher(config.Config{Push: config.MetricsPushConfig{Exporter: "statsd", Endpoint: "http://x"}}, log))

	remote := NewPusher(config.Config{Push: config.MetricsPushConfig{
		Exporter: ExporterRemoteWrite,
		Endpoint: "http://collector:9090/api/v1/write",
	}}, log)
	assert.IsType(t, &RemoteWritePusher{}, remote)

	gateway := NewPusher(config.Config{AppName: "energyguard", Push: config.MetricsPushConfig{
		Exporter: ExporterPushgateway,
		Endpoint: "http://pushgateway:9091",
	}}, log)
	assert.IsType(t, &PushgatewayPusher{}, gateway)
}

type countingPusher struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPusher) Push(context.Context, prometheus.Gatherer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

func (p *countingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestWorkerPushesImmediatelyAndOnTick(t *testing.T) {
	pusher := &countingPusher{}
	worker := NewWorker(pusher, prometheus.NewRegistry(), 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return pusher.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
