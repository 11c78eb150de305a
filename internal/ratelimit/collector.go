package ratelimit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// FallbackCounter is satisfied by the cache layer.
type FallbackCounter interface {
	FallbackUses() int64
}

// Collector exposes limiter and cache fallback counters on /metrics. Values
// are read at scrape time from the live counters.
type Collector struct {
	limiter  *Limiter
	fallback FallbackCounter

	checks        *prometheus.Desc
	backendErrors *prometheus.Desc
	fallbackUses  *prometheus.Desc
}

func NewCollector(limiter *Limiter, fallback FallbackCounter) *Collector {
	return &Collector{
		limiter:  limiter,
		fallback: fallback,
		checks: prometheus.NewDesc(
			"energyguard_ratelimit_checks_total",
			"Rate limit decisions since process start by result.",
			[]string{"result"}, nil,
		),
		backendErrors: prometheus.NewDesc(
			"energyguard_ratelimit_backend_errors_total",
			"Rate limit backend failures answered by the fallback path.",
			nil, nil,
		),
		fallbackUses: prometheus.NewDesc(
			"energyguard_cache_fallback_uses_total",
			"Cache operations served by the in-process fallback.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checks
	ch <- c.backendErrors
	ch <- c.fallbackUses
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.limiter != nil {
		stats := c.limiter.Stats()
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(stats.Allowed), "allowed")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(stats.Limited), "limited")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(stats.Blocked), "blocked")
		ch <- prometheus.MustNewConstMetric(c.backendErrors, prometheus.CounterValue, float64(stats.BackendErrors))
	}
	if c.fallback != nil {
		ch <- prometheus.MustNewConstMetric(c.fallbackUses, prometheus.CounterValue, float64(c.fallback.FallbackUses()))
	}
}

// RegisterCollector registers c, tolerating a previous registration of an
// equivalent collector.
func RegisterCollector(registerer prometheus.Registerer, c *Collector) error {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}
