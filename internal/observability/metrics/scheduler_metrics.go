package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SchedulerJobResultSuccess = "success"
	SchedulerJobResultError   = "error"
	SchedulerJobResultSkipped = "skipped"

	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeCanceled         = "canceled"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
	pruned      *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = NewSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

// NewSchedulerMetrics registers on registerer, reusing collectors that are already there.
func NewSchedulerMetrics(registerer prometheus.Registerer) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energyguard_scheduler_job_runs_total",
			Help: "Scheduler job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energyguard_scheduler_job_duration_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energyguard_scheduler_job_errors_total",
			Help: "Scheduler job errors by type.",
		}, []string{"job", "error_type"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energyguard_scheduler_pruned_events_total",
			Help: "Events removed by retention jobs.",
		}, []string{"event_type"}),
	}
	m.jobRuns, _ = registerOrReuse(registerer, m.jobRuns)
	m.jobDuration, _ = registerOrReuse(registerer, m.jobDuration)
	m.jobErrors, _ = registerOrReuse(registerer, m.jobErrors)
	m.pruned, _ = registerOrReuse(registerer, m.pruned)
	return m
}

// ObserveJob records the outcome and latency of one job run.
func (m *SchedulerMetrics) ObserveJob(job string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if err != nil {
		m.jobRuns.WithLabelValues(job, SchedulerJobResultError).Inc()
		m.jobErrors.WithLabelValues(job, ClassifySchedulerError(err)).Inc()
		return
	}
	m.jobRuns.WithLabelValues(job, SchedulerJobResultSuccess).Inc()
}

// ObserveSkipped records a run skipped because another instance held the lock.
func (m *SchedulerMetrics) ObserveSkipped(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, SchedulerJobResultSkipped).Inc()
}

func (m *SchedulerMetrics) AddPruned(eventType string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(eventType).Add(float64(n))
}

func ClassifySchedulerError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return SchedulerErrorTypeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return SchedulerErrorTypeCanceled
	default:
		return SchedulerErrorTypeUnknown
	}
}
