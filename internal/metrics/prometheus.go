package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	tickDuration    prometheus.Histogram
	pendingJobs     prometheus.Gauge

	acquiredTotal  *prometheus.CounterVec
	succeededTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	leaseLostTotal *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_scheduler_ticks_total",
			Help: "Total number of scheduler ticks processed.",
		}),
		tickErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_scheduler_tick_errors_total",
			Help: "Total number of ticks that failed to list pending jobs.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerflow_scheduler_tick_duration_seconds",
			Help:    "Duration of each scheduler tick in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerflow_scheduler_pending_jobs",
			Help: "Number of pending jobs seen by the last tick.",
		}),
		acquiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_jobs_acquired_total",
			Help: "Total number of job leases acquired.",
		}, []string{"type", "after_timeout"}),
		succeededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_jobs_succeeded_total",
			Help: "Total number of successful job executions.",
		}, []string{"type"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_jobs_failed_total",
			Help: "Total number of failed job executions.",
		}, []string{"type"}),
		leaseLostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_leases_lost_total",
			Help: "Total number of leases lost while a job was running.",
		}, []string{"type"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_job_duration_seconds",
			Help:    "Duration of successful job executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
	}

	s.register(reg, s.ticksTotal, "ledgerflow_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "ledgerflow_scheduler_tick_errors_total")
	s.register(reg, s.tickDuration, "ledgerflow_scheduler_tick_duration_seconds")
	s.register(reg, s.pendingJobs, "ledgerflow_scheduler_pending_jobs")
	s.register(reg, s.acquiredTotal, "ledgerflow_jobs_acquired_total")
	s.register(reg, s.succeededTotal, "ledgerflow_jobs_succeeded_total")
	s.register(reg, s.failedTotal, "ledgerflow_jobs_failed_total")
	s.register(reg, s.leaseLostTotal, "ledgerflow_leases_lost_total")
	s.register(reg, s.runDuration, "ledgerflow_job_duration_seconds")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
	}
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, pending int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
		return
	}
	s.pendingJobs.Set(float64(pending))
}

func (s *PrometheusSink) JobAcquired(jobType string, afterTimeout bool) {
	s.acquiredTotal.WithLabelValues(jobType, strconv.FormatBool(afterTimeout)).Inc()
}

func (s *PrometheusSink) JobSucceeded(jobType string, duration time.Duration) {
	s.succeededTotal.WithLabelValues(jobType).Inc()
	s.runDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobFailed(jobType string) {
	s.failedTotal.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) LeaseLost(jobType string) {
	s.leaseLostTotal.WithLabelValues(jobType).Inc()
}

var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)
)
