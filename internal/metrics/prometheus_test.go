package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTickCompleted(t *testing.T) {
	s := NewPrometheusSink(prometheus.NewRegistry())

	s.TickCompleted(10*time.Millisecond, 3, nil)
	s.TickCompleted(time.Millisecond, 0, errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(s.ticksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.tickErrorsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.pendingJobs), "a failed tick keeps the last gauge value")
}

func TestJobCounters(t *testing.T) {
	s := NewPrometheusSink(prometheus.NewRegistry())

	s.JobAcquired("hello_world", false)
	s.JobAcquired("hello_world", true)
	s.JobSucceeded("hello_world", time.Second)
	s.JobFailed("ecb_exchange_rates")
	s.LeaseLost("ecb_exchange_rates")

	assert.Equal(t, 1.0, testutil.ToFloat64(s.acquiredTotal.WithLabelValues("hello_world", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.acquiredTotal.WithLabelValues("hello_world", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.succeededTotal.WithLabelValues("hello_world")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.failedTotal.WithLabelValues("ecb_exchange_rates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.leaseLostTotal.WithLabelValues("ecb_exchange_rates")))
}

func TestDoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	assert.NotPanics(t, func() {
		s := NewPrometheusSink(reg)
		s.JobFailed("hello_world")
	})
}
