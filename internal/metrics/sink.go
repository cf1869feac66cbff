package metrics

import "time"

// Sink records engine metrics. Implementations must not block.
type Sink interface {
	TickCompleted(duration time.Duration, pending int, err error)
	JobAcquired(jobType string, afterTimeout bool)
	JobSucceeded(jobType string, duration time.Duration)
	JobFailed(jobType string)
	LeaseLost(jobType string)
}

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) TickCompleted(time.Duration, int, error) {}
func (n *NoopSink) JobAcquired(string, bool)                {}
func (n *NoopSink) JobSucceeded(string, time.Duration)      {}
func (n *NoopSink) JobFailed(string)                        {}
func (n *NoopSink) LeaseLost(string)                        {}
