package metrics

import (
	"time"

	"mailcadence/internal/dispatcher"
	"mailcadence/internal/leaderelection"
	"mailcadence/internal/scheduler"
	"mailcadence/internal/transport/channel"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	EvaluationOutcome(outcome string)

	// Dispatcher metrics
	SendAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	SendOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// A Sink serves every component's metrics interface.
var (
	_ scheduler.MetricsSink      = (Sink)(nil)
	_ dispatcher.MetricsSink     = (Sink)(nil)
	_ channel.MetricsSink        = (Sink)(nil)
	_ leaderelection.MetricsSink = (Sink)(nil)
)
