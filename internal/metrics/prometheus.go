package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal       prometheus.Counter
	tickErrorsTotal  prometheus.Counter
	firedTotal       prometheus.Counter
	tickDuration     prometheus.Histogram
	evaluationsTotal *prometheus.CounterVec

	// Dispatcher metrics
	sendAttemptsTotal  *prometheus.CounterVec
	sendOutcomesTotal  *prometheus.CounterVec
	providerDuration   prometheus.Histogram
	retryAttemptsTotal *prometheus.CounterVec
	eventsInFlight     prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailcadence_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailcadence_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.firedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailcadence_scheduler_fires_total",
		Help: "Total number of schedules fired (runs claimed and emitted).",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailcadence_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcadence_scheduler_evaluations_total",
		Help: "Total number of schedule evaluations by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.ticksTotal, "mailcadence_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "mailcadence_scheduler_tick_errors_total")
	s.register(reg, s.firedTotal, "mailcadence_scheduler_fires_total")
	s.register(reg, s.tickDuration, "mailcadence_scheduler_tick_duration_seconds")
	s.register(reg, s.evaluationsTotal, "mailcadence_scheduler_evaluations_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.sendAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcadence_dispatcher_send_attempts_total",
		Help: "Total number of email send attempts.",
	}, []string{"attempt", "status_class"})

	s.sendOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcadence_dispatcher_send_outcomes_total",
		Help: "Total number of final send outcomes per execution.",
	}, []string{"outcome"})

	s.providerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailcadence_dispatcher_provider_duration_seconds",
		Help:    "Email provider request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcadence_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailcadence_dispatcher_events_in_flight",
		Help: "Number of trigger events currently being processed.",
	})

	s.register(reg, s.sendAttemptsTotal, "mailcadence_dispatcher_send_attempts_total")
	s.register(reg, s.sendOutcomesTotal, "mailcadence_dispatcher_send_outcomes_total")
	s.register(reg, s.providerDuration, "mailcadence_dispatcher_provider_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "mailcadence_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "mailcadence_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailcadence_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailcadence_eventbus_buffer_capacity",
		Help: "Configured capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailcadence_eventbus_buffer_saturation",
		Help: "Event bus buffer fill ratio (0 to 1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailcadence_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "mailcadence_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "mailcadence_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "mailcadence_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "mailcadence_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailcadence_leader_status",
		Help: "Whether this instance currently holds the leader lock (1 or 0).",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailcadence_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcadence_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "mailcadence_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "mailcadence_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "mailcadence_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.firedTotal.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) EvaluationOutcome(outcome string) {
	s.evaluationsTotal.WithLabelValues(outcome).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) SendAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.sendAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.providerDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) SendOutcome(outcome string) {
	s.sendOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	s.retryAttemptsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
