package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mailcadence/internal/circuitbreaker"
	"mailcadence/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
}

const maxAttempts = 3

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (success/skipped/failure).
var ErrStatusTransitionDenied = errors.New("status transition denied: execution already in terminal state")

type Store interface {
	GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error)
	GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error)
	ListRecipients(ctx context.Context, audience string) ([]domain.Recipient, error)
	InsertDelivery(ctx context.Context, delivery domain.Delivery) error
	// UpdateExecutionStatus sets the execution status and details.
	// Implementations MUST reject transitions from terminal states and
	// return ErrStatusTransitionDenied. This ensures idempotency on replay.
	UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, details string) error
}

// EmailSender delivers one rendered message to one recipient.
type EmailSender interface {
	Send(ctx context.Context, req SendRequest) SendResult
	// Endpoint identifies the provider endpoint for circuit breaking.
	Endpoint() string
}

type AnalyticsSink interface {
	RecordSends(ctx context.Context, scheduleID uuid.UUID, runAt time.Time, count int)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SendAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	SendOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type SendRequest struct {
	To             string
	ToName         string
	Subject        string
	Body           string
	IdempotencyKey string
}

type SendResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r SendResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r SendResult) IsRetryable() bool {
	if r.Error != nil {
		return !errors.Is(r.Error, circuitbreaker.ErrCircuitOpen)
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

// Dispatcher consumes trigger events and fans each one out to the
// schedule's recipients through the email provider.
type Dispatcher struct {
	store        Store
	sender       EmailSender
	limiter      *rate.Limiter                  // optional, nil = unpaced
	breaker      *circuitbreaker.CircuitBreaker // optional, nil = disabled
	analytics    AnalyticsSink                  // optional, nil = disabled
	metrics      MetricsSink                    // optional, nil = disabled
	backoff      []time.Duration
	drainTimeout time.Duration
}

func New(store Store, sender EmailSender) *Dispatcher {
	return &Dispatcher{
		store:        store,
		sender:       sender,
		backoff:      defaultBackoff,
		drainTimeout: DefaultDrainTimeout,
	}
}

// WithRateLimiter paces sends through the given limiter.
func (d *Dispatcher) WithRateLimiter(limiter *rate.Limiter) *Dispatcher {
	d.limiter = limiter
	return d
}

// WithBreaker attaches a circuit breaker guarding the provider endpoint.
func (d *Dispatcher) WithBreaker(breaker *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = breaker
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithDrainTimeout overrides the shutdown drain timeout.
func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.drainTimeout = timeout
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event := <-ch:
			if err := d.Dispatch(ctx, event); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// DefaultDrainTimeout is the maximum time to wait for buffered events
// during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.TriggerEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch resolves recipients and template for the fired schedule, sends
// each message, and records the final execution status.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TriggerEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	sched, err := d.store.GetScheduleByID(ctx, event.ScheduleID)
	if err != nil {
		return fmt.Errorf("get schedule: %w", err)
	}

	tmpl, err := d.store.GetTemplateByID(ctx, sched.TemplateID)
	if err != nil {
		d.finishExecution(ctx, event, domain.ExecutionStatusFailure, fmt.Sprintf("load template: %v", err))
		return fmt.Errorf("get template: %w", err)
	}

	recipients, err := d.store.ListRecipients(ctx, sched.Audience)
	if err != nil {
		d.finishExecution(ctx, event, domain.ExecutionStatusFailure, fmt.Sprintf("list recipients: %v", err))
		return fmt.Errorf("list recipients: %w", err)
	}

	sent := 0
	failed := 0

	for _, r := range recipients {
		if !r.Subscribed {
			continue
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.finishExecution(ctx, event, domain.ExecutionStatusFailure,
					fmt.Sprintf("sent=%d failed=%d interrupted: %v", sent, failed, err))
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		result := d.sendWithRetry(ctx, event, tmpl, r)
		if result.IsSuccess() {
			sent++
		} else {
			failed++
		}
	}

	if d.analytics != nil && sent > 0 {
		d.analytics.RecordSends(ctx, event.ScheduleID, event.RunAt, sent)
	}

	status := domain.ExecutionStatusSuccess
	outcome := OutcomeSuccess
	if failed > 0 && sent == 0 {
		status = domain.ExecutionStatusFailure
		outcome = OutcomeFailed
	}
	if d.metrics != nil {
		d.metrics.SendOutcome(outcome)
	}

	details := fmt.Sprintf("sent=%d failed=%d", sent, failed)
	log.Printf("dispatcher: schedule=%s execution=%s %s", event.ScheduleID, event.ExecutionID, details)
	d.finishExecution(ctx, event, status, details)
	return nil
}

// Outcome labels for MetricsSink.SendOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// sendWithRetry delivers one message with bounded retries, recording a
// delivery row per attempt.
func (d *Dispatcher) sendWithRetry(ctx context.Context, event domain.TriggerEvent, tmpl domain.Template, r domain.Recipient) SendResult {
	req := SendRequest{
		To:             r.Email,
		ToName:         r.Name,
		Subject:        renderTemplate(tmpl.Subject, r),
		Body:           renderTemplate(tmpl.Body, r),
		IdempotencyKey: event.IdempotencyKey + ":" + r.Email,
	}

	var lastResult SendResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			log.Printf("dispatcher: to=%s attempt=%d backoff=%s", r.Email, attempt, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				lastResult.Error = ctx.Err()
				return lastResult
			case <-timer.C:
			}
		}

		startedAt := time.Now().UTC()
		var result SendResult
		if d.breaker != nil {
			if err := d.breaker.Allow(d.sender.Endpoint()); err != nil {
				result = SendResult{Error: err}
			} else {
				result = d.sender.Send(ctx, req)
				d.recordBreakerOutcome(result)
			}
		} else {
			result = d.sender.Send(ctx, req)
		}
		finishedAt := time.Now().UTC()
		lastResult = result

		if d.metrics != nil {
			statusClass := classifyStatus(result.StatusCode, result.Error)
			d.metrics.SendAttemptCompleted(attempt, statusClass, result.Duration)
		}

		deliveryRecord := domain.Delivery{
			ID:             uuid.New(),
			ExecutionID:    event.ExecutionID,
			RecipientEmail: r.Email,
			Attempt:        attempt,
			StatusCode:     result.StatusCode,
			StartedAt:      startedAt,
			FinishedAt:     finishedAt,
		}
		if result.Error != nil {
			deliveryRecord.Error = result.Error.Error()
		}
		if err := d.store.InsertDelivery(ctx, deliveryRecord); err != nil {
			log.Printf("dispatcher: failed to record delivery: %v", err)
		}

		if result.IsSuccess() {
			return result
		}
		if !result.IsRetryable() {
			log.Printf("dispatcher: to=%s non-retryable status=%d err=%v", r.Email, result.StatusCode, result.Error)
			return result
		}

		log.Printf("dispatcher: to=%s attempt=%d failed status=%d err=%v", r.Email, attempt, result.StatusCode, result.Error)
	}

	return lastResult
}

func (d *Dispatcher) recordBreakerOutcome(result SendResult) {
	if result.IsSuccess() {
		d.breaker.RecordSuccess(d.sender.Endpoint())
		return
	}
	// Client-side rejections (4xx other than 429) are not provider health
	// signals; only retryable failures trip the breaker.
	if result.IsRetryable() {
		d.breaker.RecordFailure(d.sender.Endpoint())
	}
}

// finishExecution sets the terminal status, tolerating replays that find
// the execution already terminal.
func (d *Dispatcher) finishExecution(ctx context.Context, event domain.TriggerEvent, status domain.ExecutionStatus, details string) {
	if err := d.store.UpdateExecutionStatus(ctx, event.ExecutionID, status, details); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("dispatcher: execution=%s already terminal, skipping status update", event.ExecutionID)
			return
		}
		log.Printf("dispatcher: failed to update execution=%s status: %v", event.ExecutionID, err)
	}
}

// renderTemplate substitutes the per-recipient placeholders.
func renderTemplate(s string, r domain.Recipient) string {
	return strings.NewReplacer(
		"{{name}}", r.Name,
		"{{email}}", r.Email,
	).Replace(s)
}

// classifyStatus maps a provider status code and error to a metrics status
// class with bounded cardinality.
func classifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "circuit_open"
		}
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") ||
			strings.Contains(errStr, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}
