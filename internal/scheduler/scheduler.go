package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/domain"
	"mailcadence/internal/recurrence"
)

// ErrRunAlreadyClaimed is returned by Store.ClaimRun when another instance
// (or an earlier tick) already claimed the schedule's run for the day.
var ErrRunAlreadyClaimed = errors.New("run already claimed")

type Store interface {
	// ListDueSchedules returns active schedules whose date bounds include
	// the given instant.
	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)

	// ClaimRun atomically sets last_run_at for a schedule, guarded so the
	// same local calendar day can only be claimed once.
	// Returns ErrRunAlreadyClaimed when the guard rejects the update.
	ClaimRun(ctx context.Context, scheduleID uuid.UUID, runAt, localDayStart time.Time) error

	InsertExecution(ctx context.Context, exec domain.Execution) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// MetricsSink records scheduler metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	EvaluationOutcome(outcome string)
}

// Evaluation outcome labels for MetricsSink.
const (
	OutcomeFired   = "fired"
	OutcomeNotDue  = "not_due"
	OutcomeSkipped = "skipped"
	OutcomeInvalid = "invalid"
)

type Config struct {
	TickInterval time.Duration
}

// Scheduler polls the rule store and fires due schedules. Evaluation of a
// single schedule is isolated: one malformed rule is logged and recorded,
// never aborting the rest of the batch.
type Scheduler struct {
	config  Config
	store   Store
	eval    *recurrence.Evaluator
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, eval *recurrence.Evaluator, emitter EventEmitter) *Scheduler {
	return &Scheduler{
		config:  config,
		store:   store,
		eval:    eval,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, tick=%s window=%s", s.config.TickInterval, s.eval.Window())

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.processTick(ctx); err != nil {
				log.Printf("scheduler: tick error: %v", err)
			}
		}
	}
}

func (s *Scheduler) processTick(ctx context.Context) error {
	now := s.clock().UTC()
	start := time.Now()
	fired := 0

	if s.metrics != nil {
		s.metrics.TickStarted()
	}

	schedules, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TickCompleted(time.Since(start), 0, err)
		}
		return fmt.Errorf("list schedules: %w", err)
	}

	for _, sched := range schedules {
		didFire, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			log.Printf("scheduler: schedule %s (%s) error: %v", sched.ID, sched.Name, err)
		}
		if didFire {
			fired++
		}
	}

	if s.metrics != nil {
		s.metrics.TickCompleted(time.Since(start), fired, nil)
	}
	return nil
}

func (s *Scheduler) processSchedule(ctx context.Context, sched domain.Schedule, now time.Time) (bool, error) {
	if sched.Status != domain.ScheduleStatusActive {
		// The store filters on status; re-checking keeps a stale row harmless.
		return false, nil
	}

	rule, err := recurrence.ParseRule(recurrence.Source{
		Frequency:      sched.Frequency,
		DaysOfWeek:     sched.DaysOfWeek,
		SendTime:       sched.SendTime,
		Timezone:       sched.Timezone,
		CronExpression: sched.CronExpression,
		StartDate:      sched.StartDate,
		EndDate:        sched.EndDate,
		LastRunAt:      sched.LastRunAt,
	})
	if err != nil {
		s.recordOutcome(OutcomeInvalid)
		s.insertExecution(ctx, sched.ID, now, domain.ExecutionStatusFailure, err.Error())
		return false, fmt.Errorf("parse rule: %w", err)
	}

	dec := s.eval.ShouldFire(rule, now)
	if !dec.Fire {
		if dec.Err != nil {
			s.recordOutcome(OutcomeInvalid)
			s.insertExecution(ctx, sched.ID, now, domain.ExecutionStatusFailure, dec.Err.Error())
			return false, fmt.Errorf("evaluate: %w", dec.Err)
		}
		if dec.Reason == recurrence.ReasonAlreadyRan {
			s.recordOutcome(OutcomeSkipped)
			s.insertExecution(ctx, sched.ID, now, domain.ExecutionStatusSkipped, dec.Reason)
			return false, nil
		}
		s.recordOutcome(OutcomeNotDue)
		return false, nil
	}

	// Claim the run before emitting. The conditional last_run_at update is
	// the at-most-once-per-day guard across racing instances.
	if err := s.store.ClaimRun(ctx, sched.ID, now, localDayStart(now, rule.Location)); err != nil {
		if errors.Is(err, ErrRunAlreadyClaimed) {
			s.recordOutcome(OutcomeSkipped)
			s.insertExecution(ctx, sched.ID, now, domain.ExecutionStatusSkipped, "run claimed by another instance")
			return false, nil
		}
		return false, fmt.Errorf("claim run: %w", err)
	}

	executionID := uuid.New()
	exec := domain.Execution{
		ID:         executionID,
		ScheduleID: sched.ID,
		RunAt:      now,
		Status:     domain.ExecutionStatusPending,
		Details:    dec.Reason,
		CreatedAt:  now,
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}

	event := domain.TriggerEvent{
		ExecutionID:    executionID,
		ScheduleID:     sched.ID,
		RunAt:          now,
		IdempotencyKey: IdempotencyKey(sched.ID, now.In(rule.Location)),
		CreatedAt:      now,
	}
	if err := s.emitter.Emit(ctx, event); err != nil {
		return false, fmt.Errorf("emit: %w", err)
	}

	s.recordOutcome(OutcomeFired)
	log.Printf("scheduler: fired schedule=%s name=%q run_at=%s", sched.ID, sched.Name, now.Format(time.RFC3339))
	return true, nil
}

func (s *Scheduler) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.EvaluationOutcome(outcome)
	}
}

// insertExecution records a log row best-effort; a failed insert only logs.
func (s *Scheduler) insertExecution(ctx context.Context, scheduleID uuid.UUID, now time.Time, status domain.ExecutionStatus, details string) {
	exec := domain.Execution{
		ID:         uuid.New(),
		ScheduleID: scheduleID,
		RunAt:      now,
		Status:     status,
		Details:    details,
		CreatedAt:  now,
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		log.Printf("scheduler: failed to record %s execution for schedule %s: %v", status, scheduleID, err)
	}
}

// localDayStart returns midnight of now's calendar date in loc, as the
// claim guard boundary.
func localDayStart(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// IdempotencyKey keys a fire on the schedule and its local calendar
// day, so retried dispatches of the same run carry the same key. The
// reconciler recomputes it when re-emitting an orphaned execution.
func IdempotencyKey(scheduleID uuid.UUID, localRunAt time.Time) string {
	data := fmt.Sprintf("%s:%s", scheduleID.String(), localRunAt.Format("2006-01-02"))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
