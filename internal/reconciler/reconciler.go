// Package reconciler detects and re-emits orphaned executions.
//
// An execution is orphaned when it was claimed and recorded as 'pending'
// but its trigger event never reached a dispatcher (buffer overflow,
// process crash between claim and send).
//
// The reconciler periodically scans for orphaned executions and re-emits
// them to the event bus. Idempotency holds because the re-emitted event
// carries the same key the original fire did, and the dispatcher refuses
// to regress terminal execution statuses.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/domain"
	"mailcadence/internal/scheduler"
)

// Store defines the interface for fetching orphaned executions and the
// schedules they belong to.
type Store interface {
	GetOrphanedExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error)
	GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error)
}

// EventEmitter defines the interface for emitting trigger events.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a pending execution is considered orphaned.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects orphaned executions and re-emits them.
type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.GetOrphanedExecutions(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to fetch orphans: %v", err)
		return
	}

	if len(orphans) == 0 {
		return
	}

	log.Printf("reconciler: found %d orphaned executions", len(orphans))

	emitted := 0
	failed := 0

	for _, exec := range orphans {
		// Check context before each emit to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d orphans", emitted+failed, len(orphans))
			return
		}

		event, err := r.rebuildEvent(ctx, exec, now)
		if err != nil {
			log.Printf("reconciler: failed to rebuild event for execution=%s schedule=%s: %v",
				exec.ID, exec.ScheduleID, err)
			failed++
			continue
		}

		if err := r.emitter.Emit(ctx, event); err != nil {
			// Emit failed (buffer full, context cancelled).
			// Log and continue - will retry next cycle.
			log.Printf("reconciler: failed to re-emit execution=%s schedule=%s: %v",
				exec.ID, exec.ScheduleID, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-emitted execution=%s schedule=%s run_at=%s (age=%s)",
			exec.ID, exec.ScheduleID, exec.RunAt.Format(time.RFC3339),
			now.Sub(exec.CreatedAt).Round(time.Second))
		emitted++
	}

	log.Printf("reconciler: cycle complete, re-emitted=%d, failed=%d", emitted, failed)
}

// rebuildEvent reconstructs the trigger event for an orphaned execution.
// The idempotency key must match the one the original fire carried, so it
// is derived from the run instant expressed in the schedule's timezone.
func (r *Reconciler) rebuildEvent(ctx context.Context, exec domain.Execution, now time.Time) (domain.TriggerEvent, error) {
	sched, err := r.store.GetScheduleByID(ctx, exec.ScheduleID)
	if err != nil {
		return domain.TriggerEvent{}, err
	}

	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}

	return domain.TriggerEvent{
		ExecutionID:    exec.ID,
		ScheduleID:     exec.ScheduleID,
		RunAt:          exec.RunAt,
		IdempotencyKey: scheduler.IdempotencyKey(exec.ScheduleID, exec.RunAt.In(loc)),
		CreatedAt:      now,
	}, nil
}
