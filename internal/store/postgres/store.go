package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/api"
	"mailcadence/internal/dispatcher"
	"mailcadence/internal/domain"
	"mailcadence/internal/reconciler"
	"mailcadence/internal/scheduler"
)

// Store implements scheduler.Store, dispatcher.Store, reconciler.Store and
// api.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListDueSchedules returns active schedules whose date bounds could include
// the given instant. The recurrence evaluator re-checks bounds in the
// schedule's own timezone.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryListDueSchedules, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// ClaimRun atomically advances last_run_at for a schedule. The WHERE guard
// rejects the update when the schedule already ran on or after the local
// day start, so racing instances claim a given day at most once.
func (s *Store) ClaimRun(ctx context.Context, scheduleID uuid.UUID, runAt, localDayStart time.Time) error {
	result, err := s.db.ExecContext(ctx, queryClaimRun, scheduleID, runAt, localDayStart)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return scheduler.ErrRunAlreadyClaimed
	}
	return nil
}

// InsertExecution inserts a new execution record.
func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	_, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.ScheduleID,
		exec.RunAt,
		string(exec.Status),
		exec.Details,
		exec.CreatedAt,
	)
	return err
}

// GetScheduleByID returns a schedule by its ID.
func (s *Store) GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, queryGetScheduleByID, scheduleID)
	return scanSchedule(row)
}

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.Name,
		sched.Frequency,
		sched.DaysOfWeek,
		sched.SendTime,
		sched.Timezone,
		sched.CronExpression,
		sched.StartDate,
		sched.EndDate,
		string(sched.Status),
		sched.LastRunAt,
		sched.TemplateID,
		sched.Audience,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	return err
}

// ListSchedules returns schedules ordered newest first, paginated by limit
// and offset.
func (s *Store) ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryListSchedules, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// SetScheduleStatus updates a schedule's status (active/paused).
// Returns sql.ErrNoRows if the schedule does not exist.
func (s *Store) SetScheduleStatus(ctx context.Context, scheduleID uuid.UUID, status domain.ScheduleStatus) error {
	result, err := s.db.ExecContext(ctx, querySetScheduleStatus, scheduleID, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSchedule removes a schedule together with its executions and
// deliveries. Returns sql.ErrNoRows if the schedule does not exist.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteSchedule, scheduleID).Scan(&deletedID)
	if err != nil {
		return err
	}
	return nil
}

// ListExecutions returns the run log for a schedule, newest first.
func (s *Store) ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryListExecutions, scheduleID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// UpdateExecutionStatus updates the status and details of an execution.
// Returns dispatcher.ErrStatusTransitionDenied if the execution is already
// in a terminal state. The guard lives in the WHERE clause so the check and
// the write are one atomic statement.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, details string) error {
	result, err := s.db.ExecContext(ctx, queryUpdateExecutionStatus, string(status), details, executionID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either: (a) execution not found, or (b) already in terminal state.
		// Distinguish by checking if the row exists.
		var currentStatus string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, executionID).Scan(&currentStatus)
		if err != nil {
			return err
		}
		return dispatcher.ErrStatusTransitionDenied
	}

	return nil
}

// GetOrphanedExecutions returns executions stuck in 'pending' status that
// were created before the given threshold time, oldest first.
func (s *Store) GetOrphanedExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryGetOrphanedExecutions, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// InsertDelivery inserts a new delivery attempt record.
func (s *Store) InsertDelivery(ctx context.Context, delivery domain.Delivery) error {
	_, err := s.db.ExecContext(ctx, queryInsertDelivery,
		delivery.ID,
		delivery.ExecutionID,
		delivery.RecipientEmail,
		delivery.Attempt,
		delivery.StatusCode,
		delivery.Error,
		delivery.StartedAt,
		delivery.FinishedAt,
	)
	return err
}

// GetTemplateByID returns a message template by its ID.
func (s *Store) GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error) {
	var tmpl domain.Template
	err := s.db.QueryRowContext(ctx, queryGetTemplateByID, templateID).Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Subject,
		&tmpl.Body,
	)
	if err != nil {
		return domain.Template{}, err
	}
	return tmpl, nil
}

// CreateTemplate inserts a new message template.
func (s *Store) CreateTemplate(ctx context.Context, tmpl domain.Template) error {
	_, err := s.db.ExecContext(ctx, queryInsertTemplate,
		tmpl.ID,
		tmpl.Name,
		tmpl.Subject,
		tmpl.Body,
	)
	return err
}

// ListRecipients returns recipients belonging to an audience tag.
func (s *Store) ListRecipients(ctx context.Context, audience string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, queryListRecipients, audience)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.Audience, &r.Subscribed); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertRecipient inserts a recipient or updates its name and subscription
// state when (email, audience) already exists.
func (s *Store) UpsertRecipient(ctx context.Context, r domain.Recipient) error {
	_, err := s.db.ExecContext(ctx, queryUpsertRecipient,
		r.ID,
		r.Email,
		r.Name,
		r.Audience,
		r.Subscribed,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var sched domain.Schedule
	var status string
	var endDate, lastRunAt sql.NullTime

	err := row.Scan(
		&sched.ID,
		&sched.Name,
		&sched.Frequency,
		&sched.DaysOfWeek,
		&sched.SendTime,
		&sched.Timezone,
		&sched.CronExpression,
		&sched.StartDate,
		&endDate,
		&status,
		&lastRunAt,
		&sched.TemplateID,
		&sched.Audience,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}

	sched.Status = domain.ScheduleStatus(status)
	if endDate.Valid {
		t := endDate.Time
		sched.EndDate = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		sched.LastRunAt = &t
	}
	return sched, nil
}

func scanSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	var result []domain.Execution
	for rows.Next() {
		var exec domain.Execution
		var status string

		err := rows.Scan(
			&exec.ID,
			&exec.ScheduleID,
			&exec.RunAt,
			&status,
			&exec.Details,
			&exec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		exec.Status = domain.ExecutionStatus(status)
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Compile-time interface assertions
var (
	_ scheduler.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
