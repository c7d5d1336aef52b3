package postgres

const scheduleColumns = `
    id, name, frequency, days_of_week, send_time, timezone, cron_expression,
    start_date, end_date, status, last_run_at, template_id, audience,
    created_at, updated_at`

// The date filter is deliberately coarse (one day of slack on each side):
// start/end are calendar dates local to the schedule's timezone, and the
// evaluator re-checks them precisely. The slack only keeps rows near a
// timezone day boundary from being filtered out too early.
const queryListDueSchedules = `
SELECT` + scheduleColumns + `
FROM schedules
WHERE status = 'active'
  AND start_date <= $1 + INTERVAL '1 day'
  AND (end_date IS NULL OR end_date >= $1 - INTERVAL '1 day')
ORDER BY id
`

const queryClaimRun = `
UPDATE schedules
SET last_run_at = $2, updated_at = $2
WHERE id = $1
  AND status = 'active'
  AND (last_run_at IS NULL OR last_run_at < $3)
`

const queryGetScheduleByID = `
SELECT` + scheduleColumns + `
FROM schedules
WHERE id = $1
`

const queryInsertSchedule = `
INSERT INTO schedules (id, name, frequency, days_of_week, send_time, timezone, cron_expression, start_date, end_date, status, last_run_at, template_id, audience, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

const queryListSchedules = `
SELECT` + scheduleColumns + `
FROM schedules
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

const querySetScheduleStatus = `
UPDATE schedules
SET status = $2, updated_at = $3
WHERE id = $1
`

const queryDeleteSchedule = `
WITH deleted_deliveries AS (
    DELETE FROM deliveries
    WHERE execution_id IN (SELECT id FROM executions WHERE schedule_id = $1)
),
deleted_executions AS (
    DELETE FROM executions WHERE schedule_id = $1
)
DELETE FROM schedules WHERE id = $1
RETURNING id`

const queryInsertExecution = `
INSERT INTO executions (id, schedule_id, run_at, status, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryListExecutions = `
SELECT id, schedule_id, run_at, status, details, created_at
FROM executions
WHERE schedule_id = $1
ORDER BY run_at DESC
LIMIT $2 OFFSET $3
`

const queryGetExecutionStatus = `
SELECT status FROM executions WHERE id = $1
`

const queryUpdateExecutionStatus = `
UPDATE executions
SET status = $1, details = $2
WHERE id = $3
  AND status NOT IN ('success', 'skipped', 'failure')
`

const queryGetOrphanedExecutions = `
SELECT id, schedule_id, run_at, status, details, created_at
FROM executions
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryInsertDelivery = `
INSERT INTO deliveries (id, execution_id, recipient_email, attempt, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryGetTemplateByID = `
SELECT id, name, subject, body
FROM templates
WHERE id = $1
`

const queryInsertTemplate = `
INSERT INTO templates (id, name, subject, body)
VALUES ($1, $2, $3, $4)
`

const queryListRecipients = `
SELECT id, email, name, audience, subscribed
FROM recipients
WHERE audience = $1
ORDER BY email
`

const queryUpsertRecipient = `
INSERT INTO recipients (id, email, name, audience, subscribed)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (email, audience) DO UPDATE
SET name = EXCLUDED.name, subscribed = EXCLUDED.subscribed
`
