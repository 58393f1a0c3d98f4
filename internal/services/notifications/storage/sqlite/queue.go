package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

const queueJobColumns = `id, type, notification_id, user_id, channel, priority, payload_json, status, attempts,
max_attempts, last_error, scheduled_for, processed_at, completed_at, created_at, updated_at`

const deliveryLogColumns = `id, notification_id, job_id, user_id, channel, status, provider, external_id, payload_json,
error_message, retry_count, scheduled_at, sent_at, delivered_at, opened_at, clicked_at, interaction_count,
created_at, updated_at`

func insertJobExec(ctx context.Context, execer sqlExecer, job domain.QueueJob) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	_, err := execer.ExecContext(ctx, `
INSERT INTO queue_jobs (`+queueJobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		job.ID,
		job.Type,
		job.NotificationID,
		job.UserID,
		job.Channel,
		job.Priority,
		job.PayloadJSON,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		toMillis(job.ScheduledFor),
		nullMillis(job.ProcessedAt),
		nullMillis(job.CompletedAt),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue job: %w", err)
	}
	return nil
}

func insertDeliveryLogExec(ctx context.Context, execer sqlExecer, entry domain.DeliveryLogEntry) error {
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	_, err := execer.ExecContext(ctx, `
INSERT INTO delivery_logs (`+deliveryLogColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		entry.ID,
		entry.NotificationID,
		entry.JobID,
		entry.UserID,
		entry.Channel,
		entry.Status,
		entry.Provider,
		entry.ExternalID,
		entry.PayloadJSON,
		entry.ErrorMessage,
		entry.RetryCount,
		nullMillis(entry.ScheduledAt),
		nullMillis(entry.SentAt),
		nullMillis(entry.DeliveredAt),
		nullMillis(entry.OpenedAt),
		nullMillis(entry.ClickedAt),
		entry.InteractionCount,
		toMillis(entry.CreatedAt),
		toMillis(entry.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return &domain.NotFoundError{Kind: "notification", Key: entry.NotificationID}
		}
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// CountQueuedNotificationsSince counts the user's distinct notifications with
// non-cancelled jobs created at or after since.
func (s *Store) CountQueuedNotificationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT notification_id)
FROM queue_jobs
WHERE user_id = ? AND created_at >= ? AND status <> ?
`, userID, toMillis(since), domain.JobCancelled).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queued notifications: %w", err)
	}
	return count, nil
}

// LowestDisplaceableSince returns the user's lowest-priority notification
// created at or after since whose jobs are all still pending, preferring the
// newest among equals.
func (s *Store) LowestDisplaceableSince(ctx context.Context, userID string, since time.Time) (domain.QueuedNotification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.QueuedNotification{}, err
	}
	var queued domain.QueuedNotification
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT notification_id, MAX(priority)
FROM queue_jobs
WHERE user_id = ? AND created_at >= ? AND status <> ?
GROUP BY notification_id
HAVING SUM(CASE WHEN status = ? THEN 0 ELSE 1 END) = 0
ORDER BY MAX(priority) ASC, MAX(created_at) DESC, notification_id DESC
LIMIT 1
`, userID, toMillis(since), domain.JobCancelled, domain.JobPending).Scan(&queued.NotificationID, &queued.Priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueuedNotification{}, &domain.NotFoundError{Kind: "queued notification", Key: userID}
		}
		return domain.QueuedNotification{}, fmt.Errorf("find displaceable notification: %w", err)
	}
	return queued, nil
}

// displaceNotification cancels a notification's pending jobs and marks the
// affected channels failed.
func displaceNotification(ctx context.Context, tx *sql.Tx, notificationID string, at time.Time) error {
	rows, err := tx.QueryContext(ctx, `
UPDATE queue_jobs
SET status = ?, last_error = 'displaced by daily cap', updated_at = ?, completed_at = ?
WHERE notification_id = ? AND status = ?
RETURNING channel
`, domain.JobCancelled, toMillis(at), toMillis(at), notificationID, domain.JobPending)
	if err != nil {
		return fmt.Errorf("cancel displaced jobs: %w", err)
	}
	var cancelled []domain.Channel
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan displaced channel: %w", err)
		}
		cancelled = append(cancelled, domain.Channel(channel))
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("cancel displaced jobs: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cancel displaced jobs: %w", err)
	}
	for _, channel := range cancelled {
		if err := advanceChannelStatus(ctx, tx, notificationID, channel, domain.DeliveryFailed, at); err != nil {
			return err
		}
	}
	return nil
}

// DeletePendingJobs removes a notification's jobs that have not started.
func (s *Store) DeletePendingJobs(ctx context.Context, notificationID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM queue_jobs
WHERE notification_id = ? AND status = ?
`, notificationID, domain.JobPending)
	if err != nil {
		return 0, fmt.Errorf("delete pending jobs: %w", err)
	}
	return rowsAffected(result, "delete pending jobs")
}

// ClaimNextJob leases the highest-priority due job. The conditional update
// guarantees a job is handed to at most one caller. ok is false when nothing
// is due.
func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (domain.QueueJob, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.QueueJob{}, false, err
	}
	at := toMillis(now)
	row := s.sqlDB.QueryRowContext(ctx, `
UPDATE queue_jobs
SET status = ?, processed_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM queue_jobs
	WHERE status = ? AND scheduled_for <= ?
	ORDER BY priority DESC, scheduled_for ASC, id ASC
	LIMIT 1
) AND status = ?
RETURNING `+queueJobColumns,
		domain.JobProcessing, at, at, domain.JobPending, at, domain.JobPending)
	job, err := scanQueueJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueueJob{}, false, nil
		}
		return domain.QueueJob{}, false, fmt.Errorf("claim queue job: %w", err)
	}
	return job, true, nil
}

// FinishJob stores the outcome of one processing attempt: the job's new
// state, its delivery log row and, once the job settles, the notification's
// channel status. It fails with a conflict when the job is no longer leased.
func (s *Store) FinishJob(ctx context.Context, job domain.QueueJob, entry domain.DeliveryLogEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, "finish queue job", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET status = ?, attempts = ?, last_error = ?, scheduled_for = ?, processed_at = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`,
			job.Status,
			job.Attempts,
			job.LastError,
			toMillis(job.ScheduledFor),
			nullMillis(job.ProcessedAt),
			nullMillis(job.CompletedAt),
			toMillis(job.UpdatedAt),
			job.ID,
			domain.JobProcessing,
		)
		if err != nil {
			return fmt.Errorf("update queue job: %w", err)
		}
		affected, err := rowsAffected(result, "update queue job")
		if err != nil {
			return err
		}
		if affected == 0 {
			return &domain.ConflictError{Reason: "queue job " + job.ID + " is not leased"}
		}
		if err := insertDeliveryLogExec(ctx, tx, entry); err != nil {
			return err
		}
		if job.Status == domain.JobPending {
			// A retry is scheduled; the channel has not settled yet.
			return nil
		}
		return advanceChannelStatus(ctx, tx, entry.NotificationID, entry.Channel, entry.Status, entry.UpdatedAt)
	})
}

// advanceChannelStatus moves one channel's status in the notification's
// status map forward, never backwards.
func advanceChannelStatus(ctx context.Context, tx *sql.Tx, notificationID string, channel domain.Channel, next domain.DeliveryStatus, at time.Time) error {
	path := `$."` + string(channel) + `"`
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `
SELECT json_extract(channel_status_json, ?)
FROM notifications
WHERE id = ?
`, path, notificationID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "notification", Key: notificationID}
		}
		return fmt.Errorf("read channel status: %w", err)
	}
	status := domain.AdvanceStatus(domain.DeliveryStatus(current.String), next)
	if current.Valid && status == domain.DeliveryStatus(current.String) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE notifications
SET channel_status_json = json_set(channel_status_json, ?, ?), updated_at = ?
WHERE id = ?
`, path, status, toMillis(at), notificationID); err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	return nil
}

// ReleaseStaleJobs returns jobs leased before leasedBefore to the queue. The
// abandoned lease counts as an attempt, so a job whose attempts run out fails.
func (s *Store) ReleaseStaleJobs(ctx context.Context, leasedBefore time.Time, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	at := toMillis(now)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE queue_jobs
SET status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
	completed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE NULL END,
	attempts = MIN(attempts + 1, max_attempts),
	last_error = 'lease expired',
	processed_at = NULL,
	scheduled_for = ?,
	updated_at = ?
WHERE status = ? AND processed_at IS NOT NULL AND processed_at < ?
`, domain.JobFailed, domain.JobPending, at, at, at, domain.JobProcessing, toMillis(leasedBefore))
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return rowsAffected(result, "release stale jobs")
}

// GetJob loads one queue job.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.QueueJob, error) {
	if err := s.ready(ctx); err != nil {
		return domain.QueueJob{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+queueJobColumns+` FROM queue_jobs WHERE id = ?`, jobID)
	job, err := scanQueueJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueueJob{}, &domain.NotFoundError{Kind: "queue job", Key: jobID}
		}
		return domain.QueueJob{}, fmt.Errorf("get queue job: %w", err)
	}
	return job, nil
}

// ListJobs lists a notification's jobs oldest first.
func (s *Store) ListJobs(ctx context.Context, notificationID string) ([]domain.QueueJob, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+queueJobColumns+`
FROM queue_jobs
WHERE notification_id = ?
ORDER BY created_at ASC, id ASC
`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list queue jobs: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.QueueJob, 0)
	for rows.Next() {
		job, err := scanQueueJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan queue job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue jobs: %w", err)
	}
	return jobs, nil
}

// GetDeliveryLog loads one delivery log row.
func (s *Store) GetDeliveryLog(ctx context.Context, logID string) (domain.DeliveryLogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return domain.DeliveryLogEntry{}, err
	}
	return getDeliveryLog(ctx, s.sqlDB, logID)
}

func getDeliveryLog(ctx context.Context, queryer sqlQueryer, logID string) (domain.DeliveryLogEntry, error) {
	row := queryer.QueryRowContext(ctx, `SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = ?`, logID)
	entry, err := scanDeliveryLog(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeliveryLogEntry{}, &domain.NotFoundError{Kind: "delivery log", Key: logID}
		}
		return domain.DeliveryLogEntry{}, fmt.Errorf("get delivery log: %w", err)
	}
	return entry, nil
}

// ListDeliveryLogs lists a notification's delivery attempts oldest first.
func (s *Store) ListDeliveryLogs(ctx context.Context, notificationID string) ([]domain.DeliveryLogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+deliveryLogColumns+`
FROM delivery_logs
WHERE notification_id = ?
ORDER BY created_at ASC, id ASC
`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()
	entries := make([]domain.DeliveryLogEntry, 0)
	for rows.Next() {
		entry, err := scanDeliveryLog(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return entries, nil
}

// RecordEngagement applies an open or click callback to a delivery log row
// and the owning notification's channel status.
func (s *Store) RecordEngagement(ctx context.Context, logID string, kind domain.Engagement, at time.Time) (domain.DeliveryLogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return domain.DeliveryLogEntry{}, err
	}
	var updated domain.DeliveryLogEntry
	err := s.inTx(ctx, "record engagement", func(tx *sql.Tx) error {
		entry, err := getDeliveryLog(ctx, tx, logID)
		if err != nil {
			return err
		}
		updated, err = domain.ApplyEngagement(entry, kind, at)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE delivery_logs
SET status = ?, opened_at = ?, clicked_at = ?, interaction_count = ?, updated_at = ?
WHERE id = ?
`,
			updated.Status,
			nullMillis(updated.OpenedAt),
			nullMillis(updated.ClickedAt),
			updated.InteractionCount,
			toMillis(updated.UpdatedAt),
			logID,
		); err != nil {
			return fmt.Errorf("update delivery log engagement: %w", err)
		}
		return advanceChannelStatus(ctx, tx, updated.NotificationID, updated.Channel, updated.Status, updated.UpdatedAt)
	})
	if err != nil {
		return domain.DeliveryLogEntry{}, err
	}
	return updated, nil
}

func scanQueueJob(scan scanner) (domain.QueueJob, error) {
	var (
		job                    domain.QueueJob
		scheduledFor           int64
		processedAt, completed sql.NullInt64
		createdAt, updatedAt   int64
	)
	if err := scan(
		&job.ID,
		&job.Type,
		&job.NotificationID,
		&job.UserID,
		&job.Channel,
		&job.Priority,
		&job.PayloadJSON,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&scheduledFor,
		&processedAt,
		&completed,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.QueueJob{}, err
	}
	job.ScheduledFor = fromMillis(scheduledFor)
	job.ProcessedAt = fromNullMillis(processedAt)
	job.CompletedAt = fromNullMillis(completed)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}

func scanDeliveryLog(scan scanner) (domain.DeliveryLogEntry, error) {
	var (
		entry                                             domain.DeliveryLogEntry
		scheduledAt, sentAt, deliveredAt, opened, clicked sql.NullInt64
		createdAt, updatedAt                              int64
	)
	if err := scan(
		&entry.ID,
		&entry.NotificationID,
		&entry.JobID,
		&entry.UserID,
		&entry.Channel,
		&entry.Status,
		&entry.Provider,
		&entry.ExternalID,
		&entry.PayloadJSON,
		&entry.ErrorMessage,
		&entry.RetryCount,
		&scheduledAt,
		&sentAt,
		&deliveredAt,
		&opened,
		&clicked,
		&entry.InteractionCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.DeliveryLogEntry{}, err
	}
	entry.ScheduledAt = fromNullMillis(scheduledAt)
	entry.SentAt = fromNullMillis(sentAt)
	entry.DeliveredAt = fromNullMillis(deliveredAt)
	entry.OpenedAt = fromNullMillis(opened)
	entry.ClickedAt = fromNullMillis(clicked)
	entry.CreatedAt = fromMillis(createdAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	return entry, nil
}
