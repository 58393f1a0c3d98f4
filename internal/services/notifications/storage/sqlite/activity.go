package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/platform/filter"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

const activityColumns = `id, user_id, session_id, action, entity_type, entity_id, context_json, changes_json,
previous_state_json, new_state_json, ip_address, user_agent, device_type, processing_time_ms, success,
error_message, triggered_notifications_json, notification_count, created_at`

// PutActivity appends one activity log entry.
func (s *Store) PutActivity(ctx context.Context, entry domain.ActivityEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("activity id is required")
	}
	triggered := entry.TriggeredNotifications
	if triggered == nil {
		triggered = []string{}
	}
	triggeredJSON, err := encodeJSON(triggered, "triggered notifications")
	if err != nil {
		return err
	}
	contextJSON := entry.ContextJSON
	if strings.TrimSpace(contextJSON) == "" {
		contextJSON = "{}"
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO activity_log (`+activityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		entry.ID,
		entry.UserID,
		entry.SessionID,
		entry.Action,
		entry.Entity.Type,
		entry.Entity.ID,
		contextJSON,
		entry.ChangesJSON,
		entry.PreviousStateJSON,
		entry.NewStateJSON,
		entry.Environment.IPAddress,
		entry.Environment.UserAgent,
		entry.Environment.DeviceType,
		entry.ProcessingTime.Milliseconds(),
		boolToInt(entry.Success),
		entry.ErrorMessage,
		triggeredJSON,
		entry.NotificationCount,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ConflictError{Reason: "activity " + entry.ID + " already recorded"}
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// AnnotateActivity records which notifications an activity entry produced.
func (s *Store) AnnotateActivity(ctx context.Context, activityID string, notificationIDs []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if notificationIDs == nil {
		notificationIDs = []string{}
	}
	triggeredJSON, err := encodeJSON(notificationIDs, "triggered notifications")
	if err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE activity_log
SET triggered_notifications_json = ?, notification_count = ?
WHERE id = ?
`, triggeredJSON, len(notificationIDs), activityID)
	if err != nil {
		return fmt.Errorf("annotate activity: %w", err)
	}
	affected, err := rowsAffected(result, "annotate activity")
	if err != nil {
		return err
	}
	if affected == 0 {
		return &domain.NotFoundError{Kind: "activity", Key: activityID}
	}
	return nil
}

// GetActivity loads one activity log entry.
func (s *Store) GetActivity(ctx context.Context, activityID string) (domain.ActivityEntry, error) {
	if err := s.ready(ctx); err != nil {
		return domain.ActivityEntry{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activity_log WHERE id = ?`, activityID)
	entry, err := scanActivity(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ActivityEntry{}, &domain.NotFoundError{Kind: "activity", Key: activityID}
		}
		return domain.ActivityEntry{}, fmt.Errorf("get activity: %w", err)
	}
	return entry, nil
}

// ListActivity lists activity entries newest first, narrowed by an optional
// filter condition.
func (s *Store) ListActivity(ctx context.Context, condition filter.SQLCondition, pageSize int, pageToken string) (domain.ActivityPage, error) {
	if err := s.ready(ctx); err != nil {
		return domain.ActivityPage{}, err
	}
	if pageSize <= 0 {
		return domain.ActivityPage{}, fmt.Errorf("page size must be greater than zero")
	}

	var (
		where []string
		args  []any
	)
	if !condition.Empty() {
		where = append(where, condition.Clause)
		args = append(args, condition.Params...)
	}
	if pageToken != "" {
		var tokenCreatedAt int64
		err := s.sqlDB.QueryRowContext(ctx, `SELECT created_at FROM activity_log WHERE id = ?`, pageToken).Scan(&tokenCreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ActivityPage{}, nil
			}
			return domain.ActivityPage{}, fmt.Errorf("resolve page token: %w", err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, tokenCreatedAt, tokenCreatedAt, pageToken)
	}

	query := `SELECT ` + activityColumns + ` FROM activity_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.ActivityPage{}, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	page := domain.ActivityPage{Entries: make([]domain.ActivityEntry, 0, pageSize)}
	for rows.Next() {
		entry, err := scanActivity(rows.Scan)
		if err != nil {
			return domain.ActivityPage{}, fmt.Errorf("scan activity: %w", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.ActivityPage{}, fmt.Errorf("iterate activity: %w", err)
	}
	if len(page.Entries) > pageSize {
		page.NextPageToken = page.Entries[pageSize-1].ID
		page.Entries = page.Entries[:pageSize]
	}
	return page, nil
}

func scanActivity(scan scanner) (domain.ActivityEntry, error) {
	var (
		entry                   domain.ActivityEntry
		processingMs, createdAt int64
		success                 int
		triggered               string
	)
	if err := scan(
		&entry.ID,
		&entry.UserID,
		&entry.SessionID,
		&entry.Action,
		&entry.Entity.Type,
		&entry.Entity.ID,
		&entry.ContextJSON,
		&entry.ChangesJSON,
		&entry.PreviousStateJSON,
		&entry.NewStateJSON,
		&entry.Environment.IPAddress,
		&entry.Environment.UserAgent,
		&entry.Environment.DeviceType,
		&processingMs,
		&success,
		&entry.ErrorMessage,
		&triggered,
		&entry.NotificationCount,
		&createdAt,
	); err != nil {
		return domain.ActivityEntry{}, err
	}
	if err := decodeJSON(triggered, &entry.TriggeredNotifications, "triggered notifications"); err != nil {
		return domain.ActivityEntry{}, err
	}
	entry.ProcessingTime = time.Duration(processingMs) * time.Millisecond
	entry.Success = success == 1
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}
