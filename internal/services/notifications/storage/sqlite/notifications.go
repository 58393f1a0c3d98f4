package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

const notificationColumns = `id, user_id, type, severity, title, message, category, subcategory, source,
related_entity_type, related_entity_id, parent_id, action_url, action_data, channels_json, channel_status_json,
read_at, archived_at, pinned_at, scheduled_for, expires_at, rich_content, metadata, group_key, dedupe_key,
trigger_key, created_at, updated_at`

// CreateNotification persists a notification with its in-app delivery row,
// queue jobs, group upsert and optional frequency claim in one transaction.
func (s *Store) CreateNotification(ctx context.Context, bundle domain.NotificationBundle) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	n, err := normalizeNotification(bundle.Notification)
	if err != nil {
		return err
	}
	return s.inTx(ctx, "notification create", func(tx *sql.Tx) error {
		if bundle.Firing != nil {
			if err := claimFiring(ctx, tx, *bundle.Firing, n.CreatedAt); err != nil {
				return err
			}
		}
		if bundle.Group != nil {
			if err := upsertGroupExec(ctx, tx, *bundle.Group); err != nil {
				return err
			}
		}
		if err := insertNotificationExec(ctx, tx, n); err != nil {
			return err
		}
		if bundle.InAppDelivery.ID != "" {
			if err := insertDeliveryLogExec(ctx, tx, bundle.InAppDelivery); err != nil {
				return err
			}
		}
		if bundle.DisplaceNotificationID != "" {
			if err := displaceNotification(ctx, tx, bundle.DisplaceNotificationID, n.CreatedAt); err != nil {
				return err
			}
		}
		for _, job := range bundle.Jobs {
			if err := insertJobExec(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// claimFiring takes the frequency window unless the last firing is still
// inside it. Losing the window returns domain.ErrFrequencyLimited.
func claimFiring(ctx context.Context, execer sqlExecer, firing domain.FiringClaim, at time.Time) error {
	result, err := execer.ExecContext(ctx, `
INSERT INTO trigger_firings (trigger_key, user_id, entity_key, last_fired_at, fire_count)
VALUES (?, ?, ?, ?, 1)
ON CONFLICT(trigger_key, user_id, entity_key) DO UPDATE SET
	last_fired_at = excluded.last_fired_at,
	fire_count = trigger_firings.fire_count + 1
WHERE trigger_firings.last_fired_at <= ?
`, firing.TriggerKey, firing.UserID, firing.EntityKey, toMillis(at), toMillis(at.Add(-firing.Window)))
	if err != nil {
		return fmt.Errorf("claim trigger firing: %w", err)
	}
	affected, err := rowsAffected(result, "claim trigger firing")
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrFrequencyLimited
	}
	return nil
}

func insertNotificationExec(ctx context.Context, execer sqlExecer, n domain.Notification) error {
	channels, err := encodeJSON(n.Channels, "notification channels")
	if err != nil {
		return err
	}
	status, err := encodeJSON(n.ChannelStatus, "notification channel status")
	if err != nil {
		return err
	}
	_, err = execer.ExecContext(ctx, `
INSERT INTO notifications (`+notificationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		n.ID,
		n.UserID,
		n.Type,
		n.Severity,
		n.Title,
		n.Message,
		n.Category,
		n.Subcategory,
		n.Source,
		n.RelatedEntity.Type,
		n.RelatedEntity.ID,
		n.ParentID,
		n.ActionURL,
		n.ActionData,
		channels,
		status,
		nullMillis(n.ReadAt),
		nullMillis(n.ArchivedAt),
		nullMillis(n.PinnedAt),
		nullMillis(n.ScheduledFor),
		nullMillis(n.ExpiresAt),
		n.RichContent,
		n.Metadata,
		n.GroupKey,
		n.DedupeKey,
		n.TriggerKey,
		toMillis(n.CreatedAt),
		toMillis(n.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ConflictError{Reason: "notification dedupe key " + n.DedupeKey + " already used"}
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func upsertGroupExec(ctx context.Context, execer sqlExecer, group domain.Group) error {
	_, err := execer.ExecContext(ctx, `
INSERT INTO notification_groups (
	user_id, group_key, group_type, title, description, related_entity_type, related_entity_id,
	is_collapsed, last_activity_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(user_id, group_key) DO UPDATE SET
	title = excluded.title,
	description = excluded.description,
	last_activity_at = excluded.last_activity_at,
	updated_at = excluded.updated_at
`,
		group.UserID,
		group.GroupKey,
		group.GroupType,
		group.Title,
		group.Description,
		group.RelatedEntity.Type,
		group.RelatedEntity.ID,
		toMillis(group.LastActivityAt),
		toMillis(group.CreatedAt),
		toMillis(group.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert notification group: %w", err)
	}
	return nil
}

// GetNotification loads one notification owned by userID.
func (s *Store) GetNotification(ctx context.Context, userID string, notificationID string) (domain.Notification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Notification{}, err
	}
	return getNotification(ctx, s.sqlDB, userID, notificationID)
}

func getNotification(ctx context.Context, queryer sqlQueryer, userID string, notificationID string) (domain.Notification, error) {
	row := queryer.QueryRowContext(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE user_id = ? AND id = ?
`, userID, notificationID)
	n, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, &domain.NotFoundError{Kind: "notification", Key: notificationID}
		}
		return domain.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// GetNotificationByID loads one notification regardless of owner.
func (s *Store) GetNotificationByID(ctx context.Context, notificationID string) (domain.Notification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Notification{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE id = ?
`, notificationID)
	n, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, &domain.NotFoundError{Kind: "notification", Key: notificationID}
		}
		return domain.Notification{}, fmt.Errorf("get notification by id: %w", err)
	}
	return n, nil
}

// GetNotificationByDedupeKey loads one notification of userID by dedupe key.
func (s *Store) GetNotificationByDedupeKey(ctx context.Context, userID string, dedupeKey string) (domain.Notification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Notification{}, err
	}
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return domain.Notification{}, &domain.NotFoundError{Kind: "notification", Key: dedupeKey}
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE user_id = ? AND dedupe_key = ?
`, userID, dedupeKey)
	n, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, &domain.NotFoundError{Kind: "notification", Key: dedupeKey}
		}
		return domain.Notification{}, fmt.Errorf("get notification by dedupe key: %w", err)
	}
	return n, nil
}

// ListNotifications lists one user's inbox newest-first with cursor pagination.
func (s *Store) ListNotifications(ctx context.Context, query domain.ListQuery) (domain.NotificationPage, error) {
	if err := s.ready(ctx); err != nil {
		return domain.NotificationPage{}, err
	}
	if query.PageSize <= 0 {
		return domain.NotificationPage{}, fmt.Errorf("page size must be greater than zero")
	}
	where, args := inboxConditions(query.UserID, query.Now)
	switch {
	case query.ArchivedOnly:
		where = append(where, "archived_at IS NOT NULL")
	case !query.IncludeArchived:
		where = append(where, "archived_at IS NULL")
	}
	switch query.ReadState {
	case domain.ReadOnly:
		where = append(where, "read_at IS NOT NULL")
	case domain.UnreadOnly:
		where = append(where, "read_at IS NULL")
	}
	if query.Category != "" {
		where = append(where, "category = ?")
		args = append(args, query.Category)
	}
	if query.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, query.Severity)
	}
	if query.PinnedOnly {
		where = append(where, "pinned_at IS NOT NULL")
	}
	if query.PageToken != "" {
		var tokenCreatedAt int64
		err := s.sqlDB.QueryRowContext(ctx, `SELECT created_at FROM notifications WHERE user_id = ? AND id = ?`,
			query.UserID, query.PageToken).Scan(&tokenCreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotificationPage{}, nil
			}
			return domain.NotificationPage{}, fmt.Errorf("resolve page token: %w", err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, tokenCreatedAt, tokenCreatedAt, query.PageToken)
	}
	args = append(args, query.PageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at DESC, id DESC
LIMIT ?
`, args...)
	if err != nil {
		return domain.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return collectNotificationPage(rows, query.PageSize)
}

// inboxConditions selects a user's visible notifications at now: not expired
// and already due.
func inboxConditions(userID string, now time.Time) ([]string, []any) {
	nowMillis := toMillis(now)
	return []string{
			"user_id = ?",
			"(expires_at IS NULL OR expires_at > ?)",
			"(scheduled_for IS NULL OR scheduled_for <= ?)",
		}, []any{
			userID, nowMillis, nowMillis,
		}
}

// CountUnreadNotifications counts visible, unarchived unread notifications.
func (s *Store) CountUnreadNotifications(ctx context.Context, userID string, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	where, args := inboxConditions(userID, now)
	where = append(where, "read_at IS NULL", "archived_at IS NULL")
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM notifications
WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead sets read_at once; later calls leave it unchanged.
func (s *Store) MarkNotificationRead(ctx context.Context, userID string, notificationID string, readAt time.Time) (domain.Notification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Notification{}, err
	}
	at := toMillis(readAt)
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET read_at = ?, updated_at = ?
WHERE user_id = ? AND id = ? AND read_at IS NULL
`, at, at, userID, notificationID); err != nil {
		return domain.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	return getNotification(ctx, s.sqlDB, userID, notificationID)
}

// MarkAllNotificationsRead marks every unread notification of userID read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	at := toMillis(readAt)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET read_at = ?, updated_at = ?
WHERE user_id = ? AND read_at IS NULL
`, at, at, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return rowsAffected(result, "mark all notifications read")
}

// SetNotificationArchived archives or restores one notification.
func (s *Store) SetNotificationArchived(ctx context.Context, userID string, notificationID string, archived bool, at time.Time) (domain.Notification, error) {
	return s.setNotificationFlag(ctx, "archived_at", userID, notificationID, archived, at)
}

// SetNotificationPinned pins or unpins one notification.
func (s *Store) SetNotificationPinned(ctx context.Context, userID string, notificationID string, pinned bool, at time.Time) (domain.Notification, error) {
	return s.setNotificationFlag(ctx, "pinned_at", userID, notificationID, pinned, at)
}

// setNotificationFlag keeps the flag timestamp of the first set and clears it
// on unset, so the flag and its timestamp never disagree.
func (s *Store) setNotificationFlag(ctx context.Context, column string, userID string, notificationID string, value bool, at time.Time) (domain.Notification, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Notification{}, err
	}
	var flagAt sql.NullInt64
	if value {
		flagAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET `+column+` = CASE WHEN ? = 1 THEN COALESCE(`+column+`, ?) ELSE NULL END, updated_at = ?
WHERE user_id = ? AND id = ?
`, boolToInt(value), flagAt, toMillis(at), userID, notificationID)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("update notification %s: %w", column, err)
	}
	affected, err := rowsAffected(result, "update notification "+column)
	if err != nil {
		return domain.Notification{}, err
	}
	if affected == 0 {
		return domain.Notification{}, &domain.NotFoundError{Kind: "notification", Key: notificationID}
	}
	return getNotification(ctx, s.sqlDB, userID, notificationID)
}

// DeleteExpiredNotifications removes expired notifications; their delivery
// rows and jobs cascade.
func (s *Store) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM notifications
WHERE expires_at IS NOT NULL AND expires_at <= ?
`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return rowsAffected(result, "delete expired notifications")
}

// ArchiveReadNotifications archives notifications read before readBefore for
// users who enabled auto-archive.
func (s *Store) ArchiveReadNotifications(ctx context.Context, readBefore time.Time, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET archived_at = ?, updated_at = ?
WHERE archived_at IS NULL
  AND read_at IS NOT NULL
  AND read_at <= ?
  AND user_id IN (SELECT user_id FROM notification_preferences WHERE auto_archive_enabled = 1)
`, toMillis(now), toMillis(now), toMillis(readBefore))
	if err != nil {
		return 0, fmt.Errorf("auto-archive notifications: %w", err)
	}
	return rowsAffected(result, "auto-archive notifications")
}

// ListGroups lists a user's groups with counters derived from their
// constituent notifications, most recent activity first.
func (s *Store) ListGroups(ctx context.Context, userID string) ([]domain.Group, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+groupColumns+`
FROM notification_groups g
WHERE g.user_id = ?
ORDER BY g.last_activity_at DESC, g.group_key ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notification groups: %w", err)
	}
	defer rows.Close()
	groups := make([]domain.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan notification group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification groups: %w", err)
	}
	return groups, nil
}

// SetGroupCollapsed toggles a group's collapsed flag.
func (s *Store) SetGroupCollapsed(ctx context.Context, userID string, groupKey string, collapsed bool, at time.Time) (domain.Group, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Group{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notification_groups
SET is_collapsed = ?, updated_at = ?
WHERE user_id = ? AND group_key = ?
`, boolToInt(collapsed), toMillis(at), userID, groupKey)
	if err != nil {
		return domain.Group{}, fmt.Errorf("collapse notification group: %w", err)
	}
	affected, err := rowsAffected(result, "collapse notification group")
	if err != nil {
		return domain.Group{}, err
	}
	if affected == 0 {
		return domain.Group{}, &domain.NotFoundError{Kind: "group", Key: groupKey}
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+groupColumns+`
FROM notification_groups g
WHERE g.user_id = ? AND g.group_key = ?
`, userID, groupKey)
	group, err := scanGroup(row.Scan)
	if err != nil {
		return domain.Group{}, fmt.Errorf("get notification group: %w", err)
	}
	return group, nil
}

const groupColumns = `g.user_id, g.group_key, g.group_type, g.title, g.description, g.related_entity_type,
g.related_entity_id, g.is_collapsed, g.last_activity_at, g.created_at, g.updated_at,
(SELECT COUNT(1) FROM notifications n WHERE n.user_id = g.user_id AND n.group_key = g.group_key),
(SELECT COUNT(1) FROM notifications n WHERE n.user_id = g.user_id AND n.group_key = g.group_key AND n.read_at IS NULL)`

func scanGroup(scan scanner) (domain.Group, error) {
	var (
		group                              domain.Group
		collapsed                          int
		lastActivity, createdAt, updatedAt int64
	)
	if err := scan(
		&group.UserID,
		&group.GroupKey,
		&group.GroupType,
		&group.Title,
		&group.Description,
		&group.RelatedEntity.Type,
		&group.RelatedEntity.ID,
		&collapsed,
		&lastActivity,
		&createdAt,
		&updatedAt,
		&group.TotalNotifications,
		&group.UnreadNotifications,
	); err != nil {
		return domain.Group{}, err
	}
	group.IsCollapsed = collapsed == 1
	group.LastActivityAt = fromMillis(lastActivity)
	group.CreatedAt = fromMillis(createdAt)
	group.UpdatedAt = fromMillis(updatedAt)
	return group, nil
}

func normalizeNotification(n domain.Notification) (domain.Notification, error) {
	n.ID = strings.TrimSpace(n.ID)
	n.UserID = strings.TrimSpace(n.UserID)
	if n.ID == "" {
		return domain.Notification{}, fmt.Errorf("notification id is required")
	}
	if n.UserID == "" {
		return domain.Notification{}, fmt.Errorf("user id is required")
	}
	if n.CreatedAt.IsZero() {
		return domain.Notification{}, fmt.Errorf("created_at is required")
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.ChannelStatus == nil {
		n.ChannelStatus = map[domain.Channel]domain.DeliveryStatus{}
	}
	if n.Channels == nil {
		n.Channels = []domain.Channel{}
	}
	return n, nil
}

func scanNotification(scan scanner) (domain.Notification, error) {
	var (
		n                                                  domain.Notification
		channels, status                                   string
		readAt, archivedAt, pinnedAt, scheduled, expiresAt sql.NullInt64
		createdAt, updatedAt                               int64
	)
	if err := scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Severity,
		&n.Title,
		&n.Message,
		&n.Category,
		&n.Subcategory,
		&n.Source,
		&n.RelatedEntity.Type,
		&n.RelatedEntity.ID,
		&n.ParentID,
		&n.ActionURL,
		&n.ActionData,
		&channels,
		&status,
		&readAt,
		&archivedAt,
		&pinnedAt,
		&scheduled,
		&expiresAt,
		&n.RichContent,
		&n.Metadata,
		&n.GroupKey,
		&n.DedupeKey,
		&n.TriggerKey,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Notification{}, err
	}
	if err := decodeJSON(channels, &n.Channels, "notification channels"); err != nil {
		return domain.Notification{}, err
	}
	n.ChannelStatus = map[domain.Channel]domain.DeliveryStatus{}
	if err := decodeJSON(status, &n.ChannelStatus, "notification channel status"); err != nil {
		return domain.Notification{}, err
	}
	n.ReadAt = fromNullMillis(readAt)
	n.IsRead = n.ReadAt != nil
	n.ArchivedAt = fromNullMillis(archivedAt)
	n.IsArchived = n.ArchivedAt != nil
	n.PinnedAt = fromNullMillis(pinnedAt)
	n.IsPinned = n.PinnedAt != nil
	n.ScheduledFor = fromNullMillis(scheduled)
	n.ExpiresAt = fromNullMillis(expiresAt)
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return n, nil
}

func collectNotificationPage(rows *sql.Rows, pageSize int) (domain.NotificationPage, error) {
	page := domain.NotificationPage{
		Notifications: make([]domain.Notification, 0, pageSize),
	}
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return domain.NotificationPage{}, fmt.Errorf("scan notification row: %w", err)
		}
		page.Notifications = append(page.Notifications, n)
	}
	if err := rows.Err(); err != nil {
		return domain.NotificationPage{}, fmt.Errorf("iterate notification rows: %w", err)
	}
	if len(page.Notifications) > pageSize {
		page.NextPageToken = page.Notifications[pageSize-1].ID
		page.Notifications = page.Notifications[:pageSize]
	}
	return page, nil
}
