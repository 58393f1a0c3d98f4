package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// GetPreferences loads a user's saved preferences.
func (s *Store) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Preferences{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, enabled, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone, channels_json,
	category_overrides_json, digest_frequency, max_notifications_per_day, grouping_enabled, auto_archive_enabled,
	sound_enabled, vibration_enabled, smart_delivery, duplicate_detection, updated_at
FROM notification_preferences
WHERE user_id = ?
`, userID)

	var (
		prefs                               domain.Preferences
		enabled, quiet, grouping, archive   int
		sound, vibration, smart, duplicates int
		channels, overrides                 string
		updatedAt                           int64
	)
	err := row.Scan(
		&prefs.UserID,
		&enabled,
		&quiet,
		&prefs.QuietHours.Start,
		&prefs.QuietHours.End,
		&prefs.Timezone,
		&channels,
		&overrides,
		&prefs.DigestFrequency,
		&prefs.MaxNotificationsPerDay,
		&grouping,
		&archive,
		&sound,
		&vibration,
		&smart,
		&duplicates,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Preferences{}, &domain.NotFoundError{Kind: "preferences", Key: userID}
		}
		return domain.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	prefs.Channels = map[domain.Channel]bool{}
	if err := decodeJSON(channels, &prefs.Channels, "preference channels"); err != nil {
		return domain.Preferences{}, err
	}
	prefs.CategoryOverrides = map[string]map[domain.Channel]bool{}
	if err := decodeJSON(overrides, &prefs.CategoryOverrides, "preference category overrides"); err != nil {
		return domain.Preferences{}, err
	}
	prefs.Enabled = enabled == 1
	prefs.QuietHours.Enabled = quiet == 1
	prefs.GroupingEnabled = grouping == 1
	prefs.AutoArchiveEnabled = archive == 1
	prefs.SoundEnabled = sound == 1
	prefs.VibrationEnabled = vibration == 1
	prefs.SmartDelivery = smart == 1
	prefs.DuplicateDetection = duplicates == 1
	prefs.UpdatedAt = fromMillis(updatedAt)
	return prefs, nil
}

// PutPreferences replaces a user's preferences.
func (s *Store) PutPreferences(ctx context.Context, prefs domain.Preferences) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	channels, err := encodeJSON(prefs.Channels, "preference channels")
	if err != nil {
		return err
	}
	overrides, err := encodeJSON(prefs.CategoryOverrides, "preference category overrides")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_preferences (
	user_id, enabled, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone, channels_json,
	category_overrides_json, digest_frequency, max_notifications_per_day, grouping_enabled, auto_archive_enabled,
	sound_enabled, vibration_enabled, smart_delivery, duplicate_detection, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	enabled = excluded.enabled,
	quiet_hours_enabled = excluded.quiet_hours_enabled,
	quiet_hours_start = excluded.quiet_hours_start,
	quiet_hours_end = excluded.quiet_hours_end,
	timezone = excluded.timezone,
	channels_json = excluded.channels_json,
	category_overrides_json = excluded.category_overrides_json,
	digest_frequency = excluded.digest_frequency,
	max_notifications_per_day = excluded.max_notifications_per_day,
	grouping_enabled = excluded.grouping_enabled,
	auto_archive_enabled = excluded.auto_archive_enabled,
	sound_enabled = excluded.sound_enabled,
	vibration_enabled = excluded.vibration_enabled,
	smart_delivery = excluded.smart_delivery,
	duplicate_detection = excluded.duplicate_detection,
	updated_at = excluded.updated_at
`,
		prefs.UserID,
		boolToInt(prefs.Enabled),
		boolToInt(prefs.QuietHours.Enabled),
		prefs.QuietHours.Start,
		prefs.QuietHours.End,
		prefs.Timezone,
		channels,
		overrides,
		prefs.DigestFrequency,
		prefs.MaxNotificationsPerDay,
		boolToInt(prefs.GroupingEnabled),
		boolToInt(prefs.AutoArchiveEnabled),
		boolToInt(prefs.SoundEnabled),
		boolToInt(prefs.VibrationEnabled),
		boolToInt(prefs.SmartDelivery),
		boolToInt(prefs.DuplicateDetection),
		toMillis(prefs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}
