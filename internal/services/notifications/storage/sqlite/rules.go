package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

const templateColumns = `template_key, name, description, title_template, message_template, default_type,
default_severity, default_category, default_channels_json, rich_content_template, conditions_json, locale,
version, is_active, created_at, updated_at`

const triggerColumns = `trigger_key, name, event_type, entity_type, conditions_json, template_key, overrides_json,
delay_ms, frequency_window_ms, frequency_scope, target_json, priority, is_active, created_at, updated_at`

type overridesRecord struct {
	Type        string   `json:"type,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Category    string   `json:"category,omitempty"`
	Subcategory string   `json:"subcategory,omitempty"`
	Channels    []string `json:"channels,omitempty"`
	ActionURL   string   `json:"actionUrl,omitempty"`
	ExpiresInMs int64    `json:"expiresInMs,omitempty"`
}

type targetRecord struct {
	Actor      bool            `json:"actor,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
	UserIDs    []string        `json:"userIds,omitempty"`
	UserPaths  []string        `json:"userPaths,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

func targetToRecord(target domain.Target) (targetRecord, error) {
	conditions, err := domain.MarshalCondition(target.Conditions)
	if err != nil {
		return targetRecord{}, err
	}
	rec := targetRecord{
		Actor:     target.Actor,
		Roles:     target.Roles,
		UserIDs:   target.UserIDs,
		UserPaths: target.UserPaths,
	}
	if conditions != "" {
		rec.Conditions = json.RawMessage(conditions)
	}
	return rec, nil
}

func targetFromRecord(rec targetRecord) (domain.Target, error) {
	conditions, err := domain.ParseCondition(rec.Conditions)
	if err != nil {
		return domain.Target{}, err
	}
	return domain.Target{
		Actor:      rec.Actor,
		Roles:      rec.Roles,
		UserIDs:    rec.UserIDs,
		UserPaths:  rec.UserPaths,
		Conditions: conditions,
	}, nil
}

// PutTemplate inserts a template or replaces its body, bumping the version.
func (s *Store) PutTemplate(ctx context.Context, tpl domain.Template) (domain.Template, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Template{}, err
	}
	channels, err := encodeJSON(tpl.DefaultChannels, "template channels")
	if err != nil {
		return domain.Template{}, err
	}
	conditions, err := domain.MarshalCondition(tpl.Conditions)
	if err != nil {
		return domain.Template{}, err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_templates (`+templateColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(template_key) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	title_template = excluded.title_template,
	message_template = excluded.message_template,
	default_type = excluded.default_type,
	default_severity = excluded.default_severity,
	default_category = excluded.default_category,
	default_channels_json = excluded.default_channels_json,
	rich_content_template = excluded.rich_content_template,
	conditions_json = excluded.conditions_json,
	locale = excluded.locale,
	version = notification_templates.version + 1,
	is_active = excluded.is_active,
	updated_at = excluded.updated_at
`,
		tpl.Key,
		tpl.Name,
		tpl.Description,
		tpl.TitleTemplate,
		tpl.MessageTemplate,
		tpl.DefaultType,
		tpl.DefaultSeverity,
		tpl.DefaultCategory,
		channels,
		tpl.RichContentTemplate,
		conditions,
		tpl.Locale,
		boolToInt(tpl.IsActive),
		toMillis(tpl.CreatedAt),
		toMillis(tpl.UpdatedAt),
	)
	if err != nil {
		return domain.Template{}, fmt.Errorf("put template: %w", err)
	}
	return s.GetTemplate(ctx, tpl.Key)
}

// GetTemplate loads one template by key.
func (s *Store) GetTemplate(ctx context.Context, key string) (domain.Template, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Template{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM notification_templates WHERE template_key = ?`, key)
	tpl, err := scanTemplate(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Template{}, &domain.NotFoundError{Kind: "template", Key: key}
		}
		return domain.Template{}, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// ListTemplates lists templates ordered by key.
func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + templateColumns + ` FROM notification_templates`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	rows, err := s.sqlDB.QueryContext(ctx, query+` ORDER BY template_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	templates := make([]domain.Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return templates, nil
}

// SetTemplateActive toggles whether triggers may use a template.
func (s *Store) SetTemplateActive(ctx context.Context, key string, active bool, at time.Time) (domain.Template, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Template{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notification_templates SET is_active = ?, updated_at = ? WHERE template_key = ?
`, boolToInt(active), toMillis(at), key)
	if err != nil {
		return domain.Template{}, fmt.Errorf("set template active: %w", err)
	}
	affected, err := rowsAffected(result, "set template active")
	if err != nil {
		return domain.Template{}, err
	}
	if affected == 0 {
		return domain.Template{}, &domain.NotFoundError{Kind: "template", Key: key}
	}
	return s.GetTemplate(ctx, key)
}

func scanTemplate(scan scanner) (domain.Template, error) {
	var (
		tpl                  domain.Template
		channels, conditions string
		active               int
		createdAt, updatedAt int64
	)
	if err := scan(
		&tpl.Key,
		&tpl.Name,
		&tpl.Description,
		&tpl.TitleTemplate,
		&tpl.MessageTemplate,
		&tpl.DefaultType,
		&tpl.DefaultSeverity,
		&tpl.DefaultCategory,
		&channels,
		&tpl.RichContentTemplate,
		&conditions,
		&tpl.Locale,
		&tpl.Version,
		&active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Template{}, err
	}
	if err := decodeJSON(channels, &tpl.DefaultChannels, "template channels"); err != nil {
		return domain.Template{}, err
	}
	condition, err := domain.ParseCondition([]byte(conditions))
	if err != nil {
		return domain.Template{}, fmt.Errorf("decode template %s conditions: %w", tpl.Key, err)
	}
	tpl.Conditions = condition
	tpl.IsActive = active == 1
	tpl.CreatedAt = fromMillis(createdAt)
	tpl.UpdatedAt = fromMillis(updatedAt)
	return tpl, nil
}

// PutTrigger inserts or replaces a trigger. The referenced template must exist.
func (s *Store) PutTrigger(ctx context.Context, trigger domain.Trigger) (domain.Trigger, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Trigger{}, err
	}
	conditions, err := domain.MarshalCondition(trigger.Conditions)
	if err != nil {
		return domain.Trigger{}, err
	}
	overrides, err := encodeJSON(overridesToRecord(trigger.Overrides), "trigger overrides")
	if err != nil {
		return domain.Trigger{}, err
	}
	targetRec, err := targetToRecord(trigger.Target)
	if err != nil {
		return domain.Trigger{}, err
	}
	target, err := encodeJSON(targetRec, "trigger target")
	if err != nil {
		return domain.Trigger{}, err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_triggers (`+triggerColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trigger_key) DO UPDATE SET
	name = excluded.name,
	event_type = excluded.event_type,
	entity_type = excluded.entity_type,
	conditions_json = excluded.conditions_json,
	template_key = excluded.template_key,
	overrides_json = excluded.overrides_json,
	delay_ms = excluded.delay_ms,
	frequency_window_ms = excluded.frequency_window_ms,
	frequency_scope = excluded.frequency_scope,
	target_json = excluded.target_json,
	priority = excluded.priority,
	is_active = excluded.is_active,
	updated_at = excluded.updated_at
`,
		trigger.Key,
		trigger.Name,
		trigger.EventType,
		trigger.EntityType,
		conditions,
		trigger.TemplateKey,
		overrides,
		trigger.Delay.Milliseconds(),
		trigger.FrequencyLimit.Window.Milliseconds(),
		trigger.FrequencyLimit.Scope,
		target,
		trigger.Priority,
		boolToInt(trigger.IsActive),
		toMillis(trigger.CreatedAt),
		toMillis(trigger.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return domain.Trigger{}, &domain.NotFoundError{Kind: "template", Key: trigger.TemplateKey}
		}
		return domain.Trigger{}, fmt.Errorf("put trigger: %w", err)
	}
	return s.GetTrigger(ctx, trigger.Key)
}

// GetTrigger loads one trigger by key.
func (s *Store) GetTrigger(ctx context.Context, key string) (domain.Trigger, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Trigger{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM notification_triggers WHERE trigger_key = ?`, key)
	trigger, err := scanTrigger(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Trigger{}, &domain.NotFoundError{Kind: "trigger", Key: key}
		}
		return domain.Trigger{}, fmt.Errorf("get trigger: %w", err)
	}
	return trigger, nil
}

// ListTriggers lists triggers by priority descending, then key.
func (s *Store) ListTriggers(ctx context.Context, activeOnly bool) ([]domain.Trigger, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + triggerColumns + ` FROM notification_triggers`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	return s.queryTriggers(ctx, query+` ORDER BY priority DESC, trigger_key ASC`)
}

// ListTriggersForEvent lists active triggers listening to eventType for
// entityType or for any entity.
func (s *Store) ListTriggersForEvent(ctx context.Context, eventType string, entityType string) ([]domain.Trigger, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryTriggers(ctx, `
SELECT `+triggerColumns+`
FROM notification_triggers
WHERE is_active = 1 AND event_type = ? AND (entity_type = '' OR entity_type = ?)
ORDER BY priority DESC, trigger_key ASC
`, strings.TrimSpace(eventType), strings.TrimSpace(entityType))
}

func (s *Store) queryTriggers(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	triggers := make([]domain.Trigger, 0)
	for rows.Next() {
		trigger, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return triggers, nil
}

// SetTriggerActive toggles whether a trigger fires.
func (s *Store) SetTriggerActive(ctx context.Context, key string, active bool, at time.Time) (domain.Trigger, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Trigger{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notification_triggers SET is_active = ?, updated_at = ? WHERE trigger_key = ?
`, boolToInt(active), toMillis(at), key)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("set trigger active: %w", err)
	}
	affected, err := rowsAffected(result, "set trigger active")
	if err != nil {
		return domain.Trigger{}, err
	}
	if affected == 0 {
		return domain.Trigger{}, &domain.NotFoundError{Kind: "trigger", Key: key}
	}
	return s.GetTrigger(ctx, key)
}

func scanTrigger(scan scanner) (domain.Trigger, error) {
	var (
		trigger                       domain.Trigger
		conditions, overrides, target string
		delayMs, windowMs             int64
		active                        int
		createdAt, updatedAt          int64
	)
	if err := scan(
		&trigger.Key,
		&trigger.Name,
		&trigger.EventType,
		&trigger.EntityType,
		&conditions,
		&trigger.TemplateKey,
		&overrides,
		&delayMs,
		&windowMs,
		&trigger.FrequencyLimit.Scope,
		&target,
		&trigger.Priority,
		&active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Trigger{}, err
	}
	condition, err := domain.ParseCondition([]byte(conditions))
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("decode trigger %s conditions: %w", trigger.Key, err)
	}
	trigger.Conditions = condition
	var overridesRec overridesRecord
	if err := decodeJSON(overrides, &overridesRec, "trigger overrides"); err != nil {
		return domain.Trigger{}, err
	}
	trigger.Overrides = overridesFromRecord(overridesRec)
	var targetRec targetRecord
	if err := decodeJSON(target, &targetRec, "trigger target"); err != nil {
		return domain.Trigger{}, err
	}
	if trigger.Target, err = targetFromRecord(targetRec); err != nil {
		return domain.Trigger{}, fmt.Errorf("decode trigger %s target conditions: %w", trigger.Key, err)
	}
	trigger.Delay = time.Duration(delayMs) * time.Millisecond
	trigger.FrequencyLimit.Window = time.Duration(windowMs) * time.Millisecond
	trigger.IsActive = active == 1
	trigger.CreatedAt = fromMillis(createdAt)
	trigger.UpdatedAt = fromMillis(updatedAt)
	return trigger, nil
}

func overridesToRecord(overrides domain.Overrides) overridesRecord {
	channels := make([]string, 0, len(overrides.Channels))
	for _, channel := range overrides.Channels {
		channels = append(channels, string(channel))
	}
	return overridesRecord{
		Type:        string(overrides.Type),
		Severity:    string(overrides.Severity),
		Category:    overrides.Category,
		Subcategory: overrides.Subcategory,
		Channels:    channels,
		ActionURL:   overrides.ActionURL,
		ExpiresInMs: overrides.ExpiresIn.Milliseconds(),
	}
}

func overridesFromRecord(record overridesRecord) domain.Overrides {
	var channels []domain.Channel
	for _, channel := range record.Channels {
		channels = append(channels, domain.Channel(channel))
	}
	return domain.Overrides{
		Type:        domain.NotificationType(record.Type),
		Severity:    domain.Severity(record.Severity),
		Category:    record.Category,
		Subcategory: record.Subcategory,
		Channels:    channels,
		ActionURL:   record.ActionURL,
		ExpiresIn:   time.Duration(record.ExpiresInMs) * time.Millisecond,
	}
}
