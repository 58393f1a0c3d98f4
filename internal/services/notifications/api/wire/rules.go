package wire

import (
	"encoding/json"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// Template is the operator-facing template definition.
type Template struct {
	Key                 string          `json:"key"`
	Name                string          `json:"name,omitempty"`
	Description         string          `json:"description,omitempty"`
	TitleTemplate       string          `json:"titleTemplate"`
	MessageTemplate     string          `json:"messageTemplate"`
	DefaultType         string          `json:"defaultType,omitempty"`
	DefaultSeverity     string          `json:"defaultSeverity,omitempty"`
	DefaultCategory     string          `json:"defaultCategory,omitempty"`
	DefaultChannels     []string        `json:"defaultChannels,omitempty"`
	RichContentTemplate json.RawMessage `json:"richContentTemplate,omitempty"`
	Conditions          json.RawMessage `json:"conditions,omitempty"`
	Locale              string          `json:"locale,omitempty"`
	Version             int             `json:"version,omitempty"`
	IsActive            bool            `json:"isActive"`
	UpdatedAt           *time.Time      `json:"updatedAt,omitempty"`
}

// ToDomain converts a template definition. New definitions are active.
func (t Template) ToDomain() (domain.Template, error) {
	channels, err := domain.ParseChannels(t.DefaultChannels)
	if err != nil {
		return domain.Template{}, err
	}
	conditions, err := domain.ParseCondition(t.Conditions)
	if err != nil {
		return domain.Template{}, err
	}
	return domain.Template{
		Key:                 t.Key,
		Name:                t.Name,
		Description:         t.Description,
		TitleTemplate:       t.TitleTemplate,
		MessageTemplate:     t.MessageTemplate,
		DefaultType:         domain.NotificationType(t.DefaultType),
		DefaultSeverity:     domain.Severity(t.DefaultSeverity),
		DefaultCategory:     t.DefaultCategory,
		DefaultChannels:     channels,
		RichContentTemplate: string(t.RichContentTemplate),
		Conditions:          conditions,
		Locale:              t.Locale,
		IsActive:            true,
	}, nil
}

// FromTemplate converts a stored template.
func FromTemplate(t domain.Template) (Template, error) {
	conditions, err := domain.MarshalCondition(t.Conditions)
	if err != nil {
		return Template{}, err
	}
	out := Template{
		Key:             t.Key,
		Name:            t.Name,
		Description:     t.Description,
		TitleTemplate:   t.TitleTemplate,
		MessageTemplate: t.MessageTemplate,
		DefaultType:     string(t.DefaultType),
		DefaultSeverity: string(t.DefaultSeverity),
		DefaultCategory: t.DefaultCategory,
		DefaultChannels: channelNames(t.DefaultChannels),
		Locale:          t.Locale,
		Version:         t.Version,
		IsActive:        t.IsActive,
	}
	if t.RichContentTemplate != "" {
		out.RichContentTemplate = json.RawMessage(t.RichContentTemplate)
	}
	if conditions != "" {
		out.Conditions = json.RawMessage(conditions)
	}
	if !t.UpdatedAt.IsZero() {
		updated := t.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out, nil
}

// Overrides replace template defaults for one trigger.
type Overrides struct {
	Type             string   `json:"type,omitempty"`
	Severity         string   `json:"severity,omitempty"`
	Category         string   `json:"category,omitempty"`
	Subcategory      string   `json:"subcategory,omitempty"`
	Channels         []string `json:"channels,omitempty"`
	ActionURL        string   `json:"actionUrl,omitempty"`
	ExpiresInSeconds int64    `json:"expiresInSeconds,omitempty"`
}

// Target selects trigger recipients.
type Target struct {
	Actor      bool            `json:"actor,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
	UserIDs    []string        `json:"userIds,omitempty"`
	UserPaths  []string        `json:"userPaths,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// FrequencyLimit allows one firing per window.
type FrequencyLimit struct {
	WindowSeconds int64  `json:"windowSeconds"`
	Scope         string `json:"scope,omitempty"`
}

// Trigger is the operator-facing trigger definition.
type Trigger struct {
	Key            string          `json:"key"`
	Name           string          `json:"name,omitempty"`
	EventType      string          `json:"eventType"`
	EntityType     string          `json:"entityType,omitempty"`
	Conditions     json.RawMessage `json:"conditions,omitempty"`
	TemplateKey    string          `json:"templateKey"`
	Overrides      Overrides       `json:"overrides"`
	DelaySeconds   int64           `json:"delaySeconds,omitempty"`
	FrequencyLimit *FrequencyLimit `json:"frequencyLimit,omitempty"`
	Target         Target          `json:"target"`
	Priority       int             `json:"priority"`
	IsActive       bool            `json:"isActive"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty"`
}

// ToDomain converts a trigger definition. New definitions are active.
func (t Trigger) ToDomain() (domain.Trigger, error) {
	channels, err := domain.ParseChannels(t.Overrides.Channels)
	if err != nil {
		return domain.Trigger{}, err
	}
	conditions, err := domain.ParseCondition(t.Conditions)
	if err != nil {
		return domain.Trigger{}, err
	}
	targetConditions, err := domain.ParseCondition(t.Target.Conditions)
	if err != nil {
		return domain.Trigger{}, err
	}
	out := domain.Trigger{
		Key:         t.Key,
		Name:        t.Name,
		EventType:   t.EventType,
		EntityType:  t.EntityType,
		Conditions:  conditions,
		TemplateKey: t.TemplateKey,
		Overrides: domain.Overrides{
			Type:        domain.NotificationType(t.Overrides.Type),
			Severity:    domain.Severity(t.Overrides.Severity),
			Category:    t.Overrides.Category,
			Subcategory: t.Overrides.Subcategory,
			Channels:    channels,
			ActionURL:   t.Overrides.ActionURL,
			ExpiresIn:   time.Duration(t.Overrides.ExpiresInSeconds) * time.Second,
		},
		Delay: time.Duration(t.DelaySeconds) * time.Second,
		Target: domain.Target{
			Actor:      t.Target.Actor,
			Roles:      t.Target.Roles,
			UserIDs:    t.Target.UserIDs,
			UserPaths:  t.Target.UserPaths,
			Conditions: targetConditions,
		},
		Priority: t.Priority,
		IsActive: true,
	}
	if t.FrequencyLimit != nil {
		out.FrequencyLimit = domain.FrequencyLimit{
			Window: time.Duration(t.FrequencyLimit.WindowSeconds) * time.Second,
			Scope:  domain.FrequencyScope(t.FrequencyLimit.Scope),
		}
	}
	return out, nil
}

// FromTrigger converts a stored trigger.
func FromTrigger(t domain.Trigger) (Trigger, error) {
	conditions, err := domain.MarshalCondition(t.Conditions)
	if err != nil {
		return Trigger{}, err
	}
	out := Trigger{
		Key:         t.Key,
		Name:        t.Name,
		EventType:   t.EventType,
		EntityType:  t.EntityType,
		TemplateKey: t.TemplateKey,
		Overrides: Overrides{
			Type:             string(t.Overrides.Type),
			Severity:         string(t.Overrides.Severity),
			Category:         t.Overrides.Category,
			Subcategory:      t.Overrides.Subcategory,
			Channels:         channelNames(t.Overrides.Channels),
			ActionURL:        t.Overrides.ActionURL,
			ExpiresInSeconds: int64(t.Overrides.ExpiresIn / time.Second),
		},
		DelaySeconds: int64(t.Delay / time.Second),
		Target: Target{
			Actor:     t.Target.Actor,
			Roles:     t.Target.Roles,
			UserIDs:   t.Target.UserIDs,
			UserPaths: t.Target.UserPaths,
		},
		Priority: t.Priority,
		IsActive: t.IsActive,
	}
	if conditions != "" {
		out.Conditions = json.RawMessage(conditions)
	}
	targetConditions, err := domain.MarshalCondition(t.Target.Conditions)
	if err != nil {
		return Trigger{}, err
	}
	if targetConditions != "" {
		out.Target.Conditions = json.RawMessage(targetConditions)
	}
	if t.FrequencyLimit.Enabled() {
		out.FrequencyLimit = &FrequencyLimit{
			WindowSeconds: int64(t.FrequencyLimit.Window / time.Second),
			Scope:         string(t.FrequencyLimit.Scope),
		}
	}
	if !t.UpdatedAt.IsZero() {
		updated := t.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out, nil
}

func channelNames(channels []domain.Channel) []string {
	if len(channels) == 0 {
		return nil
	}
	out := make([]string, 0, len(channels))
	for _, channel := range channels {
		out = append(out, string(channel))
	}
	return out
}
