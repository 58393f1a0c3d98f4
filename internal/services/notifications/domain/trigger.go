package domain

import (
	"sort"
	"strings"
	"time"
)

// FrequencyScope selects what a frequency limit counts against.
type FrequencyScope string

const (
	// FrequencyPerEntity limits firings per (trigger, user, entity).
	FrequencyPerEntity FrequencyScope = "entity"
	// FrequencyPerUser limits firings per (trigger, user).
	FrequencyPerUser FrequencyScope = "user"
)

// FrequencyLimit allows at most one firing per window.
type FrequencyLimit struct {
	Window time.Duration
	Scope  FrequencyScope
}

// Enabled reports whether the limit applies.
func (f FrequencyLimit) Enabled() bool {
	return f.Window > 0
}

// Overrides replace template defaults for one trigger.
type Overrides struct {
	Type        NotificationType
	Severity    Severity
	Category    string
	Subcategory string
	Channels    []Channel
	ActionURL   string
	ExpiresIn   time.Duration
}

// Target selects the recipients of a trigger's notification. An empty target
// addresses the acting user. Conditions filter the selected recipients; they
// see the event document plus recipient.userId, recipient.isActor and
// recipient.roles (the target roles that selected the user).
type Target struct {
	Actor      bool
	Roles      []string
	UserIDs    []string
	UserPaths  []string
	Conditions Condition
}

// IsZero reports whether no recipient selector is set.
func (t Target) IsZero() bool {
	return !t.Actor && len(t.Roles) == 0 && len(t.UserIDs) == 0 && len(t.UserPaths) == 0
}

// Trigger binds an event pattern to a template.
type Trigger struct {
	Key            string
	Name           string
	EventType      string
	EntityType     string
	Conditions     Condition
	TemplateKey    string
	Overrides      Overrides
	Delay          time.Duration
	FrequencyLimit FrequencyLimit
	Target         Target
	Priority       int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeTrigger validates a trigger definition before it is stored.
func NormalizeTrigger(trigger Trigger) (Trigger, error) {
	trigger.Key = strings.TrimSpace(trigger.Key)
	trigger.Name = strings.TrimSpace(trigger.Name)
	trigger.EventType = strings.TrimSpace(trigger.EventType)
	trigger.EntityType = strings.TrimSpace(trigger.EntityType)
	trigger.TemplateKey = strings.TrimSpace(trigger.TemplateKey)
	trigger.Overrides.Category = strings.TrimSpace(trigger.Overrides.Category)
	trigger.Overrides.Subcategory = strings.TrimSpace(trigger.Overrides.Subcategory)
	trigger.Overrides.ActionURL = strings.TrimSpace(trigger.Overrides.ActionURL)
	if trigger.Key == "" {
		return Trigger{}, NewValidationError("key", "is required")
	}
	if trigger.Name == "" {
		trigger.Name = trigger.Key
	}
	if trigger.EventType == "" {
		return Trigger{}, NewValidationError("eventType", "is required")
	}
	if trigger.TemplateKey == "" {
		return Trigger{}, NewValidationError("templateKey", "is required")
	}
	if trigger.Delay < 0 {
		return Trigger{}, NewValidationError("delay", "must not be negative")
	}
	if trigger.Overrides.ExpiresIn < 0 {
		return Trigger{}, NewValidationError("overrides.expiresIn", "must not be negative")
	}
	if trigger.FrequencyLimit.Window < 0 {
		return Trigger{}, NewValidationError("frequencyLimit.window", "must not be negative")
	}
	switch trigger.FrequencyLimit.Scope {
	case "":
		trigger.FrequencyLimit.Scope = FrequencyPerEntity
	case FrequencyPerEntity, FrequencyPerUser:
	default:
		return Trigger{}, NewValidationError("frequencyLimit.scope", "unknown scope "+quote(string(trigger.FrequencyLimit.Scope)))
	}
	if trigger.Overrides.Type != "" {
		parsed, err := ParseNotificationType(string(trigger.Overrides.Type))
		if err != nil {
			return Trigger{}, err
		}
		trigger.Overrides.Type = parsed
	}
	if trigger.Overrides.Severity != "" {
		parsed, err := ParseSeverity(string(trigger.Overrides.Severity))
		if err != nil {
			return Trigger{}, err
		}
		trigger.Overrides.Severity = parsed
	}
	trigger.Target.Roles = trimNonEmpty(trigger.Target.Roles)
	trigger.Target.UserIDs = trimNonEmpty(trigger.Target.UserIDs)
	trigger.Target.UserPaths = trimNonEmpty(trigger.Target.UserPaths)
	for _, path := range trigger.Target.UserPaths {
		if err := validateField(path); err != nil {
			return Trigger{}, NewValidationError("target.userPaths", err.Error())
		}
	}
	if err := ValidateCondition(trigger.Conditions); err != nil {
		return Trigger{}, err
	}
	if err := ValidateCondition(trigger.Target.Conditions); err != nil {
		return Trigger{}, err
	}
	return trigger, nil
}

// Matches reports whether the trigger listens to the event's action and entity type.
func (t Trigger) Matches(event Event) bool {
	if !t.IsActive || t.EventType != event.Action {
		return false
	}
	return t.EntityType == "" || t.EntityType == event.Entity.Type
}

// FrequencyEntityKey returns the key a firing is counted under for event.
func (t Trigger) FrequencyEntityKey(event Event) string {
	if t.FrequencyLimit.Scope == FrequencyPerUser {
		return "*"
	}
	return event.Entity.Type + ":" + event.Entity.ID
}

// SortTriggers orders triggers by priority descending, then key ascending.
func SortTriggers(triggers []Trigger) {
	sort.SliceStable(triggers, func(i, j int) bool {
		if triggers[i].Priority != triggers[j].Priority {
			return triggers[i].Priority > triggers[j].Priority
		}
		return triggers[i].Key < triggers[j].Key
	})
}

// FiringClaim reserves a trigger's frequency window for one recipient.
type FiringClaim struct {
	TriggerKey string
	UserID     string
	EntityKey  string
	Window     time.Duration
}

func trimNonEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
