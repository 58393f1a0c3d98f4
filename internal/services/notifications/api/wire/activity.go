package wire

import (
	"encoding/json"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// Event is one user action reported by the surrounding application.
type Event struct {
	UserID           string         `json:"userId"`
	SessionID        string         `json:"sessionId,omitempty"`
	Action           string         `json:"action"`
	EntityType       string         `json:"entityType"`
	EntityID         string         `json:"entityId,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Changes          map[string]any `json:"changes,omitempty"`
	PreviousState    map[string]any `json:"previousState,omitempty"`
	NewState         map[string]any `json:"newState,omitempty"`
	IPAddress        string         `json:"ipAddress,omitempty"`
	UserAgent        string         `json:"userAgent,omitempty"`
	DeviceType       string         `json:"deviceType,omitempty"`
	ProcessingTimeMS int64          `json:"processingTimeMs,omitempty"`
	Failed           bool           `json:"failed,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
}

// ToDomain converts the event.
func (e Event) ToDomain() domain.Event {
	return domain.Event{
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		Action:        e.Action,
		Entity:        domain.EntityRef{Type: e.EntityType, ID: e.EntityID},
		Context:       e.Context,
		Changes:       e.Changes,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		Environment: domain.Environment{
			IPAddress:  e.IPAddress,
			UserAgent:  e.UserAgent,
			DeviceType: e.DeviceType,
		},
		ProcessingTime: time.Duration(e.ProcessingTimeMS) * time.Millisecond,
		Failed:         e.Failed,
		ErrorMessage:   e.ErrorMessage,
	}
}

// IngestResult acknowledges a recorded event.
type IngestResult struct {
	ActivityID      string   `json:"activityId,omitempty"`
	NotificationIDs []string `json:"notificationIds"`
	Queued          bool     `json:"queued,omitempty"`
}

// ActivityEntry is one activity log row.
type ActivityEntry struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"userId"`
	SessionID              string          `json:"sessionId,omitempty"`
	Action                 string          `json:"action"`
	Entity                 EntityRef       `json:"entity"`
	Context                json.RawMessage `json:"context,omitempty"`
	Changes                json.RawMessage `json:"changes,omitempty"`
	Success                bool            `json:"success"`
	ErrorMessage           string          `json:"errorMessage,omitempty"`
	TriggeredNotifications []string        `json:"triggeredNotifications,omitempty"`
	NotificationCount      int             `json:"notificationCount"`
	CreatedAt              time.Time       `json:"createdAt"`
}

// FromActivity converts activity rows, never returning nil.
func FromActivity(entries []domain.ActivityEntry) []ActivityEntry {
	out := make([]ActivityEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ActivityEntry{
			ID:                     e.ID,
			UserID:                 e.UserID,
			SessionID:              e.SessionID,
			Action:                 e.Action,
			Entity:                 EntityRef{Type: e.Entity.Type, ID: e.Entity.ID},
			Context:                rawJSON(e.ContextJSON),
			Changes:                rawJSON(e.ChangesJSON),
			Success:                e.Success,
			ErrorMessage:           e.ErrorMessage,
			TriggeredNotifications: e.TriggeredNotifications,
			NotificationCount:      e.NotificationCount,
			CreatedAt:              e.CreatedAt,
		})
	}
	return out
}

// MetricsPartition is one day of delivery metrics.
type MetricsPartition struct {
	Date              string         `json:"date"`
	Sent              int            `json:"sent"`
	Delivered         int            `json:"delivered"`
	Opened            int            `json:"opened"`
	Clicked           int            `json:"clicked"`
	Failed            int            `json:"failed"`
	Bounced           int            `json:"bounced"`
	ByCategory        map[string]int `json:"byCategory,omitempty"`
	ByChannel         map[string]int `json:"byChannel,omitempty"`
	ActiveUsers       int            `json:"activeUsers"`
	AvgTimeToReadMS   int64          `json:"avgTimeToReadMs"`
	AvgDeliveryTimeMS int64          `json:"avgDeliveryTimeMs"`
	BounceRate        float64        `json:"bounceRate"`
	ClickThroughRate  float64        `json:"clickThroughRate"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// FromMetrics converts partitions, never returning nil.
func FromMetrics(partitions []domain.MetricsPartition) []MetricsPartition {
	out := make([]MetricsPartition, 0, len(partitions))
	for _, m := range partitions {
		item := MetricsPartition{
			Date:              m.Date,
			Sent:              m.Sent,
			Delivered:         m.Delivered,
			Opened:            m.Opened,
			Clicked:           m.Clicked,
			Failed:            m.Failed,
			Bounced:           m.Bounced,
			ByCategory:        m.ByCategory,
			ActiveUsers:       m.ActiveUsers,
			AvgTimeToReadMS:   m.AvgTimeToRead.Milliseconds(),
			AvgDeliveryTimeMS: m.AvgDeliveryTime.Milliseconds(),
			BounceRate:        m.BounceRate,
			ClickThroughRate:  m.ClickThroughRate,
			UpdatedAt:         m.UpdatedAt,
		}
		if len(m.ByChannel) > 0 {
			item.ByChannel = make(map[string]int, len(m.ByChannel))
			for channel, count := range m.ByChannel {
				item.ByChannel[string(channel)] = count
			}
		}
		out = append(out, item)
	}
	return out
}

// Send is a direct notification request addressed to explicit users.
type Send struct {
	UserIDs       []string        `json:"userIds"`
	Type          string          `json:"type,omitempty"`
	Severity      string          `json:"severity,omitempty"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Category      string          `json:"category,omitempty"`
	Subcategory   string          `json:"subcategory,omitempty"`
	Source        string          `json:"source,omitempty"`
	RelatedEntity *EntityRef      `json:"relatedEntity,omitempty"`
	ActionURL     string          `json:"actionUrl,omitempty"`
	Channels      []string        `json:"channels,omitempty"`
	ScheduledFor  *time.Time      `json:"scheduledFor,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	RichContent   json.RawMessage `json:"richContent,omitempty"`
	DedupeKey     string          `json:"dedupeKey,omitempty"`
}

// Drafts expands the request into one draft per recipient.
func (s Send) Drafts() ([]domain.Draft, error) {
	if len(s.UserIDs) == 0 {
		return nil, domain.NewValidationError("userIds", "is required")
	}
	channels, err := domain.ParseChannels(s.Channels)
	if err != nil {
		return nil, err
	}
	drafts := make([]domain.Draft, 0, len(s.UserIDs))
	for _, userID := range s.UserIDs {
		draft := domain.Draft{
			UserID:       userID,
			Type:         domain.NotificationType(s.Type),
			Severity:     domain.Severity(s.Severity),
			Title:        s.Title,
			Message:      s.Message,
			Category:     s.Category,
			Subcategory:  s.Subcategory,
			Source:       s.Source,
			ActionURL:    s.ActionURL,
			Channels:     channels,
			ScheduledFor: s.ScheduledFor,
			ExpiresAt:    s.ExpiresAt,
			DedupeKey:    s.DedupeKey,
		}
		if s.RelatedEntity != nil {
			draft.RelatedEntity = domain.EntityRef{Type: s.RelatedEntity.Type, ID: s.RelatedEntity.ID}
		}
		if len(s.RichContent) > 0 {
			draft.RichContent = string(s.RichContent)
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// Engagement is a provider open or click callback.
type Engagement struct {
	DeliveryID string     `json:"deliveryId"`
	Kind       string     `json:"kind"`
	At         *time.Time `json:"at,omitempty"`
}

// Error is the JSON error body.
type Error struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func rawJSON(value string) json.RawMessage {
	if value == "" || !json.Valid([]byte(value)) {
		return nil
	}
	return json.RawMessage(value)
}
