// Package wire holds the JSON shapes the notification service exposes to
// clients over HTTP and the realtime feed.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// Notification is the outbound notification contract.
type Notification struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Severity      string            `json:"severity"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Category      string            `json:"category"`
	Subcategory   string            `json:"subcategory,omitempty"`
	ActionURL     string            `json:"actionUrl,omitempty"`
	RichContent   json.RawMessage   `json:"richContent,omitempty"`
	RelatedEntity *EntityRef        `json:"relatedEntity,omitempty"`
	GroupKey      string            `json:"groupKey,omitempty"`
	ChannelStatus map[string]string `json:"channelStatus,omitempty"`
	IsRead        bool              `json:"isRead"`
	IsArchived    bool              `json:"isArchived,omitempty"`
	IsPinned      bool              `json:"isPinned"`
	ReadAt        *time.Time        `json:"readAt,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// EntityRef names the record a notification is about.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// FromNotification converts a domain notification to its wire form.
func FromNotification(n domain.Notification) Notification {
	out := Notification{
		ID:          n.ID,
		Type:        string(n.Type),
		Severity:    string(n.Severity),
		Title:       n.Title,
		Message:     n.Message,
		Category:    n.Category,
		Subcategory: n.Subcategory,
		ActionURL:   n.ActionURL,
		GroupKey:    n.GroupKey,
		IsRead:      n.IsRead,
		IsArchived:  n.IsArchived,
		IsPinned:    n.IsPinned,
		ReadAt:      n.ReadAt,
		ExpiresAt:   n.ExpiresAt,
		CreatedAt:   n.CreatedAt,
	}
	if rich := strings.TrimSpace(n.RichContent); rich != "" && json.Valid([]byte(rich)) {
		out.RichContent = json.RawMessage(rich)
	}
	if !n.RelatedEntity.IsZero() {
		out.RelatedEntity = &EntityRef{Type: n.RelatedEntity.Type, ID: n.RelatedEntity.ID}
	}
	if len(n.ChannelStatus) > 0 {
		out.ChannelStatus = make(map[string]string, len(n.ChannelStatus))
		for channel, status := range n.ChannelStatus {
			out.ChannelStatus[string(channel)] = string(status)
		}
	}
	return out
}

// FromNotifications converts a slice, never returning nil.
func FromNotifications(items []domain.Notification) []Notification {
	out := make([]Notification, 0, len(items))
	for _, n := range items {
		out = append(out, FromNotification(n))
	}
	return out
}

// FeedEvent is one realtime feed message.
type FeedEvent struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	UnreadCount  *int          `json:"unreadCount,omitempty"`
}

// EventNotificationCreated announces a newly visible notification.
const EventNotificationCreated = "notification.created"
