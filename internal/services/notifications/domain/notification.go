package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Notification is one user-facing message.
type Notification struct {
	ID            string
	UserID        string
	Type          NotificationType
	Severity      Severity
	Title         string
	Message       string
	Category      string
	Subcategory   string
	Source        string
	RelatedEntity EntityRef
	ParentID      string
	ActionURL     string
	ActionData    string
	Channels      []Channel
	ChannelStatus map[Channel]DeliveryStatus
	IsRead        bool
	ReadAt        *time.Time
	IsArchived    bool
	ArchivedAt    *time.Time
	IsPinned      bool
	PinnedAt      *time.Time
	ScheduledFor  *time.Time
	ExpiresAt     *time.Time
	RichContent   string
	Metadata      string
	GroupKey      string
	DedupeKey     string
	TriggerKey    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the notification is past its expiry at now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// NotificationPage is a paged inbox view.
type NotificationPage struct {
	Notifications []Notification
	NextPageToken string
}

// ReadState filters notifications by read flag.
type ReadState string

const (
	ReadAny    ReadState = ""
	ReadOnly   ReadState = "read"
	UnreadOnly ReadState = "unread"
)

// ListQuery filters an inbox listing. Archived, expired and not yet
// scheduled notifications are excluded unless requested.
type ListQuery struct {
	UserID          string
	Category        string
	Severity        Severity
	ReadState       ReadState
	PinnedOnly      bool
	IncludeArchived bool
	ArchivedOnly    bool
	Now             time.Time
	PageSize        int
	PageToken       string
}

// Group aggregates notifications about one entity and category.
type Group struct {
	UserID              string
	GroupKey            string
	GroupType           string
	Title               string
	Description         string
	RelatedEntity       EntityRef
	TotalNotifications  int
	UnreadNotifications int
	IsCollapsed         bool
	LastActivityAt      time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// GroupKeyFor returns "entityType:entityId:category", or "" without an entity.
func GroupKeyFor(entity EntityRef, category string) string {
	if entity.IsZero() {
		return ""
	}
	return strings.TrimSpace(entity.Type) + ":" + strings.TrimSpace(entity.ID) + ":" + strings.TrimSpace(category)
}

// contentDedupeKey identifies identical content for one entity within an hour.
func contentDedupeKey(title, message string, entity EntityRef, at time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		title, message, entity.Type, entity.ID, at.UTC().Truncate(time.Hour).Format(time.RFC3339),
	}, "\x1f")))
	return "content:" + hex.EncodeToString(sum[:12])
}
