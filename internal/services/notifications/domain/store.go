package domain

import (
	"context"
	"time"
)

// NotificationBundle is persisted atomically when a notification is created.
// When Firing is set the store claims the frequency window first and returns
// ErrConflict, writing nothing, if the window is already taken.
type NotificationBundle struct {
	Notification  Notification
	InAppDelivery DeliveryLogEntry
	Jobs          []QueueJob
	// DisplaceNotificationID names a notification whose pending jobs are
	// cancelled to make room under the daily cap.
	DisplaceNotificationID string
	Group                  *Group
	Firing                 *FiringClaim
}

// InboxStore persists notifications and their groups.
type InboxStore interface {
	CreateNotification(ctx context.Context, bundle NotificationBundle) error
	GetNotification(ctx context.Context, userID string, notificationID string) (Notification, error)
	GetNotificationByDedupeKey(ctx context.Context, userID string, dedupeKey string) (Notification, error)
	ListNotifications(ctx context.Context, query ListQuery) (NotificationPage, error)
	CountUnreadNotifications(ctx context.Context, userID string, now time.Time) (int, error)
	MarkNotificationRead(ctx context.Context, userID string, notificationID string, readAt time.Time) (Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error)
	SetNotificationArchived(ctx context.Context, userID string, notificationID string, archived bool, at time.Time) (Notification, error)
	SetNotificationPinned(ctx context.Context, userID string, notificationID string, pinned bool, at time.Time) (Notification, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error)
	ArchiveReadNotifications(ctx context.Context, readBefore time.Time, now time.Time) (int, error)
	ListGroups(ctx context.Context, userID string) ([]Group, error)
	SetGroupCollapsed(ctx context.Context, userID string, groupKey string, collapsed bool, at time.Time) (Group, error)
}

// QueueLimitStore answers the daily-cap and cancellation questions asked
// while scheduling delivery jobs.
type QueueLimitStore interface {
	CountQueuedNotificationsSince(ctx context.Context, userID string, since time.Time) (int, error)
	LowestDisplaceableSince(ctx context.Context, userID string, since time.Time) (QueuedNotification, error)
	DeletePendingJobs(ctx context.Context, notificationID string) (int, error)
}

// QueuedNotification is a notification holding external jobs, with the
// priority its jobs were queued at.
type QueuedNotification struct {
	NotificationID string
	Priority       int
}

// PreferenceStore persists per-user preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
	PutPreferences(ctx context.Context, prefs Preferences) error
}

// RuleStore persists templates and triggers.
type RuleStore interface {
	PutTemplate(ctx context.Context, tpl Template) (Template, error)
	GetTemplate(ctx context.Context, key string) (Template, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]Template, error)
	SetTemplateActive(ctx context.Context, key string, active bool, at time.Time) (Template, error)
	PutTrigger(ctx context.Context, trigger Trigger) (Trigger, error)
	GetTrigger(ctx context.Context, key string) (Trigger, error)
	ListTriggers(ctx context.Context, activeOnly bool) ([]Trigger, error)
	ListTriggersForEvent(ctx context.Context, eventType string, entityType string) ([]Trigger, error)
	SetTriggerActive(ctx context.Context, key string, active bool, at time.Time) (Trigger, error)
}

// DirectoryStore resolves recipients and their contact points.
type DirectoryStore interface {
	PutContact(ctx context.Context, contact Contact) error
	GetContact(ctx context.Context, userID string) (Contact, error)
	ListUserIDsByRole(ctx context.Context, role string) ([]string, error)
	PutDeviceToken(ctx context.Context, token DeviceToken) error
	ListDeviceTokens(ctx context.Context, userID string) ([]DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}

// Store is the full persistence boundary of the notification domain.
type Store interface {
	InboxStore
	QueueLimitStore
	PreferenceStore
	RuleStore
	DirectoryStore
}

// Cache is the shared cache handle used for preferences lookups.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
}

// Publisher pushes newly visible notifications to connected clients.
type Publisher interface {
	Publish(ctx context.Context, notification Notification)
}
