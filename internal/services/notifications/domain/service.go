package domain

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/platform/id"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	preferencesCacheNamespace = "prefs"
	defaultCacheTTL           = 5 * time.Minute
)

// Options wires optional collaborators into Service.
type Options struct {
	Clock       func() time.Time
	NewID       func() (string, error)
	Cache       Cache
	CacheTTL    time.Duration
	Publisher   Publisher
	MaxAttempts int
}

// Service orchestrates the notification lifecycle: creation through the
// preferences gate, inbox state changes and rule management.
type Service struct {
	store       Store
	clock       func() time.Time
	newID       func() (string, error)
	cache       Cache
	cacheTTL    time.Duration
	publisher   Publisher
	maxAttempts int
}

// NewService constructs notification domain use-cases.
func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = id.NewID
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{
		store:       store,
		clock:       opts.Clock,
		newID:       opts.NewID,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		publisher:   opts.Publisher,
		maxAttempts: opts.MaxAttempts,
	}
}

// Get returns one notification owned by userID.
func (s *Service) Get(ctx context.Context, userID string, notificationID string) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	userID, notificationID, err := requireOwnership(userID, notificationID)
	if err != nil {
		return Notification{}, err
	}
	return s.store.GetNotification(ctx, userID, notificationID)
}

// List returns one page of a user's active inbox.
func (s *Service) List(ctx context.Context, query ListQuery) (NotificationPage, error) {
	if s == nil || s.store == nil {
		return NotificationPage{}, ErrStoreNotConfigured
	}
	query.UserID = strings.TrimSpace(query.UserID)
	query.Category = strings.TrimSpace(query.Category)
	query.PageToken = strings.TrimSpace(query.PageToken)
	if query.UserID == "" {
		return NotificationPage{}, NewValidationError("userId", "is required")
	}
	if query.Severity != "" {
		severity, err := ParseSeverity(string(query.Severity))
		if err != nil {
			return NotificationPage{}, err
		}
		query.Severity = severity
	}
	switch query.ReadState {
	case ReadAny, ReadOnly, UnreadOnly:
	default:
		return NotificationPage{}, NewValidationError("read", "must be read or unread")
	}
	if query.PageSize <= 0 {
		query.PageSize = defaultPageSize
	}
	if query.PageSize > maxPageSize {
		query.PageSize = maxPageSize
	}
	if query.ArchivedOnly {
		query.IncludeArchived = true
	}
	query.Now = s.nowUTC()
	return s.store.ListNotifications(ctx, query)
}

// UnreadCount counts active unread notifications.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, NewValidationError("userId", "is required")
	}
	return s.store.CountUnreadNotifications(ctx, userID, s.nowUTC())
}

// MarkRead marks one notification read. Marking an already-read
// notification returns it unchanged.
func (s *Service) MarkRead(ctx context.Context, userID string, notificationID string) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	userID, notificationID, err := requireOwnership(userID, notificationID)
	if err != nil {
		return Notification{}, err
	}
	return s.store.MarkNotificationRead(ctx, userID, notificationID, s.nowUTC())
}

// MarkAllRead marks every unread notification of userID read and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, NewValidationError("userId", "is required")
	}
	return s.store.MarkAllNotificationsRead(ctx, userID, s.nowUTC())
}

// SetArchived archives or restores one notification.
func (s *Service) SetArchived(ctx context.Context, userID string, notificationID string, archived bool) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	userID, notificationID, err := requireOwnership(userID, notificationID)
	if err != nil {
		return Notification{}, err
	}
	return s.store.SetNotificationArchived(ctx, userID, notificationID, archived, s.nowUTC())
}

// SetPinned pins or unpins one notification.
func (s *Service) SetPinned(ctx context.Context, userID string, notificationID string, pinned bool) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	userID, notificationID, err := requireOwnership(userID, notificationID)
	if err != nil {
		return Notification{}, err
	}
	return s.store.SetNotificationPinned(ctx, userID, notificationID, pinned, s.nowUTC())
}

// CancelScheduled withdraws deliveries that no worker has claimed yet.
func (s *Service) CancelScheduled(ctx context.Context, notificationID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return 0, NewValidationError("notificationId", "is required")
	}
	return s.store.DeletePendingJobs(ctx, notificationID)
}

// CleanupExpired deletes notifications whose expiry has passed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	return s.store.DeleteExpiredNotifications(ctx, s.nowUTC())
}

// AutoArchive archives notifications read longer than age ago for users with
// auto-archive enabled.
func (s *Service) AutoArchive(ctx context.Context, age time.Duration) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	if age <= 0 {
		return 0, NewValidationError("age", "must be positive")
	}
	now := s.nowUTC()
	return s.store.ArchiveReadNotifications(ctx, now.Add(-age), now)
}

// ListGroups lists a user's notification groups, most recent first.
func (s *Service) ListGroups(ctx context.Context, userID string) ([]Group, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, NewValidationError("userId", "is required")
	}
	return s.store.ListGroups(ctx, userID)
}

// SetGroupCollapsed toggles a group's collapsed display state.
func (s *Service) SetGroupCollapsed(ctx context.Context, userID string, groupKey string, collapsed bool) (Group, error) {
	if s == nil || s.store == nil {
		return Group{}, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	groupKey = strings.TrimSpace(groupKey)
	if userID == "" {
		return Group{}, NewValidationError("userId", "is required")
	}
	if groupKey == "" {
		return Group{}, NewValidationError("groupKey", "is required")
	}
	return s.store.SetGroupCollapsed(ctx, userID, groupKey, collapsed, s.nowUTC())
}

// Preferences returns the stored preferences for userID or the defaults.
func (s *Service) Preferences(ctx context.Context, userID string) (Preferences, error) {
	if s == nil || s.store == nil {
		return Preferences{}, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Preferences{}, NewValidationError("userId", "is required")
	}
	if cached, ok := s.cachedPreferences(ctx, userID); ok {
		return cached, nil
	}
	prefs, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		prefs = DefaultPreferences(userID)
	} else if err != nil {
		return Preferences{}, err
	}
	s.cachePreferences(ctx, prefs)
	return prefs, nil
}

// UpdatePreferences validates and replaces a user's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, prefs Preferences) (Preferences, error) {
	if s == nil || s.store == nil {
		return Preferences{}, ErrStoreNotConfigured
	}
	normalized, err := NormalizePreferences(prefs)
	if err != nil {
		return Preferences{}, err
	}
	normalized.UpdatedAt = s.nowUTC()
	if err := s.store.PutPreferences(ctx, normalized); err != nil {
		return Preferences{}, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, preferencesCacheNamespace, normalized.UserID); err != nil {
			log.Printf("invalidate preferences cache for %s: %v", normalized.UserID, err)
		}
	}
	return normalized, nil
}

func (s *Service) cachedPreferences(ctx context.Context, userID string) (Preferences, bool) {
	if s.cache == nil {
		return Preferences{}, false
	}
	raw, err := s.cache.Get(ctx, preferencesCacheNamespace, userID)
	if err != nil {
		return Preferences{}, false
	}
	var prefs Preferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return Preferences{}, false
	}
	return prefs, true
}

func (s *Service) cachePreferences(ctx context.Context, prefs Preferences) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, preferencesCacheNamespace, prefs.UserID, string(raw), s.cacheTTL); err != nil {
		log.Printf("cache preferences for %s: %v", prefs.UserID, err)
	}
}

func (s *Service) nowUTC() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func requireOwnership(userID string, notificationID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" {
		return "", "", NewValidationError("userId", "is required")
	}
	if notificationID == "" {
		return "", "", NewValidationError("notificationId", "is required")
	}
	return userID, notificationID, nil
}
