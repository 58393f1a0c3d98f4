package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Draft is a request to notify one user.
type Draft struct {
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
	ScheduledFor  *time.Time
	ExpiresAt     *time.Time
	RichContent   string
	Metadata      string
	// DedupeKey makes creation idempotent for the caller; a second Create
	// with the same key returns the first notification.
	DedupeKey  string
	TriggerKey string
	// Firing claims a trigger frequency window in the same transaction.
	Firing *FiringClaim
}

// Create runs a draft through the preferences gate and persists the
// notification, its in-app delivery record and one queue job per external
// channel that survives the gate. An existing notification is returned when
// the draft deduplicates onto it. A lost frequency window returns ErrConflict.
func (s *Service) Create(ctx context.Context, draft Draft) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	if s.newID == nil {
		return Notification{}, ErrIDGeneratorNotConfigured
	}
	draft, err := normalizeDraft(draft)
	if err != nil {
		return Notification{}, err
	}
	now := s.nowUTC()
	if draft.ExpiresAt != nil && !draft.ExpiresAt.After(now) {
		return Notification{}, NewValidationError("expiresAt", "must be in the future")
	}

	prefs, err := s.Preferences(ctx, draft.UserID)
	if err != nil {
		return Notification{}, fmt.Errorf("load preferences: %w", err)
	}

	if draft.DedupeKey == "" && prefs.DuplicateDetection {
		draft.DedupeKey = contentDedupeKey(draft.Title, draft.Message, draft.RelatedEntity, now)
	}
	if draft.DedupeKey != "" {
		existing, err := s.store.GetNotificationByDedupeKey(ctx, draft.UserID, draft.DedupeKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Notification{}, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	notificationID, err := s.newID()
	if err != nil {
		return Notification{}, fmt.Errorf("generate notification id: %w", err)
	}
	notification := Notification{
		ID:            notificationID,
		UserID:        draft.UserID,
		Type:          draft.Type,
		Severity:      draft.Severity,
		Title:         draft.Title,
		Message:       draft.Message,
		Category:      draft.Category,
		Subcategory:   draft.Subcategory,
		Source:        draft.Source,
		RelatedEntity: draft.RelatedEntity,
		ParentID:      draft.ParentID,
		ActionURL:     draft.ActionURL,
		ActionData:    draft.ActionData,
		Channels:      draft.Channels,
		ChannelStatus: map[Channel]DeliveryStatus{ChannelInApp: DeliveryDelivered},
		ScheduledFor:  draft.ScheduledFor,
		ExpiresAt:     draft.ExpiresAt,
		RichContent:   draft.RichContent,
		Metadata:      draft.Metadata,
		DedupeKey:     draft.DedupeKey,
		TriggerKey:    draft.TriggerKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	bundle := NotificationBundle{Firing: draft.Firing}
	if prefs.GroupingEnabled {
		if key := GroupKeyFor(draft.RelatedEntity, draft.Category); key != "" {
			notification.GroupKey = key
			bundle.Group = &Group{
				UserID:              draft.UserID,
				GroupKey:            key,
				GroupType:           draft.Category,
				Title:               draft.Title,
				Description:         draft.Message,
				RelatedEntity:       draft.RelatedEntity,
				TotalNotifications:  1,
				UnreadNotifications: 1,
				LastActivityAt:      now,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
		}
	}

	inAppID, err := s.newID()
	if err != nil {
		return Notification{}, fmt.Errorf("generate delivery id: %w", err)
	}
	visibleAt := now
	if draft.ScheduledFor != nil && draft.ScheduledFor.After(now) {
		visibleAt = *draft.ScheduledFor
	}
	bundle.InAppDelivery = DeliveryLogEntry{
		ID:             inAppID,
		NotificationID: notificationID,
		UserID:         draft.UserID,
		Channel:        ChannelInApp,
		Status:         DeliveryDelivered,
		Provider:       string(ChannelInApp),
		PayloadJSON:    "{}",
		ScheduledAt:    &visibleAt,
		SentAt:         &now,
		DeliveredAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	jobs, displaceID, err := s.planDeliveries(ctx, notification, prefs, visibleAt, now)
	if err != nil {
		return Notification{}, err
	}
	for _, job := range jobs {
		notification.ChannelStatus[job.Channel] = DeliveryPending
	}
	bundle.Jobs = jobs
	bundle.DisplaceNotificationID = displaceID
	bundle.Notification = notification

	if err := s.store.CreateNotification(ctx, bundle); err != nil {
		if errors.Is(err, ErrConflict) && draft.DedupeKey != "" && !errors.Is(err, ErrFrequencyLimited) {
			existing, lookupErr := s.store.GetNotificationByDedupeKey(ctx, draft.UserID, draft.DedupeKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return Notification{}, err
	}

	if s.publisher != nil && !visibleAt.After(now) {
		s.publisher.Publish(ctx, notification)
	}
	return notification, nil
}

// planDeliveries turns the external channels of notification into queue jobs
// after the channel toggles, digest, quiet hours and the daily cap. The cap
// admits or drops the notification's channels together.
func (s *Service) planDeliveries(ctx context.Context, notification Notification, prefs Preferences, requestedAt, now time.Time) ([]QueueJob, string, error) {
	external := make([]Channel, 0, len(notification.Channels))
	for _, channel := range notification.Channels {
		if !channel.External() {
			continue
		}
		if !prefs.ChannelEnabled(channel, notification.Category) {
			continue
		}
		external = append(external, channel)
	}
	if len(external) == 0 {
		return nil, "", nil
	}

	scheduledFor := prefs.DeliveryTime(requestedAt)
	priority := notification.Severity.Priority()

	var displaceID string
	if limit := prefs.MaxNotificationsPerDay; limit > 0 {
		dayStart := prefs.DayStart(now)
		used, err := s.store.CountQueuedNotificationsSince(ctx, notification.UserID, dayStart)
		if err != nil {
			return nil, "", fmt.Errorf("count daily notifications: %w", err)
		}
		if used >= limit {
			lowest, err := s.store.LowestDisplaceableSince(ctx, notification.UserID, dayStart)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, "", fmt.Errorf("find displaceable notification: %w", err)
			}
			if err != nil || lowest.Priority >= priority {
				log.Printf("daily cap reached for user %s: dropped %d deliveries of notification %s",
					notification.UserID, len(external), notification.ID)
				return nil, "", nil
			}
			displaceID = lowest.NotificationID
			log.Printf("daily cap reached for user %s: notification %s displaces %s",
				notification.UserID, notification.ID, displaceID)
		}
	}

	jobs := make([]QueueJob, 0, len(external))
	for _, channel := range external {
		jobID, err := s.newID()
		if err != nil {
			return nil, "", fmt.Errorf("generate job id: %w", err)
		}
		payload, err := jobPayload(notification, channel)
		if err != nil {
			return nil, "", err
		}
		jobs = append(jobs, QueueJob{
			ID:             jobID,
			Type:           JobTypeDeliver,
			NotificationID: notification.ID,
			UserID:         notification.UserID,
			Channel:        channel,
			Priority:       priority,
			PayloadJSON:    payload,
			Status:         JobPending,
			MaxAttempts:    s.maxAttempts,
			ScheduledFor:   scheduledFor,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return jobs, displaceID, nil
}

func jobPayload(notification Notification, channel Channel) (string, error) {
	payload := "{}"
	var err error
	for _, field := range []struct {
		path  string
		value any
	}{
		{"notificationId", notification.ID},
		{"channel", string(channel)},
		{"category", notification.Category},
		{"triggerKey", notification.TriggerKey},
	} {
		if text, ok := field.value.(string); ok && text == "" {
			continue
		}
		payload, err = sjson.Set(payload, field.path, field.value)
		if err != nil {
			return "", fmt.Errorf("encode job payload: %w", err)
		}
	}
	return payload, nil
}

func normalizeDraft(draft Draft) (Draft, error) {
	draft.UserID = strings.TrimSpace(draft.UserID)
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Message = strings.TrimSpace(draft.Message)
	draft.Category = strings.TrimSpace(draft.Category)
	draft.Subcategory = strings.TrimSpace(draft.Subcategory)
	draft.Source = strings.TrimSpace(draft.Source)
	draft.ParentID = strings.TrimSpace(draft.ParentID)
	draft.ActionURL = strings.TrimSpace(draft.ActionURL)
	draft.DedupeKey = strings.TrimSpace(draft.DedupeKey)
	draft.TriggerKey = strings.TrimSpace(draft.TriggerKey)
	draft.RelatedEntity.Type = strings.TrimSpace(draft.RelatedEntity.Type)
	draft.RelatedEntity.ID = strings.TrimSpace(draft.RelatedEntity.ID)
	if draft.UserID == "" {
		return Draft{}, NewValidationError("userId", "is required")
	}
	if draft.Title == "" {
		return Draft{}, NewValidationError("title", "is required")
	}
	if draft.Message == "" {
		return Draft{}, NewValidationError("message", "is required")
	}
	var err error
	if draft.Type, err = ParseNotificationType(string(draft.Type)); err != nil {
		return Draft{}, err
	}
	if draft.Severity, err = ParseSeverity(string(draft.Severity)); err != nil {
		return Draft{}, err
	}
	if draft.Category == "" {
		draft.Category = "general"
	}

	raw := make([]string, 0, len(draft.Channels)+1)
	raw = append(raw, string(ChannelInApp))
	for _, channel := range draft.Channels {
		raw = append(raw, string(channel))
	}
	if draft.Channels, err = ParseChannels(raw); err != nil {
		return Draft{}, err
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"actionData", &draft.ActionData},
		{"richContent", &draft.RichContent},
		{"metadata", &draft.Metadata},
	} {
		*field.value = strings.TrimSpace(*field.value)
		if *field.value != "" && !json.Valid([]byte(*field.value)) {
			return Draft{}, NewValidationError(field.name, "must be valid JSON")
		}
	}
	if draft.ScheduledFor != nil {
		at := draft.ScheduledFor.UTC()
		draft.ScheduledFor = &at
	}
	if draft.ExpiresAt != nil {
		at := draft.ExpiresAt.UTC()
		draft.ExpiresAt = &at
	}
	if draft.Firing != nil {
		firing := *draft.Firing
		firing.TriggerKey = strings.TrimSpace(firing.TriggerKey)
		firing.UserID = draft.UserID
		if firing.TriggerKey == "" || firing.Window <= 0 {
			draft.Firing = nil
		} else {
			draft.Firing = &firing
		}
	}
	return draft, nil
}
