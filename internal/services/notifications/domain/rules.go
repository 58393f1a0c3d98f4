package domain

import (
	"context"
	"strings"
)

// PutTemplate validates and stores a template. Updating an existing key
// bumps its version.
func (s *Service) PutTemplate(ctx context.Context, tpl Template) (Template, error) {
	if s == nil || s.store == nil {
		return Template{}, ErrStoreNotConfigured
	}
	normalized, err := NormalizeTemplate(tpl)
	if err != nil {
		return Template{}, err
	}
	now := s.nowUTC()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now
	return s.store.PutTemplate(ctx, normalized)
}

// Template returns one template by key.
func (s *Service) Template(ctx context.Context, key string) (Template, error) {
	if s == nil || s.store == nil {
		return Template{}, ErrStoreNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Template{}, NewValidationError("key", "is required")
	}
	return s.store.GetTemplate(ctx, key)
}

// Templates lists templates ordered by key.
func (s *Service) Templates(ctx context.Context, activeOnly bool) ([]Template, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	return s.store.ListTemplates(ctx, activeOnly)
}

// SetTemplateActive activates or deactivates a template. Templates are never
// deleted so triggers referencing them stay resolvable.
func (s *Service) SetTemplateActive(ctx context.Context, key string, active bool) (Template, error) {
	if s == nil || s.store == nil {
		return Template{}, ErrStoreNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Template{}, NewValidationError("key", "is required")
	}
	return s.store.SetTemplateActive(ctx, key, active, s.nowUTC())
}

// PutTrigger validates and stores a trigger. The referenced template must exist.
func (s *Service) PutTrigger(ctx context.Context, trigger Trigger) (Trigger, error) {
	if s == nil || s.store == nil {
		return Trigger{}, ErrStoreNotConfigured
	}
	normalized, err := NormalizeTrigger(trigger)
	if err != nil {
		return Trigger{}, err
	}
	if _, err := s.store.GetTemplate(ctx, normalized.TemplateKey); err != nil {
		return Trigger{}, err
	}
	now := s.nowUTC()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now
	return s.store.PutTrigger(ctx, normalized)
}

// Trigger returns one trigger by key.
func (s *Service) Trigger(ctx context.Context, key string) (Trigger, error) {
	if s == nil || s.store == nil {
		return Trigger{}, ErrStoreNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Trigger{}, NewValidationError("key", "is required")
	}
	return s.store.GetTrigger(ctx, key)
}

// Triggers lists triggers ordered by priority then key.
func (s *Service) Triggers(ctx context.Context, activeOnly bool) ([]Trigger, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	triggers, err := s.store.ListTriggers(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	SortTriggers(triggers)
	return triggers, nil
}

// TriggersForEvent returns active triggers listening to eventType on
// entityType, in evaluation order.
func (s *Service) TriggersForEvent(ctx context.Context, eventType string, entityType string) ([]Trigger, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	triggers, err := s.store.ListTriggersForEvent(ctx, strings.TrimSpace(eventType), strings.TrimSpace(entityType))
	if err != nil {
		return nil, err
	}
	SortTriggers(triggers)
	return triggers, nil
}

// SetTriggerActive activates or deactivates a trigger.
func (s *Service) SetTriggerActive(ctx context.Context, key string, active bool) (Trigger, error) {
	if s == nil || s.store == nil {
		return Trigger{}, ErrStoreNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Trigger{}, NewValidationError("key", "is required")
	}
	return s.store.SetTriggerActive(ctx, key, active, s.nowUTC())
}

// PutContact stores how a user is reached outside the product.
func (s *Service) PutContact(ctx context.Context, contact Contact) (Contact, error) {
	if s == nil || s.store == nil {
		return Contact{}, ErrStoreNotConfigured
	}
	contact.UserID = strings.TrimSpace(contact.UserID)
	contact.Email = strings.TrimSpace(contact.Email)
	contact.Phone = strings.TrimSpace(contact.Phone)
	contact.Locale = strings.TrimSpace(contact.Locale)
	contact.Roles = trimNonEmpty(contact.Roles)
	if contact.UserID == "" {
		return Contact{}, NewValidationError("userId", "is required")
	}
	if contact.Email != "" && !strings.Contains(contact.Email, "@") {
		return Contact{}, NewValidationError("email", "must be an address")
	}
	contact.UpdatedAt = s.nowUTC()
	if err := s.store.PutContact(ctx, contact); err != nil {
		return Contact{}, err
	}
	return contact, nil
}

// Contact returns a user's contact record.
func (s *Service) Contact(ctx context.Context, userID string) (Contact, error) {
	if s == nil || s.store == nil {
		return Contact{}, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Contact{}, NewValidationError("userId", "is required")
	}
	return s.store.GetContact(ctx, userID)
}

// UsersWithRole lists user ids holding role.
func (s *Service) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, NewValidationError("role", "is required")
	}
	return s.store.ListUserIDsByRole(ctx, role)
}

// RegisterDevice stores or refreshes a push token for userID.
func (s *Service) RegisterDevice(ctx context.Context, token DeviceToken) (DeviceToken, error) {
	if s == nil || s.store == nil {
		return DeviceToken{}, ErrStoreNotConfigured
	}
	token.Token = strings.TrimSpace(token.Token)
	token.UserID = strings.TrimSpace(token.UserID)
	token.Platform = normalizeToken(token.Platform)
	if token.UserID == "" {
		return DeviceToken{}, NewValidationError("userId", "is required")
	}
	if token.Token == "" {
		return DeviceToken{}, NewValidationError("token", "is required")
	}
	switch token.Platform {
	case "":
		token.Platform = "web"
	case "android", "ios", "web":
	default:
		return DeviceToken{}, NewValidationError("platform", "unknown platform "+quote(token.Platform))
	}
	now := s.nowUTC()
	token.CreatedAt = now
	token.UpdatedAt = now
	if err := s.store.PutDeviceToken(ctx, token); err != nil {
		return DeviceToken{}, err
	}
	return token, nil
}

// Devices lists the push tokens registered for userID.
func (s *Service) Devices(ctx context.Context, userID string) ([]DeviceToken, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, NewValidationError("userId", "is required")
	}
	return s.store.ListDeviceTokens(ctx, userID)
}

// RemoveDevice forgets a push token, typically after the provider reports it
// unregistered.
func (s *Service) RemoveDevice(ctx context.Context, token string) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return NewValidationError("token", "is required")
	}
	return s.store.DeleteDeviceToken(ctx, token)
}
