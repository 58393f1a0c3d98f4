package wire

import (
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// QuietHours is the local-time window external delivery waits out.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// Preferences is the user-editable delivery configuration.
type Preferences struct {
	Enabled                bool                       `json:"enabled"`
	QuietHours             QuietHours                 `json:"quietHours"`
	Timezone               string                     `json:"timezone"`
	Channels               map[string]bool            `json:"channels"`
	CategoryOverrides      map[string]map[string]bool `json:"categoryOverrides,omitempty"`
	DigestFrequency        string                     `json:"digestFrequency"`
	MaxNotificationsPerDay int                        `json:"maxNotificationsPerDay"`
	GroupingEnabled        bool                       `json:"groupingEnabled"`
	AutoArchiveEnabled     bool                       `json:"autoArchiveEnabled"`
	SoundEnabled           bool                       `json:"soundEnabled"`
	VibrationEnabled       bool                       `json:"vibrationEnabled"`
	SmartDelivery          bool                       `json:"smartDelivery"`
	DuplicateDetection     bool                       `json:"duplicateDetection"`
	UpdatedAt              *time.Time                 `json:"updatedAt,omitempty"`
}

// FromPreferences converts stored preferences to their wire form.
func FromPreferences(p domain.Preferences) Preferences {
	out := Preferences{
		Enabled:                p.Enabled,
		QuietHours:             QuietHours{Enabled: p.QuietHours.Enabled, Start: p.QuietHours.Start, End: p.QuietHours.End},
		Timezone:               p.Timezone,
		Channels:               make(map[string]bool, len(p.Channels)),
		DigestFrequency:        string(p.DigestFrequency),
		MaxNotificationsPerDay: p.MaxNotificationsPerDay,
		GroupingEnabled:        p.GroupingEnabled,
		AutoArchiveEnabled:     p.AutoArchiveEnabled,
		SoundEnabled:           p.SoundEnabled,
		VibrationEnabled:       p.VibrationEnabled,
		SmartDelivery:          p.SmartDelivery,
		DuplicateDetection:     p.DuplicateDetection,
	}
	for channel, enabled := range p.Channels {
		out.Channels[string(channel)] = enabled
	}
	if len(p.CategoryOverrides) > 0 {
		out.CategoryOverrides = make(map[string]map[string]bool, len(p.CategoryOverrides))
		for category, channels := range p.CategoryOverrides {
			converted := make(map[string]bool, len(channels))
			for channel, enabled := range channels {
				converted[string(channel)] = enabled
			}
			out.CategoryOverrides[category] = converted
		}
	}
	if !p.UpdatedAt.IsZero() {
		updated := p.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out
}

// ToDomain converts a preferences update for userID. Channel names are
// validated; the remaining fields are checked by the domain.
func (p Preferences) ToDomain(userID string) (domain.Preferences, error) {
	digest, err := domain.ParseDigestFrequency(p.DigestFrequency)
	if err != nil {
		return domain.Preferences{}, err
	}
	channels, err := channelFlags(p.Channels)
	if err != nil {
		return domain.Preferences{}, err
	}
	out := domain.Preferences{
		UserID:                 userID,
		Enabled:                p.Enabled,
		QuietHours:             domain.QuietHours{Enabled: p.QuietHours.Enabled, Start: p.QuietHours.Start, End: p.QuietHours.End},
		Timezone:               p.Timezone,
		Channels:               channels,
		DigestFrequency:        digest,
		MaxNotificationsPerDay: p.MaxNotificationsPerDay,
		GroupingEnabled:        p.GroupingEnabled,
		AutoArchiveEnabled:     p.AutoArchiveEnabled,
		SoundEnabled:           p.SoundEnabled,
		VibrationEnabled:       p.VibrationEnabled,
		SmartDelivery:          p.SmartDelivery,
		DuplicateDetection:     p.DuplicateDetection,
	}
	if len(p.CategoryOverrides) > 0 {
		out.CategoryOverrides = make(map[string]map[domain.Channel]bool, len(p.CategoryOverrides))
		for category, flags := range p.CategoryOverrides {
			converted, err := channelFlags(flags)
			if err != nil {
				return domain.Preferences{}, err
			}
			out.CategoryOverrides[category] = converted
		}
	}
	return out, nil
}

func channelFlags(raw map[string]bool) (map[domain.Channel]bool, error) {
	out := make(map[domain.Channel]bool, len(raw))
	for name, enabled := range raw {
		channel, err := domain.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		out[channel] = enabled
	}
	return out, nil
}

// Group is one inbox group summary.
type Group struct {
	GroupKey            string     `json:"groupKey"`
	GroupType           string     `json:"groupType,omitempty"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	RelatedEntity       *EntityRef `json:"relatedEntity,omitempty"`
	TotalNotifications  int        `json:"totalNotifications"`
	UnreadNotifications int        `json:"unreadNotifications"`
	IsCollapsed         bool       `json:"isCollapsed"`
	LastActivityAt      time.Time  `json:"lastActivityAt"`
}

// FromGroups converts groups, never returning nil.
func FromGroups(groups []domain.Group) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		item := Group{
			GroupKey:            g.GroupKey,
			GroupType:           g.GroupType,
			Title:               g.Title,
			Description:         g.Description,
			TotalNotifications:  g.TotalNotifications,
			UnreadNotifications: g.UnreadNotifications,
			IsCollapsed:         g.IsCollapsed,
			LastActivityAt:      g.LastActivityAt,
		}
		if !g.RelatedEntity.IsZero() {
			item.RelatedEntity = &EntityRef{Type: g.RelatedEntity.Type, ID: g.RelatedEntity.ID}
		}
		out = append(out, item)
	}
	return out
}

// Device registers a push token for the caller.
type Device struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// Contact is an operator-managed directory entry.
type Contact struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email,omitempty"`
	Phone  string   `json:"phone,omitempty"`
	Locale string   `json:"locale,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// ToDomain converts the directory entry.
func (c Contact) ToDomain() domain.Contact {
	return domain.Contact{UserID: c.UserID, Email: c.Email, Phone: c.Phone, Locale: c.Locale, Roles: c.Roles}
}

// FromContact converts a stored directory entry.
func FromContact(c domain.Contact) Contact {
	return Contact{UserID: c.UserID, Email: c.Email, Phone: c.Phone, Locale: c.Locale, Roles: c.Roles}
}
