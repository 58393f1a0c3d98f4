package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// digestHour is the local hour daily and weekly digests are released.
const digestHour = 8

// QuietHours is a local-time window during which external delivery waits.
// Start after End wraps midnight.
type QuietHours struct {
	Enabled bool
	Start   string
	End     string
}

// Preferences is one user's delivery configuration.
type Preferences struct {
	UserID                 string
	Enabled                bool
	QuietHours             QuietHours
	Timezone               string
	Channels               map[Channel]bool
	CategoryOverrides      map[string]map[Channel]bool
	DigestFrequency        DigestFrequency
	MaxNotificationsPerDay int
	GroupingEnabled        bool
	AutoArchiveEnabled     bool
	SoundEnabled           bool
	VibrationEnabled       bool
	SmartDelivery          bool
	DuplicateDetection     bool
	UpdatedAt              time.Time
}

// DefaultPreferences is used when a user never saved preferences.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:          strings.TrimSpace(userID),
		Enabled:         true,
		Timezone:        "UTC",
		Channels:        map[Channel]bool{ChannelInApp: true, ChannelEmail: true, ChannelPush: true, ChannelSMS: true},
		DigestFrequency: DigestInstant,
		GroupingEnabled: true,
		SoundEnabled:    true,
	}
}

// NormalizePreferences validates a preferences update.
func NormalizePreferences(prefs Preferences) (Preferences, error) {
	prefs.UserID = strings.TrimSpace(prefs.UserID)
	prefs.Timezone = strings.TrimSpace(prefs.Timezone)
	prefs.QuietHours.Start = strings.TrimSpace(prefs.QuietHours.Start)
	prefs.QuietHours.End = strings.TrimSpace(prefs.QuietHours.End)
	if prefs.UserID == "" {
		return Preferences{}, NewValidationError("userId", "is required")
	}
	if prefs.Timezone == "" {
		prefs.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(prefs.Timezone); err != nil {
		return Preferences{}, NewValidationError("timezone", "unknown time zone "+quote(prefs.Timezone))
	}
	if prefs.QuietHours.Enabled {
		if _, err := parseClock(prefs.QuietHours.Start); err != nil {
			return Preferences{}, NewValidationError("quietHours.start", err.Error())
		}
		if _, err := parseClock(prefs.QuietHours.End); err != nil {
			return Preferences{}, NewValidationError("quietHours.end", err.Error())
		}
	}
	digest, err := ParseDigestFrequency(string(prefs.DigestFrequency))
	if err != nil {
		return Preferences{}, err
	}
	prefs.DigestFrequency = digest
	if prefs.MaxNotificationsPerDay < 0 {
		return Preferences{}, NewValidationError("maxNotificationsPerDay", "must not be negative")
	}
	if prefs.Channels == nil {
		prefs.Channels = map[Channel]bool{}
	}
	for channel := range prefs.Channels {
		if _, err := ParseChannel(string(channel)); err != nil {
			return Preferences{}, err
		}
	}
	cleaned := make(map[string]map[Channel]bool, len(prefs.CategoryOverrides))
	for category, channels := range prefs.CategoryOverrides {
		category = strings.TrimSpace(category)
		if category == "" {
			return Preferences{}, NewValidationError("categoryOverrides", "category is required")
		}
		for channel := range channels {
			if _, err := ParseChannel(string(channel)); err != nil {
				return Preferences{}, err
			}
		}
		cleaned[category] = channels
	}
	prefs.CategoryOverrides = cleaned
	return prefs, nil
}

// Location returns the user's time zone, falling back to UTC.
func (p Preferences) Location() *time.Location {
	if strings.TrimSpace(p.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ChannelEnabled reports whether channel may deliver a notification of
// category. In-app is always enabled.
func (p Preferences) ChannelEnabled(channel Channel, category string) bool {
	if channel == ChannelInApp {
		return true
	}
	if !p.Enabled {
		return false
	}
	if enabled, ok := p.Channels[channel]; ok && !enabled {
		return false
	}
	if overrides, ok := p.CategoryOverrides[strings.TrimSpace(category)]; ok {
		if enabled, ok := overrides[channel]; ok && !enabled {
			return false
		}
	}
	return true
}

// QuietUntil returns the end of the quiet-hours window containing at, or
// false when at is outside quiet hours.
func (p Preferences) QuietUntil(at time.Time) (time.Time, bool) {
	if !p.QuietHours.Enabled {
		return time.Time{}, false
	}
	start, err := parseClock(p.QuietHours.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(p.QuietHours.End)
	if err != nil || start == end {
		return time.Time{}, false
	}

	local := at.In(p.Location())
	minute := local.Hour()*60 + local.Minute()
	endOn := func(dayOffset int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day()+dayOffset, end/60, end%60, 0, 0, local.Location())
	}
	if start < end {
		if minute >= start && minute < end {
			return endOn(0).UTC(), true
		}
		return time.Time{}, false
	}
	switch {
	case minute >= start:
		return endOn(1).UTC(), true
	case minute < end:
		return endOn(0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// NextDigest returns when a digest containing at is released.
func (p Preferences) NextDigest(at time.Time) time.Time {
	local := at.In(p.Location())
	switch p.DigestFrequency {
	case DigestHourly:
		top := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
		if top.Equal(local) {
			return top.UTC()
		}
		return top.Add(time.Hour).UTC()
	case DigestDaily:
		release := time.Date(local.Year(), local.Month(), local.Day(), digestHour, 0, 0, 0, local.Location())
		if local.After(release) {
			release = time.Date(local.Year(), local.Month(), local.Day()+1, digestHour, 0, 0, 0, local.Location())
		}
		return release.UTC()
	case DigestWeekly:
		offset := (int(time.Monday) - int(local.Weekday()) + 7) % 7
		release := time.Date(local.Year(), local.Month(), local.Day()+offset, digestHour, 0, 0, 0, local.Location())
		if local.After(release) {
			release = time.Date(local.Year(), local.Month(), local.Day()+offset+7, digestHour, 0, 0, 0, local.Location())
		}
		return release.UTC()
	default:
		return at.UTC()
	}
}

// DeliveryTime returns the earliest time an external delivery requested at
// at may run: digest batching first, then the quiet-hours window.
func (p Preferences) DeliveryTime(at time.Time) time.Time {
	when := p.NextDigest(at)
	if until, quiet := p.QuietUntil(when); quiet {
		when = until
	}
	return when.UTC()
}

// DayStart returns local midnight of the day containing at, in UTC.
func (p Preferences) DayStart(at time.Time) time.Time {
	local := at.In(p.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).UTC()
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(raw string) (int, error) {
	hours, minutes, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:MM", raw)
	}
	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time %q has an invalid hour", raw)
	}
	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 || len(minutes) != 2 {
		return 0, fmt.Errorf("time %q has an invalid minute", raw)
	}
	return h*60 + m, nil
}
