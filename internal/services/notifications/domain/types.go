package domain

import "strings"

// NotificationType is the presentation kind of a notification.
type NotificationType string

const (
	TypeInfo     NotificationType = "info"
	TypeSuccess  NotificationType = "success"
	TypeWarning  NotificationType = "warning"
	TypeError    NotificationType = "error"
	TypeReminder NotificationType = "reminder"
)

// ParseNotificationType normalizes raw; empty input yields TypeInfo.
func ParseNotificationType(raw string) (NotificationType, error) {
	switch value := NotificationType(normalizeToken(raw)); value {
	case "":
		return TypeInfo, nil
	case TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeReminder:
		return value, nil
	default:
		return "", NewValidationError("type", "unknown notification type "+quote(raw))
	}
}

// Severity ranks how urgent a notification is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes raw; empty input yields SeverityNormal.
func ParseSeverity(raw string) (Severity, error) {
	switch value := Severity(normalizeToken(raw)); value {
	case "":
		return SeverityNormal, nil
	case SeverityLow, SeverityNormal, SeverityHigh, SeverityCritical:
		return value, nil
	default:
		return "", NewValidationError("severity", "unknown severity "+quote(raw))
	}
}

// Priority maps severity onto the queue priority scale; higher runs first.
func (s Severity) Priority() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 2
	}
}

// Channel is a delivery medium.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
)

// ParseChannel normalizes raw into a known channel.
func ParseChannel(raw string) (Channel, error) {
	value := normalizeToken(raw)
	value = strings.ReplaceAll(value, "-", "_")
	switch Channel(value) {
	case ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS:
		return Channel(value), nil
	case "inapp":
		return ChannelInApp, nil
	default:
		return "", NewValidationError("channels", "unknown channel "+quote(raw))
	}
}

// ParseChannels parses and de-duplicates a channel list preserving order.
func ParseChannels(raw []string) ([]Channel, error) {
	channels := make([]Channel, 0, len(raw))
	seen := make(map[Channel]struct{}, len(raw))
	for _, item := range raw {
		channel, err := ParseChannel(item)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		channels = append(channels, channel)
	}
	return channels, nil
}

// External reports whether the channel leaves the product and needs a queue job.
func (c Channel) External() bool {
	return c == ChannelEmail || c == ChannelPush || c == ChannelSMS
}

// DeliveryStatus is the state of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// DigestFrequency controls whether external deliveries are batched.
type DigestFrequency string

const (
	DigestInstant DigestFrequency = "instant"
	DigestHourly  DigestFrequency = "hourly"
	DigestDaily   DigestFrequency = "daily"
	DigestWeekly  DigestFrequency = "weekly"
)

// ParseDigestFrequency normalizes raw; empty input yields DigestInstant.
func ParseDigestFrequency(raw string) (DigestFrequency, error) {
	switch value := DigestFrequency(normalizeToken(raw)); value {
	case "":
		return DigestInstant, nil
	case DigestInstant, DigestHourly, DigestDaily, DigestWeekly:
		return value, nil
	default:
		return "", NewValidationError("digestFrequency", "unknown digest frequency "+quote(raw))
	}
}

// EntityRef points at a business entity in the surrounding application.
type EntityRef struct {
	Type string
	ID   string
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == ""
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func quote(raw string) string {
	return `"` + raw + `"`
}
