package domain

import "time"

// DeliveryLogEntry records one delivery attempt on one channel.
type DeliveryLogEntry struct {
	ID               string
	NotificationID   string
	JobID            string
	UserID           string
	Channel          Channel
	Status           DeliveryStatus
	Provider         string
	ExternalID       string
	PayloadJSON      string
	ErrorMessage     string
	RetryCount       int
	ScheduledAt      *time.Time
	SentAt           *time.Time
	DeliveredAt      *time.Time
	OpenedAt         *time.Time
	ClickedAt        *time.Time
	InteractionCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Engagement is an open or click callback from a channel provider.
type Engagement string

const (
	EngagementOpened  Engagement = "opened"
	EngagementClicked Engagement = "clicked"
)

// ParseEngagement normalizes raw into a known engagement kind.
func ParseEngagement(raw string) (Engagement, error) {
	switch value := Engagement(normalizeToken(raw)); value {
	case EngagementOpened, EngagementClicked:
		return value, nil
	default:
		return "", NewValidationError("engagement", "unknown engagement "+quote(raw))
	}
}

// progressRank orders the forward delivery path. Terminal failures have no rank.
var progressRank = map[DeliveryStatus]int{
	DeliveryPending:   1,
	DeliverySent:      2,
	DeliveryDelivered: 3,
	DeliveryOpened:    4,
	DeliveryClicked:   5,
}

// AdvanceStatus returns the status after moving from current towards next.
// Status never moves backwards; failed and bounced rows stay terminal.
func AdvanceStatus(current, next DeliveryStatus) DeliveryStatus {
	if current == DeliveryFailed || current == DeliveryBounced {
		return current
	}
	if next == DeliveryFailed || next == DeliveryBounced {
		if current == DeliveryPending || current == "" {
			return next
		}
		return current
	}
	if progressRank[next] > progressRank[current] {
		return next
	}
	return current
}

// ApplyEngagement records an engagement on a delivered entry. Every callback
// counts as an interaction; timestamps are set once.
func ApplyEngagement(entry DeliveryLogEntry, kind Engagement, at time.Time) (DeliveryLogEntry, error) {
	if entry.Status == DeliveryFailed || entry.Status == DeliveryBounced || entry.Status == DeliveryPending {
		return DeliveryLogEntry{}, &ConflictError{Reason: "delivery " + entry.ID + " was not delivered"}
	}
	at = at.UTC()
	switch kind {
	case EngagementOpened:
		if entry.OpenedAt == nil {
			entry.OpenedAt = &at
		}
		entry.Status = AdvanceStatus(entry.Status, DeliveryOpened)
	case EngagementClicked:
		if entry.OpenedAt == nil {
			entry.OpenedAt = &at
		}
		if entry.ClickedAt == nil {
			entry.ClickedAt = &at
		}
		entry.Status = AdvanceStatus(entry.Status, DeliveryClicked)
	default:
		return DeliveryLogEntry{}, NewValidationError("engagement", "unknown engagement "+quote(string(kind)))
	}
	entry.InteractionCount++
	entry.UpdatedAt = at
	return entry, nil
}

// Receipt is what a channel provider returns on success.
type Receipt struct {
	Provider   string
	ExternalID string
	// Delivered is true when the provider confirms hand-off to the device or
	// mailbox rather than only acceptance.
	Delivered bool
}
