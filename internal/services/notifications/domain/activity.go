package domain

import "time"

// ActivityEntry is the persisted form of one ingested event.
type ActivityEntry struct {
	ID                     string
	UserID                 string
	SessionID              string
	Action                 string
	Entity                 EntityRef
	ContextJSON            string
	ChangesJSON            string
	PreviousStateJSON      string
	NewStateJSON           string
	Environment            Environment
	ProcessingTime         time.Duration
	Success                bool
	ErrorMessage           string
	TriggeredNotifications []string
	NotificationCount      int
	CreatedAt              time.Time
}

// ActivityPage is a paged activity log view, newest first.
type ActivityPage struct {
	Entries       []ActivityEntry
	NextPageToken string
}

// Contact is how a user is reached outside the product.
type Contact struct {
	UserID    string
	Email     string
	Phone     string
	Locale    string
	Roles     []string
	UpdatedAt time.Time
}

// DeviceToken is a push registration for one user device.
type DeviceToken struct {
	Token     string
	UserID    string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
