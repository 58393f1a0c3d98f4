package domain

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

func sequentialIDGenerator(prefix string) func() (string, error) {
	var (
		mu   sync.Mutex
		next int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return prefix + "-" + strconv.Itoa(next), nil
	}
}

type fakeStore struct {
	mu            sync.Mutex
	notifications map[string]Notification
	deliveries    []DeliveryLogEntry
	jobs          map[string]QueueJob
	groups        map[string]Group
	firings       map[string]time.Time
	preferences   map[string]Preferences
	templates     map[string]Template
	triggers      map[string]Trigger
	contacts      map[string]Contact
	devices       map[string]DeviceToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: make(map[string]Notification),
		jobs:          make(map[string]QueueJob),
		groups:        make(map[string]Group),
		firings:       make(map[string]time.Time),
		preferences:   make(map[string]Preferences),
		templates:     make(map[string]Template),
		triggers:      make(map[string]Trigger),
		contacts:      make(map[string]Contact),
		devices:       make(map[string]DeviceToken),
	}
}

func (s *fakeStore) notificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func (s *fakeStore) jobsFor(notificationID string) []QueueJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []QueueJob
	for _, job := range s.jobs {
		if job.NotificationID == notificationID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Channel < jobs[j].Channel })
	return jobs
}

func (s *fakeStore) CreateNotification(_ context.Context, bundle NotificationBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := bundle.Notification
	if n.DedupeKey != "" {
		for _, existing := range s.notifications {
			if existing.UserID == n.UserID && existing.DedupeKey == n.DedupeKey {
				return ErrConflict
			}
		}
	}
	if firing := bundle.Firing; firing != nil {
		key := firing.TriggerKey + "|" + firing.UserID + "|" + firing.EntityKey
		if last, ok := s.firings[key]; ok && n.CreatedAt.Sub(last) < firing.Window {
			return ErrFrequencyLimited
		}
		s.firings[key] = n.CreatedAt
	}
	s.notifications[n.ID] = n
	s.deliveries = append(s.deliveries, bundle.InAppDelivery)
	if id := bundle.DisplaceNotificationID; id != "" {
		displaced := s.notifications[id]
		for jobID, job := range s.jobs {
			if job.NotificationID == id && job.Status == JobPending {
				job.Status = JobCancelled
				s.jobs[jobID] = job
				displaced.ChannelStatus[job.Channel] = DeliveryFailed
			}
		}
		s.notifications[id] = displaced
	}
	for _, job := range bundle.Jobs {
		s.jobs[job.ID] = job
	}
	if bundle.Group != nil {
		key := bundle.Group.UserID + "|" + bundle.Group.GroupKey
		group, ok := s.groups[key]
		if !ok {
			group = *bundle.Group
		} else {
			group.TotalNotifications++
			group.UnreadNotifications++
			group.LastActivityAt = bundle.Group.LastActivityAt
		}
		s.groups[key] = group
	}
	return nil
}

func (s *fakeStore) GetNotification(_ context.Context, userID string, notificationID string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return Notification{}, &NotFoundError{Kind: "notification", Key: notificationID}
	}
	return n, nil
}

func (s *fakeStore) GetNotificationByDedupeKey(_ context.Context, userID string, dedupeKey string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.UserID == userID && n.DedupeKey == dedupeKey {
			return n, nil
		}
	}
	return Notification{}, &NotFoundError{Kind: "notification", Key: dedupeKey}
}

func (s *fakeStore) visible(query ListQuery) []Notification {
	var out []Notification
	for _, n := range s.notifications {
		if n.UserID != query.UserID || n.Expired(query.Now) {
			continue
		}
		if n.ScheduledFor != nil && n.ScheduledFor.After(query.Now) {
			continue
		}
		if query.ArchivedOnly && !n.IsArchived {
			continue
		}
		if !query.IncludeArchived && n.IsArchived {
			continue
		}
		if query.ReadState == UnreadOnly && n.IsRead || query.ReadState == ReadOnly && !n.IsRead {
			continue
		}
		if query.Category != "" && n.Category != query.Category {
			continue
		}
		if query.Severity != "" && n.Severity != query.Severity {
			continue
		}
		if query.PinnedOnly && !n.IsPinned {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *fakeStore) ListNotifications(_ context.Context, query ListQuery) (NotificationPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.visible(query)
	start := 0
	if query.PageToken != "" {
		for i, n := range all {
			if n.ID == query.PageToken {
				start = i + 1
			}
		}
	}
	page := NotificationPage{}
	end := start + query.PageSize
	if end < len(all) {
		page.NextPageToken = all[end-1].ID
	} else {
		end = len(all)
	}
	page.Notifications = append(page.Notifications, all[start:end]...)
	return page, nil
}

func (s *fakeStore) CountUnreadNotifications(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visible(ListQuery{UserID: userID, ReadState: UnreadOnly, Now: now})), nil
}

func (s *fakeStore) MarkNotificationRead(_ context.Context, userID string, notificationID string, readAt time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return Notification{}, &NotFoundError{Kind: "notification", Key: notificationID}
	}
	if n.IsRead {
		return n, nil
	}
	n.IsRead = true
	n.ReadAt = &readAt
	n.UpdatedAt = readAt
	s.notifications[notificationID] = n
	return n, nil
}

func (s *fakeStore) MarkAllNotificationsRead(_ context.Context, userID string, readAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, n := range s.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		n.IsRead = true
		n.ReadAt = &readAt
		s.notifications[id] = n
		changed++
	}
	return changed, nil
}

func (s *fakeStore) SetNotificationArchived(_ context.Context, userID string, notificationID string, archived bool, at time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return Notification{}, &NotFoundError{Kind: "notification", Key: notificationID}
	}
	n.IsArchived = archived
	n.ArchivedAt = nil
	if archived {
		n.ArchivedAt = &at
	}
	s.notifications[notificationID] = n
	return n, nil
}

func (s *fakeStore) SetNotificationPinned(_ context.Context, userID string, notificationID string, pinned bool, at time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return Notification{}, &NotFoundError{Kind: "notification", Key: notificationID}
	}
	n.IsPinned = pinned
	n.PinnedAt = nil
	if pinned {
		n.PinnedAt = &at
	}
	s.notifications[notificationID] = n
	return n, nil
}

func (s *fakeStore) DeleteExpiredNotifications(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, n := range s.notifications {
		if n.Expired(now) {
			delete(s.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeStore) ArchiveReadNotifications(_ context.Context, readBefore time.Time, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for id, n := range s.notifications {
		if !s.preferences[n.UserID].AutoArchiveEnabled || !n.IsRead || n.IsArchived || n.ReadAt.After(readBefore) {
			continue
		}
		n.IsArchived = true
		n.ArchivedAt = &now
		s.notifications[id] = n
		archived++
	}
	return archived, nil
}

func (s *fakeStore) ListGroups(_ context.Context, userID string) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var groups []Group
	for _, group := range s.groups {
		if group.UserID == userID {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func (s *fakeStore) SetGroupCollapsed(_ context.Context, userID string, groupKey string, collapsed bool, at time.Time) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[userID+"|"+groupKey]
	if !ok {
		return Group{}, &NotFoundError{Kind: "group", Key: groupKey}
	}
	group.IsCollapsed = collapsed
	group.UpdatedAt = at
	s.groups[userID+"|"+groupKey] = group
	return group, nil
}

func (s *fakeStore) CountQueuedNotificationsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, job := range s.jobs {
		if job.UserID == userID && job.Status != JobCancelled && !job.CreatedAt.Before(since) {
			seen[job.NotificationID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *fakeStore) LowestDisplaceableSince(_ context.Context, userID string, since time.Time) (QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started := make(map[string]bool)
	candidates := make(map[string]int)
	for _, job := range s.jobs {
		if job.UserID != userID || job.Status == JobCancelled || job.CreatedAt.Before(since) {
			continue
		}
		if job.Status != JobPending {
			started[job.NotificationID] = true
		}
		if job.Priority > candidates[job.NotificationID] {
			candidates[job.NotificationID] = job.Priority
		}
	}
	var (
		lowest QueuedNotification
		found  bool
	)
	for id, priority := range candidates {
		if started[id] {
			continue
		}
		if !found || priority < lowest.Priority {
			lowest = QueuedNotification{NotificationID: id, Priority: priority}
			found = true
		}
	}
	if !found {
		return QueuedNotification{}, &NotFoundError{Kind: "queued notification", Key: userID}
	}
	return lowest, nil
}

func (s *fakeStore) DeletePendingJobs(_ context.Context, notificationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if job.NotificationID == notificationID && job.Status == JobPending {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeStore) GetPreferences(_ context.Context, userID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, ok := s.preferences[userID]
	if !ok {
		return Preferences{}, &NotFoundError{Kind: "preferences", Key: userID}
	}
	return prefs, nil
}

func (s *fakeStore) PutPreferences(_ context.Context, prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[prefs.UserID] = prefs
	return nil
}

func (s *fakeStore) PutTemplate(_ context.Context, tpl Template) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.templates[tpl.Key]; ok {
		tpl.Version = existing.Version + 1
		tpl.CreatedAt = existing.CreatedAt
	} else {
		tpl.Version = 1
	}
	s.templates[tpl.Key] = tpl
	return tpl, nil
}

func (s *fakeStore) GetTemplate(_ context.Context, key string) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[key]
	if !ok {
		return Template{}, &NotFoundError{Kind: "template", Key: key}
	}
	return tpl, nil
}

func (s *fakeStore) ListTemplates(_ context.Context, activeOnly bool) ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Template
	for _, tpl := range s.templates {
		if activeOnly && !tpl.IsActive {
			continue
		}
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fakeStore) SetTemplateActive(_ context.Context, key string, active bool, at time.Time) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[key]
	if !ok {
		return Template{}, &NotFoundError{Kind: "template", Key: key}
	}
	tpl.IsActive = active
	tpl.UpdatedAt = at
	s.templates[key] = tpl
	return tpl, nil
}

func (s *fakeStore) PutTrigger(_ context.Context, trigger Trigger) (Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.Key] = trigger
	return trigger, nil
}

func (s *fakeStore) GetTrigger(_ context.Context, key string) (Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[key]
	if !ok {
		return Trigger{}, &NotFoundError{Kind: "trigger", Key: key}
	}
	return trigger, nil
}

func (s *fakeStore) ListTriggers(_ context.Context, activeOnly bool) ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trigger
	for _, trigger := range s.triggers {
		if activeOnly && !trigger.IsActive {
			continue
		}
		out = append(out, trigger)
	}
	return out, nil
}

func (s *fakeStore) ListTriggersForEvent(_ context.Context, eventType string, entityType string) ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trigger
	for _, trigger := range s.triggers {
		if trigger.Matches(Event{Action: eventType, Entity: EntityRef{Type: entityType}}) {
			out = append(out, trigger)
		}
	}
	return out, nil
}

func (s *fakeStore) SetTriggerActive(_ context.Context, key string, active bool, at time.Time) (Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[key]
	if !ok {
		return Trigger{}, &NotFoundError{Kind: "trigger", Key: key}
	}
	trigger.IsActive = active
	trigger.UpdatedAt = at
	s.triggers[key] = trigger
	return trigger, nil
}

func (s *fakeStore) PutContact(_ context.Context, contact Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.UserID] = contact
	return nil
}

func (s *fakeStore) GetContact(_ context.Context, userID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[userID]
	if !ok {
		return Contact{}, &NotFoundError{Kind: "contact", Key: userID}
	}
	return contact, nil
}

func (s *fakeStore) ListUserIDsByRole(_ context.Context, role string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, contact := range s.contacts {
		for _, held := range contact.Roles {
			if held == role {
				ids = append(ids, contact.UserID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) PutDeviceToken(_ context.Context, token DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[token.Token] = token
	return nil
}

func (s *fakeStore) ListDeviceTokens(_ context.Context, userID string) ([]DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeviceToken
	for _, token := range s.devices {
		if token.UserID == userID {
			out = append(out, token)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteDeviceToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, token)
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []Notification
}

func (p *recordingPublisher) Publish(_ context.Context, notification Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, notification)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}
