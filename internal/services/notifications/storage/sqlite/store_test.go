package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ventushub/notifications/internal/platform/filter"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenUsesWriteAheadLog(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	var mode string
	if err := store.sqlDB.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal mode = %q, want %q", mode, "wal")
	}
}

func TestCreateAndListNotifications(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	createNotification(t, store, testNotification("n-1", "user-1", now))
	createNotification(t, store, testNotification("n-2", "user-1", now.Add(time.Minute)))
	createNotification(t, store, testNotification("n-3", "user-1", now.Add(2*time.Minute)))
	createNotification(t, store, testNotification("n-other", "user-2", now.Add(3*time.Minute)))

	scheduled := testNotification("n-later", "user-1", now.Add(4*time.Minute))
	due := now.Add(time.Hour)
	scheduled.ScheduledFor = &due
	createNotification(t, store, scheduled)

	expired := testNotification("n-expired", "user-1", now.Add(5*time.Minute))
	expiresAt := now.Add(6 * time.Minute)
	expired.ExpiresAt = &expiresAt
	createNotification(t, store, expired)

	query := domain.ListQuery{UserID: "user-1", Now: now.Add(10 * time.Minute), PageSize: 2}
	first, err := store.ListNotifications(ctx, query)
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Notifications) != 2 {
		t.Fatalf("first page len = %d, want 2", len(first.Notifications))
	}
	if first.Notifications[0].ID != "n-3" || first.Notifications[1].ID != "n-2" {
		t.Fatalf("first page = %s,%s, want n-3,n-2", first.Notifications[0].ID, first.Notifications[1].ID)
	}
	if first.NextPageToken != "n-2" {
		t.Fatalf("next page token = %q, want %q", first.NextPageToken, "n-2")
	}

	query.PageToken = first.NextPageToken
	second, err := store.ListNotifications(ctx, query)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Notifications) != 1 || second.Notifications[0].ID != "n-1" {
		t.Fatalf("second page = %+v, want [n-1]", second.Notifications)
	}
	if second.NextPageToken != "" {
		t.Fatalf("next page token = %q, want empty", second.NextPageToken)
	}

	unread, err := store.CountUnreadNotifications(ctx, "user-1", now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 3 {
		t.Fatalf("unread = %d, want 3", unread)
	}

	later, err := store.CountUnreadNotifications(ctx, "user-1", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("count unread later: %v", err)
	}
	if later != 4 {
		t.Fatalf("unread after schedule = %d, want 4", later)
	}

	got, err := store.GetNotification(ctx, "user-1", "n-1")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got.ChannelStatus[domain.ChannelInApp] != domain.DeliveryDelivered {
		t.Fatalf("in-app status = %q, want delivered", got.ChannelStatus[domain.ChannelInApp])
	}
	if len(got.Channels) != 2 || got.Channels[1] != domain.ChannelEmail {
		t.Fatalf("channels = %v, want [in_app email]", got.Channels)
	}
	if _, err := store.GetNotification(ctx, "user-2", "n-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get as other user err = %v, want not found", err)
	}
}

func TestMarkNotificationReadIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now))

	first, err := store.MarkNotificationRead(ctx, "user-1", "n-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first.IsRead || first.ReadAt == nil {
		t.Fatalf("expected read notification, got %+v", first)
	}
	second, err := store.MarkNotificationRead(ctx, "user-1", "n-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if !second.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read at moved from %s to %s", first.ReadAt, second.ReadAt)
	}
	if _, err := store.MarkNotificationRead(ctx, "user-2", "n-1", now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("mark read as other user err = %v, want not found", err)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now))
	createNotification(t, store, testNotification("n-2", "user-1", now.Add(time.Second)))
	createNotification(t, store, testNotification("n-3", "user-2", now))

	updated, err := store.MarkAllNotificationsRead(ctx, "user-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2", updated)
	}
	unread, err := store.CountUnreadNotifications(ctx, "user-2", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("other user unread = %d, want 1", unread)
	}
}

func TestArchiveAndPinKeepFlagsAndTimestampsInStep(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now))

	archived, err := store.SetNotificationArchived(ctx, "user-1", "n-1", true, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.IsArchived || archived.ArchivedAt == nil {
		t.Fatalf("expected archived notification, got %+v", archived)
	}
	again, err := store.SetNotificationArchived(ctx, "user-1", "n-1", true, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("archive again: %v", err)
	}
	if !again.ArchivedAt.Equal(*archived.ArchivedAt) {
		t.Fatalf("archived at moved from %s to %s", archived.ArchivedAt, again.ArchivedAt)
	}

	page, err := store.ListNotifications(ctx, domain.ListQuery{UserID: "user-1", Now: now.Add(time.Hour), PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Notifications) != 0 {
		t.Fatalf("default list = %d notifications, want archived excluded", len(page.Notifications))
	}
	page, err = store.ListNotifications(ctx, domain.ListQuery{UserID: "user-1", Now: now.Add(time.Hour), PageSize: 10, ArchivedOnly: true})
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(page.Notifications) != 1 {
		t.Fatalf("archived list = %d notifications, want 1", len(page.Notifications))
	}

	restored, err := store.SetNotificationArchived(ctx, "user-1", "n-1", false, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if restored.IsArchived || restored.ArchivedAt != nil {
		t.Fatalf("expected unarchived notification, got %+v", restored)
	}

	pinned, err := store.SetNotificationPinned(ctx, "user-1", "n-1", true, now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !pinned.IsPinned || pinned.PinnedAt == nil {
		t.Fatalf("expected pinned notification, got %+v", pinned)
	}
	if _, err := store.SetNotificationPinned(ctx, "user-1", "missing", true, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("pin missing err = %v, want not found", err)
	}
}

func TestCreateNotificationRejectsDedupeConflictAtomically(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	first := testNotification("n-1", "user-1", now)
	first.DedupeKey = "proposal:42"
	createNotification(t, store, first)

	second := testNotification("n-2", "user-1", now.Add(time.Minute))
	second.DedupeKey = "proposal:42"
	err := store.CreateNotification(ctx, testBundle(second, now))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	jobs, err := store.ListJobs(ctx, "n-2")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %d, want rollback", len(jobs))
	}

	found, err := store.GetNotificationByDedupeKey(ctx, "user-1", "proposal:42")
	if err != nil {
		t.Fatalf("get by dedupe key: %v", err)
	}
	if found.ID != "n-1" {
		t.Fatalf("dedupe lookup = %q, want n-1", found.ID)
	}

	other := testNotification("n-3", "user-2", now)
	other.DedupeKey = "proposal:42"
	createNotification(t, store, other)
}

func TestCreateNotificationClaimsFrequencyWindow(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	claim := &domain.FiringClaim{TriggerKey: "task.overdue", UserID: "user-1", EntityKey: "task:9", Window: time.Hour}

	first := testBundle(testNotification("n-1", "user-1", now), now)
	first.Firing = claim
	if err := store.CreateNotification(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	second := testBundle(testNotification("n-2", "user-1", now.Add(30*time.Minute)), now.Add(30*time.Minute))
	second.Firing = claim
	if err := store.CreateNotification(ctx, second); !errors.Is(err, domain.ErrFrequencyLimited) {
		t.Fatalf("second create err = %v, want frequency limited", err)
	}
	if _, err := store.GetNotification(ctx, "user-1", "n-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("limited notification persisted: %v", err)
	}

	otherEntity := testBundle(testNotification("n-3", "user-1", now.Add(30*time.Minute)), now.Add(30*time.Minute))
	otherEntity.Firing = &domain.FiringClaim{TriggerKey: "task.overdue", UserID: "user-1", EntityKey: "task:10", Window: time.Hour}
	if err := store.CreateNotification(ctx, otherEntity); err != nil {
		t.Fatalf("other entity create: %v", err)
	}

	third := testBundle(testNotification("n-4", "user-1", now.Add(61*time.Minute)), now.Add(61*time.Minute))
	third.Firing = claim
	if err := store.CreateNotification(ctx, third); err != nil {
		t.Fatalf("create after window: %v", err)
	}
}

func TestCreateNotificationDisplacesWholeNotification(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	low := testNotification("n-low", "user-1", now)
	low.Severity = domain.SeverityLow
	low.Channels = append(low.Channels, domain.ChannelPush)
	low.ChannelStatus[domain.ChannelPush] = domain.DeliveryPending
	lowBundle := testBundle(low, now)
	pushJob := lowBundle.Jobs[0]
	pushJob.ID = "job-n-low-push"
	pushJob.Channel = domain.ChannelPush
	lowBundle.Jobs = append(lowBundle.Jobs, pushJob)
	if err := store.CreateNotification(ctx, lowBundle); err != nil {
		t.Fatalf("create low: %v", err)
	}
	started := testBundle(testNotification("n-started", "user-1", now), now)
	started.Jobs[0].Priority = domain.SeverityCritical.Priority()
	if err := store.CreateNotification(ctx, started); err != nil {
		t.Fatalf("create started: %v", err)
	}
	if _, ok, err := store.ClaimNextJob(ctx, now); err != nil || !ok {
		t.Fatalf("claim = %v, %v; want a job", ok, err)
	}

	count, err := store.CountQueuedNotificationsSince(ctx, "user-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count queued: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 notifications", count)
	}
	lowest, err := store.LowestDisplaceableSince(ctx, "user-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("lowest displaceable: %v", err)
	}
	if lowest.NotificationID != "n-low" || lowest.Priority != domain.SeverityLow.Priority() {
		t.Fatalf("lowest = %+v, want n-low", lowest)
	}

	high := testBundle(testNotification("n-high", "user-1", now.Add(time.Minute)), now.Add(time.Minute))
	high.DisplaceNotificationID = lowest.NotificationID
	if err := store.CreateNotification(ctx, high); err != nil {
		t.Fatalf("create high: %v", err)
	}

	for _, id := range []string{"job-n-low", "job-n-low-push"} {
		cancelled, err := store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if cancelled.Status != domain.JobCancelled {
			t.Fatalf("%s status = %q, want cancelled", id, cancelled.Status)
		}
	}
	displaced, err := store.GetNotification(ctx, "user-1", "n-low")
	if err != nil {
		t.Fatalf("get displaced: %v", err)
	}
	for _, channel := range []domain.Channel{domain.ChannelEmail, domain.ChannelPush} {
		if got := displaced.ChannelStatus[channel]; got != domain.DeliveryFailed {
			t.Fatalf("%s status = %q, want failed", channel, got)
		}
	}
	if got := displaced.ChannelStatus[domain.ChannelInApp]; got != domain.DeliveryDelivered {
		t.Fatalf("in-app status = %q, want delivered", got)
	}
	count, err = store.CountQueuedNotificationsSince(ctx, "user-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count queued: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want displaced notification excluded", count)
	}
	if _, err := store.LowestDisplaceableSince(ctx, "user-1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("lowest after displace: %v", err)
	}
}

func TestClaimNextJobOrdersByPriorityThenSchedule(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		id       string
		priority int
		at       time.Time
	}{
		{id: "n-normal-late", priority: 2, at: now.Add(-time.Minute)},
		{id: "n-normal-early", priority: 2, at: now.Add(-2 * time.Minute)},
		{id: "n-critical", priority: 4, at: now.Add(-time.Second)},
		{id: "n-future", priority: 4, at: now.Add(time.Hour)},
	} {
		bundle := testBundle(testNotification(tc.id, "user-1", now.Add(-time.Hour)), now.Add(-time.Hour))
		bundle.Jobs[0].Priority = tc.priority
		bundle.Jobs[0].ScheduledFor = tc.at
		if err := store.CreateNotification(ctx, bundle); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
	}

	want := []string{"job-n-critical", "job-n-normal-early", "job-n-normal-late"}
	for _, id := range want {
		job, ok, err := store.ClaimNextJob(ctx, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			t.Fatalf("expected job %s", id)
		}
		if job.ID != id {
			t.Fatalf("claimed %q, want %q", job.ID, id)
		}
		if job.Status != domain.JobProcessing || job.ProcessedAt == nil {
			t.Fatalf("claimed job not leased: %+v", job)
		}
	}
	if _, ok, err := store.ClaimNextJob(ctx, now); err != nil || ok {
		t.Fatalf("claim after drain = %v/%v, want nothing due", ok, err)
	}
}

func TestClaimNextJobHandsEachJobToOneWorker(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now.Add(-time.Minute)))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, ok, err := store.ClaimNextJob(ctx, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				claimed = append(claimed, job.ID)
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %v, want exactly one winner", claimed)
	}
}

func TestFinishJobRetriesThenSettles(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now.Add(-time.Minute)))
	policy := domain.RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: time.Minute}

	job, ok, err := store.ClaimNextJob(ctx, now)
	if err != nil || !ok {
		t.Fatalf("claim = %v/%v", ok, err)
	}
	failed := domain.ApplyFailure(job, "timeout", false, now, policy)
	if err := store.FinishJob(ctx, failed, testAttempt("log-1", job, domain.DeliveryFailed, now)); err != nil {
		t.Fatalf("finish failed attempt: %v", err)
	}
	if err := store.FinishJob(ctx, failed, testAttempt("log-dup", job, domain.DeliveryFailed, now)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("finish unleased job err = %v, want conflict", err)
	}

	notification, err := store.GetNotification(ctx, "user-1", "n-1")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got := notification.ChannelStatus[domain.ChannelEmail]; got != domain.DeliveryPending {
		t.Fatalf("email status after retryable failure = %q, want pending", got)
	}

	if _, ok, _ := store.ClaimNextJob(ctx, now); ok {
		t.Fatal("job claimed before its backoff elapsed")
	}
	retry, ok, err := store.ClaimNextJob(ctx, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("claim retry = %v/%v", ok, err)
	}
	if retry.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", retry.Attempts)
	}
	done := domain.ApplySuccess(retry, now.Add(time.Minute))
	if err := store.FinishJob(ctx, done, testAttempt("log-2", retry, domain.DeliverySent, now.Add(time.Minute))); err != nil {
		t.Fatalf("finish success: %v", err)
	}

	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != domain.JobCompleted || stored.Attempts != 2 || stored.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", stored)
	}
	notification, err = store.GetNotification(ctx, "user-1", "n-1")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got := notification.ChannelStatus[domain.ChannelEmail]; got != domain.DeliverySent {
		t.Fatalf("email status = %q, want sent", got)
	}
	logs, err := store.ListDeliveryLogs(ctx, "n-1")
	if err != nil {
		t.Fatalf("list delivery logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("delivery logs = %d, want in-app plus two attempts", len(logs))
	}
}

func TestReleaseStaleJobsCountsTheAbandonedAttempt(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	fresh := testBundle(testNotification("n-fresh", "user-1", now.Add(-time.Hour)), now.Add(-time.Hour))
	if err := store.CreateNotification(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	last := testBundle(testNotification("n-last", "user-1", now.Add(-time.Hour)), now.Add(-time.Hour))
	last.Jobs[0].Attempts = 2
	last.Jobs[0].ScheduledFor = now.Add(-2 * time.Hour)
	if err := store.CreateNotification(ctx, last); err != nil {
		t.Fatalf("create last: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, ok, err := store.ClaimNextJob(ctx, now.Add(-10*time.Minute)); err != nil || !ok {
			t.Fatalf("claim %d = %v/%v", i, ok, err)
		}
	}

	released, err := store.ReleaseStaleJobs(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("release stale jobs: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	pending, err := store.GetJob(ctx, "job-n-fresh")
	if err != nil {
		t.Fatalf("get fresh job: %v", err)
	}
	if pending.Status != domain.JobPending || pending.Attempts != 1 || pending.ProcessedAt != nil {
		t.Fatalf("unexpected released job %+v", pending)
	}
	exhausted, err := store.GetJob(ctx, "job-n-last")
	if err != nil {
		t.Fatalf("get last job: %v", err)
	}
	if exhausted.Status != domain.JobFailed || exhausted.Attempts != exhausted.MaxAttempts {
		t.Fatalf("unexpected exhausted job %+v", exhausted)
	}
}

func TestRecordEngagementAdvancesDelivery(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	createNotification(t, store, testNotification("n-1", "user-1", now))

	clicked, err := store.RecordEngagement(ctx, "log-inapp-n-1", domain.EngagementClicked, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if clicked.Status != domain.DeliveryClicked || clicked.InteractionCount != 1 {
		t.Fatalf("unexpected clicked entry %+v", clicked)
	}
	opened, err := store.RecordEngagement(ctx, "log-inapp-n-1", domain.EngagementOpened, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened.Status != domain.DeliveryClicked || opened.InteractionCount != 2 {
		t.Fatalf("status moved backwards: %+v", opened)
	}
	notification, err := store.GetNotification(ctx, "user-1", "n-1")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got := notification.ChannelStatus[domain.ChannelInApp]; got != domain.DeliveryClicked {
		t.Fatalf("in-app status = %q, want clicked", got)
	}
	if _, err := store.RecordEngagement(ctx, "missing", domain.EngagementOpened, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing log err = %v, want not found", err)
	}
}

func TestGroupCountersFollowConstituents(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	entity := domain.EntityRef{Type: "proposal", ID: "42"}
	key := domain.GroupKeyFor(entity, "proposals")

	for i, id := range []string{"n-1", "n-2"} {
		at := now.Add(time.Duration(i) * time.Minute)
		n := testNotification(id, "user-1", at)
		n.RelatedEntity = entity
		n.GroupKey = key
		bundle := testBundle(n, at)
		bundle.Group = &domain.Group{
			UserID:         "user-1",
			GroupKey:       key,
			GroupType:      "proposals",
			Title:          "Proposta " + id,
			RelatedEntity:  entity,
			LastActivityAt: at,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		if err := store.CreateNotification(ctx, bundle); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.MarkNotificationRead(ctx, "user-1", "n-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	groups, err := store.ListGroups(ctx, "user-1")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	group := groups[0]
	if group.TotalNotifications != 2 || group.UnreadNotifications != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", group.TotalNotifications, group.UnreadNotifications)
	}
	if group.Title != "Proposta n-2" || !group.LastActivityAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("group not refreshed by latest notification: %+v", group)
	}

	collapsed, err := store.SetGroupCollapsed(ctx, "user-1", key, true, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if !collapsed.IsCollapsed {
		t.Fatal("expected collapsed group")
	}
	if _, err := store.SetGroupCollapsed(ctx, "user-2", key, true, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("collapse other user err = %v, want not found", err)
	}
}

func TestMaintenanceSweeps(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	expired := testNotification("n-expired", "user-1", now.Add(-2*time.Hour))
	expiresAt := now.Add(-time.Hour)
	expired.ExpiresAt = &expiresAt
	createNotification(t, store, expired)
	createNotification(t, store, testNotification("n-read", "user-1", now.Add(-48*time.Hour)))
	createNotification(t, store, testNotification("n-other", "user-2", now.Add(-48*time.Hour)))

	deleted, err := store.DeleteExpiredNotifications(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if logs, err := store.ListDeliveryLogs(ctx, "n-expired"); err != nil || len(logs) != 0 {
		t.Fatalf("delivery logs of deleted notification = %d/%v, want cascade", len(logs), err)
	}

	prefs := domain.DefaultPreferences("user-1")
	prefs.AutoArchiveEnabled = true
	prefs.UpdatedAt = now
	if err := store.PutPreferences(ctx, prefs); err != nil {
		t.Fatalf("put preferences: %v", err)
	}
	for _, user := range []string{"user-1", "user-2"} {
		if _, err := store.MarkAllNotificationsRead(ctx, user, now.Add(-47*time.Hour)); err != nil {
			t.Fatalf("mark all read: %v", err)
		}
	}
	archived, err := store.ArchiveReadNotifications(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("auto-archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want only the opted-in user", archived)
	}
}

func TestTemplatesAndTriggers(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	tpl := domain.Template{
		Key:             "proposal.approved",
		Name:            "Proposal approved",
		TitleTemplate:   "Proposta {entityId} aprovada",
		MessageTemplate: "Valor {amount}",
		DefaultType:     domain.TypeSuccess,
		DefaultSeverity: domain.SeverityHigh,
		DefaultChannels: []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
		Locale:          "pt-BR",
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	first, err := store.PutTemplate(ctx, tpl)
	if err != nil {
		t.Fatalf("put template: %v", err)
	}
	tpl.MessageTemplate = "Valor aprovado {amount}"
	tpl.UpdatedAt = now.Add(time.Minute)
	second, err := store.PutTemplate(ctx, tpl)
	if err != nil {
		t.Fatalf("update template: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d/%d, want 1/2", first.Version, second.Version)
	}
	if !second.CreatedAt.Equal(now) || second.MessageTemplate != "Valor aprovado {amount}" {
		t.Fatalf("unexpected updated template %+v", second)
	}

	condition := domain.All{Conditions: []domain.Condition{
		domain.Compare{Field: "newState.status", Op: domain.OpEq, Value: "approved"},
		domain.Changed{Field: "status"},
	}}
	trigger := domain.Trigger{
		Key:            "proposal-approved",
		Name:           "Proposal approved",
		EventType:      "proposal.updated",
		EntityType:     "proposal",
		Conditions:     condition,
		TemplateKey:    "proposal.approved",
		Overrides:      domain.Overrides{Severity: domain.SeverityCritical, Channels: []domain.Channel{domain.ChannelSMS}, ExpiresIn: 24 * time.Hour},
		Delay:          5 * time.Minute,
		FrequencyLimit: domain.FrequencyLimit{Window: time.Hour, Scope: domain.FrequencyPerEntity},
		Target: domain.Target{
			Actor:      true,
			Roles:      []string{"broker"},
			Conditions: domain.Not{Condition: domain.Compare{Field: "recipient.isActor", Op: domain.OpEq, Value: true}},
		},
		Priority:  10,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, err := store.PutTrigger(ctx, trigger)
	if err != nil {
		t.Fatalf("put trigger: %v", err)
	}
	wantCondition, err := domain.MarshalCondition(condition)
	if err != nil {
		t.Fatalf("marshal condition: %v", err)
	}
	gotCondition, err := domain.MarshalCondition(stored.Conditions)
	if err != nil {
		t.Fatalf("marshal stored condition: %v", err)
	}
	if gotCondition != wantCondition {
		t.Fatalf("condition = %s, want %s", gotCondition, wantCondition)
	}
	if stored.Delay != 5*time.Minute || stored.FrequencyLimit.Window != time.Hour || stored.Overrides.ExpiresIn != 24*time.Hour {
		t.Fatalf("durations not preserved: %+v", stored)
	}
	if len(stored.Target.Roles) != 1 || !stored.Target.Actor {
		t.Fatalf("target = %+v", stored.Target)
	}
	gotTarget, err := domain.MarshalCondition(stored.Target.Conditions)
	if err != nil {
		t.Fatalf("marshal stored target condition: %v", err)
	}
	wantTarget, err := domain.MarshalCondition(trigger.Target.Conditions)
	if err != nil {
		t.Fatalf("marshal target condition: %v", err)
	}
	if gotTarget == "" || gotTarget != wantTarget {
		t.Fatalf("target condition = %q, want %q", gotTarget, wantTarget)
	}

	missing := trigger
	missing.Key = "dangling"
	missing.TemplateKey = "nope"
	if _, err := store.PutTrigger(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("put dangling trigger err = %v, want not found", err)
	}

	matched, err := store.ListTriggersForEvent(ctx, "proposal.updated", "proposal")
	if err != nil {
		t.Fatalf("list triggers for event: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("matched = %d, want 1", len(matched))
	}
	if _, err := store.SetTriggerActive(ctx, "proposal-approved", false, now); err != nil {
		t.Fatalf("deactivate trigger: %v", err)
	}
	matched, err = store.ListTriggersForEvent(ctx, "proposal.updated", "proposal")
	if err != nil {
		t.Fatalf("list triggers after deactivate: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("matched = %d, want inactive trigger skipped", len(matched))
	}
}

func TestPreferencesDirectoryAndDevices(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	if _, err := store.GetPreferences(ctx, "user-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing preferences err = %v, want not found", err)
	}
	prefs := domain.DefaultPreferences("user-1")
	prefs.QuietHours = domain.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	prefs.Timezone = "America/Sao_Paulo"
	prefs.CategoryOverrides = map[string]map[domain.Channel]bool{"billing": {domain.ChannelEmail: false}}
	prefs.MaxNotificationsPerDay = 5
	prefs.UpdatedAt = now
	if err := store.PutPreferences(ctx, prefs); err != nil {
		t.Fatalf("put preferences: %v", err)
	}
	got, err := store.GetPreferences(ctx, "user-1")
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if !got.QuietHours.Enabled || got.Timezone != "America/Sao_Paulo" || got.MaxNotificationsPerDay != 5 {
		t.Fatalf("unexpected preferences %+v", got)
	}
	if got.ChannelEnabled(domain.ChannelEmail, "billing") {
		t.Fatal("expected category override to survive storage")
	}

	for _, contact := range []domain.Contact{
		{UserID: "user-1", Email: "ana@example.com", Roles: []string{"broker", "manager"}, UpdatedAt: now},
		{UserID: "user-2", Email: "bia@example.com", Roles: []string{"broker"}, UpdatedAt: now},
	} {
		if err := store.PutContact(ctx, contact); err != nil {
			t.Fatalf("put contact %s: %v", contact.UserID, err)
		}
	}
	brokers, err := store.ListUserIDsByRole(ctx, "broker")
	if err != nil {
		t.Fatalf("list brokers: %v", err)
	}
	if len(brokers) != 2 || brokers[0] != "user-1" || brokers[1] != "user-2" {
		t.Fatalf("brokers = %v, want [user-1 user-2]", brokers)
	}
	if err := store.PutContact(ctx, domain.Contact{UserID: "user-1", Email: "ana@example.com", Roles: []string{"manager"}, UpdatedAt: now}); err != nil {
		t.Fatalf("replace contact: %v", err)
	}
	contact, err := store.GetContact(ctx, "user-1")
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	if len(contact.Roles) != 1 || contact.Roles[0] != "manager" {
		t.Fatalf("roles = %v, want [manager]", contact.Roles)
	}

	if err := store.PutDeviceToken(ctx, domain.DeviceToken{Token: "tok-1", UserID: "user-1", Platform: "android", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put device: %v", err)
	}
	if err := store.PutDeviceToken(ctx, domain.DeviceToken{Token: "tok-1", UserID: "user-2", Platform: "android", CreatedAt: now, UpdatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("move device: %v", err)
	}
	devices, err := store.ListDeviceTokens(ctx, "user-1")
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("user-1 devices = %d, want token moved away", len(devices))
	}
	if err := store.DeleteDeviceToken(ctx, "tok-1"); err != nil {
		t.Fatalf("delete device: %v", err)
	}
}

func TestListActivityWithFilter(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	for i, entry := range []domain.ActivityEntry{
		{ID: "a-1", UserID: "user-1", Action: "proposal.created", Entity: domain.EntityRef{Type: "proposal", ID: "1"}, Success: true},
		{ID: "a-2", UserID: "user-1", Action: "proposal.updated", Entity: domain.EntityRef{Type: "proposal", ID: "1"}, Success: true},
		{ID: "a-3", UserID: "user-2", Action: "task.created", Entity: domain.EntityRef{Type: "task", ID: "7"}, Success: false},
		{ID: "a-4", UserID: "user-1", Action: "proposal.updated", Entity: domain.EntityRef{Type: "proposal", ID: "2"}, Success: true},
	} {
		entry.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		if err := store.PutActivity(ctx, entry); err != nil {
			t.Fatalf("put activity %s: %v", entry.ID, err)
		}
	}
	if err := store.AnnotateActivity(ctx, "a-2", []string{"n-1", "n-2"}); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	condition, err := filter.ParseActivityFilter(`entity_type = "proposal" AND user_id = "user-1"`)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	page, err := store.ListActivity(ctx, condition, 2, "")
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].ID != "a-4" || page.Entries[1].ID != "a-2" {
		t.Fatalf("first page = %+v", page.Entries)
	}
	if page.Entries[1].NotificationCount != 2 || len(page.Entries[1].TriggeredNotifications) != 2 {
		t.Fatalf("annotation lost: %+v", page.Entries[1])
	}
	next, err := store.ListActivity(ctx, condition, 2, page.NextPageToken)
	if err != nil {
		t.Fatalf("list next page: %v", err)
	}
	if len(next.Entries) != 1 || next.Entries[0].ID != "a-1" || next.NextPageToken != "" {
		t.Fatalf("next page = %+v", next)
	}
	if err := store.AnnotateActivity(ctx, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("annotate missing err = %v, want not found", err)
	}
}

func TestAggregateDayAndPartitions(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := day.Add(9 * time.Hour)

	createNotification(t, store, testNotification("n-1", "user-1", now))
	createNotification(t, store, testNotification("n-2", "user-2", now))
	if err := store.PutActivity(ctx, domain.ActivityEntry{ID: "a-1", UserID: "user-1", Action: "x", Entity: domain.EntityRef{Type: "t"}, CreatedAt: now}); err != nil {
		t.Fatalf("put activity: %v", err)
	}

	for i, outcome := range []domain.DeliveryStatus{domain.DeliverySent, domain.DeliveryBounced} {
		job, ok, err := store.ClaimNextJob(ctx, now)
		if err != nil || !ok {
			t.Fatalf("claim %d = %v/%v", i, ok, err)
		}
		settled := domain.ApplySuccess(job, now)
		if outcome == domain.DeliveryBounced {
			settled = domain.ApplyFailure(job, "mailbox unavailable", true, now, domain.DefaultRetryPolicy())
		}
		if err := store.FinishJob(ctx, settled, testAttempt("log-"+job.ID, job, outcome, now)); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}
	if _, err := store.RecordEngagement(ctx, "log-inapp-n-1", domain.EngagementClicked, now.Add(time.Minute)); err != nil {
		t.Fatalf("click: %v", err)
	}

	m, err := store.AggregateDay(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("aggregate day: %v", err)
	}
	// Two in-app rows plus two email attempts.
	if m.Sent != 4 || m.Bounced != 1 || m.Delivered != 2 || m.Clicked != 1 {
		t.Fatalf("counts = sent %d bounced %d delivered %d clicked %d", m.Sent, m.Bounced, m.Delivered, m.Clicked)
	}
	if m.BounceRate != 0.25 || m.ClickThroughRate != 0.5 {
		t.Fatalf("rates = %v/%v, want 0.25/0.5", m.BounceRate, m.ClickThroughRate)
	}
	if m.ByCategory["general"] != 2 || m.ByChannel[domain.ChannelInApp] != 2 || m.ActiveUsers != 1 {
		t.Fatalf("breakdowns = %v %v active %d", m.ByCategory, m.ByChannel, m.ActiveUsers)
	}

	m.UpdatedAt = now
	if err := store.PutMetricsPartition(ctx, m); err != nil {
		t.Fatalf("put partition: %v", err)
	}
	stored, err := store.GetMetricsPartition(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("get partition: %v", err)
	}
	if stored.Sent != 4 || stored.ByChannel[domain.ChannelEmail] != 2 {
		t.Fatalf("unexpected stored partition %+v", stored)
	}
	listed, err := store.ListMetricsPartitions(ctx, "2026-03-01", "2026-03-03")
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("partitions = %d, want 1", len(listed))
	}
	if _, err := store.AggregateDay(ctx, "2026-13-01"); !domain.IsValidation(err) {
		t.Fatalf("bad date err = %v, want validation error", err)
	}
}

func testNotification(id, userID string, at time.Time) domain.Notification {
	return domain.Notification{
		ID:       id,
		UserID:   userID,
		Type:     domain.TypeInfo,
		Severity: domain.SeverityNormal,
		Title:    "Title " + id,
		Message:  "Message " + id,
		Category: "general",
		Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
		ChannelStatus: map[domain.Channel]domain.DeliveryStatus{
			domain.ChannelInApp: domain.DeliveryDelivered,
			domain.ChannelEmail: domain.DeliveryPending,
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// testBundle pairs n with its in-app delivery row and one email job due at n's
// creation time.
func testBundle(n domain.Notification, at time.Time) domain.NotificationBundle {
	return domain.NotificationBundle{
		Notification: n,
		InAppDelivery: domain.DeliveryLogEntry{
			ID:             "log-inapp-" + n.ID,
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        domain.ChannelInApp,
			Status:         domain.DeliveryDelivered,
			SentAt:         &at,
			DeliveredAt:    &at,
			CreatedAt:      at,
			UpdatedAt:      at,
		},
		Jobs: []domain.QueueJob{{
			ID:             "job-" + n.ID,
			Type:           domain.JobTypeDeliver,
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        domain.ChannelEmail,
			Priority:       n.Severity.Priority(),
			Status:         domain.JobPending,
			MaxAttempts:    3,
			ScheduledFor:   at,
			CreatedAt:      at,
			UpdatedAt:      at,
		}},
	}
}

func testAttempt(id string, job domain.QueueJob, status domain.DeliveryStatus, at time.Time) domain.DeliveryLogEntry {
	return domain.DeliveryLogEntry{
		ID:             id,
		NotificationID: job.NotificationID,
		JobID:          job.ID,
		UserID:         job.UserID,
		Channel:        job.Channel,
		Status:         status,
		Provider:       "test",
		RetryCount:     job.Attempts,
		SentAt:         &at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func createNotification(t *testing.T, store *Store, n domain.Notification) {
	t.Helper()
	if err := store.CreateNotification(context.Background(), testBundle(n, n.CreatedAt)); err != nil {
		t.Fatalf("create notification %s: %v", n.ID, err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "notifications.db")
	store, err := Open(storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Fatalf("close store: %v", closeErr)
		}
	})
	return store
}
