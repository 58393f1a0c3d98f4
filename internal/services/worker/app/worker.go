package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tidwall/gjson"
	"github.com/ventushub/notifications/internal/platform/id"
	platformotel "github.com/ventushub/notifications/internal/platform/otel"
	"github.com/ventushub/notifications/internal/platform/timeouts"
	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/render"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName = "github.com/ventushub/notifications/worker"

	defaultPollInterval  = 2 * time.Second
	defaultLeaseTTL      = 2 * time.Minute
	defaultConcurrency   = 2
	defaultRetryJitter   = 0.2
	finishTimeout        = 5 * time.Second
	releaseIntervalDenom = 2
)

// Store is the queue and directory surface the worker needs.
type Store interface {
	ClaimNextJob(ctx context.Context, now time.Time) (notificationsdomain.QueueJob, bool, error)
	FinishJob(ctx context.Context, job notificationsdomain.QueueJob, entry notificationsdomain.DeliveryLogEntry) error
	ReleaseStaleJobs(ctx context.Context, leasedBefore time.Time, now time.Time) (int, error)
	GetNotificationByID(ctx context.Context, notificationID string) (notificationsdomain.Notification, error)
	GetContact(ctx context.Context, userID string) (notificationsdomain.Contact, error)
	ListDeviceTokens(ctx context.Context, userID string) ([]notificationsdomain.DeviceToken, error)
}

// Observer is told when a delivery outcome is stored.
type Observer interface {
	Observe(ctx context.Context, at time.Time)
}

// Config controls the delivery loop.
type Config struct {
	PollInterval time.Duration
	// LeaseTTL is how long a claimed job may stay in processing before it is
	// handed back to the queue.
	LeaseTTL       time.Duration
	AttemptTimeout time.Duration
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	Concurrency    int
}

func (c Config) normalized() Config {
	defaults := notificationsdomain.DefaultRetryPolicy()
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = timeouts.DeliveryAttempt
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.BaseDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = max(defaults.MaxDelay, c.RetryBackoff)
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		c.RetryJitter = defaultRetryJitter
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

func (c Config) retryPolicy() notificationsdomain.RetryPolicy {
	return notificationsdomain.RetryPolicy{BaseDelay: c.RetryBackoff, MaxDelay: c.RetryMaxDelay, Jitter: c.RetryJitter}
}

// Worker claims queued deliveries and hands them to channel providers.
type Worker struct {
	store    Store
	senders  map[notificationsdomain.Channel]workerdomain.Sender
	observer Observer
	config   Config
	clock    func() time.Time
	newID    func() (string, error)
	tracer   trace.Tracer
}

// New builds a worker. Channels without a sender fail their jobs
// permanently; observer and clock may be nil.
func New(store Store, senders map[notificationsdomain.Channel]workerdomain.Sender, observer Observer, config Config, clock func() time.Time) *Worker {
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		store:    store,
		senders:  senders,
		observer: observer,
		config:   config.normalized(),
		clock:    clock,
		newID:    id.NewID,
		tracer:   platformotel.Tracer(tracerName),
	}
}

// Run polls the queue with Concurrency goroutines and releases stale leases
// until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.store == nil {
		return errors.New("worker store is not configured")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		group.Go(func() error {
			w.poll(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		w.releaseLoop(groupCtx)
		return nil
	})
	return group.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("worker: %v", err)
		}
		if processed {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.config.PollInterval)
	}
}

func (w *Worker) releaseLoop(ctx context.Context) {
	ticker := time.NewTicker(max(w.config.LeaseTTL/releaseIntervalDenom, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ReleaseStale(ctx); err != nil && ctx.Err() == nil {
				log.Printf("worker: %v", err)
			}
		}
	}
}

// ReleaseStale hands jobs whose lease expired back to the queue.
func (w *Worker) ReleaseStale(ctx context.Context) (int, error) {
	now := w.clock().UTC()
	released, err := w.store.ReleaseStaleJobs(ctx, now.Add(-w.config.LeaseTTL), now)
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	if released > 0 {
		log.Printf("worker: released %d stale jobs", released)
	}
	return released, nil
}

// ProcessNext claims and settles at most one due job. It reports whether a
// job was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := w.store.ClaimNextJob(ctx, w.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job notificationsdomain.QueueJob) error {
	ctx, span := w.tracer.Start(ctx, "worker.Deliver", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.channel", string(job.Channel)),
		attribute.Int("job.attempt", job.Attempts+1),
		attribute.String("notification.id", job.NotificationID),
		attribute.String("notification.category", gjson.Get(job.PayloadJSON, "category").String()),
	))
	defer span.End()

	deliveryID, err := w.newID()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("generate delivery id: %w", err)
	}
	receipt, sendErr := w.attempt(ctx, job, deliveryID)
	finishedAt := w.clock().UTC()

	scheduledAt := job.ScheduledFor
	entry := notificationsdomain.DeliveryLogEntry{
		ID:             deliveryID,
		NotificationID: job.NotificationID,
		JobID:          job.ID,
		UserID:         job.UserID,
		Channel:        job.Channel,
		PayloadJSON:    job.PayloadJSON,
		RetryCount:     job.Attempts,
		ScheduledAt:    &scheduledAt,
		CreatedAt:      finishedAt,
		UpdatedAt:      finishedAt,
	}

	var next notificationsdomain.QueueJob
	if sendErr == nil {
		next = notificationsdomain.ApplySuccess(job, finishedAt)
		entry.Status = notificationsdomain.DeliverySent
		entry.Provider = receipt.Provider
		entry.ExternalID = receipt.ExternalID
		entry.SentAt = &finishedAt
		if receipt.Delivered {
			entry.Status = notificationsdomain.DeliveryDelivered
			entry.DeliveredAt = &finishedAt
		}
	} else {
		status, fatal := classify(sendErr)
		next = notificationsdomain.ApplyFailure(job, sendErr.Error(), fatal, finishedAt, w.config.retryPolicy())
		entry.Status = status
		entry.ErrorMessage = sendErr.Error()
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
	}
	span.SetAttributes(
		attribute.String("delivery.status", string(entry.Status)),
		attribute.String("job.status", string(next.Status)),
	)

	// The outcome is stored even when shutdown cancelled the attempt so the
	// lease is not left to expire.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := w.store.FinishJob(finishCtx, next, entry); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if sendErr != nil {
		log.Printf("worker: job %s %s attempt %d/%d: %v", job.ID, job.Channel, next.Attempts, next.MaxAttempts, sendErr)
	}
	if w.observer != nil {
		w.observer.Observe(finishCtx, finishedAt)
	}
	return nil
}

// attempt renders and sends one job under the per-attempt timeout.
func (w *Worker) attempt(ctx context.Context, job notificationsdomain.QueueJob, deliveryID string) (notificationsdomain.Receipt, error) {
	sender, ok := w.senders[job.Channel]
	if !ok || sender == nil {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(fmt.Errorf("no provider for channel %s", job.Channel))
	}
	msg, err := w.message(ctx, job, deliveryID)
	if err != nil {
		return notificationsdomain.Receipt{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
	defer cancel()
	receipt, err := sender.Send(attemptCtx, msg)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !workerdomain.IsPermanent(err) {
			return notificationsdomain.Receipt{}, &workerdomain.DeliveryError{
				Provider: string(job.Channel),
				Err:      fmt.Errorf("attempt timed out after %s: %w", w.config.AttemptTimeout, context.DeadlineExceeded),
			}
		}
		return notificationsdomain.Receipt{}, err
	}
	return receipt, nil
}

func (w *Worker) message(ctx context.Context, job notificationsdomain.QueueJob, deliveryID string) (workerdomain.Message, error) {
	notification, err := w.store.GetNotificationByID(ctx, job.NotificationID)
	if err != nil {
		if errors.Is(err, notificationsdomain.ErrNotFound) {
			return workerdomain.Message{}, workerdomain.Permanent(err)
		}
		return workerdomain.Message{}, &workerdomain.DeliveryError{Provider: string(job.Channel), Err: fmt.Errorf("load notification: %w", err)}
	}
	if notification.Expired(w.clock()) {
		return workerdomain.Message{}, workerdomain.Permanent(fmt.Errorf("notification %s expired", notification.ID))
	}

	contact, err := w.store.GetContact(ctx, job.UserID)
	if err != nil && !errors.Is(err, notificationsdomain.ErrNotFound) {
		return workerdomain.Message{}, &workerdomain.DeliveryError{Provider: string(job.Channel), Err: fmt.Errorf("load contact: %w", err)}
	}

	msg := workerdomain.Message{
		DeliveryID:     deliveryID,
		NotificationID: notification.ID,
		UserID:         job.UserID,
		Channel:        job.Channel,
		Severity:       notification.Severity,
		Category:       notification.Category,
		Locale:         contact.Locale,
		Email:          contact.Email,
		Phone:          contact.Phone,
		Content: render.Render(render.PrinterFor(contact.Locale), render.Input{
			Notification: notification,
			Channel:      job.Channel,
		}),
	}
	if job.Channel == notificationsdomain.ChannelPush {
		devices, err := w.store.ListDeviceTokens(ctx, job.UserID)
		if err != nil {
			return workerdomain.Message{}, &workerdomain.DeliveryError{Provider: string(job.Channel), Err: fmt.Errorf("load device tokens: %w", err)}
		}
		for _, device := range devices {
			msg.DeviceTokens = append(msg.DeviceTokens, device.Token)
		}
	}
	return msg, nil
}

// classify maps a send error onto the delivery log status and whether the
// job must stop retrying.
func classify(err error) (notificationsdomain.DeliveryStatus, bool) {
	switch {
	case workerdomain.IsBounce(err):
		return notificationsdomain.DeliveryBounced, true
	case workerdomain.IsPermanent(err):
		return notificationsdomain.DeliveryFailed, true
	default:
		return notificationsdomain.DeliveryFailed, false
	}
}
