// Package activity records inbound user actions in the activity log and
// hands them to trigger evaluation.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ventushub/notifications/internal/platform/filter"
	"github.com/ventushub/notifications/internal/platform/id"
	"github.com/ventushub/notifications/internal/platform/pagination"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/triggers"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultEvalTimeout = 30 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("activity ingestor is closed")

// ErrQueueFull is returned by Submit when the asynchronous queue is saturated.
var ErrQueueFull = errors.New("activity queue is full")

// Store persists activity log entries.
type Store interface {
	PutActivity(ctx context.Context, entry domain.ActivityEntry) error
	AnnotateActivity(ctx context.Context, activityID string, notificationIDs []string) error
	ListActivity(ctx context.Context, condition filter.SQLCondition, pageSize int, pageToken string) (domain.ActivityPage, error)
}

// Evaluator turns one event into notifications.
type Evaluator interface {
	Evaluate(ctx context.Context, event domain.Event) (triggers.Result, error)
}

// Options configures an Ingestor.
type Options struct {
	Clock     func() time.Time
	NewID     func() (string, error)
	QueueSize int
	Workers   int
	// EvalTimeout bounds trigger evaluation of one submitted event.
	EvalTimeout time.Duration
}

// Result reports what one ingested event produced.
type Result struct {
	ActivityID      string
	NotificationIDs []string
}

// Ingestor persists events and runs trigger evaluation after each one.
type Ingestor struct {
	store       Store
	evaluator   Evaluator
	clock       func() time.Time
	newID       func() (string, error)
	evalTimeout time.Duration

	queue     chan domain.Event
	workers   sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewIngestor starts the asynchronous submit workers. Call Close to drain them.
func NewIngestor(store Store, evaluator Evaluator, opts Options) *Ingestor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = id.NewID
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = defaultEvalTimeout
	}
	ingestor := &Ingestor{
		store:       store,
		evaluator:   evaluator,
		clock:       opts.Clock,
		newID:       opts.NewID,
		evalTimeout: opts.EvalTimeout,
		queue:       make(chan domain.Event, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		ingestor.workers.Add(1)
		go ingestor.drain()
	}
	return ingestor
}

// Ingest validates and persists event, then evaluates triggers against it.
// The entry is stored before evaluation and kept even when evaluation fails;
// evaluation errors are logged, not returned.
func (i *Ingestor) Ingest(ctx context.Context, event domain.Event) (Result, error) {
	if i == nil || i.store == nil {
		return Result{}, errors.New("activity store is not configured")
	}
	event, err := domain.NormalizeEvent(event)
	if err != nil {
		return Result{}, err
	}
	entry, err := i.entryFor(event)
	if err != nil {
		return Result{}, err
	}
	if err := i.store.PutActivity(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("record activity: %w", err)
	}

	result := Result{ActivityID: entry.ID, NotificationIDs: []string{}}
	if i.evaluator == nil {
		return result, nil
	}
	evaluation, err := i.evaluator.Evaluate(ctx, event)
	if err != nil {
		log.Printf("evaluate triggers for activity %s: %v", entry.ID, err)
		return result, nil
	}
	result.NotificationIDs = evaluation.NotificationIDs()
	if len(result.NotificationIDs) == 0 {
		return result, nil
	}
	if err := i.store.AnnotateActivity(ctx, entry.ID, result.NotificationIDs); err != nil {
		log.Printf("annotate activity %s: %v", entry.ID, err)
	}
	return result, nil
}

// Submit validates event and queues it for asynchronous ingestion.
func (i *Ingestor) Submit(event domain.Event) error {
	event, err := domain.NormalizeEvent(event)
	if err != nil {
		return err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	select {
	case i.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting submissions and waits for queued events to finish.
func (i *Ingestor) Close() {
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
	})
	i.workers.Wait()
}

func (i *Ingestor) drain() {
	defer i.workers.Done()
	for event := range i.queue {
		ctx, cancel := context.WithTimeout(context.Background(), i.evalTimeout)
		if _, err := i.Ingest(ctx, event); err != nil {
			log.Printf("ingest %s by %s: %v", event.Action, event.UserID, err)
		}
		cancel()
	}
}

// List returns activity entries newest first, narrowed by an AIP-160 filter.
func (i *Ingestor) List(ctx context.Context, filterExpr string, pageSize int, pageToken string) (domain.ActivityPage, error) {
	if i == nil || i.store == nil {
		return domain.ActivityPage{}, errors.New("activity store is not configured")
	}
	condition, err := filter.ParseActivityFilter(filterExpr)
	if err != nil {
		return domain.ActivityPage{}, domain.NewValidationError("filter", err.Error())
	}
	size := pagination.ClampPageSize(pageSize, pagination.PageSizeConfig{Default: 50, Max: 200})
	return i.store.ListActivity(ctx, condition, size, strings.TrimSpace(pageToken))
}

func (i *Ingestor) entryFor(event domain.Event) (domain.ActivityEntry, error) {
	activityID, err := i.newID()
	if err != nil {
		return domain.ActivityEntry{}, fmt.Errorf("generate activity id: %w", err)
	}
	entry := domain.ActivityEntry{
		ID:             activityID,
		UserID:         event.UserID,
		SessionID:      event.SessionID,
		Action:         event.Action,
		Entity:         event.Entity,
		Environment:    event.Environment,
		ProcessingTime: event.ProcessingTime,
		Success:        !event.Failed,
		ErrorMessage:   event.ErrorMessage,
		CreatedAt:      i.clock().UTC(),
	}
	for _, field := range []struct {
		name  string
		value map[string]any
		out   *string
	}{
		{name: "context", value: event.Context, out: &entry.ContextJSON},
		{name: "changes", value: event.Changes, out: &entry.ChangesJSON},
		{name: "previousState", value: event.PreviousState, out: &entry.PreviousStateJSON},
		{name: "newState", value: event.NewState, out: &entry.NewStateJSON},
	} {
		if field.value == nil {
			continue
		}
		raw, err := json.Marshal(field.value)
		if err != nil {
			return domain.ActivityEntry{}, domain.NewValidationError(field.name, "must be JSON encodable")
		}
		*field.out = string(raw)
	}
	return entry, nil
}
