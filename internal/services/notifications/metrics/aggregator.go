// Package metrics maintains the daily delivery and engagement partitions.
package metrics

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// Store computes and persists daily partitions.
type Store interface {
	AggregateDay(ctx context.Context, date string) (domain.MetricsPartition, error)
	PutMetricsPartition(ctx context.Context, m domain.MetricsPartition) error
	ListMetricsPartitions(ctx context.Context, from string, to string) ([]domain.MetricsPartition, error)
}

// defaultSettle batches the recomputes requested by a burst of deliveries.
const defaultSettle = 2 * time.Second

// Aggregator recomputes daily metrics partitions from the delivery log.
type Aggregator struct {
	store  Store
	clock  func() time.Time
	settle time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
	wake  chan struct{}
}

// NewAggregator builds an aggregator. A nil clock uses time.Now.
func NewAggregator(store Store, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		store:  store,
		clock:  clock,
		settle: defaultSettle,
		dirty:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// RecomputeDay rebuilds and stores the partition for date (YYYY-MM-DD).
// Failures are returned as *domain.AggregationError.
func (a *Aggregator) RecomputeDay(ctx context.Context, date string) (domain.MetricsPartition, error) {
	if a == nil || a.store == nil {
		return domain.MetricsPartition{}, &domain.AggregationError{Date: date, Err: errors.New("metrics store is not configured")}
	}
	if _, _, err := domain.DayBounds(date); err != nil {
		return domain.MetricsPartition{}, &domain.AggregationError{Date: date, Err: err}
	}
	partition, err := a.store.AggregateDay(ctx, date)
	if err != nil {
		return domain.MetricsPartition{}, &domain.AggregationError{Date: date, Err: err}
	}
	partition.UpdatedAt = a.clock().UTC()
	if err := a.store.PutMetricsPartition(ctx, partition); err != nil {
		return domain.MetricsPartition{}, &domain.AggregationError{Date: date, Err: err}
	}
	return partition, nil
}

// Observe marks the partition containing at for recompute. It never blocks;
// Run recomputes marked partitions once deliveries settle.
func (a *Aggregator) Observe(_ context.Context, at time.Time) {
	a.mu.Lock()
	a.dirty[domain.PartitionDate(at)] = struct{}{}
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run recomputes today and yesterday every interval, and observed partitions
// shortly after they are marked, until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("metrics interval must be positive")
	}
	a.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.refresh(ctx)
		case <-a.wake:
			if settled == nil {
				settled = time.After(a.settle)
			}
		case <-settled:
			settled = nil
			a.flush(ctx)
		}
	}
}

func (a *Aggregator) refresh(ctx context.Context) {
	now := a.clock().UTC()
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		if ctx.Err() != nil {
			return
		}
		a.recompute(ctx, domain.PartitionDate(day))
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	dates := make([]string, 0, len(a.dirty))
	for date := range a.dirty {
		dates = append(dates, date)
	}
	clear(a.dirty)
	a.mu.Unlock()
	for _, date := range dates {
		if ctx.Err() != nil {
			return
		}
		a.recompute(ctx, date)
	}
}

// recompute logs failures; delivery never waits on metrics.
func (a *Aggregator) recompute(ctx context.Context, date string) {
	if _, err := a.RecomputeDay(ctx, date); err != nil {
		log.Printf("metrics: %v", err)
	}
}

// List returns stored partitions between from and to inclusive, oldest first.
func (a *Aggregator) List(ctx context.Context, from string, to string) ([]domain.MetricsPartition, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("metrics store is not configured")
	}
	for field, value := range map[string]string{"from": from, "to": to} {
		if value == "" {
			continue
		}
		if _, _, err := domain.DayBounds(value); err != nil {
			return nil, domain.NewValidationError(field, "must be YYYY-MM-DD")
		}
	}
	if from != "" && to != "" && from > to {
		return nil, domain.NewValidationError("from", "must not be after to")
	}
	return a.store.ListMetricsPartitions(ctx, from, to)
}
