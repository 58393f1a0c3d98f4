package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// AggregateDay computes the metrics partition of date from the delivery log,
// notifications and activity rows created that UTC day. It does not persist.
func (s *Store) AggregateDay(ctx context.Context, date string) (domain.MetricsPartition, error) {
	if err := s.ready(ctx); err != nil {
		return domain.MetricsPartition{}, err
	}
	start, end, err := domain.DayBounds(date)
	if err != nil {
		return domain.MetricsPartition{}, err
	}
	from, to := toMillis(start), toMillis(end)
	m := domain.MetricsPartition{
		Date:       date,
		ByCategory: map[string]int{},
		ByChannel:  map[domain.Channel]int{},
	}

	var avgDelivery sql.NullFloat64
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN status IN ('sent', 'delivered', 'opened', 'clicked', 'bounced') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status IN ('delivered', 'opened', 'clicked') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN clicked_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0),
	AVG(CASE WHEN channel <> 'in_app' AND delivered_at IS NOT NULL THEN delivered_at - COALESCE(scheduled_at, created_at) END)
FROM delivery_logs
WHERE created_at >= ? AND created_at < ?
`, from, to).Scan(&m.Sent, &m.Delivered, &m.Opened, &m.Clicked, &m.Failed, &m.Bounced, &avgDelivery)
	if err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate delivery logs: %w", err)
	}
	if avgDelivery.Valid && avgDelivery.Float64 > 0 {
		m.AvgDeliveryTime = time.Duration(avgDelivery.Float64) * time.Millisecond
	}

	channelRows, err := s.sqlDB.QueryContext(ctx, `
SELECT channel, COUNT(1)
FROM delivery_logs
WHERE created_at >= ? AND created_at < ? AND status <> 'failed'
GROUP BY channel
`, from, to)
	if err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate channels: %w", err)
	}
	if err := collectCounts(channelRows, func(key string, count int) {
		m.ByChannel[domain.Channel(key)] = count
	}); err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate channels: %w", err)
	}

	categoryRows, err := s.sqlDB.QueryContext(ctx, `
SELECT category, COUNT(1)
FROM notifications
WHERE created_at >= ? AND created_at < ?
GROUP BY category
`, from, to)
	if err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate categories: %w", err)
	}
	if err := collectCounts(categoryRows, func(key string, count int) {
		m.ByCategory[key] = count
	}); err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate categories: %w", err)
	}

	var avgRead sql.NullFloat64
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT AVG(read_at - created_at)
FROM notifications
WHERE created_at >= ? AND created_at < ? AND read_at IS NOT NULL
`, from, to).Scan(&avgRead); err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate read time: %w", err)
	}
	if avgRead.Valid && avgRead.Float64 > 0 {
		m.AvgTimeToRead = time.Duration(avgRead.Float64) * time.Millisecond
	}

	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT user_id)
FROM activity_log
WHERE created_at >= ? AND created_at < ?
`, from, to).Scan(&m.ActiveUsers); err != nil {
		return domain.MetricsPartition{}, fmt.Errorf("aggregate active users: %w", err)
	}

	return m.ComputeRates(), nil
}

func collectCounts(rows *sql.Rows, add func(key string, count int)) error {
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		add(key, count)
	}
	return rows.Err()
}

// PutMetricsPartition replaces the stored partition for m.Date.
func (s *Store) PutMetricsPartition(ctx context.Context, m domain.MetricsPartition) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, _, err := domain.DayBounds(m.Date); err != nil {
		return err
	}
	byCategory, err := encodeJSON(m.ByCategory, "metrics categories")
	if err != nil {
		return err
	}
	byChannel, err := encodeJSON(m.ByChannel, "metrics channels")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO metrics_partitions (
	date, sent, delivered, opened, clicked, failed, bounced, by_category_json, by_channel_json, active_users,
	avg_time_to_read_ms, avg_delivery_time_ms, bounce_rate, click_through_rate, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
	sent = excluded.sent,
	delivered = excluded.delivered,
	opened = excluded.opened,
	clicked = excluded.clicked,
	failed = excluded.failed,
	bounced = excluded.bounced,
	by_category_json = excluded.by_category_json,
	by_channel_json = excluded.by_channel_json,
	active_users = excluded.active_users,
	avg_time_to_read_ms = excluded.avg_time_to_read_ms,
	avg_delivery_time_ms = excluded.avg_delivery_time_ms,
	bounce_rate = excluded.bounce_rate,
	click_through_rate = excluded.click_through_rate,
	updated_at = excluded.updated_at
`,
		m.Date,
		m.Sent,
		m.Delivered,
		m.Opened,
		m.Clicked,
		m.Failed,
		m.Bounced,
		byCategory,
		byChannel,
		m.ActiveUsers,
		m.AvgTimeToRead.Milliseconds(),
		m.AvgDeliveryTime.Milliseconds(),
		m.BounceRate,
		m.ClickThroughRate,
		toMillis(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put metrics partition: %w", err)
	}
	return nil
}

const metricsColumns = `date, sent, delivered, opened, clicked, failed, bounced, by_category_json, by_channel_json,
active_users, avg_time_to_read_ms, avg_delivery_time_ms, bounce_rate, click_through_rate, updated_at`

// GetMetricsPartition loads one stored partition.
func (s *Store) GetMetricsPartition(ctx context.Context, date string) (domain.MetricsPartition, error) {
	if err := s.ready(ctx); err != nil {
		return domain.MetricsPartition{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+metricsColumns+` FROM metrics_partitions WHERE date = ?`, date)
	m, err := scanMetricsPartition(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MetricsPartition{}, &domain.NotFoundError{Kind: "metrics partition", Key: date}
		}
		return domain.MetricsPartition{}, fmt.Errorf("get metrics partition: %w", err)
	}
	return m, nil
}

// ListMetricsPartitions lists stored partitions with from <= date <= to,
// oldest first. Empty bounds are open.
func (s *Store) ListMetricsPartitions(ctx context.Context, from string, to string) ([]domain.MetricsPartition, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + metricsColumns + ` FROM metrics_partitions WHERE 1 = 1`
	var args []any
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query+` ORDER BY date ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics partitions: %w", err)
	}
	defer rows.Close()
	partitions := make([]domain.MetricsPartition, 0)
	for rows.Next() {
		m, err := scanMetricsPartition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan metrics partition: %w", err)
		}
		partitions = append(partitions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics partitions: %w", err)
	}
	return partitions, nil
}

func scanMetricsPartition(scan scanner) (domain.MetricsPartition, error) {
	var (
		m                     domain.MetricsPartition
		byCategory, byChannel string
		readMs, deliveryMs    int64
		updatedAt             int64
	)
	if err := scan(
		&m.Date,
		&m.Sent,
		&m.Delivered,
		&m.Opened,
		&m.Clicked,
		&m.Failed,
		&m.Bounced,
		&byCategory,
		&byChannel,
		&m.ActiveUsers,
		&readMs,
		&deliveryMs,
		&m.BounceRate,
		&m.ClickThroughRate,
		&updatedAt,
	); err != nil {
		return domain.MetricsPartition{}, err
	}
	m.ByCategory = map[string]int{}
	if err := decodeJSON(byCategory, &m.ByCategory, "metrics categories"); err != nil {
		return domain.MetricsPartition{}, err
	}
	m.ByChannel = map[domain.Channel]int{}
	if err := decodeJSON(byChannel, &m.ByChannel, "metrics channels"); err != nil {
		return domain.MetricsPartition{}, err
	}
	m.AvgTimeToRead = time.Duration(readMs) * time.Millisecond
	m.AvgDeliveryTime = time.Duration(deliveryMs) * time.Millisecond
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}
