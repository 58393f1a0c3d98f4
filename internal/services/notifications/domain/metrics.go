package domain

import "time"

// MetricsDateLayout is the partition key format.
const MetricsDateLayout = "2006-01-02"

// MetricsPartition aggregates one UTC day of delivery activity.
type MetricsPartition struct {
	Date             string
	Sent             int
	Delivered        int
	Opened           int
	Clicked          int
	Failed           int
	Bounced          int
	ByCategory       map[string]int
	ByChannel        map[Channel]int
	ActiveUsers      int
	AvgTimeToRead    time.Duration
	AvgDeliveryTime  time.Duration
	BounceRate       float64
	ClickThroughRate float64
	UpdatedAt        time.Time
}

// ComputeRates derives bounce rate (bounced/sent) and click-through rate
// (clicked/delivered), leaving zero when the denominator is zero.
func (m MetricsPartition) ComputeRates() MetricsPartition {
	m.BounceRate = 0
	m.ClickThroughRate = 0
	if m.Sent > 0 {
		m.BounceRate = float64(m.Bounced) / float64(m.Sent)
	}
	if m.Delivered > 0 {
		m.ClickThroughRate = float64(m.Clicked) / float64(m.Delivered)
	}
	return m
}

// DayBounds returns the UTC [start, end) interval for a partition date.
func DayBounds(date string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(MetricsDateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("date", "must be YYYY-MM-DD")
	}
	return start, start.AddDate(0, 0, 1), nil
}

// PartitionDate returns the partition key containing at.
func PartitionDate(at time.Time) string {
	return at.UTC().Format(MetricsDateLayout)
}
