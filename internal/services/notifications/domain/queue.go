package domain

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// JobTypeDeliver is the only queue job type: deliver one notification on one channel.
const JobTypeDeliver = "deliver"

// DefaultMaxAttempts bounds delivery retries when no policy is configured.
const DefaultMaxAttempts = 3

// QueueJob is one unit of deferred delivery work.
type QueueJob struct {
	ID             string
	Type           string
	NotificationID string
	UserID         string
	Channel        Channel
	Priority       int
	PayloadJSON    string
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	LastError      string
	ScheduledFor   time.Time
	ProcessedAt    *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exhausted reports whether no attempts remain.
func (j QueueJob) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// RetryPolicy computes the delay before the next attempt.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultRetryPolicy doubles from 30s up to 30m with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, Jitter: 0.2}
}

// Delay returns the backoff before retrying after attempt failures, where
// attempt starts at 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if attempt < 1 {
		attempt = 1
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// ApplyFailure returns the job after a failed attempt at now: pending with a
// backoff while attempts remain, failed otherwise or when fatal.
func ApplyFailure(job QueueJob, cause string, fatal bool, now time.Time, policy RetryPolicy) QueueJob {
	job.Attempts++
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.Attempts > job.MaxAttempts {
		job.Attempts = job.MaxAttempts
	}
	job.LastError = cause
	job.UpdatedAt = now.UTC()
	if fatal || job.Exhausted() {
		job.Status = JobFailed
		completed := now.UTC()
		job.CompletedAt = &completed
		return job
	}
	job.Status = JobPending
	job.ScheduledFor = now.Add(policy.Delay(job.Attempts)).UTC()
	job.ProcessedAt = nil
	return job
}

// ApplySuccess returns the job after a successful attempt at now.
func ApplySuccess(job QueueJob, now time.Time) QueueJob {
	job.Attempts++
	if job.MaxAttempts > 0 && job.Attempts > job.MaxAttempts {
		job.Attempts = job.MaxAttempts
	}
	job.Status = JobCompleted
	job.LastError = ""
	completed := now.UTC()
	job.CompletedAt = &completed
	job.UpdatedAt = completed
	return job
}
