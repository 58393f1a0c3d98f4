package domain

import (
	"errors"
	"fmt"
)

// ErrNoRecipient reports a delivery whose user has no address for the channel.
var ErrNoRecipient = errors.New("recipient has no address for channel")

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was marked as non-retryable, directly or
// as a bounce.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target) || IsBounce(err)
}

type bounceError struct {
	cause error
}

func (e bounceError) Error() string {
	if e.cause == nil {
		return "bounced"
	}
	return "bounced: " + e.cause.Error()
}

func (e bounceError) Unwrap() error {
	return e.cause
}

// Bounce marks a rejection by the recipient endpoint itself: an unknown
// mailbox, an unregistered device, an unreachable number. Bounces never retry.
func Bounce(err error) error {
	if err == nil {
		return nil
	}
	return bounceError{cause: err}
}

// IsBounce reports whether err was marked as a bounce.
func IsBounce(err error) bool {
	var target bounceError
	return errors.As(err, &target)
}

// DeliveryError is a transient provider failure; the job is retried while
// attempts remain.
type DeliveryError struct {
	Provider string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s delivery failed", e.Provider)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Provider, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
