// Package domain defines what the delivery worker hands to channel providers
// and how provider failures are classified.
package domain

import (
	"context"

	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/render"
)

// Message is one rendered delivery for one channel.
type Message struct {
	// DeliveryID identifies the delivery log row; providers echo it back in
	// open and click callbacks.
	DeliveryID     string
	NotificationID string
	UserID         string
	Channel        notificationsdomain.Channel
	Severity       notificationsdomain.Severity
	Category       string
	Locale         string

	Email        string
	Phone        string
	DeviceTokens []string

	Content render.Output
}

// Sender delivers messages on one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (notificationsdomain.Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (notificationsdomain.Receipt, error)

// Send implements Sender.
func (fn SenderFunc) Send(ctx context.Context, msg Message) (notificationsdomain.Receipt, error) {
	return fn(ctx, msg)
}
