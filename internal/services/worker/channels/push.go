package channels

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
	"google.golang.org/api/option"
)

// ProviderFCM names the push provider in delivery logs.
const ProviderFCM = "fcm"

// PushConfig configures Firebase Cloud Messaging.
type PushConfig struct {
	ProjectID       string
	CredentialsFile string
}

// MulticastSender is the slice of the FCM client the push provider uses.
type MulticastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// TokenPruner forgets device tokens FCM reports as unregistered.
type TokenPruner interface {
	DeleteDeviceToken(ctx context.Context, token string) error
}

// Push sends notifications to every registered device of the recipient.
type Push struct {
	client MulticastSender
	pruner TokenPruner
}

// NewPush builds a push provider backed by a Firebase app.
func NewPush(ctx context.Context, cfg PushConfig, pruner TokenPruner) (*Push, error) {
	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	var appConfig *firebase.Config
	if projectID := strings.TrimSpace(cfg.ProjectID); projectID != "" {
		appConfig = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return NewPushWithClient(client, pruner), nil
}

// NewPushWithClient builds a push provider around an existing client.
func NewPushWithClient(client MulticastSender, pruner TokenPruner) *Push {
	return &Push{client: client, pruner: pruner}
}

// Send fans msg out to the recipient's devices. One accepted device is a
// success; when every device is unregistered the delivery bounces.
func (p *Push) Send(ctx context.Context, msg workerdomain.Message) (notificationsdomain.Receipt, error) {
	if len(msg.DeviceTokens) == 0 {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(fmt.Errorf("push: %w", workerdomain.ErrNoRecipient))
	}
	if p == nil || p.client == nil {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(errors.New("push provider is not configured"))
	}

	response, err := p.client.SendEachForMulticast(ctx, p.multicast(msg))
	if err != nil {
		return notificationsdomain.Receipt{}, classifyFCM(err)
	}

	var (
		firstID      string
		unregistered []string
		lastErr      error
		retryable    bool
	)
	for i, result := range response.Responses {
		if result == nil {
			continue
		}
		if result.Success {
			if firstID == "" {
				firstID = result.MessageID
			}
			continue
		}
		lastErr = result.Error
		switch {
		case messaging.IsUnregistered(result.Error), messaging.IsSenderIDMismatch(result.Error):
			if i < len(msg.DeviceTokens) {
				unregistered = append(unregistered, msg.DeviceTokens[i])
			}
		case isTransientFCM(result.Error):
			retryable = true
		}
	}
	p.prune(ctx, unregistered)

	if response.SuccessCount > 0 {
		return notificationsdomain.Receipt{Provider: ProviderFCM, ExternalID: firstID}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no device accepted the message")
	}
	switch {
	case retryable:
		return notificationsdomain.Receipt{}, &workerdomain.DeliveryError{Provider: ProviderFCM, Err: lastErr}
	case len(unregistered) > 0 && len(unregistered) == response.FailureCount:
		return notificationsdomain.Receipt{}, workerdomain.Bounce(fmt.Errorf("every device token is unregistered: %w", lastErr))
	default:
		return notificationsdomain.Receipt{}, workerdomain.Permanent(lastErr)
	}
}

func (p *Push) multicast(msg workerdomain.Message) *messaging.MulticastMessage {
	data := map[string]string{
		"notificationId": msg.NotificationID,
		"deliveryId":     msg.DeliveryID,
		"category":       msg.Category,
	}
	if msg.Content.ActionURL != "" {
		data["actionUrl"] = msg.Content.ActionURL
	}
	priority := "normal"
	if msg.Severity == notificationsdomain.SeverityCritical || msg.Severity == notificationsdomain.SeverityHigh {
		priority = "high"
	}
	return &messaging.MulticastMessage{
		Tokens: msg.DeviceTokens,
		Data:   data,
		Notification: &messaging.Notification{
			Title: msg.Content.Title,
			Body:  msg.Content.BodyText,
		},
		Android: &messaging.AndroidConfig{Priority: priority},
	}
}

func (p *Push) prune(ctx context.Context, tokens []string) {
	if p.pruner == nil {
		return
	}
	for _, token := range tokens {
		if err := p.pruner.DeleteDeviceToken(ctx, token); err != nil && !errors.Is(err, notificationsdomain.ErrNotFound) {
			log.Printf("push: prune device token: %v", err)
		}
	}
}

func isTransientFCM(err error) bool {
	return messaging.IsUnavailable(err) || messaging.IsInternal(err) || messaging.IsQuotaExceeded(err)
}

func classifyFCM(err error) error {
	switch {
	case messaging.IsInvalidArgument(err), messaging.IsThirdPartyAuthError(err):
		return workerdomain.Permanent(err)
	default:
		return &workerdomain.DeliveryError{Provider: ProviderFCM, Err: err}
	}
}
