package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
)

// ProviderSMSGateway names the SMS provider in delivery logs.
const ProviderSMSGateway = "sms-gateway"

const smsMessagesPath = "/v1/messages"

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	BaseURL string
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// SMS posts text messages to an HTTP gateway.
type SMS struct {
	client *resty.Client
	sender string
}

type smsRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

type smsResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type smsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway error codes that identify an unusable destination number.
var smsBounceCodes = map[string]struct{}{
	"invalid_number":     {},
	"unreachable_number": {},
	"landline":           {},
	"blacklisted":        {},
}

// NewSMS builds an SMS provider for the gateway at cfg.BaseURL.
func NewSMS(cfg SMSConfig) (*SMS, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sms gateway url is required")
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "ventushub-notifications-worker")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &SMS{client: client, sender: strings.TrimSpace(cfg.Sender)}, nil
}

// Send posts msg to the gateway. A "delivered" gateway status marks the
// receipt delivered; anything else is acceptance only.
func (s *SMS) Send(ctx context.Context, msg workerdomain.Message) (notificationsdomain.Receipt, error) {
	to := strings.TrimSpace(msg.Phone)
	if to == "" {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(fmt.Errorf("sms: %w", workerdomain.ErrNoRecipient))
	}

	var accepted smsResponse
	var rejected smsError
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(smsRequest{To: to, From: s.sender, Text: msg.Content.BodyText, Reference: msg.DeliveryID}).
		SetResult(&accepted).
		SetError(&rejected).
		Post(smsMessagesPath)
	if err != nil {
		return notificationsdomain.Receipt{}, &workerdomain.DeliveryError{Provider: ProviderSMSGateway, Err: err}
	}
	if resp.IsSuccess() {
		return notificationsdomain.Receipt{
			Provider:   ProviderSMSGateway,
			ExternalID: accepted.ID,
			Delivered:  strings.EqualFold(accepted.Status, "delivered"),
		}, nil
	}

	cause := fmt.Errorf("gateway returned %d %s: %s", resp.StatusCode(), rejected.Code, rejected.Message)
	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return notificationsdomain.Receipt{}, &workerdomain.DeliveryError{Provider: ProviderSMSGateway, Err: cause}
	default:
		if _, ok := smsBounceCodes[rejected.Code]; ok {
			return notificationsdomain.Receipt{}, workerdomain.Bounce(cause)
		}
		return notificationsdomain.Receipt{}, workerdomain.Permanent(cause)
	}
}
