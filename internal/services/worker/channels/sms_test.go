package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ventushub/notifications/internal/services/notifications/render"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
)

func smsMessage(phone string) workerdomain.Message {
	return workerdomain.Message{
		DeliveryID: "dlv-9",
		UserID:     "user-1",
		Phone:      phone,
		Content:    render.Output{BodyText: "VentusHub: Proposta aprovada"},
	}
}

func TestSMSSendPostsToGateway(t *testing.T) {
	t.Parallel()

	var got smsRequest
	var auth string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != smsMessagesPath {
			t.Errorf("request = %s %s, want POST %s", r.Method, r.URL.Path, smsMessagesPath)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sms-123","status":"delivered"}`))
	}))
	defer gateway.Close()

	sms, err := NewSMS(SMSConfig{BaseURL: gateway.URL + "/", APIKey: "key-1", Sender: "VentusHub", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new sms: %v", err)
	}
	receipt, err := sms.Send(context.Background(), smsMessage("+5511999990000"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.ExternalID != "sms-123" || !receipt.Delivered {
		t.Fatalf("receipt = %+v, want delivered sms-123", receipt)
	}
	if auth != "Bearer key-1" {
		t.Fatalf("authorization = %q, want %q", auth, "Bearer key-1")
	}
	if got.To != "+5511999990000" || got.From != "VentusHub" || got.Reference != "dlv-9" {
		t.Fatalf("request = %+v, want to, from and reference set", got)
	}
	if got.Text != "VentusHub: Proposta aprovada" {
		t.Fatalf("text = %q, want %q", got.Text, "VentusHub: Proposta aprovada")
	}
}

func TestSMSSendClassifiesGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		bounce    bool
		permanent bool
	}{
		{name: "invalid number", status: http.StatusUnprocessableEntity, body: `{"code":"invalid_number","message":"not a mobile number"}`, bounce: true, permanent: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"text_too_long","message":"too long"}`, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"code":"rate_limited","message":"slow down"}`},
		{name: "gateway down", status: http.StatusBadGateway, body: `{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer gateway.Close()

			sms, err := NewSMS(SMSConfig{BaseURL: gateway.URL})
			if err != nil {
				t.Fatalf("new sms: %v", err)
			}
			_, err = sms.Send(context.Background(), smsMessage("+5511999990000"))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := workerdomain.IsBounce(err); got != tc.bounce {
				t.Fatalf("IsBounce = %v, want %v (err %v)", got, tc.bounce, err)
			}
			if got := workerdomain.IsPermanent(err); got != tc.permanent {
				t.Fatalf("IsPermanent = %v, want %v (err %v)", got, tc.permanent, err)
			}
		})
	}
}

func TestSMSSendTimesOutAsTransient(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer gateway.Close()
	defer close(release)

	sms, err := NewSMS(SMSConfig{BaseURL: gateway.URL})
	if err != nil {
		t.Fatalf("new sms: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sms.Send(ctx, smsMessage("+5511999990000"))
	var delivery *workerdomain.DeliveryError
	if !errors.As(err, &delivery) {
		t.Fatalf("error = %v, want DeliveryError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestSMSSendWithoutPhoneIsPermanent(t *testing.T) {
	t.Parallel()

	sms, err := NewSMS(SMSConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new sms: %v", err)
	}
	_, err = sms.Send(context.Background(), smsMessage(" "))
	if !errors.Is(err, workerdomain.ErrNoRecipient) {
		t.Fatalf("error = %v, want ErrNoRecipient", err)
	}
	if _, err := NewSMS(SMSConfig{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}
