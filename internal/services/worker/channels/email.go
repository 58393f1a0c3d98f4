// Package channels implements the external delivery providers: email over
// SMTP, push through Firebase Cloud Messaging and SMS through an HTTP gateway.
package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
)

// ProviderSMTP names the email provider in delivery logs.
const ProviderSMTP = "smtp"

// EmailConfig configures the SMTP relay.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
	TLSConfig   *tls.Config
}

// Email sends notifications through an SMTP relay.
type Email struct {
	cfg   EmailConfig
	clock func() time.Time
}

// NewEmail validates cfg and builds an email provider.
func NewEmail(cfg EmailConfig) (*Email, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, clock: time.Now}, nil
}

// Send delivers msg to the recipient's email address. The receipt carries
// the generated Message-ID; SMTP acceptance is not delivery.
func (e *Email) Send(ctx context.Context, msg workerdomain.Message) (notificationsdomain.Receipt, error) {
	to := strings.TrimSpace(msg.Email)
	if to == "" {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(fmt.Errorf("email: %w", workerdomain.ErrNoRecipient))
	}
	messageID := fmt.Sprintf("<%s@%s>", msg.DeliveryID, e.cfg.Host)
	body, err := e.compose(to, messageID, msg)
	if err != nil {
		return notificationsdomain.Receipt{}, workerdomain.Permanent(err)
	}

	client, err := e.dial(ctx)
	if err != nil {
		return notificationsdomain.Receipt{}, &workerdomain.DeliveryError{Provider: ProviderSMTP, Err: err}
	}
	defer client.Close()

	if err := e.transmit(client, to, body); err != nil {
		return notificationsdomain.Receipt{}, classifySMTP(err)
	}
	return notificationsdomain.Receipt{Provider: ProviderSMTP, ExternalID: messageID}, nil
}

func (e *Email) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set smtp deadline: %w", err)
		}
	}
	if e.cfg.ImplicitTLS {
		conn = tls.Client(conn, e.tlsConfig())
	}
	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	return client, nil
}

func (e *Email) tlsConfig() *tls.Config {
	if e.cfg.TLSConfig != nil {
		return e.cfg.TLSConfig
	}
	return &tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}
}

func (e *Email) transmit(client *smtp.Client, to string, body []byte) error {
	if !e.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(e.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return &rcptError{err: err}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return client.Quit()
}

func (e *Email) compose(to string, messageID string, msg workerdomain.Message) ([]byte, error) {
	subject := msg.Content.EmailSubject
	if subject == "" {
		subject = msg.Content.Title
	}
	var buf bytes.Buffer
	headers := []struct{ name, value string }{
		{"From", e.cfg.From},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", e.clock().UTC().Format(time.RFC1123Z)},
		{"Message-ID", messageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="utf-8"`},
		{"Content-Transfer-Encoding", "quoted-printable"},
		{"X-Ventushub-Delivery", msg.DeliveryID},
	}
	for _, h := range headers {
		if strings.ContainsAny(h.value, "\r\n") {
			return nil, fmt.Errorf("email header %s contains a line break", h.name)
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.name, h.value)
	}
	buf.WriteString("\r\n")
	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.Content.BodyText)); err != nil {
		return nil, fmt.Errorf("encode email body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode email body: %w", err)
	}
	return buf.Bytes(), nil
}

type rcptError struct {
	err error
}

func (e *rcptError) Error() string { return "rcpt to: " + e.err.Error() }
func (e *rcptError) Unwrap() error { return e.err }

// classifySMTP maps reply codes onto retry semantics: 4xx retries, 5xx on
// RCPT is a bounce, any other 5xx is permanent.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return &workerdomain.DeliveryError{Provider: ProviderSMTP, Err: err}
	}
	switch {
	case reply.Code >= 500:
		var rcpt *rcptError
		if errors.As(err, &rcpt) {
			return workerdomain.Bounce(err)
		}
		return workerdomain.Permanent(err)
	default:
		return &workerdomain.DeliveryError{Provider: ProviderSMTP, Err: err}
	}
}
