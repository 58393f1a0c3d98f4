package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	defaultGenericTitle        = "Notification"
	defaultGenericBody         = "You have a new notification."
	defaultGenericEmailSubject = "VentusHub notification"

	// SMSMaxLength is the longest SMS body rendered, in characters.
	SMSMaxLength = 160
	smsEllipsis  = "..."
)

// Input is one channel render request for a stored notification.
type Input struct {
	Notification domain.Notification
	Channel      domain.Channel
}

// Output is localized, channel-aware copy derived from one notification.
type Output struct {
	Title        string
	BodyText     string
	EmailSubject string
	ActionURL    string
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

var supportedLocales = []language.Tag{
	language.English,
	language.MustParse("pt-BR"),
}

var localeMatcher = language.NewMatcher(supportedLocales)

// PrinterFor returns a printer for the closest supported locale to raw.
// Unknown or empty locales fall back to English.
func PrinterFor(raw string) *message.Printer {
	tag := language.English
	if parsed, err := language.Parse(strings.TrimSpace(raw)); err == nil {
		_, index, confidence := localeMatcher.Match(parsed)
		if confidence != language.No {
			tag = supportedLocales[index]
		}
	}
	return message.NewPrinter(tag)
}

// Render returns localized copy of a notification for one channel.
func Render(loc Localizer, input Input) Output {
	n := input.Notification
	title := strings.TrimSpace(n.Title)
	body := strings.TrimSpace(n.Message)
	if title == "" || body == "" {
		generic := genericOutput(loc)
		if title == "" {
			title = generic.Title
		}
		if body == "" {
			body = generic.BodyText
		}
	}

	out := Output{
		Title:     title,
		BodyText:  body,
		ActionURL: strings.TrimSpace(n.ActionURL),
	}
	switch input.Channel {
	case domain.ChannelEmail:
		out.EmailSubject = emailSubject(loc, n.Severity, title)
		out.BodyText = emailBody(loc, body, out.ActionURL)
	case domain.ChannelSMS:
		out.BodyText = smsBody(loc, title, body)
	case domain.ChannelPush:
		if n.Severity == domain.SeverityCritical {
			out.Title = localizeWithFallback(loc, "notification.push.urgent_title", "Urgent: %s", title)
		}
	}
	return out
}

func emailSubject(loc Localizer, severity domain.Severity, title string) string {
	if severity == domain.SeverityCritical {
		return localizeWithFallback(loc, "notification.email.subject_urgent", "[VentusHub] Urgent: %s", title)
	}
	return localizeWithFallback(loc, "notification.email.subject", "[VentusHub] %s", title)
}

func emailBody(loc Localizer, body string, actionURL string) string {
	parts := []string{body}
	if actionURL != "" {
		parts = append(parts, localizeWithFallback(loc, "notification.email.action", "Open in VentusHub: %s", actionURL))
	}
	parts = append(parts, localizeWithFallback(loc, "notification.email.footer", "You can change which notifications you receive in your VentusHub preferences."))
	return strings.Join(parts, "\n\n")
}

// smsBody prefixes the brand and truncates to SMSMaxLength characters.
func smsBody(loc Localizer, title string, body string) string {
	text := localizeWithFallback(loc, "notification.sms.text", "VentusHub: %s - %s", title, body)
	if utf8.RuneCountInString(text) <= SMSMaxLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:SMSMaxLength-len(smsEllipsis)])) + smsEllipsis
}

func genericOutput(loc Localizer) Output {
	title := localizeWithFallback(loc, "notification.generic.title", defaultGenericTitle)
	body := localizeWithFallback(loc, "notification.generic.body", defaultGenericBody)
	subject := localizeWithFallback(loc, "notification.generic.email_subject", defaultGenericEmailSubject)

	return Output{
		Title:        title,
		BodyText:     body,
		EmailSubject: subject,
	}
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

// localizeWithFallback formats fallback with args when the catalog has no
// entry for key.
func localizeWithFallback(loc Localizer, key string, fallback string, args ...any) string {
	value := strings.TrimSpace(localize(loc, key, args...))
	if value == "" || value == key {
		return strings.TrimSpace(fmt.Sprintf(fallback, args...))
	}
	return value
}
