package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "notification.generic.title", defaultGenericTitle)
	message.SetString(lang, "notification.generic.body", defaultGenericBody)
	message.SetString(lang, "notification.generic.email_subject", defaultGenericEmailSubject)
	message.SetString(lang, "notification.email.subject", "[VentusHub] %s")
	message.SetString(lang, "notification.email.subject_urgent", "[VentusHub] Urgent: %s")
	message.SetString(lang, "notification.email.action", "Open in VentusHub: %s")
	message.SetString(lang, "notification.email.footer", "You can change which notifications you receive in your VentusHub preferences.")
	message.SetString(lang, "notification.sms.text", "VentusHub: %s - %s")
	message.SetString(lang, "notification.push.urgent_title", "Urgent: %s")
}
