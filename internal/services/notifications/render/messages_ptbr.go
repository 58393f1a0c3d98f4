package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, "notification.generic.title", "Notificação")
	message.SetString(lang, "notification.generic.body", "Você tem uma nova notificação.")
	message.SetString(lang, "notification.generic.email_subject", "Notificação do VentusHub")
	message.SetString(lang, "notification.email.subject", "[VentusHub] %s")
	message.SetString(lang, "notification.email.subject_urgent", "[VentusHub] Urgente: %s")
	message.SetString(lang, "notification.email.action", "Abrir no VentusHub: %s")
	message.SetString(lang, "notification.email.footer", "Você pode escolher quais notificações recebe nas preferências do VentusHub.")
	message.SetString(lang, "notification.sms.text", "VentusHub: %s - %s")
	message.SetString(lang, "notification.push.urgent_title", "Urgente: %s")
}
