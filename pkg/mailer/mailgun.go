package mailer

import (
	"context"
	"strings"

	"github.com/mailgun/mailgun-go/v4"

	"hookline/internal/apperr"
)

// Relay sends through Mailgun. Any address on its domain is controlled; other
// senders go out with the relay's envelope and a mismatched From.
type Relay struct {
	mg     mailgun.Mailgun
	domain string
}

// NewRelay creates a Mailgun relay. apiBase may be empty for the default region.
func NewRelay(domain, apiKey, apiBase string) *Relay {
	mg := mailgun.NewMailgun(domain, apiKey)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return &Relay{mg: mg, domain: strings.ToLower(domain)}
}

func (r *Relay) Controls(address string) bool {
	return strings.HasSuffix(strings.ToLower(address), "@"+r.domain)
}

func (r *Relay) Send(ctx context.Context, m Message) error {
	from := m.From
	if m.FromName != "" {
		from = m.FromName + " <" + m.From + ">"
	}
	text := m.Body
	if m.IsHTML {
		text = ""
	}
	msg := r.mg.NewMessage(from, m.Subject, text, m.To)
	if m.IsHTML {
		msg.SetHtml(m.Body)
	}
	for k, v := range m.Headers {
		msg.AddHeader(k, v)
	}
	if _, _, err := r.mg.Send(ctx, msg); err != nil {
		return apperr.Wrap("mailer.relay", apperr.CategoryEmailSending, err, "send email to %s", m.To)
	}
	return nil
}
