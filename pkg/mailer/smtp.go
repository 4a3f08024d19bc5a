package mailer

import (
	"context"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"hookline/internal/apperr"
)

// SMTPAccount is a mailbox we own and can send from.
type SMTPAccount struct {
	Address  string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends from a fixed set of controlled mailboxes.
type SMTPSender struct {
	host     string
	port     int
	accounts map[string]string
	send     sendFunc
	now      func() time.Time
}

// NewSMTPSender creates a sender for the given accounts.
func NewSMTPSender(host string, port int, accounts []SMTPAccount) *SMTPSender {
	s := &SMTPSender{
		host:     host,
		port:     port,
		accounts: make(map[string]string, len(accounts)),
		send:     smtp.SendMail,
		now:      time.Now,
	}
	for _, a := range accounts {
		s.accounts[strings.ToLower(a.Address)] = a.Password
	}
	return s
}

func (s *SMTPSender) Controls(address string) bool {
	_, ok := s.accounts[strings.ToLower(address)]
	return ok
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	const op = "mailer.smtp"
	if err := ctx.Err(); err != nil {
		return err
	}
	password, ok := s.accounts[strings.ToLower(m.From)]
	if !ok {
		return apperr.New(op, apperr.CategoryEmailSending, "no credentials for %s", m.From)
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	auth := smtp.PlainAuth("", m.From, password, s.host)
	if err := s.send(addr, auth, m.From, []string{m.To}, buildMIME(m, s.now())); err != nil {
		return apperr.Wrap(op, apperr.CategoryEmailSending, err, "send email to %s", m.To)
	}
	return nil
}
