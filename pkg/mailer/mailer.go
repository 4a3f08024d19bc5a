// Package mailer gets lure emails into target inboxes.
//
// There are two ways to do that. Inserting writes the message straight into
// the recipient's mailbox and needs the recipient's workspace to have
// delegated that right to us. Sending is ordinary transmission and only looks
// genuine when we control the sender address; otherwise the relay sends it
// with a visibly mismatched envelope. Deliver always prefers insertion.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hookline/internal/apperr"
)

// Path is the route a message took.
type Path string

const (
	PathInsert Path = "insert"
	PathSMTP   Path = "smtp"
	PathRelay  Path = "relay"
)

// Message is a single-recipient email.
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
	IsHTML   bool
	Headers  map[string]string
}

var forbiddenHeaders = map[string]bool{"subject": true, "from": true, "to": true, "cc": true, "bcc": true}

func (m Message) validate() error {
	for k := range m.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			return fmt.Errorf("header %q cannot be set as an extra header", k)
		}
	}
	if m.From == "" || m.To == "" {
		return errors.New("message needs a sender and a recipient")
	}
	return nil
}

// Inserter places a message in the recipient's mailbox.
type Inserter interface {
	Insert(ctx context.Context, m Message) error
}

// Sender transmits a message.
type Sender interface {
	Send(ctx context.Context, m Message) error
	// Controls reports whether the sender can transmit as address without
	// a mismatched envelope.
	Controls(address string) bool
}

// InsertionChecker reports whether an address accepts insertion.
type InsertionChecker interface {
	SupportsInsertion(ctx context.Context, address string) bool
}

// Transport selects a path per message and delivers it.
type Transport struct {
	caps     InsertionChecker
	inserter Inserter
	direct   Sender
	relay    Sender
	log      *zap.Logger
}

// NewTransport wires the paths. inserter and direct may be nil when not
// configured; relay is required.
func NewTransport(caps InsertionChecker, inserter Inserter, direct, relay Sender, log *zap.Logger) *Transport {
	return &Transport{caps: caps, inserter: inserter, direct: direct, relay: relay, log: log}
}

// SupportsInsertion reports whether Deliver would insert for address.
func (t *Transport) SupportsInsertion(ctx context.Context, address string) bool {
	return t.inserter != nil && t.caps.SupportsInsertion(ctx, address)
}

// Controls reports whether a message from address can be sent without a
// mismatched envelope.
func (t *Transport) Controls(address string) bool {
	return (t.direct != nil && t.direct.Controls(address)) || (t.relay != nil && t.relay.Controls(address))
}

// Deliver inserts m when its recipient supports it and sends it otherwise.
func (t *Transport) Deliver(ctx context.Context, m Message) (Path, error) {
	if err := m.validate(); err != nil {
		return "", apperr.Wrap("mailer.deliver", apperr.CategoryValidation, err, "invalid message")
	}
	log := t.log.With(zap.String("to", m.To), zap.String("from", m.From))

	if t.SupportsInsertion(ctx, m.To) {
		log.Info("inserting email")
		return PathInsert, t.inserter.Insert(ctx, m)
	}
	if t.direct != nil && t.direct.Controls(m.From) {
		log.Info("sending email from controlled mailbox")
		return PathSMTP, t.direct.Send(ctx, m)
	}
	if !t.relay.Controls(m.From) {
		log.Warn("sending through relay with mismatched sender")
	} else {
		log.Info("sending email through relay")
	}
	return PathRelay, t.relay.Send(ctx, m)
}

// ProbeDelegation inserts a test message to check that address's workspace
// granted insertion rights. It returns false without error when the
// workspace refused authorization.
func (t *Transport) ProbeDelegation(ctx context.Context, address, from string) (bool, error) {
	if t.inserter == nil {
		return false, apperr.New("mailer.probe", apperr.CategoryApp, "mailbox insertion is not configured")
	}
	err := t.inserter.Insert(ctx, Message{
		From:    from,
		To:      address,
		Subject: "Domain delegation test email, ignore.",
		Body:    "This email verifies domain delegation, please ignore it.",
	})
	if errors.Is(err, apperr.ErrInsertionAuth) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
