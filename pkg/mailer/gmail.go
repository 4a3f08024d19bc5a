package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"hookline/internal/apperr"
)

// GmailInserter inserts messages into Google Workspace mailboxes through a
// service account with domain-wide delegation of the gmail.insert scope.
type GmailInserter struct {
	conf     *jwt.Config
	endpoint string
	now      func() time.Time
}

// NewGmailInserter loads the service account key file.
func NewGmailInserter(keyFile string) (*GmailInserter, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return NewGmailInserterFromJSON(data)
}

// NewGmailInserterFromJSON builds an inserter from service account key JSON.
func NewGmailInserterFromJSON(key []byte) (*GmailInserter, error) {
	conf, err := google.JWTConfigFromJSON(key, gmail.GmailInsertScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &GmailInserter{conf: conf, now: time.Now}, nil
}

// Insert acts as the recipient and writes m into their inbox as unread.
func (g *GmailInserter) Insert(ctx context.Context, m Message) error {
	const op = "mailer.insert"

	conf := *g.conf
	conf.Subject = m.To
	opts := []option.ClientOption{option.WithHTTPClient(conf.Client(ctx))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return apperr.Wrap(op, apperr.CategoryEmailInsertion, err, "create gmail service")
	}

	raw := base64.URLEncoding.EncodeToString(buildMIME(m, g.now()))
	_, err = svc.Users.Messages.Insert(m.To, &gmail.Message{
		Raw:      raw,
		LabelIds: []string{"INBOX", "UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return insertionError(op, m.To, err)
	}
	return nil
}

// insertionError maps refused authorization to the insertion auth code.
func insertionError(op, to string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return apperr.Wrap(op, apperr.CategoryEmailInsertion, err, "insertion not authorized for %s", to).
			WithCode(apperr.CodeInsertionAuth)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) && (ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden) {
		return apperr.Wrap(op, apperr.CategoryEmailInsertion, err, "insertion not authorized for %s", to).
			WithCode(apperr.CodeInsertionAuth)
	}
	return apperr.Wrap(op, apperr.CategoryEmailInsertion, err, "insert email for %s", to)
}
