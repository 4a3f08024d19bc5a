package mailer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hookline/internal/apperr"
)

type fakeCaps map[string]bool

func (f fakeCaps) SupportsInsertion(_ context.Context, address string) bool { return f[address] }

type fakeInserter struct {
	got []Message
	err error
}

func (f *fakeInserter) Insert(_ context.Context, m Message) error {
	f.got = append(f.got, m)
	return f.err
}

type fakeSender struct {
	controls string
	got      []Message
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.got = append(f.got, m)
	return nil
}

func (f *fakeSender) Controls(address string) bool {
	return strings.HasSuffix(address, f.controls)
}

func TestDeliverPathSelection(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want Path
	}{
		{"insertion wins regardless of sender", "ceo@victim.test", "ana@google.test", PathInsert},
		{"controlled mailbox sends directly", "helpdesk@owned.test", "ana@other.test", PathSMTP},
		{"relay domain", "it@relay.test", "ana@other.test", PathRelay},
		{"uncontrolled sender falls back to relay", "ceo@victim.test", "ana@other.test", PathRelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &fakeInserter{}
			direct := &fakeSender{controls: "@owned.test"}
			relay := &fakeSender{controls: "@relay.test"}
			tr := NewTransport(fakeCaps{"ana@google.test": true}, ins, direct, relay, zap.NewNop())

			path, err := tr.Deliver(context.Background(), Message{From: tt.from, To: tt.to, Subject: "s", Body: "b"})

			require.NoError(t, err)
			assert.Equal(t, tt.want, path)
			assert.Equal(t, 1, len(ins.got)+len(direct.got)+len(relay.got), "exactly one path used")
		})
	}
}

func TestDeliverWithoutInserterNeverInserts(t *testing.T) {
	relay := &fakeSender{controls: "@relay.test"}
	tr := NewTransport(fakeCaps{"ana@google.test": true}, nil, nil, relay, zap.NewNop())

	path, err := tr.Deliver(context.Background(), Message{From: "x@relay.test", To: "ana@google.test"})

	require.NoError(t, err)
	assert.Equal(t, PathRelay, path)
	assert.False(t, tr.SupportsInsertion(context.Background(), "ana@google.test"))
}

func TestDeliverRejectsForbiddenHeaders(t *testing.T) {
	tr := NewTransport(fakeCaps{}, nil, nil, &fakeSender{}, zap.NewNop())

	_, err := tr.Deliver(context.Background(), Message{From: "a@b.c", To: "d@e.f", Headers: map[string]string{"Bcc": "x@y.z"}})

	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestProbeDelegation(t *testing.T) {
	ok := NewTransport(fakeCaps{}, &fakeInserter{}, nil, &fakeSender{}, zap.NewNop())
	enabled, err := ok.ProbeDelegation(context.Background(), "admin@acme.test", "noreply@hookline.test")
	require.NoError(t, err)
	assert.True(t, enabled)

	denied := &fakeInserter{err: apperr.New("t", apperr.CategoryEmailInsertion, "nope").WithCode(apperr.CodeInsertionAuth)}
	enabled, err = NewTransport(fakeCaps{}, denied, nil, &fakeSender{}, zap.NewNop()).
		ProbeDelegation(context.Background(), "admin@acme.test", "noreply@hookline.test")
	require.NoError(t, err)
	assert.False(t, enabled)

	broken := &fakeInserter{err: errors.New("network down")}
	_, err = NewTransport(fakeCaps{}, broken, nil, &fakeSender{}, zap.NewNop()).
		ProbeDelegation(context.Background(), "admin@acme.test", "noreply@hookline.test")
	assert.Error(t, err)
}

func serviceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   "hookline@project.iam.gserviceaccount.com",
		"private_key_id": "k1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return data
}

func TestGmailInsertAuthorizationDenied(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized_client","error_description":"Client is unauthorized to retrieve access tokens"}`))
	}))
	defer tokens.Close()

	g, err := NewGmailInserterFromJSON(serviceAccountJSON(t, tokens.URL))
	require.NoError(t, err)

	err = g.Insert(context.Background(), Message{From: "x@y.z", To: "ana@acme.test", Subject: "s", Body: "b"})

	assert.ErrorIs(t, err, apperr.ErrInsertionAuth)
}

func TestGmailInsert(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	var inserted struct {
		Raw      string   `json:"raw"`
		LabelIds []string `json:"labelIds"`
	}
	var path string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m-1"}`))
	}))
	defer api.Close()

	g, err := NewGmailInserterFromJSON(serviceAccountJSON(t, tokens.URL))
	require.NoError(t, err)
	g.endpoint = api.URL + "/"

	err = g.Insert(context.Background(), Message{From: "ben@acme.test", To: "ana@acme.test", Subject: "s", Body: "b"})

	require.NoError(t, err)
	assert.Equal(t, "/gmail/v1/users/ana@acme.test/messages", path)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, inserted.LabelIds)
	assert.NotEmpty(t, inserted.Raw)
}

func TestSMTPSender(t *testing.T) {
	s := NewSMTPSender("smtp.example.test", 587, []SMTPAccount{{Address: "Helpdesk@owned.test", Password: "pw"}})
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	assert.True(t, s.Controls("helpdesk@owned.test"))
	assert.False(t, s.Controls("ceo@owned.test"))

	err := s.Send(context.Background(), Message{From: "helpdesk@owned.test", To: "ana@acme.test", Subject: "Hi", Body: "<p>x</p>", IsHTML: true})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.test:587", gotAddr)
	assert.Equal(t, "helpdesk@owned.test", gotFrom)
	assert.Equal(t, []string{"ana@acme.test"}, gotTo)
	assert.Contains(t, string(gotMsg), "Content-Type: text/html")

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("535 auth") }
	err = s.Send(context.Background(), Message{From: "helpdesk@owned.test", To: "ana@acme.test"})
	assert.ErrorIs(t, err, apperr.ErrEmailSending)
}

func TestRelaySend(t *testing.T) {
	var form map[string][]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			form = r.MultipartForm.Value
		} else {
			form = r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"<1@relay.test>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	r := NewRelay("relay.test", "key-1", srv.URL+"/v3")
	assert.True(t, r.Controls("IT@relay.test"))
	assert.False(t, r.Controls("it@other.test"))

	err := r.Send(context.Background(), Message{
		From: "it@relay.test", FromName: "IT Support", To: "ana@acme.test",
		Subject: "Hi", Body: "<p>x</p>", IsHTML: true,
		Headers: map[string]string{"X-Hookline-Simulation": "1"},
	})

	require.NoError(t, err)
	assert.Equal(t, "/v3/relay.test/messages", path)
	assert.Equal(t, []string{"IT Support <it@relay.test>"}, form["from"])
	assert.Equal(t, []string{"<p>x</p>"}, form["html"])
	assert.Equal(t, []string{"1"}, form["h:X-Hookline-Simulation"])
}

func TestBuildMIME(t *testing.T) {
	raw := string(buildMIME(Message{
		From: "ben@acme.test", FromName: "Ben Rivera", To: "ana@acme.test",
		Subject: "Café", Body: "hello", Headers: map[string]string{"X-Sim": "1"},
	}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	assert.Contains(t, raw, "From: \"Ben Rivera\" <ben@acme.test>\r\n")
	assert.Contains(t, raw, "To: <ana@acme.test>\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?Caf=C3=A9?=\r\n")
	assert.Contains(t, raw, "X-Sim: 1\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello"))
}
