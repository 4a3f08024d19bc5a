package engine

import (
	"bytes"
	"context"
	"html/template"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/mailer"
	"hookline/pkg/objective"
	"hookline/pkg/profile"
	"hookline/pkg/textgen"
)

// contentHandler knows how to produce and deliver one kind of content.
type contentHandler interface {
	draft(ctx context.Context, obj *objective.Objective, atk *attack.Attack) (*artifact.Artifact, error)
	redraft(ctx context.Context, a *artifact.Artifact) (subject, body string, err error)
	// deliver renders and sends a, returning extra outcome payload.
	deliver(ctx context.Context, a *artifact.Artifact) (map[string]any, error)
}

type emailHandler struct {
	e *Engine
}

func (h *emailHandler) draft(ctx context.Context, obj *objective.Objective, atk *attack.Attack) (*artifact.Artifact, error) {
	const op = "engine.draft_email"
	e := h.e
	snap, err := e.profiles.Get(ctx, obj.OrgID, atk.Target)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperr.New(op, apperr.CategoryProfileData, "profile of %s unavailable while attack %s is ongoing", atk.Target, atk.ID)
	}

	recipient := h.recipient(ctx, atk.Target, snap)
	inserting := e.mail.SupportsInsertion(ctx, recipient)

	var peer *profile.Individual
	if len(snap.Peers) > 0 {
		peer = &snap.Peers[e.pick(len(snap.Peers))]
	}

	p := textgen.Defaults()
	p.ToName, p.ToLastName = snap.Name()
	if obj.Goal == objective.GoalCredentials {
		p.RequestType = textgen.LookIntoThis
	}
	sender, senderName := e.opts.Sender, e.opts.SenderName
	if peer != nil {
		p.FromName, p.FromLastName = peer.Name()
		if addrs := peer.Addresses(); inserting && len(addrs) > 0 {
			sender = addrs[0]
			senderName = strings.TrimSpace(p.FromName + " " + p.FromLastName)
		}
	} else {
		p.FromName = e.opts.SenderName
	}

	subject, body, err := e.gen.Generate(ctx, p)
	if err != nil {
		return nil, err
	}

	tokens := []artifact.Token{artifact.NewToken(artifact.TokenLink)}
	if obj.Goal == objective.GoalCredentials {
		tokens = append(tokens, artifact.NewToken(artifact.TokenCredentials))
	}
	return &artifact.Artifact{
		AttackID: atk.ID,
		Status:   artifact.UnderReview,
		Content: artifact.Content{
			Kind:   artifact.KindEmail,
			Body:   body,
			Params: p.Map(),
			Email: &artifact.Email{
				Subject:    subject,
				Sender:     sender,
				SenderName: senderName,
				Recipients: []string{recipient},
				IsHTML:     true,
			},
		},
		Tokens: tokens,
	}, nil
}

// recipient picks the first address of the target that accepts insertion,
// the attacked address otherwise.
func (h *emailHandler) recipient(ctx context.Context, target string, snap *profile.Snapshot) string {
	candidates := append([]string{target}, snap.Addresses()...)
	for _, c := range candidates {
		if h.e.mail.SupportsInsertion(ctx, c) {
			return c
		}
	}
	return target
}

func (h *emailHandler) redraft(ctx context.Context, a *artifact.Artifact) (string, string, error) {
	return h.e.gen.Generate(ctx, textgen.FromMap(a.Content.Params))
}

func (h *emailHandler) deliver(ctx context.Context, a *artifact.Artifact) (map[string]any, error) {
	m, err := h.render(a)
	if err != nil {
		return nil, err
	}
	path, err := h.e.mail.Deliver(ctx, m)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": string(path)}, nil
}

var emailTemplate = template.Must(template.New("email").Parse(
	`<html><body>{{range .Paragraphs}}<p>{{.}}</p>{{end}}` +
		`<img src="{{.Pixel}}" width="1" height="1" alt="" style="display:none"></body></html>`))

// render builds the outgoing message: the link replaces the placeholder,
// each non-blank line becomes a paragraph and a tracking pixel is appended.
func (h *emailHandler) render(a *artifact.Artifact) (mailer.Message, error) {
	const op = "engine.render_email"
	e := h.e
	em := a.Content.Email
	if em == nil || len(em.Recipients) == 0 {
		return mailer.Message{}, apperr.New(op, apperr.CategoryApp, "artifact %s has no email recipients", a.ID)
	}
	link, visible, err := h.link(a, em.Recipients[0])
	if err != nil {
		return mailer.Message{}, err
	}
	anchor := `<a href="` + template.HTMLEscapeString(link) + `">` + template.HTMLEscapeString(visible) + `</a>`

	var paragraphs []template.HTML
	for _, line := range strings.Split(a.Content.Body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		escaped := template.HTMLEscapeString(line)
		paragraphs = append(paragraphs, template.HTML(strings.ReplaceAll(escaped, textgen.LinkPlaceholder, anchor)))
	}

	var buf bytes.Buffer
	err = emailTemplate.Execute(&buf, struct {
		Paragraphs []template.HTML
		Pixel      string
	}{paragraphs, e.opts.PublicURL + "/email/tracking-pixel.png?id=" + url.QueryEscape(a.Content.ID)})
	if err != nil {
		return mailer.Message{}, apperr.Wrap(op, apperr.CategoryApp, err, "render email %s", a.ID)
	}

	m := mailer.Message{
		From:     em.Sender,
		FromName: em.SenderName,
		To:       em.Recipients[0],
		Subject:  em.Subject,
		Body:     buf.String(),
		IsHTML:   true,
	}
	if e.opts.SimulationHeader != "" {
		m.Headers = map[string]string{e.opts.SimulationHeader: "true"}
	}
	return m, nil
}

// link returns the tracked href of a and the text shown in its place.
func (h *emailHandler) link(a *artifact.Artifact, recipient string) (href, visible string, err error) {
	const op = "engine.render_email"
	e := h.e
	lt := a.Token(artifact.TokenLink)
	if lt == nil {
		return "", "", apperr.New(op, apperr.CategoryApp, "artifact %s has no link token", a.ID)
	}
	if ct := a.Token(artifact.TokenCredentials); ct != nil {
		q := url.Values{"at": {lt.Value}, "ct": {ct.Value}}
		href = e.opts.CredentialsURL + "/login?" + q.Encode()
		return href, e.opts.CredentialsURL + "/actions/?id=" + uuid.NewString(), nil
	}
	href = e.opts.PublicURL + "/phi/access?" + url.Values{"at": {lt.Value}}.Encode()
	domain := recipient[strings.LastIndex(recipient, "@")+1:]
	return href, "https://" + domain + "/it-service/link?id=" + uuid.NewString(), nil
}
