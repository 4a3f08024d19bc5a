package artifact

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of an artifact. UNDER_REVIEW artifacts wait for a human; only
// APPROVED ones are ever delivered.
type Status string

const (
	UnderReview Status = "UNDER_REVIEW"
	Approved    Status = "APPROVED"
)

// Kind discriminates the content payload.
type Kind string

const KindEmail Kind = "email"

// TokenKind names what a correlation token proves when it comes back.
type TokenKind string

const (
	// TokenLink is embedded in every delivered link.
	TokenLink TokenKind = "LINK"
	// TokenCredentials is carried to the login page and returned on form submission.
	TokenCredentials TokenKind = "CREDENTIALS"
)

// Token is an opaque single-use correlation token.
type Token struct {
	ID         string     `json:"id"`
	ArtifactID string     `json:"artifact_id"`
	Kind       TokenKind  `json:"kind"`
	Value      string     `json:"value"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewToken returns a fresh token of the given kind. The value is 32 hex
// characters of random UUID material.
func NewToken(kind TokenKind) Token {
	return Token{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Kind:  kind,
		Value: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// Email is the payload of KindEmail content.
type Email struct {
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	SenderName string     `json:"sender_name,omitempty"`
	Recipients []string   `json:"recipients"`
	IsHTML     bool       `json:"is_html"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
}

// Content is the deliverable payload. Kind selects which of the typed
// payload fields is set.
type Content struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Body   string         `json:"body"`
	Params map[string]any `json:"params"`
	Email  *Email         `json:"email,omitempty"`
}

// Artifact is one deliverable produced for an attack.
type Artifact struct {
	ID          string     `json:"id"`
	AttackID    string     `json:"attack_id"`
	Status      Status     `json:"status"`
	Content     Content    `json:"content"`
	Tokens      []Token    `json:"tokens"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Deliverable reports whether a is approved and not yet delivered.
func (a *Artifact) Deliverable() bool {
	return a.Status == Approved && a.DeliveredAt == nil
}

// Token returns a's token of the given kind, or nil.
func (a *Artifact) Token(kind TokenKind) *Token {
	for i := range a.Tokens {
		if a.Tokens[i].Kind == kind {
			return &a.Tokens[i]
		}
	}
	return nil
}

const excerptLen = 50

// Excerpt returns a single-line preview of the body: the first 49 characters
// followed by an ellipsis when the body is longer than 50.
func (a *Artifact) Excerpt() string {
	return Excerpt(a.Content.Body)
}

// Excerpt is the free-function form of Artifact.Excerpt.
func Excerpt(body string) string {
	flat := strings.NewReplacer("\r", "", "\n", "").Replace(body)
	r := []rune(flat)
	if len(r) > excerptLen {
		return string(r[:excerptLen-1]) + "…"
	}
	return flat
}

// Store is the contract for artifact persistence. Content and tokens are
// stored and deleted together with their artifact.
type Store interface {
	Create(ctx context.Context, a *Artifact) (*Artifact, error)
	Get(ctx context.Context, id string) (*Artifact, error)
	// Lock reads an artifact and holds its row until the surrounding transaction ends.
	Lock(ctx context.Context, id string) (*Artifact, error)
	ByAttack(ctx context.Context, attackID string) ([]Artifact, error)
	ByContent(ctx context.Context, contentID string) (*Artifact, error)
	// LockToken finds a token by kind and value and locks it.
	LockToken(ctx context.Context, kind TokenKind, value string) (*Token, error)
	ConsumeToken(ctx context.Context, tokenID string, at time.Time) error
	MarkOpened(ctx context.Context, contentID string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error
	UpdateEmail(ctx context.Context, id, subject, body string) error
	Delete(ctx context.Context, id string) error
	// DeleteUndelivered removes every undelivered artifact of an attack.
	DeleteUndelivered(ctx context.Context, attackID string) (int, error)
	EnsureTable(ctx context.Context) error
}
