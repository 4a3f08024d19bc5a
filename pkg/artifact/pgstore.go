package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hookline/internal/apperr"
	"hookline/internal/db"
)

// PgStore is a PostgreSQL-backed artifact store.
type PgStore struct {
	db db.DBTX
}

// NewPgStore creates a PgStore bound to a pool or a transaction.
func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

const selectArtifact = `
	SELECT a.id, a.attack_id, a.status, a.created_at, a.delivered_at,
	       c.id, c.kind, c.body, c.params,
	       e.subject, e.sender, e.sender_name, e.recipients, e.is_html, e.opened_at
	FROM artifacts a
	JOIN artifact_contents c ON c.id = a.content_id
	LEFT JOIN artifact_emails e ON e.content_id = c.id`

// EnsureTable creates the artifact, content and token tables.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifact_contents (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			params     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_emails (
			content_id  TEXT PRIMARY KEY REFERENCES artifact_contents(id) ON DELETE CASCADE,
			subject     TEXT NOT NULL,
			sender      TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			recipients  TEXT[] NOT NULL DEFAULT '{}',
			is_html     BOOLEAN NOT NULL DEFAULT TRUE,
			opened_at   TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id           TEXT PRIMARY KEY,
			attack_id    TEXT NOT NULL REFERENCES attacks(id) ON DELETE CASCADE,
			content_id   TEXT NOT NULL UNIQUE REFERENCES artifact_contents(id) ON DELETE CASCADE,
			status       TEXT NOT NULL DEFAULT 'UNDER_REVIEW',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_attack ON artifacts(attack_id)`,
		`CREATE TABLE IF NOT EXISTS artifact_tokens (
			id          TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
			kind        TEXT NOT NULL,
			value       TEXT NOT NULL UNIQUE,
			consumed_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_tokens_artifact ON artifact_tokens(artifact_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts the content, its kind payload, the artifact and its tokens.
// Callers run it inside a transaction.
func (s *PgStore) Create(ctx context.Context, a *Artifact) (*Artifact, error) {
	now := time.Now().Truncate(time.Microsecond)
	a.ID = uuid.Must(uuid.NewV7()).String()
	if a.Content.ID == "" {
		a.Content.ID = uuid.Must(uuid.NewV7()).String()
	}
	a.CreatedAt = now
	if a.Status == "" {
		a.Status = UnderReview
	}
	if a.Content.Params == nil {
		a.Content.Params = map[string]any{}
	}

	params, err := json.Marshal(a.Content.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO artifact_contents (id, kind, body, params, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)`,
		a.Content.ID, string(a.Content.Kind), a.Content.Body, string(params), now)
	if err != nil {
		return nil, fmt.Errorf("insert content: %w", err)
	}

	switch a.Content.Kind {
	case KindEmail:
		e := a.Content.Email
		if e == nil {
			return nil, fmt.Errorf("email content %s has no email payload", a.Content.ID)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO artifact_emails (content_id, subject, sender, sender_name, recipients, is_html)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.Content.ID, e.Subject, e.Sender, e.SenderName, e.Recipients, e.IsHTML)
		if err != nil {
			return nil, fmt.Errorf("insert email: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown content kind %q", a.Content.Kind)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO artifacts (id, attack_id, content_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.AttackID, a.Content.ID, string(a.Status), a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	for i := range a.Tokens {
		t := &a.Tokens[i]
		t.ArtifactID = a.ID
		t.CreatedAt = now
		_, err = s.db.Exec(ctx, `
			INSERT INTO artifact_tokens (id, artifact_id, kind, value, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.ArtifactID, string(t.Kind), t.Value, t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert %s token: %w", t.Kind, err)
		}
	}
	return a, nil
}

// Get retrieves an artifact with content and tokens.
func (s *PgStore) Get(ctx context.Context, id string) (*Artifact, error) {
	return s.one(ctx, selectArtifact+` WHERE a.id = $1`, id)
}

// Lock retrieves an artifact and locks its row.
func (s *PgStore) Lock(ctx context.Context, id string) (*Artifact, error) {
	return s.one(ctx, selectArtifact+` WHERE a.id = $1 FOR UPDATE OF a`, id)
}

// ByContent retrieves the artifact owning a content record.
func (s *PgStore) ByContent(ctx context.Context, contentID string) (*Artifact, error) {
	return s.one(ctx, selectArtifact+` WHERE c.id = $1`, contentID)
}

// ByAttack returns an attack's artifacts, oldest first.
func (s *PgStore) ByAttack(ctx context.Context, attackID string) ([]Artifact, error) {
	rows, err := s.db.Query(ctx, selectArtifact+` WHERE a.attack_id = $1 ORDER BY a.created_at ASC, a.id ASC`, attackID)
	if err != nil {
		return nil, fmt.Errorf("artifacts for attack %s: %w", attackID, err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	for i := range out {
		if out[i].Tokens, err = s.tokens(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LockToken finds a token by kind and value with FOR UPDATE.
func (s *PgStore) LockToken(ctx context.Context, kind TokenKind, value string) (*Token, error) {
	var t Token
	err := s.db.QueryRow(ctx, `
		SELECT id, artifact_id, kind, value, consumed_at, created_at
		FROM artifact_tokens WHERE kind = $1 AND value = $2 FOR UPDATE`, string(kind), value).
		Scan(&t.ID, &t.ArtifactID, &t.Kind, &t.Value, &t.ConsumedAt, &t.CreatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("token", string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	return &t, nil
}

// ConsumeToken stamps a token as consumed. Already-consumed tokens are left alone.
func (s *PgStore) ConsumeToken(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE artifact_tokens SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`, at, tokenID)
	if err != nil {
		return fmt.Errorf("consume token %s: %w", tokenID, err)
	}
	return nil
}

// MarkOpened stamps the first open of an email.
func (s *PgStore) MarkOpened(ctx context.Context, contentID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE artifact_emails SET opened_at = $1 WHERE content_id = $2 AND opened_at IS NULL`, at, contentID)
	if err != nil {
		return fmt.Errorf("mark opened %s: %w", contentID, err)
	}
	return nil
}

// MarkDelivered stamps the delivery time. It fails if the artifact was already delivered.
func (s *PgStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE artifacts SET delivered_at = $1 WHERE id = $2 AND delivered_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark delivered %s: already delivered or missing", id)
	}
	return nil
}

// SetStatus moves an artifact to status.
func (s *PgStore) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE artifacts SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set artifact %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("artifact", id)
	}
	return nil
}

// UpdateEmail replaces the subject and body of an email artifact.
func (s *PgStore) UpdateEmail(ctx context.Context, id, subject, body string) error {
	var contentID string
	err := s.db.QueryRow(ctx, `
		UPDATE artifact_contents SET body = $1
		WHERE id = (SELECT content_id FROM artifacts WHERE id = $2)
		RETURNING id`, body, id).Scan(&contentID)
	if db.IsNoRows(err) {
		return apperr.NotFound("artifact", id)
	}
	if err != nil {
		return fmt.Errorf("update body %s: %w", id, err)
	}
	_, err = s.db.Exec(ctx, `UPDATE artifact_emails SET subject = $1 WHERE content_id = $2`, subject, contentID)
	if err != nil {
		return fmt.Errorf("update subject %s: %w", id, err)
	}
	return nil
}

// Delete removes an artifact with its content and tokens.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM artifact_contents WHERE id = (SELECT content_id FROM artifacts WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	return nil
}

// DeleteUndelivered removes an attack's undelivered artifacts.
func (s *PgStore) DeleteUndelivered(ctx context.Context, attackID string) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM artifact_contents WHERE id IN (
			SELECT content_id FROM artifacts WHERE attack_id = $1 AND delivered_at IS NULL
		)`, attackID)
	if err != nil {
		return 0, fmt.Errorf("delete undelivered artifacts of %s: %w", attackID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) one(ctx context.Context, query, id string) (*Artifact, error) {
	a, err := scanArtifact(s.db.QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	if a.Tokens, err = s.tokens(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PgStore) tokens(ctx context.Context, artifactID string) ([]Token, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, artifact_id, kind, value, consumed_at, created_at
		FROM artifact_tokens WHERE artifact_id = $1 ORDER BY kind`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("tokens of %s: %w", artifactID, err)
	}
	defer rows.Close()
	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.ArtifactID, &t.Kind, &t.Value, &t.ConsumedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var (
		a          Artifact
		params     []byte
		subject    *string
		sender     *string
		senderName *string
		recipients []string
		isHTML     *bool
		openedAt   *time.Time
	)
	err := row.Scan(&a.ID, &a.AttackID, &a.Status, &a.CreatedAt, &a.DeliveredAt,
		&a.Content.ID, &a.Content.Kind, &a.Content.Body, &params,
		&subject, &sender, &senderName, &recipients, &isHTML, &openedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &a.Content.Params); err != nil {
		a.Content.Params = map[string]any{}
	}
	if a.Content.Kind == KindEmail && subject != nil {
		a.Content.Email = &Email{
			Subject:    *subject,
			Sender:     deref(sender),
			SenderName: deref(senderName),
			Recipients: recipients,
			IsHTML:     isHTML != nil && *isHTML,
			OpenedAt:   openedAt,
		}
	}
	return &a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
