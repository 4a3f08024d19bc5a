package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/internal/db"
)

// PgStore is a PostgreSQL-backed review store.
type PgStore struct {
	db db.DBTX
}

// NewPgStore creates a PgStore bound to a pool or a transaction.
func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

const columns = `id, artifact_id, attack_id, content_id, kind, excerpt, status, created_at, resolved_at`

// EnsureTable creates the review_requests table if it doesn't exist.
// Requests outlive their artifact so the audit trail survives cleanup.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS review_requests (
			id          TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			attack_id   TEXT NOT NULL,
			content_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			excerpt     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_review_status ON review_requests(status, created_at)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_review_artifact ON review_requests(artifact_id)`)
	return err
}

// Create inserts a new pending request.
func (s *PgStore) Create(ctx context.Context, r *Request) (*Request, error) {
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.CreatedAt = time.Now().Truncate(time.Microsecond)
	r.Status = Pending

	_, err := s.db.Exec(ctx, `
		INSERT INTO review_requests (id, artifact_id, attack_id, content_id, kind, excerpt, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)`,
		r.ID, r.ArtifactID, r.AttackID, r.ContentID, string(r.Kind), r.Excerpt, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create review request: %w", err)
	}
	return r, nil
}

// Resolve approves or rejects the pending request of an artifact.
func (s *PgStore) Resolve(ctx context.Context, artifactID string, approved bool, at time.Time) (*Request, error) {
	status := Rejected
	if approved {
		status = Approved
	}

	var r Request
	err := s.db.QueryRow(ctx, `
		UPDATE review_requests SET status = $1, resolved_at = $2
		WHERE artifact_id = $3 AND status = 'pending'
		RETURNING `+columns,
		string(status), at, artifactID).
		Scan(&r.ID, &r.ArtifactID, &r.AttackID, &r.ContentID, &r.Kind, &r.Excerpt, &r.Status, &r.CreatedAt, &r.ResolvedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("pending review for artifact", artifactID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve review for %s: %w", artifactID, err)
	}
	return &r, nil
}

// Discard closes the pending requests of an attack whose artifacts were removed.
func (s *PgStore) Discard(ctx context.Context, attackID string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE review_requests SET status = 'discarded', resolved_at = $1
		WHERE attack_id = $2 AND status = 'pending'`, at, attackID)
	if err != nil {
		return 0, fmt.Errorf("discard reviews for %s: %w", attackID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Get retrieves a single request by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Request, error) {
	var r Request
	err := s.db.QueryRow(ctx, `SELECT `+columns+` FROM review_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.ArtifactID, &r.AttackID, &r.ContentID, &r.Kind, &r.Excerpt, &r.Status, &r.CreatedAt, &r.ResolvedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("review", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return &r, nil
}

// Pending returns all pending requests, oldest first.
func (s *PgStore) Pending(ctx context.Context) ([]Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM review_requests WHERE status = 'pending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending reviews: %w", err)
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

// Recent returns the most recent requests in any status.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM review_requests
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent reviews: %w", err)
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

// PendingCount returns the number of pending requests.
func (s *PgStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM review_requests WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func scanRequestRows(rows db.Rows) ([]Request, error) {
	var reqs []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.ArtifactID, &r.AttackID, &r.ContentID, &r.Kind, &r.Excerpt, &r.Status, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return reqs, nil
}
