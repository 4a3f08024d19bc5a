package objective

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/internal/db"
)

// PgStore is a PostgreSQL-backed objective store.
type PgStore struct {
	db db.DBTX
}

// NewPgStore creates a PgStore bound to a pool or a transaction.
func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

const columns = `id, org_id, begins_at, expires_at, goal, targets, status, created_at, updated_at`

// EnsureTable creates the objectives table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS objectives (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			begins_at   TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			goal        TEXT NOT NULL,
			targets     TEXT[] NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL DEFAULT 'CREATED',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (begins_at <= expires_at)
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_objectives_status_window ON objectives(status, begins_at, expires_at)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_objectives_org ON objectives(org_id, created_at)`)
	return err
}

// Create inserts a new objective in CREATED status.
func (s *PgStore) Create(ctx context.Context, o *Objective) (*Objective, error) {
	o.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = Created
	}
	o.Targets = NormalizeTargets(o.Targets)

	_, err := s.db.Exec(ctx, `
		INSERT INTO objectives (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.OrgID, o.BeginsAt, o.ExpiresAt, string(o.Goal), o.Targets, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create objective: %w", err)
	}
	return o, nil
}

// Get retrieves a single objective by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Objective, error) {
	return s.one(ctx, `SELECT `+columns+` FROM objectives WHERE id = $1`, id)
}

// Lock retrieves an objective with FOR UPDATE.
func (s *PgStore) Lock(ctx context.Context, id string) (*Objective, error) {
	return s.one(ctx, `SELECT `+columns+` FROM objectives WHERE id = $1 FOR UPDATE`, id)
}

// Update writes the mutable fields of o.
func (s *PgStore) Update(ctx context.Context, o *Objective) (*Objective, error) {
	o.UpdatedAt = time.Now().Truncate(time.Microsecond)
	tag, err := s.db.Exec(ctx, `
		UPDATE objectives SET begins_at = $1, expires_at = $2, targets = $3, updated_at = $4
		WHERE id = $5`,
		o.BeginsAt, o.ExpiresAt, o.Targets, o.UpdatedAt, o.ID)
	if err != nil {
		return nil, fmt.Errorf("update objective %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.NotFound("objective", o.ID)
	}
	return o, nil
}

// SetStatus moves an objective to status.
func (s *PgStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.Exec(ctx, `UPDATE objectives SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set objective %s status: %w", id, err)
	}
	return nil
}

// PromoteStarted promotes started objectives and returns every in-window objective.
func (s *PgStore) PromoteStarted(ctx context.Context, now time.Time) ([]Objective, error) {
	_, err := s.db.Exec(ctx, `
		UPDATE objectives SET status = 'ONGOING', updated_at = $1
		WHERE status = 'CREATED' AND begins_at < $1 AND expires_at > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("promote objectives: %w", err)
	}
	return s.many(ctx, `
		SELECT `+columns+` FROM objectives
		WHERE status = 'ONGOING' AND begins_at < $1 AND expires_at > $1
		ORDER BY created_at ASC, id ASC`, now)
}

// DueForExpiry returns objectives past their expiry that are not yet EXPIRED.
func (s *PgStore) DueForExpiry(ctx context.Context, now time.Time) ([]Objective, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM objectives
		WHERE status <> 'EXPIRED' AND expires_at <= $1
		ORDER BY expires_at ASC`, now)
}

// ByStatus returns objectives in a given status, oldest first.
func (s *PgStore) ByStatus(ctx context.Context, status Status) ([]Objective, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM objectives WHERE status = $1
		ORDER BY created_at ASC, id ASC`, string(status))
}

// List returns the most recent objectives, optionally filtered by org.
func (s *PgStore) List(ctx context.Context, orgID string, limit int) ([]Objective, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM objectives
		WHERE $1 = '' OR org_id = $1
		ORDER BY created_at DESC LIMIT $2`, orgID, limit)
}

func (s *PgStore) one(ctx context.Context, query string, id string) (*Objective, error) {
	var o Objective
	err := s.db.QueryRow(ctx, query, id).
		Scan(&o.ID, &o.OrgID, &o.BeginsAt, &o.ExpiresAt, &o.Goal, &o.Targets, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("objective", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get objective %s: %w", id, err)
	}
	return &o, nil
}

func (s *PgStore) many(ctx context.Context, query string, args ...any) ([]Objective, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query objectives: %w", err)
	}
	defer rows.Close()
	return scanObjectiveRows(rows)
}

func scanObjectiveRows(rows db.Rows) ([]Objective, error) {
	var out []Objective
	for rows.Next() {
		var o Objective
		if err := rows.Scan(&o.ID, &o.OrgID, &o.BeginsAt, &o.ExpiresAt, &o.Goal, &o.Targets, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
