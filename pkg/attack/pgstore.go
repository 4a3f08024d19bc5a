package attack

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/internal/db"
)

// PgStore is a PostgreSQL-backed attack store.
type PgStore struct {
	db db.DBTX
}

// NewPgStore creates a PgStore bound to a pool or a transaction.
func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

const columns = `id, objective_id, org_id, target, status, created_at, updated_at`

// EnsureTable creates the attacks table and the exclusivity index.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS attacks (
			id           TEXT PRIMARY KEY,
			objective_id TEXT NOT NULL REFERENCES objectives(id) ON DELETE CASCADE,
			org_id       TEXT NOT NULL,
			target       TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'WAITING_FOR_DATA',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	// One live attack per target per org. Inserts rely on this for ON CONFLICT.
	_, err = s.db.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_attacks_one_active
		ON attacks(target, org_id) WHERE status NOT IN ('FAILED', 'SUCCESS')`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_attacks_objective ON attacks(objective_id)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_attacks_pair_created ON attacks(target, org_id, created_at DESC)`)
	return err
}

// Insert creates one attack per target. Conflicts on the exclusivity index are
// reported in CreateResult.Claimed rather than as errors.
func (s *PgStore) Insert(ctx context.Context, objectiveID, orgID string, targets []string) (CreateResult, error) {
	var res CreateResult
	now := time.Now().Truncate(time.Microsecond)

	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		if seen[target] {
			continue
		}
		seen[target] = true

		a := Attack{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ObjectiveID: objectiveID,
			OrgID:       orgID,
			Target:      target,
			Status:      WaitingForData,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		tag, err := s.db.Exec(ctx, `
			INSERT INTO attacks (`+columns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			a.ID, a.ObjectiveID, a.OrgID, a.Target, string(a.Status), a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return res, fmt.Errorf("insert attack for %s: %w", target, err)
		}
		if tag.RowsAffected() == 0 {
			res.Claimed = append(res.Claimed, target)
			continue
		}
		res.Created = append(res.Created, a)
	}
	return res, nil
}

// Get retrieves a single attack by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Attack, error) {
	return s.one(ctx, `SELECT `+columns+` FROM attacks WHERE id = $1`, id)
}

// Lock retrieves an attack with FOR UPDATE.
func (s *PgStore) Lock(ctx context.Context, id string) (*Attack, error) {
	return s.one(ctx, `SELECT `+columns+` FROM attacks WHERE id = $1 FOR UPDATE`, id)
}

// ByObjective returns the attacks of an objective, oldest first.
func (s *PgStore) ByObjective(ctx context.Context, objectiveID string) ([]Attack, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM attacks WHERE objective_id = $1
		ORDER BY created_at ASC, id ASC`, objectiveID)
}

// Active returns all non-terminal attacks.
func (s *PgStore) Active(ctx context.Context) ([]Attack, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM attacks WHERE status NOT IN ('FAILED', 'SUCCESS')
		ORDER BY created_at ASC, id ASC`)
}

// LockActiveByObjective returns the non-terminal attacks of an objective with FOR UPDATE.
func (s *PgStore) LockActiveByObjective(ctx context.Context, objectiveID string) ([]Attack, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM attacks
		WHERE objective_id = $1 AND status NOT IN ('FAILED', 'SUCCESS')
		ORDER BY id ASC FOR UPDATE`, objectiveID)
}

// LatestTerminal returns the most recent terminal attack for the pair.
func (s *PgStore) LatestTerminal(ctx context.Context, p Pair) (*Attack, error) {
	var a Attack
	err := s.db.QueryRow(ctx, `
		SELECT `+columns+` FROM attacks
		WHERE target = $1 AND org_id = $2 AND status IN ('FAILED', 'SUCCESS')
		ORDER BY created_at DESC, id DESC LIMIT 1`, p.Target, p.OrgID).
		Scan(&a.ID, &a.ObjectiveID, &a.OrgID, &a.Target, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("attack", p.Target)
	}
	if err != nil {
		return nil, fmt.Errorf("latest terminal attack for %s: %w", p.Target, err)
	}
	return &a, nil
}

// SetStatus moves an attack to status.
func (s *PgStore) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE attacks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().Truncate(time.Microsecond), id)
	if err != nil {
		return fmt.Errorf("set attack %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("attack", id)
	}
	return nil
}

// CountByStatus returns attack counts grouped by status.
func (s *PgStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM attacks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count attacks: %w", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *PgStore) one(ctx context.Context, query, id string) (*Attack, error) {
	var a Attack
	err := s.db.QueryRow(ctx, query, id).
		Scan(&a.ID, &a.ObjectiveID, &a.OrgID, &a.Target, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("attack", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attack %s: %w", id, err)
	}
	return &a, nil
}

func (s *PgStore) many(ctx context.Context, query string, args ...any) ([]Attack, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attacks: %w", err)
	}
	defer rows.Close()
	return scanAttackRows(rows)
}

func scanAttackRows(rows db.Rows) ([]Attack, error) {
	var out []Attack
	for rows.Next() {
		var a Attack
		if err := rows.Scan(&a.ID, &a.ObjectiveID, &a.OrgID, &a.Target, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
