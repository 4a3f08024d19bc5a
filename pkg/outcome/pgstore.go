package outcome

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

// PgStore is a PostgreSQL-backed outcome store with per-attack hash chains.
type PgStore struct {
	db db.DBTX
}

// NewPgStore creates a PgStore bound to a pool or a transaction.
func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

const columns = `id, attack_id, type, payload, created_at, hash, prev_hash`

// EnsureTable creates the outcomes table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS outcomes (
			seq        BIGSERIAL UNIQUE,
			id         TEXT PRIMARY KEY,
			attack_id  TEXT NOT NULL REFERENCES attacks(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			payload    JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_outcomes_attack ON outcomes(attack_id, seq)`)
	return err
}

// Append adds an entry to the attack's chain. Appends for the same attack are
// serialised with a transaction-scoped advisory lock.
func (s *PgStore) Append(ctx context.Context, attackID string, t Type, payload map[string]any, at time.Time) (*Entry, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := &Entry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		AttackID:  attackID,
		Type:      t,
		Payload:   payload,
		CreatedAt: at.Truncate(time.Microsecond),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, attackID); err != nil {
			return fmt.Errorf("lock chain: %w", err)
		}
		var prevHash string
		err := tx.QueryRow(ctx, `
			SELECT hash FROM outcomes WHERE attack_id = $1
			ORDER BY seq DESC LIMIT 1`, attackID).Scan(&prevHash)
		if err != nil && !db.IsNoRows(err) {
			return fmt.Errorf("read chain head: %w", err)
		}
		if err := Seal(e, prevHash); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outcomes (`+columns+`)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
			e.ID, e.AttackID, string(e.Type), string(payloadJSON), e.CreatedAt, e.Hash, e.PrevHash)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ByAttack returns an attack's entries in chronological order.
func (s *PgStore) ByAttack(ctx context.Context, attackID string, limit int) ([]Entry, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM outcomes WHERE attack_id = $1
		ORDER BY seq ASC LIMIT $2`, attackID, limit)
}

// Latest returns the newest entry of an attack.
func (s *PgStore) Latest(ctx context.Context, attackID string) (*Entry, error) {
	entries, err := s.many(ctx, `
		SELECT `+columns+` FROM outcomes WHERE attack_id = $1
		ORDER BY seq DESC LIMIT 1`, attackID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.NotFound("outcome", attackID)
	}
	return &entries[0], nil
}

// Recent returns the most recent entries across all attacks, newest first.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM outcomes ORDER BY seq DESC LIMIT $1`, limit)
}

// Since returns entries created after the given ID, for polling/SSE.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Entry, error) {
	return s.many(ctx, `
		SELECT `+columns+` FROM outcomes
		WHERE seq > (SELECT seq FROM outcomes WHERE id = $1)
		ORDER BY seq ASC LIMIT $2`, afterID, limit)
}

// VerifyChain walks an attack's chain and checks hash integrity.
func (s *PgStore) VerifyChain(ctx context.Context, attackID string) error {
	entries, err := s.many(ctx, `
		SELECT `+columns+` FROM outcomes WHERE attack_id = $1
		ORDER BY seq ASC`, attackID)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	return Verify(entries)
}

func (s *PgStore) many(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanEntryRows(rows)
}

func scanEntryRows(rows db.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AttackID, &e.Type, &payload, &e.CreatedAt, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
