// Package store bundles the record stores and runs multi-record mutations
// atomically.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hookline/internal/db"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/review"
)

// Set gives access to every record store. A Set handed to an InTx callback is
// bound to that transaction.
type Set struct {
	Objectives objective.Store
	Attacks    attack.Store
	Artifacts  artifact.Store
	Outcomes   outcome.Store
	Reviews    review.Store
}

// Runner provides stores outside and inside transactions.
type Runner interface {
	Stores() Set
	// InTx runs fn in one transaction. Returning an error rolls everything back.
	InTx(ctx context.Context, fn func(Set) error) error
}

// PgRunner is the PostgreSQL Runner.
type PgRunner struct {
	pool *pgxpool.Pool
}

// NewPgRunner creates a PgRunner.
func NewPgRunner(pool *pgxpool.Pool) *PgRunner {
	return &PgRunner{pool: pool}
}

func bind(conn db.DBTX) Set {
	return Set{
		Objectives: objective.NewPgStore(conn),
		Attacks:    attack.NewPgStore(conn),
		Artifacts:  artifact.NewPgStore(conn),
		Outcomes:   outcome.NewPgStore(conn),
		Reviews:    review.NewPgStore(conn),
	}
}

// Stores returns stores bound to the pool.
func (r *PgRunner) Stores() Set {
	return bind(r.pool)
}

// InTx runs fn inside a pgx transaction.
func (r *PgRunner) InTx(ctx context.Context, fn func(Set) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(bind(tx))
	})
}

// EnsureSchema creates every table in dependency order.
func EnsureSchema(ctx context.Context, s Set) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"objectives", s.Objectives.EnsureTable},
		{"attacks", s.Attacks.EnsureTable},
		{"artifacts", s.Artifacts.EnsureTable},
		{"outcomes", s.Outcomes.EnsureTable},
		{"reviews", s.Reviews.EnsureTable},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("ensure %s table: %w", step.name, err)
		}
	}
	return nil
}

// CloseAttack moves a non-terminal attack to an end state and deletes its
// undelivered artifacts along with their pending reviews. It must run inside InTx with the attack row locked.
// It reports false when the attack was already terminal.
func CloseAttack(ctx context.Context, s Set, a *attack.Attack, status attack.Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("close attack %s: %s is not an end state", a.ID, status)
	}
	if a.Status.Terminal() {
		return false, nil
	}
	if _, err := s.Artifacts.DeleteUndelivered(ctx, a.ID); err != nil {
		return false, fmt.Errorf("close attack %s: %w", a.ID, err)
	}
	if _, err := s.Reviews.Discard(ctx, a.ID, time.Now()); err != nil {
		return false, fmt.Errorf("close attack %s: %w", a.ID, err)
	}
	if err := s.Attacks.SetStatus(ctx, a.ID, status); err != nil {
		return false, fmt.Errorf("close attack %s: %w", a.ID, err)
	}
	a.Status = status
	return true, nil
}
