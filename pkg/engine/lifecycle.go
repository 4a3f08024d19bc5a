package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/store"
)

// Eligible is a target of an objective that is inside its window.
type Eligible struct {
	Objective objective.Objective
	Target    string
}

// reconcileObjectives promotes started objectives, expires finished ones and
// returns the targets of every objective inside its window.
func (e *Engine) reconcileObjectives(ctx context.Context, now time.Time) ([]Eligible, error) {
	ctx, span := e.tracer.Start(ctx, "engine.objectives")
	defer span.End()

	s := e.runner.Stores()
	inWindow, err := s.Objectives.PromoteStarted(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("promote objectives: %w", err)
	}

	due, err := s.Objectives.DueForExpiry(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("objectives due for expiry: %w", err)
	}
	for _, o := range due {
		n, err := e.expire(ctx, o.ID)
		if err != nil {
			e.log.Error("expire objective", zap.String("objective_id", o.ID), zap.Error(err))
			continue
		}
		e.log.Info("objective expired", zap.String("objective_id", o.ID), zap.Int("attacks_failed", n))
	}

	var eligible []Eligible
	for _, o := range inWindow {
		for _, t := range o.Targets {
			eligible = append(eligible, Eligible{Objective: o, Target: t})
		}
	}
	span.SetAttributes(
		attribute.Int("objectives.in_window", len(inWindow)),
		attribute.Int("objectives.expired", len(due)),
	)
	return eligible, nil
}

// expire marks an objective EXPIRED and fails its unfinished attacks in one
// transaction. It returns the number of attacks failed.
func (e *Engine) expire(ctx context.Context, objectiveID string) (int, error) {
	failed := 0
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		failed = 0
		o, err := tx.Objectives.Lock(ctx, objectiveID)
		if err != nil {
			return err
		}
		if o.Status == objective.Expired {
			return nil
		}
		if err := tx.Objectives.SetStatus(ctx, o.ID, objective.Expired); err != nil {
			return err
		}
		n, err := failAttacks(ctx, tx, o.ID, nil)
		failed = n
		return err
	})
	return failed, err
}

// failAttacks closes the non-terminal attacks of an objective as FAILED. When
// only is non-nil, attacks on other targets are left alone.
func failAttacks(ctx context.Context, tx store.Set, objectiveID string, only map[string]bool) (int, error) {
	active, err := tx.Attacks.LockActiveByObjective(ctx, objectiveID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range active {
		a := &active[i]
		if only != nil && !only[a.Target] {
			continue
		}
		closed, err := store.CloseAttack(ctx, tx, a, attack.Failed)
		if err != nil {
			return n, err
		}
		if closed {
			n++
		}
	}
	return n, nil
}
