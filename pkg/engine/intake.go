package engine

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"hookline/internal/apperr"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/store"
)

// CreateObjective validates and stores a new objective and immediately
// creates waiting attacks for every target nobody else is attacking.
func (e *Engine) CreateObjective(ctx context.Context, o objective.Objective) (*objective.Objective, attack.CreateResult, error) {
	o.ID = ""
	o.Status = objective.Created
	o.Targets = objective.NormalizeTargets(o.Targets)
	if err := o.Validate(); err != nil {
		return nil, attack.CreateResult{}, err
	}

	var (
		created *objective.Objective
		res     attack.CreateResult
	)
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		var err error
		if created, err = tx.Objectives.Create(ctx, &o); err != nil {
			return err
		}
		res, err = tx.Attacks.Insert(ctx, created.ID, created.OrgID, created.Targets)
		return err
	})
	if err != nil {
		return nil, attack.CreateResult{}, err
	}
	e.log.Info("objective created",
		zap.String("objective_id", created.ID),
		zap.String("goal", string(created.Goal)),
		zap.Int("attacks", len(res.Created)),
		zap.Strings("claimed", res.Claimed))
	return created, res, nil
}

// UpdateObjective applies p to a live objective. Moving ExpiresAt into the
// past expires it at once. Added targets get waiting attacks; unfinished
// attacks on removed targets are failed.
func (e *Engine) UpdateObjective(ctx context.Context, id string, p objective.Patch) (*objective.Objective, error) {
	const op = "engine.update_objective"
	var out *objective.Objective
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		cur, err := tx.Objectives.Lock(ctx, id)
		if err != nil {
			return err
		}
		now := e.now()
		if cur.Status == objective.Expired || !now.Before(cur.ExpiresAt) {
			return apperr.New(op, apperr.CategoryObjectiveExpired, "objective %s has expired", id)
		}
		if p.BeginsAt != nil && !p.BeginsAt.Equal(cur.BeginsAt) && cur.Status == objective.Ongoing {
			return apperr.New(op, apperr.CategoryValidation, "begins_at cannot change after the objective started")
		}

		next := p.Apply(*cur)
		if err := next.Validate(); err != nil {
			return err
		}
		if out, err = tx.Objectives.Update(ctx, &next); err != nil {
			return err
		}

		if !next.ExpiresAt.After(now) {
			if err := tx.Objectives.SetStatus(ctx, id, objective.Expired); err != nil {
				return err
			}
			out.Status = objective.Expired
			_, err := failAttacks(ctx, tx, id, nil)
			return err
		}

		var added []string
		removed := make(map[string]bool)
		for _, t := range next.Targets {
			if !slices.Contains(cur.Targets, t) {
				added = append(added, t)
			}
		}
		for _, t := range cur.Targets {
			if !slices.Contains(next.Targets, t) {
				removed[t] = true
			}
		}
		if len(removed) > 0 {
			if _, err := failAttacks(ctx, tx, id, removed); err != nil {
				return err
			}
		}
		if len(added) > 0 {
			if _, err := tx.Attacks.Insert(ctx, id, next.OrgID, added); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("objective updated", zap.String("objective_id", id), zap.String("status", string(out.Status)))
	return out, nil
}
