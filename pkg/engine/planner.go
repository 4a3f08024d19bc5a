package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hookline/pkg/attack"
)

// plan creates WAITING_FOR_DATA attacks for eligible targets nobody is
// attacking yet. Objectives are served in the order they appear; a target
// wanted by two objectives goes to the first and the second does not get
// it back later in the same pass.
func (e *Engine) plan(ctx context.Context, eligible []Eligible) ([]attack.Attack, error) {
	ctx, span := e.tracer.Start(ctx, "engine.plan")
	defer span.End()
	if len(eligible) == 0 {
		return nil, nil
	}

	s := e.runner.Stores()
	active, err := s.Attacks.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active attacks: %w", err)
	}
	busy := make(map[attack.Pair]bool, len(active))
	for _, a := range active {
		busy[a.Pair()] = true
	}

	type batch struct {
		objectiveID, orgID string
		targets            []string
	}
	var order []string
	batches := make(map[string]*batch)
	for _, el := range eligible {
		o := el.Objective
		p := attack.Pair{Target: el.Target, OrgID: o.OrgID}
		if busy[p] {
			continue
		}
		busy[p] = true
		b, ok := batches[o.ID]
		if !ok {
			b = &batch{objectiveID: o.ID, orgID: o.OrgID}
			batches[o.ID] = b
			order = append(order, o.ID)
		}
		b.targets = append(b.targets, el.Target)
	}

	var created []attack.Attack
	for _, id := range order {
		b := batches[id]
		res, err := s.Attacks.Insert(ctx, b.objectiveID, b.orgID, b.targets)
		if err != nil {
			e.log.Error("insert attacks", zap.String("objective_id", id), zap.Error(err))
			continue
		}
		if len(res.Claimed) > 0 {
			e.log.Debug("targets claimed concurrently", zap.String("objective_id", id), zap.Strings("targets", res.Claimed))
		}
		created = append(created, res.Created...)
	}
	span.SetAttributes(attribute.Int("attacks.created", len(created)))
	return created, nil
}
