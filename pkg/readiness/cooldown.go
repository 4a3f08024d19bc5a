package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookline/internal/apperr"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/profile"
)

// DefaultCooldown is the minimum gap between two attacks on the same target.
const DefaultCooldown = 7 * 24 * time.Hour

// LastInteraction returns when the target last interacted with a finished
// attack: the newest outcome entry of the most recently created terminal
// attack for the pair, or that attack's last update when it logged nothing.
// It returns nil when the pair was never attacked to completion.
func LastInteraction(ctx context.Context, attacks attack.Store, outcomes outcome.Store, p attack.Pair) (*time.Time, error) {
	prev, err := attacks.LatestTerminal(ctx, p)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest terminal attack: %w", err)
	}
	last, err := outcomes.Latest(ctx, prev.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		at := prev.UpdatedAt
		return &at, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest outcome: %w", err)
	}
	at := last.CreatedAt
	return &at, nil
}

// Evaluator answers readiness questions against live stores.
type Evaluator struct {
	Attacks  attack.Store
	Outcomes outcome.Store
	Window   time.Duration
	Cooldown time.Duration
}

// Ready reports whether atk can start given the snapshot. A nil snapshot is
// never ready.
func (e *Evaluator) Ready(ctx context.Context, obj *objective.Objective, atk *attack.Attack, snap *profile.Snapshot, now time.Time) (bool, error) {
	if snap == nil {
		return false, nil
	}
	cooldown := e.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	last, err := LastInteraction(ctx, e.Attacks, e.Outcomes, atk.Pair())
	if err != nil {
		return false, err
	}
	c := Context{
		Objective:        obj,
		Attack:           atk,
		Profile:          snap,
		RemainingPercent: RemainingPercent(obj.BeginsAt, obj.ExpiresAt, now, e.Window),
		LastInteraction:  last,
		Now:              now,
	}
	return ForGoal(obj.Goal, cooldown).Met(c), nil
}
