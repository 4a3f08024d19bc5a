package engine

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"hookline/internal/apperr"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/review"
	"hookline/pkg/store"
)

// advance drafts the first artifact of an ongoing attack, or delivers the
// ones a reviewer approved.
func (e *Engine) advance(ctx context.Context, obj *objective.Objective, atk *attack.Attack, _ time.Time) error {
	arts, err := e.runner.Stores().Artifacts.ByAttack(ctx, atk.ID)
	if err != nil {
		return err
	}
	if len(arts) == 0 {
		return e.draft(ctx, obj, atk)
	}
	for i := range arts {
		if !arts[i].Deliverable() {
			continue
		}
		if err := e.deliver(ctx, arts[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// draft generates content outside any transaction, then stores it for review
// unless another writer got there first.
func (e *Engine) draft(ctx context.Context, obj *objective.Objective, atk *attack.Attack) error {
	ctx, span := e.tracer.Start(ctx, "engine.draft", trace.WithAttributes(attribute.String("attack.id", atk.ID)))
	defer span.End()

	a, err := e.handlers[artifact.KindEmail].draft(ctx, obj, atk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var req *review.Request
	err = e.runner.InTx(ctx, func(tx store.Set) error {
		req = nil
		cur, err := tx.Attacks.Lock(ctx, atk.ID)
		if err != nil {
			return err
		}
		if cur.Status != attack.Ongoing {
			return nil
		}
		existing, err := tx.Artifacts.ByAttack(ctx, atk.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		created, err := tx.Artifacts.Create(ctx, a)
		if err != nil {
			return err
		}
		req, err = tx.Reviews.Create(ctx, review.ForArtifact(created))
		return err
	})
	if err != nil {
		return err
	}
	if req == nil {
		e.log.Debug("draft discarded", zap.String("attack_id", atk.ID))
		return nil
	}

	e.log.Info("artifact waiting for review",
		zap.String("attack_id", atk.ID),
		zap.String("artifact_id", req.ArtifactID))
	if err := e.notifier.Notify(ctx, *req); err != nil {
		e.log.Warn("review notification failed", zap.String("review_id", req.ID), zap.Error(err))
	}
	return nil
}

// deliver sends an approved artifact at most once. The attack row is locked
// before the artifact row, and a delivered artifact is never sent again.
func (e *Engine) deliver(ctx context.Context, artifactID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.deliver", trace.WithAttributes(attribute.String("artifact.id", artifactID)))
	defer span.End()

	sent := false
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		sent = false
		a, err := tx.Artifacts.Get(ctx, artifactID)
		if err != nil {
			return err
		}
		atk, err := tx.Attacks.Lock(ctx, a.AttackID)
		if err != nil {
			return err
		}
		if atk.Status != attack.Ongoing {
			return nil
		}
		a, err = tx.Artifacts.Lock(ctx, artifactID)
		if err != nil {
			return err
		}
		if !a.Deliverable() {
			return nil
		}
		h, ok := e.handlers[a.Content.Kind]
		if !ok {
			return apperr.New("engine.deliver", apperr.CategoryApp, "no handler for %s content", a.Content.Kind)
		}
		extra, err := h.deliver(ctx, a)
		if err != nil {
			return err
		}
		now := e.now()
		if err := tx.Artifacts.MarkDelivered(ctx, a.ID, now); err != nil {
			return err
		}
		payload := outcome.ArtifactPayload(a)
		maps.Copy(payload, extra)
		if _, err := tx.Outcomes.Append(ctx, atk.ID, outcome.EmailSent, payload, now); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if sent {
		e.log.Info("artifact delivered", zap.String("artifact_id", artifactID))
	}
	return nil
}

// Approve releases an artifact under review for delivery on the next pass.
func (e *Engine) Approve(ctx context.Context, artifactID string) (*artifact.Artifact, error) {
	var out *artifact.Artifact
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		a, err := lockUnderReview(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if err := tx.Artifacts.SetStatus(ctx, a.ID, artifact.Approved); err != nil {
			return err
		}
		if err := resolveReview(ctx, tx, a.ID, true, e.now()); err != nil {
			return err
		}
		a.Status = artifact.Approved
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("artifact approved", zap.String("artifact_id", artifactID))
	return out, nil
}

// Reject deletes an artifact under review. The next pass drafts a new one
// while the attack is still ongoing.
func (e *Engine) Reject(ctx context.Context, artifactID string) error {
	err := e.runner.InTx(ctx, func(tx store.Set) error {
		a, err := lockUnderReview(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if err := resolveReview(ctx, tx, a.ID, false, e.now()); err != nil {
			return err
		}
		return tx.Artifacts.Delete(ctx, a.ID)
	})
	if err != nil {
		return err
	}
	e.log.Info("artifact rejected", zap.String("artifact_id", artifactID))
	return nil
}

// Regenerate replaces the subject and body of an artifact under review with
// a new draft from the same parameters.
func (e *Engine) Regenerate(ctx context.Context, artifactID string) (*artifact.Artifact, error) {
	a, err := e.runner.Stores().Artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Status != artifact.UnderReview {
		return nil, notUnderReview(a)
	}
	h, ok := e.handlers[a.Content.Kind]
	if !ok {
		return nil, apperr.New("engine.regenerate", apperr.CategoryApp, "no handler for %s content", a.Content.Kind)
	}
	subject, body, err := h.redraft(ctx, a)
	if err != nil {
		return nil, err
	}

	var out *artifact.Artifact
	err = e.runner.InTx(ctx, func(tx store.Set) error {
		cur, err := lockUnderReview(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if err := tx.Artifacts.UpdateEmail(ctx, cur.ID, subject, body); err != nil {
			return err
		}
		out, err = tx.Artifacts.Get(ctx, cur.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockUnderReview(ctx context.Context, tx store.Set, artifactID string) (*artifact.Artifact, error) {
	a, err := tx.Artifacts.Lock(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Status != artifact.UnderReview {
		return nil, notUnderReview(a)
	}
	return a, nil
}

func notUnderReview(a *artifact.Artifact) error {
	return apperr.New("engine.review", apperr.CategoryNotUnderReview, "artifact %s is %s", a.ID, a.Status).
		WithData(map[string]any{"artifact_id": a.ID, "status": string(a.Status)})
}

// resolveReview closes the review request of an artifact. Artifacts created
// before review requests existed have none.
func resolveReview(ctx context.Context, tx store.Set, artifactID string, approved bool, at time.Time) error {
	_, err := tx.Reviews.Resolve(ctx, artifactID, approved, at)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
