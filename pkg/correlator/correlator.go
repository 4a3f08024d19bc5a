// Package correlator ties anonymous inbound events (link clicks, credential
// submissions, tracking pixel loads) back to the attack that caused them.
package correlator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"hookline/internal/apperr"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/store"
)

// Result describes what an event changed. The zero Result means nothing.
type Result struct {
	AttackID string
	Recorded outcome.Type
	// Succeeded is set when the event completed the attack's goal.
	Succeeded bool
}

// Correlator records inbound events.
type Correlator struct {
	runner store.Runner
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Correlator) { c.tracer = t }
}

// New creates a Correlator.
func New(runner store.Runner, log *zap.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		runner: runner,
		log:    log,
		tracer: otel.Tracer("hookline/correlator"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var tokenEvents = []struct {
	kind artifact.TokenKind
	typ  outcome.Type
	goal objective.Goal
}{
	{artifact.TokenLink, outcome.LinkClicked, objective.GoalLinkClick},
	{artifact.TokenCredentials, outcome.CredentialsSubmitted, objective.GoalCredentials},
}

// Consume records the use of a token. Link tokens are tried before
// credentials tokens. Unknown, reused or stale tokens are ignored.
func (c *Correlator) Consume(ctx context.Context, value string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "correlator.consume")
	defer span.End()
	if value == "" {
		return Result{}, nil
	}

	for _, ev := range tokenEvents {
		res, err := c.consume(ctx, ev.kind, ev.typ, ev.goal, value)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		if res.Recorded != "" {
			span.SetAttributes(
				attribute.String("attack.id", res.AttackID),
				attribute.String("outcome.type", string(res.Recorded)),
				attribute.Bool("attack.succeeded", res.Succeeded),
			)
			return res, nil
		}
	}
	return Result{}, nil
}

func (c *Correlator) consume(ctx context.Context, kind artifact.TokenKind, typ outcome.Type, goal objective.Goal, value string) (Result, error) {
	var res Result
	err := c.runner.InTx(ctx, func(tx store.Set) error {
		res = Result{}
		tok, err := tx.Artifacts.LockToken(ctx, kind, value)
		if err != nil {
			return err
		}
		a, err := tx.Artifacts.Get(ctx, tok.ArtifactID)
		if err != nil {
			return err
		}
		atk, err := tx.Attacks.Lock(ctx, a.AttackID)
		if err != nil {
			return err
		}
		if atk.Status != attack.Ongoing || tok.ConsumedAt != nil {
			c.log.Info("token ignored",
				zap.String("kind", string(kind)),
				zap.String("attack_id", atk.ID),
				zap.String("attack_status", string(atk.Status)),
				zap.Bool("consumed", tok.ConsumedAt != nil))
			return nil
		}
		obj, err := tx.Objectives.Get(ctx, atk.ObjectiveID)
		if err != nil {
			return err
		}

		now := c.now()
		if err := tx.Artifacts.ConsumeToken(ctx, tok.ID, now); err != nil {
			return err
		}
		if obj.Goal == goal {
			if _, err := store.CloseAttack(ctx, tx, atk, attack.Success); err != nil {
				return err
			}
			res.Succeeded = true
		}
		if _, err := tx.Outcomes.Append(ctx, atk.ID, typ, outcome.ArtifactPayload(a), now); err != nil {
			return err
		}
		res.AttackID = atk.ID
		res.Recorded = typ
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Recorded != "" {
		c.log.Info("token consumed",
			zap.String("attack_id", res.AttackID),
			zap.String("outcome", string(res.Recorded)),
			zap.Bool("succeeded", res.Succeeded))
	}
	return res, nil
}

// RecordOpen records the first load of an email's tracking pixel. Opening
// never completes an attack. An open reported for an email that was never
// delivered is an error.
func (c *Correlator) RecordOpen(ctx context.Context, contentID string) (Result, error) {
	const op = "correlator.record_open"
	ctx, span := c.tracer.Start(ctx, "correlator.open")
	defer span.End()

	var res Result
	err := c.runner.InTx(ctx, func(tx store.Set) error {
		res = Result{}
		a, err := tx.Artifacts.ByContent(ctx, contentID)
		if err != nil {
			return err
		}
		atk, err := tx.Attacks.Lock(ctx, a.AttackID)
		if err != nil {
			return err
		}
		if a, err = tx.Artifacts.Lock(ctx, a.ID); err != nil {
			return err
		}
		if a.DeliveredAt == nil {
			return apperr.New(op, apperr.CategoryNotDelivered, "email %s has not been delivered", contentID)
		}
		if atk.Status != attack.Ongoing || a.Content.Email == nil || a.Content.Email.OpenedAt != nil {
			return nil
		}
		now := c.now()
		if err := tx.Artifacts.MarkOpened(ctx, contentID, now); err != nil {
			return err
		}
		if _, err := tx.Outcomes.Append(ctx, atk.ID, outcome.EmailOpened, outcome.ArtifactPayload(a), now); err != nil {
			return err
		}
		res = Result{AttackID: atk.ID, Recorded: outcome.EmailOpened}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if res.Recorded != "" {
		c.log.Info("email opened", zap.String("attack_id", res.AttackID))
	}
	return res, nil
}
