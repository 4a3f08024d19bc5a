// Package engine is the level-triggered reconciliation loop that drives
// objectives and attacks forward: it promotes and expires objectives, plans
// attacks for free targets, starts attacks whose targets are ready, drafts
// artifacts for review and delivers approved ones.
//
// Every pass re-reads the stores and acts on what it finds, so a pass that
// fails half way is simply repeated by the next one.
package engine

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/mailer"
	"hookline/pkg/objective"
	"hookline/pkg/profile"
	"hookline/pkg/readiness"
	"hookline/pkg/review"
	"hookline/pkg/store"
	"hookline/pkg/textgen"
)

// Generator drafts a subject and body.
type Generator interface {
	Generate(ctx context.Context, p textgen.Params) (subject, body string, err error)
}

// Mail delivers rendered messages.
type Mail interface {
	Deliver(ctx context.Context, m mailer.Message) (mailer.Path, error)
	SupportsInsertion(ctx context.Context, address string) bool
}

// Options are the tunables of an Engine.
type Options struct {
	// Window is the readiness window, readiness.DefaultWindow when zero.
	Window time.Duration
	// Cooldown is the gap between attacks on one target, readiness.DefaultCooldown when zero.
	Cooldown time.Duration
	// PublicURL serves the link landing page and the tracking pixel.
	PublicURL string
	// CredentialsURL serves the login page of credentials objectives.
	CredentialsURL string
	// SimulationHeader is set to "true" on every delivered email. Empty disables it.
	SimulationHeader string
	// Sender is used when the email cannot impersonate a peer.
	Sender     string
	SenderName string
}

// Engine owns one reconciliation pass. It holds no state between passes.
type Engine struct {
	runner   store.Runner
	profiles profile.Lookup
	gen      Generator
	mail     Mail
	notifier review.Notifier
	log      *zap.Logger
	tracer   trace.Tracer
	opts     Options

	now      func() time.Time
	pick     func(n int) int
	handlers map[artifact.Kind]contentHandler
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithPicker replaces the random choice of impersonated peer. pick returns an
// index in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(e *Engine) { e.pick = pick }
}

// New creates an Engine.
func New(runner store.Runner, profiles profile.Lookup, gen Generator, mail Mail, notifier review.Notifier, log *zap.Logger, opts Options, options ...Option) *Engine {
	if opts.Window <= 0 {
		opts.Window = readiness.DefaultWindow
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = readiness.DefaultCooldown
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	opts.CredentialsURL = strings.TrimRight(opts.CredentialsURL, "/")
	e := &Engine{
		runner:   runner,
		profiles: profiles,
		gen:      gen,
		mail:     mail,
		notifier: notifier,
		log:      log,
		tracer:   otel.Tracer("hookline/engine"),
		opts:     opts,
		now:      time.Now,
		pick:     rand.IntN,
	}
	for _, o := range options {
		o(e)
	}
	e.handlers = map[artifact.Kind]contentHandler{
		artifact.KindEmail: &emailHandler{e: e},
	}
	return e
}

// Tick runs one reconciliation pass. Failures of single records are logged
// and left for the next pass; only a failed objective sweep is returned.
func (e *Engine) Tick(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.tick")
	defer span.End()
	now := e.now()

	eligible, err := e.reconcileObjectives(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	created, err := e.plan(ctx, eligible)
	if err != nil {
		e.log.Error("plan attacks", zap.Error(err))
	}
	span.SetAttributes(
		attribute.Int("engine.eligible", len(eligible)),
		attribute.Int("engine.planned", len(created)),
	)

	e.progress(ctx, now)
	return nil
}

// progress moves every non-terminal attack of an ongoing objective one step.
func (e *Engine) progress(ctx context.Context, now time.Time) {
	s := e.runner.Stores()
	active, err := s.Attacks.Active(ctx)
	if err != nil {
		e.log.Error("list active attacks", zap.Error(err))
		return
	}

	objectives := make(map[string]*objective.Objective)
	for i := range active {
		if ctx.Err() != nil {
			return
		}
		atk := &active[i]
		obj, ok := objectives[atk.ObjectiveID]
		if !ok {
			obj, err = s.Objectives.Get(ctx, atk.ObjectiveID)
			if err != nil {
				e.log.Error("load objective", zap.String("objective_id", atk.ObjectiveID), zap.Error(err))
				continue
			}
			objectives[atk.ObjectiveID] = obj
		}
		if obj.Status != objective.Ongoing {
			continue
		}
		if err := e.step(ctx, obj, atk, now); err != nil {
			e.log.Warn("attack step failed",
				zap.String("attack_id", atk.ID),
				zap.String("status", string(atk.Status)),
				zap.Error(err))
		}
	}
}

func (e *Engine) step(ctx context.Context, obj *objective.Objective, atk *attack.Attack, now time.Time) error {
	switch atk.Status {
	case attack.WaitingForData:
		started, err := e.start(ctx, obj, atk, now)
		if err != nil || !started {
			return err
		}
		atk.Status = attack.Ongoing
		fallthrough
	case attack.Ongoing:
		return e.advance(ctx, obj, atk, now)
	}
	return nil
}

// start promotes a waiting attack to ONGOING once its target is ready.
func (e *Engine) start(ctx context.Context, obj *objective.Objective, atk *attack.Attack, now time.Time) (bool, error) {
	snap, err := e.profiles.Get(ctx, obj.OrgID, atk.Target)
	if err != nil {
		return false, err
	}
	s := e.runner.Stores()
	ev := readiness.Evaluator{Attacks: s.Attacks, Outcomes: s.Outcomes, Window: e.opts.Window, Cooldown: e.opts.Cooldown}
	ready, err := ev.Ready(ctx, obj, atk, snap, now)
	if err != nil || !ready {
		return false, err
	}

	started := false
	err = e.runner.InTx(ctx, func(tx store.Set) error {
		o, err := tx.Objectives.Lock(ctx, obj.ID)
		if err != nil {
			return err
		}
		if o.Status != objective.Ongoing {
			return nil
		}
		a, err := tx.Attacks.Lock(ctx, atk.ID)
		if err != nil {
			return err
		}
		if a.Status != attack.WaitingForData {
			return nil
		}
		if err := tx.Attacks.SetStatus(ctx, a.ID, attack.Ongoing); err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if started {
		e.log.Info("attack started", zap.String("attack_id", atk.ID), zap.String("target", atk.Target))
	}
	return started, nil
}
