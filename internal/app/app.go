// Package app assembles the stores, collaborators and services from a Config.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hookline/internal/config"
	"hookline/internal/db"
	"hookline/internal/logging"
	"hookline/internal/memstore"
	"hookline/pkg/correlator"
	"hookline/pkg/engine"
	"hookline/pkg/mailer"
	"hookline/pkg/profile"
	"hookline/pkg/review"
	"hookline/pkg/scheduler"
	"hookline/pkg/store"
	"hookline/pkg/textgen"
)

// App holds the wired services of one process.
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	Runner     store.Runner
	Transport  *mailer.Transport
	Engine     *engine.Engine
	Correlator *correlator.Correlator

	closers []func()
}

// Load reads the config at path and builds its logger.
func Load(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// OpenStore connects the configured store. The pool, if any, is closed by the
// returned func.
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Runner, func(), error) {
	if cfg.Database.Ephemeral {
		log.Warn("using in-memory store; records are lost on exit")
		return memstore.New(), func() {}, nil
	}
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return store.NewPgRunner(pool), pool.Close, nil
}

// WaitForSchema retries fn until the tables exist, for processes that start
// alongside the server which creates them.
func WaitForSchema(ctx context.Context, log *zap.Logger, attempts int, fn func(context.Context) error) error {
	var err error
	for i := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		log.Info("waiting for tables", zap.Int("attempt", i+1), zap.Int("of", attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return err
}

// New wires every service on top of runner.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, runner store.Runner) (*App, error) {
	a := &App{Config: cfg, Log: log, Runner: runner}

	profiles := profile.NewClient(cfg.Profile.URL, cfg.Profile.APIKey, cfg.Profile.Timeout, cfg.Profile.RetryMax, log.Named("profile"))

	completer, err := textgen.NewCompleter(ctx, cfg.TextGen.Provider, cfg.TextGen.APIKey, cfg.TextGen.Model, cfg.TextGen.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("text generation: %w", err)
	}
	gen := textgen.NewGenerator(completer, textgen.PerMinute(cfg.TextGen.RatePerMinute, cfg.TextGen.Burst), log.Named("textgen"))

	transport, err := newTransport(cfg.Mail, log.Named("mailer"))
	if err != nil {
		return nil, err
	}
	a.Transport = transport

	var notifier review.Notifier = review.NewLogNotifier(log.Named("review"))
	if cfg.Review.SlackToken != "" {
		notifier = review.NewSlackNotifier(cfg.Review.SlackToken, cfg.Review.SlackChannel, cfg.Review.AdminURL)
	}

	a.Engine = engine.New(runner, profiles, gen, transport, notifier, log.Named("engine"), engine.Options{
		Window:           cfg.Engine.Window,
		Cooldown:         cfg.Engine.Cooldown,
		PublicURL:        cfg.HTTP.PublicURL,
		CredentialsURL:   cfg.HTTP.CredentialsURL,
		SimulationHeader: cfg.Mail.SimulationHeader,
		Sender:           cfg.Mail.DefaultSender,
		SenderName:       cfg.Mail.DefaultSenderName,
	})
	a.Correlator = correlator.New(runner, log.Named("correlator"))
	return a, nil
}

func newTransport(cfg config.MailConfig, log *zap.Logger) (*mailer.Transport, error) {
	var inserter mailer.Inserter
	if cfg.Gmail.ServiceAccountFile != "" {
		g, err := mailer.NewGmailInserter(cfg.Gmail.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("gmail inserter: %w", err)
		}
		inserter = g
	}

	var direct mailer.Sender
	if len(cfg.SMTP.Accounts) > 0 {
		accounts := make([]mailer.SMTPAccount, 0, len(cfg.SMTP.Accounts))
		for _, acc := range cfg.SMTP.Accounts {
			accounts = append(accounts, mailer.SMTPAccount{Address: acc.Address, Password: acc.Password})
		}
		direct = mailer.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, accounts)
	}

	if cfg.Mailgun.Domain == "" {
		log.Warn("mailgun relay has no domain; relayed sends will fail")
	}
	relay := mailer.NewRelay(cfg.Mailgun.Domain, cfg.Mailgun.APIKey, cfg.Mailgun.APIBase)

	caps := mailer.NewCapabilities(cfg.Resolver, cfg.CapabilityTTL, log.Named("capabilities"))
	return mailer.NewTransport(caps, inserter, direct, relay, log), nil
}

// Scheduler returns a scheduler running the engine's reconciliation tick.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Log.Named("scheduler"))
	if err := s.Register(scheduler.Job{
		Name:     "reconcile",
		Interval: a.Config.Engine.Interval,
		Run:      a.Engine.Tick,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// OnClose registers fn to run on Close, in reverse order.
func (a *App) OnClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything registered with OnClose and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.Log.Sync()
}
