package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hookline/internal/app"
	"hookline/internal/config"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/review"
	"hookline/pkg/store"
)

// cli opens the store and services on first use so read-only commands do
// not need generation or mail credentials.
type cli struct {
	configPath string

	cfg    *config.Config
	log    *zap.Logger
	runner store.Runner
	close  func()
	app    *app.App
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "hl",
		Short:         "Operate hookline objectives, reviews and outcomes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			c.shutdown()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("HOOKLINE_CONFIG"), "path to the YAML config file")
	root.AddCommand(
		c.initCmd(),
		c.objectiveCmd(),
		c.attackCmd(),
		c.reviewCmd(),
		c.artifactCmd(),
		c.outcomeCmd(),
		c.probeCmd(),
		c.tickCmd(),
		c.statusCmd(),
	)
	if err := root.ExecuteContext(context.Background()); err != nil {
		c.shutdown()
		fmt.Fprintln(os.Stderr, "hl:", err)
		os.Exit(1)
	}
}

func (c *cli) stores(ctx context.Context) (store.Set, error) {
	if c.runner == nil {
		cfg, log, err := app.Load(c.configPath)
		if err != nil {
			return store.Set{}, err
		}
		if cfg.Database.Ephemeral {
			return store.Set{}, fmt.Errorf("hl needs a database; ephemeral stores live inside the server process")
		}
		runner, closeStore, err := app.OpenStore(ctx, cfg, log)
		if err != nil {
			return store.Set{}, err
		}
		c.cfg, c.log, c.runner, c.close = cfg, log, runner, closeStore
	}
	return c.runner.Stores(), nil
}

func (c *cli) services(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	if _, err := c.stores(ctx); err != nil {
		return nil, err
	}
	a, err := app.New(ctx, c.cfg, c.log, c.runner)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) shutdown() {
	if c.close != nil {
		c.close()
		c.close = nil
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
}

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.EnsureSchema(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Println(`{"status":"ok","message":"all tables initialized"}`)
			return nil
		},
	}
}

func (c *cli) objectiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "objective", Short: "Objective operations"}

	var (
		orgID, goal, begins, expires string
		targets                      []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an objective and its attacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			beginsAt, err := parseTime(begins, time.Now())
			if err != nil {
				return fmt.Errorf("--begins: %w", err)
			}
			expiresAt, err := parseTime(expires, time.Time{})
			if err != nil {
				return fmt.Errorf("--expires: %w", err)
			}
			a, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			o, res, err := a.Engine.CreateObjective(cmd.Context(), objective.Objective{
				OrgID:     orgID,
				Goal:      objective.Goal(strings.ToUpper(goal)),
				BeginsAt:  beginsAt,
				ExpiresAt: expiresAt,
				Targets:   targets,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"objective": o, "attacks": res.Created, "claimed_targets": res.Claimed})
		},
	}
	create.Flags().StringVar(&orgID, "org", "", "organization ID")
	create.Flags().StringVar(&goal, "goal", string(objective.GoalLinkClick), "LINK_CLICK or CREDENTIALS")
	create.Flags().StringVar(&begins, "begins", "", "start time, RFC 3339 (default now)")
	create.Flags().StringVar(&expires, "expires", "", "end time, RFC 3339 or a duration such as 720h")
	create.Flags().StringSliceVar(&targets, "targets", nil, "comma separated target addresses")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("expires")
	_ = create.MarkFlagRequired("targets")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an objective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			o, err := s.Objectives.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(o)
		},
	}

	var (
		listOrg string
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent objectives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			objs, err := s.Objectives.List(cmd.Context(), listOrg, limit)
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Printf("%-36s  %-11s  %-8s  %s  %d targets\n",
					o.ID, o.Goal, o.Status, o.ExpiresAt.Format(time.DateOnly), len(o.Targets))
			}
			return nil
		},
	}
	list.Flags().StringVar(&listOrg, "org", "", "only this organization")
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")

	cmd.AddCommand(create, get, list)
	return cmd
}

func (c *cli) attackCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "attack", Short: "Attack operations"}

	var objectiveID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the attacks of an objective, or every active attack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			var attacks []attack.Attack
			if objectiveID != "" {
				attacks, err = s.Attacks.ByObjective(cmd.Context(), objectiveID)
			} else {
				attacks, err = s.Attacks.Active(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, a := range attacks {
				fmt.Printf("%-36s  %-16s  %s\n", a.ID, a.Status, a.Target)
			}
			return nil
		},
	}
	list.Flags().StringVar(&objectiveID, "objective", "", "objective ID")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an attack with its artifacts and outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.stores(ctx)
			if err != nil {
				return err
			}
			a, err := s.Attacks.Get(ctx, args[0])
			if err != nil {
				return err
			}
			arts, err := s.Artifacts.ByAttack(ctx, a.ID)
			if err != nil {
				return err
			}
			entries, err := s.Outcomes.ByAttack(ctx, a.ID, 100)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"attack": a, "artifacts": arts, "outcomes": entries})
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func (c *cli) reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Review queue operations"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending review requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			var reqs []review.Request
			if all {
				reqs, err = s.Reviews.Recent(cmd.Context(), 50)
			} else {
				reqs, err = s.Reviews.Pending(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, r := range reqs {
				fmt.Printf("%-36s  %-9s  %s\n", r.ArtifactID, r.Status, truncStr(r.Excerpt, 60))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved requests")
	cmd.AddCommand(list)
	return cmd
}

func (c *cli) artifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Approve, reject or regenerate artifacts under review"}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "approve <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.services(cmd.Context())
				if err != nil {
					return err
				}
				art, err := a.Engine.Approve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(art)
			},
		},
		&cobra.Command{
			Use:  "reject <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.services(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.Engine.Reject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Println(`{"status":"rejected"}`)
				return nil
			},
		},
		&cobra.Command{
			Use:  "regenerate <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.services(cmd.Context())
				if err != nil {
					return err
				}
				art, err := a.Engine.Regenerate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(art)
			},
		},
	)
	return cmd
}

func (c *cli) outcomeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outcome", Short: "Outcome log operations"}

	var limit int
	list := &cobra.Command{
		Use:   "list [attack-id]",
		Short: "List the outcomes of an attack, or the most recent overall",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			var entries []outcome.Entry
			if len(args) == 1 {
				entries, err = s.Outcomes.ByAttack(cmd.Context(), args[0], limit)
			} else {
				entries, err = s.Outcomes.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-36s  %s\n", e.CreatedAt.Format(time.DateTime), e.AttackID, e.Type)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")

	verify := &cobra.Command{
		Use:   "verify <attack-id>",
		Short: "Check the hash chain of an attack's outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Outcomes.VerifyChain(cmd.Context(), args[0]); err != nil {
				return printJSON(map[string]any{"valid": false, "error": err.Error()})
			}
			return printJSON(map[string]any{"valid": true})
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}

func (c *cli) probeCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Check mailbox insertion for an address's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			if from == "" {
				from = a.Config.Mail.DefaultSender
			}
			google := a.Transport.SupportsInsertion(cmd.Context(), args[0])
			enabled, err := a.Transport.ProbeDelegation(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"google_workspace": google, "enabled": enabled})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender of the probe message (default mail.default_sender)")
	return cmd
}

func (c *cli) tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			return a.Engine.Tick(cmd.Context())
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show attack counts and the review backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.stores(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := s.Attacks.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := s.Reviews.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"attacks": counts, "pending_reviews": pending})
		},
	}
}

// parseTime accepts RFC 3339 or a duration from now. An empty value gives def.
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(d), nil
	}
	return time.Parse(time.RFC3339, v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
