package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/permitflow/internal/adapters/driven/auth"
	"github.com/custodia-labs/permitflow/internal/config"
	"github.com/custodia-labs/permitflow/internal/core/domain"
)

func newSlotsCommand(load func() (*config.Config, error)) *cobra.Command {
	var (
		from string
		days int
	)

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage the appointment calendar",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create appointment slots for the coming working days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			start := time.Now()
			if from != "" {
				if start, err = time.ParseInLocation(time.DateOnly, from, time.Local); err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
			}
			if days <= 0 {
				days = cfg.SlotHorizonDays
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.appointments.GenerateSlots(ctx, start, days)
			if err != nil {
				return fmt.Errorf("create slots: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d slots over %d days from %s\n", created, days, start.Format(time.DateOnly))
			return nil
		},
	}
	create.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD), defaults to today")
	create.Flags().IntVar(&days, "days", 0, "Number of days, defaults to SLOT_HORIZON_DAYS")
	cmd.AddCommand(create)
	return cmd
}

func newTokenCommand(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage service credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <secret>",
		Short: "Print the bcrypt hash of a client secret for API_CLIENTS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			hash, err := auth.NewAdapter(cfg.JWTSecret).HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	var (
		clientID string
		scopes   string
		ttl      time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token without a credentials exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			now := time.Now()
			token, err := auth.NewAdapter(cfg.JWTSecret).GenerateToken(&domain.TokenClaims{
				ClientID:  clientID,
				Scopes:    strings.Split(scopes, ","),
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&clientID, "client", "", "Client id placed in the token subject")
	issue.Flags().StringVar(&scopes, "scopes", domain.ScopeIngest, "Comma separated scopes (ingest, admin)")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, defaults to TOKEN_TTL")
	_ = issue.MarkFlagRequired("client")
	cmd.AddCommand(issue)

	return cmd
}

func newSchedulesCommand(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and control the maintenance schedules",
	}

	// withApp runs fn against a freshly wired app.
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}

	printSchedule := func(cmd *cobra.Command, s *domain.ScheduledTask) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t interval=%s next_run=%s\n",
			s.ID, s.Enabled, s.Interval, s.NextRun.Format(time.RFC3339))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules, seeding the defaults first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.scheduler.EnsureDefaults(ctx, domain.DefaultSchedulerConfig()); err != nil {
					return err
				}
				schedules, err := a.scheduler.ListScheduledTasks(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tENABLED\tINTERVAL\tNEXT RUN\tLAST ERROR")
				for _, s := range schedules {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
						s.ID, s.Type, s.Enabled, s.Interval, s.NextRun.Format(time.RFC3339), s.LastError)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger <id>",
		Short: "Enqueue a schedule's task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				task, err := a.scheduler.TriggerNow(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", task.ID, task.Type)
				return nil
			})
		},
	})

	for _, enabled := range []bool{true, false} {
		use, short := "enable <id>", "Resume a schedule"
		if !enabled {
			use, short = "disable <id>", "Pause a schedule"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					s, err := a.scheduler.SetEnabled(ctx, args[0], enabled)
					if err != nil {
						return err
					}
					printSchedule(cmd, s)
					return nil
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "interval <id> <duration>",
		Short: "Change how often a schedule runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s, err := a.scheduler.SetInterval(ctx, args[0], interval)
				if err != nil {
					return err
				}
				printSchedule(cmd, s)
				return nil
			})
		},
	})

	return cmd
}
