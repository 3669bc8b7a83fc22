package main

// @title           PermitFlow API
// @version         1.0
// @description     Document compliance pipeline for immigration office submissions: attachment extraction, request classification, guideline-backed compliance evaluation and appointment scheduling.

// @contact.name   PermitFlow OSS
// @contact.url    https://github.com/custodia-labs/permitflow/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token. Format: "Bearer {token}"

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/custodia-labs/permitflow/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "permitflow",
		Short:        "Document compliance pipeline for immigration office submissions",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		setupLogger(cfg)
		return cfg, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newGuidelinesCommand(load),
		newSlotsCommand(load),
		newTokenCommand(load),
		newSchedulesCommand(load),
	)
	return root
}

// setupLogger installs the process-wide slog handler.
func setupLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler).With("service", "permitflow"))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("Shutdown signal received, stopping...")
	}()
	return ctx, stop
}

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:       "serve [api|worker|all]",
		Short:     "Run the HTTP API, the pipeline worker, or both",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{config.ModeAPI, config.ModeWorker, config.ModeAll},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.RunMode = args[0]
			}

			log.Printf("permitflow %s starting in %s mode", version, cfg.RunMode)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.loadGuidelinesOnBoot(ctx)
			log.Printf("Evaluation stage: %s", a.runtime.Config())

			switch cfg.RunMode {
			case config.ModeAPI:
				return a.runAPI(ctx)
			case config.ModeWorker:
				return a.runWorker(ctx)
			default:
				errCh := make(chan error, 1)
				go func() { errCh <- a.runWorker(ctx) }()
				if err := a.runAPI(ctx); err != nil {
					return err
				}
				return <-errCh
			}
		},
	}
}

func newGuidelinesCommand(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guidelines",
		Short: "Manage the guideline corpus",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load",
		Short: "Load the guideline directory into the configured index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.MilvusAddress == "" {
				log.Println("Warning: no MILVUS_ADDRESS configured, the corpus is only held for this command")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.guidelines.Load(ctx)
			if err != nil {
				return fmt.Errorf("load guidelines: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d documents, %d passages (%d dimensions)\n",
				stats.Documents, stats.Passages, stats.Dimensions)
			for category, n := range stats.Categories {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-28s %d\n", category, n)
			}
			return nil
		},
	})
	return cmd
}
