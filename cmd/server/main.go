package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"pensieve/internal/app/server"
	"pensieve/internal/app/server/api/http/middleware/auth"
	"pensieve/internal/app/server/config"
	"pensieve/internal/infrastructure/migration"
	"pensieve/internal/utils/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pensieve-server",
		Short: "Pensieve sync server",
		Long: `Pensieve sync server stores the records of every owner and exchanges
changes with offline-first clients over /sync/pull and /sync/push.`,
		PersistentPreRunE: setup,
		RunE:              serve,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  migrate,
		},
		tokenCmd(),
	)
	return root
}

func setup(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log = logger.New(cfg.Env)
	return nil
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}()

	return app.Run(ctx)
}

func migrate(_ *cobra.Command, _ []string) error {
	if cfg.DB.DatabaseURI == "" {
		return fmt.Errorf("DATABASE_URI is not set")
	}
	mg := migration.NewMigration(cfg, migration.DefaultEngine)
	if err := mg.Up(); err != nil {
		return err
	}
	log.Info("migrations applied", slog.String("source", mg.SourceURL()))
	return nil
}

func tokenCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.GenerateToken(owner, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identifier placed in the token subject")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
