package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pensieve/internal/app/client"
	"pensieve/internal/app/client/config"
	"pensieve/internal/utils/logger"
)

var (
	cfgFile    string
	app        *client.App
	debug      bool
	jsonOutput bool
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "pensieve",
	Short: "Pensieve - offline-first capture client",
	Long: `Pensieve keeps captures, thoughts, ideas and todos in a local ledger
and exchanges them with the Pensieve server whenever it is reachable.

Every command works offline. Run 'pensieve sync' for a one-off exchange or
'pensieve daemon' to keep the device in sync in the background.`,
	PersistentPreRunE: setupApp,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if app != nil {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerAddress = serverURL
	}

	env := cfg.Env
	if debug {
		env = "local"
	}
	log := logger.NewWithFile(env, cfg.LogFile)

	app, err = client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	cmd.SetContext(client.WithApp(cmd.Context(), app))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.pensieve/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose colorized logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Pensieve server address")
}
