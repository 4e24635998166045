package sync

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
)

// DaemonCmd синхронизирует устройство в фоне до прерывания
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync in the background",
	Long: `Runs a sync cycle on start, on every interval tick and whenever the
server becomes reachable again. Failed cycles are retried with a growing
delay.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := cmd.OutOrStdout()
		asJSON := output.JSONRequested(cmd)
		return app.RunDaemon(ctx, func(res *client.Result) {
			if asJSON {
				_ = output.JSON(w, newResultView(res))
				return
			}
			printResult(w, res)
		})
	},
}
