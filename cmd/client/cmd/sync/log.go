package sync

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent sync cycles of this device",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := app.Logs(cmd.Context(), showLimit)
		if err != nil {
			return err
		}
		if output.JSONRequested(cmd) {
			return output.JSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sync cycles yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tPRIORITY\tSTATUS\tPULLED\tPUSHED\tCONFLICTS\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				output.Time(e.StartedAt), e.Priority, e.Status, e.Pulled, e.Pushed, e.Conflicts, e.Error)
		}
		return w.Flush()
	},
}
