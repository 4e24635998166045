package sync

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
	domain "pensieve/internal/domain/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints, pending changes and the last cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		local, err := app.Status(cmd.Context())
		if err != nil {
			return err
		}

		var server *domain.OwnerStatus
		var remoteErr error
		if remote {
			server, remoteErr = app.RemoteStatus(cmd.Context())
		}

		if output.JSONRequested(cmd) {
			view := struct {
				Local       *client.LocalStatus `json:"local"`
				Remote      *domain.OwnerStatus `json:"remote,omitempty"`
				RemoteError string              `json:"remoteError,omitempty"`
			}{Local: local, Remote: server}
			if remoteErr != nil {
				view.RemoteError = remoteErr.Error()
			}
			return output.JSON(cmd.OutOrStdout(), view)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Local")
		fmt.Fprintf(w, "  last pulled at:  %d\n", local.Checkpoint.LastPulledAt)
		fmt.Fprintf(w, "  last pushed at:  %d\n", local.Checkpoint.LastPushedAt)
		fmt.Fprintf(w, "  pending changes: %d\n", local.Pending)
		if local.LastSync != nil {
			fmt.Fprintf(w, "  last cycle:      %s %s\n", local.LastSync.Status, output.Time(local.LastSync.FinishedAt))
		}

		if !remote {
			return nil
		}
		fmt.Fprintln(w, "Server")
		if remoteErr != nil {
			output.Fail(w, "%v", remoteErr)
			return nil
		}
		printRemote(w, server)
		return nil
	},
}

func printRemote(w io.Writer, st *domain.OwnerStatus) {
	fmt.Fprintf(w, "  clock: %d\n", st.Clock)
	if st.LastSync != nil {
		fmt.Fprintf(w, "  last exchange: %s %s (%d records)\n",
			st.LastSync.Direction, output.Time(st.LastSync.FinishedAt), st.LastSync.Records)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  TYPE\tACTIVE\tDELETED")
	for _, t := range domain.EntityTypes {
		c := st.Counts[t]
		fmt.Fprintf(tw, "  %s\t%d\t%d\n", t, c.Active, c.Deleted)
	}
	_ = tw.Flush()
}
