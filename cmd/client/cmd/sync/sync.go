package sync

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
	domain "pensieve/internal/domain/sync"
)

var (
	priority  string
	fullPull  bool
	showLimit int
	remote    bool
)

// SyncCmd запускает один цикл синхронизации
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange changes with the server now",
	Long: `Pulls the changes made on other devices, then pushes local edits in
batches. When a record was changed on both sides the server version wins
and the conflict is reported.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		p := domain.Priority(priority)
		if p != domain.PriorityLow && p != domain.PriorityHigh {
			return fmt.Errorf("unknown priority %q, use low or high", priority)
		}
		if fullPull {
			if err := app.ResetCheckpoint(cmd.Context()); err != nil {
				return err
			}
		}

		res := app.Sync(cmd.Context(), p)
		if output.JSONRequested(cmd) {
			if err := output.JSON(cmd.OutOrStdout(), newResultView(res)); err != nil {
				return err
			}
		} else {
			printResult(cmd.OutOrStdout(), res)
		}

		if res.Status == client.StatusFailed {
			return res.Err
		}
		return nil
	},
}

type resultView struct {
	*client.Result
	Transient bool   `json:"transient"`
	Error     string `json:"error,omitempty"`
}

func newResultView(res *client.Result) resultView {
	v := resultView{Result: res, Transient: res.Transient()}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

func printResult(w io.Writer, res *client.Result) {
	switch res.Status {
	case client.StatusSkipped:
		output.Warn(w, "another sync is already running")
		return
	case client.StatusFailed:
		output.Fail(w, "sync failed after %s: %v", res.Duration().Round(time.Millisecond), res.Err)
		switch {
		case errors.Is(res.Err, domain.ErrUnauthenticated):
			fmt.Fprintln(w, "  run 'pensieve auth set-token' to sign in again")
		case res.Transient():
			fmt.Fprintln(w, "  the server is unreachable, local changes stay queued")
		}
	default:
		output.Success(w, "sync completed in %s", res.Duration().Round(time.Millisecond))
	}

	fmt.Fprintf(w, "  pulled:  %d\n", res.Pulled)
	fmt.Fprintf(w, "  pushed:  %d\n", res.Pushed)
	if res.Rejected > 0 {
		output.Warn(w, "%d changes rejected by the server, fix them and sync again", res.Rejected)
	}
	for _, c := range res.Conflicts {
		output.Warn(w, "%s %s changed on another device, server version kept", c.Entity, c.RecordID)
	}
}

func init() {
	SyncCmd.Flags().StringVarP(&priority, "priority", "p", string(domain.PriorityHigh), "request priority: low or high")
	SyncCmd.Flags().BoolVar(&fullPull, "full", false, "forget the checkpoint and pull everything again")
	SyncCmd.AddCommand(statusCmd, logCmd)

	statusCmd.Flags().BoolVar(&remote, "remote", false, "also ask the server for its view")
	logCmd.Flags().IntVarP(&showLimit, "limit", "n", 10, "number of entries")
}
