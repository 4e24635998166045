package entity

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
	"pensieve/internal/domain/sync"
)

var (
	listType    string
	listDeleted bool
	listPending bool
)

var getCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}
		e, err := app.Get(cmd.Context(), typ, args[1])
		if err != nil {
			return err
		}
		if output.JSONRequested(cmd) {
			return output.JSON(cmd.OutOrStdout(), e)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Type:      %s\n", e.Type)
		fmt.Fprintf(w, "ID:        %s\n", e.ClientID)
		fmt.Fprintf(w, "Server ID: %s\n", orDash(e.ServerID))
		fmt.Fprintf(w, "Status:    %s\n", e.Status)
		fmt.Fprintf(w, "Pending:   %v\n", e.Dirty)
		fmt.Fprintf(w, "Updated:   %s\n", output.Time(e.UpdatedAt))
		fmt.Fprintf(w, "Data:      %s\n", e.Data)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		var typ sync.EntityType
		if listType != "" {
			if typ, err = parseType(listType); err != nil {
				return err
			}
		}

		list, err := app.List(cmd.Context(), typ, listDeleted)
		if err != nil {
			return err
		}
		if listPending {
			filtered := list[:0]
			for _, e := range list {
				if e.Dirty {
					filtered = append(filtered, e)
				}
			}
			list = filtered
		}

		if output.JSONRequested(cmd) {
			return output.JSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No records")
			return nil
		}
		return printTable(cmd, list)
	},
}

func printTable(cmd *cobra.Command, list []client.LocalEntity) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tID\tSTATUS\tPENDING\tUPDATED\tDATA")
	for _, e := range list {
		pending := ""
		if e.Dirty {
			pending = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Type, e.ClientID, e.Status, pending, output.Time(e.UpdatedAt), truncate(string(e.Data), 48))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "only records of this type")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "include deleted records")
	listCmd.Flags().BoolVar(&listPending, "pending", false, "only records waiting for sync")
}
