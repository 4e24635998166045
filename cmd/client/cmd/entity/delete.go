package entity

import (
	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <type> <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	Long:    `The record becomes a tombstone that is pushed on the next sync.`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}
		if err := app.Delete(cmd.Context(), typ, args[1]); err != nil {
			return err
		}
		output.Success(cmd.OutOrStdout(), "%s %s deleted", typ, args[1])
		return nil
	},
}
