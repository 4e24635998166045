package entity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
	"pensieve/internal/domain/sync"
)

var (
	addID   string
	addData string
	updData string
)

var addCmd = &cobra.Command{
	Use:   "add <type>",
	Short: "Create a record",
	Example: `  pensieve entity add capture --data '{"text":"call mom"}'
  echo '{"title":"milk"}' | pensieve entity add todo --data -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}
		data, err := readData(cmd, addData)
		if err != nil {
			return err
		}

		id := addID
		if id == "" {
			id = uuid.NewString()
		} else if _, err := app.Get(cmd.Context(), typ, id); err == nil {
			return fmt.Errorf("%s %s already exists, use 'entity update'", typ, id)
		} else if !errors.Is(err, sync.ErrNotFound) {
			return err
		}

		e, err := app.Put(cmd.Context(), typ, id, data)
		if err != nil {
			return err
		}
		return printSaved(cmd, e, "created")
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <type> <id>",
	Short: "Replace the data of a record",
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
		data, err := readData(cmd, updData)
		if err != nil {
			return err
		}

		existing, err := app.Get(cmd.Context(), typ, args[1])
		if err != nil {
			return err
		}
		if existing.Status == sync.StatusDeleted {
			output.Warn(cmd.ErrOrStderr(), "%s %s was deleted, updating restores it", typ, args[1])
		}

		e, err := app.Put(cmd.Context(), typ, args[1], data)
		if err != nil {
			return err
		}
		return printSaved(cmd, e, "updated")
	},
}

func printSaved(cmd *cobra.Command, e *client.LocalEntity, verb string) error {
	if output.JSONRequested(cmd) {
		return output.JSON(cmd.OutOrStdout(), e)
	}
	output.Success(cmd.OutOrStdout(), "%s %s %s", e.Type, e.ClientID, verb)
	return nil
}

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "client id (random UUID when empty)")
	addCmd.Flags().StringVarP(&addData, "data", "d", "", "JSON payload, '-' reads stdin")
	_ = addCmd.MarkFlagRequired("data")

	updateCmd.Flags().StringVarP(&updData, "data", "d", "", "JSON payload, '-' reads stdin")
	_ = updateCmd.MarkFlagRequired("data")
}
