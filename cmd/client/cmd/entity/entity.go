package entity

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pensieve/internal/domain/sync"
)

// EntityCmd - родительская команда для работы с локальными записями
var EntityCmd = &cobra.Command{
	Use:     "entity",
	Aliases: []string{"e"},
	Short:   "Manage captures, thoughts, ideas and todos",
	Long: `Records are edited locally and marked for the next sync.
Types: capture, thought, idea, todo. Data is any JSON object.`,
}

func parseType(s string) (sync.EntityType, error) {
	t := sync.EntityType(strings.ToLower(strings.TrimSpace(s)))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// readData берет данные из --data, а при значении "-" читает stdin
func readData(cmd *cobra.Command, data string) (json.RawMessage, error) {
	if data == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = string(b)
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("%w: empty data", sync.ErrValidation)
	}
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("%w: data is not valid JSON", sync.ErrValidation)
	}
	return json.RawMessage(data), nil
}

func init() {
	EntityCmd.AddCommand(addCmd, updateCmd, deleteCmd, getCmd, listCmd)
}
