package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pensieve/cmd/client/cmd/output"
	"pensieve/internal/app/client"
)

var setTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the access token",
	Long:  `Without an argument the token is read from the terminal without echo, or from stdin.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		var token string
		if len(args) == 1 {
			token = args[0]
		} else if token, err = readToken(cmd); err != nil {
			return err
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return errors.New("empty token")
		}

		if err := app.SaveToken(token); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		output.Success(cmd.OutOrStdout(), "token saved")
		return nil
	},
}

func readToken(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return line, nil
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := app.ClearToken(); err != nil {
			return err
		}
		output.Success(cmd.OutOrStdout(), "token removed")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the server is reachable and accepts the token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if err := app.CheckConnection(cmd.Context()); err != nil {
			output.Fail(w, "server unreachable: %v", err)
			return err
		}
		output.Success(w, "server reachable")

		if _, err := app.RemoteStatus(cmd.Context()); err != nil {
			output.Fail(w, "token rejected: %v", err)
			return err
		}
		output.Success(w, "token accepted")
		return nil
	},
}
