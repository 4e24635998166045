package auth

import (
	"github.com/spf13/cobra"
)

// AuthCmd - родительская команда для управления токеном доступа
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the access token",
	Long: `The server identifies the owner by a bearer token. Issue one with
'pensieve-server token <owner>' and store it here.`,
}

func init() {
	AuthCmd.AddCommand(setTokenCmd, clearCmd, checkCmd)
}
