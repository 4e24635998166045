package cmd

import (
	"pensieve/cmd/client/cmd/auth"
	"pensieve/cmd/client/cmd/entity"
	"pensieve/cmd/client/cmd/sync"
)

func init() {
	rootCmd.AddCommand(
		auth.AuthCmd,
		entity.EntityCmd,
		sync.SyncCmd,
		sync.DaemonCmd,
	)
}
