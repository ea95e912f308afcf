package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebeakr/desktop-agent/internal/operator"
)

func newReloadScopeCommand(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload-scope",
		Short: "Re-read scoped folders from the local store without restarting the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(*sockPath, operator.Request{Cmd: "reload_scope"})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("scope reloaded"))
			for _, f := range resp.ScopedFolders {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}
}
