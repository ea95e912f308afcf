package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebeakr/desktop-agent/internal/operator"
)

func newReconnectCommand(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Force the agent to drop and re-establish its cloud connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := send(*sockPath, operator.Request{Cmd: "reconnect"}); err != nil {
				return err
			}
			fmt.Println(color.GreenString("reconnect requested"))
			return nil
		},
	}
}
