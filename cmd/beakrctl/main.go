// Package main — cmd/beakrctl/main.go
//
// beakrctl is a companion CLI for a running beakr-agentd process. It
// speaks the operator protocol described in internal/operator over the
// agent's Unix domain socket: no network access, no privileges beyond
// being the same user that owns the socket.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebeakr/desktop-agent/internal/config"
)

func main() {
	var sockPath string

	root := &cobra.Command{
		Use:              "beakrctl",
		Short:            "Inspect and control a running beakr-agentd process",
		TraverseChildren: true,
	}
	defaultSock := config.DefaultSocketPath()
	root.PersistentFlags().StringVar(&sockPath, "socket", defaultSock, "Path to the operator Unix domain socket")

	root.AddCommand(newStatusCommand(&sockPath))
	root.AddCommand(newReconnectCommand(&sockPath))
	root.AddCommand(newReloadScopeCommand(&sockPath))
	root.AddCommand(newActivityCommand(&sockPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("beakrctl: %v", err))
		os.Exit(1)
	}
}
