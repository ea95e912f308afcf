package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebeakr/desktop-agent/internal/operator"
)

func newStatusCommand(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent's connection status, device ID, and scoped folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(*sockPath, operator.Request{Cmd: "status"})
			if err != nil {
				return err
			}
			printStatus(resp)
			return nil
		},
	}
}

func printStatus(resp operator.Response) {
	fmt.Printf("status:     %s\n", colorizeStatus(resp.Status))
	if resp.DeviceID != "" {
		fmt.Printf("device id:  %s\n", resp.DeviceID)
	} else {
		fmt.Printf("device id:  %s\n", color.YellowString("(not registered)"))
	}
	startedAt := time.Now().Add(-time.Duration(resp.UptimeSeconds * float64(time.Second)))
	fmt.Printf("uptime:     %s\n", humanize.Time(startedAt))
	fmt.Println("scoped folders:")
	if len(resp.ScopedFolders) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, f := range resp.ScopedFolders {
		fmt.Printf("  - %s\n", f)
	}
}

func colorizeStatus(status string) string {
	switch status {
	case "connected":
		return color.GreenString(status)
	case "connecting", "reconnecting":
		return color.YellowString(status)
	case "revoked":
		return color.RedString(status)
	default:
		return color.New(color.Faint).Sprint(status)
	}
}
