package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebeakr/desktop-agent/internal/operator"
)

func newActivityCommand(sockPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the most recent filesystem tool requests the agent has served",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(*sockPath, operator.Request{Cmd: "activity", Limit: limit})
			if err != nil {
				return err
			}
			if len(resp.Activity) == 0 {
				fmt.Println("(no activity recorded)")
				return nil
			}
			for _, entry := range resp.Activity {
				line := fmt.Sprintf("%s  %-14s %-7s", entry.Time.Local().Format("15:04:05"), entry.Tool, statusLabel(entry.Status))
				if entry.Path != "" {
					line += "  " + entry.Path
				}
				if entry.BytesTransferred != nil {
					line += "  " + humanize.Bytes(uint64(*entry.BytesTransferred))
				}
				if entry.Error != "" {
					line += "  " + color.RedString(entry.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries to show")
	return cmd
}

func statusLabel(status string) string {
	if status == "ok" {
		return color.GreenString(status)
	}
	return color.RedString(status)
}
