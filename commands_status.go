package main

import (
	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("status", nil)
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the server's recent log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("logs.tail", map[string]any{"lines": lines})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
	logsCmd.Flags().IntVar(&lines, "lines", 100, "Number of lines to fetch")
	cmd.AddCommand(logsCmd)
	return cmd
}
