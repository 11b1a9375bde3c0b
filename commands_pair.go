package main

import (
	"github.com/spf13/cobra"
)

func buildPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage device pairing and channel pairing codes",
	}
	cmd.AddCommand(
		buildPairListCmd(),
		buildPairApproveCmd(),
		buildPairRejectCmd(),
		buildPairChannelCmd(),
	)
	return cmd
}

func buildPairListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending device pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("device.pair.list", nil)
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildPairApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a device pairing request and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("device.pair.approve", map[string]any{"id": args[0]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildPairRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a device pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("device.pair.reject", map[string]any{"id": args[0]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildPairChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage a channel's sender pairing codes",
	}

	listCmd := &cobra.Command{
		Use:   "pending <channel>",
		Short: "List pending pairing codes for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("channels.pair.list", map[string]any{"channel": args[0]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a sender's pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("channels.pair.approve",
					map[string]any{"channel": args[0], "code": args[1]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}

	cmd.AddCommand(listCmd, approveCmd)
	return cmd
}
