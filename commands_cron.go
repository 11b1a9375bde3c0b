package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on a running server",
	}
	cmd.AddCommand(
		buildCronListCmd(),
		buildCronAddCmd(),
		buildCronRemoveCmd(),
		buildCronRunCmd(),
		buildCronRunsCmd(),
	)
	return cmd
}

func buildCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("cron.list", nil)
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildCronAddCmd() *cobra.Command {
	var (
		name     string
		schedule string
		payload  string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job from JSON schedule and payload",
		Long: `Add a scheduled job. Schedule and payload are JSON, e.g.:

  openclaw cron add --name standup \
    --schedule '{"kind":"cron","expr":"0 9 * * 1-5","tz":"America/New_York"}' \
    --payload '{"kind":"system_event","text":"Prepare the standup summary"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scheduleObj, payloadObj map[string]any
			if err := json.Unmarshal([]byte(schedule), &scheduleObj); err != nil {
				return fmt.Errorf("bad --schedule: %w", err)
			}
			if err := json.Unmarshal([]byte(payload), &payloadObj); err != nil {
				return fmt.Errorf("bad --payload: %w", err)
			}
			return withGateway(func(client *gatewayClient) error {
				result, err := client.Call("cron.add", map[string]any{
					"name":           name,
					"enabled":        true,
					"schedule":       scheduleObj,
					"payload":        payloadObj,
					"deleteAfterRun": once,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Schedule JSON (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload JSON (required)")
	cmd.Flags().BoolVar(&once, "once", false, "Delete the job after its first run")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func buildCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("cron.remove", map[string]any{"id": args[0]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildCronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("cron.run", map[string]any{"id": args[0]})
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
}

func buildCronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [job-id]",
		Short: "Show recent run history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"limit": limit}
			if len(args) == 1 {
				params["id"] = args[0]
			}
			return withGateway(func(client *gatewayClient) error {
				payload, err := client.Call("cron.runs", params)
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to fetch")
	return cmd
}
