// Package main is the CLI entry point for the OpenClaw multi-channel
// agent gateway.
//
// Start the server:
//
//	openclaw serve --config openclaw.yaml
//
// Inspect a running instance:
//
//	openclaw status
//	openclaw cron list
//	openclaw pair list
//
// Configuration can also come from the environment:
//
//   - OPENCLAW_CONFIG: path to the configuration file
//   - OPENCLAW_SKIP_CRON: set to 1 to disable the scheduler
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
//   - TELEGRAM_BOT_TOKEN / DISCORD_BOT_TOKEN / SLACK_BOT_TOKEN / SLACK_APP_TOKEN
package main

import (
	"log/slog"
	"os"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
