package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/openclaw/internal/apikeys"
	"github.com/haasonsaas/openclaw/internal/config"
)

var configPath string

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openclaw",
		Short: "OpenClaw - multi-channel AI agent gateway",
		Long: `OpenClaw connects messaging platforms to LLM providers with tool execution.

Supported channels: Telegram, Discord, Slack
Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default: openclaw.yaml; or set OPENCLAW_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildPairCmd(),
		buildCronCmd(),
		buildKeysCmd(),
	)
	return rootCmd
}

// loadConfig resolves the config path (flag, env, default) and loads it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("OPENCLAW_CONFIG")
	}
	if path == "" {
		path = "openclaw.yaml"
	}
	return config.Load(path)
}

func buildKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(buildKeysCreateCmd(), buildKeysListCmd(), buildKeysRevokeCmd())
	return cmd
}

func openKeyStore() (*apikeys.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}
	return apikeys.Open(filepath.Join(cfg.StateDir, "apikeys.db"))
}

func buildKeysCreateCmd() *cobra.Command {
	var permissions []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key (the secret is shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			opts := apikeys.CreateOptions{}
			if ttl > 0 {
				expiry := time.Now().Add(ttl)
				opts.ExpiresAt = &expiry
			}
			raw, key, err := store.Create(context.Background(), args[0], permissions, opts)
			if err != nil {
				return err
			}
			fmt.Printf("key id: %s\nsecret: %s\n\nStore the secret now; it cannot be recovered.\n", key.KeyID, raw)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Granted permission (repeatable; default *)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 = no expiry)")
	return cmd
}

func buildKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.List(context.Background())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("no keys")
				return nil
			}
			for _, key := range keys {
				state := "enabled"
				if !key.Enabled {
					state = "disabled"
				}
				lastUsed := "never"
				if key.LastUsedAt != nil {
					lastUsed = key.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-20s %-8s perms=%s last_used=%s\n",
					key.KeyID, key.Name, state, strings.Join(key.Permissions, ","), lastUsed)
			}
			return nil
		},
	}
}

func buildKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Disable(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		},
	}
}
