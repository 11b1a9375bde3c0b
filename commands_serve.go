package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/bus"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/internal/channels/discord"
	"github.com/haasonsaas/openclaw/internal/channels/slack"
	"github.com/haasonsaas/openclaw/internal/channels/telegram"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/cron"
	"github.com/haasonsaas/openclaw/internal/dispatch"
	"github.com/haasonsaas/openclaw/internal/gateway"
	"github.com/haasonsaas/openclaw/internal/observability"
	"github.com/haasonsaas/openclaw/internal/pairing"
	"github.com/haasonsaas/openclaw/internal/providers"
	"github.com/haasonsaas/openclaw/internal/sessions"
	"github.com/haasonsaas/openclaw/internal/tools"
	"github.com/haasonsaas/openclaw/internal/workspace"
)

const shutdownGrace = 10 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start channels, the agent dispatcher, cron, and the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	logBuf := observability.NewLogBuffer(observability.DefaultLogBufferSize)
	logger := observability.Setup(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Buffer: logBuf,
	})
	metrics := observability.NewMetrics()
	events := bus.New()

	if _, err := workspace.Bootstrap(cfg.Workspace); err != nil {
		return fmt.Errorf("bootstrap workspace: %w", err)
	}

	store, err := sessions.NewStore(filepath.Join(cfg.StateDir, "sessions"),
		sessions.WithEvents(events.Publish))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	llm, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	registry := buildToolRegistry(cfg, logger)
	manager := channels.NewManager(logger)
	if err := registerChannels(cfg, manager, logger); err != nil {
		return err
	}

	dispatcher := dispatch.New(cfg, store, manager, registry, llm,
		dispatch.WithBus(events),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(logger),
		dispatch.WithSystemContext(workspace.LoadContext(cfg.Workspace)),
	)

	devices, err := pairing.NewDeviceStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	var cronSvc *cron.Service
	if cfg.Cron.Enabled && !config.SkipCron() {
		cronSvc, err = cron.NewService(cfg.StateDir, cfg.Cron.LogDir, dispatcher, manager,
			cron.WithLogger(logger),
			cron.WithBus(events),
			cron.WithMetrics(metrics),
			cron.WithDefaultAgent(cfg.Agents.Default),
		)
		if err != nil {
			return fmt.Errorf("init cron: %w", err)
		}
	}

	gw := gateway.NewServer(cfg, store, manager, dispatcher,
		gateway.WithCron(cronSvc),
		gateway.WithDevices(devices),
		gateway.WithBus(events),
		gateway.WithMetrics(metrics),
		gateway.WithLogBuffer(logBuf),
		gateway.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.StartAll(ctx)
	go dispatcher.Run(ctx)
	if cronSvc != nil {
		cronSvc.Start(ctx)
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	logger.Info("openclaw running",
		"gateway", gw.Addr(),
		"workspace", cfg.Workspace,
		"cron", cronSvc != nil)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway stop", "error", err)
	}
	if cronSvc != nil {
		if err := cronSvc.Stop(shutdownCtx); err != nil {
			logger.Warn("cron stop", "error", err)
		}
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel stop", "error", err)
	}
	return nil
}

// buildProviders constructs a StreamProvider per configured LLM entry.
func buildProviders(cfg *config.Config) (map[string]agent.StreamProvider, error) {
	out := make(map[string]agent.StreamProvider)
	for name, pc := range cfg.LLM.Providers {
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("init anthropic: %w", err)
			}
			out[name] = p
		case "openai":
			p, err := providers.NewOpenAI(providers.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("init openai: %w", err)
			}
			out[name] = p
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	return out, nil
}

// buildToolRegistry registers the built-in tool set scoped to the
// workspace.
func buildToolRegistry(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(
		tools.WithExecTimeout(cfg.Tools.ExecTimeout),
		tools.WithLogger(logger),
	)

	bash := tools.NewBashTool(tools.ExecConfig{
		Workspace:      cfg.Workspace,
		Mode:           tools.SecurityMode(cfg.Tools.BashSecurity),
		DefaultTimeout: cfg.Tools.ExecTimeout,
	})

	for _, tool := range []tools.Tool{
		bash,
		tools.NewProcessTool(bash),
		tools.NewReadFileTool(cfg.Workspace),
		tools.NewWriteFileTool(cfg.Workspace),
		tools.NewEditFileTool(cfg.Workspace),
		tools.NewApplyPatchTool(cfg.Workspace),
	} {
		if err := registry.Register(tool); err != nil {
			logger.Warn("tool registration failed", "tool", tool.Name(), "error", err)
		}
	}
	return registry
}

// registerChannels wires each enabled channel plugin into the manager.
func registerChannels(cfg *config.Config, manager *channels.Manager, logger *slog.Logger) error {
	if cfg.Channels.Telegram.Enabled {
		p, err := telegram.New(telegram.Config{
			Token:     cfg.Channels.Telegram.BotToken,
			AccountID: cfg.Channels.Telegram.AccountID,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		manager.Register(p)
	}
	if cfg.Channels.Discord.Enabled {
		p, err := discord.New(discord.Config{
			Token:     cfg.Channels.Discord.BotToken,
			AccountID: cfg.Channels.Discord.AccountID,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init discord: %w", err)
		}
		manager.Register(p)
	}
	if cfg.Channels.Slack.Enabled {
		p, err := slack.New(slack.Config{
			BotToken:  cfg.Channels.Slack.BotToken,
			AppToken:  cfg.Channels.Slack.AppToken,
			AccountID: cfg.Channels.Slack.AccountID,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init slack: %w", err)
		}
		manager.Register(p)
	}
	return nil
}
