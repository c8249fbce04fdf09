// Package main is the CLI entry point for threadkeeper, a Discord companion
// bot that manages per-user conversation threads, streams model replies into
// Discord messages, and optionally reads finished replies aloud.
//
// Start the bot:
//
//	threadkeeper serve --config threadkeeper.yaml
//
// Secrets can be provided through the environment (a .env file is loaded if
// present) and referenced as ${VAR} inside the config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/threadkeeper/internal/commands"
	"github.com/haasonsaas/threadkeeper/internal/config"
	"github.com/haasonsaas/threadkeeper/internal/engine"
	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/gateway/discord"
	"github.com/haasonsaas/threadkeeper/internal/memory"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/internal/orchestrator"
	"github.com/haasonsaas/threadkeeper/internal/presence"
	"github.com/haasonsaas/threadkeeper/internal/registry"
	"github.com/haasonsaas/threadkeeper/internal/store"
	"github.com/haasonsaas/threadkeeper/internal/stream"
	"github.com/haasonsaas/threadkeeper/internal/voice"
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
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "threadkeeper",
		Short:        "threadkeeper - Discord conversation session bot",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Long: `Start the bot with the configured gateway, completion engine, and store.

Graceful shutdown is handled on SIGINT/SIGTERM: the gateway stops accepting
messages, in-flight sessions drain, and state is flushed to disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "threadkeeper.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(parent context.Context, configPath string, debug bool) error {
	// A .env next to the binary is a convenience for development; absence is
	// not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting threadkeeper",
		"version", version,
		"commit", commit,
		"config", configPath)

	var (
		metrics *observability.Metrics
		promReg *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = observability.NewMetrics(promReg)
	}

	st, err := store.Open(cfg.Store.Path, logger, store.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	adapter, err := discord.NewAdapter(discord.Config{
		Token:     cfg.Discord.Token,
		RateLimit: cfg.Discord.RateLimit,
		RateBurst: cfg.Discord.RateBurst,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway adapter: %w", err)
	}

	eng, err := engine.NewOpenAIEngine(engine.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		ChatModel:   cfg.OpenAI.ChatModel,
		SpeechModel: cfg.OpenAI.SpeechModel,
		BaseURL:     cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create completion engine: %w", err)
	}

	recall, err := memory.NewOpenAIRecall(memory.RecallConfig{
		APIKey:         cfg.OpenAI.APIKey,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		BaseURL:        cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create recall backend: %w", err)
	}
	memlog, err := memory.NewLog(cfg.Memory.LogDir)
	if err != nil {
		return fmt.Errorf("failed to open memory log: %w", err)
	}

	reg := registry.New(registry.Config{
		MaxThreads:     cfg.Session.MaxThreads,
		ConfirmTimeout: cfg.Session.ConfirmTimeout,
	}, st, adapter, adapter, logger, metrics)

	asm := stream.New(stream.Config{
		Mode:         stream.Mode(cfg.Session.StreamMode),
		MessageLimit: cfg.Session.MessageLimit,
		SoftLimit:    cfg.Session.SoftLimit,
		EditInterval: cfg.Session.EditInterval,
	}, logger)

	pres := presence.New(adapter, gateway.ActivityPlaying, presence.DefaultLabel, logger)

	var voicePipeline *voice.Pipeline
	if cfg.Voice.Enabled {
		voicePipeline = voice.New(voice.Config{
			Voice:           cfg.OpenAI.SpeechVoice,
			PlaybackTimeout: cfg.Voice.PlaybackTimeout,
			WorkDir:         cfg.Voice.WorkDir,
		}, adapter, adapter, eng, logger, metrics)
	}

	orch := orchestrator.New(orchestrator.Config{
		BotName:           cfg.Persona.Name,
		Instructions:      cfg.Persona.Instructions,
		WatchChannel:      cfg.Discord.WatchChannel,
		CommandPrefix:     cfg.Discord.CommandPrefix,
		HistoryLimit:      cfg.Session.HistoryLimit,
		FetchCount:        cfg.Memory.FetchCount,
		Streaming:         cfg.Session.StreamMode == "streaming",
		CompletionTimeout: cfg.Session.CompletionTimeout,
	}, adapter, reg, asm, eng, recall, memlog, pres, voicePipeline, logger, metrics)

	cmdReg := commands.NewRegistry(logger)
	if err := commands.RegisterBuiltins(cmdReg, commands.Deps{
		Store:     st,
		Convo:     adapter,
		History:   adapter,
		BotID:     adapter.BotID,
		Latency:   adapter.Latency,
		Shutdown:  stop,
		StartedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr, promReg, logger)
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	go pres.Run(ctx)
	go st.AutosaveLoop(ctx, cfg.Store.AutosaveInterval)

	logger.Info(ctx, "threadkeeper running",
		"watch_channel", cfg.Discord.WatchChannel,
		"stream_mode", cfg.Session.StreamMode,
		"voice_enabled", cfg.Voice.Enabled)

	runPump(ctx, cfg, adapter, orch, cmdReg, logger)

	// Drain: stop the gateway first so no new sessions start, then wait for
	// in-flight handlers and persist.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adapter.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "gateway stop failed", "error", err)
	}
	orch.Wait()
	if err := st.Flush(); err != nil {
		logger.Error(shutdownCtx, "final state flush failed", "error", err)
	}

	logger.Info(shutdownCtx, "threadkeeper stopped")
	return nil
}

// runPump routes inbound messages: operator commands to the command
// registry, everything else to the orchestrator. Returns when the context
// is cancelled or the gateway closes its message stream.
func runPump(ctx context.Context, cfg *config.Config, adapter *discord.Adapter, orch *orchestrator.Orchestrator, cmdReg *commands.Registry, logger *observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			if msg.FromBot || msg.FromSystem {
				continue
			}

			name, args, isCmd := commands.Parse(cfg.Discord.CommandPrefix, msg.Content)
			if !isCmd {
				orch.Dispatch(ctx, msg)
				continue
			}

			inv := &commands.Invocation{
				Name:      name,
				Args:      args,
				GuildID:   msg.GuildID,
				ChannelID: msg.ChannelID,
				UserID:    msg.UserID,
				IsAdmin:   cfg.Discord.OwnerID != "" && msg.UserID == cfg.Discord.OwnerID,
			}
			go func() {
				res, err := cmdReg.Execute(ctx, inv)
				if err != nil || res == nil || res.Suppress {
					return
				}
				if _, serr := adapter.Send(ctx, inv.ChannelID, res.Text); serr != nil {
					logger.Warn(ctx, "command reply failed", "error", serr)
				}
			}()
		}
	}
}

// startMetricsServer exposes the Prometheus registry over HTTP and shuts the
// listener down with the process.
func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info(ctx, "metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
