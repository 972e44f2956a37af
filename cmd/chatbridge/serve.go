package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatbridge/internal/api"
	"chatbridge/internal/channel"
	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/events"
	"chatbridge/internal/history"
	"chatbridge/internal/kv"
	"chatbridge/internal/metrics"
	"chatbridge/internal/notify"
	"chatbridge/internal/orchestrator"
	"chatbridge/internal/provider"
	"chatbridge/internal/session"
	"chatbridge/internal/store"
	"chatbridge/internal/transport"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, restore sessions and answer messages",
		Long:  "Restores persisted sessions for every enabled channel and serves the /api endpoints. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

// eventSink publishes pipeline events and observes session changes.
type eventSink interface {
	events.Sink
	session.Observer
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	kvStore, err := kv.Open(ctx, cfg.KV, logger)
	if err != nil {
		return fmt.Errorf("kv: %w", err)
	}
	defer kvStore.Close()

	prov := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:             cfg.AI.APIKey,
		APIBase:            cfg.AI.APIBase,
		Model:              cfg.AI.Model,
		Timeout:            time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		RateLimitPerMinute: cfg.AI.RateLimitPerMinute,
		Logger:             logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		Provider:    prov,
		Credentials: st,
		DefaultKey:  cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxOutputTokens,
		Temperature: cfg.AI.Temperature,
		Logger:      logger,
	})

	var sink eventSink = events.Nop{}
	if cfg.Events.Enabled {
		pub, err := events.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, "chatbridge", logger)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		defer pub.Close()
		sink = pub
		logger.Info("activity events enabled", "exchange", cfg.Events.Exchange)
	}

	observers := []session.Observer{sink, challengePrinter{}}
	if n := cfg.Notify.Telegram; n.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: n.Token, ChatID: n.ChatID, Logger: logger})
		if err != nil {
			logger.Warn("telegram notifier disabled", "err", err)
		} else {
			observers = append(observers, tg)
		}
	}

	hist := history.New(history.Config{
		KV:        kvStore,
		Retention: time.Duration(cfg.History.RetentionHours) * time.Hour,
		Limit:     cfg.History.ContextLimit,
		Logger:    logger,
	})

	registries := make(map[domain.Channel]*session.Registry)
	var adapters []*channel.Adapter
	for _, ch := range domain.Channels {
		chCfg, _ := cfg.Channels.Channel(string(ch))
		if !chCfg.Enabled {
			continue
		}
		reg := session.New(session.Config{
			Channel: ch,
			Factory: transport.NewBridgeFactory(transport.BridgeConfig{
				Channel:     ch,
				BaseURL:     chCfg.BridgeURL,
				Token:       chCfg.BridgeToken,
				EventBuffer: cfg.Sessions.EventBuffer,
				Logger:      logger,
			}),
			Store:              st,
			KV:                 kvStore,
			InitTimeout:        time.Duration(cfg.Sessions.InitTimeoutSeconds) * time.Second,
			ReconnectTimeout:   time.Duration(cfg.Sessions.ReconnectTimeoutSeconds) * time.Second,
			RestoreConcurrency: cfg.Sessions.RestoreConcurrency,
			Observers:          observers,
			Logger:             logger,
		})
		adapters = append(adapters, channel.New(channel.Config{
			Channel:       ch,
			Sessions:      reg,
			History:       hist,
			Processor:     orch,
			KV:            kvStore,
			Events:        sink,
			Window:        time.Duration(cfg.Aggregation.WindowSeconds) * time.Second,
			ContextLimit:  cfg.History.ContextLimit,
			IncludeGroups: chCfg.IncludeGroups,
			PlainReplies:  chCfg.PlainReplies,
			Typing:        chCfg.Typing,
			ReplyDelayMin: time.Duration(chCfg.ReplyDelayMinMs) * time.Millisecond,
			ReplyDelayMax: time.Duration(chCfg.ReplyDelayMaxMs) * time.Millisecond,
			Logger:        logger,
		}))
		registries[ch] = reg

		n, err := reg.Restore(ctx)
		if err != nil {
			logger.Error("session restore failed", "channel", ch, "err", err)
		} else {
			logger.Info("sessions restored", "channel", ch, "count", n)
		}
	}
	if len(registries) == 0 {
		logger.Warn("no channel enabled; only credential and processing endpoints are useful")
	}

	apiCfg := api.Config{
		Addr:      net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Sessions:  registries,
		Accounts:  st,
		Processor: orch,
		JWTSecret: cfg.Server.JWTSecret,
		DevRoutes: cfg.Server.DevRoutes,
		Logger:    logger,
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = metrics.Collector.Handler()
		apiCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv := api.New(apiCfg)

	printBanner(cfgPath, apiCfg.Addr, registries)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", "err", err)
		}
		stop()
	}
	logger.Info("shutting down...")

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, a := range adapters {
			a.Close()
		}
		for _, reg := range registries {
			reg.Shutdown()
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}
	return shutdownErr
}

func printBanner(cfgPath, addr string, registries map[domain.Channel]*session.Registry) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Println("\n    chatbridge")
	gray.Printf("    version: %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", cfgPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", addr)
	for _, ch := range domain.Channels {
		if reg, ok := registries[ch]; ok {
			green.Print("    ▶ ")
			fmt.Printf("%-9s %d session(s)\n", ch.String()+":", len(reg.List()))
		}
	}
	fmt.Println()
}
