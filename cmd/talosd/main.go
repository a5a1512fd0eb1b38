package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	apiPkg "github.com/talos-agent/talos/internal/api"
	"github.com/talos-agent/talos/internal/config"
	"github.com/talos-agent/talos/internal/gateway"
	"github.com/talos-agent/talos/internal/logbuf"
	"github.com/talos-agent/talos/internal/moderation"
	"github.com/talos-agent/talos/internal/ticket"
	"github.com/talos-agent/talos/internal/tool"
	"github.com/talos-agent/talos/internal/twitter"
)

func main() {
	flags := pflag.NewFlagSet("talosd", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config file (.json, .yaml); TALOS_* env vars are used when empty")
	verbose := flags.BoolP("verbose", "v", false, "verbose logging")
	flags.Parse(os.Args[1:])

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("talosd starting", "data_dir", cfg.Server.DataDir, "workers", cfg.Engine.Workers)

	// 1. Ticket store
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Server.DataDir, "error", err)
		os.Exit(1)
	}
	store, err := ticket.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		logger.Error("failed to open ticket store", "path", cfg.DBPath(), "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Twitter dispatcher and its collaborators
	dispatcher := newDispatcher(cfg, logger)
	tools := tool.NewRegistry()
	twitter.Register(tools, dispatcher)
	logger.Info("tools registered", "count", tools.Len())

	// 3. Engine, sweeper, API
	engine := ticket.NewEngine(store, tools,
		ticket.WithWorkers(cfg.Engine.Workers),
		ticket.WithQueueSize(cfg.Engine.QueueSize),
		ticket.WithLogger(logger.With("component", "engine")),
	)
	sweeper, err := ticket.NewSweeper(store, cfg.Engine.Retention.Duration, cfg.Engine.SweepSchedule, logger.With("component", "sweeper"))
	if err != nil {
		logger.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}
	apiSrv := apiPkg.NewServer(engine, tools, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeGo(logger, name, func() {
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.Error("component stopped", "name", name, "error", err)
					cancel()
				}
			})
		}()
	}
	start("engine", engine.Start)
	start("sweeper", sweeper.Start)
	start("api-server", apiSrv.Start)

	// 4. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	logger.Info("talosd stopped")
}

// newDispatcher wires the gateway and moderation clients that are configured.
// Missing ones stay nil so the dispatcher reports them as missing.
func newDispatcher(cfg *config.Config, logger *slog.Logger) *twitter.Dispatcher {
	opts := []twitter.Option{twitter.WithLogger(logger.With("component", "twitter"))}

	var client twitter.Client
	if cfg.Twitter.GatewayURL != "" {
		gw := gateway.New(cfg.Twitter.GatewayURL, gateway.WithAPIKey(cfg.Twitter.GatewayKey))
		client = gw
		opts = append(opts,
			twitter.WithAccountEvaluator(gateway.NewAccountEvaluator(gw)),
			twitter.WithInfluencerEvaluator(gateway.InfluencerFactory(gw)),
			twitter.WithPersonaGenerator(gateway.NewPersonaGenerator(gw)),
		)
		logger.Info("platform gateway configured", "url", cfg.Twitter.GatewayURL)
	} else {
		logger.Warn("no platform gateway configured, twitter tools will fail")
	}

	if cfg.Perspective.APIKey != "" {
		var popts []moderation.PerspectiveOption
		if cfg.Perspective.BaseURL != "" {
			popts = append(popts, moderation.WithBaseURL(cfg.Perspective.BaseURL))
		}
		opts = append(opts, twitter.WithModerator(moderation.NewPerspective(cfg.Perspective.APIKey, popts...)))
		logger.Info("content moderation enabled")
	} else {
		logger.Warn("no perspective api key, tweets are posted without moderation")
	}

	return twitter.New(client, opts...)
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
