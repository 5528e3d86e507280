package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parlance-ai/sonicbridge/internal/dotenv"
	"github.com/parlance-ai/sonicbridge/pkg/config"
	"github.com/parlance-ai/sonicbridge/pkg/engine"
	"github.com/parlance-ai/sonicbridge/pkg/server"
	"github.com/parlance-ai/sonicbridge/pkg/tools"
	"github.com/parlance-ai/sonicbridge/pkg/tools/mcp"
	"github.com/parlance-ai/sonicbridge/pkg/transport"
	"github.com/parlance-ai/sonicbridge/pkg/transport/bedrock"
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	newTransport func(ctx context.Context, cfg bedrock.Config, logger *slog.Logger) (transport.Duplex, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig: config.LoadFromEnv,
		newTransport: func(ctx context.Context, cfg bedrock.Config, logger *slog.Logger) (transport.Duplex, error) {
			return bedrock.New(ctx, cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runDaemon(ctx context.Context, stderr io.Writer, deps daemonDeps) error {
	if deps.loadConfig == nil || deps.newTransport == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	duplex, err := deps.newTransport(ctx, bedrock.Config{
		Region:  cfg.AWSRegion,
		ModelID: cfg.ModelID,
	}, logger)
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	registry := tools.NewRegistry()

	var mcpManager *mcp.Manager
	if cfg.MCPConfigPath != "" {
		servers, err := mcp.LoadServers(cfg.MCPConfigPath)
		if err != nil {
			return fmt.Errorf("load mcp servers: %w", err)
		}
		mcpManager = mcp.NewManager(registry, logger)
		mcpManager.InitializeServers(ctx, servers)
		defer mcpManager.Close()
	}

	eng := engine.New(engine.Dependencies{
		Logger:    logger,
		Transport: duplex,
		Tools:     registry,
	}, engine.Config{
		SettleContentEnd: cfg.SettleContentEnd,
		SettlePromptEnd:  cfg.SettlePromptEnd,
		SettleSessionEnd: cfg.SettleSessionEnd,
		ToolTimeout:      cfg.ToolTimeout,
	})

	srv, err := server.New(server.Dependencies{
		Logger: logger,
		Engine: eng,
	}, server.Config{Addr: cfg.Addr})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go server.NewSweeper(eng, logger, cfg.SweepInterval, cfg.MaxIdle).Run(sweepCtx)

	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	// Close live sessions before the listener so teardown envelopes still
	// have a stream to travel on.
	for _, id := range eng.ListActive() {
		eng.CloseGraceful(shutdownCtx, id)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("daemon stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "sonicbridged: %v\n", err)
		return 1
	}
	if err := runDaemon(ctx, stderr, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "sonicbridged: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}
