package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"BoltChat/internal/chatbot"
	"BoltChat/internal/config"
	"BoltChat/internal/controller"
	"BoltChat/internal/gateway"
	"BoltChat/internal/store"
	"BoltChat/internal/telemetry"
)

func main() {
	cfg, err := config.FromArgs(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	if cfg.Debug {
		logger.Info("debug mode enabled")
	}

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := dial(cfg, logger)
	if err != nil {
		return err
	}
	gw := gateway.Instrument(client, tracer, meter, logger)
	defer gw.Close()

	bot := chatbot.NewChatBot(os.Stdin, os.Stdout, logger, cfg.RequestTimeout)
	ctrl := controller.New(gw, st,
		controller.WithLogger(logger),
		controller.WithMeter(meter),
		controller.WithObserver(bot.Render),
	)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer ctrl.Close()

	logger.Info("session started",
		"transport", cfg.Transport,
		"backend", client.Name(),
		"store", cfg.Store,
	)

	return bot.Run(ctx, ctrl)
}

func dial(cfg config.Config, logger *slog.Logger) (*gateway.Client, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		client, err := gateway.NewWebSocketClient(cfg.BackendURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to backend: %w", err)
		}
		return client, nil
	default:
		client, err := gateway.NewStdioClient(cfg.BackendCommand, cfg.BackendArgs, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start backend: %w", err)
		}
		return client, nil
	}
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store != config.StoreSQLite {
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(cfg.StoreDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	return st, nil
}
