package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/chatgate/internal/directory"
	"github.com/Tyrowin/chatgate/internal/identity"
	"github.com/Tyrowin/chatgate/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)

	deps := server.Dependencies{
		Verifier: identity.NewVerifier([]byte(cfg.TokenSecret)),
		Logger:   logger,
	}
	if cfg.DirectoryPath != "" {
		dir, err := directory.Open(cfg.DirectoryPath)
		if err != nil {
			return fmt.Errorf("open user directory: %w", err)
		}
		defer func() {
			if err := dir.Close(); err != nil {
				logger.Error("Closing user directory", "error", err)
			}
		}()
		deps.Directory = dir
		logger.Info("User directory opened", "path", cfg.DirectoryPath)
	}

	srv, err := server.NewServer(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = srv.Shutdown(shutdownTimeout)
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
