package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	// A missing .env is normal; the environment alone is enough.
	envErr := godotenv.Load()

	logger := server.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("Failed to load .env file", "error", envErr)
	}

	cfg := server.NewConfigFromEnv()
	srv := server.New(cfg, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Starting chat relay",
		"addr", srv.Addr(),
		"allowed_origins", cfg.AllowedOrigins,
		"ping_interval", cfg.PingInterval,
	)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Server exited", "code", exitCode)
	os.Exit(exitCode)
}
