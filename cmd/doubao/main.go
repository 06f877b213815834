// Command doubao exposes the Doubao web chat as a native JSON API and an
// OpenAI-compatible /v1/chat/completions endpoint.
//
// Sessions are read from session.json; each entry carries the cookie and
// device identifiers captured from a logged-in or guest browser session.
//
//	SESSION_FILE=session.json DOUBAO_PORT=8000 ./doubao
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nulpointcorp/freechat-gateway/internal/app"
	"github.com/nulpointcorp/freechat-gateway/internal/config"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.LogLevel).With(slog.String("service", "doubao"))
	slog.SetDefault(logger)

	a, err := app.New(ctx, app.KindDoubao, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("doubao stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
