// Command upstream runs mock servers standing in for the systems behind the
// two binaries, for local runs and E2E tests without real credentials.
//
//	Doubao web chat (both protocols)    :19101
//	OpenAI-compatible adapter service   :19001
//
// Environment overrides:
//
//	PORT_DOUBAO, PORT_ADAPTER
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS  : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE  : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS: words per reply (default 10)
//	MOCK_GUEST_QUOTA : chats a guest cookie may start before the quota marker (default 0, unlimited)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
	GuestQuota  int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_GUEST_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.GuestQuota = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("upstream", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("upstream", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Int("guest_quota", cfg.GuestQuota),
	)

	servers := []*http.Server{
		startServer("doubao", ":"+portFromEnv("PORT_DOUBAO", 19101), newDoubaoHandler(cfg), log),
		startServer("adapter", ":"+portFromEnv("PORT_ADAPTER", 19001), newAdapterHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
