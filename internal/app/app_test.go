package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/freechat-gateway/internal/config"
)

var discard = slog.New(slog.DiscardHandler)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Port:        8080,
		LogLevel:    "info",
		Cache:       config.CacheConfig{Mode: "memory", TTL: time.Minute},
		CORSOrigins: []string{"*"},
		Doubao: config.DoubaoConfig{
			Port:           8000,
			SessionFile:    filepath.Join(dir, "session.json"),
			BaseURL:        "http://doubao.test",
			Endpoint:       "/samantha/chat/completion",
			ChatTimeout:    time.Minute,
			ControlTimeout: time.Second,
		},
		Gateway: config.GatewayConfig{
			ConfigFile:        filepath.Join(dir, "config.json"),
			DefaultConfigFile: filepath.Join(dir, "config.default.json"),
			MediaOnlyServices: []string{"jimeng"},
		},
	}
}

func TestNew_Kinds(t *testing.T) {
	tests := []struct {
		kind Kind
		addr string
	}{
		{KindDoubao, ":8000"},
		{KindGateway, ":8080"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			a, err := New(context.Background(), tt.kind, testConfig(t), discard, "test")
			if err != nil {
				t.Fatal(err)
			}
			defer a.Close()

			if a.addr != tt.addr {
				t.Errorf("addr = %q, want %q", a.addr, tt.addr)
			}
			if (a.svc != nil) != (tt.kind == KindDoubao) || (a.gw != nil) != (tt.kind == KindGateway) {
				t.Errorf("backend mismatch: svc=%v gw=%v", a.svc != nil, a.gw != nil)
			}
			if a.limiter != nil {
				t.Error("limiter set without RPM_LIMIT")
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(context.Background(), "other", testConfig(t), discard, "test"); err == nil {
		t.Error("unknown kind accepted")
	}

	cfg := testConfig(t)
	cfg.Doubao.Endpoint = "/nope"
	if _, err := New(context.Background(), KindDoubao, cfg, discard, "test"); err == nil {
		t.Error("bad endpoint accepted")
	}

	cfg = testConfig(t)
	cfg.Gateway.MediaOnlyPatterns = []string{"("}
	if _, err := New(context.Background(), KindGateway, cfg, discard, "test"); err == nil {
		t.Error("bad media-only pattern accepted")
	}
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Cache.Mode = "redis"
	cfg.RateLimit.RPMLimit = 10

	a, err := New(context.Background(), KindDoubao, cfg, discard, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.rdb == nil || a.limiter == nil {
		t.Fatalf("rdb = %v, limiter = %v", a.rdb, a.limiter)
	}
	if ok, err := a.limiter.Allow(context.Background(), "chat_completions"); !ok || err != nil {
		t.Errorf("Allow = %v, %v", ok, err)
	}
}

func TestNew_LocalLimiterWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RPMLimit = 1

	a, err := New(context.Background(), KindGateway, cfg, discard, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.rdb != nil || a.limiter == nil {
		t.Fatalf("rdb = %v, limiter = %v", a.rdb, a.limiter)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 0
	a, err := New(context.Background(), KindGateway, cfg, discard, "test")
	if err != nil {
		t.Fatal(err)
	}
	a.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"redis://user:pw@host:6379/0":    "redis://***@host:6379/0",
		"redis://localhost:6379":         "redis://localhost:6379",
		"user:pw@host":                   "***@host",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
