package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test from an empty directory so no stray config.yaml or
// .env leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.Doubao.Port != 8000 {
		t.Errorf("ports = %d/%d, want 8080/8000", cfg.Port, cfg.Doubao.Port)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Doubao.Endpoint != "/chat/completion" {
		t.Errorf("endpoint = %q", cfg.Doubao.Endpoint)
	}
	if cfg.Doubao.ChatTimeout != 300*time.Second || cfg.Doubao.ControlTimeout != 15*time.Second {
		t.Errorf("doubao timeouts = %v/%v", cfg.Doubao.ChatTimeout, cfg.Doubao.ControlTimeout)
	}
	if !cfg.Doubao.AllowClientCredentials || cfg.Doubao.DeleteAfterReply {
		t.Errorf("doubao flags = %+v", cfg.Doubao)
	}
	if cfg.Gateway.ChatTimeout != 120*time.Second || cfg.Gateway.MediaTimeout != 1800*time.Second {
		t.Errorf("gateway timeouts = %v/%v", cfg.Gateway.ChatTimeout, cfg.Gateway.MediaTimeout)
	}
	if len(cfg.Gateway.MediaOnlyServices) != 1 || cfg.Gateway.MediaOnlyServices[0] != "jimeng" {
		t.Errorf("media only = %v", cfg.Gateway.MediaOnlyServices)
	}
	if cfg.Gateway.CircuitBreaker.ErrorThreshold != 5 {
		t.Errorf("cb threshold = %d", cfg.Gateway.CircuitBreaker.ErrorThreshold)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Errorf("request timeout = %v", cfg.RequestTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DOUBAO_ENDPOINT", "/samantha/chat/completion")
	t.Setenv("DOUBAO_BASE_URL", "http://127.0.0.1:7000/")
	t.Setenv("DELETE_AFTER_REPLY", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CREDENTIAL_COOLDOWN", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Doubao.Endpoint != "/samantha/chat/completion" {
		t.Errorf("endpoint = %q", cfg.Doubao.Endpoint)
	}
	if cfg.Doubao.BaseURL != "http://127.0.0.1:7000" {
		t.Errorf("base url = %q, want trailing slash trimmed", cfg.Doubao.BaseURL)
	}
	if !cfg.Doubao.DeleteAfterReply {
		t.Error("DELETE_AFTER_REPLY not applied")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Gateway.CredentialCooldown != 45*time.Second {
		t.Errorf("cooldown = %v", cfg.Gateway.CredentialCooldown)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SESSION_FILE=pool.json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SESSION_FILE") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Doubao.SessionFile != "pool.json" {
		t.Errorf("session file = %q", cfg.Doubao.SessionFile)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"redis without url", map[string]string{"CACHE_MODE": "redis"}, "REDIS_URL is required"},
		{"bad cache mode", map[string]string{"CACHE_MODE": "disk"}, "invalid CACHE_MODE"},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}, "invalid LOG_LEVEL"},
		{"bad port", map[string]string{"DOUBAO_PORT": "70000"}, "DOUBAO_PORT"},
		{"negative rpm", map[string]string{"RPM_LIMIT": "-1"}, "RPM_LIMIT"},
		{"relative base url", map[string]string{"DOUBAO_BASE_URL": "doubao.com"}, "DOUBAO_BASE_URL"},
		{"unknown endpoint", map[string]string{"DOUBAO_ENDPOINT": "/chat"}, "DOUBAO_ENDPOINT"},
		{"zero timeout", map[string]string{"PROBE_TIMEOUT": "0s"}, "PROBE_TIMEOUT"},
		{"zero threshold", map[string]string{"CB_ERROR_THRESHOLD": "0"}, "CB_ERROR_THRESHOLD"},
		{"negative request timeout", map[string]string{"REQUEST_TIMEOUT": "-1s"}, "REQUEST_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv_Directory(t *testing.T) {
	dir := isolate(t)
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := loadDotEnv(".env"); err == nil {
		t.Fatal("expected error for directory")
	}
}
