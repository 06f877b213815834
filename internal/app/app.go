// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   : Redis when the cache or the rate limiter needs it
//  2. initServices: cache, metrics registry, request log, rate limiter
//  3. initBackend : the session pool and Doubao service, or the gateway
//  4. initServer  : HTTP surface for the chosen kind
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/freechat-gateway/internal/cache"
	"github.com/nulpointcorp/freechat-gateway/internal/config"
	"github.com/nulpointcorp/freechat-gateway/internal/doubao"
	"github.com/nulpointcorp/freechat-gateway/internal/gateway"
	"github.com/nulpointcorp/freechat-gateway/internal/logger"
	"github.com/nulpointcorp/freechat-gateway/internal/metrics"
	"github.com/nulpointcorp/freechat-gateway/internal/proxy"
	"github.com/nulpointcorp/freechat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// Kind selects which server an App runs.
type Kind string

const (
	KindDoubao  Kind = "doubao"
	KindGateway Kind = "gateway"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	kind    Kind
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections: nil when not configured.
	rdb *redis.Client

	cache      cache.Cache
	closeCache func() error
	reqLogger  *logger.Logger
	limiter    ratelimit.Limiter
	prom       *metrics.Registry

	pool *session.Pool
	svc  *doubao.Service
	gw   *gateway.Gateway

	server *proxy.Server
	api    proxy.API
	addr   string
}

// New initialises all subsystems for kind and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, kind Kind, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if kind != KindDoubao && kind != KindGateway {
		return nil, fmt.Errorf("app: unknown kind %q", kind)
	}

	a := &App{kind: kind, cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"backend", a.initBackend},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting "+string(a.kind),
		slog.String("version", a.version),
		slog.String("addr", a.addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(gctx, a.addr, a.server.Handler(a.api))
	})

	if a.gw != nil && a.cfg.Gateway.HealthInterval > 0 {
		g.Go(func() error {
			a.gw.RunHealthLoop(gctx, a.cfg.Gateway.HealthInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request log close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.closeCache != nil {
		if err := a.closeCache(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.closeCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a readiness probe reusing rdb.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
