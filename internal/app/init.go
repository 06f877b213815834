package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/freechat-gateway/internal/cache"
	"github.com/nulpointcorp/freechat-gateway/internal/doubao"
	"github.com/nulpointcorp/freechat-gateway/internal/gateway"
	"github.com/nulpointcorp/freechat-gateway/internal/logger"
	"github.com/nulpointcorp/freechat-gateway/internal/metrics"
	"github.com/nulpointcorp/freechat-gateway/internal/proxy"
	"github.com/nulpointcorp/freechat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// initInfra connects Redis when the cache or the rate limiter will use it.
func (a *App) initInfra(ctx context.Context) error {
	needed := a.cfg.Cache.Mode == string(cache.ModeRedis) ||
		(a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL != "")
	if !needed {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initServices creates the cache, metrics registry, request log and rate
// limiter.
func (a *App) initServices(ctx context.Context) error {
	mode := cache.Mode(a.cfg.Cache.Mode)
	if mode == cache.ModeRedis {
		// Shares the connection with the rate limiter; Close releases it.
		a.cache = cache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	} else {
		c, closeFn, err := cache.New(ctx, mode, "")
		if err != nil {
			return err
		}
		a.cache, a.closeCache = c, closeFn
		a.log.Info("cache backend", slog.String("mode", string(mode)))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLog, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLog

	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRPMLimiter(a.rdb, rpm)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.String("backend", "redis"))
		} else {
			a.limiter = ratelimit.NewLocalLimiter(rpm)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.String("backend", "local"))
		}
	}
	return nil
}

func (a *App) initBackend(ctx context.Context) error {
	if a.kind == KindGateway {
		return a.initGateway(ctx)
	}
	return a.initDoubao(ctx)
}

// initDoubao loads the session pool and builds the chat service.
func (a *App) initDoubao(_ context.Context) error {
	dc := a.cfg.Doubao

	a.pool = session.NewPool(dc.SessionFile,
		session.WithLogger(a.log),
		session.WithStatsHook(a.prom.SetPoolStats),
	)
	if err := a.pool.Load(); err != nil {
		return err
	}

	endpoint, err := doubao.ParseEndpoint(dc.Endpoint)
	if err != nil {
		return err
	}
	client := doubao.NewClient(
		doubao.WithBaseURL(dc.BaseURL),
		doubao.WithEndpoint(endpoint),
	)

	a.svc = doubao.NewService(a.pool, client,
		doubao.NewCredentials(a.cache, a.cfg.Cache.TTL, a.log),
		doubao.ServiceOptions{
			ChatTimeout:      dc.ChatTimeout,
			ControlTimeout:   dc.ControlTimeout,
			DeleteAfterReply: dc.DeleteAfterReply,
			Logger:           a.log,
			Observer:         a.prom,
		},
	)

	st := a.pool.Stats()
	a.log.Info("doubao service ready",
		slog.String("endpoint", string(endpoint)),
		slog.Int("auth_sessions", st.Auth),
		slog.Int("guest_sessions", st.Guest),
		slog.Bool("client_credentials", dc.AllowClientCredentials),
	)
	return nil
}

// initGateway loads the service config and builds the router.
func (a *App) initGateway(_ context.Context) error {
	gc := a.cfg.Gateway

	store := gateway.NewStore(gc.ConfigFile, gc.DefaultConfigFile, a.log)
	if err := store.Load(); err != nil {
		return err
	}

	mo, err := gateway.NewMediaOnly(gc.MediaOnlyServices, gc.MediaOnlyPatterns)
	if err != nil {
		return fmt.Errorf("media-only services: %w", err)
	}

	a.gw = gateway.New(store, gateway.Options{
		ChatTimeout:  gc.ChatTimeout,
		MediaTimeout: gc.MediaTimeout,
		ProbeTimeout: gc.ProbeTimeout,
		Cooldown:     gc.CredentialCooldown,
		MediaOnly:    mo,
		Breaker: gateway.CBConfig{
			ErrorThreshold:  gc.CircuitBreaker.ErrorThreshold,
			TimeWindow:      gc.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: gc.CircuitBreaker.HalfOpenTimeout,
		},
		Logger:   a.log,
		Observer: a.prom,
	})

	a.log.Info("gateway services loaded",
		slog.Any("services", store.Services().Keys()),
		slog.Int("media_only_rules", mo.Len()),
	)
	return nil
}

// initServer builds the HTTP surface for the chosen kind.
func (a *App) initServer(_ context.Context) error {
	ready := func() bool { return true }
	if a.rdb != nil {
		ready = redisPinger(a.baseCtx, a.rdb)
	}

	a.server = proxy.NewServer(proxy.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Limiter:     a.limiter,
		RequestLog:  a.reqLogger,
		CORSOrigins: a.cfg.CORSOrigins,
		Ready:       ready,
		Version:     a.version,
		BaseContext: a.baseCtx,

		RequestTimeout: a.cfg.RequestTimeout,
	})

	switch a.kind {
	case KindGateway:
		a.api = proxy.NewGateway(a.server, a.gw)
		a.addr = fmt.Sprintf(":%d", a.cfg.Port)
	default:
		a.api = proxy.NewDoubao(a.server, a.svc, proxy.DoubaoOptions{
			AllowClientCredentials: a.cfg.Doubao.AllowClientCredentials,
		})
		a.addr = fmt.Sprintf(":%d", a.cfg.Doubao.Port)
	}
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for logging,
// e.g. "redis://:secret@localhost:6379" becomes "redis://***@localhost:6379".
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	if scheme := strings.Index(raw[:at], "://"); scheme >= 0 {
		return raw[:scheme+3] + "***" + raw[at:]
	}
	return "***" + raw[at:]
}
