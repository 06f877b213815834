// Package proxy serves the HTTP surfaces of the Doubao adapter and the
// gateway on fasthttp.
//
// Both binaries share one Server: the middleware chain, liveness and
// readiness probes, the metrics route, rate limiting and the per-request
// summary. Each surface mounts its own routes through the API interface.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/freechat-gateway/internal/logger"
	"github.com/nulpointcorp/freechat-gateway/internal/metrics"
	"github.com/nulpointcorp/freechat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/freechat-gateway/pkg/apierr"
)

// API is one HTTP surface.
type API interface {
	// Routes registers the surface's handlers on r.
	Routes(r *router.Router)
	// Health returns extra fields for GET /health.
	Health() map[string]any
}

// Options configures a Server. Every field is optional.
type Options struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics enables Prometheus collection and the /metrics route.
	Metrics *metrics.Registry

	// Limiter enforces the per-route request rate. nil disables limiting.
	Limiter ratelimit.Limiter

	// RequestLog receives one summary per handled request.
	RequestLog *logger.Logger

	// CORSOrigins lists allowed origins. Empty or ["*"] allows any.
	CORSOrigins []string

	// Ready reports backend readiness for GET /readiness.
	Ready func() bool

	Version string

	// BaseContext parents every upstream call. It must outlive streamed
	// responses, which keep running after the handler returns.
	BaseContext context.Context

	// RequestTimeout bounds buffered chat, task and delete calls. fasthttp
	// does not report a client that hangs up mid-request, so this deadline
	// is what ends upstream work nobody will read. 0 leaves only the
	// upstream timeouts.
	RequestTimeout time.Duration
}

// Server holds the state shared by all handlers.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Registry
	limiter ratelimit.Limiter
	reqLog  *logger.Logger
	cors    []string
	ready   func() bool
	version string
	baseCtx context.Context
	timeout time.Duration
}

// NewServer returns a Server for opts.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Server{
		log:     log,
		metrics: opts.Metrics,
		limiter: opts.Limiter,
		reqLog:  opts.RequestLog,
		cors:    opts.CORSOrigins,
		ready:   opts.Ready,
		version: opts.Version,
		baseCtx: base,
		timeout: opts.RequestTimeout,
	}
}

// upstreamContext returns the context for one upstream call. Streamed calls
// live as long as their relay; buffered calls get the request deadline.
// cancel must run once the upstream response is no longer needed.
func (s *Server) upstreamContext(stream bool) (context.Context, context.CancelFunc) {
	if stream || s.timeout <= 0 {
		return context.WithCancel(s.baseCtx)
	}
	return context.WithTimeout(s.baseCtx, s.timeout)
}

// Handler builds the full request pipeline for api.
func (s *Server) Handler(api API) fasthttp.RequestHandler {
	r := router.New()

	api.Routes(r)
	r.GET("/health", s.handleHealth(api))
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		corsHandler(s.cors),
		securityHeaders,
	)
}

// Serve answers requests on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener, h fasthttp.RequestHandler) error {
	// No WriteTimeout: streamed replies last as long as the upstream call.
	srv := &fasthttp.Server{
		Handler:            h,
		ReadTimeout:        60 * time.Second,
		IdleTimeout:        2 * time.Minute,
		MaxRequestBodySize: 64 << 20,
		Logger:             slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr (e.g. ":8080") and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, h fasthttp.RequestHandler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, h)
}

func (s *Server) handleHealth(api API) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		out := map[string]any{"status": "ok", "version": s.version}
		for k, v := range api.Health() {
			out[k] = v
		}
		writeJSON(ctx, fasthttp.StatusOK, out)
	}
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.ready == nil || s.ready() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

// exchange tracks one request for metrics and the request log.
type exchange struct {
	id       string
	route    string
	start    time.Time
	reqBytes int

	service        string
	model          string
	conversationID string
	stream         bool
	err            string

	// deferred is set by streaming handlers, which call finish themselves
	// once the body writer returns.
	deferred bool
}

// instrument wraps h with in-flight tracking, HTTP metrics and the request
// summary.
func (s *Server) instrument(route string, h func(*fasthttp.RequestCtx, *exchange)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue(requestIDKey).(string)
		ex := &exchange{id: id, route: route, start: time.Now(), reqBytes: len(ctx.PostBody())}
		if s.metrics != nil {
			s.metrics.IncInFlight()
		}
		h(ctx, ex)
		if !ex.deferred {
			s.finish(ex, ctx.Response.StatusCode(), len(ctx.Response.Body()))
		}
	}
}

// finish records a completed exchange. respBytes < 0 means unknown.
func (s *Server) finish(ex *exchange, status, respBytes int) {
	dur := time.Since(ex.start)
	if s.metrics != nil {
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(ex.route, status, dur, ex.reqBytes, respBytes)
	}
	if s.reqLog == nil {
		return
	}

	reqID, err := uuid.Parse(ex.id)
	if err != nil {
		reqID = uuid.New()
	}
	s.reqLog.Log(logger.RequestLog{
		ID:             reqID,
		Route:          ex.route,
		Service:        ex.service,
		Model:          ex.model,
		ConversationID: ex.conversationID,
		Status:         uint16(status),
		LatencyMs:      uint32(min(dur.Milliseconds(), int64(^uint32(0)))),
		Stream:         ex.stream,
		Error:          ex.err,
		CreatedAt:      time.Now(),
	})
}

// allow applies the rate limit for scope and writes the 429 when blocked.
// A limiter backend error lets the request through.
func (s *Server) allow(ctx *fasthttp.RequestCtx, scope string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, scope)
	switch {
	case err != nil:
		s.recordRateLimit("error")
		s.log.WarnContext(ctx, "rate_limit_error",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
		return true
	case !ok:
		s.recordRateLimit("blocked")
		s.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("scope", scope))
		apierr.WriteRateLimit(ctx)
		return false
	default:
		s.recordRateLimit("allowed")
		return true
	}
}

func (s *Server) recordRateLimit(result string) {
	if s.metrics != nil {
		s.metrics.RecordRateLimit(result)
	}
}

// writeFailure writes err as a JSON error and notes it on ex.
func (s *Server) writeFailure(ctx *fasthttp.RequestCtx, ex *exchange, err error) {
	ex.err = err.Error()
	status := apierr.Status(err)
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "request_failed",
		slog.String("route", ex.route),
		slog.String("service", ex.service),
		slog.String("model", ex.model),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, status, err.Error())
}

// startEventStream sets the headers of a server-sent event response.
func startEventStream(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// parseBearerToken returns the token of an "Authorization: Bearer" header.
func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
