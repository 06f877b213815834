package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/freechat-gateway/pkg/apierr"
)

// requestIDKey holds the request id among the ctx user values.
const requestIDKey = "request_id"

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery answers a handler panic with a 500 detail envelope. Headers set
// before the panic, the request id among them, are kept.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					id, _ := ctx.UserValue(requestIDKey).(string)
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", id),
						slog.String("method", string(ctx.Method())),
						slog.String("path", string(ctx.Path())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID tags the request with the id the request log is keyed by. A
// client X-Request-ID is kept when it is a UUID; anything else is replaced
// so the echoed header and the log entry always agree.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, err := uuid.ParseBytes(ctx.Request.Header.Peek("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		s := id.String()
		ctx.Response.Header.Set("X-Request-ID", s)
		ctx.SetUserValue(requestIDKey, s)
		next(ctx)
	}
}

// timing sets X-Response-Time on buffered replies. A streamed reply's
// headers leave before its body is written, so it gets none.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		if ctx.Response.IsBodyStream() {
			return
		}
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders marks every reply as API output that browsers must not
// sniff, frame or render.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler lets browser clients such as the config page call the API.
// With no origins or ["*"] any origin is allowed; otherwise a listed
// Origin is echoed back and others get no allow header. Preflights are
// answered with 204.
func corsHandler(origins []string) middleware {
	open := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if open {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if o := string(ctx.Request.Header.Peek("Origin")); o != "" {
					if _, ok := allowed[o]; ok {
						h.Set("Access-Control-Allow-Origin", o)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] runs outermost.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
