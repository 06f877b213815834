package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/freechat-gateway/internal/gateway"
	"github.com/nulpointcorp/freechat-gateway/pkg/apierr"
)

// Gateway serves the model-routing API over a gateway.Gateway.
type Gateway struct {
	*Server
	gw *gateway.Gateway
}

func NewGateway(s *Server, gw *gateway.Gateway) *Gateway {
	return &Gateway{Server: s, gw: gw}
}

func (g *Gateway) Routes(r *router.Router) {
	r.POST("/v1/chat/completions", g.instrument("chat_completions", g.handleChat))
	r.POST("/v1/images/generations", g.instrument(gateway.ImageGenerations.Name, g.media(gateway.ImageGenerations)))
	r.POST("/v1/images/compositions", g.instrument(gateway.ImageCompositions.Name, g.media(gateway.ImageCompositions)))
	r.POST("/v1/videos/generations", g.instrument(gateway.VideoGenerations.Name, g.media(gateway.VideoGenerations)))
	r.GET("/v1/videos/tasks/{id}", g.instrument("videos_tasks", g.handleTask))

	r.GET("/api/config", g.handleGetConfig)
	r.POST("/api/config", g.handleSaveConfig)
	r.GET("/api/env", g.handleEnv)
	r.GET("/api/test/{service}", g.handleTest)
	r.GET("/api/monitor", g.handleMonitor)
}

func (g *Gateway) Health() map[string]any {
	return map[string]any{"services": g.gw.Health()}
}

func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx, ex *exchange) {
	body := append([]byte(nil), ctx.PostBody()...)
	ex.model = gjson.GetBytes(body, "model").String()
	if !g.allow(ctx, ex.route) {
		return
	}

	uctx, cancel := g.upstreamContext(gjson.GetBytes(body, "stream").Bool())
	resp, err := g.gw.Chat(uctx, body)
	if err != nil {
		cancel()
		g.writeFailure(ctx, ex, err)
		return
	}
	g.relay(ctx, ex, resp, cancel)
}

func (g *Gateway) media(route gateway.MediaRoute) func(*fasthttp.RequestCtx, *exchange) {
	return func(ctx *fasthttp.RequestCtx, ex *exchange) {
		body := append([]byte(nil), ctx.PostBody()...)
		ct := string(ctx.Request.Header.ContentType())
		if strings.Contains(strings.ToLower(ct), "application/json") || route.JSONOnly {
			ex.model = gjson.GetBytes(body, "model").String()
		}
		if !g.allow(ctx, ex.route) {
			return
		}

		// Generation jobs run for the media timeout, past the request deadline.
		uctx, cancel := g.upstreamContext(true)
		resp, err := g.gw.Media(uctx, route, ct, body)
		if err != nil {
			cancel()
			g.writeFailure(ctx, ex, err)
			return
		}
		g.relay(ctx, ex, resp, cancel)
	}
}

func (g *Gateway) handleTask(ctx *fasthttp.RequestCtx, ex *exchange) {
	id, _ := ctx.UserValue("id").(string)
	uctx, cancel := g.upstreamContext(false)
	resp, err := g.gw.Task(uctx, id)
	if err != nil {
		cancel()
		g.writeFailure(ctx, ex, err)
		return
	}
	g.relay(ctx, ex, resp, cancel)
}

// relay answers with resp: streamed replies go through the event relay,
// everything else is passed through with upstream's status and type. done
// releases the upstream context once resp is consumed.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, ex *exchange, resp *gateway.Response, done context.CancelFunc) {
	ex.service = resp.Service

	if !resp.Stream {
		defer done()
		defer resp.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			g.writeFailure(ctx, ex, &gateway.UpstreamStatusError{Service: resp.Service, Err: err})
			return
		}
		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetContentType(resp.ContentTypeOr("application/json"))
		ctx.SetBody(body)
		return
	}

	ex.stream = true
	ex.deferred = true
	startEventStream(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		err := gateway.WriteStream(w, resp)
		resp.Close()
		done()

		status := resp.StatusCode
		if err != nil {
			ex.err = err.Error()
			g.log.Warn("stream_client_gone",
				slog.String("service", resp.Service),
				slog.String("error", err.Error()),
			)
		}
		g.finish(ex, status, -1)
	})
}

func (g *Gateway) handleGetConfig(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.gw.Store().Services())
}

func (g *Gateway) handleSaveConfig(ctx *fasthttp.RequestCtx) {
	err := g.gw.Store().Save(ctx.PostBody())
	var bad *gateway.BadRequestError
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case errors.As(err, &bad):
		apierr.WriteBadRequest(ctx, bad.Message)
	default:
		g.log.Error("gateway_config_save_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "Failed to save config: "+err.Error())
	}
}

type envReport struct {
	ConfigFileExists    bool              `json:"config_file_exists"`
	DefaultConfigExists bool              `json:"default_config_exists"`
	LoadedConfig        map[string]any    `json:"loaded_config"`
	EnvVars             map[string]string `json:"env_vars"`
}

func (g *Gateway) handleEnv(ctx *fasthttp.RequestCtx) {
	store := g.gw.Store()
	user, def := store.FileStatus()

	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.Contains(name, "TOKEN") {
			vars[name] = "***"
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, envReport{
		ConfigFileExists:    user,
		DefaultConfigExists: def,
		LoadedConfig:        store.Services().MaskedView(),
		EnvVars:             vars,
	})
}

func (g *Gateway) handleTest(ctx *fasthttp.RequestCtx) {
	key, _ := ctx.UserValue("service").(string)
	res, err := g.gw.Test(g.baseCtx, key)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res)
}

func (g *Gateway) handleMonitor(ctx *fasthttp.RequestCtx) {
	var timeout time.Duration
	if raw := ctx.QueryArgs().Peek("timeout"); len(raw) > 0 {
		secs, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || secs <= 0 {
			apierr.WriteBadRequest(ctx, "timeout must be a positive number of seconds")
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	writeJSON(ctx, fasthttp.StatusOK, g.gw.Monitor(g.baseCtx, timeout))
}
