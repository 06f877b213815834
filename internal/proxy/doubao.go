package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/freechat-gateway/internal/doubao"
	"github.com/nulpointcorp/freechat-gateway/pkg/apierr"
)

// DefaultModel is the model name the adapter reports and answers to.
const DefaultModel = "doubao"

// DoubaoOptions configures the adapter surface.
type DoubaoOptions struct {
	// AllowClientCredentials accepts a sessionid or cookie as the bearer
	// token of /v1/chat/completions.
	AllowClientCredentials bool
}

// Doubao serves the native and OpenAI-compatible chat API over a
// doubao.Service.
type Doubao struct {
	*Server
	svc  *doubao.Service
	opts DoubaoOptions
}

func NewDoubao(s *Server, svc *doubao.Service, opts DoubaoOptions) *Doubao {
	return &Doubao{Server: s, svc: svc, opts: opts}
}

func (d *Doubao) Routes(r *router.Router) {
	r.POST("/api/chat/completions", d.instrument("native_chat", d.handleNativeChat))
	r.POST("/api/chat/delete", d.instrument("native_delete", d.handleDelete))
	r.POST("/v1/chat/completions", d.instrument("chat_completions", d.handleChatCompletions))
	r.GET("/v1/models", d.handleModels)
}

func (d *Doubao) Health() map[string]any {
	return map[string]any{"sessions": d.svc.Pool().Stats()}
}

type (
	nativeRequest struct {
		Prompt         string            `json:"prompt"`
		Guest          bool              `json:"guest"`
		Attachments    []json.RawMessage `json:"attachments"`
		ConversationID string            `json:"conversation_id"`
		SectionID      string            `json:"section_id"`
		UseDeepThink   bool              `json:"use_deep_think"`
		UseAutoCoT     bool              `json:"use_auto_cot"`
		Stream         bool              `json:"stream"`
	}

	// nativeResponse keeps the historical "messageg_id" key that existing
	// clients read.
	nativeResponse struct {
		Text           string             `json:"text"`
		References     []doubao.Reference `json:"references"`
		ImgURLs        []string           `json:"img_urls"`
		ConversationID string             `json:"conversation_id"`
		MessageID      string             `json:"messageg_id"`
		SectionID      string             `json:"section_id"`
	}

	deleteResponse struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	}

	chatCompletionRequest struct {
		Model          string           `json:"model"`
		Messages       []doubao.Message `json:"messages"`
		Prompt         string           `json:"prompt"`
		Stream         bool             `json:"stream"`
		ConversationID string           `json:"conversation_id"`
		SectionID      string           `json:"section_id"`
		UseDeepThink   bool             `json:"use_deep_think"`
		Guest          bool             `json:"guest"`
	}

	modelList struct {
		Object string      `json:"object"`
		Data   []modelInfo `json:"data"`
	}
	modelInfo struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
)

func (d *Doubao) handleNativeChat(ctx *fasthttp.RequestCtx, ex *exchange) {
	ex.service = DefaultModel
	ex.model = DefaultModel

	var req nativeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		apierr.WriteBadRequest(ctx, "Prompt is required")
		return
	}
	if !d.allow(ctx, ex.route) {
		return
	}

	chat := doubao.ChatRequest{
		Prompt:         req.Prompt,
		Attachments:    req.Attachments,
		UseDeepThink:   req.UseDeepThink,
		UseAutoCoT:     req.UseAutoCoT,
		ConversationID: req.ConversationID,
		SectionID:      req.SectionID,
		Guest:          req.Guest,
	}
	ex.conversationID = req.ConversationID
	ex.stream = req.Stream

	if req.Stream {
		d.streamChat(ctx, ex, chat, DefaultModel)
		return
	}

	uctx, cancel := d.upstreamContext(false)
	defer cancel()
	res, err := d.svc.Complete(uctx, chat)
	if err != nil {
		d.writeFailure(ctx, ex, err)
		return
	}
	ex.conversationID = res.ConversationID

	refs := res.References
	if refs == nil {
		refs = []doubao.Reference{}
	}
	imgs := res.ImageURLs
	if imgs == nil {
		imgs = []string{}
	}
	writeJSON(ctx, fasthttp.StatusOK, nativeResponse{
		Text:           res.Text,
		References:     refs,
		ImgURLs:        imgs,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		SectionID:      res.SectionID,
	})
}

func (d *Doubao) handleDelete(ctx *fasthttp.RequestCtx, ex *exchange) {
	id := string(ctx.QueryArgs().Peek("conversation_id"))
	if id == "" {
		apierr.WriteBadRequest(ctx, "conversation_id is required")
		return
	}
	ex.conversationID = id

	uctx, cancel := d.upstreamContext(false)
	defer cancel()
	err := d.svc.Delete(uctx, id)
	var ue *doubao.UpstreamError
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, deleteResponse{OK: true, Msg: "deleted"})
	case errors.As(err, &ue):
		ex.err = err.Error()
		writeJSON(ctx, fasthttp.StatusOK, deleteResponse{OK: false, Msg: err.Error()})
	default:
		d.writeFailure(ctx, ex, err)
	}
}

func (d *Doubao) handleChatCompletions(ctx *fasthttp.RequestCtx, ex *exchange) {
	ex.service = DefaultModel

	var req chatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "Invalid JSON body")
		return
	}
	prompt := req.Prompt
	if len(req.Messages) > 0 {
		prompt = doubao.FlattenMessages(req.Messages)
	}
	if strings.TrimSpace(prompt) == "" {
		apierr.WriteBadRequest(ctx, "messages or prompt is required")
		return
	}
	if !d.allow(ctx, ex.route) {
		return
	}

	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	ex.model = model
	ex.stream = req.Stream
	ex.conversationID = req.ConversationID

	chat := doubao.ChatRequest{
		Prompt:         prompt,
		UseDeepThink:   req.UseDeepThink,
		ConversationID: req.ConversationID,
		SectionID:      req.SectionID,
		Guest:          req.Guest,
	}
	if d.opts.AllowClientCredentials {
		chat.Credential = parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	}

	if req.Stream {
		d.streamChat(ctx, ex, chat, model)
		return
	}

	uctx, cancel := d.upstreamContext(false)
	defer cancel()
	res, err := d.svc.Complete(uctx, chat)
	if err != nil {
		d.writeFailure(ctx, ex, err)
		return
	}
	ex.conversationID = res.ConversationID
	writeJSON(ctx, fasthttp.StatusOK, doubao.NewCompletion(model, res))
}

// streamChat opens the upstream reply, answering failures with a status
// code, then relays it as OpenAI chunks from the body writer. The exchange
// is finished once the relay ends.
func (d *Doubao) streamChat(ctx *fasthttp.RequestCtx, ex *exchange, chat doubao.ChatRequest, model string) {
	reply, err := d.svc.Open(d.baseCtx, chat)
	if err != nil {
		d.writeFailure(ctx, ex, err)
		return
	}

	ex.deferred = true
	startEventStream(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		cw := doubao.NewChunkWriter(w, model)
		res, err := doubao.Pipe(reply.Stream, cw)
		reply.Close(context.WithoutCancel(d.baseCtx), err)

		ex.conversationID = res.ConversationID
		status := fasthttp.StatusOK
		if err != nil {
			ex.err = err.Error()
			if !errors.Is(err, doubao.ErrClientGone) {
				status = apierr.Status(err)
			}
			d.log.Warn("stream_ended_with_error",
				slog.String("route", ex.route),
				slog.String("conversation_id", res.ConversationID),
				slog.String("error", err.Error()),
			)
		}
		d.finish(ex, status, -1)
	})
}

func (d *Doubao) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, modelList{
		Object: "list",
		Data: []modelInfo{{
			ID:      DefaultModel,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: DefaultModel,
		}},
	})
}
