// Package apierr writes client-facing errors: a {"detail": ...} JSON body for
// regular responses and a single data: {"error": ...} chunk for event
// streams that have already started.
package apierr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// Error type constants used in stream error chunks.
const (
	TypeUpstream       = "upstream_error"
	TypeRateLimit      = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServer         = "server_error"
)

type (
	envelope struct {
		Detail string `json:"detail"`
	}
	streamError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	streamEnvelope struct {
		Error streamError `json:"error"`
	}
)

// statusCoder is implemented by domain errors that know their HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Write writes {"detail": message} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: message})
	ctx.SetBody(body)
}

// WriteError maps err to a status and writes it.
//
//	HTTPStatus() implementer → its status
//	context deadline         → 504
//	anything else            → 500
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	Write(ctx, Status(err), err.Error())
}

// Status returns the HTTP status WriteError would use for err.
func Status(err error) int {
	var sc statusCoder
	switch {
	case errors.As(err, &sc):
		return sc.HTTPStatus()
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// WriteBadRequest writes a 400.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out")
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
}

// StreamErrorChunk renders a terminal SSE error chunk.
func StreamErrorChunk(message, errType string) []byte {
	body, _ := json.Marshal(streamEnvelope{Error: streamError{Message: message, Type: errType}})
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	return append(out, "\n\n"...)
}
