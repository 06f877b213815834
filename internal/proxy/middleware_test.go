package proxy

import (
	"bufio"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

var discard = slog.New(slog.DiscardHandler)

func TestRecovery(t *testing.T) {
	t.Run("passes through", func(t *testing.T) {
		h := recovery(discard)(func(ctx *fasthttp.RequestCtx) {
			ctx.SetBodyString("ok")
		})
		ctx := &fasthttp.RequestCtx{}
		h(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusOK || string(ctx.Response.Body()) != "ok" {
			t.Errorf("got %d %q", ctx.Response.StatusCode(), ctx.Response.Body())
		}
	})

	t.Run("panic becomes detail 500", func(t *testing.T) {
		h := recovery(discard)(func(ctx *fasthttp.RequestCtx) {
			ctx.SetBodyString("partial")
			panic("boom")
		})
		ctx := &fasthttp.RequestCtx{}
		h(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
			t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
		}
		if got := string(ctx.Response.Body()); got != `{"detail":"internal server error"}` {
			t.Errorf("body = %s", got)
		}
	})
}

func TestRecovery_LogsRequestID(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := applyMiddleware(func(*fasthttp.RequestCtx) { panic("boom") }, recovery(log), requestID)

	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	id := string(ctx.Response.Header.Peek("X-Request-ID"))
	if id == "" || !strings.Contains(buf.String(), `"request_id":"`+id+`"`) {
		t.Errorf("panic log %q lacks request id %q", buf.String(), id)
	}
}

func TestRequestID(t *testing.T) {
	const clientID = "0b6e2d1c-6f5e-4c2a-9a57-3f0f5c1d2e4b"
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"client uuid kept", clientID, true},
		{"non-uuid replaced", "req-123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := requestID(func(ctx *fasthttp.RequestCtx) {
				seen, _ = ctx.UserValue(requestIDKey).(string)
			})
			ctx := &fasthttp.RequestCtx{}
			if tt.incoming != "" {
				ctx.Request.Header.Set("X-Request-ID", tt.incoming)
			}
			h(ctx)

			header := string(ctx.Response.Header.Peek("X-Request-ID"))
			if seen == "" || seen != header {
				t.Fatalf("context id %q, header %q", seen, header)
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("id %q is not a uuid", seen)
			}
			if (seen == tt.incoming) != tt.keep {
				t.Errorf("id = %q, incoming %q, keep = %v", seen, tt.incoming, tt.keep)
			}
		})
	}
}

func TestTiming(t *testing.T) {
	h := timing(func(*fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time not set")
	}

	h = timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyStreamWriter(func(*bufio.Writer) {})
	})
	ctx = &fasthttp.RequestCtx{}
	h(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) != 0 {
		t.Error("streamed reply got X-Response-Time")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(*fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	} {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	allow := []string{"https://a.example", "https://b.example/"}
	tests := []struct {
		name    string
		origins []string
		method  string
		from    string
		want    string
		status  int
	}{
		{"nil is open", nil, "GET", "https://x.example", "*", fasthttp.StatusOK},
		{"explicit wildcard", []string{"*"}, "GET", "", "*", fasthttp.StatusOK},
		{"listed origin echoed", allow, "POST", "https://a.example", "https://a.example", fasthttp.StatusOK},
		{"trailing slash ignored", allow, "POST", "https://b.example", "https://b.example", fasthttp.StatusOK},
		{"unlisted origin", allow, "POST", "https://evil.example", "", fasthttp.StatusOK},
		{"preflight", nil, "OPTIONS", "https://x.example", "*", fasthttp.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := corsHandler(tt.origins)(func(*fasthttp.RequestCtx) { reached = true })
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(tt.method)
			if tt.from != "" {
				ctx.Request.Header.Set("Origin", tt.from)
			}
			h(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("origin = %q, want %q", got, tt.want)
			}
			if ctx.Response.StatusCode() != tt.status {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tt.status)
			}
			if reached == (tt.method == "OPTIONS") {
				t.Errorf("handler reached = %v for %s", reached, tt.method)
			}
			if got := string(ctx.Response.Header.Peek("Access-Control-Expose-Headers")); got != "X-Request-ID" {
				t.Errorf("Expose-Headers = %q", got)
			}
		})
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+">")
				next(ctx)
				order = append(order, "<"+name)
			}
		}
	}

	h := applyMiddleware(func(*fasthttp.RequestCtx) { order = append(order, "h") }, mark("a"), mark("b"))
	h(&fasthttp.RequestCtx{})

	want := "a> b> h <b <a"
	if got := strings.Join(order, " "); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":            "abc",
		"bearer  sessionid=x; ": "sessionid=x;",
		"Basic abc":             "",
		"Bearer":                "",
		"":                      "",
	}
	for in, want := range tests {
		if got := parseBearerToken(in); got != want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
