package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/freechat-gateway/internal/doubao"
	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

var discard = slog.New(slog.DiscardHandler)

func newService(t *testing.T, cfg Config, endpoint doubao.Endpoint, sessions ...session.Session) (*doubao.Service, *session.Pool) {
	t.Helper()
	srv := httptest.NewServer(newDoubaoHandler(cfg))
	t.Cleanup(srv.Close)

	pool := session.NewPool("", session.WithLogger(discard))
	for _, s := range sessions {
		if err := pool.Add(s); err != nil {
			t.Fatal(err)
		}
	}
	client := doubao.NewClient(
		doubao.WithBaseURL(srv.URL),
		doubao.WithEndpoint(endpoint),
		doubao.WithHTTPClient(srv.Client()),
	)
	svc := doubao.NewService(pool, client, nil, doubao.ServiceOptions{
		ChatTimeout:    5 * time.Second,
		ControlTimeout: 5 * time.Second,
		Logger:         discard,
	})
	return svc, pool
}

var authSession = session.Session{Cookie: "sessionid=mock", DeviceID: "7001", TeaUUID: "7002", WebID: "7002"}

func TestVendor_BothProtocols(t *testing.T) {
	for _, ep := range []doubao.Endpoint{doubao.EndpointCompletion, doubao.EndpointSamanthaCompletion} {
		t.Run(string(ep), func(t *testing.T) {
			svc, _ := newService(t, Config{StreamWords: 3}, ep, authSession)
			ctx := context.Background()

			res, err := svc.Complete(ctx, doubao.ChatRequest{Prompt: "hi"})
			if err != nil {
				t.Fatal(err)
			}
			if n := len(strings.Fields(res.Text)); n != 3 {
				t.Errorf("text = %q, want 3 words", res.Text)
			}
			if res.ConversationID == "" {
				t.Fatal("no conversation id")
			}

			again, err := svc.Complete(ctx, doubao.ChatRequest{Prompt: "more", ConversationID: res.ConversationID})
			if err != nil {
				t.Fatal(err)
			}
			if again.ConversationID != res.ConversationID {
				t.Errorf("follow-up conversation = %q, want %q", again.ConversationID, res.ConversationID)
			}

			if err := svc.Delete(ctx, res.ConversationID); err != nil {
				t.Errorf("delete: %v", err)
			}
		})
	}
}

func TestVendor_GuestQuota(t *testing.T) {
	guest := session.Session{Cookie: "s_v_web_id=guest", DeviceID: "8001", TeaUUID: "8002", WebID: "8002", Guest: true}
	svc, pool := newService(t, Config{StreamWords: 2, GuestQuota: 1}, doubao.EndpointSamanthaCompletion, guest)
	ctx := context.Background()

	if _, err := svc.Complete(ctx, doubao.ChatRequest{Prompt: "hi", Guest: true}); err != nil {
		t.Fatalf("first chat: %v", err)
	}
	_, err := svc.Complete(ctx, doubao.ChatRequest{Prompt: "hi", Guest: true})
	var quota *doubao.QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("second chat err = %v, want quota exceeded", err)
	}
	if st := pool.Stats(); st.Guest != 0 {
		t.Errorf("exhausted guest still pooled: %+v", st)
	}
}

func TestVendor_RejectsMissingCookie(t *testing.T) {
	srv := httptest.NewServer(newDoubaoHandler(Config{StreamWords: 1}))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/chat/completion", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdapter(t *testing.T) {
	srv := httptest.NewServer(newAdapterHandler(Config{StreamWords: 4}))
	defer srv.Close()

	post := func(path, token, body string) (int, string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	status, body := post("/v1/chat/completions", "tok", `{"model":"m1"}`)
	if status != 200 || gjson.Get(body, "model").String() != "m1" || len(strings.Fields(gjson.Get(body, "choices.0.message.content").String())) != 4 {
		t.Errorf("chat = %d %s", status, body)
	}

	if status, _ := post("/v1/chat/completions", "revoked-1", `{"model":"m1"}`); status != 401 {
		t.Errorf("revoked token = %d, want 401", status)
	}

	_, body = post("/v1/chat/completions", "tok", `{"model":"m1","stream":true}`)
	if !strings.HasSuffix(body, "data: [DONE]\n\n") || strings.Count(body, "data: ") != 6 {
		t.Errorf("stream = %q", body)
	}

	_, body = post("/v1/videos/generations", "tok", `{"prompt":"x"}`)
	id := gjson.Get(body, "task_id").String()
	resp, err := srv.Client().Get(srv.URL + "/v1/videos/tasks/" + id)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if gjson.GetBytes(b, "status").String() != "running" {
		t.Errorf("task = %s", b)
	}

	if _, body := post("/token/check", "", `{"token":"revoked-2"}`); gjson.Get(body, "live").Bool() {
		t.Errorf("token check = %s", body)
	}
}
