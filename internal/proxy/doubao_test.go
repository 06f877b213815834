package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/freechat-gateway/internal/doubao"
	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

const helloReply = "event: SSE_ACK\n" +
	`data: {"ack_client_meta":{"conversation_id":"conv-1","section_id":"sec-1"}}` + "\n\n" +
	"event: STREAM_CHUNK\n" +
	`data: {"patch_op":[{"patch_value":{"content_block":[{"content":{"text_block":{"text":"Hel"}}}]}}]}` + "\n\n" +
	"event: STREAM_CHUNK\n" +
	`data: {"patch_op":[{"patch_value":{"content_block":[{"content":{"text_block":{"text":"lo"}}}]}}]}` + "\n\n" +
	"event: SSE_REPLY_END\ndata: {}\n\n"

// vendor is a fake chat vendor: chat calls get body, deletes are recorded.
type vendor struct {
	mu      sync.Mutex
	status  int
	body    string
	cookies []string
	bodies  []string
	deletes int

	// delay holds each reply back, or until the caller goes away.
	delay time.Duration
}

func (v *vendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-r.Context().Done():
			return
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cookies = append(v.cookies, r.Header.Get("Cookie"))
	v.bodies = append(v.bodies, string(b))
	if strings.HasSuffix(r.URL.Path, "/thread/delete") {
		v.deletes++
		return
	}
	if v.status != 0 {
		w.WriteHeader(v.status)
		_, _ = io.WriteString(w, v.body)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, v.body)
}

func (v *vendor) lastBody() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.bodies) == 0 {
		return ""
	}
	return v.bodies[len(v.bodies)-1]
}

func (v *vendor) lastCookie() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cookies) == 0 {
		return ""
	}
	return v.cookies[len(v.cookies)-1]
}

func (v *vendor) deleteCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deletes
}

var poolSession = session.Session{
	Cookie:   "sessionid=pool-sid",
	DeviceID: "1001",
	TeaUUID:  "1002",
	WebID:    "1002",
}

func newDoubaoAPI(t *testing.T, v *vendor, opts DoubaoOptions) (*http.Client, *session.Pool) {
	t.Helper()
	return newDoubaoAPIWith(t, v, opts, Options{Logger: discard})
}

func newDoubaoAPIWith(t *testing.T, v *vendor, opts DoubaoOptions, so Options) (*http.Client, *session.Pool) {
	t.Helper()
	up := httptest.NewServer(v)
	t.Cleanup(up.Close)

	pool := session.NewPool("")
	if err := pool.Add(poolSession); err != nil {
		t.Fatal(err)
	}
	client := doubao.NewClient(doubao.WithBaseURL(up.URL), doubao.WithHTTPClient(up.Client()))
	svc := doubao.NewService(pool, client, doubao.NewCredentials(nil, time.Minute, discard), doubao.ServiceOptions{
		Logger: discard,
	})

	s := NewServer(so)
	return serve(t, s, NewDoubao(s, svc, opts)), pool
}

func TestDoubao_NativeBuffered(t *testing.T) {
	c, pool := newDoubaoAPI(t, &vendor{body: helloReply}, DoubaoOptions{})

	r := do(t, c, "POST", "/api/chat/completions", `{"prompt":"hi","guest":false}`, nil)
	if r.status != 200 {
		t.Fatalf("status = %d %s", r.status, r.body)
	}
	got := decode[map[string]any](t, r.body)
	if got["text"] != "Hello" || got["conversation_id"] != "conv-1" || got["section_id"] != "sec-1" {
		t.Errorf("body = %s", r.body)
	}
	if _, ok := got["messageg_id"]; !ok {
		t.Error("messageg_id key missing")
	}
	if refs, ok := got["references"].([]any); !ok || len(refs) != 0 {
		t.Errorf("references = %v, want empty list", got["references"])
	}
	if imgs, ok := got["img_urls"].([]any); !ok || len(imgs) != 0 {
		t.Errorf("img_urls = %v, want empty list", got["img_urls"])
	}

	if _, err := pool.Get("conv-1", false); err != nil {
		t.Errorf("conversation not bound: %v", err)
	}
}

func TestDoubao_NativeStream(t *testing.T) {
	c, _ := newDoubaoAPI(t, &vendor{body: helloReply}, DoubaoOptions{})

	r := do(t, c, "POST", "/api/chat/completions", `{"prompt":"hi","stream":true}`, nil)
	if r.status != 200 || !strings.HasPrefix(r.header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status = %d, type = %q", r.status, r.header.Get("Content-Type"))
	}

	var text strings.Builder
	for _, frame := range strings.Split(strings.TrimSpace(r.body), "\n\n") {
		data := strings.TrimPrefix(frame, "data: ")
		if data == "[DONE]" {
			continue
		}
		ch := decode[struct {
			ID      string `json:"id"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}](t, data)
		text.WriteString(ch.Choices[0].Delta.Content)
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !strings.HasSuffix(r.body, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated: %q", r.body)
	}
}

func TestDoubao_NativeErrors(t *testing.T) {
	tests := []struct {
		name   string
		vendor *vendor
		body   string
		status int
		detail string
	}{
		{"invalid json", &vendor{body: helloReply}, `{`, 400, "Invalid JSON body"},
		{"empty prompt", &vendor{body: helloReply}, `{"prompt":"  "}`, 400, "Prompt is required"},
		{"unknown conversation", &vendor{body: helloReply}, `{"prompt":"hi","conversation_id":"nope"}`, 404, "nope"},
		{"quota", &vendor{body: "event: x\ndata: {\"msg\":\"tourist conversation reach limited\"}\n\n"}, `{"prompt":"hi"}`, 500, "conversation limit"},
		{"vendor 500", &vendor{status: 500, body: "down"}, `{"prompt":"hi"}`, 502, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newDoubaoAPI(t, tt.vendor, DoubaoOptions{})
			r := do(t, c, "POST", "/api/chat/completions", tt.body, nil)
			if r.status != tt.status {
				t.Fatalf("status = %d, want %d (%s)", r.status, tt.status, r.body)
			}
			got := decode[map[string]string](t, r.body)
			if !strings.Contains(strings.ToLower(got["detail"]), strings.ToLower(tt.detail)) {
				t.Errorf("detail = %q, want to contain %q", got["detail"], tt.detail)
			}
		})
	}
}

func TestDoubao_Delete(t *testing.T) {
	v := &vendor{body: helloReply}
	c, pool := newDoubaoAPI(t, v, DoubaoOptions{})

	if r := do(t, c, "POST", "/api/chat/completions", `{"prompt":"hi"}`, nil); r.status != 200 {
		t.Fatalf("chat = %d %s", r.status, r.body)
	}

	r := do(t, c, "POST", "/api/chat/delete?conversation_id=conv-1", "", nil)
	if r.status != 200 || r.body != `{"ok":true,"msg":"deleted"}` {
		t.Fatalf("delete = %d %s", r.status, r.body)
	}
	if n := v.deleteCount(); n != 1 {
		t.Errorf("vendor deletes = %d", n)
	}
	if _, err := pool.Get("conv-1", false); err == nil {
		t.Error("binding survived delete")
	}

	if r := do(t, c, "POST", "/api/chat/delete?conversation_id=conv-1", "", nil); r.status != 404 {
		t.Errorf("second delete = %d, want 404", r.status)
	}
	if r := do(t, c, "POST", "/api/chat/delete", "", nil); r.status != 400 {
		t.Errorf("missing id = %d, want 400", r.status)
	}
}

func TestDoubao_ChatCompletions(t *testing.T) {
	c, _ := newDoubaoAPI(t, &vendor{body: helloReply}, DoubaoOptions{})

	body := `{"model":"doubao-pro","messages":[{"role":"user","content":"hi"}]}`
	r := do(t, c, "POST", "/v1/chat/completions", body, nil)
	if r.status != 200 {
		t.Fatalf("status = %d %s", r.status, r.body)
	}
	got := decode[doubao.Completion](t, r.body)
	if got.Model != "doubao-pro" || got.ID != "conv-1" || got.Object != "chat.completion" {
		t.Errorf("completion = %+v", got)
	}
	if len(got.Choices) != 1 || got.Choices[0].Message.Content != "Hello" {
		t.Errorf("choices = %+v", got.Choices)
	}

	if r := do(t, c, "POST", "/v1/chat/completions", `{"messages":[]}`, nil); r.status != 400 {
		t.Errorf("empty messages = %d, want 400", r.status)
	}
	if r := do(t, c, "POST", "/v1/chat/completions", `{"prompt":"  "}`, nil); r.status != 400 {
		t.Errorf("blank prompt = %d, want 400", r.status)
	}
}

func TestDoubao_ChatCompletionsPrompt(t *testing.T) {
	v := &vendor{body: helloReply}
	c, _ := newDoubaoAPI(t, v, DoubaoOptions{})

	r := do(t, c, "POST", "/v1/chat/completions", `{"model":"doubao-pro","prompt":"what is 2+2"}`, nil)
	if r.status != 200 {
		t.Fatalf("status = %d %s", r.status, r.body)
	}
	got := decode[doubao.Completion](t, r.body)
	if len(got.Choices) != 1 || got.Choices[0].Message.Content != "Hello" {
		t.Errorf("choices = %+v", got.Choices)
	}
	if sent := v.lastBody(); !strings.Contains(sent, "what is 2+2") {
		t.Errorf("upstream body = %s", sent)
	}
}

func TestDoubao_BufferedRequestDeadline(t *testing.T) {
	v := &vendor{body: helloReply, delay: 5 * time.Second}
	c, pool := newDoubaoAPIWith(t, v, DoubaoOptions{}, Options{Logger: discard, RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	r := do(t, c, "POST", "/api/chat/completions", `{"prompt":"hi"}`, nil)
	if r.status != 504 {
		t.Fatalf("status = %d %s, want 504", r.status, r.body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v; upstream call outlived the deadline", elapsed)
	}
	if st := pool.Stats(); st.Auth != 1 {
		t.Errorf("deadline evicted the session: %+v", st)
	}
}

func TestDoubao_ClientCredential(t *testing.T) {
	tests := []struct {
		name  string
		allow bool
		want  string
	}{
		{"accepted", true, "sessionid=client-sid"},
		{"ignored", false, "sessionid=pool-sid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &vendor{body: helloReply}
			c, pool := newDoubaoAPI(t, v, DoubaoOptions{AllowClientCredentials: tt.allow})

			body := `{"messages":[{"role":"user","content":"hi"}]}`
			r := do(t, c, "POST", "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer client-sid"})
			if r.status != 200 {
				t.Fatalf("status = %d %s", r.status, r.body)
			}
			if !strings.Contains(v.lastCookie(), tt.want) {
				t.Errorf("cookie = %q, want %q", v.lastCookie(), tt.want)
			}
			_, err := pool.Get("conv-1", false)
			if bound := err == nil; bound == tt.allow {
				t.Errorf("bound = %v; client credentials must never bind", bound)
			}
		})
	}
}

func TestDoubao_ModelsAndHealth(t *testing.T) {
	c, _ := newDoubaoAPI(t, &vendor{body: helloReply}, DoubaoOptions{})

	r := do(t, c, "GET", "/v1/models", "", nil)
	models := decode[modelList](t, r.body)
	if len(models.Data) != 1 || models.Data[0].ID != "doubao" {
		t.Errorf("models = %s", r.body)
	}

	h := decode[struct {
		Sessions session.Stats `json:"sessions"`
	}](t, do(t, c, "GET", "/health", "", nil).body)
	if h.Sessions.Auth != 1 {
		t.Errorf("pool stats = %+v", h.Sessions)
	}
}
