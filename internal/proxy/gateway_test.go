package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/freechat-gateway/internal/gateway"
)

// adapter is a fake upstream adapter service. Chat calls asking for a stream
// get an event stream; everything else gets a JSON echo of the path.
type adapter struct {
	mu    sync.Mutex
	paths []string
	auths []string
}

func (a *adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.paths = append(a.paths, r.URL.Path)
	a.auths = append(a.auths, r.Header.Get("Authorization"))
	a.mu.Unlock()

	if r.Header.Get("Authorization") == "Bearer bad" {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
		return
	}
	if gjson.GetBytes(body, "stream").Bool() {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(r.URL.Path, "/v1/videos/tasks/") {
		w.WriteHeader(http.StatusAccepted)
	}
	_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`","model":"`+gjson.GetBytes(body, "model").String()+`"}`)
}

func (a *adapter) last() (path, auth string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.paths) == 0 {
		return "", ""
	}
	return a.paths[len(a.paths)-1], a.auths[len(a.auths)-1]
}

type gatewayFixture struct {
	client *http.Client
	up     *adapter
	store  *gateway.Store
	dir    string
}

func newGatewayAPI(t *testing.T) gatewayFixture {
	t.Helper()
	up := &adapter{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := gateway.NewStore(filepath.Join(dir, "config.json"), filepath.Join(dir, "config.default.json"), discard)
	store.Set(gateway.Services{
		"deepseek": {URL: srv.URL, Models: []string{"deepseek-chat"}, Token: gateway.NewTokenSet("bad", "good")},
		"jimeng":   {URL: srv.URL, Models: []string{"jimeng-4.5"}, Token: gateway.NewTokenSet("jm")},
		"sora":     {URL: srv.URL, Models: []string{"sora-2"}},
	})
	mo, err := gateway.NewMediaOnly([]string{"jimeng"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(store, gateway.Options{MediaOnly: mo, Logger: discard})

	s := NewServer(Options{Logger: discard})
	return gatewayFixture{client: serve(t, s, NewGateway(s, gw)), up: up, store: store, dir: dir}
}

func TestGateway_ChatPassthrough(t *testing.T) {
	f := newGatewayAPI(t)

	r := do(t, f.client, "POST", "/v1/chat/completions", `{"model":"deepseek-chat","messages":[]}`, nil)
	if r.status != 200 || !strings.HasPrefix(r.header.Get("Content-Type"), "application/json") {
		t.Fatalf("status = %d, type = %q, body = %s", r.status, r.header.Get("Content-Type"), r.body)
	}
	if got := gjson.Get(r.body, "path").String(); got != "/v1/chat/completions" {
		t.Errorf("upstream path = %q", got)
	}
	if _, auth := f.up.last(); auth != "Bearer good" {
		t.Errorf("last credential = %q, want the one after the rejected token", auth)
	}
}

func TestGateway_ChatStream(t *testing.T) {
	f := newGatewayAPI(t)

	r := do(t, f.client, "POST", "/v1/chat/completions", `{"model":"deepseek-chat","stream":true}`, nil)
	if r.status != 200 || !strings.HasPrefix(r.header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status = %d, type = %q", r.status, r.header.Get("Content-Type"))
	}
	want := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n"
	if r.body != want {
		t.Errorf("body = %q, want %q", r.body, want)
	}
}

func TestGateway_ChatErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		detail string
	}{
		{"invalid json", `{`, 400, "Invalid JSON body"},
		{"no model", `{"messages":[]}`, 400, "Model is required"},
		{"unknown model", `{"model":"nothing-here"}`, 404, "No service found for model: nothing-here"},
		{"media only", `{"model":"jimeng-4.5"}`, 400, "Jimeng is an image/video service"},
		{"stream still json", `{"model":"nothing-here","stream":true}`, 404, "No service found"},
	}
	f := newGatewayAPI(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := do(t, f.client, "POST", "/v1/chat/completions", tt.body, nil)
			if r.status != tt.status {
				t.Fatalf("status = %d, want %d (%s)", r.status, tt.status, r.body)
			}
			if got := gjson.Get(r.body, "detail").String(); !strings.Contains(got, tt.detail) {
				t.Errorf("detail = %q, want to contain %q", got, tt.detail)
			}
		})
	}
}

func TestGateway_Media(t *testing.T) {
	f := newGatewayAPI(t)

	r := do(t, f.client, "POST", "/v1/images/generations", `{"prompt":"a cat"}`, nil)
	if r.status != 200 {
		t.Fatalf("images = %d %s", r.status, r.body)
	}
	if gjson.Get(r.body, "model").String() != "jimeng-4.5" {
		t.Errorf("fallback model not set: %s", r.body)
	}

	r = do(t, f.client, "POST", "/v1/videos/generations", `{"model":"sora-2","prompt":"waves"}`, nil)
	if r.status != 200 || gjson.Get(r.body, "path").String() != "/v1/videos/generations" {
		t.Errorf("videos = %d %s", r.status, r.body)
	}

	r = do(t, f.client, "GET", "/v1/videos/tasks/task-1", "", nil)
	if r.status != 202 || gjson.Get(r.body, "path").String() != "/v1/videos/tasks/task-1" {
		t.Errorf("task = %d %s", r.status, r.body)
	}
}

func TestGateway_Config(t *testing.T) {
	f := newGatewayAPI(t)

	r := do(t, f.client, "GET", "/api/config", "", nil)
	if r.status != 200 || !gjson.Get(r.body, "deepseek.url").Exists() {
		t.Fatalf("get = %d %s", r.status, r.body)
	}

	if r := do(t, f.client, "POST", "/api/config", `{`, nil); r.status != 400 {
		t.Errorf("invalid save = %d, want 400", r.status)
	}

	saved := `{"qwen":{"url":"http://qwen.test","models":["qwen-max"],"token":"q1"}}`
	r = do(t, f.client, "POST", "/api/config", saved, nil)
	if r.status != 200 || r.body != `{"status":"ok"}` {
		t.Fatalf("save = %d %s", r.status, r.body)
	}
	if _, ok := f.store.Services()["qwen"]; !ok {
		t.Error("saved config not loaded")
	}
	if _, err := os.Stat(filepath.Join(f.dir, "config.json")); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	r = do(t, f.client, "GET", "/api/env", "", nil)
	if !gjson.Get(r.body, "config_file_exists").Bool() || gjson.Get(r.body, "default_config_exists").Bool() {
		t.Errorf("env = %s", r.body)
	}
	if tok := gjson.Get(r.body, "loaded_config.qwen.token").String(); tok == "q1" {
		t.Error("env leaks the raw token")
	}
}

func TestGateway_Probes(t *testing.T) {
	f := newGatewayAPI(t)

	if r := do(t, f.client, "GET", "/api/test/missing", "", nil); r.status != 404 {
		t.Errorf("unknown service = %d, want 404", r.status)
	}

	r := do(t, f.client, "GET", "/api/test/sora", "", nil)
	if r.status != 200 || gjson.Get(r.body, "status").String() != "success" {
		t.Errorf("test = %d %s", r.status, r.body)
	}

	for _, q := range []string{"abc", "0", "-1"} {
		if r := do(t, f.client, "GET", "/api/monitor?timeout="+q, "", nil); r.status != 400 {
			t.Errorf("timeout=%s: status = %d, want 400", q, r.status)
		}
	}

	r = do(t, f.client, "GET", "/api/monitor?timeout=2.5", "", nil)
	if r.status != 200 || gjson.Get(r.body, "timeout").Float() != 2.5 || gjson.Get(r.body, "summary.total").Int() != 3 {
		t.Errorf("monitor = %d %s", r.status, r.body)
	}

	h := do(t, f.client, "GET", "/health", "", nil)
	if !gjson.Get(h.body, "services.sora").Exists() {
		t.Errorf("health lacks probe results: %s", h.body)
	}
}
