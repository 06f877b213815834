package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Tokens starting with this prefix are rejected with 401, to exercise
// credential rotation in the gateway.
const revokedPrefix = "revoked"

// adapter simulates one OpenAI-compatible adapter service: chat, image and
// video generation, task polling and a token liveness check.
type adapter struct {
	cfg Config

	mu    sync.Mutex
	tasks map[string]time.Time
}

func newAdapterHandler(cfg Config) http.Handler {
	a := &adapter{cfg: cfg, tasks: map[string]time.Time{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", a.authed(a.handleChat))
	mux.HandleFunc("POST /v1/images/generations", a.authed(a.handleImages))
	mux.HandleFunc("POST /v1/images/compositions", a.authed(a.handleImages))
	mux.HandleFunc("POST /v1/videos/generations", a.authed(a.handleVideos))
	mux.HandleFunc("GET /v1/videos/tasks/{id}", a.authed(a.handleTask))
	mux.HandleFunc("POST /token/check", a.handleTokenCheck)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})
	return mux
}

func (a *adapter) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyLatency(a.cfg)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if strings.HasPrefix(token, revokedPrefix) {
			writeError(w, http.StatusUnauthorized, "token revoked", "invalid_api_key")
			return
		}
		if shouldError(a.cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}
		next(w, r)
	}
}

func (a *adapter) handleChat(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	id := fakeID("chatcmpl-mock")
	words := fakeWordList(a.cfg.StreamWords)

	if !gjson.GetBytes(body, "stream").Bool() {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": strings.Join(words, " ")},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": len(words),
				"total_tokens":      10 + len(words),
			},
		})
		return
	}

	s := startSSE(w)
	chunk := func(delta map[string]string, finish any) {
		s.event("", map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
	}
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		chunk(map[string]string{"content": word}, nil)
	}
	chunk(map[string]string{}, "stop")
	s.event("", "[DONE]")
}

func (a *adapter) handleImages(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	data := make([]map[string]string, 0, 2)
	for range 2 {
		data = append(data, map[string]string{"url": "https://mock.invalid/img/" + fakeID("") + ".png"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": time.Now().Unix(), "data": data})
}

func (a *adapter) handleVideos(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	id := fakeID("task-")
	a.mu.Lock()
	a.tasks[id] = time.Now()
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

// handleTask reports a task as running for two seconds, then done.
func (a *adapter) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	started, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task not found", "not_found")
		return
	}
	if time.Since(started) < 2*time.Second {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"status":  "succeeded",
		"url":     "https://mock.invalid/video/" + id + ".mp4",
	})
}

func (a *adapter) handleTokenCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required", "invalid_request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"live": !strings.HasPrefix(req.Token, revokedPrefix)})
}
