package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const quotaMarker = "tourist conversation reach limited"

// vendor simulates the Doubao web chat. Replies echo nothing of the prompt;
// the conversation id is kept for follow-up turns and a fresh one is issued
// for "0" or an empty id.
type vendor struct {
	cfg Config

	mu     sync.Mutex
	guests map[string]int
	convs  map[string]bool
}

func newDoubaoHandler(cfg Config) http.Handler {
	v := &vendor{cfg: cfg, guests: map[string]int{}, convs: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completion", v.handleBlocks)
	mux.HandleFunc("POST /samantha/chat/completion", v.handleSamantha)
	mux.HandleFunc("POST /samantha/thread/delete", v.handleDelete)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mock: unknown path "+r.URL.Path, http.StatusNotFound)
	})
	return mux
}

// admit checks the cookie and the guest quota. It writes the failure itself
// and reports whether the chat may proceed.
func (v *vendor) admit(w http.ResponseWriter, r *http.Request) bool {
	applyLatency(v.cfg)
	if shouldError(v.cfg) {
		http.Error(w, "mock internal server error", http.StatusInternalServerError)
		return false
	}
	cookie := r.Header.Get("Cookie")
	if !strings.Contains(cookie, "sessionid=") && !strings.Contains(cookie, "s_v_web_id=") {
		http.Error(w, `{"code":710022004,"message":"not login"}`, http.StatusUnauthorized)
		return false
	}
	if v.cfg.GuestQuota > 0 && !strings.Contains(cookie, "sessionid=") {
		v.mu.Lock()
		v.guests[cookie]++
		over := v.guests[cookie] > v.cfg.GuestQuota
		v.mu.Unlock()
		if over {
			s := startSSE(w)
			s.event("", `{"code":710022002,"message":"`+quotaMarker+`"}`)
			return false
		}
	}
	return true
}

// conversation returns id when known, or registers a new one.
func (v *vendor) conversation(id string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if id != "" && id != "0" && v.convs[id] {
		return id
	}
	id = fakeID("")
	v.convs[id] = true
	return id
}

func (v *vendor) handleBlocks(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !v.admit(w, r) {
		return
	}
	conv := v.conversation(gjson.GetBytes(body, "client_meta.conversation_id").String())
	section, msgID := fakeID("sec"), fakeID("msg")

	s := startSSE(w)
	s.event("SSE_ACK", map[string]any{
		"ack_client_meta": map[string]string{"conversation_id": conv, "section_id": section},
	})
	s.event("STREAM_MSG_NOTIFY", map[string]any{
		"meta": map[string]string{"conversation_id": conv, "section_id": section, "message_id": msgID},
	})
	for i, word := range fakeWordList(v.cfg.StreamWords) {
		if i > 0 {
			word = " " + word
		}
		block := map[string]any{
			"block_type": 10000,
			"content":    map[string]any{"text_block": map[string]string{"text": word}},
		}
		s.event("STREAM_CHUNK", map[string]any{
			"patch_op": []map[string]any{{
				"patch_type":  1,
				"patch_value": map[string]any{"content_block": []any{block}},
			}},
		})
	}
	s.event("STREAM_CHUNK", `{"patch_op":[],"is_finish":true}`)
	s.event("SSE_REPLY_END", "{}")
}

func (v *vendor) handleSamantha(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !v.admit(w, r) {
		return
	}
	conv := v.conversation(gjson.GetBytes(body, "conversation_id").String())
	section, msgID := fakeID("sec"), fakeID("msg")

	s := startSSE(w)
	s.event("", legacyFrame(2002, map[string]any{"conversation_id": conv}))
	for i, word := range fakeWordList(v.cfg.StreamWords) {
		if i > 0 {
			word = " " + word
		}
		text, _ := sjson.Set("", "text", word)
		s.event("", legacyFrame(2001, map[string]any{
			"conversation_id": conv,
			"section_id":      section,
			"message_id":      msgID,
			"message": map[string]any{
				"content_type": 2001,
				"content":      text,
			},
		}))
	}
	s.event("", legacyFrame(2001, map[string]any{"is_finish": true}))
	s.event("", legacyFrame(2003, map[string]any{}))
}

// legacyFrame wraps data as the string event_data of a samantha frame.
func legacyFrame(eventType int, data map[string]any) string {
	inner, _ := json.Marshal(data)
	frame, _ := sjson.Set("", "event_type", eventType)
	frame, _ = sjson.Set(frame, "event_data", string(inner))
	return frame
}

func (v *vendor) handleDelete(w http.ResponseWriter, r *http.Request) {
	applyLatency(v.cfg)
	body, _ := io.ReadAll(r.Body)
	id := gjson.GetBytes(body, "conversation_id").String()

	v.mu.Lock()
	known := v.convs[id]
	delete(v.convs, id)
	v.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 710012003, "message": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": 0, "message": "ok"})
}
