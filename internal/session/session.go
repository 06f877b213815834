// Package session manages the browser-session material used to impersonate a
// Doubao web client and the conversation stickiness that binds follow-up turns
// to the session that created the conversation.
package session

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNotFound is returned when no session can serve a request: the pool group
// is empty or a conversation id has no sticky binding.
var ErrNotFound = errors.New("session: not found")

// Session is one impersonated browser identity. It is a comparable value so
// the pool can find and evict it by equality.
type Session struct {
	Cookie     string `json:"cookie"`
	DeviceID   string `json:"device_id"`
	TeaUUID    string `json:"tea_uuid"`
	WebID      string `json:"web_id"`
	RoomID     string `json:"room_id"`
	XFlowTrace string `json:"x_flow_trace"`
	Guest      bool   `json:"guest,omitempty"`
}

// Valid reports whether the record carries the fields every request needs.
func (s Session) Valid() bool {
	return s.Cookie != "" && s.DeviceID != "" && s.WebID != ""
}

// CookieValue returns the named cookie from the raw Cookie header, or "".
func (s Session) CookieValue(name string) string {
	if s.Cookie == "" {
		return ""
	}
	c, err := http.ParseCookie(s.Cookie)
	if err == nil {
		for _, ck := range c {
			if ck.Name == name {
				return ck.Value
			}
		}
		return ""
	}
	// ParseCookie rejects the whole header on a single bad pair; fall back to
	// a lenient scan.
	for _, part := range strings.Split(s.Cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

// Fingerprint returns the s_v_web_id cookie used as the request fingerprint.
func (s Session) Fingerprint() string {
	return s.CookieValue("s_v_web_id")
}

// Redacted returns a short identifier safe for logs.
func (s Session) Redacted() string {
	id := s.DeviceID
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	if s.Guest {
		return "guest:" + id
	}
	return "auth:" + id
}
