// Package gateway routes OpenAI-style requests to per-vendor adapter services
// by model name, rotates their credentials and relays the replies.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Credential is one entry of a service's token config. Object entries carry
// companion fields that are merged into the outgoing request body.
type Credential struct {
	Token   string
	HyToken string
	Fields  map[string]json.RawMessage
}

// Value is the string sent in the Authorization header.
func (c Credential) Value() string {
	if c.HyToken != "" {
		return c.HyToken
	}
	return c.Token
}

// TokenSet is a service's token config: a bare string or a list of strings
// and credential objects. The original JSON is kept so the config
// round-trips unchanged.
type TokenSet struct {
	creds []Credential
	raw   json.RawMessage
}

// NewTokenSet builds a list-shaped set from bare tokens.
func NewTokenSet(tokens ...string) TokenSet {
	raw, _ := json.Marshal(tokens)
	var ts TokenSet
	_ = ts.UnmarshalJSON(raw)
	return ts
}

// Credentials returns the usable entries in config order.
func (t TokenSet) Credentials() []Credential { return t.creds }

// Len counts usable entries.
func (t TokenSet) Len() int { return len(t.creds) }

func (t TokenSet) IsZero() bool { return len(t.raw) == 0 }

func (t TokenSet) MarshalJSON() ([]byte, error) {
	if len(t.raw) == 0 {
		return []byte("null"), nil
	}
	return t.raw, nil
}

func (t *TokenSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*t = TokenSet{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	t.raw = append(json.RawMessage(nil), data...)

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("gateway: token: %w", err)
		}
		if strings.TrimSpace(s) != "" {
			t.creds = []Credential{{Token: s}}
		}
		return nil
	case '{':
		c, err := parseCredentialObject(data)
		if err != nil {
			return err
		}
		if c.Value() != "" {
			t.creds = []Credential{c}
		}
		return nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("gateway: token: %w", err)
		}
		for _, item := range items {
			item = bytes.TrimSpace(item)
			switch {
			case len(item) > 0 && item[0] == '"':
				var s string
				if err := json.Unmarshal(item, &s); err != nil {
					return fmt.Errorf("gateway: token: %w", err)
				}
				if strings.TrimSpace(s) != "" {
					t.creds = append(t.creds, Credential{Token: s})
				}
			case len(item) > 0 && item[0] == '{':
				c, err := parseCredentialObject(item)
				if err != nil {
					return err
				}
				if c.Value() != "" {
					t.creds = append(t.creds, c)
				}
			default:
				return fmt.Errorf("gateway: token list entries must be strings or objects, got %s", item)
			}
		}
		return nil
	default:
		return fmt.Errorf("gateway: token must be a string or a list, got %s", data)
	}
}

func parseCredentialObject(data []byte) (Credential, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Credential{}, fmt.Errorf("gateway: token object: %w", err)
	}
	var c Credential
	for k, v := range obj {
		switch k {
		case "token":
			_ = json.Unmarshal(v, &c.Token)
		case "hy_token":
			_ = json.Unmarshal(v, &c.HyToken)
		default:
			if c.Fields == nil {
				c.Fields = make(map[string]json.RawMessage)
			}
			c.Fields[k] = v
		}
	}
	return c, nil
}

// Masked renders the token config with secrets shortened for display.
func (t TokenSet) Masked() any {
	if len(t.raw) == 0 {
		return nil
	}
	switch t.raw[0] {
	case '"':
		var s string
		_ = json.Unmarshal(t.raw, &s)
		if s == "" {
			return ""
		}
		return maskSecret(s)
	case '[':
		var items []json.RawMessage
		_ = json.Unmarshal(t.raw, &items)
		out := make([]string, 0, len(items))
		for _, item := range items {
			var s string
			if json.Unmarshal(item, &s) == nil {
				out = append(out, maskSecret(s))
				continue
			}
			out = append(out, "***")
		}
		return out
	default:
		return "***"
	}
}

func maskSecret(s string) string {
	if len(s) > 10 {
		return s[:5] + "..." + s[len(s)-5:]
	}
	return "***"
}

// ServiceConfig describes one adapter service. A nil Models means the key
// was absent, which matters when merging with the defaults.
type ServiceConfig struct {
	URL    string   `json:"url"`
	Models []string `json:"models,omitempty"`
	Token  TokenSet `json:"token,omitzero"`
}

// Services maps service keys to their config.
type Services map[string]ServiceConfig

// Keys returns the service keys sorted, the iteration order for routing.
func (s Services) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Merge overlays user on def: user keys win, default-only keys are added,
// and a default model list is unioned into the user's list.
func Merge(user, def Services) Services {
	out := make(Services, len(user)+len(def))
	for k, v := range user {
		v.Models = slices.Clone(v.Models)
		out[k] = v
	}
	for k, d := range def {
		u, ok := out[k]
		if !ok {
			d.Models = slices.Clone(d.Models)
			out[k] = d
			continue
		}
		if d.Models == nil {
			continue
		}
		if u.Models == nil {
			u.Models = slices.Clone(d.Models)
		} else {
			for _, m := range d.Models {
				if !slices.Contains(u.Models, m) {
					u.Models = append(u.Models, m)
				}
			}
		}
		out[k] = u
	}
	return out
}

// MaskedView renders services for display with secrets shortened.
func (s Services) MaskedView() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		entry := map[string]any{"url": v.URL}
		if v.Models != nil {
			entry["models"] = v.Models
		}
		if !v.Token.IsZero() {
			entry["token"] = v.Token.Masked()
		}
		out[k] = entry
	}
	return out
}

// Store holds the merged service config. The user file is read-write, the
// default file read-only; Save replaces the user file and reloads.
type Store struct {
	userPath    string
	defaultPath string
	log         *slog.Logger

	mu       sync.RWMutex
	services Services
}

func NewStore(userPath, defaultPath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{userPath: userPath, defaultPath: defaultPath, log: log, services: Services{}}
}

// Load reads and merges both files. A missing user file is created from the
// defaults; an unreadable user file falls back to the defaults.
func (s *Store) Load() error {
	def, defRaw, err := readServices(s.defaultPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("gateway_default_config_invalid",
			slog.String("path", s.defaultPath),
			slog.String("error", err.Error()),
		)
		def, defRaw = nil, nil
	}

	user, _, err := readServices(s.userPath)
	var merged Services
	switch {
	case err == nil:
		merged = Merge(user, def)
	case errors.Is(err, os.ErrNotExist):
		merged = Merge(nil, def)
		if defRaw != nil && s.userPath != "" {
			if werr := writeAtomic(s.userPath, defRaw); werr != nil {
				s.log.Warn("gateway_config_create_failed",
					slog.String("path", s.userPath),
					slog.String("error", werr.Error()),
				)
			}
		}
	default:
		s.log.Error("gateway_config_invalid",
			slog.String("path", s.userPath),
			slog.String("error", err.Error()),
		)
		merged = Merge(nil, def)
	}

	s.mu.Lock()
	s.services = merged
	s.mu.Unlock()

	s.log.Info("gateway_config_loaded", slog.Int("services", len(merged)))
	return nil
}

// Services returns the current merged config. Callers must not mutate it.
func (s *Store) Services() Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Set replaces the in-memory config without touching the files.
func (s *Store) Set(services Services) {
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
}

// Save validates raw as a service config, writes it as the user file and
// reloads.
func (s *Store) Save(raw []byte) error {
	var parsed Services
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &BadRequestError{Message: "invalid config: " + err.Error()}
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "    "); err != nil {
		return &BadRequestError{Message: "invalid config: " + err.Error()}
	}
	if err := writeAtomic(s.userPath, pretty.Bytes()); err != nil {
		return fmt.Errorf("gateway: save config: %w", err)
	}
	return s.Load()
}

// FileStatus reports which config files exist.
func (s *Store) FileStatus() (user, def bool) {
	return fileExists(s.userPath), fileExists(s.defaultPath)
}

func readServices(path string) (Services, []byte, error) {
	if path == "" {
		return nil, nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var svcs Services
	if err := json.Unmarshal(raw, &svcs); err != nil {
		return nil, nil, fmt.Errorf("gateway: decode %s: %w", path, err)
	}
	return svcs, raw, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
