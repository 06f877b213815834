package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Stats is a point-in-time view of the pool sizes.
type Stats struct {
	Auth   int `json:"auth"`
	Guest  int `json:"guest"`
	Sticky int `json:"sticky"`
}

// Pool holds authenticated and guest sessions plus the conversation id to
// session bindings. All methods are safe for concurrent use.
//
// Only the session lists are persisted; sticky bindings live in memory.
type Pool struct {
	mu     sync.Mutex
	path   string
	auth   []Session
	guest  []Session
	sticky map[string]Session
	log    *slog.Logger

	// onChange, when set, is called with fresh stats after every mutation.
	onChange func(Stats)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used for load/persist diagnostics.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// WithStatsHook registers fn to observe pool size changes.
func WithStatsHook(fn func(Stats)) PoolOption {
	return func(p *Pool) { p.onChange = fn }
}

// NewPool creates an empty pool persisted at path. An empty path disables
// persistence. Call Load to read existing sessions.
func NewPool(path string, opts ...PoolOption) *Pool {
	p := &Pool{
		path:   path,
		sticky: make(map[string]Session),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Load replaces the session lists with the contents of the pool file.
// A missing file is not an error: the pool stays empty and a warning is
// logged. Entries that fail to decode or lack required fields are skipped.
func (p *Pool) Load() error {
	if p.path == "" {
		return nil
	}
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		p.log.Warn("session_file_missing", slog.String("path", p.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: read %s: %w", p.path, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("session: decode %s: %w", p.path, err)
	}

	var auth, guest []Session
	for i, e := range entries {
		var s Session
		if err := json.Unmarshal(e, &s); err != nil {
			p.log.Warn("session_entry_skipped", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		if !s.Valid() {
			p.log.Warn("session_entry_skipped", slog.Int("index", i), slog.String("error", "missing cookie, device_id or web_id"))
			continue
		}
		if s.Guest {
			guest = append(guest, s)
		} else {
			auth = append(auth, s)
		}
	}

	p.mu.Lock()
	p.auth, p.guest = auth, guest
	st := p.statsLocked()
	p.mu.Unlock()

	p.log.Info("session_pool_loaded",
		slog.String("path", p.path),
		slog.Int("auth", st.Auth),
		slog.Int("guest", st.Guest),
	)
	p.notify(st)
	return nil
}

// Save writes every session to the pool file.
func (p *Pool) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

// Add appends s to its group and persists the pool.
func (p *Pool) Add(s Session) error {
	p.mu.Lock()
	if s.Guest {
		p.guest = append(p.guest, s)
	} else {
		p.auth = append(p.auth, s)
	}
	err := p.saveLocked()
	st := p.statsLocked()
	p.mu.Unlock()

	p.notify(st)
	return err
}

// Get returns the session bound to conversationID when it is non-empty,
// otherwise a uniformly random session from the guest or authenticated group.
func (p *Pool) Get(conversationID string, guest bool) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conversationID != "" {
		s, ok := p.sticky[conversationID]
		if !ok {
			return Session{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return s, nil
	}

	group := p.auth
	if guest {
		group = p.guest
	}
	if len(group) == 0 {
		return Session{}, ErrNotFound
	}
	return group[rand.IntN(len(group))], nil
}

// Bind associates conversationID with s, replacing any previous binding.
func (p *Pool) Bind(conversationID string, s Session) {
	if conversationID == "" {
		return
	}
	p.mu.Lock()
	p.sticky[conversationID] = s
	st := p.statsLocked()
	p.mu.Unlock()
	p.notify(st)
}

// Unbind drops the binding for conversationID.
func (p *Pool) Unbind(conversationID string) {
	p.mu.Lock()
	delete(p.sticky, conversationID)
	st := p.statsLocked()
	p.mu.Unlock()
	p.notify(st)
}

// Evict removes s from its group, drops every binding that points at it and
// persists the pool. Evicting an absent session only clears bindings.
func (p *Pool) Evict(s Session) error {
	p.mu.Lock()
	before := len(p.auth) + len(p.guest)
	p.auth = slices.DeleteFunc(p.auth, func(x Session) bool { return x == s })
	p.guest = slices.DeleteFunc(p.guest, func(x Session) bool { return x == s })
	removed := before - len(p.auth) - len(p.guest)

	for id, bound := range p.sticky {
		if bound == s {
			delete(p.sticky, id)
		}
	}

	var err error
	if removed > 0 {
		err = p.saveLocked()
	}
	st := p.statsLocked()
	p.mu.Unlock()

	if removed > 0 {
		p.log.Warn("session_evicted", slog.String("session", s.Redacted()))
	}
	p.notify(st)
	return err
}

// Stats returns current pool sizes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{Auth: len(p.auth), Guest: len(p.guest), Sticky: len(p.sticky)}
}

func (p *Pool) notify(st Stats) {
	if p.onChange != nil {
		p.onChange(st)
	}
}

// saveLocked rewrites the pool file through a temp file and rename so a
// crash never leaves a truncated file behind. Callers hold p.mu.
func (p *Pool) saveLocked() error {
	if p.path == "" {
		return nil
	}
	all := make([]Session, 0, len(p.auth)+len(p.guest))
	all = append(all, p.auth...)
	all = append(all, p.guest...)

	data, err := json.MarshalIndent(all, "", "    ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: persist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	return nil
}
