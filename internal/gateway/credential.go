package gateway

import (
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

// Rotator orders a service's credentials for each call and remembers the
// ones upstream rejected for a cooldown.
type Rotator struct {
	cooldown time.Duration
	now      func() time.Time
	shuffle  func(n int, swap func(i, j int))

	mu      sync.Mutex
	evicted map[string]time.Time
}

func NewRotator(cooldown time.Duration) *Rotator {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Rotator{
		cooldown: cooldown,
		now:      time.Now,
		shuffle:  rand.Shuffle,
		evicted:  make(map[string]time.Time),
	}
}

// Candidates returns the credentials to try, in order: the live ones in
// random order, or every credential in random order when all are benched.
func (r *Rotator) Candidates(service string, ts TokenSet) []Credential {
	creds := ts.Credentials()
	if len(creds) == 0 {
		return nil
	}

	now := r.now()
	live := make([]Credential, 0, len(creds))

	r.mu.Lock()
	for _, c := range creds {
		key := evictionKey(service, c)
		if until, ok := r.evicted[key]; ok {
			if now.Before(until) {
				continue
			}
			delete(r.evicted, key)
		}
		live = append(live, c)
	}
	r.mu.Unlock()

	if len(live) == 0 {
		live = append(live, creds...)
	}
	r.shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	return live
}

// Evict benches c for the cooldown.
func (r *Rotator) Evict(service string, c Credential) {
	r.mu.Lock()
	r.evicted[evictionKey(service, c)] = r.now().Add(r.cooldown)
	r.mu.Unlock()
}

// Evicted counts credentials currently benched for service.
func (r *Rotator) Evicted(service string) int {
	prefix := service + "\x00"
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, until := range r.evicted {
		if strings.HasPrefix(k, prefix) && now.Before(until) {
			n++
		}
	}
	return n
}

func evictionKey(service string, c Credential) string {
	return service + "\x00" + c.Value()
}

// AuthorizationValue formats token for service. baidu accepts a raw cookie
// string or JSON blob; every other service takes a bearer token.
func AuthorizationValue(service, token string) string {
	if service == "baidu" && (strings.HasPrefix(strings.TrimSpace(token), "{") || strings.Contains(token, "BDUSS")) {
		return token
	}
	return "Bearer " + token
}

// authorize sets the Authorization header for c. An empty credential leaves
// the request unauthenticated.
func authorize(h http.Header, service string, c Credential) {
	if v := c.Value(); v != "" {
		h.Set("Authorization", AuthorizationValue(service, v))
	}
}

// mergeFields writes the companion fields of c into a JSON body. Fields are
// applied in key order so the output is stable.
func mergeFields(body []byte, c Credential) ([]byte, error) {
	if len(c.Fields) == 0 {
		return body, nil
	}
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var err error
	for _, k := range keys {
		body, err = sjson.SetRawBytes(body, escapePath(k), c.Fields[k])
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// escapePath quotes sjson path metacharacters so a field name is set
// literally.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
