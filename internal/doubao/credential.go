package doubao

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/freechat-gateway/internal/cache"
	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

const credentialKeyPrefix = "cred:"

// sessionOnlyKeys are the cookies a bare sessionid credential may carry.
var sessionOnlyKeys = map[string]bool{"sessionid": true, "sessionid_ss": true, "msToken": true}

// Credentials turns client-supplied credentials (a bare sessionid or a raw
// cookie header) into full session material. Derived material is cached by
// credential hash so repeated requests do not re-derive it.
type Credentials struct {
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// NewCredentials returns a Credentials backed by c. A nil cache derives on
// every call.
func NewCredentials(c cache.Cache, ttl time.Duration, log *slog.Logger) *Credentials {
	if log == nil {
		log = slog.Default()
	}
	return &Credentials{cache: c, ttl: ttl, log: log, now: time.Now}
}

// Resolve returns the session for credential.
func (c *Credentials) Resolve(ctx context.Context, credential string) (session.Session, error) {
	credential = strings.TrimSpace(credential)
	key := credentialKey(credential)

	if c.cache != nil {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var s session.Session
			if err := json.Unmarshal(raw, &s); err == nil && s.Valid() {
				return s, nil
			}
		}
	}

	s := DeriveSession(credential, c.now())
	if c.cache != nil {
		raw, err := json.Marshal(s)
		if err == nil {
			if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
				c.log.WarnContext(ctx, "credential_cache_set_failed", slog.String("error", err.Error()))
			}
		}
	}
	return s, nil
}

// Invalidate drops cached material for credential, e.g. after a 401.
func (c *Credentials) Invalidate(ctx context.Context, credential string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, credentialKey(strings.TrimSpace(credential))); err != nil {
		c.log.WarnContext(ctx, "credential_cache_delete_failed", slog.String("error", err.Error()))
	}
}

func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return credentialKeyPrefix + hex.EncodeToString(sum[:])
}

// DeriveSession builds session material from a sessionid or cookie header.
// A cookie that carries more than the session keys is used as is; otherwise
// a browser-like cookie is synthesised around the sessionid. Device and web
// ids are stable hashes of the sessionid.
func DeriveSession(credential string, now time.Time) session.Session {
	sid := credential
	cookie := ""
	if strings.Contains(credential, "=") {
		cookie = credential
		sid = cookieValue(credential, "sessionid")
		if sid == "" {
			sid = credential
		}
	}

	if cookie == "" || sessionOnly(cookie) {
		ms := cookieValue(cookie, "msToken")
		if ms == "" {
			ms = randomToken(107)
		}
		cookie = synthesizeCookie(sid, ms, now)
	}

	webID := hashID(sid, "web")
	return session.Session{
		Cookie:     cookie,
		DeviceID:   hashID(sid, "device"),
		TeaUUID:    webID,
		WebID:      webID,
		XFlowTrace: flowTrace(),
	}
}

func sessionOnly(cookie string) bool {
	keys := cookieKeys(cookie)
	if !keys["sessionid"] {
		return false
	}
	for k := range keys {
		if !sessionOnlyKeys[k] {
			return false
		}
	}
	return true
}

func cookieKeys(cookie string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(cookie, ";") {
		k, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		if k != "" {
			out[strings.TrimSpace(k)] = true
		}
	}
	return out
}

func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == name {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// hashID maps sid+salt into the 7e18..1e19 range device ids live in.
func hashID(sid, salt string) string {
	sum := md5.Sum([]byte(sid + salt))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:15], 16, 64)
	return strconv.FormatUint(7_000_000_000_000_000_000+n%3_000_000_000_000_000_000, 10)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func synthesizeCookie(sid, msToken string, now time.Time) string {
	const maxAge = 2592000
	ts := now.Unix()
	expires := now.Add(maxAge * time.Second).UTC().Format("Mon, 02-Jan-2006 15:04:05 GMT")
	guard := sid + "%7C" + strconv.FormatInt(ts, 10) + "%7C" + strconv.Itoa(maxAge) + "%7C" +
		strings.ReplaceAll(url.QueryEscape(expires), "%20", "+")

	web := md5Hex(sid + "webid")
	csrf := md5Hex(sid + "csrf")
	uid := md5Hex(sid)
	odin := sha256.Sum256([]byte(sid + "odin"))
	ttwid := (md5Hex(sid+"ttwid1") + md5Hex(sid+"ttwid2"))[:32]

	parts := []string{
		"hook_slardar_session_id=" + sid,
		"i18next=zh",
		"passport_csrf_token=" + csrf,
		"passport_csrf_token_default=" + csrf,
		"is_staff_user=false",
		"s_v_web_id=verify_" + web[:20] + "_" + web[20:32],
		"ttcid=" + md5Hex(sid+"ttcid"),
		"odin_tt=" + hex.EncodeToString(odin[:]),
		"n_mh=" + randomToken(24),
		"sid_guard=" + guard,
		"uid_tt=" + uid,
		"uid_tt_ss=" + uid,
		"sid_tt=" + sid,
		"sessionid=" + sid,
		"sessionid_ss=" + sid,
		"session_tlb_tag=" + randomToken(64),
		"sid_ucp_v1=1.0.0-" + randomToken(64),
		"ssid_ucp_v1=1.0.0-" + randomToken(64),
		"ttwid=" + ttwid,
		"passport_fe_beating_status=true",
		"msToken=" + msToken,
	}
	return strings.Join(parts, "; ")
}

// flowTrace returns a W3C-style trace header value.
func flowTrace() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "04-" + a + "-" + b[:16] + "-01"
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}
