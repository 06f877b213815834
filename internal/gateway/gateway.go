package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UserAgent is sent on every upstream call; some adapters reject unknown
// clients.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Observer receives gateway events for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveUpstreamAttempt(service, route, outcome string, d time.Duration)
	ObserveCredentialEviction(service string)
	SetCircuitBreaker(service string, state int64)
	RecordCircuitBreakerRejection(service, state string)
	SetServiceHealth(service string, ok bool)
}

type nopObserver struct{}

func (nopObserver) ObserveUpstreamAttempt(string, string, string, time.Duration) {}
func (nopObserver) ObserveCredentialEviction(string)                             {}
func (nopObserver) SetCircuitBreaker(string, int64)                              {}
func (nopObserver) RecordCircuitBreakerRejection(string, string)                 {}
func (nopObserver) SetServiceHealth(string, bool)                                {}

// Options configures a Gateway. Zero durations take the defaults.
type Options struct {
	ChatTimeout  time.Duration
	MediaTimeout time.Duration
	ProbeTimeout time.Duration
	Cooldown     time.Duration
	MediaOnly    *MediaOnly
	Breaker      CBConfig
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Observer     Observer
}

// Gateway forwards requests to the adapter service that owns the model.
type Gateway struct {
	store *Store
	rot   *Rotator
	cb    *CircuitBreaker
	http  *http.Client
	opts  Options
	log   *slog.Logger
	obs   Observer

	health *healthBoard
}

func New(store *Store, opts Options) *Gateway {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 120 * time.Second
	}
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = 1800 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var obs Observer = nopObserver{}
	if opts.Observer != nil {
		obs = opts.Observer
	}
	return &Gateway{
		store:  store,
		rot:    NewRotator(opts.Cooldown),
		cb:     NewCircuitBreaker(opts.Breaker),
		http:   hc,
		opts:   opts,
		log:    log,
		obs:    obs,
		health: newHealthBoard(),
	}
}

func (g *Gateway) Store() *Store { return g.store }

// Response is an upstream reply whose body has not been read yet. Close
// must be called once the body is consumed.
type Response struct {
	Service     string
	StatusCode  int
	ContentType string
	Stream      bool
	Body        io.ReadCloser

	cancel context.CancelFunc
}

func (r *Response) Close() error {
	err := r.Body.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// call is one request to forward, before a credential is picked.
type call struct {
	service     string
	cfg         ServiceConfig
	route       string
	method      string
	path        string
	contentType string
	body        []byte
	mergeJSON   bool
	stream      bool
	timeout     time.Duration
}

var errNoURL = errors.New("no upstream url configured")

// forward sends c with each candidate credential in turn. A 401 or 403
// benches the credential and moves on while candidates remain; the last
// candidate's reply is returned whatever its status.
func (g *Gateway) forward(ctx context.Context, c call) (*Response, error) {
	if c.cfg.URL == "" {
		return nil, &UpstreamStatusError{Service: c.service, Err: errNoURL}
	}
	if !g.cb.Allow(c.service) {
		g.obs.RecordCircuitBreakerRejection(c.service, g.cb.StateLabel(c.service))
		return nil, &BreakerOpenError{Service: c.service}
	}

	creds := g.rot.Candidates(c.service, c.cfg.Token)
	if len(creds) == 0 {
		g.log.WarnContext(ctx, "gateway_no_token",
			slog.String("service", c.service),
		)
		creds = []Credential{{}}
	}

	for i, cred := range creds {
		body := c.body
		if c.mergeJSON {
			merged, err := mergeFields(body, cred)
			if err != nil {
				g.cb.RecordSuccess(c.service)
				return nil, &BadRequestError{Message: "invalid request body: " + err.Error()}
			}
			body = merged
		}

		start := time.Now()
		resp, err := g.attempt(ctx, c, cred, body)
		if err != nil {
			g.obs.ObserveUpstreamAttempt(c.service, c.route, "error", time.Since(start))
			g.recordOutcome(c.service, false)
			g.log.ErrorContext(ctx, "upstream_error",
				slog.String("service", c.service),
				slog.String("route", c.route),
				slog.String("error", err.Error()),
			)
			return nil, &UpstreamStatusError{Service: c.service, Err: err}
		}
		g.obs.ObserveUpstreamAttempt(c.service, c.route, statusOutcome(resp.StatusCode), time.Since(start))

		rejected := resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
		if rejected && cred.Value() != "" {
			g.rot.Evict(c.service, cred)
			g.obs.ObserveCredentialEviction(c.service)
			g.log.WarnContext(ctx, "credential_evicted",
				slog.String("service", c.service),
				slog.Int("status", resp.StatusCode),
				slog.Int("remaining", len(creds)-i-1),
			)
			if i < len(creds)-1 {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
				resp.Close()
				continue
			}
		}

		g.recordOutcome(c.service, resp.StatusCode < http.StatusInternalServerError)
		return resp, nil
	}
	// unreachable: the loop always returns on its last candidate
	return nil, &UpstreamStatusError{Service: c.service, StatusCode: http.StatusBadGateway}
}

func (g *Gateway) attempt(ctx context.Context, c call, cred Credential, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	var rd io.Reader
	if c.method != http.MethodGet {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, strings.TrimRight(c.cfg.URL, "/")+c.path, rd)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	authorize(req.Header, c.service, cred)

	resp, err := g.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Response{
		Service:     c.service,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Stream:      c.stream,
		Body:        resp.Body,
		cancel:      cancel,
	}, nil
}

func (g *Gateway) recordOutcome(service string, ok bool) {
	if ok {
		g.cb.RecordSuccess(service)
	} else {
		g.cb.RecordFailure(service)
	}
	g.obs.SetCircuitBreaker(service, int64(g.cb.State(service)))
}

func statusOutcome(code int) string {
	switch {
	case code < 300:
		return "ok"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "unauthorized"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

// qwenDropped are request fields the qwen adapter rejects.
var qwenDropped = []string{"stream_options", "response_format", "tools", "tool_choice", "functions", "function_call"}

// Chat forwards an OpenAI chat completion body to the service owning its
// model. Resp.Stream reports whether the client asked for a stream.
func (g *Gateway) Chat(ctx context.Context, body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, &BadRequestError{Message: "Invalid JSON body"}
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return nil, &BadRequestError{Message: "Model is required"}
	}

	key, svc, err := Resolve(g.store.Services(), model)
	if err != nil {
		return nil, err
	}
	if g.opts.MediaOnly.Matches(key) {
		return nil, &BadRequestError{Message: mediaOnlyMessage(key)}
	}
	if key == "qwen" {
		if body, err = stripQwen(body); err != nil {
			return nil, &BadRequestError{Message: "Invalid JSON body"}
		}
	}

	g.log.InfoContext(ctx, "gateway_route",
		slog.String("model", model),
		slog.String("service", key),
		slog.Int("tokens", svc.Token.Len()),
	)

	return g.forward(ctx, call{
		service:     key,
		cfg:         svc,
		route:       "chat",
		method:      http.MethodPost,
		path:        "/v1/chat/completions",
		contentType: "application/json",
		body:        body,
		mergeJSON:   true,
		stream:      gjson.GetBytes(body, "stream").Bool(),
		timeout:     g.opts.ChatTimeout,
	})
}

func mediaOnlyMessage(key string) string {
	name := key
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + " is an image/video service. Use /v1/images/generations or /v1/videos/generations."
}

func stripQwen(body []byte) ([]byte, error) {
	var err error
	for _, k := range []string{"max_tokens", "max_completion_tokens"} {
		v := gjson.GetBytes(body, k)
		if v.Type == gjson.Number && v.Num == float64(int64(v.Num)) && v.Int() <= 0 {
			if body, err = sjson.DeleteBytes(body, k); err != nil {
				return nil, err
			}
		}
	}
	for _, k := range qwenDropped {
		if !gjson.GetBytes(body, k).Exists() {
			continue
		}
		if body, err = sjson.DeleteBytes(body, k); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// MediaRoute describes one media endpoint.
type MediaRoute struct {
	Name string
	Path string
	// JSONOnly routes reject non-JSON bodies.
	JSONOnly bool
	// DefaultModel is set on JSON bodies without a model when the fallback
	// service takes the call.
	DefaultModel string
}

const mediaFallback = "jimeng"

var (
	ImageGenerations  = MediaRoute{Name: "images_generations", Path: "/v1/images/generations", JSONOnly: true, DefaultModel: "jimeng-4.5"}
	ImageCompositions = MediaRoute{Name: "images_compositions", Path: "/v1/images/compositions"}
	VideoGenerations  = MediaRoute{Name: "videos_generations", Path: "/v1/videos/generations"}
)

// Media forwards an image or video request. JSON bodies are routed by
// model; anything else (multipart uploads) goes to the fallback service
// untouched.
func (g *Gateway) Media(ctx context.Context, route MediaRoute, contentType string, body []byte) (*Response, error) {
	isJSON := strings.Contains(strings.ToLower(contentType), "application/json")
	if route.JSONOnly {
		isJSON = true
	}

	services := g.store.Services()
	var (
		key   string
		svc   ServiceConfig
		model string
	)
	if isJSON {
		if !gjson.ValidBytes(body) {
			return nil, &BadRequestError{Message: "Invalid JSON body"}
		}
		root := gjson.ParseBytes(body)
		if route.JSONOnly && !root.IsObject() {
			return nil, &BadRequestError{Message: "Invalid JSON body"}
		}
		model = root.Get("model").String()
		if model != "" {
			if k, s, err := Resolve(services, model); err == nil {
				key, svc = k, s
			}
		}
	}

	if key == "" {
		fb, ok := services[mediaFallback]
		if !ok {
			if route.JSONOnly {
				return nil, &ServiceNotFoundError{Model: model}
			}
			return nil, &ServiceNotFoundError{Message: "Jimeng service not configured"}
		}
		key, svc = mediaFallback, fb
		if model == "" && route.DefaultModel != "" && isJSON {
			var err error
			if body, err = sjson.SetBytes(body, "model", route.DefaultModel); err != nil {
				return nil, &BadRequestError{Message: "Invalid JSON body"}
			}
			model = route.DefaultModel
		}
	}

	ct := contentType
	if route.JSONOnly || ct == "" {
		if isJSON {
			ct = "application/json"
		} else {
			ct = "application/octet-stream"
		}
	}

	g.log.InfoContext(ctx, "gateway_route",
		slog.String("route", route.Name),
		slog.String("model", model),
		slog.String("service", key),
	)

	return g.forward(ctx, call{
		service:     key,
		cfg:         svc,
		route:       route.Name,
		method:      http.MethodPost,
		path:        route.Path,
		contentType: ct,
		body:        body,
		mergeJSON:   isJSON,
		timeout:     g.opts.MediaTimeout,
	})
}

// taskServices are tried in order for task polling.
var taskServices = []string{"sora", mediaFallback}

// Task polls a video generation task.
func (g *Gateway) Task(ctx context.Context, id string) (*Response, error) {
	if id == "" {
		return nil, &BadRequestError{Message: "task id is required"}
	}
	services := g.store.Services()
	for _, key := range taskServices {
		svc, ok := services[key]
		if !ok {
			continue
		}
		return g.forward(ctx, call{
			service: key,
			cfg:     svc,
			route:   "videos_tasks",
			method:  http.MethodGet,
			path:    "/v1/videos/tasks/" + url.PathEscape(id),
			timeout: g.opts.ChatTimeout,
		})
	}
	return nil, &ServiceNotFoundError{Message: "No video task service configured"}
}
