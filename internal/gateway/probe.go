package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"
)

const (
	probeAgentTest    = "Gateway-Test/1.0"
	probeAgentMonitor = "Gateway-Monitor/1.0"

	defaultProbeModel = "gpt-3.5-turbo"
	tokenCheckPath    = "/token/check"
	maxProbeText      = 200
)

// ProbeResult is the outcome of one service check.
type ProbeResult struct {
	Status    string `json:"status"`
	Code      int    `json:"code"`
	URL       string `json:"url"`
	Model     string `json:"model,omitempty"`
	Probe     string `json:"probe,omitempty"`
	Message   string `json:"message"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at"`
}

func (r ProbeResult) OK() bool { return r.Status == "success" }

func checkedAt() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Probe checks that service answers and accepts its first credential.
// Chat services get a one-token completion. Media-only services and the
// media fallback cannot answer chat, so they get a token check.
func (g *Gateway) Probe(ctx context.Context, key string, svc ServiceConfig, timeout time.Duration, agent string) ProbeResult {
	if timeout <= 0 {
		timeout = g.opts.ProbeTimeout
	}
	start := time.Now()
	finish := func(r ProbeResult) ProbeResult {
		r.URL = svc.URL
		r.LatencyMS = time.Since(start).Milliseconds()
		r.CheckedAt = checkedAt()
		return r
	}
	if svc.URL == "" {
		return finish(ProbeResult{Status: "error", Message: "No upstream url configured"})
	}

	var cred Credential
	if creds := svc.Token.Credentials(); len(creds) > 0 {
		cred = creds[0]
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if key == mediaFallback || g.opts.MediaOnly.Matches(key) {
		return finish(g.probeTokenCheck(ctx, svc.URL, cred, agent))
	}
	return finish(g.probeChat(ctx, key, svc, cred, agent))
}

func (g *Gateway) probeChat(ctx context.Context, key string, svc ServiceConfig, cred Credential, agent string) ProbeResult {
	model := defaultProbeModel
	if len(svc.Models) > 0 {
		model = svc.Models[0]
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(svc.URL, "/") + "/v1/"),
		option.WithHTTPClient(g.http),
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", agent),
		option.WithJSONSet("stream", false),
	}
	if v := cred.Value(); v != "" {
		opts = append(opts, option.WithHeader("Authorization", AuthorizationValue(key, v)))
	} else {
		opts = append(opts, option.WithHeaderDel("Authorization"))
	}
	for k, raw := range cred.Fields {
		opts = append(opts, option.WithJSONSet(escapePath(k), raw))
	}

	var httpResp *http.Response
	client := openai.NewClient(opts...)
	_, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("Hi")},
		MaxTokens: openai.Int(1),
	}, option.WithResponseInto(&httpResp))

	res := ProbeResult{Model: model}
	var apiErr *openai.Error
	switch {
	case err == nil, httpResp != nil && httpResp.StatusCode == http.StatusOK:
		res.Status = "success"
		res.Code = http.StatusOK
		res.Message = "Auth Valid! (Chat Check Passed)"
	case errors.As(err, &apiErr):
		res.Status = "error"
		res.Code = apiErr.StatusCode
		res.Message = httpMessage(apiErr.StatusCode, apiErr.RawJSON())
	case httpResp != nil:
		res.Status = "error"
		res.Code = httpResp.StatusCode
		res.Message = httpMessage(httpResp.StatusCode, "")
	default:
		res.Status = "error"
		res.Message = "Connection Error: " + err.Error()
	}
	return res
}

func (g *Gateway) probeTokenCheck(ctx context.Context, base string, cred Credential, agent string) ProbeResult {
	res := ProbeResult{Probe: tokenCheckPath, Status: "error"}

	token := cred.Token
	if token == "" {
		token = cred.HyToken
	}
	if token == "" {
		res.Message = "No token configured"
		return res
	}

	payload, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+tokenCheckPath, bytes.NewReader(payload))
	if err != nil {
		res.Message = "Connection Error: " + err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", agent)

	resp, err := g.http.Do(req)
	if err != nil {
		res.Message = "Connection Error: " + err.Error()
		return res
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	res.Code = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		res.Message = httpMessage(resp.StatusCode, string(body))
		return res
	}

	var out struct {
		Live *bool `json:"live"`
	}
	_ = json.Unmarshal(body, &out)
	switch {
	case out.Live != nil && *out.Live:
		res.Status = "success"
		res.Message = "Token live"
	case out.Live != nil:
		res.Message = "Token not live"
	default:
		res.Message = "Unexpected response: " + truncate(string(body), maxProbeText, "")
	}
	return res
}

func httpMessage(code int, text string) string {
	text = truncate(text, maxProbeText, "...")
	if text == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, text)
}

func truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + suffix
}

// Test probes one configured service with its first credential.
func (g *Gateway) Test(ctx context.Context, key string) (ProbeResult, error) {
	svc, ok := g.store.Services()[key]
	if !ok {
		return ProbeResult{}, &ServiceNotFoundError{Message: "Service not found"}
	}
	res := g.Probe(ctx, key, svc, g.opts.ProbeTimeout, probeAgentTest)
	g.health.set(key, res)
	g.obs.SetServiceHealth(key, res.OK())
	return res, nil
}

// MonitorSummary counts probe outcomes.
type MonitorSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Fail  int `json:"fail"`
}

type MonitorReport struct {
	CheckedAt string                 `json:"checked_at"`
	Timeout   float64                `json:"timeout"`
	Summary   MonitorSummary         `json:"summary"`
	Results   map[string]ProbeResult `json:"results"`
}

const monitorConcurrency = 8

// Monitor probes every configured service in parallel.
func (g *Gateway) Monitor(ctx context.Context, timeout time.Duration) MonitorReport {
	if timeout <= 0 {
		timeout = g.opts.ProbeTimeout
	}
	services := g.store.Services()
	report := MonitorReport{
		CheckedAt: checkedAt(),
		Timeout:   timeout.Seconds(),
		Results:   make(map[string]ProbeResult, len(services)),
	}

	var (
		mu  sync.Mutex
		eg  errgroup.Group
		res = report.Results
	)
	eg.SetLimit(monitorConcurrency)
	for key, svc := range services {
		eg.Go(func() error {
			r := g.Probe(ctx, key, svc, timeout, probeAgentMonitor)
			mu.Lock()
			res[key] = r
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for key, r := range res {
		g.health.set(key, r)
		g.obs.SetServiceHealth(key, r.OK())
		if r.OK() {
			report.Summary.OK++
		}
	}
	report.Summary.Total = len(res)
	report.Summary.Fail = report.Summary.Total - report.Summary.OK
	return report
}

// RunHealthLoop probes all services every interval until ctx is done.
func (g *Gateway) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep := g.Monitor(ctx, g.opts.ProbeTimeout)
			g.log.Info("gateway_health_check",
				slog.Int("total", rep.Summary.Total),
				slog.Int("ok", rep.Summary.OK),
				slog.Int("fail", rep.Summary.Fail),
			)
		}
	}
}

// Health returns the last probe result per service.
func (g *Gateway) Health() map[string]ProbeResult { return g.health.snapshot() }

type healthBoard struct {
	mu      sync.RWMutex
	results map[string]ProbeResult
}

func newHealthBoard() *healthBoard {
	return &healthBoard{results: make(map[string]ProbeResult)}
}

func (h *healthBoard) set(key string, r ProbeResult) {
	h.mu.Lock()
	h.results[key] = r
	h.mu.Unlock()
}

func (h *healthBoard) snapshot() map[string]ProbeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ProbeResult, len(h.results))
	for k, v := range h.results {
		out[k] = v
	}
	return out
}
