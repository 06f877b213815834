package doubao

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// Client talks to the upstream web API. Timeouts come from the caller's
// context so long chat streams and short control calls share one client.
type Client struct {
	builder  *Builder
	endpoint Endpoint
	http     *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at another host, e.g. a local mock.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.builder.BaseURL = strings.TrimRight(url, "/") }
}

// WithEndpoint selects the chat endpoint and with it the protocol.
func WithEndpoint(e Endpoint) Option {
	return func(c *Client) { c.endpoint = e }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a Client for the block protocol at DefaultBaseURL.
func NewClient(opts ...Option) *Client {
	c := &Client{
		builder:  NewBuilder(""),
		endpoint: EndpointCompletion,
		http:     &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Endpoint returns the configured chat endpoint.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Open sends req and returns the event stream body. The caller closes it;
// cancelling ctx aborts the read.
func (c *Client) Open(ctx context.Context, req ChatRequest, s session.Session) (io.ReadCloser, error) {
	ur, err := c.builder.Build(c.endpoint, req, s)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, ur)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp.Body, nil
}

// Delete removes conversationID upstream.
func (c *Client) Delete(ctx context.Context, conversationID string, s session.Session) error {
	ur, err := c.builder.BuildDelete(conversationID, s)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, ur)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, ur *UpstreamRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, ur.Method, ur.URL, bytes.NewReader(ur.Body))
	if err != nil {
		return nil, fmt.Errorf("doubao: %w", err)
	}
	httpReq.Header = ur.Header.Clone()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("doubao: %w", err)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if bytes.Contains(body, []byte(quotaMarker)) {
		return &QuotaExceededError{}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
}
