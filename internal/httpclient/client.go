// Package httpclient is the net/http implementation of dispatch.Doer.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

const maxDrain = 64 << 10

// Config tunes the transports. Zero values get defaults.
type Config struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	MaxConnsPerHost     int
	DisableKeepAlives   bool
	DisableHTTP2        bool
	InsecureSkipVerify  bool
	FollowRedirects     bool
}

// Client keeps one transport per proxy URL so connections to the same exit are
// reused across tasks. The zero-proxy transport honors the environment proxy.
type Client struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	direct *http.Client
	byURL  map[string]*http.Client
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log, byURL: make(map[string]*http.Client)}
	c.direct = c.newHTTPClient(http.ProxyFromEnvironment)
	return c
}

func (c *Client) newHTTPClient(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	keepAlive := 30 * time.Second
	if c.cfg.DisableKeepAlives {
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: keepAlive}
	tr := &http.Transport{
		Proxy:                 proxy,
		DialContext:           d.DialContext,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   c.cfg.MaxConnsPerHost,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   c.cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     c.cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !c.cfg.DisableHTTP2,
	}
	if c.cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if c.cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}
	hc := &http.Client{Transport: tr}
	if !c.cfg.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return hc
}

func (c *Client) clientFor(p *dispatch.Proxy) (*http.Client, error) {
	if p == nil || p.URL == "" {
		return c.direct, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.byURL[p.URL]; ok {
		return hc, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", p.ID, err)
	}
	hc := c.newHTTPClient(http.ProxyURL(u))
	c.byURL[p.URL] = hc
	c.log.Debug("httpclient.transport_created", logx.String("proxy", p.ID))
	return hc, nil
}

// Do fires a GET. Any response, whatever its status, is returned without
// error; only transport-level failures produce one.
func (c *Client) Do(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	hc, err := c.clientFor(req.Proxy)
	if err != nil {
		return dispatch.Response{}, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return dispatch.Response{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(hr)
	if err != nil {
		return dispatch.Response{}, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
	return dispatch.Response{StatusCode: resp.StatusCode}, nil
}

// CloseIdleConnections releases pooled connections on every transport.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	clients := make([]*http.Client, 0, len(c.byURL)+1)
	clients = append(clients, c.direct)
	for _, hc := range c.byURL {
		clients = append(clients, hc)
	}
	c.mu.Unlock()
	for _, hc := range clients {
		hc.CloseIdleConnections()
	}
}

// Transports reports how many per-proxy transports are cached.
func (c *Client) Transports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byURL)
}
