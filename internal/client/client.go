package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("client: resource not found")
	ErrForbidden    = errors.New("client: access forbidden")
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrServerError  = errors.New("client: server error")
	ErrRangeIgnored = errors.New("client: server ignored the range request")
	ErrReadTimeout  = errors.New("client: read timed out")
)

// Options configures the HTTP client.
type Options struct {
	// HeadTimeout bounds the whole HEAD probe.
	// Default: 5s
	HeadTimeout time.Duration

	// ReadTimeout bounds a single read from a response body.
	// Default: 5s
	ReadTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options matching the engine defaults.
func DefaultOptions() Options {
	return Options{
		HeadTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
		UserAgent:   "sget",
	}
}

// Credentials are sent to the origin server as HTTP basic auth.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Proxy describes an HTTP proxy and its optional credentials.
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy as an http URL, including userinfo when set.
func (p Proxy) URL() *url.URL {
	host := p.Host
	if p.Port > 0 {
		host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Request identifies a resource and how to reach it.
type Request struct {
	URL         string
	Credentials *Credentials
	Proxy       *Proxy
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	AcceptsRanges bool
	ContentType   string
	ETag          string
}

// Response is an open body stream positioned at the requested offset.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	Partial       bool
}

// Client issues HEAD and ranged GET requests.
type Client struct {
	opts Options

	mu      sync.Mutex
	direct  *http.Client
	proxied map[string]*http.Client
}

// NewClient creates a new client with the given options.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.HeadTimeout <= 0 {
		opts.HeadTimeout = defaults.HeadTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	return &Client{
		opts:    opts,
		direct:  &http.Client{Transport: newTransport(http.ProxyFromEnvironment)},
		proxied: make(map[string]*http.Client),
	}
}

func newTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy:               proxy,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // raw bytes for range requests
	}
}

func (c *Client) httpClient(p *Proxy) *http.Client {
	if p == nil || p.Host == "" {
		return c.direct
	}
	u := p.URL()
	key := u.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	hc, ok := c.proxied[key]
	if !ok {
		hc = &http.Client{Transport: newTransport(http.ProxyURL(u))}
		c.proxied[key] = hc
	}
	return hc
}

func (c *Client) newRequest(ctx context.Context, method string, r Request) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if r.Credentials != nil && r.Credentials.Username != "" {
		req.SetBasicAuth(r.Credentials.Username, r.Credentials.Password)
	}
	return req, nil
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, r Request) (*FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HeadTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, r)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient(r.Proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("head request: %w", err)
	}
	_ = resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}

	return &FileInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: acceptsRanges(resp.Header.Get("Accept-Ranges")),
		ContentType:   resp.Header.Get("Content-Type"),
		ETag:          strings.Trim(strings.TrimPrefix(resp.Header.Get("ETag"), "W/"), `"`),
	}, nil
}

// GetFrom opens a GET stream starting at offset. A server that answers an
// offset > 0 with the full body (200) is reported as ErrRangeIgnored.
func (c *Client) GetFrom(ctx context.Context, r Request, offset int64) (*Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := c.newRequest(reqCtx, http.MethodGet, r)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

	resp, err := c.httpClient(r.Proxy).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get request: %w", err)
	}

	if err := checkStatusCode(resp.StatusCode); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	partial := resp.StatusCode == http.StatusPartialContent
	if offset > 0 && !partial {
		_ = resp.Body.Close()
		cancel()
		return nil, ErrRangeIgnored
	}

	return &Response{
		Body:          &timeoutBody{body: resp.Body, timeout: c.opts.ReadTimeout, cancel: cancel},
		ContentLength: resp.ContentLength,
		Partial:       partial,
	}, nil
}

// timeoutBody cancels the request when a single Read blocks longer than timeout.
type timeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	fired   atomic.Bool
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	timer := time.AfterFunc(b.timeout, func() {
		b.fired.Store(true)
		b.cancel()
	})
	n, err := b.body.Read(p)
	timer.Stop()
	if err != nil && !errors.Is(err, io.EOF) && b.fired.Load() {
		err = ErrReadTimeout
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}

func acceptsRanges(header string) bool {
	for _, unit := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
			return true
		}
	}
	return false
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
