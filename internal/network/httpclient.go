// File: internal/network/httpclient.go
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/vulndigest/internal/config"
)

// Transport defaults. Feeds and CMS endpoints are few, so the pool stays small.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxIdleConnsPerHost   = 4
	DefaultIdleConnTimeout       = 60 * time.Second

	// MaxBodySize caps how much of a response body Get will buffer.
	MaxBodySize = 32 << 20
)

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	IgnoreTLSErrors bool
	RequestTimeout  time.Duration
	UserAgent       string
	ForceHTTP2      bool
	Logger          *zap.Logger
}

// NewClientConfig derives a ClientConfig from the application's network settings.
func NewClientConfig(cfg config.NetworkConfig, logger *zap.Logger) *ClientConfig {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &ClientConfig{
		IgnoreTLSErrors: cfg.IgnoreTLSErrors,
		RequestTimeout:  timeout,
		UserAgent:       cfg.UserAgent,
		ForceHTTP2:      cfg.ForceHTTP2,
		Logger:          logger,
	}
}

// Client wraps http.Client with a fixed User-Agent and a byte-oriented Get.
// It is safe for concurrent use.
type Client struct {
	*http.Client
	userAgent string
}

// NewHTTPTransport builds the base transport, wrapped in transparent
// response decompression.
func NewHTTPTransport(cfg *ClientConfig) http.RoundTripper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.IgnoreTLSErrors,
		},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	}

	return NewCompressionTransport(transport)
}

// NewClient creates the shared client. Redirects are followed, since feed
// mirrors and search results routinely redirect.
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{RequestTimeout: DefaultRequestTimeout, ForceHTTP2: true}
	}
	return &Client{
		Client: &http.Client{
			Transport: NewHTTPTransport(cfg),
			Timeout:   cfg.RequestTimeout,
		},
		userAgent: cfg.UserAgent,
	}
}

// WrapClient adapts an existing http.Client, typically one from httptest.
func WrapClient(c *http.Client, userAgent string) *Client {
	return &Client{Client: c, userAgent: userAgent}
}

// Get issues a GET with the given extra headers and returns the body and
// status code. A non-2xx status is not an error; callers decide.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Do sets the User-Agent when the caller has not and sends the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.Client.Do(req)
}
