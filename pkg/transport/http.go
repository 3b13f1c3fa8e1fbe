package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Param is one query or form parameter. Params keep their order on the wire.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list.
type Params []Param

// Encode renders p in form encoding without reordering.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// Get returns the first value stored under key.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// HTTPResponse is the part of a response transports look at. Body must be
// closed by the caller.
type HTTPResponse struct {
	StatusCode int
	Status     string
	Body       io.ReadCloser
}

// HTTPClient issues the requests of one open channel. Cancelling ctx aborts
// the request, including a body that is still being read.
type HTTPClient interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*HTTPResponse, error)
	Post(ctx context.Context, rawURL string, header http.Header, form Params) (*HTTPResponse, error)

	// Close releases pooled connections. The client is unusable afterwards.
	Close() error
}

// HTTPClientFactory creates the client owned by one open channel.
type HTTPClientFactory func(config ConnectionConfig) HTTPClient

// netHTTPClient implements HTTPClient over net/http.
type netHTTPClient struct {
	client    *http.Client
	transport *http.Transport
}

// NewHTTPClient creates an HTTPClient with its own connection pool.
func NewHTTPClient(config ConnectionConfig) HTTPClient {
	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        config.MaxIdleConns,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		MaxIdleConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &netHTTPClient{
		client: &http.Client{
			Transport: tr,
			Timeout:   config.RequestTimeout,
		},
		transport: tr,
	}
}

func (c *netHTTPClient) Get(ctx context.Context, rawURL string, header http.Header) (*HTTPResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, header)
}

func (c *netHTTPClient) Post(ctx context.Context, rawURL string, header http.Header, form Params) (*HTTPResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, header)
}

func (c *netHTTPClient) do(req *http.Request, header http.Header) (*HTTPResponse, error) {
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       resp.Body,
	}, nil
}

func (c *netHTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
