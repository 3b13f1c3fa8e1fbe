package channeltest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mybop/gae-channel-go/pkg/logging"
)

// Request is one request received by a fake server.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Query    url.Values
	Form     url.Values
}

// Command returns the dev protocol command of the request.
func (r Request) Command() string {
	return r.Query.Get("command")
}

// Option configures a fake server.
type Option func(*serverOptions)

type serverOptions struct {
	logger logging.Logger
}

// WithLogger logs every request at debug level.
func WithLogger(logger logging.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// core holds what both fake servers share: the HTTP listener, the request
// log and a queue of pending payloads that long polls wait on.
type core struct {
	server *httptest.Server

	mu         sync.Mutex
	requests   []Request
	pending    []string
	terminated bool
	wake       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

func newCore(opts []Option, routes func(chi.Router)) *core {
	o := serverOptions{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &core{
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware(o.logger))
	r.Use(c.record)
	routes(r)

	c.server = httptest.NewServer(r)
	return c
}

func (c *core) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ParseForm reads the body, so the handler sees an already parsed form.
		_ = r.ParseForm()
		c.mu.Lock()
		c.requests = append(c.requests, Request{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Query:    r.URL.Query(),
			Form:     cloneValues(r.PostForm),
		})
		c.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// URL is the base URL of the server.
func (c *core) URL() string {
	return c.server.URL
}

// Requests returns a copy of every request received so far.
func (c *core) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Push queues payloads for the next poll.
func (c *core) push(payloads ...string) {
	c.mu.Lock()
	c.pending = append(c.pending, payloads...)
	c.broadcastLocked()
	c.mu.Unlock()
}

// Terminate makes the server forget the session. Waiting and future polls
// are answered with the protocol's termination status.
func (c *core) Terminate() {
	c.mu.Lock()
	c.terminated = true
	c.broadcastLocked()
	c.mu.Unlock()
}

// Terminated reports whether Terminate was called since the last connect.
func (c *core) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *core) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// await blocks until payloads are pending, the session is terminated, the
// request is cancelled or the server closes. It returns the payloads to
// send, taking at most limit of them (all when limit <= 0).
func (c *core) await(r *http.Request, limit int) (payloads []string, terminated, ok bool) {
	for {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return nil, true, true
		}
		if len(c.pending) > 0 {
			n := len(c.pending)
			if limit > 0 && n > limit {
				n = limit
			}
			payloads = append([]string(nil), c.pending[:n]...)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return payloads, false, true
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-r.Context().Done():
			return nil, false, false
		case <-c.done:
			return nil, false, false
		}
	}
}

// Close releases waiting polls and shuts the server down.
func (c *core) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.server.CloseClientConnections()
		c.server.Close()
	})
}
