package transport

import (
	"context"
	"time"
)

// Middleware represents a transport middleware that can wrap a transport
// to add additional functionality like retries or observability.
type Middleware interface {
	// Wrap wraps the given transport with middleware functionality
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport is a base type for middleware implementations
type middlewareTransport struct {
	next Transport
}

// Name delegates to the wrapped transport
func (m *middlewareTransport) Name() string {
	return m.next.Name()
}

// Connect delegates to the wrapped transport
func (m *middlewareTransport) Connect(ctx context.Context, client HTTPClient) (string, error) {
	return m.next.Connect(ctx, client)
}

// Poll delegates to the wrapped transport
func (m *middlewareTransport) Poll(ctx context.Context, client HTTPClient) (Batch, error) {
	return m.next.Poll(ctx, client)
}

// Disconnect delegates to the wrapped transport
func (m *middlewareTransport) Disconnect(ctx context.Context, client HTTPClient) error {
	return m.next.Disconnect(ctx, client)
}

// PollDelay delegates to the wrapped transport
func (m *middlewareTransport) PollDelay() time.Duration {
	return m.next.PollDelay()
}

// Unwrap returns the wrapped transport
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

// MiddlewareBuilder builds middleware from configuration
type MiddlewareBuilder struct {
	config Config
	opts   options
}

// NewMiddlewareBuilder creates a new middleware builder
func NewMiddlewareBuilder(config Config, opts options) *MiddlewareBuilder {
	return &MiddlewareBuilder{config: config, opts: opts}
}

// Build constructs the middleware chain based on configuration
func (mb *MiddlewareBuilder) Build() []Middleware {
	var middleware []Middleware

	// Observability is outermost so a retried connect is recorded once.
	obs := mb.config.Observability
	if obs.EnableMetrics || obs.EnableTracing || obs.EnableLogging {
		middleware = append(middleware, NewObservabilityMiddleware(obs,
			mb.opts.logger, mb.opts.metrics, mb.opts.tracer))
	}

	if mb.config.Reliability.ConnectRetries > 0 {
		middleware = append(middleware, NewReliabilityMiddleware(mb.config.Reliability, mb.opts.logger))
	}

	return middleware
}
