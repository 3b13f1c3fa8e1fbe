// Package channel implements the client side of a channel: a state machine
// that performs the transport handshake, runs the long-poll loop in the
// background and delivers messages to a Handler.
package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/observability"
	"github.com/mybop/gae-channel-go/pkg/transport"
	"github.com/mybop/gae-channel-go/pkg/utils"
)

// State is the lifecycle state of a channel.
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Channel is one push channel bound to a token. It is safe for concurrent
// use.
//
// Two locks guard it. dispatchMu serializes state transitions and handler
// callbacks; mu guards the fields and is only held briefly, so accessors
// never wait for a callback or for the network. Lock order is dispatchMu,
// then mu, then the transport's own session lock. callbackGID names the
// goroutine running a handler callback, so Close can tell that it was
// called from inside one.
type Channel struct {
	id        string
	config    transport.Config
	token     string
	transport transport.Transport
	newClient transport.HTTPClientFactory
	logger    logging.Logger
	metrics   observability.MetricsProvider

	dispatchMu sync.Mutex

	mu       sync.Mutex
	state    State
	clientID string
	handler  Handler
	session  *session

	callbackGID uint64
}

// session is what one successful Open owns until the loop has stopped.
type session struct {
	client transport.HTTPClient
	cancel context.CancelFunc
	group  *errgroup.Group
}

type options struct {
	handler          Handler
	logger           logging.Logger
	metrics          observability.MetricsProvider
	tracer           *observability.TracingProvider
	transport        transport.Transport
	clientFactory    transport.HTTPClientFactory
	transportOptions []transport.Option
}

// Option configures a Channel.
type Option func(*options)

// WithHandler registers the initial handler.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithLogger sets the logger of the channel and of its transport.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsProvider records channel and transport metrics.
func WithMetricsProvider(p observability.MetricsProvider) Option {
	return func(o *options) { o.metrics = p }
}

// WithTracingProvider records transport spans.
func WithTracingProvider(p *observability.TracingProvider) Option {
	return func(o *options) { o.tracer = p }
}

// WithTransport uses t instead of building one from the configuration.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPClientFactory replaces transport.NewHTTPClient.
func WithHTTPClientFactory(f transport.HTTPClientFactory) Option {
	return func(o *options) { o.clientFactory = f }
}

// WithTransportOptions passes extra options to transport.NewTransport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOptions = append(o.transportOptions, opts...) }
}

// New creates a channel in state NotConnected. Nothing is sent until Open.
func New(config transport.Config, token string, opts ...Option) (*Channel, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetGlobalLogger()
	}
	if !config.Observability.EnableLogging {
		o.logger = logging.Nop()
	}
	if o.metrics == nil || !config.Observability.EnableMetrics {
		o.metrics = observability.NoopMetricsProvider{}
	}
	if o.clientFactory == nil {
		o.clientFactory = transport.NewHTTPClient
	}

	id := uuid.NewString()
	logger := o.logger.WithFields(
		logging.String(logging.ChannelIDKey, id),
		logging.String(logging.ComponentKey, "channel"),
	)

	t := o.transport
	if t == nil {
		topts := []transport.Option{
			transport.WithLogger(o.logger),
			transport.WithMetricsProvider(o.metrics),
			transport.WithTracingProvider(o.tracer),
		}
		var err error
		t, err = transport.NewTransport(config, token, append(topts, o.transportOptions...)...)
		if err != nil {
			return nil, err
		}
	}

	o.metrics.RecordState(context.Background(), "", NotConnected.String())
	return &Channel{
		id:        id,
		config:    config,
		token:     token,
		transport: t,
		newClient: o.clientFactory,
		logger:    logger,
		metrics:   o.metrics,
		handler:   o.handler,
	}, nil
}

// ID identifies this channel value in logs, spans and error contexts.
func (c *Channel) ID() string { return c.id }

// ServerURL returns the configured application base URL.
func (c *Channel) ServerURL() string { return c.config.ServerURL }

// Token returns the token the channel is bound to.
func (c *Channel) Token() string { return c.token }

// Transport returns the transport, middleware included. Use
// transport.Unwrap to reach the protocol implementation.
func (c *Channel) Transport() transport.Transport { return c.transport }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the server, or "" while not
// connected.
func (c *Channel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetHandler replaces the handler. A nil handler restores the default,
// which logs exceptions and drops messages.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Handler returns the handler that receives the next event.
func (c *Channel) Handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHandlerLocked()
}

func (c *Channel) currentHandlerLocked() Handler {
	if c.handler == nil {
		return loggingHandler{logger: c.logger}
	}
	return c.handler
}

// setStateLocked must be called with mu held.
func (c *Channel) setStateLocked(to State) {
	from := c.state
	c.state = to
	c.metrics.RecordState(context.Background(), from.String(), to.String())
	c.logger.Debug("State changed", logging.String("from", from.String()), logging.String("to", to.String()))
}

// Open performs the handshake and starts polling. It does nothing unless
// the channel is NotConnected. A failed handshake is returned and leaves
// the channel NotConnected. ctx bounds the handshake only.
func (c *Channel) Open(ctx context.Context) error {
	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.state != NotConnected {
		c.mu.Unlock()
		c.dispatchMu.Unlock()
		return nil
	}
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	client := c.newClient(c.config.Connection)
	c.logger.Info("Opening channel", logging.String("transport", c.transport.Name()))

	clientID, err := c.transport.Connect(logging.ContextWithChannelID(ctx, c.id), client)

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()

	if err != nil {
		c.setStateLocked(NotConnected)
		c.mu.Unlock()
		_ = client.Close()

		err = c.annotate(err, "open")
		c.logger.WithError(err).Warn("Handshake failed")
		return err
	}

	runCtx, cancel := context.WithCancel(logging.ContextWithChannelID(context.Background(), c.id))
	group, groupCtx := errgroup.WithContext(runCtx)
	s := &session{client: client, cancel: cancel, group: group}

	c.session = s
	c.clientID = clientID
	group.Go(func() error {
		c.run(groupCtx, s)
		return nil
	})
	c.setStateLocked(Connected)
	handler := c.currentHandlerLocked()
	c.mu.Unlock()

	c.logger.Info("Channel opened", logging.String("client_id", clientID))
	c.invoke(handler.OnOpen)
	return nil
}

// invoke runs fn as a handler callback. dispatchMu must be held.
func (c *Channel) invoke(fn func()) {
	gid := utils.GoroutineID()
	c.mu.Lock()
	c.callbackGID = gid
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.callbackGID = 0
		c.mu.Unlock()
	}()
	fn()
}

// Close stops polling and waits until the loop has exited, the disconnect
// has been attempted and OnClose has returned. It does nothing unless the
// channel is Connected.
//
// Called from a Handler method, Close only requests the shutdown and
// returns at once; the loop finishes after the callback returns, and the
// channel reaches NotConnected without further calls.
func (c *Channel) Close() error {
	if s, inCallback := c.closeFromCallback(); inCallback {
		if s != nil {
			c.logger.Info("Closing channel from handler")
			go func() {
				_ = c.release(s)
			}()
		}
		return nil
	}

	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		c.dispatchMu.Unlock()
		return nil
	}
	c.setStateLocked(Closing)
	s := c.session
	// Cancelling under the locks means the loop either sees the
	// cancellation before its next request or has that request aborted.
	s.cancel()
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	c.logger.Info("Closing channel")
	return c.release(s)
}

// closeFromCallback handles a Close issued by a handler callback, which
// already holds dispatchMu. It reports whether the caller is such a
// callback, and returns the session to release when the call started the
// shutdown.
func (c *Channel) closeFromCallback() (*session, bool) {
	gid := utils.GoroutineID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbackGID == 0 || c.callbackGID != gid {
		return nil, false
	}
	if c.state != Connected {
		return nil, true
	}
	c.setStateLocked(Closing)
	s := c.session
	s.cancel()
	return s, true
}

// release waits for the loop of s to exit, then frees its client and
// returns the channel to NotConnected.
func (c *Channel) release(s *session) error {
	_ = s.group.Wait()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	err := s.client.Close()
	if c.session == s {
		c.session = nil
	}
	c.clientID = ""
	c.setStateLocked(NotConnected)
	c.logger.Info("Channel closed")
	return err
}

// annotate attaches the channel's identity to a ChannelError.
func (c *Channel) annotate(err error, operation string) error {
	ce, ok := err.(chanerrors.ChannelError)
	if !ok {
		return err
	}
	return ce.WithContext(&chanerrors.Context{
		ChannelID: c.id,
		Transport: c.transport.Name(),
		Component: "channel",
		Operation: operation,
	})
}
