package transport

import (
	"context"
	"net/url"
	"strings"
	"time"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/observability"
)

// Transport turns channel intent into HTTP exchanges with one channel server.
// Implementations keep whatever session state their protocol needs between
// calls; Connect starts a new session on the same value.
type Transport interface {
	// Name identifies the wire protocol ("dev" or "prod").
	Name() string

	// Connect performs the handshake and returns the server-assigned client id.
	Connect(ctx context.Context, client HTTPClient) (string, error)

	// Poll issues one long-poll request. The returned Batch streams the
	// frames of the response and must be closed by the caller.
	Poll(ctx context.Context, client HTTPClient) (Batch, error)

	// Disconnect tells the server the client is leaving. Callers treat it as
	// best effort.
	Disconnect(ctx context.Context, client HTTPClient) error

	// PollDelay is the fixed pause between two polls.
	PollDelay() time.Duration
}

// Batch is the decoded body of one poll response.
type Batch interface {
	// Next returns the next frame, or io.EOF once the response is exhausted.
	// It may block on the network.
	Next() (Frame, error)
	Close() error
}

// Frame is one unit of a poll response.
type Frame interface {
	// Deliver applies the frame to the transport session and reports the
	// payload it carries, if any. It never blocks on I/O, so callers may hold
	// their own lock around it.
	Deliver() (text string, ok bool)
}

// TransportType selects the wire protocol.
type TransportType string

const (
	TransportTypeDev  TransportType = "dev"
	TransportTypeProd TransportType = "prod"
)

// DefaultTalkURL is the gadget host used by the production protocol.
const DefaultTalkURL = "https://talkgadget.google.com/talkgadget/"

// Config is the configuration shared by all transports. It is passed
// explicitly to NewTransport and NewHTTPClient.
type Config struct {
	Type TransportType `json:"type" toml:"type"`

	// ServerURL is the application base, e.g. http://localhost:8080.
	ServerURL string `json:"server_url" toml:"server_url"`

	// TalkURL is the production gadget base. It must end with a slash.
	TalkURL string `json:"talk_url,omitempty" toml:"talk_url"`

	Connection    ConnectionConfig    `json:"connection" toml:"connection"`
	Polling       PollingConfig       `json:"polling" toml:"polling"`
	Reliability   ReliabilityConfig   `json:"reliability" toml:"reliability"`
	Observability ObservabilityConfig `json:"observability" toml:"observability"`
}

// ConnectionConfig for connection management
type ConnectionConfig struct {
	Timeout         time.Duration `json:"timeout" toml:"timeout"`
	KeepAlive       time.Duration `json:"keep_alive" toml:"keep_alive"`
	MaxIdleConns    int           `json:"max_idle_conns" toml:"max_idle_conns"`
	MaxConnsPerHost int           `json:"max_conns_per_host" toml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `json:"idle_conn_timeout" toml:"idle_conn_timeout"`

	// RequestTimeout bounds a whole exchange, body included. Long polls are
	// held open by the server, so this must be generous.
	RequestTimeout time.Duration `json:"request_timeout" toml:"request_timeout"`

	// DisconnectTimeout bounds the best-effort disconnect sent after the
	// poll loop stops.
	DisconnectTimeout time.Duration `json:"disconnect_timeout" toml:"disconnect_timeout"`
}

// PollingConfig controls the poll loop.
type PollingConfig struct {
	// Interval overrides the protocol's fixed delay between polls when set.
	Interval time.Duration `json:"interval" toml:"interval"`
}

// ReliabilityConfig controls handshake retries. Polls are never retried
// here; the poll loop already repeats at a fixed delay.
type ReliabilityConfig struct {
	ConnectRetries     int           `json:"connect_retries" toml:"connect_retries"`
	InitialRetryDelay  time.Duration `json:"initial_retry_delay" toml:"initial_retry_delay"`
	MaxRetryDelay      time.Duration `json:"max_retry_delay" toml:"max_retry_delay"`
	RetryBackoffFactor float64       `json:"retry_backoff_factor" toml:"retry_backoff_factor"`
}

// ObservabilityConfig for metrics, tracing and logging
type ObservabilityConfig struct {
	EnableMetrics bool   `json:"enable_metrics" toml:"enable_metrics"`
	EnableTracing bool   `json:"enable_tracing" toml:"enable_tracing"`
	EnableLogging bool   `json:"enable_logging" toml:"enable_logging"`
	LogLevel      string `json:"log_level" toml:"log_level"`
	MetricsPrefix string `json:"metrics_prefix" toml:"metrics_prefix"`
}

// Per-protocol poll delays.
const (
	DevPollDelay  = 500 * time.Millisecond
	ProdPollDelay = 2500 * time.Millisecond
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig(transportType TransportType) Config {
	return Config{
		Type:    transportType,
		TalkURL: DefaultTalkURL,
		Connection: ConnectionConfig{
			Timeout:           30 * time.Second,
			KeepAlive:         30 * time.Second,
			MaxIdleConns:      10,
			MaxConnsPerHost:   4,
			IdleConnTimeout:   90 * time.Second,
			RequestTimeout:    5 * time.Minute,
			DisconnectTimeout: 5 * time.Second,
		},
		Reliability: ReliabilityConfig{
			ConnectRetries:     0,
			InitialRetryDelay:  time.Second,
			MaxRetryDelay:      30 * time.Second,
			RetryBackoffFactor: 2.0,
		},
		Observability: ObservabilityConfig{
			EnableLogging: true,
			LogLevel:      "info",
			MetricsPrefix: "channel",
		},
	}
}

// Validate checks the configuration without touching the network.
func (c Config) Validate() error {
	switch c.Type {
	case TransportTypeDev, TransportTypeProd:
	case "":
		return chanerrors.InvalidConfiguration("type", "transport type is required")
	default:
		return chanerrors.InvalidConfiguration("type", "unsupported transport type "+string(c.Type))
	}

	if err := validateBaseURL("server_url", c.ServerURL); err != nil {
		return err
	}
	if c.Type == TransportTypeProd {
		talkURL := c.TalkURL
		if talkURL == "" {
			talkURL = DefaultTalkURL
		}
		if err := validateBaseURL("talk_url", talkURL); err != nil {
			return err
		}
		if !strings.HasSuffix(talkURL, "/") {
			return chanerrors.InvalidConfiguration("talk_url", "must end with '/'")
		}
	}

	if c.Connection.RequestTimeout < 0 || c.Connection.DisconnectTimeout < 0 {
		return chanerrors.InvalidConfiguration("connection", "timeouts must not be negative")
	}
	if c.Polling.Interval < 0 {
		return chanerrors.InvalidConfiguration("polling.interval", "must not be negative")
	}
	if c.Reliability.ConnectRetries < 0 {
		return chanerrors.InvalidConfiguration("reliability.connect_retries", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Observability.LogLevel); err != nil {
		return chanerrors.InvalidConfiguration("observability.log_level", err.Error())
	}
	return nil
}

func validateBaseURL(param, raw string) error {
	if raw == "" {
		return chanerrors.InvalidConfiguration(param, "URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return chanerrors.InvalidConfiguration(param, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return chanerrors.InvalidConfiguration(param, "scheme must be http or https")
	}
	if u.Host == "" {
		return chanerrors.InvalidConfiguration(param, "host is required")
	}
	return nil
}

func (c Config) pollDelay(fallback time.Duration) time.Duration {
	if c.Polling.Interval > 0 {
		return c.Polling.Interval
	}
	return fallback
}

type options struct {
	logger  logging.Logger
	metrics observability.MetricsProvider
	tracer  *observability.TracingProvider
	extra   []Middleware
}

// Option customises NewTransport.
type Option func(*options)

// WithLogger sets the logger used by the transport and its middleware.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsProvider records request metrics when metrics are enabled.
func WithMetricsProvider(p observability.MetricsProvider) Option {
	return func(o *options) { o.metrics = p }
}

// WithTracingProvider records spans when tracing is enabled.
func WithTracingProvider(p *observability.TracingProvider) Option {
	return func(o *options) { o.tracer = p }
}

// WithMiddleware appends middleware outside the configured chain.
func WithMiddleware(m ...Middleware) Option {
	return func(o *options) { o.extra = append(o.extra, m...) }
}

// NewTransport creates the transport selected by config.Type for token,
// wrapped in the middleware chain the configuration enables.
func NewTransport(config Config, token string, opts ...Option) (Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetGlobalLogger()
	}

	var base Transport
	var err error
	switch config.Type {
	case TransportTypeDev:
		base, err = NewDevTransport(config, token)
	case TransportTypeProd:
		base, err = NewProdTransport(config, token)
	}
	if err != nil {
		return nil, err
	}

	middleware := NewMiddlewareBuilder(config, o).Build()
	middleware = append(middleware, o.extra...)
	return ChainMiddleware(middleware...).Wrap(base), nil
}

// Unwrap strips middleware and returns the protocol transport underneath.
func Unwrap(t Transport) Transport {
	for {
		w, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			return t
		}
		t = w.Unwrap()
	}
}

// wrapRequestError classifies a failed exchange. Once ctx is done the
// failure is an abort, whatever error the HTTP stack chose to report.
func wrapRequestError(ctx context.Context, transport, operation string, err error) error {
	if ctx.Err() != nil {
		return chanerrors.RequestAborted(transport, operation, err)
	}
	if _, ok := chanerrors.AsChannelError(err); ok {
		return err
	}
	return chanerrors.TransportError(transport, operation, err)
}
