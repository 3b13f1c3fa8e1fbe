package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Exposition
	MetricsPath string // HTTP path for the metrics endpoint (default: /metrics)
	MetricsAddr string // Listen address for Start (default: :9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: channel)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Latency buckets in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registerer receives the collectors. A fresh registry is used when nil
	// so that several providers can coexist in one process.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// MetricsProvider records channel activity.
type MetricsProvider interface {
	// RecordRequest records one HTTP exchange issued by a transport.
	RecordRequest(ctx context.Context, transport, operation, status string, duration time.Duration)
	// RecordHandshake records a complete connect sequence.
	RecordHandshake(ctx context.Context, transport, status string, duration time.Duration)
	// RecordMessage counts a payload delivered to the handler.
	RecordMessage(ctx context.Context, transport string, size int)
	// RecordException counts an error reported to the handler.
	RecordException(ctx context.Context, category string)
	// RecordState moves the state gauge of a channel.
	RecordState(ctx context.Context, from, to string)

	Handler() http.Handler
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server

	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	messagesTotal     *prometheus.CounterVec
	messageBytes      *prometheus.HistogramVec
	exceptionsTotal   *prometheus.CounterVec
	channelsByState   *prometheus.GaugeVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "channel"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9090"
	}
	if config.HistogramBuckets == nil {
		// Long polls routinely run for minutes.
		config.HistogramBuckets = []float64{5, 25, 100, 500, 1000, 5000, 30000, 120000, 300000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}

	gatherer := config.Gatherer
	if config.Registerer == nil {
		reg := prometheus.NewRegistry()
		config.Registerer = reg
		gatherer = reg
	}
	if gatherer == nil {
		if g, ok := config.Registerer.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}

	provider := &PrometheusMetricsProvider{
		config:   config,
		gatherer: gatherer,
	}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return provider, nil
}

func (p *PrometheusMetricsProvider) initializeMetrics() {
	c := p.config

	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of channel HTTP requests in milliseconds",
			Buckets:     c.HistogramBuckets,
			ConstLabels: c.ConstLabels,
		},
		[]string{"transport", "operation", "status"},
	)

	p.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "request_total",
			Help:        "Total number of channel HTTP requests",
			ConstLabels: c.ConstLabels,
		},
		[]string{"transport", "operation", "status"},
	)

	p.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "handshake_duration_milliseconds",
			Help:        "Duration of channel connect sequences in milliseconds",
			Buckets:     c.HistogramBuckets,
			ConstLabels: c.ConstLabels,
		},
		[]string{"transport", "status"},
	)

	p.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "messages_total",
			Help:        "Total number of payloads delivered to handlers",
			ConstLabels: c.ConstLabels,
		},
		[]string{"transport"},
	)

	p.messageBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "message_size_bytes",
			Help:        "Size of payloads delivered to handlers",
			Buckets:     prometheus.ExponentialBuckets(16, 4, 8),
			ConstLabels: c.ConstLabels,
		},
		[]string{"transport"},
	)

	p.exceptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "exceptions_total",
			Help:        "Total number of errors reported to handlers",
			ConstLabels: c.ConstLabels,
		},
		[]string{"category"},
	)

	p.channelsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "channels",
			Help:        "Number of channels in each lifecycle state",
			ConstLabels: c.ConstLabels,
		},
		[]string{"state"},
	)
}

func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.handshakeDuration,
		p.messagesTotal,
		p.messageBytes,
		p.exceptionsTotal,
		p.channelsByState,
	}

	for _, collector := range collectors {
		if err := p.config.Registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequest records one HTTP exchange
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, transport, operation, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.requestDuration.WithLabelValues(transport, operation, status).Observe(ms)
	p.requestTotal.WithLabelValues(transport, operation, status).Inc()
}

// RecordHandshake records a connect sequence
func (p *PrometheusMetricsProvider) RecordHandshake(ctx context.Context, transport, status string, duration time.Duration) {
	p.handshakeDuration.WithLabelValues(transport, status).Observe(float64(duration.Milliseconds()))
}

// RecordMessage counts a delivered payload
func (p *PrometheusMetricsProvider) RecordMessage(ctx context.Context, transport string, size int) {
	p.messagesTotal.WithLabelValues(transport).Inc()
	p.messageBytes.WithLabelValues(transport).Observe(float64(size))
}

// RecordException counts a reported error
func (p *PrometheusMetricsProvider) RecordException(ctx context.Context, category string) {
	if category == "" {
		category = "unknown"
	}
	p.exceptionsTotal.WithLabelValues(category).Inc()
}

// RecordState moves one channel from one state bucket to another. An empty
// from records a newly created channel.
func (p *PrometheusMetricsProvider) RecordState(ctx context.Context, from, to string) {
	if from != "" {
		p.channelsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		p.channelsByState.WithLabelValues(to).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Start starts the metrics HTTP server. It returns once the listener is bound.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}(p.server)

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// NoopMetricsProvider discards all measurements.
type NoopMetricsProvider struct{}

func (NoopMetricsProvider) RecordRequest(context.Context, string, string, string, time.Duration) {}
func (NoopMetricsProvider) RecordHandshake(context.Context, string, string, time.Duration) {}
func (NoopMetricsProvider) RecordMessage(context.Context, string, int) {}
func (NoopMetricsProvider) RecordException(context.Context, string) {}
func (NoopMetricsProvider) RecordState(context.Context, string, string) {}
func (NoopMetricsProvider) Handler() http.Handler { return http.NotFoundHandler() }
func (NoopMetricsProvider) Start(context.Context) error { return nil }
func (NoopMetricsProvider) Shutdown(context.Context) error { return nil }
