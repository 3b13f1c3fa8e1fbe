package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/observability"
)

// ObservabilityMiddleware adds metrics, logging, and tracing around every
// transport operation.
type ObservabilityMiddleware struct {
	config  ObservabilityConfig
	logger  logging.Logger
	metrics observability.MetricsProvider
	tracer  *observability.TracingProvider
}

// NewObservabilityMiddleware creates a new observability middleware. Nil
// providers disable the matching signal.
func NewObservabilityMiddleware(config ObservabilityConfig, logger logging.Logger,
	metrics observability.MetricsProvider, tracer *observability.TracingProvider) Middleware {
	if logger == nil || !config.EnableLogging {
		logger = logging.Nop()
	}
	if metrics == nil || !config.EnableMetrics {
		metrics = observability.NoopMetricsProvider{}
	}
	if !config.EnableTracing {
		tracer = nil
	}

	return &ObservabilityMiddleware{
		config:  config,
		logger:  logger.WithFields(logging.String(logging.ComponentKey, "transport")),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          om,
	}
}

type observabilityTransport struct {
	middlewareTransport
	middleware *ObservabilityMiddleware
}

// operation starts the span and logger for one call. finish must be called
// with the call's error.
func (ot *observabilityTransport) operation(ctx context.Context, op string) (context.Context, logging.Logger, func(error) (string, time.Duration)) {
	name := ot.Name()
	start := time.Now()

	var span trace.Span
	if ot.middleware.tracer != nil {
		ctx, span = ot.middleware.tracer.StartOperationSpan(ctx, name, op)
		if id := logging.ChannelIDFromContext(ctx); id != "" {
			span.SetAttributes(observability.AttrChannelID.String(id))
		}
	}

	logger := ot.middleware.logger.WithContext(ctx).WithFields(
		logging.String("transport", name),
		logging.String(logging.OperationKey, op),
	)

	finish := func(err error) (string, time.Duration) {
		duration := time.Since(start)
		status := statusOf(err)
		if span != nil {
			if err != nil && status == observability.StatusError {
				ot.middleware.tracer.RecordError(ctx, err)
			}
			span.End()
		}
		return status, duration
	}
	return ctx, logger, finish
}

// Connect wraps the underlying Connect with observability
func (ot *observabilityTransport) Connect(ctx context.Context, client HTTPClient) (string, error) {
	ctx, logger, finish := ot.operation(ctx, "connect")
	logger.Debug("Connecting")

	clientID, err := ot.middlewareTransport.Connect(ctx, client)
	status, duration := finish(err)
	ot.middleware.metrics.RecordHandshake(ctx, ot.Name(), status, duration)

	if err != nil {
		logger.WithError(err).Warn("Connect failed", logging.Duration("duration", duration))
		return "", err
	}
	logger.Debug("Connected", logging.String("client_id", clientID), logging.Duration("duration", duration))
	return clientID, nil
}

// Poll wraps the underlying Poll with observability. The request is
// recorded when the returned batch is closed, since the body streams.
func (ot *observabilityTransport) Poll(ctx context.Context, client HTTPClient) (Batch, error) {
	ctx, logger, finish := ot.operation(ctx, "poll")

	batch, err := ot.middlewareTransport.Poll(ctx, client)
	if err != nil {
		ot.record(ctx, logger, "poll", err, finish)
		return nil, err
	}
	return &observedBatch{
		Batch: batch,
		done: func(err error) {
			ot.record(ctx, logger, "poll", err, finish)
		},
	}, nil
}

// Disconnect wraps the underlying Disconnect with observability
func (ot *observabilityTransport) Disconnect(ctx context.Context, client HTTPClient) error {
	ctx, logger, finish := ot.operation(ctx, "disconnect")
	err := ot.middlewareTransport.Disconnect(ctx, client)
	ot.record(ctx, logger, "disconnect", err, finish)
	return err
}

func (ot *observabilityTransport) record(ctx context.Context, logger logging.Logger, op string, err error, finish func(error) (string, time.Duration)) {
	status, duration := finish(err)
	ot.middleware.metrics.RecordRequest(ctx, ot.Name(), op, status, duration)

	switch status {
	case observability.StatusError:
		logger.WithError(err).Debug("Request failed", logging.Duration("duration", duration))
	case observability.StatusAborted:
		logger.Debug("Request aborted", logging.Duration("duration", duration))
	default:
		logger.Debug("Request completed", logging.Duration("duration", duration))
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return observability.StatusSuccess
	case chanerrors.IsAborted(err):
		return observability.StatusAborted
	default:
		return observability.StatusError
	}
}

// observedBatch reports the first error seen while reading, or nil, once
// the batch is closed.
type observedBatch struct {
	Batch
	err    error
	done   func(error)
	closed bool
}

func (b *observedBatch) Next() (Frame, error) {
	f, err := b.Batch.Next()
	if err != nil && b.err == nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
	return f, err
}

func (b *observedBatch) Close() error {
	err := b.Batch.Close()
	if !b.closed {
		b.closed = true
		b.done(b.err)
	}
	return err
}
