package transport

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
)

// ReliabilityMiddleware retries failed handshakes with exponential backoff.
// Poll, Disconnect and the other methods pass straight through.
type ReliabilityMiddleware struct {
	config ReliabilityConfig
	logger logging.Logger
}

// NewReliabilityMiddleware creates a new reliability middleware
func NewReliabilityMiddleware(config ReliabilityConfig, logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ReliabilityMiddleware{
		config: config,
		logger: logger.WithFields(logging.String(logging.ComponentKey, "ReliabilityMiddleware")),
	}
}

// Wrap implements the Middleware interface
func (rm *ReliabilityMiddleware) Wrap(transport Transport) Transport {
	return &reliabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          rm,
	}
}

type reliabilityTransport struct {
	middlewareTransport
	middleware *ReliabilityMiddleware
}

// Connect wraps the underlying Connect with retry logic
func (rt *reliabilityTransport) Connect(ctx context.Context, client HTTPClient) (string, error) {
	config := rt.middleware.config
	maxAttempts := config.ConnectRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, config)
			rt.middleware.logger.Info("Retrying connect",
				logging.Int("attempt", attempt),
				logging.Int("max_retries", config.ConnectRetries),
				logging.Duration("delay", delay),
			)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", chanerrors.RequestAborted(rt.Name(), "connect", ctx.Err())
			}
		}

		clientID, err := rt.middlewareTransport.Connect(ctx, client)
		if err == nil {
			return clientID, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return "", err
		}
		rt.middleware.logger.WithError(err).Warn("Connect failed",
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", maxAttempts),
		)
	}

	return "", lastErr
}

// isRetryableError reports whether a failed handshake may succeed on a
// second try. Only I/O failures and retryable statuses qualify; aborts and
// structural failures never do.
func isRetryableError(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		ce, ok := err.(chanerrors.ChannelError)
		if !ok {
			continue
		}
		switch ce.Code() {
		case chanerrors.CodeTransportError:
			return true
		case chanerrors.CodeUnexpectedStatus:
			data, _ := ce.Data().(*chanerrors.TransportErrorData)
			return data != nil && data.Retryable
		case chanerrors.CodeRequestAborted, chanerrors.CodeTokenMismatch:
			return false
		}
	}
	return false
}

// secureRandFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandFloat64() (float64, error) {
	max := big.NewInt(1 << 53)
	n, err := cryptorand.Int(cryptorand.Reader, max)
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(1<<53), nil
}

// calculateBackoff calculates the delay before the next retry
func calculateBackoff(attempt int, config ReliabilityConfig) time.Duration {
	factor := config.RetryBackoffFactor
	if factor < 1 {
		factor = 1
	}
	backoff := float64(config.InitialRetryDelay) * math.Pow(factor, float64(attempt-1))

	if config.MaxRetryDelay > 0 && backoff > float64(config.MaxRetryDelay) {
		backoff = float64(config.MaxRetryDelay)
	}

	// ±10% jitter
	if randFloat, err := secureRandFloat64(); err == nil {
		backoff += backoff * 0.1 * (randFloat*2 - 1)
	}

	return time.Duration(backoff)
}
