package channel

import (
	"context"
	"errors"
	"io"
	"time"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

// run is the poll loop of one session. It returns once ctx is cancelled
// or the server has terminated the session.
func (c *Channel) run(ctx context.Context, s *session) {
	delay := c.transport.PollDelay()
	c.logger.Debug("Poll loop started", logging.Duration("delay", delay))

loop:
	for {
		if terminated := c.pollOnce(ctx, s.client); terminated || ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			break loop
		}
	}

	c.disconnect(s.client)
	c.finish(s)
}

// pollOnce issues one poll and dispatches what it returns. It reports
// whether the server terminated the session.
func (c *Channel) pollOnce(ctx context.Context, client transport.HTTPClient) bool {
	batch, err := c.transport.Poll(ctx, client)
	if err != nil {
		return c.report(ctx, err)
	}
	defer batch.Close()

	for {
		frame, err := batch.Next()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			return c.report(ctx, err)
		}
		if !c.dispatch(ctx, frame) {
			return false
		}
	}
}

// dispatch applies frame and hands its payload to the handler. It returns
// false once the loop has been cancelled; the frame is then dropped.
func (c *Channel) dispatch(ctx context.Context, frame transport.Frame) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	text, ok := frame.Deliver()
	if !ok {
		return true
	}

	c.mu.Lock()
	handler := c.currentHandlerLocked()
	c.mu.Unlock()

	c.metrics.RecordMessage(ctx, c.transport.Name(), len(text))
	c.invoke(func() { handler.OnMessage(text) })
	return true
}

// report hands a poll failure to the handler, except for the abort that
// Close itself causes. It reports whether the failure ends the loop.
func (c *Channel) report(ctx context.Context, err error) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	state := c.state
	handler := c.currentHandlerLocked()
	c.mu.Unlock()

	err = c.annotate(err, "poll")
	if state == Closing && chanerrors.IsAborted(err) {
		c.logger.Debug("Poll aborted by close")
		return false
	}

	terminated := chanerrors.IsSessionTerminated(err)
	if terminated {
		c.logger.WithError(err).Info("Session terminated by server")
	} else {
		c.logger.WithError(err).Warn("Poll failed")
	}

	category := "unknown"
	if ce, ok := chanerrors.AsChannelError(err); ok {
		category = string(ce.Category())
	}
	c.metrics.RecordException(ctx, category)
	c.invoke(func() { handler.OnException(err) })
	return terminated
}

// disconnect tells the server we are leaving. Failures are ignored.
func (c *Channel) disconnect(client transport.HTTPClient) {
	timeout := c.config.Connection.DisconnectTimeout
	if timeout <= 0 {
		timeout = transport.DefaultConfig(c.config.Type).Connection.DisconnectTimeout
	}
	ctx, cancel := context.WithTimeout(logging.ContextWithChannelID(context.Background(), c.id), timeout)
	defer cancel()

	if err := c.transport.Disconnect(ctx, client); err != nil {
		c.logger.WithError(err).Debug("Disconnect failed")
	}
}

// finish delivers OnClose. When the loop ended on its own, it also
// releases the session and returns the channel to NotConnected; otherwise
// Close does that once the loop has exited.
func (c *Channel) finish(s *session) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	handler := c.currentHandlerLocked()
	c.mu.Unlock()

	c.invoke(handler.OnClose)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing || c.session != s {
		return
	}

	s.cancel()
	_ = s.client.Close()
	c.session = nil
	c.clientID = ""
	c.setStateLocked(NotConnected)
	c.logger.Info("Channel closed by server")
}
