package channel

import (
	"github.com/mybop/gae-channel-go/pkg/logging"
)

// Handler receives the events of a channel. Calls for one channel never
// overlap. Methods may read the channel's accessors, replace its handler
// and call Close, which then returns without waiting. They must not call
// Open synchronously.
type Handler interface {
	// OnOpen is called once the handshake succeeded and polling started.
	// It runs on the goroutine that called Open, before Open returns; it
	// still holds off the first OnMessage until it has returned.
	OnOpen()

	// OnMessage is called for every message, in the order received.
	OnMessage(message string)

	// OnException reports a failure of the poll loop. The loop continues
	// unless the server terminated the session.
	OnException(err error)

	// OnClose is called once when the poll loop has stopped.
	OnClose()
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Open      func()
	Message   func(message string)
	Exception func(err error)
	Close     func()
}

func (h HandlerFuncs) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

func (h HandlerFuncs) OnMessage(message string) {
	if h.Message != nil {
		h.Message(message)
	}
}

func (h HandlerFuncs) OnException(err error) {
	if h.Exception != nil {
		h.Exception(err)
	}
}

func (h HandlerFuncs) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}

// loggingHandler is used while no handler is registered. It drops
// messages and logs exceptions.
type loggingHandler struct {
	logger logging.Logger
}

func (h loggingHandler) OnOpen() {}

func (h loggingHandler) OnMessage(message string) {
	h.logger.Debug("Message dropped, no handler registered", logging.Int("size", len(message)))
}

func (h loggingHandler) OnException(err error) {
	h.logger.WithError(err).Error("Channel exception")
}

func (h loggingHandler) OnClose() {}
