/*
Package gaechannel is a client for App Engine style push channels.

A server application hands a token to its client. The client exchanges the
token for a client id, then long-polls the server and receives every
message pushed to that id. Two wire protocols are supported: the one spoken
by the local development server and the production talk gadget protocol.

# Opening a Channel

	ch, err := gaechannel.NewDevChannel("http://localhost:8080", token,
	    gaechannel.WithHandler(gaechannel.HandlerFuncs{
	        Message: func(message string) {
	            fmt.Println("received", message)
	        },
	        Exception: func(err error) {
	            log.Println("channel error:", err)
	        },
	    }),
	)
	if err != nil {
	    // invalid configuration
	}
	if err := ch.Open(ctx); err != nil {
	    // handshake failed
	}
	defer ch.Close()

Open performs the handshake synchronously and then polls in the background.
Handler callbacks for one channel never overlap and are delivered in order:
OnOpen, then every OnMessage and OnException, then OnClose. A handler must
not call Open or Close from inside a callback.

# Errors

Every error carries a code and a category from pkg/errors. Use
errors.IsCategory to tell transport failures, malformed frames and
handshake assertions apart, and errors.IsSessionTerminated to detect that
the server ended the session.

# Sub-packages

  - pkg/channel: the channel state machine and poll loop
  - pkg/transport: the dev and prod protocols, configuration and middleware
  - pkg/talk: the bracketed frame grammar and length-prefixed framing
  - pkg/channeltest: in-process fake servers for both protocols
  - pkg/observability: Prometheus metrics and OpenTelemetry tracing
  - pkg/logging: structured logging
*/
package gaechannel
