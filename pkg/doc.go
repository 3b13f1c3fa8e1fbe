// Package pkg holds the building blocks of the channel client.
//
// # Layout
//
//   - channel: the Channel state machine, Handler and the poll loop
//   - transport: Config, the HTTP client, the dev and prod protocols and
//     the middleware chain (observability, handshake retries)
//   - talk: the bracketed frame grammar and length-prefixed framing
//   - errors: codes, categories and predicates shared by every package
//   - logging: structured logging with text and JSON formatters
//   - observability: Prometheus metrics and OpenTelemetry tracing
//   - channeltest: fake dev and prod servers for tests and demos
//   - utils: test helpers such as the goroutine leak detector
//
// # Client Usage
//
//	config := transport.DefaultConfig(transport.TransportTypeProd)
//	config.ServerURL = "https://my-app.appspot.com"
//
//	ch, err := channel.New(config, token, channel.WithHandler(handler))
//	if err != nil {
//	    return err
//	}
//	if err := ch.Open(ctx); err != nil {
//	    return err
//	}
//	defer ch.Close()
package pkg
