// Package transport implements the two wire protocols of the channel
// service behind one Transport interface.
//
// # Supported Transport Types
//
// DevTransport:
//   - Talks to the local development server under /_ah/channel/dev
//   - One GET per command (connect, poll, disconnect)
//   - A poll response body is a single message
//
// ProdTransport:
//   - Talks to the production talk gadget through dch/bind
//   - Three-step handshake: initialize, fetchSid, register
//   - Poll responses stream length-prefixed frames decoded by package talk
//   - Tracks the session ids and the AID/RID counters in ProdSession
//
// # Usage
//
//	config := transport.DefaultConfig(transport.TransportTypeProd)
//	config.ServerURL = "https://example.appspot.com"
//	t, err := transport.NewTransport(config, token)
//
//	client := transport.NewHTTPClient(config.Connection)
//	defer client.Close()
//
//	clientID, err := t.Connect(ctx, client)
//	batch, err := t.Poll(ctx, client)
//	defer batch.Close()
//	for {
//	    frame, err := batch.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if text, ok := frame.Deliver(); ok {
//	        fmt.Println(text)
//	    }
//	}
//
// Most callers use package channel, which runs this loop for them.
//
// # Middleware System
//
//   - ObservabilityMiddleware: spans, Prometheus metrics and structured logs
//     for connect, poll and disconnect
//   - ReliabilityMiddleware: exponential backoff retries for Connect
//   - Custom middleware can be added with WithMiddleware
//
// Middleware is applied based on configuration:
//
//	config.Observability.EnableMetrics = true  // needs WithMetricsProvider
//	config.Reliability.ConnectRetries = 3      // adds connect retries
//
// Use Unwrap to reach the protocol transport beneath the chain, for
// example to read ProdTransport.Session.
package transport
