package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybop/gae-channel-go/pkg/channeltest"
	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/observability"
	"github.com/mybop/gae-channel-go/pkg/transport"
	"github.com/mybop/gae-channel-go/pkg/utils"
)

// recorder is a Handler that keeps every event.
type recorder struct {
	mu       sync.Mutex
	events   []string
	errs     []error
	messages chan string
	failures chan error
	closed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan string, 100),
		failures: make(chan error, 100),
		closed:   make(chan struct{}, 10),
	}
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) OnOpen() { r.add("open") }

func (r *recorder) OnMessage(message string) {
	r.add("message:" + message)
	r.messages <- message
}

func (r *recorder) OnException(err error) {
	r.add("exception")
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.failures <- err
}

func (r *recorder) OnClose() {
	r.add("close")
	r.closed <- struct{}{}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func devConfig(serverURL string) transport.Config {
	config := transport.DefaultConfig(transport.TransportTypeDev)
	config.ServerURL = serverURL
	config.Polling.Interval = 5 * time.Millisecond
	config.Observability.EnableLogging = false
	return config
}

func prodConfig(server *channeltest.ProdServer) transport.Config {
	config := transport.DefaultConfig(transport.TransportTypeProd)
	config.ServerURL = server.URL()
	config.TalkURL = server.TalkURL()
	config.Polling.Interval = 5 * time.Millisecond
	config.Observability.EnableLogging = false
	return config
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_connected", NotConnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewChannel(t *testing.T) {
	ch, err := New(devConfig("http://localhost:8080"), "tok")
	require.NoError(t, err)

	assert.Equal(t, NotConnected, ch.State())
	assert.Empty(t, ch.ClientID())
	assert.Equal(t, "http://localhost:8080", ch.ServerURL())
	assert.Equal(t, "tok", ch.Token())
	assert.Len(t, ch.ID(), 36)
	assert.IsType(t, loggingHandler{}, ch.Handler())

	_, err = New(transport.Config{Type: "carrier-pigeon"}, "tok")
	assert.True(t, chanerrors.IsCode(err, chanerrors.CodeInvalidConfiguration))
}

func TestOpenReceiveClose(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(devConfig(server.URL()), "tok", WithHandler(rec))
	require.NoError(t, err)

	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, Connected, ch.State())
	assert.Equal(t, "abc123", ch.ClientID())

	server.Push("hello")
	assert.Equal(t, "hello", receive(t, rec.messages))

	require.NoError(t, ch.Close())
	assert.Equal(t, NotConnected, ch.State())
	assert.Empty(t, ch.ClientID())

	assert.Equal(t, []string{"open", "message:hello", "close"}, rec.Events())
	assert.Empty(t, rec.Errors(), "the abort caused by Close must not be reported")

	commands := server.Commands()
	assert.Equal(t, "connect", commands[0])
	assert.Equal(t, "disconnect", commands[len(commands)-1])
}

// scriptedTransport connects with a fixed id, answers the first poll with
// one message and holds later polls until they are aborted.
type scriptedTransport struct {
	connects   atomic.Int32
	polls      atomic.Int32
	disconnect atomic.Int32
}

func (s *scriptedTransport) Name() string { return "dev" }

func (s *scriptedTransport) Connect(ctx context.Context, client transport.HTTPClient) (string, error) {
	s.connects.Add(1)
	return "abc123", nil
}

func (s *scriptedTransport) Poll(ctx context.Context, client transport.HTTPClient) (transport.Batch, error) {
	if s.polls.Add(1) == 1 {
		return &staticBatch{frames: []string{"hello"}}, nil
	}
	<-ctx.Done()
	return nil, chanerrors.RequestAborted("dev", "poll", ctx.Err())
}

func (s *scriptedTransport) Disconnect(ctx context.Context, client transport.HTTPClient) error {
	s.disconnect.Add(1)
	return errors.New("server gone")
}

func (s *scriptedTransport) PollDelay() time.Duration { return time.Millisecond }

type staticBatch struct {
	frames []string
}

func (b *staticBatch) Next() (transport.Frame, error) {
	if len(b.frames) == 0 {
		return nil, io.EOF
	}
	f := staticFrame(b.frames[0])
	b.frames = b.frames[1:]
	return f, nil
}

func (b *staticBatch) Close() error { return nil }

type staticFrame string

func (f staticFrame) Deliver() (string, bool) { return string(f), true }

// countingClient records how often it is closed.
type countingClient struct {
	closes *atomic.Int32
}

func (c countingClient) Get(ctx context.Context, rawURL string, header http.Header) (*transport.HTTPResponse, error) {
	return nil, errors.New("not used")
}

func (c countingClient) Post(ctx context.Context, rawURL string, header http.Header, form transport.Params) (*transport.HTTPResponse, error) {
	return nil, errors.New("not used")
}

func (c countingClient) Close() error {
	c.closes.Add(1)
	return nil
}

func TestOpenReceiveCloseWithMockTransport(t *testing.T) {
	mock := &scriptedTransport{}
	var closes atomic.Int32

	rec := newRecorder()
	ch, err := New(devConfig("http://localhost:8080"), "tok",
		WithHandler(rec),
		WithTransport(mock),
		WithHTTPClientFactory(func(transport.ConnectionConfig) transport.HTTPClient {
			return countingClient{closes: &closes}
		}),
	)
	require.NoError(t, err)

	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, "hello", receive(t, rec.messages))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ch.Close())
		}()
	}
	wg.Wait()

	// Close calls that lose the race return at once; wait for the winner.
	require.Eventually(t, func() bool { return ch.State() == NotConnected }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"open", "message:hello", "close"}, rec.Events())
	assert.Equal(t, int32(1), mock.connects.Load())
	assert.Equal(t, int32(1), mock.disconnect.Load())
	assert.Equal(t, int32(1), closes.Load())
}

func TestOpenTwiceHandshakesOnce(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(devConfig(server.URL()), "tok", WithHandler(rec))
	require.NoError(t, err)

	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Close())

	connects := 0
	for _, c := range server.Commands() {
		if c == "connect" {
			connects++
		}
	}
	assert.Equal(t, 1, connects)
	assert.Equal(t, []string{"open", "close"}, rec.Events())
}

func TestCloseWhenNotConnectedIsNoop(t *testing.T) {
	rec := newRecorder()
	ch, err := New(devConfig("http://localhost:8080"), "tok", WithHandler(rec))
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	assert.Equal(t, NotConnected, ch.State())
	assert.Empty(t, rec.Events())
}

func TestHandshakeTokenMismatch(t *testing.T) {
	server := channeltest.NewProdServer("CLIENT", "SESSION", "SID1")
	defer server.Close()
	server.EchoToken("not-ours")

	rec := newRecorder()
	ch, err := New(prodConfig(server), "tok", WithHandler(rec))
	require.NoError(t, err)

	err = ch.Open(context.Background())
	require.Error(t, err)
	assert.True(t, chanerrors.IsCategory(err, chanerrors.CategoryHandshake))
	assert.True(t, chanerrors.IsCode(err, chanerrors.CodeTokenMismatch))

	ce, ok := chanerrors.AsChannelError(err)
	require.True(t, ok)
	assert.Equal(t, ch.ID(), ce.Context().ChannelID)
	assert.Equal(t, "open", ce.Context().Operation)

	assert.Equal(t, NotConnected, ch.State())
	assert.Empty(t, ch.ClientID())
	assert.Empty(t, rec.Events())

	// A failed open can be retried.
	server.EchoToken("tok")
	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Close())
}

func TestOpenHonoursContext(t *testing.T) {
	ch, err := New(devConfig("http://localhost:8080"), "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = ch.Open(ctx)
	require.Error(t, err)
	assert.True(t, chanerrors.IsAborted(err), "got %v", err)
	assert.Equal(t, NotConnected, ch.State())
}

func TestPollErrorsAreReportedAndPollingContinues(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(devConfig(server.URL()), "tok", WithHandler(rec))
	require.NoError(t, err)

	server.FailPolls(2, http.StatusServiceUnavailable)
	require.NoError(t, ch.Open(context.Background()))

	for i := 0; i < 2; i++ {
		err := receive(t, rec.failures)
		assert.True(t, chanerrors.IsCode(err, chanerrors.CodeUnexpectedStatus), "got %v", err)
	}

	server.Push("after")
	assert.Equal(t, "after", receive(t, rec.messages))
	assert.Equal(t, Connected, ch.State())

	require.NoError(t, ch.Close())
}

func TestServerTerminationClosesChannel(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(devConfig(server.URL()), "tok", WithHandler(rec))
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))

	server.Terminate()
	err = receive(t, rec.failures)
	assert.True(t, chanerrors.IsSessionTerminated(err))
	receive(t, rec.closed)

	require.Eventually(t, func() bool { return ch.State() == NotConnected }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.ClientID())
	assert.Equal(t, []string{"open", "exception", "close"}, rec.Events())

	// Close after the server ended the session does nothing.
	require.NoError(t, ch.Close())
	assert.Len(t, rec.Events(), 3)

	// The channel can be opened again.
	require.NoError(t, ch.Open(context.Background()))
	server.Push("again")
	assert.Equal(t, "again", receive(t, rec.messages))
	require.NoError(t, ch.Close())
}

func TestCloseAbortsInflightPoll(t *testing.T) {
	server := channeltest.NewProdServer("CLIENT", "SESSION", "SID1")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(prodConfig(server), "tok", WithHandler(rec))
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))

	// Let the first poll reach the server, where it is held open.
	require.Eventually(t, func() bool {
		binds := server.Binds()
		return len(binds) > 0 && binds[len(binds)-1].Query.Get("TYPE") == "xmlhttp"
	}, 3*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, ch.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, []string{"open", "close"}, rec.Events())
}

func TestProdChannelEndToEnd(t *testing.T) {
	server := channeltest.NewProdServer("CLIENT", "SESSION", "SID1")
	defer server.Close()

	rec := newRecorder()
	ch, err := New(prodConfig(server), "tok", WithHandler(rec))
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, "CLIENT", ch.ClientID())

	server.Push("first", "second")
	assert.Equal(t, "first", receive(t, rec.messages))
	assert.Equal(t, "second", receive(t, rec.messages))

	server.SetSessionID("SESSION2")
	server.Push("third")
	assert.Equal(t, "third", receive(t, rec.messages))

	prod, ok := transport.Unwrap(ch.Transport()).(*transport.ProdTransport)
	require.True(t, ok)
	session := prod.Session()
	assert.Equal(t, "SESSION2", session.SessionID)
	assert.Equal(t, int64(4), session.MessageID)

	require.NoError(t, ch.Close())
	assert.Empty(t, rec.Errors())
}

func TestHandlerMayReadChannelDuringCallback(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	ch, err := New(devConfig(server.URL()), "tok")
	require.NoError(t, err)

	seen := make(chan string, 1)
	ch.SetHandler(HandlerFuncs{
		Message: func(message string) {
			seen <- ch.State().String() + "/" + ch.ClientID() + "/" + message
			ch.SetHandler(nil)
		},
	})

	require.NoError(t, ch.Open(context.Background()))
	server.Push("hi")
	assert.Equal(t, "connected/abc123/hi", receive(t, seen))
	require.NoError(t, ch.Close())
	assert.IsType(t, loggingHandler{}, ch.Handler())
}

func TestOnOpenRunsBeforeOpenReturns(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()
	server.Push("early")

	var events []string
	var openGID uint64
	messages := make(chan struct{}, 1)
	var mu sync.Mutex
	ch, err := New(devConfig(server.URL()), "tok", WithHandler(HandlerFuncs{
		Open: func() {
			openGID = utils.GoroutineID()
			// Polling has started; the message must still wait for us.
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			events = append(events, "open")
			mu.Unlock()
		},
		Message: func(message string) {
			mu.Lock()
			events = append(events, "message:"+message)
			mu.Unlock()
			messages <- struct{}{}
		},
	}))
	require.NoError(t, err)

	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, utils.GoroutineID(), openGID)

	receive(t, messages)
	require.NoError(t, ch.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"open", "message:early"}, events)
}

func TestCloseFromHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler func(closeChannel func()) HandlerFuncs
		trigger func(server *channeltest.DevServer)
	}{
		{
			name: "OnMessage",
			handler: func(closeChannel func()) HandlerFuncs {
				return HandlerFuncs{Message: func(string) { closeChannel() }}
			},
			trigger: func(server *channeltest.DevServer) { server.Push("bye") },
		},
		{
			name: "OnException",
			handler: func(closeChannel func()) HandlerFuncs {
				return HandlerFuncs{Exception: func(error) { closeChannel() }}
			},
			trigger: func(server *channeltest.DevServer) { server.FailPolls(1, http.StatusInternalServerError) },
		},
		{
			name: "OnOpen",
			handler: func(closeChannel func()) HandlerFuncs {
				return HandlerFuncs{Open: closeChannel}
			},
			trigger: func(*channeltest.DevServer) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := channeltest.NewDevServer("abc123")
			defer server.Close()
			tt.trigger(server)

			var ch *Channel
			var closes atomic.Int32
			returned := make(chan error, 1)
			closed := make(chan struct{}, 1)

			h := tt.handler(func() { returned <- ch.Close() })
			h.Close = func() {
				closes.Add(1)
				closed <- struct{}{}
			}

			ch, err := New(devConfig(server.URL()), "tok", WithHandler(h))
			require.NoError(t, err)
			require.NoError(t, ch.Open(context.Background()))

			require.NoError(t, receive(t, returned))
			receive(t, closed)
			require.Eventually(t, func() bool {
				return ch.State() == NotConnected
			}, 3*time.Second, 5*time.Millisecond)
			assert.Empty(t, ch.ClientID())
			assert.Contains(t, server.Commands(), "disconnect")

			// Later calls neither block nor deliver a second OnClose.
			require.NoError(t, ch.Close())
			assert.Equal(t, int32(1), closes.Load())

			ch.SetHandler(nil)
			require.NoError(t, ch.Open(context.Background()))
			assert.Equal(t, Connected, ch.State())
			require.NoError(t, ch.Close())
			assert.Equal(t, NotConnected, ch.State())
		})
	}
}

func TestCallbacksNeverOverlap(t *testing.T) {
	server := channeltest.NewProdServer("CLIENT", "SESSION", "SID1")
	defer server.Close()

	var inFlight, maxInFlight atomic.Int32
	done := make(chan struct{})
	var received atomic.Int32
	enter := func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	}

	ch, err := New(prodConfig(server), "tok", WithHandler(HandlerFuncs{
		Open: enter,
		Message: func(string) {
			enter()
			if received.Add(1) == 20 {
				close(done)
			}
		},
		Close: enter,
	}))
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))

	for i := 0; i < 20; i++ {
		server.Push("m")
	}
	receive(t, done)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.State()
			ch.SetHandler(ch.Handler())
		}()
	}
	wg.Wait()
	require.NoError(t, ch.Close())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestDefaultHandlerLogsExceptions(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	var logs syncBuffer
	logger := logging.New(&logs, logging.NewTextFormatter())

	config := devConfig(server.URL())
	config.Observability.EnableLogging = true
	ch, err := New(config, "tok", WithLogger(logger))
	require.NoError(t, err)

	server.FailPolls(1, http.StatusInternalServerError)
	require.NoError(t, ch.Open(context.Background()))

	require.Eventually(t, func() bool {
		return bytes.Contains(logs.Bytes(), []byte("Channel exception"))
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Close())

	out := logs.String()
	assert.Contains(t, out, "error_code=1002")
	assert.Contains(t, out, "Channel opened")
	assert.Contains(t, out, "Channel closed")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) String() string {
	return string(b.Bytes())
}

func TestChannelMetrics(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	config := devConfig(server.URL())
	config.Observability.EnableMetrics = true

	rec := newRecorder()
	ch, err := New(config, "tok", WithHandler(rec), WithMetricsProvider(metrics))
	require.NoError(t, err)

	server.FailPolls(1, http.StatusBadGateway)
	require.NoError(t, ch.Open(context.Background()))
	receive(t, rec.failures)
	server.Push("hello")
	receive(t, rec.messages)
	require.NoError(t, ch.Close())

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	assert.Contains(t, body, `channel_messages_total{transport="dev"} 1`)
	assert.Contains(t, body, `channel_exceptions_total{category="transport"} 1`)
	assert.Contains(t, body, `channel_channels{state="connected"} 0`)
	assert.Contains(t, body, `channel_channels{state="not_connected"} 1`)
	assert.Contains(t, body, `channel_handshake_duration_milliseconds_count{status="success",transport="dev"} 1`)
}

func TestOpenCloseDoesNotLeakGoroutines(t *testing.T) {
	server := channeltest.NewDevServer("abc123")
	defer server.Close()

	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(2).
		SetStabilizeDelay(100 * time.Millisecond).
		Ignore("net/http.(*conn).serve")
	detector.Start()

	for i := 0; i < 5; i++ {
		ch, err := New(devConfig(server.URL()), "tok")
		require.NoError(t, err)
		require.NoError(t, ch.Open(context.Background()))
		require.NoError(t, ch.Close())
	}

	detector.Check()
}
