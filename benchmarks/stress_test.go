package benchmarks

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybop/gae-channel-go/pkg/channel"
	"github.com/mybop/gae-channel-go/pkg/channeltest"
	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/transport"
	"github.com/mybop/gae-channel-go/pkg/utils"
)

// stressClient reopens its channel whenever the server ends the session.
type stressClient struct {
	ch *channel.Channel

	delivered  atomic.Int64
	failures   atomic.Int64
	terminated atomic.Int64
	closed     chan struct{}
}

func newStressClient(t *testing.T, server *channeltest.ProdServer) *stressClient {
	t.Helper()
	config := transport.DefaultConfig(transport.TransportTypeProd)
	config.ServerURL = server.URL()
	config.TalkURL = server.TalkURL()
	config.Polling.Interval = time.Millisecond

	sc := &stressClient{closed: make(chan struct{}, 16)}
	ch, err := channel.New(config, "stress-token",
		channel.WithLogger(logging.Nop()),
		channel.WithHandler(channel.HandlerFuncs{
			Message: func(string) { sc.delivered.Add(1) },
			Exception: func(err error) {
				if chanerrors.IsSessionTerminated(err) {
					sc.terminated.Add(1)
					return
				}
				sc.failures.Add(1)
			},
			Close: func() { sc.closed <- struct{}{} },
		}),
	)
	require.NoError(t, err)
	sc.ch = ch
	return sc
}

// TestStressTerminationAndPollFailures pushes messages while the server
// fails polls and repeatedly ends the session. The client reopens after
// every termination and must end up with no leaked goroutines.
func TestStressTerminationAndPollFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(4).
		Ignore("net/http.(*conn).serve")
	detector.Start()

	server := channeltest.NewProdServer("stress", "session", "sid")
	defer server.Close()

	sc := newStressClient(t, server)
	require.NoError(t, sc.ch.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.Push("tick")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for round := 0; ; round++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			if round%3 == 2 {
				server.Terminate()
			} else {
				server.FailPolls(1, http.StatusServiceUnavailable)
			}
		}
	}()

	reopens := 0
	for ctx.Err() == nil {
		select {
		case <-sc.closed:
			require.Eventually(t, func() bool {
				return sc.ch.State() == channel.NotConnected
			}, time.Second, time.Millisecond)
			require.NoError(t, sc.ch.Open(context.Background()))
			reopens++
		case <-ctx.Done():
		}
	}
	wg.Wait()

	require.NoError(t, sc.ch.Close())

	assert.Positive(t, sc.delivered.Load())
	assert.Positive(t, sc.terminated.Load())
	// The last termination may land after the deadline and go unanswered.
	assert.InDelta(t, sc.terminated.Load(), int64(reopens), 1)
	assert.Equal(t, channel.NotConnected, sc.ch.State())

	server.Close()
	detector.Check()
}

// TestStressConcurrentOpenClose races Open and Close from many goroutines.
// Callbacks must stay paired: every OnOpen is followed by one OnClose.
func TestStressConcurrentOpenClose(t *testing.T) {
	server := channeltest.NewDevServer("race")
	defer server.Close()

	config := transport.DefaultConfig(transport.TransportTypeDev)
	config.ServerURL = server.URL()
	config.Polling.Interval = time.Millisecond

	var opens, closes atomic.Int64
	ch, err := channel.New(config, "race-token",
		channel.WithLogger(logging.Nop()),
		channel.WithHandler(channel.HandlerFuncs{
			Open:  func() { opens.Add(1) },
			Close: func() { closes.Add(1) },
		}),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = ch.Open(context.Background())
				} else {
					_ = ch.Close()
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, ch.Close())

	assert.Equal(t, channel.NotConnected, ch.State())
	assert.Equal(t, opens.Load(), closes.Load())
}
