// Package benchmarks provides delivery throughput and latency testing for
// channels running against the in-process fake servers.
package benchmarks

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mybop/gae-channel-go/pkg/channel"
	"github.com/mybop/gae-channel-go/pkg/channeltest"
	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

// LoadTestConfig configures load testing parameters
type LoadTestConfig struct {
	// Number of concurrent channels, each with its own server
	Channels int

	// Number of messages pushed to each channel
	MessagesPerChannel int

	// Push rate per channel (messages per second, 0 = unlimited)
	RateLimit int

	// Test duration (0 = run until every message is delivered)
	Duration time.Duration

	// Ramp up period over which channels are opened
	RampUpTime time.Duration

	// Wire protocol spoken by the fake servers
	TransportType transport.TransportType

	// PollInterval overrides the protocol's delay between polls
	PollInterval time.Duration

	// Reporting interval (0 disables progress reports)
	ReportInterval time.Duration

	// Logger receives progress reports and channel logs. Nothing is logged
	// when nil.
	Logger logging.Logger
}

// LoadTestResult contains the results of a load test
type LoadTestResult struct {
	ChannelsOpened    int64
	OpenFailures      int64
	MessagesPushed    int64
	MessagesDelivered int64
	OutOfOrder        int64
	Exceptions        int64
	TotalDuration     time.Duration

	// Push-to-delivery latency statistics (in milliseconds)
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	// Throughput
	MessagesPerSecond float64

	// Failures by error code name
	ErrorCounts map[string]int64
}

// pusher is what both fake servers offer.
type pusher interface {
	URL() string
	Push(messages ...string)
	Close()
}

// target is one channel together with the server feeding it.
type target struct {
	server pusher
	ch     *channel.Channel

	// next and received are only touched from handler callbacks, which
	// never overlap for one channel.
	next     int
	received int
	done     chan struct{}
}

// LoadTester opens many channels and measures how quickly pushed messages
// reach their handlers.
type LoadTester struct {
	config LoadTestConfig
	logger logging.Logger

	// Metrics
	channelsOpened    int64
	openFailures      int64
	messagesPushed    int64
	messagesDelivered int64
	outOfOrder        int64
	exceptions        int64
	errorCounts       sync.Map

	mu        sync.Mutex
	latencies []time.Duration

	// Control
	startTime time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewLoadTester creates a new load tester
func NewLoadTester(config LoadTestConfig) *LoadTester {
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.MessagesPerChannel <= 0 {
		config.MessagesPerChannel = 100
	}
	if config.TransportType == "" {
		config.TransportType = transport.TransportTypeDev
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &LoadTester{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Run executes the load test. Channels that fail to open are counted and
// skipped; Run only fails when none could be opened.
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	lt.startTime = time.Now()

	if lt.config.ReportInterval > 0 {
		go lt.reportProgress()
	}

	var targets []*target
	defer func() {
		for _, t := range targets {
			_ = t.ch.Close()
			t.server.Close()
		}
	}()

	for i := 0; i < lt.config.Channels; i++ {
		t, err := lt.openTarget(ctx, i)
		if err != nil {
			atomic.AddInt64(&lt.openFailures, 1)
			lt.recordError(err)
		} else {
			atomic.AddInt64(&lt.channelsOpened, 1)
			targets = append(targets, t)
		}

		if lt.config.RampUpTime > 0 && i < lt.config.Channels-1 {
			time.Sleep(lt.config.RampUpTime / time.Duration(lt.config.Channels-1))
		}
	}
	if len(targets) == 0 {
		lt.stop()
		return nil, fmt.Errorf("no channel could be opened (%d attempts)", lt.config.Channels)
	}

	for _, t := range targets {
		lt.wg.Add(1)
		go lt.feed(ctx, t)
	}

	delivered := make(chan struct{})
	go func() {
		for _, t := range targets {
			select {
			case <-t.done:
			case <-lt.stopCh:
				return
			}
		}
		close(delivered)
	}()

	var timeout <-chan time.Time
	if lt.config.Duration > 0 {
		timer := time.NewTimer(lt.config.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-delivered:
	case <-timeout:
	case <-ctx.Done():
	}
	lt.stop()
	lt.wg.Wait()

	return lt.calculateResults(), nil
}

func (lt *LoadTester) stop() {
	select {
	case <-lt.stopCh:
	default:
		close(lt.stopCh)
	}
}

// openTarget starts a fake server and opens a channel against it.
func (lt *LoadTester) openTarget(ctx context.Context, index int) (*target, error) {
	config := transport.DefaultConfig(lt.config.TransportType)
	config.Polling.Interval = lt.config.PollInterval

	clientID := fmt.Sprintf("load-%d", index)
	var server pusher
	switch lt.config.TransportType {
	case transport.TransportTypeProd:
		prod := channeltest.NewProdServer(clientID, "session-"+clientID, "sid-"+clientID)
		config.TalkURL = prod.TalkURL()
		server = prod
	default:
		server = channeltest.NewDevServer(clientID)
	}
	config.ServerURL = server.URL()

	t := &target{server: server, done: make(chan struct{})}
	ch, err := channel.New(config, "load-token-"+strconv.Itoa(index),
		channel.WithLogger(lt.logger),
		channel.WithHandler(channel.HandlerFuncs{
			Message:   func(message string) { lt.deliver(t, message) },
			Exception: lt.exception,
		}),
	)
	if err != nil {
		server.Close()
		return nil, err
	}
	if err := ch.Open(ctx); err != nil {
		server.Close()
		return nil, err
	}
	t.ch = ch
	return t, nil
}

// feed pushes the configured number of messages to one target. Each
// message carries its sequence number and the time it was pushed.
func (lt *LoadTester) feed(ctx context.Context, t *target) {
	defer lt.wg.Done()

	var tick <-chan time.Time
	if lt.config.RateLimit > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()
		tick = ticker.C
	}

	for seq := 0; seq < lt.config.MessagesPerChannel; seq++ {
		if tick != nil {
			select {
			case <-tick:
			case <-lt.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-lt.stopCh:
			return
		default:
		}

		t.server.Push(strconv.Itoa(seq) + ":" + strconv.FormatInt(time.Now().UnixNano(), 10))
		atomic.AddInt64(&lt.messagesPushed, 1)
	}
}

func (lt *LoadTester) deliver(t *target, message string) {
	seqText, sentText, ok := strings.Cut(message, ":")
	seq, seqErr := strconv.Atoi(seqText)
	sent, sentErr := strconv.ParseInt(sentText, 10, 64)
	if !ok || seqErr != nil || sentErr != nil {
		lt.recordError(fmt.Errorf("unexpected payload %q", message))
		return
	}

	latency := time.Since(time.Unix(0, sent))
	lt.mu.Lock()
	lt.latencies = append(lt.latencies, latency)
	lt.mu.Unlock()

	if seq != t.next {
		atomic.AddInt64(&lt.outOfOrder, 1)
	}
	t.next = seq + 1
	atomic.AddInt64(&lt.messagesDelivered, 1)

	t.received++
	if t.received == lt.config.MessagesPerChannel {
		close(t.done)
	}
}

func (lt *LoadTester) exception(err error) {
	atomic.AddInt64(&lt.exceptions, 1)
	lt.recordError(err)
}

// recordError counts an error under its code name
func (lt *LoadTester) recordError(err error) {
	key := err.Error()
	if ce, ok := chanerrors.AsChannelError(err); ok {
		key = chanerrors.GetErrorCodeName(ce.Code())
	}
	counter, _ := lt.errorCounts.LoadOrStore(key, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// reportProgress periodically reports test progress
func (lt *LoadTester) reportProgress() {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastDelivered := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			delivered := atomic.LoadInt64(&lt.messagesDelivered)
			now := time.Now()
			rate := float64(delivered-lastDelivered) / now.Sub(lastTime).Seconds()

			lt.logger.Info("Progress",
				logging.Int64("pushed", atomic.LoadInt64(&lt.messagesPushed)),
				logging.Int64("delivered", delivered),
				logging.String("rate", fmt.Sprintf("%.1f msg/s", rate)),
				logging.Int64("exceptions", atomic.LoadInt64(&lt.exceptions)),
			)

			lastDelivered = delivered
			lastTime = now

		case <-lt.stopCh:
			return
		}
	}
}

// calculateResults computes the final test results
func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)
	delivered := atomic.LoadInt64(&lt.messagesDelivered)

	result := &LoadTestResult{
		ChannelsOpened:    atomic.LoadInt64(&lt.channelsOpened),
		OpenFailures:      atomic.LoadInt64(&lt.openFailures),
		MessagesPushed:    atomic.LoadInt64(&lt.messagesPushed),
		MessagesDelivered: delivered,
		OutOfOrder:        atomic.LoadInt64(&lt.outOfOrder),
		Exceptions:        atomic.LoadInt64(&lt.exceptions),
		TotalDuration:     duration,
		MessagesPerSecond: float64(delivered) / duration.Seconds(),
		ErrorCounts:       make(map[string]int64),
	}

	lt.errorCounts.Range(func(key, value interface{}) bool {
		name, _ := key.(string)
		count, _ := value.(*int64)
		result.ErrorCounts[name] = atomic.LoadInt64(count)
		return true
	})

	lt.mu.Lock()
	latencies := append([]time.Duration(nil), lt.latencies...)
	lt.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		result.MinLatency = milliseconds(latencies[0])
		result.MaxLatency = milliseconds(latencies[len(latencies)-1])
		result.AvgLatency = milliseconds(avgDuration(latencies))
		result.P50Latency = milliseconds(percentileDuration(latencies, 50))
		result.P90Latency = milliseconds(percentileDuration(latencies, 90))
		result.P95Latency = milliseconds(percentileDuration(latencies, 95))
		result.P99Latency = milliseconds(percentileDuration(latencies, 99))
	}

	return result
}

// Helper functions for statistics

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func avgDuration(durations []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentileDuration(sortedDurations []time.Duration, percentile float64) time.Duration {
	index := int(math.Ceil(float64(len(sortedDurations))*percentile/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sortedDurations) {
		index = len(sortedDurations) - 1
	}
	return sortedDurations[index]
}

// PrintResults writes load test results in a readable format
func (r *LoadTestResult) PrintResults(w io.Writer) {
	fmt.Fprintln(w, "=== Load Test Results ===")
	fmt.Fprintf(w, "Total Duration: %s\n", r.TotalDuration)
	fmt.Fprintf(w, "Channels: %d opened, %d failed\n", r.ChannelsOpened, r.OpenFailures)
	fmt.Fprintf(w, "Messages: %d pushed, %d delivered, %d out of order\n",
		r.MessagesPushed, r.MessagesDelivered, r.OutOfOrder)
	fmt.Fprintf(w, "Exceptions: %d\n", r.Exceptions)
	fmt.Fprintf(w, "Messages/sec: %.2f\n", r.MessagesPerSecond)

	fmt.Fprintln(w, "\nLatency Statistics (ms):")
	fmt.Fprintf(w, "  Min: %.2f\n", r.MinLatency)
	fmt.Fprintf(w, "  Avg: %.2f\n", r.AvgLatency)
	fmt.Fprintf(w, "  P50: %.2f\n", r.P50Latency)
	fmt.Fprintf(w, "  P90: %.2f\n", r.P90Latency)
	fmt.Fprintf(w, "  P95: %.2f\n", r.P95Latency)
	fmt.Fprintf(w, "  P99: %.2f\n", r.P99Latency)
	fmt.Fprintf(w, "  Max: %.2f\n", r.MaxLatency)

	if len(r.ErrorCounts) > 0 {
		names := make([]string, 0, len(r.ErrorCounts))
		for name := range r.ErrorCounts {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(w, "\nError Summary:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, r.ErrorCounts[name])
		}
	}
}
