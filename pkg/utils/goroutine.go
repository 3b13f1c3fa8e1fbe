// Package utils holds goroutine helpers shared across packages.
package utils

import (
	"bytes"
	"runtime"
	"strings"
	"time"
)

// Reporter is the part of testing.TB the detector uses.
type Reporter interface {
	Helper()
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// GoroutineLeakDetector helps detect goroutine leaks in tests. Goroutines
// whose stack contains one of the ignored substrings are not counted; by
// default that covers the idle connection goroutines of net/http, which
// outlive a closed client for a short while.
type GoroutineLeakDetector struct {
	t              Reporter
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	ignore         []string
}

// NewGoroutineLeakDetector creates a new goroutine leak detector
func NewGoroutineLeakDetector(t Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		allowedGrowth:  0,
		checkInterval:  100 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
		ignore: []string{
			"net/http.(*persistConn).readLoop",
			"net/http.(*persistConn).writeLoop",
			"net/http/httptest.(*Server)",
			"internal/poll.runtime_pollWait",
		},
	}
}

// Start records the initial goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = d.count()
	d.t.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check verifies that goroutine count hasn't grown beyond allowed threshold
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	time.Sleep(d.stabilizeDelay)

	// Take the minimum of a few samples; some goroutines may still be
	// finishing their cleanup.
	finalCount := d.count()
	for i := 0; i < 2; i++ {
		time.Sleep(d.checkInterval)
		if c := d.count(); c < finalCount {
			finalCount = c
		}
	}

	leaked := finalCount - d.initialCount
	if leaked > d.allowedGrowth {
		d.t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
			d.initialCount, finalCount, leaked, d.allowedGrowth)
		d.t.Logf("Current goroutine stack traces:\n%s", stacks())
		return
	}
	d.t.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, finalCount)
}

// SetAllowedGrowth sets the number of goroutines allowed to grow
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the delay to allow goroutines to stabilize
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// Ignore excludes goroutines whose stack contains any of patterns.
func (d *GoroutineLeakDetector) Ignore(patterns ...string) *GoroutineLeakDetector {
	d.ignore = append(d.ignore, patterns...)
	return d
}

// count returns the number of goroutines not matched by an ignore pattern.
func (d *GoroutineLeakDetector) count() int {
	n := 0
	for _, g := range bytes.Split(stacks(), []byte("\n\n")) {
		if len(bytes.TrimSpace(g)) == 0 {
			continue
		}
		if !d.ignored(string(g)) {
			n++
		}
	}
	return n
}

func (d *GoroutineLeakDetector) ignored(stack string) bool {
	for _, p := range d.ignore {
		if strings.Contains(stack, p) {
			return true
		}
	}
	return false
}

func stacks() []byte {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// GoroutineID returns the id of the calling goroutine, parsed from the
// "goroutine <id> [" header of its stack.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
