package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
)

const (
	devName = "dev"

	// channelPath is the servlet prefix on the application server.
	channelPath = "/_ah/channel/"

	// devTerminatedStatus is returned to polls for a channel the server
	// has dropped.
	devTerminatedStatus = http.StatusGone
)

// DevTransport speaks the development server protocol: plain GET requests
// and one message per poll response.
type DevTransport struct {
	base  *url.URL
	token string
	delay time.Duration

	mu       sync.Mutex
	clientID string
}

// NewDevTransport creates a development transport for token.
func NewDevTransport(config Config, token string) (*DevTransport, error) {
	base, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, chanerrors.InvalidConfiguration("server_url", err.Error())
	}
	return &DevTransport{
		base:  base,
		token: token,
		delay: config.pollDelay(DevPollDelay),
	}, nil
}

func (t *DevTransport) Name() string { return devName }

func (t *DevTransport) PollDelay() time.Duration { return t.delay }

// URL builds <base>/_ah/channel/dev?command=...&channel=...[&client=...].
func (t *DevTransport) URL(command string) string {
	t.mu.Lock()
	clientID := t.clientID
	t.mu.Unlock()

	query := "command=" + command + "&channel=" + url.QueryEscape(t.token)
	if clientID != "" {
		query += "&client=" + url.QueryEscape(clientID)
	}
	return t.base.ResolveReference(&url.URL{Path: channelPath + "dev", RawQuery: query}).String()
}

// Connect asks the server for a client id. Only HTTP 200 is accepted.
func (t *DevTransport) Connect(ctx context.Context, client HTTPClient) (string, error) {
	t.mu.Lock()
	t.clientID = ""
	t.mu.Unlock()

	endpoint := t.URL("connect")
	resp, err := client.Get(ctx, endpoint, nil)
	if err != nil {
		return "", wrapRequestError(ctx, devName, "connect", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapRequestError(ctx, devName, "connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", chanerrors.HandshakeFailed("connect", "server response is invalid: "+resp.Status,
			chanerrors.UnexpectedStatus(devName, "connect", endpoint, resp.StatusCode))
	}

	clientID := string(body)
	t.mu.Lock()
	t.clientID = clientID
	t.mu.Unlock()
	return clientID, nil
}

// Poll waits for one message. The body minus one trailing line terminator
// is the message text, even when empty.
func (t *DevTransport) Poll(ctx context.Context, client HTTPClient) (Batch, error) {
	endpoint := t.URL("poll")
	resp, err := client.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, wrapRequestError(ctx, devName, "poll", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError(ctx, devName, "poll", err)
	}

	switch {
	case resp.StatusCode == devTerminatedStatus:
		return nil, chanerrors.SessionTerminated(devName, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, chanerrors.UnexpectedStatus(devName, "poll", endpoint, resp.StatusCode).
			WithDetail("Invalid server response: " + resp.Status)
	}

	return &textBatch{frames: []Frame{textFrame(chomp(string(body)))}}, nil
}

// Disconnect notifies the server. The response is not inspected.
func (t *DevTransport) Disconnect(ctx context.Context, client HTTPClient) error {
	resp, err := client.Get(ctx, t.URL("disconnect"), nil)
	if err != nil {
		return wrapRequestError(ctx, devName, "disconnect", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// chomp removes one trailing \r\n, \n or \r.
func chomp(s string) string {
	switch {
	case strings.HasSuffix(s, "\r\n"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "\n"), strings.HasSuffix(s, "\r"):
		return s[:len(s)-1]
	}
	return s
}

// textFrame is a payload that needs no session bookkeeping.
type textFrame string

func (f textFrame) Deliver() (string, bool) { return string(f), true }

// textBatch is a fully read response.
type textBatch struct {
	frames []Frame
}

func (b *textBatch) Next() (Frame, error) {
	if len(b.frames) == 0 {
		return nil, io.EOF
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, nil
}

func (b *textBatch) Close() error { return nil }
