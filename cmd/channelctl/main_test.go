package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybop/gae-channel-go/pkg/channeltest"
	"github.com/mybop/gae-channel-go/pkg/observability"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channelctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, transport.TransportTypeDev, cfg.Transport.Type)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
type = "prod"
server_url = "https://app.example.com"
talk_url = "https://talk.example.com/talkgadget/"
token = "secret"

[connection]
request_timeout = "2m"
disconnect_timeout = "1s"
max_conns_per_host = 2

[polling]
interval = "250ms"

[reliability]
connect_retries = 3
initial_retry_delay = "100ms"

[log]
level = "debug"
format = "json"

[metrics]
addr = ":9191"

[tracing]
exporter = "otlp-http"
endpoint = "localhost:4318"
insecure = true
sample_rate = 0.5
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	tc := cfg.Transport
	assert.Equal(t, transport.TransportTypeProd, tc.Type)
	assert.Equal(t, "https://app.example.com", tc.ServerURL)
	assert.Equal(t, "https://talk.example.com/talkgadget/", tc.TalkURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 2*time.Minute, tc.Connection.RequestTimeout)
	assert.Equal(t, time.Second, tc.Connection.DisconnectTimeout)
	assert.Equal(t, 2, tc.Connection.MaxConnsPerHost)
	assert.Equal(t, 30*time.Second, tc.Connection.Timeout, "keys absent from the file keep their defaults")
	assert.Equal(t, 250*time.Millisecond, tc.Polling.Interval)
	assert.Equal(t, 3, tc.Reliability.ConnectRetries)
	assert.Equal(t, 100*time.Millisecond, tc.Reliability.InitialRetryDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":9191", cfg.MetricsAddr)

	require.True(t, cfg.TracingEnabled)
	assert.Equal(t, observability.ExporterTypeOTLPHTTP, cfg.Tracing.ExporterType)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.True(t, cfg.Tracing.Insecure)
	assert.Equal(t, 0.5, cfg.Tracing.SampleRate)

	cfg.finalize()
	assert.True(t, cfg.Transport.Observability.EnableMetrics)
	assert.True(t, cfg.Transport.Observability.EnableTracing)
	assert.Equal(t, "debug", cfg.Transport.Observability.LogLevel)
	require.NoError(t, cfg.Transport.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "[polling]\ninterval = \"soon\"\n", "parse polling.interval"},
		{"unknown key", "sever_url = \"http://x\"\n", "unknown key"},
		{"bad syntax", "type = \n", "load channelctl config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestListenPrintsMessages(t *testing.T) {
	server := channeltest.NewDevServer("cli")
	defer server.Close()
	server.Push("first", "second")

	// The file points at a dead server; the flag wins.
	path := writeConfig(t, `
server_url = "http://127.0.0.1:1"
token = "from-file"

[polling]
interval = "5ms"
`)

	stdout, _, err := execute(t, context.Background(), "",
		"listen", "--config", path, "--server", server.URL(), "--count", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", stdout)

	requests := server.Requests()
	require.NotEmpty(t, requests)
	assert.Equal(t, "from-file", requests[0].Query.Get("channel"))
	assert.Equal(t, "disconnect", requests[len(requests)-1].Command())
}

func TestListenStopsWhenServerCloses(t *testing.T) {
	server := channeltest.NewDevServer("cli")
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		_, _, err := execute(t, context.Background(), "",
			"listen", "--server", server.URL(), "--token", "t", "--interval", "5ms", "--log-level", "error")
		errs <- err
	}()

	require.Eventually(t, func() bool {
		for _, c := range server.Commands() {
			if c == "poll" {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	server.Terminate()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errClosedByServer)
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestListenStopsOnCancel(t *testing.T) {
	server := channeltest.NewDevServer("cli")
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := execute(t, ctx, "",
			"listen", "--server", server.URL(), "--token", "t", "--log-level", "error")
		errs <- err
	}()

	require.Eventually(t, func() bool { return len(server.Commands()) >= 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestListenDemo(t *testing.T) {
	stdout, _, err := execute(t, context.Background(), "",
		"listen", "--demo", "--count", "1", "--interval", "5ms", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "demo message 1\n", stdout)
}

func TestListenRequiresToken(t *testing.T) {
	_, _, err := execute(t, context.Background(), "", "listen", "--server", "http://localhost:8080")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestListenReportsHandshakeFailure(t *testing.T) {
	server := channeltest.NewDevServer("cli")
	defer server.Close()
	server.SetConnectStatus(500)

	_, _, err := execute(t, context.Background(), "",
		"listen", "--server", server.URL(), "--token", "t", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server response is invalid")
}

func TestDecode(t *testing.T) {
	stdin := "5\n[1,2]" + "14\n[[3,[\"c\",,7]]]"

	stdout, _, err := execute(t, context.Background(), stdin, "decode")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]\n[[3,[\"c\",,7]]]\n", stdout)
}

func TestDecodeTree(t *testing.T) {
	stdin := "prelude\n" + "10\n[1,[\"a\",]]"

	stdout, _, err := execute(t, context.Background(), stdin, "decode", "--skip-prelude", "--tree")
	require.NoError(t, err)
	assert.Equal(t, "[\n  NUMBER 1\n  [\n    STRING \"a\"\n  ]\n]\n", stdout)
}

func TestDecodeFramingError(t *testing.T) {
	_, _, err := execute(t, context.Background(), "x\n[]", "decode")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, context.Background(), "", "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)

	stdout, _, err = execute(t, context.Background(), "", "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "channelctl dev")
	assert.Contains(t, stdout, "Go version:")
}
