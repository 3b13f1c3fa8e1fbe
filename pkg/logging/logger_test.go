package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.SetLevel(DebugLevel)

	logger.Debug("Debug message", String("key", "value"))
	logger.Info("Info message", Int("count", 42))
	logger.Warn("Warning message", Bool("flag", true))
	logger.Error("Error message", ErrorField(errors.New("test error")))

	output := buf.String()
	for _, want := range []string{
		"Debug message", "Info message", "Warning message", "Error message",
		"key=value", "count=42", "flag=true", "error=test error",
	} {
		assert.Contains(t, output, want)
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.SetLevel(WarnLevel)

	logger.Debug("Debug message")
	logger.Info("Info message")
	logger.Warn("Warning message")
	logger.Error("Error message")

	output := buf.String()
	assert.NotContains(t, output, "Debug message")
	assert.NotContains(t, output, "Info message")
	assert.Contains(t, output, "Warning message")
	assert.Contains(t, output, "Error message")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"":        InfoLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		" error ": ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestWithFieldsDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, NewTextFormatter())
	child := base.WithFields(String("transport", "dev"))

	child.Info("from child")
	base.Info("from base")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "transport=dev")
	assert.NotContains(t, lines[1], "transport=dev")
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())

	ctx := ContextWithChannelID(context.Background(), "3f2a9c1e-0000-4000-8000-000000000000")
	logger.WithContext(ctx).Info("opened")

	assert.Contains(t, buf.String(), "[3f2a9c1e]")
	assert.Equal(t, "", ChannelIDFromContext(context.Background()))
}

func TestWithErrorLiftsChannelErrorFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())

	chErr := chanerrors.TokenMismatch("expected", "actual").
		WithContext(&chanerrors.Context{
			ChannelID: "chan-123",
			Transport: "prod",
			Component: "channel",
			Operation: "open",
		})

	logger.WithError(chErr).Error("Operation failed")

	output := buf.String()
	assert.Contains(t, output, "error=")
	assert.Contains(t, output, "error_code=1201")
	assert.Contains(t, output, "error_category=handshake")
	assert.Contains(t, output, "transport=prod")
	assert.Contains(t, output, "[chan-123]")
	assert.Contains(t, output, "channel/open:")
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewJSONFormatter())

	logger.Info("Test message",
		String("key", "value"),
		Int("count", 42),
		Int64("message_id", 7),
		Bool("flag", true),
		Duration("delay", 500*time.Millisecond),
		ErrorField(errors.New("test error")),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "Test message", entry["message"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, float64(42), entry["count"])
	assert.Equal(t, float64(7), entry["message_id"])
	assert.Equal(t, true, entry["flag"])
	assert.Equal(t, "500ms", entry["delay"])
	assert.Equal(t, "test error", entry["error"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewFormatter(t *testing.T) {
	f, err := NewFormatter("json")
	require.NoError(t, err)
	assert.IsType(t, &JSONFormatter{}, f)

	f, err = NewFormatter("")
	require.NoError(t, err)
	assert.IsType(t, &TextFormatter{}, f)

	_, err = NewFormatter("xml")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	logger := Nop().WithFields(String("a", "b")).WithError(errors.New("x"))
	logger.SetLevel(DebugLevel)
	logger.Error("ignored")
	assert.Greater(t, int(logger.GetLevel()), int(FatalLevel))
}

func TestGlobalLogger(t *testing.T) {
	previous := GetGlobalLogger()
	defer SetGlobalLogger(previous)

	var buf bytes.Buffer
	SetGlobalLogger(New(&buf, NewTextFormatter()))
	GetGlobalLogger().Info("Info message")
	assert.Contains(t, buf.String(), "Info message")

	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.SetLevel(DebugLevel)

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("gone"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_ah/channel/dev?command=poll&channel=t", nil))

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	output := buf.String()
	assert.Contains(t, output, "command=poll")
	assert.Contains(t, output, "status=410")
	assert.Contains(t, output, "bytes=4")
}
