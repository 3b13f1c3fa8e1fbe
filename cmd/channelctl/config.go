package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mybop/gae-channel-go/pkg/observability"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

// cliConfig is everything channelctl needs to open a channel.
type cliConfig struct {
	Transport transport.Config
	Token     string

	LogLevel  string
	LogFormat string

	MetricsAddr string
	MetricsPath string

	Tracing        observability.TracingConfig
	TracingEnabled bool
}

type fileConfig struct {
	Type      string `toml:"type"`
	ServerURL string `toml:"server_url"`
	TalkURL   string `toml:"talk_url"`
	Token     string `toml:"token"`

	Connection struct {
		Timeout           string `toml:"timeout"`
		RequestTimeout    string `toml:"request_timeout"`
		DisconnectTimeout string `toml:"disconnect_timeout"`
		MaxIdleConns      int    `toml:"max_idle_conns"`
		MaxConnsPerHost   int    `toml:"max_conns_per_host"`
	} `toml:"connection"`

	Polling struct {
		Interval string `toml:"interval"`
	} `toml:"polling"`

	Reliability struct {
		ConnectRetries    int     `toml:"connect_retries"`
		InitialRetryDelay string  `toml:"initial_retry_delay"`
		MaxRetryDelay     string  `toml:"max_retry_delay"`
		BackoffFactor     float64 `toml:"retry_backoff_factor"`
	} `toml:"reliability"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	Metrics struct {
		Addr string `toml:"addr"`
		Path string `toml:"path"`
	} `toml:"metrics"`

	Tracing struct {
		Exporter    string            `toml:"exporter"`
		Endpoint    string            `toml:"endpoint"`
		Insecure    bool              `toml:"insecure"`
		SampleRate  float64           `toml:"sample_rate"`
		ServiceName string            `toml:"service_name"`
		Environment string            `toml:"environment"`
		Headers     map[string]string `toml:"headers"`
	} `toml:"tracing"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Transport: transport.DefaultConfig(transport.TransportTypeDev),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// loadConfig applies the keys present in the TOML file at path on top of
// the defaults. An empty path returns the defaults.
func loadConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load channelctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("load channelctl config: unknown key %q", undecoded[0].String())
	}

	tc := &cfg.Transport
	if meta.IsDefined("type") {
		tc.Type = transport.TransportType(strings.TrimSpace(raw.Type))
	}
	if meta.IsDefined("server_url") {
		tc.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("talk_url") {
		tc.TalkURL = strings.TrimSpace(raw.TalkURL)
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}

	durations := []struct {
		key   []string
		value string
		dst   *time.Duration
	}{
		{[]string{"connection", "timeout"}, raw.Connection.Timeout, &tc.Connection.Timeout},
		{[]string{"connection", "request_timeout"}, raw.Connection.RequestTimeout, &tc.Connection.RequestTimeout},
		{[]string{"connection", "disconnect_timeout"}, raw.Connection.DisconnectTimeout, &tc.Connection.DisconnectTimeout},
		{[]string{"polling", "interval"}, raw.Polling.Interval, &tc.Polling.Interval},
		{[]string{"reliability", "initial_retry_delay"}, raw.Reliability.InitialRetryDelay, &tc.Reliability.InitialRetryDelay},
		{[]string{"reliability", "max_retry_delay"}, raw.Reliability.MaxRetryDelay, &tc.Reliability.MaxRetryDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("connection", "max_idle_conns") {
		tc.Connection.MaxIdleConns = raw.Connection.MaxIdleConns
	}
	if meta.IsDefined("connection", "max_conns_per_host") {
		tc.Connection.MaxConnsPerHost = raw.Connection.MaxConnsPerHost
	}
	if meta.IsDefined("reliability", "connect_retries") {
		tc.Reliability.ConnectRetries = raw.Reliability.ConnectRetries
	}
	if meta.IsDefined("reliability", "retry_backoff_factor") {
		tc.Reliability.RetryBackoffFactor = raw.Reliability.BackoffFactor
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.LogFormat = strings.TrimSpace(raw.Log.Format)
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "path") {
		cfg.MetricsPath = strings.TrimSpace(raw.Metrics.Path)
	}

	if meta.IsDefined("tracing") {
		cfg.TracingEnabled = true
		cfg.Tracing = observability.TracingConfig{
			ExporterType: observability.ExporterType(strings.TrimSpace(raw.Tracing.Exporter)),
			Endpoint:     strings.TrimSpace(raw.Tracing.Endpoint),
			Insecure:     raw.Tracing.Insecure,
			SampleRate:   raw.Tracing.SampleRate,
			ServiceName:  raw.Tracing.ServiceName,
			Environment:  raw.Tracing.Environment,
			Headers:      raw.Tracing.Headers,
		}
	}

	return cfg, nil
}

// finalize copies the settings that live outside transport.Config into it.
func (c *cliConfig) finalize() {
	obs := &c.Transport.Observability
	obs.EnableLogging = true
	obs.LogLevel = c.LogLevel
	obs.EnableMetrics = c.MetricsAddr != ""
	obs.EnableTracing = c.TracingEnabled
}
