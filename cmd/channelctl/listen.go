package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mybop/gae-channel-go/pkg/channel"
	"github.com/mybop/gae-channel-go/pkg/channeltest"
	"github.com/mybop/gae-channel-go/pkg/logging"
	"github.com/mybop/gae-channel-go/pkg/observability"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

// errClosedByServer is returned by listen when the server ends the session.
var errClosedByServer = errors.New("channel closed by server")

type listenFlags struct {
	transportType string
	serverURL     string
	talkURL       string
	token         string
	interval      time.Duration
	retries       int
	metricsAddr   string
	count         int
	demo          bool
}

func listenCmd() *cobra.Command {
	var f listenFlags

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open a channel and print every message it receives",
		Long: `listen performs the channel handshake and prints each message on its own
line until interrupted, until --count messages have arrived or until the
server ends the session.

With --demo an in-process development server is started and pushes a
message every second, which is handy for trying out logging, metrics and
tracing settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg, f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.transportType, "type", "dev", "Wire protocol: dev or prod")
	flags.StringVar(&f.serverURL, "server", "", "Application base URL, e.g. http://localhost:8080")
	flags.StringVar(&f.talkURL, "talk-url", transport.DefaultTalkURL, "Talk gadget base URL (prod only)")
	flags.StringVar(&f.token, "token", "", "Channel token issued by the application")
	flags.DurationVar(&f.interval, "interval", 0, "Delay between polls (0 uses the protocol default)")
	flags.IntVar(&f.retries, "connect-retries", 0, "Retries for a failed handshake")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.IntVar(&f.count, "count", 0, "Exit after this many messages (0 means no limit)")
	flags.BoolVar(&f.demo, "demo", false, "Listen to an in-process demo server")
	return cmd
}

// resolveConfig loads the config file and applies the flags the user set.
func resolveConfig(cmd *cobra.Command, f listenFlags) (cliConfig, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return cliConfig{}, err
	}

	if flags.Changed("type") {
		cfg.Transport.Type = transport.TransportType(f.transportType)
	}
	if flags.Changed("server") {
		cfg.Transport.ServerURL = f.serverURL
	}
	if flags.Changed("talk-url") {
		cfg.Transport.TalkURL = f.talkURL
	}
	if flags.Changed("token") {
		cfg.Token = f.token
	}
	if flags.Changed("interval") {
		cfg.Transport.Polling.Interval = f.interval
	}
	if flags.Changed("connect-retries") {
		cfg.Transport.Reliability.ConnectRetries = f.retries
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}

	if f.demo {
		cfg.Transport.Type = transport.TransportTypeDev
		if cfg.Token == "" {
			cfg.Token = "demo"
		}
	} else if cfg.Token == "" {
		return cliConfig{}, errors.New("a token is required: use --token or set token in the config file")
	}

	cfg.finalize()
	return cfg, nil
}

func newLogger(cfg cliConfig, w io.Writer) (logging.Logger, error) {
	formatter, err := logging.NewFormatter(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(w, formatter)
	logger.SetLevel(level)
	return logger, nil
}

func runListen(ctx context.Context, cfg cliConfig, f listenFlags, out, errOut io.Writer) error {
	logger, err := newLogger(cfg, errOut)
	if err != nil {
		return err
	}

	if f.demo {
		server := channeltest.NewDevServer("demo", channeltest.WithLogger(logger))
		defer server.Close()
		cfg.Transport.ServerURL = server.URL()
		go feedDemo(ctx, server)
	}

	opts := []channel.Option{channel.WithLogger(logger)}

	if cfg.MetricsAddr != "" {
		metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
			ServiceName:    "channelctl",
			ServiceVersion: version,
			MetricsAddr:    cfg.MetricsAddr,
			MetricsPath:    cfg.MetricsPath,
		})
		if err != nil {
			return err
		}
		if err := metrics.Start(ctx); err != nil {
			return err
		}
		defer shutdown(logger, "metrics", metrics.Shutdown)
		logger.Info("Serving metrics", logging.String("addr", cfg.MetricsAddr))
		opts = append(opts, channel.WithMetricsProvider(metrics))
	}

	if cfg.TracingEnabled {
		tracing := cfg.Tracing
		if tracing.ServiceName == "" {
			tracing.ServiceName = "channelctl"
		}
		tracing.ServiceVersion = version
		tracer, err := observability.NewTracingProvider(tracing)
		if err != nil {
			return err
		}
		defer shutdown(logger, "tracing", tracer.Shutdown)
		opts = append(opts, channel.WithTracingProvider(tracer))
	}

	enough := make(chan struct{})
	closed := make(chan struct{}, 1)
	received := 0
	opts = append(opts, channel.WithHandler(channel.HandlerFuncs{
		Open: func() {
			logger.Info("Listening")
		},
		Message: func(message string) {
			fmt.Fprintln(out, message)
			received++
			if received == f.count {
				close(enough)
			}
		},
		Exception: func(err error) {
			logger.WithError(err).Warn("Channel exception")
		},
		Close: func() {
			select {
			case closed <- struct{}{}:
			default:
			}
		},
	}))

	ch, err := channel.New(cfg.Transport, cfg.Token, opts...)
	if err != nil {
		return err
	}
	if err := ch.Open(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-enough:
	case <-closed:
		return errClosedByServer
	}
	return ch.Close()
}

// feedDemo pushes a numbered message now and then every second.
func feedDemo(ctx context.Context, server *channeltest.DevServer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for n := 1; ; n++ {
		server.Push(fmt.Sprintf("demo message %d", n))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func shutdown(logger logging.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.WithError(err).Warn("Shutdown failed", logging.String("provider", name))
	}
}
