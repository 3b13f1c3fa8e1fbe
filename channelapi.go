package gaechannel

import (
	"github.com/mybop/gae-channel-go/pkg/channel"
	"github.com/mybop/gae-channel-go/pkg/talk"
	"github.com/mybop/gae-channel-go/pkg/transport"
)

// Version represents the current version of the module
const Version = "1.0.0"

// Core types
type (
	Channel      = channel.Channel
	Handler      = channel.Handler
	HandlerFuncs = channel.HandlerFuncs
	State        = channel.State
	Config       = transport.Config
	Message      = talk.Message
)

// Channel states
const (
	NotConnected = channel.NotConnected
	Connecting   = channel.Connecting
	Connected    = channel.Connected
	Closing      = channel.Closing
)

// These exports provide direct access to the core components
var (
	// NewChannel creates a channel from an explicit configuration
	NewChannel = channel.New

	// DefaultConfig returns the default configuration of a transport type
	DefaultConfig = transport.DefaultConfig

	// ParseMessage decodes one bracketed frame
	ParseMessage = talk.Parse
)

// Channel options
var (
	WithHandler           = channel.WithHandler
	WithLogger            = channel.WithLogger
	WithMetricsProvider   = channel.WithMetricsProvider
	WithTracingProvider   = channel.WithTracingProvider
	WithTransport         = channel.WithTransport
	WithHTTPClientFactory = channel.WithHTTPClientFactory
)

// NewDevChannel creates a channel speaking the development server protocol
// to the application at serverURL.
func NewDevChannel(serverURL, token string, opts ...channel.Option) (*Channel, error) {
	config := transport.DefaultConfig(transport.TransportTypeDev)
	config.ServerURL = serverURL
	return channel.New(config, token, opts...)
}

// NewProdChannel creates a channel speaking the production protocol. The
// talk gadget defaults to transport.DefaultTalkURL.
func NewProdChannel(serverURL, token string, opts ...channel.Option) (*Channel, error) {
	config := transport.DefaultConfig(transport.TransportTypeProd)
	config.ServerURL = serverURL
	return channel.New(config, token, opts...)
}
