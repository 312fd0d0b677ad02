package network

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/protocol"
	"github.com/atlasworld/atlasnet/pkg/ratelimit"
)

// Options are the settings shared by servers and clients
type Options struct {
	// RequestTimeout is the initial timeout of outbound requests on new
	// connections. Connection.SetTimeout changes it per connection.
	RequestTimeout time.Duration
	// AckTimeout is used by Responder.Acknowledge when called with zero
	AckTimeout time.Duration
	// HandshakeTimeout bounds the whole handshake
	HandshakeTimeout time.Duration

	// Inbound frames per second and bucket size, per connection
	RateLimit  float64
	RateBurst  int
	RatePolicy ratelimit.Policy

	// MaxFrameSize is the largest accepted frame body
	MaxFrameSize uint32

	// Registry serves inbound requests. Nil answers every request with
	// CodeUnknownRequest.
	Registry PacketRegistry
	// Events receives notifications. Nil logs them through Logger.
	Events EventSink
	Logger logrus.FieldLogger
	// Scheduler runs request timers. Nil uses RealScheduler.
	Scheduler Scheduler
}

// DefaultOptions returns the protocol defaults
func DefaultOptions() Options {
	return Options{
		RequestTimeout:   protocol.DefaultRequestTimeout,
		AckTimeout:       protocol.DefaultAckTimeout,
		HandshakeTimeout: protocol.DefaultHandshakeTimeout,
		RateLimit:        ratelimit.DefaultPerSecond,
		RateBurst:        ratelimit.DefaultBurst,
		RatePolicy:       ratelimit.PolicyDrop,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
	}
}

// withDefaults fills zero values
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Events == nil {
		o.Events = NewLogSink(o.Logger)
	}
	if o.Scheduler == nil {
		o.Scheduler = RealScheduler{}
	}
	return o
}

func (o Options) newLimiter() *ratelimit.Limiter {
	return ratelimit.New(o.RateLimit, o.RateBurst, o.RatePolicy)
}

// ServerConfig configures a Server
type ServerConfig struct {
	Options

	// Authenticator supplies peer keys. Required.
	Authenticator Authenticator
	// Properties are advertised to clients in ServerInfo
	Properties map[string]string
}

// DefaultServerConfig returns a ServerConfig with protocol defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Options: DefaultOptions()}
}

// ClientConfig configures a Client
type ClientConfig struct {
	Options

	// ID identifies this client to servers. uuid.Nil picks a random id
	// per connection.
	ID uuid.UUID
	// Compatible can veto a server after its version was accepted
	Compatible func(info *protocol.ServerInfo) bool
}

// DefaultClientConfig returns a ClientConfig with protocol defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Options: DefaultOptions()}
}
